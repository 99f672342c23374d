package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/qasync/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Revision declares the complete table layout of one schema revision plus an optional
// data transformation that runs once when a store is upgraded past it.
//
// Transform must tolerate being re-run after an interrupted upgrade: write it as guarded
// UPDATE/INSERT statements that leave already-transformed rows alone.
type Revision struct {
	Number    int
	Name      string
	Models    []any
	Transform func(*gorm.DB) error
}

type revisionRecord struct {
	Number           int    `gorm:"column:revision;primaryKey;autoIncrement:false"`
	Name             string `gorm:"column:name;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (revisionRecord) TableName() string {
	return "schema_revisions"
}

var errRevisionOrder = errors.New("revisions must be numbered from 1 in strictly increasing order")

// CurrentRevision returns the highest revision recorded in the store, or zero for a fresh store.
func CurrentRevision(db *gorm.DB) (int, error) {
	if !db.Migrator().HasTable(&revisionRecord{}) {
		return 0, nil
	}
	var current int
	if err := db.Model(&revisionRecord{}).Select("COALESCE(MAX(revision), 0)").Scan(&current).Error; err != nil {
		return 0, err
	}
	return current, nil
}

// ApplyRevisions upgrades the store to the newest revision. Stores never downgrade: a store
// stamped with a revision newer than any known one is reported as a migration failure.
func ApplyRevisions(db *gorm.DB, revisions []Revision, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := validateRevisions(revisions); err != nil {
		return fmt.Errorf("%w: %v", records.ErrMigrationFailed, err)
	}
	if len(revisions) == 0 {
		return nil
	}

	if err := db.AutoMigrate(&revisionRecord{}); err != nil {
		return fmt.Errorf("%w: revision table: %v", records.ErrMigrationFailed, err)
	}

	current, err := CurrentRevision(db)
	if err != nil {
		return fmt.Errorf("%w: read current revision: %v", records.ErrMigrationFailed, err)
	}
	latest := revisions[len(revisions)-1].Number
	if current > latest {
		return fmt.Errorf("%w: store is at revision %d, newest supported is %d", records.ErrMigrationFailed, current, latest)
	}

	for _, revision := range revisions {
		if revision.Number <= current {
			continue
		}
		if err := applyRevision(db, revision); err != nil {
			logger.Error("schema revision failed",
				zap.Int("revision", revision.Number),
				zap.String("name", revision.Name),
				zap.Error(err))
			return fmt.Errorf("%w: revision %d (%s): %v", records.ErrMigrationFailed, revision.Number, revision.Name, err)
		}
		logger.Info("schema revision applied",
			zap.Int("revision", revision.Number),
			zap.String("name", revision.Name))
	}
	return nil
}

func applyRevision(db *gorm.DB, revision Revision) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if len(revision.Models) > 0 {
			if err := tx.AutoMigrate(revision.Models...); err != nil {
				return err
			}
		}
		if revision.Transform != nil {
			if err := revision.Transform(tx); err != nil {
				return err
			}
		}
		return tx.Create(&revisionRecord{
			Number:           revision.Number,
			Name:             revision.Name,
			AppliedAtSeconds: time.Now().UTC().Unix(),
		}).Error
	})
}

func validateRevisions(revisions []Revision) error {
	previous := 0
	for _, revision := range revisions {
		if revision.Number <= previous {
			return fmt.Errorf("%w: %d follows %d", errRevisionOrder, revision.Number, previous)
		}
		previous = revision.Number
	}
	return nil
}
