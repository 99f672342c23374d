package localstore

import (
	"github.com/MarcoPoloResearchLab/qasync/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	revisionInitial    = 1
	revisionClassSize  = 2
	revisionTombstones = 3
)

// Revisions lists the local store schema history, oldest first.
func Revisions() []database.Revision {
	return []database.Revision{
		{
			Number: revisionInitial,
			Name:   "records_and_settings",
			Models: []any{&recordRowV1{}, &settingRow{}},
		},
		{
			Number:    revisionClassSize,
			Name:      "record_class_size_dirty",
			Models:    []any{&recordRow{}, &settingRow{}},
			Transform: backfillClassAndSize,
		},
		{
			Number: revisionTombstones,
			Name:   "tombstones",
			Models: []any{&recordRow{}, &settingRow{}, &tombstoneRow{}},
		},
	}
}

// Open opens (creating if needed) the local store database at path and upgrades its schema.
// A store that cannot be upgraded is returned as an error and must not be used.
func Open(path string, logger *zap.Logger) (*gorm.DB, error) {
	return database.OpenSQLite(path, Revisions(), logger)
}

// backfillClassAndSize only touches rows still carrying the column defaults, so a re-run after
// an interrupted upgrade leaves transformed rows unchanged.
func backfillClassAndSize(tx *gorm.DB) error {
	if err := tx.Exec(`UPDATE records
		SET size_bytes = length(question) + length(answer) + length(source) + length(notebook_ref)
		WHERE size_bytes = 0`).Error; err != nil {
		return err
	}
	return tx.Exec(`UPDATE records SET class = 'standard' WHERE class = ''`).Error
}
