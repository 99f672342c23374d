package recordstore

import (
	"github.com/MarcoPoloResearchLab/qasync/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Revisions lists the server schema history, oldest first.
func Revisions() []database.Revision {
	return []database.Revision{
		{
			Number: 1,
			Name:   "stored_records",
			Models: []any{&StoredRecord{}},
		},
	}
}

// Open opens the server database at path and upgrades its schema.
func Open(path string, logger *zap.Logger) (*gorm.DB, error) {
	return database.OpenSQLite(path, Revisions(), logger)
}
