package recordstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/qasync/internal/records"
	"github.com/MarcoPoloResearchLab/qasync/internal/remote"
)

const maxIdentifierLength = 190

// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
var ErrInvalidUserID = errors.New("recordstore: invalid user id")

// IsClientError reports whether err was caused by caller input rather than the store.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidUserID) ||
		errors.Is(err, records.ErrInvalidPayload) ||
		errors.Is(err, records.ErrInvalidClass) ||
		errors.Is(err, records.ErrInvalidCategory) ||
		errors.Is(err, records.ErrInvalidLocalID) ||
		errors.Is(err, records.ErrInvalidRemoteID) ||
		errors.Is(err, records.ErrRecordNotFound)
}

// UserID represents a validated account identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// StoredRecord is the authoritative copy of a record. The (user, category, local id) index
// turns retried creates into no-ops.
type StoredRecord struct {
	RemoteID     string  `gorm:"column:remote_id;primaryKey;size:190;not null"`
	UserID       string  `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_stored_records_origin,priority:1;index:idx_stored_records_updated,priority:1"`
	Category     string  `gorm:"column:category;size:64;not null;uniqueIndex:idx_stored_records_origin,priority:2;index:idx_stored_records_updated,priority:2"`
	LocalID      *string `gorm:"column:local_id;size:190;uniqueIndex:idx_stored_records_origin,priority:3"`
	Question     string  `gorm:"column:question;type:text;not null;default:''"`
	Answer       string  `gorm:"column:answer;type:text;not null;default:''"`
	Source       string  `gorm:"column:source;type:text;not null;default:''"`
	NotebookRef  string  `gorm:"column:notebook_ref;size:512;not null;default:''"`
	CapturedAtMs int64   `gorm:"column:captured_at_ms;not null;default:0"`
	Class        string  `gorm:"column:class;size:32;not null;default:'standard'"`
	CreatedAtMs  int64   `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs  int64   `gorm:"column:updated_at_ms;not null;index:idx_stored_records_updated,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (StoredRecord) TableName() string {
	return "stored_records"
}

func (r StoredRecord) toRemote() remote.RemoteRecord {
	result := remote.RemoteRecord{
		RemoteID: records.RemoteID(r.RemoteID),
		Category: records.Category(r.Category),
		Payload: records.Payload{
			Question:    r.Question,
			Answer:      r.Answer,
			Source:      r.Source,
			NotebookRef: r.NotebookRef,
			Class:       records.RecordClass(r.Class),
		},
		UpdatedAt: time.UnixMilli(r.UpdatedAtMs).UTC(),
	}
	if r.CapturedAtMs != 0 {
		result.Payload.CapturedAt = time.UnixMilli(r.CapturedAtMs).UTC()
	}
	if r.LocalID != nil {
		result.LocalID = records.LocalID(*r.LocalID)
	}
	return result
}

func (r *StoredRecord) applyPayload(payload records.Payload) {
	r.Question = payload.Question
	r.Answer = payload.Answer
	r.Source = payload.Source
	r.NotebookRef = payload.NotebookRef
	if !payload.CapturedAt.IsZero() {
		r.CapturedAtMs = payload.CapturedAt.UTC().UnixMilli()
	}
	if payload.Class != "" {
		r.Class = string(payload.Class)
	}
}
