package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// RecordClass separates ordinary captures from media-heavy captures for admission control.
type RecordClass string

const (
	// ClassStandard covers ordinary question/answer captures.
	ClassStandard RecordClass = "standard"
	// ClassLargeMedia covers captures whose encoded payload carries bulky content.
	ClassLargeMedia RecordClass = "large-media"
)

// DefaultCategory is the record category used when a caller does not name one.
const DefaultCategory Category = "qa"

const maxIdentifierLength = 190

var (
	// ErrInvalidLocalID indicates that a local identifier is empty or exceeds storage bounds.
	ErrInvalidLocalID = errors.New("records: invalid local id")
	// ErrInvalidRemoteID indicates that a remote identifier is empty or exceeds storage bounds.
	ErrInvalidRemoteID = errors.New("records: invalid remote id")
	// ErrInvalidCategory indicates that a category name is not a lowercase slug.
	ErrInvalidCategory = errors.New("records: invalid category")
	// ErrInvalidClass indicates an unknown record class.
	ErrInvalidClass = errors.New("records: invalid record class")
	// ErrInvalidPayload indicates a payload without question or answer content.
	ErrInvalidPayload = errors.New("records: invalid payload")
)

var categoryPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// LocalID is the client-generated identifier that survives retries and dedups pushes.
type LocalID string

// NewLocalID validates raw input and returns a LocalID.
func NewLocalID(rawInput string) (LocalID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidLocalID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidLocalID, maxIdentifierLength)
	}
	return LocalID(trimmed), nil
}

// String returns the underlying string identifier.
func (id LocalID) String() string {
	return string(id)
}

// RemoteID is the identifier assigned by the remote service.
type RemoteID string

// NewRemoteID validates raw input and returns a RemoteID.
func NewRemoteID(rawInput string) (RemoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRemoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRemoteID, maxIdentifierLength)
	}
	return RemoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RemoteID) String() string {
	return string(id)
}

// Category names an independently synchronized collection of records.
type Category string

// NewCategory validates raw input and returns a Category.
func NewCategory(rawInput string) (Category, error) {
	trimmed := strings.ToLower(strings.TrimSpace(rawInput))
	if trimmed == "" {
		return DefaultCategory, nil
	}
	if !categoryPattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, rawInput)
	}
	return Category(trimmed), nil
}

// String returns the category name.
func (c Category) String() string {
	return string(c)
}

// ParseRecordClass maps raw input onto a RecordClass. Empty input yields an empty class.
func ParseRecordClass(rawInput string) (RecordClass, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case "":
		return "", nil
	case string(ClassStandard):
		return ClassStandard, nil
	case string(ClassLargeMedia), "large_media", "largemedia":
		return ClassLargeMedia, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidClass, rawInput)
	}
}

// Payload is the captured content. The sync engine treats it as opaque.
type Payload struct {
	Question    string      `json:"question"`
	Answer      string      `json:"answer"`
	Source      string      `json:"source,omitempty"`
	NotebookRef string      `json:"notebook_ref,omitempty"`
	CapturedAt  time.Time   `json:"captured_at"`
	Class       RecordClass `json:"class,omitempty"`
}

// Validate reports whether the payload carries any content worth caching.
func (p Payload) Validate() error {
	if strings.TrimSpace(p.Question) == "" && strings.TrimSpace(p.Answer) == "" {
		return fmt.Errorf("%w: question and answer are empty", ErrInvalidPayload)
	}
	if p.Class != "" && p.Class != ClassStandard && p.Class != ClassLargeMedia {
		return fmt.Errorf("%w: %q", ErrInvalidClass, p.Class)
	}
	return nil
}

// EncodedSize returns the number of bytes the payload occupies once serialized.
func (p Payload) EncodedSize() int64 {
	encoded, err := json.Marshal(p)
	if err != nil {
		return int64(len(p.Question) + len(p.Answer) + len(p.Source) + len(p.NotebookRef))
	}
	return int64(len(encoded))
}

// ResolveClass returns the explicit class, or derives one from the encoded size.
func (p Payload) ResolveClass(largeMediaBytes int64) RecordClass {
	if p.Class != "" {
		return p.Class
	}
	if largeMediaBytes > 0 && p.EncodedSize() >= largeMediaBytes {
		return ClassLargeMedia
	}
	return ClassStandard
}

// SameContent reports whether two payloads carry the same user-visible content.
func (p Payload) SameContent(other Payload) bool {
	return p.Question == other.Question &&
		p.Answer == other.Answer &&
		p.Source == other.Source &&
		p.NotebookRef == other.NotebookRef
}

// Patch describes a partial payload update. Nil fields are left untouched.
type Patch struct {
	Question    *string `json:"question,omitempty"`
	Answer      *string `json:"answer,omitempty"`
	Source      *string `json:"source,omitempty"`
	NotebookRef *string `json:"notebook_ref,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Question == nil && p.Answer == nil && p.Source == nil && p.NotebookRef == nil
}

// Apply returns a copy of payload with the patch fields applied.
func (p Patch) Apply(payload Payload) Payload {
	updated := payload
	if p.Question != nil {
		updated.Question = *p.Question
	}
	if p.Answer != nil {
		updated.Answer = *p.Answer
	}
	if p.Source != nil {
		updated.Source = *p.Source
	}
	if p.NotebookRef != nil {
		updated.NotebookRef = *p.NotebookRef
	}
	return updated
}

// PatchFromPayload builds a patch that replaces every mutable payload field.
func PatchFromPayload(payload Payload) Patch {
	question := payload.Question
	answer := payload.Answer
	source := payload.Source
	notebookRef := payload.NotebookRef
	return Patch{Question: &question, Answer: &answer, Source: &source, NotebookRef: &notebookRef}
}

// Record is one cached capture together with its sync metadata.
type Record struct {
	LocalID      LocalID    `json:"local_id"`
	RemoteID     RemoteID   `json:"remote_id,omitempty"`
	Category     Category   `json:"category"`
	Payload      Payload    `json:"payload"`
	SizeBytes    int64      `json:"size_bytes"`
	CachedAt     time.Time  `json:"cached_at"`
	SyncedAt     *time.Time `json:"synced_at,omitempty"`
	SyncError    string     `json:"sync_error,omitempty"`
	SyncAttempts int        `json:"sync_attempts"`
	Dirty        bool       `json:"dirty,omitempty"`
}

// IsSynced reports whether the remote service has acknowledged the record.
func (r Record) IsSynced() bool {
	return r.RemoteID != ""
}

// IsFailed reports whether the record has used up its automatic retry budget.
func (r Record) IsFailed(maxRetries int) bool {
	return r.SyncAttempts >= maxRetries
}

// IsPendingPush reports whether the next push round will pick the record up.
func (r Record) IsPendingPush(maxRetries int) bool {
	return !r.IsSynced() && !r.IsFailed(maxRetries)
}

// QuotaSnapshot captures the most recent storage usage reading.
type QuotaSnapshot struct {
	UsedBytes      uint64    `json:"used_bytes"`
	TotalBytes     uint64    `json:"total_bytes"`
	AvailableBytes uint64    `json:"available_bytes"`
	PercentageUsed float64   `json:"percentage_used"`
	LastCheckedAt  time.Time `json:"last_checked_at"`
}

// SyncStatus is a read-only view of sync health.
type SyncStatus struct {
	IsSyncing     bool       `json:"is_syncing"`
	LastSync      *time.Time `json:"last_sync,omitempty"`
	UnsyncedCount int64      `json:"unsynced_count"`
	FailedCount   int64      `json:"failed_count"`
}
