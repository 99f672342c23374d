package notify

import (
	"time"

	"github.com/MarcoPoloResearchLab/qasync/internal/records"
)

const (
	// KindStorageWarning identifies StorageWarning events on the wire.
	KindStorageWarning = "storage-warning"
	// KindSyncStatusChanged identifies SyncStatusChanged events on the wire.
	KindSyncStatusChanged = "sync-status-changed"
)

// Event is the closed set of notifications published on a Bus.
type Event interface {
	Kind() string
	isEvent()
}

// StorageWarning reports that storage usage crossed a new warning threshold.
type StorageWarning struct {
	Level    int                   `json:"level"`
	Snapshot records.QuotaSnapshot `json:"snapshot"`
}

// Kind implements Event.
func (StorageWarning) Kind() string { return KindStorageWarning }

func (StorageWarning) isEvent() {}

// SyncStatusChanged reports the sync status at the start or end of a round.
type SyncStatusChanged struct {
	Status records.SyncStatus `json:"status"`
	At     time.Time          `json:"at"`
}

// Kind implements Event.
func (SyncStatusChanged) Kind() string { return KindSyncStatusChanged }

func (SyncStatusChanged) isEvent() {}

// Envelope is the JSON shape used when events leave the process.
type Envelope struct {
	Type string `json:"type"`
	Data Event  `json:"data"`
}

// NewEnvelope wraps an event for serialization.
func NewEnvelope(event Event) Envelope {
	return Envelope{Type: event.Kind(), Data: event}
}
