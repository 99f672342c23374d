package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/qasync/internal/records"
)

// Command type names accepted on the wire.
const (
	TypeSaveRecord        = "save_record"
	TypeUpdateRecord      = "update_record"
	TypeDeleteRecord      = "delete_record"
	TypeGetRecord         = "get_record"
	TypeGetAllCached      = "get_all_cached"
	TypeSearchCached      = "search_cached"
	TypeTriggerManualSync = "trigger_manual_sync"
	TypeUserAuthenticated = "user_authenticated"
	TypeUserSignedOut     = "user_signed_out"
	TypeGetSyncStatus     = "get_sync_status"
	TypeCheckQuota        = "check_quota"
)

var (
	// ErrUnknownCommand indicates an envelope whose type names no command.
	ErrUnknownCommand = errors.New("agent: unknown command")
	// ErrInvalidCommand indicates a command whose data does not decode or validate.
	ErrInvalidCommand = errors.New("agent: invalid command")
)

// Command is the closed set of requests the agent handles.
type Command interface {
	Type() string
	isCommand()
}

// SaveRecord caches and creates a new capture.
type SaveRecord struct {
	Category records.Category `json:"category,omitempty"`
	Payload  records.Payload  `json:"payload"`
}

// UpdateRecord applies a partial change to a cached record.
type UpdateRecord struct {
	LocalID records.LocalID `json:"local_id"`
	Patch   records.Patch   `json:"patch"`
}

// DeleteRecord removes a cached record.
type DeleteRecord struct {
	LocalID records.LocalID `json:"local_id"`
}

// GetRecord reads one cached record.
type GetRecord struct {
	LocalID records.LocalID `json:"local_id"`
}

// GetAllCached lists every cached record.
type GetAllCached struct{}

// SearchCached filters cached records. Empty fields match everything.
type SearchCached struct {
	Text     string           `json:"text,omitempty"`
	Category records.Category `json:"category,omitempty"`
	State    SyncState        `json:"state,omitempty"`
}

// TriggerManualSync runs a sync round now.
type TriggerManualSync struct{}

// UserAuthenticated forces a full resync for a freshly signed-in user.
type UserAuthenticated struct{}

// UserSignedOut stops background sync.
type UserSignedOut struct{}

// GetSyncStatus reads the sync status without side effects.
type GetSyncStatus struct{}

// CheckQuota probes storage usage.
type CheckQuota struct{}

func (SaveRecord) Type() string        { return TypeSaveRecord }
func (UpdateRecord) Type() string      { return TypeUpdateRecord }
func (DeleteRecord) Type() string      { return TypeDeleteRecord }
func (GetRecord) Type() string         { return TypeGetRecord }
func (GetAllCached) Type() string      { return TypeGetAllCached }
func (SearchCached) Type() string      { return TypeSearchCached }
func (TriggerManualSync) Type() string { return TypeTriggerManualSync }
func (UserAuthenticated) Type() string { return TypeUserAuthenticated }
func (UserSignedOut) Type() string     { return TypeUserSignedOut }
func (GetSyncStatus) Type() string     { return TypeGetSyncStatus }
func (CheckQuota) Type() string        { return TypeCheckQuota }

func (SaveRecord) isCommand()        {}
func (UpdateRecord) isCommand()      {}
func (DeleteRecord) isCommand()      {}
func (GetRecord) isCommand()         {}
func (GetAllCached) isCommand()      {}
func (SearchCached) isCommand()      {}
func (TriggerManualSync) isCommand() {}
func (UserAuthenticated) isCommand() {}
func (UserSignedOut) isCommand()     {}
func (GetSyncStatus) isCommand()     {}
func (CheckQuota) isCommand()        {}

// SyncState narrows a search to records in one sync state.
type SyncState string

const (
	SyncStateSynced  SyncState = "synced"
	SyncStatePending SyncState = "pending"
	SyncStateFailed  SyncState = "failed"
)

// Envelope is the wire form of a command.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeCommand wraps a command in its envelope.
func EncodeCommand(command Command) ([]byte, error) {
	data, err := json.Marshal(command)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: command.Type(), Data: data})
}

// DecodeCommand parses an envelope into its command variant.
func DecodeCommand(raw []byte) (Command, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	switch strings.TrimSpace(envelope.Type) {
	case TypeSaveRecord:
		var command SaveRecord
		if err := decodeData(envelope.Data, &command); err != nil {
			return nil, err
		}
		if command.Category == "" {
			command.Category = records.DefaultCategory
		}
		if err := command.Payload.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
		return command, nil
	case TypeUpdateRecord:
		var command UpdateRecord
		if err := decodeData(envelope.Data, &command); err != nil {
			return nil, err
		}
		localID, err := records.NewLocalID(command.LocalID.String())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
		command.LocalID = localID
		return command, nil
	case TypeDeleteRecord:
		var command DeleteRecord
		if err := decodeData(envelope.Data, &command); err != nil {
			return nil, err
		}
		localID, err := records.NewLocalID(command.LocalID.String())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
		command.LocalID = localID
		return command, nil
	case TypeGetRecord:
		var command GetRecord
		if err := decodeData(envelope.Data, &command); err != nil {
			return nil, err
		}
		localID, err := records.NewLocalID(command.LocalID.String())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
		command.LocalID = localID
		return command, nil
	case TypeGetAllCached:
		return GetAllCached{}, nil
	case TypeSearchCached:
		var command SearchCached
		if err := decodeData(envelope.Data, &command); err != nil {
			return nil, err
		}
		switch command.State {
		case "", SyncStateSynced, SyncStatePending, SyncStateFailed:
		default:
			return nil, fmt.Errorf("%w: unknown sync state %q", ErrInvalidCommand, command.State)
		}
		return command, nil
	case TypeTriggerManualSync:
		return TriggerManualSync{}, nil
	case TypeUserAuthenticated:
		return UserAuthenticated{}, nil
	case TypeUserSignedOut:
		return UserSignedOut{}, nil
	case TypeGetSyncStatus:
		return GetSyncStatus{}, nil
	case TypeCheckQuota:
		return CheckQuota{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, envelope.Type)
	}
}

func decodeData(data json.RawMessage, target any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return nil
}
