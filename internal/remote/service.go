package remote

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/qasync/internal/records"
)

// Service is the authoritative record collection of one category for the signed-in user.
//
// Implementations return errors matching records.ErrRemoteUnavailable for transport failures,
// timeouts and server outages, and records.ErrRemoteRejected when the request was refused.
type Service interface {
	Create(ctx context.Context, payload records.Payload, localID records.LocalID) (records.RemoteID, error)
	BulkCreate(ctx context.Context, items []BulkItem) ([]BulkResult, error)
	ListMine(ctx context.Context) ([]RemoteRecord, error)
	ListMineUpdatedSince(ctx context.Context, since time.Time) ([]RemoteRecord, error)
	Update(ctx context.Context, remoteID records.RemoteID, patch records.Patch) error
	Remove(ctx context.Context, remoteID records.RemoteID) error
}

// BulkStatus reports how the remote service handled one bulk item.
type BulkStatus string

const (
	// BulkStatusCreated marks a newly stored item.
	BulkStatusCreated BulkStatus = "created"
	// BulkStatusSkipped marks an item whose local id was already stored.
	BulkStatusSkipped BulkStatus = "skipped"
)

// BulkItem is one record offered in a bulk create. LocalID is the dedup token.
type BulkItem struct {
	LocalID records.LocalID `json:"local_id"`
	Payload records.Payload `json:"payload"`
}

// BulkResult reports the outcome for one bulk item. Skipped results carry the remote id of
// the record already stored under the same local id.
type BulkResult struct {
	LocalID  records.LocalID  `json:"local_id"`
	RemoteID records.RemoteID `json:"remote_id"`
	Status   BulkStatus       `json:"status"`
}

// RemoteRecord is a record as the remote service holds it.
type RemoteRecord struct {
	RemoteID  records.RemoteID `json:"remote_id"`
	LocalID   records.LocalID  `json:"local_id,omitempty"`
	Category  records.Category `json:"category"`
	Payload   records.Payload  `json:"payload"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// CreateRequest is the body of a single create call.
type CreateRequest struct {
	LocalID records.LocalID `json:"local_id"`
	Payload records.Payload `json:"payload"`
}

// CreateResponse is the reply to a single create call.
type CreateResponse struct {
	RemoteID records.RemoteID `json:"remote_id"`
	Status   BulkStatus       `json:"status"`
}

// BulkCreateRequest is the body of a bulk create call.
type BulkCreateRequest struct {
	Items []BulkItem `json:"items"`
}

// BulkCreateResponse is the reply to a bulk create call.
type BulkCreateResponse struct {
	Results []BulkResult `json:"results"`
}

// ListResponse is the reply to a list call.
type ListResponse struct {
	Records []RemoteRecord `json:"records"`
}

// ErrorResponse is the body returned with non-2xx statuses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
