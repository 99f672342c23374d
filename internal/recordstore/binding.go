package recordstore

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/qasync/internal/records"
	"github.com/MarcoPoloResearchLab/qasync/internal/remote"
)

// Binding adapts Service to remote.Service for one owner and category. Store failures surface
// as records.ErrRemoteUnavailable and refused input as records.ErrRemoteRejected, matching
// what an HTTP client would report.
type Binding struct {
	service  *Service
	userID   UserID
	category records.Category
}

var _ remote.Service = (*Binding)(nil)

// Create stores one record for the bound owner.
func (b *Binding) Create(ctx context.Context, payload records.Payload, localID records.LocalID) (records.RemoteID, error) {
	result, err := b.service.Create(ctx, b.userID, b.category, localID, payload)
	if err != nil {
		return "", classify(err)
	}
	return result.RemoteID, nil
}

// BulkCreate stores a batch, skipping local ids the owner already pushed.
func (b *Binding) BulkCreate(ctx context.Context, items []remote.BulkItem) ([]remote.BulkResult, error) {
	results, err := b.service.BulkCreate(ctx, b.userID, b.category, items)
	if err != nil {
		return nil, classify(err)
	}
	return results, nil
}

// ListMine returns every record of the bound owner and category.
func (b *Binding) ListMine(ctx context.Context) ([]remote.RemoteRecord, error) {
	listed, err := b.service.List(ctx, b.userID, b.category, nil)
	if err != nil {
		return nil, classify(err)
	}
	return listed, nil
}

// ListMineUpdatedSince returns records changed at or after since.
func (b *Binding) ListMineUpdatedSince(ctx context.Context, since time.Time) ([]remote.RemoteRecord, error) {
	listed, err := b.service.List(ctx, b.userID, b.category, &since)
	if err != nil {
		return nil, classify(err)
	}
	return listed, nil
}

// Update applies a partial change to an owned record.
func (b *Binding) Update(ctx context.Context, remoteID records.RemoteID, patch records.Patch) error {
	if _, err := b.service.Update(ctx, b.userID, b.category, remoteID, patch); err != nil {
		return classify(err)
	}
	return nil
}

// Remove deletes an owned record.
func (b *Binding) Remove(ctx context.Context, remoteID records.RemoteID) error {
	if err := b.service.Remove(ctx, b.userID, b.category, remoteID); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps service errors onto the remote failure taxonomy.
func classify(err error) error {
	if IsClientError(err) {
		return fmt.Errorf("%w: %v", records.ErrRemoteRejected, err)
	}
	return fmt.Errorf("%w: %v", records.ErrRemoteUnavailable, err)
}
