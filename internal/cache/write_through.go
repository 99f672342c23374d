package cache

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/qasync/internal/records"
	"github.com/MarcoPoloResearchLab/qasync/internal/remote"
	"go.uber.org/zap"
)

const (
	opNew    = "cache.new"
	opSave   = "cache.save"
	opUpdate = "cache.update"
	opDelete = "cache.delete"
	opRead   = "cache.read"

	// DefaultLargeMediaBytes is the encoded size from which an unclassified payload counts as large media.
	DefaultLargeMediaBytes int64 = 1 << 20
)

var (
	errMissingStore   = errors.New("cache: local store is required")
	errMissingQuota   = errors.New("cache: quota controller is required")
	errMissingRemotes = errors.New("cache: remote directory is required")
	errMissingIDs     = errors.New("cache: id provider is required")
	noOpLogger        = zap.NewNop()
)

// Store is the subset of the local store the cache writes through to.
type Store interface {
	Put(ctx context.Context, record records.Record) error
	Get(ctx context.Context, localID records.LocalID) (records.Record, error)
	List(ctx context.Context) ([]records.Record, error)
	Delete(ctx context.Context, localID records.LocalID) error
}

// Admission decides whether a local write may proceed.
type Admission interface {
	CanSave(ctx context.Context, sizeBytes int64, class records.RecordClass) bool
}

// Config describes WriteThrough dependencies.
type Config struct {
	Store           Store
	Quota           Admission
	Remotes         *remote.Directory
	IDProvider      records.IDProvider
	LargeMediaBytes int64
	Clock           func() time.Time
	Logger          *zap.Logger
}

// SaveResult identifies a newly cached record. RemoteID is empty when the remote create failed.
type SaveResult struct {
	LocalID  records.LocalID  `json:"local_id"`
	RemoteID records.RemoteID `json:"remote_id,omitempty"`
}

// WriteThrough persists records locally and forwards creates and edits to the remote service
// in the same call. A remote failure never loses the local write.
type WriteThrough struct {
	store           Store
	quota           Admission
	remotes         *remote.Directory
	ids             records.IDProvider
	largeMediaBytes int64
	clock           func() time.Time
	logger          *zap.Logger
}

// New constructs a WriteThrough cache.
func New(cfg Config) (*WriteThrough, error) {
	if cfg.Store == nil {
		return nil, records.NewServiceError(opNew, "missing_store", errMissingStore)
	}
	if cfg.Quota == nil {
		return nil, records.NewServiceError(opNew, "missing_quota", errMissingQuota)
	}
	if cfg.Remotes == nil {
		return nil, records.NewServiceError(opNew, "missing_remotes", errMissingRemotes)
	}
	if cfg.IDProvider == nil {
		return nil, records.NewServiceError(opNew, "missing_id_provider", errMissingIDs)
	}
	largeMediaBytes := cfg.LargeMediaBytes
	if largeMediaBytes <= 0 {
		largeMediaBytes = DefaultLargeMediaBytes
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &WriteThrough{
		store:           cfg.Store,
		quota:           cfg.Quota,
		remotes:         cfg.Remotes,
		ids:             cfg.IDProvider,
		largeMediaBytes: largeMediaBytes,
		clock:           clock,
		logger:          logger,
	}, nil
}

// SaveRecord caches a new capture and creates it remotely.
//
// A quota denial returns records.ErrQuotaExceeded and persists nothing. A remote failure
// returns a *records.PendingSyncError alongside a result whose LocalID is durable locally.
func (w *WriteThrough) SaveRecord(ctx context.Context, category records.Category, payload records.Payload) (SaveResult, error) {
	category, err := records.NewCategory(category.String())
	if err != nil {
		return SaveResult{}, records.NewServiceError(opSave, "invalid_category", err)
	}
	if err := payload.Validate(); err != nil {
		return SaveResult{}, records.NewServiceError(opSave, "invalid_payload", err)
	}
	service, err := w.remotes.Lookup(category)
	if err != nil {
		return SaveResult{}, records.NewServiceError(opSave, "unknown_category", err)
	}

	rawID, err := w.ids.NewID()
	if err != nil {
		w.logError(opSave, "id_generation_failed", err)
		return SaveResult{}, records.NewServiceError(opSave, "id_generation_failed", err)
	}
	localID, err := records.NewLocalID(rawID)
	if err != nil {
		return SaveResult{}, records.NewServiceError(opSave, "invalid_local_id", err)
	}

	now := w.clock().UTC()
	if payload.CapturedAt.IsZero() {
		payload.CapturedAt = now
	}
	payload.Class = payload.ResolveClass(w.largeMediaBytes)
	size := payload.EncodedSize()
	if !w.quota.CanSave(ctx, size, payload.Class) {
		return SaveResult{}, records.NewServiceError(opSave, "quota_exceeded", records.ErrQuotaExceeded)
	}

	record := records.Record{
		LocalID:   localID,
		Category:  category,
		Payload:   payload,
		SizeBytes: size,
		CachedAt:  now,
	}

	remoteID, remoteErr := service.Create(ctx, payload, localID)
	if remoteErr == nil {
		syncedAt := w.clock().UTC()
		record.RemoteID = remoteID
		record.SyncedAt = &syncedAt
	} else {
		record.SyncError = remoteErr.Error()
	}

	if err := w.store.Put(ctx, record); err != nil {
		w.logError(opSave, "local_write_failed", err, zap.String("local_id", localID.String()))
		return SaveResult{}, records.NewServiceError(opSave, "local_write_failed", err)
	}

	result := SaveResult{LocalID: localID, RemoteID: record.RemoteID}
	if remoteErr != nil {
		w.logRemoteFailure(opSave, remoteErr, localID)
		return result, &records.PendingSyncError{LocalID: localID, Cause: remoteErr}
	}
	return result, nil
}

// UpdateRecord applies a partial change. Synced records are updated remotely first; when that
// fails the change is kept locally, marked dirty, and a *records.PendingSyncError is returned.
func (w *WriteThrough) UpdateRecord(ctx context.Context, localID records.LocalID, patch records.Patch) (records.Record, error) {
	record, err := w.store.Get(ctx, localID)
	if err != nil {
		return records.Record{}, records.NewServiceError(opUpdate, "lookup_failed", err)
	}
	if patch.IsEmpty() {
		return record, nil
	}

	payload := patch.Apply(record.Payload)
	if err := payload.Validate(); err != nil {
		return records.Record{}, records.NewServiceError(opUpdate, "invalid_payload", err)
	}
	size := payload.EncodedSize()
	if growth := size - record.SizeBytes; growth > 0 && !w.quota.CanSave(ctx, growth, payload.Class) {
		return records.Record{}, records.NewServiceError(opUpdate, "quota_exceeded", records.ErrQuotaExceeded)
	}
	record.Payload = payload
	record.SizeBytes = size

	var remoteErr error
	if record.IsSynced() {
		service, lookupErr := w.remotes.Lookup(record.Category)
		if lookupErr != nil {
			remoteErr = lookupErr
		} else {
			remoteErr = service.Update(ctx, record.RemoteID, patch)
		}
		if remoteErr == nil {
			syncedAt := w.clock().UTC()
			record.SyncedAt = &syncedAt
			record.SyncError = ""
			record.SyncAttempts = 0
			record.Dirty = false
		} else {
			record.SyncError = remoteErr.Error()
			record.Dirty = true
		}
	} else {
		// The create may already be on the server with the old payload.
		record.Dirty = true
	}

	if err := w.store.Put(ctx, record); err != nil {
		w.logError(opUpdate, "local_write_failed", err, zap.String("local_id", localID.String()))
		return records.Record{}, records.NewServiceError(opUpdate, "local_write_failed", err)
	}
	if remoteErr != nil {
		w.logRemoteFailure(opUpdate, remoteErr, localID)
		return record, &records.PendingSyncError{LocalID: localID, Cause: remoteErr}
	}
	return record, nil
}

// DeleteRecord removes a record remotely when possible and locally always.
// Remote failures are logged and not retried.
func (w *WriteThrough) DeleteRecord(ctx context.Context, localID records.LocalID) error {
	record, err := w.store.Get(ctx, localID)
	if errors.Is(err, records.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return records.NewServiceError(opDelete, "lookup_failed", err)
	}

	if record.IsSynced() {
		service, lookupErr := w.remotes.Lookup(record.Category)
		if lookupErr == nil {
			lookupErr = service.Remove(ctx, record.RemoteID)
		}
		if lookupErr != nil {
			w.logger.Warn("remote delete failed; deleting locally only",
				zap.String("operation", opDelete),
				zap.String("local_id", localID.String()),
				zap.String("remote_id", record.RemoteID.String()),
				zap.Error(lookupErr))
		}
	}

	if err := w.store.Delete(ctx, localID); err != nil {
		w.logError(opDelete, "local_delete_failed", err, zap.String("local_id", localID.String()))
		return records.NewServiceError(opDelete, "local_delete_failed", err)
	}
	return nil
}

// GetRecord returns one cached record.
func (w *WriteThrough) GetRecord(ctx context.Context, localID records.LocalID) (records.Record, error) {
	record, err := w.store.Get(ctx, localID)
	if err != nil {
		return records.Record{}, records.NewServiceError(opRead, "lookup_failed", err)
	}
	return record, nil
}

// GetAllCached returns every cached record, newest first.
func (w *WriteThrough) GetAllCached(ctx context.Context) ([]records.Record, error) {
	all, err := w.store.List(ctx)
	if err != nil {
		return nil, records.NewServiceError(opRead, "list_failed", err)
	}
	return all, nil
}

// SearchCached returns cached records accepted by predicate, preserving order.
func (w *WriteThrough) SearchCached(ctx context.Context, predicate func(records.Record) bool) ([]records.Record, error) {
	all, err := w.GetAllCached(ctx)
	if err != nil {
		return nil, err
	}
	if predicate == nil {
		return all, nil
	}
	matches := make([]records.Record, 0, len(all))
	for _, record := range all {
		if predicate(record) {
			matches = append(matches, record)
		}
	}
	return matches, nil
}

func (w *WriteThrough) logRemoteFailure(operation string, err error, localID records.LocalID) {
	reason := "remote_unavailable"
	if errors.Is(err, records.ErrRemoteRejected) {
		reason = "remote_rejected"
	}
	w.logger.Warn("remote write failed; kept locally for sync",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("local_id", localID.String()),
		zap.Error(err))
}

func (w *WriteThrough) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	w.logger.Error("write-through cache error", attrs...)
}
