package localstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/qasync/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew        = "localstore.new"
	opPut             = "localstore.put"
	opGet             = "localstore.get"
	opList            = "localstore.list"
	opListCandidates  = "localstore.list_candidates"
	opMarkPushed      = "localstore.mark_pushed"
	opMarkPushFailed  = "localstore.mark_push_failed"
	opApplyRemote     = "localstore.apply_remote"
	opDelete          = "localstore.delete"
	opCount           = "localstore.count"
	opResetExhausted  = "localstore.reset_exhausted"
	opSweep           = "localstore.sweep"
	opSettings        = "localstore.settings"
	reasonQueryFailed = "query_failed"
	reasonWriteFailed = "write_failed"
	queryLocalID      = "local_id = ?"
	queryLocalIDIn    = "local_id IN ?"
	queryRemoteID     = "remote_id = ?"
	orderCachedAtDesc = "cached_at_ms DESC"
	orderCachedAtAsc  = "cached_at_ms ASC"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// Config describes the dependencies of a Store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists cached records, tombstones and process-wide settings.
//
// Every mutation is a single-row upsert or a targeted column update, so the write-through
// cache and the sync engine can share one Store without extra locking.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore wraps an opened and migrated database handle.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, records.NewServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Put inserts or fully replaces a record keyed by its local id.
func (s *Store) Put(ctx context.Context, record records.Record) error {
	row := rowFromRecord(record)
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		s.logError(opPut, reasonWriteFailed, err, zap.String("local_id", record.LocalID.String()))
		return records.NewServiceError(opPut, reasonWriteFailed, err)
	}
	return nil
}

// Get loads a record by local id.
func (s *Store) Get(ctx context.Context, localID records.LocalID) (records.Record, error) {
	var row recordRow
	err := s.db.WithContext(ctx).Where(queryLocalID, localID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return records.Record{}, fmt.Errorf("%w: local id %s", records.ErrRecordNotFound, localID)
	}
	if err != nil {
		s.logError(opGet, reasonQueryFailed, err, zap.String("local_id", localID.String()))
		return records.Record{}, records.NewServiceError(opGet, reasonQueryFailed, err)
	}
	return row.toRecord(), nil
}

// GetByRemoteID loads a record through the remote id index. The boolean reports a match.
func (s *Store) GetByRemoteID(ctx context.Context, remoteID records.RemoteID) (records.Record, bool, error) {
	var row recordRow
	err := s.db.WithContext(ctx).Where(queryRemoteID, remoteID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return records.Record{}, false, nil
	}
	if err != nil {
		s.logError(opGet, reasonQueryFailed, err, zap.String("remote_id", remoteID.String()))
		return records.Record{}, false, records.NewServiceError(opGet, reasonQueryFailed, err)
	}
	return row.toRecord(), true, nil
}

// Exists reports whether a record with the local id is stored.
func (s *Store) Exists(ctx context.Context, localID records.LocalID) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&recordRow{}).Where(queryLocalID, localID.String()).Count(&count).Error; err != nil {
		s.logError(opGet, reasonQueryFailed, err, zap.String("local_id", localID.String()))
		return false, records.NewServiceError(opGet, reasonQueryFailed, err)
	}
	return count > 0, nil
}

// List returns every cached record, newest first.
func (s *Store) List(ctx context.Context) ([]records.Record, error) {
	var rows []recordRow
	if err := s.db.WithContext(ctx).Order(orderCachedAtDesc).Find(&rows).Error; err != nil {
		s.logError(opList, reasonQueryFailed, err)
		return nil, records.NewServiceError(opList, reasonQueryFailed, err)
	}
	return toRecords(rows), nil
}

// ListPendingPush returns records of the category that lack a remote id and still have
// retry budget, oldest first, capped at limit.
func (s *Store) ListPendingPush(ctx context.Context, category records.Category, maxRetries, limit int) ([]records.Record, error) {
	var rows []recordRow
	err := s.db.WithContext(ctx).
		Where("category = ? AND remote_id IS NULL AND sync_attempts < ?", category.String(), maxRetries).
		Order(orderCachedAtAsc).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		s.logError(opListCandidates, reasonQueryFailed, err, zap.String("category", category.String()))
		return nil, records.NewServiceError(opListCandidates, reasonQueryFailed, err)
	}
	return toRecords(rows), nil
}

// ListDirty returns synced records of the category carrying unpushed local edits.
func (s *Store) ListDirty(ctx context.Context, category records.Category, maxRetries, limit int) ([]records.Record, error) {
	var rows []recordRow
	err := s.db.WithContext(ctx).
		Where("category = ? AND remote_id IS NOT NULL AND dirty = ? AND sync_attempts < ?", category.String(), true, maxRetries).
		Order(orderCachedAtAsc).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		s.logError(opListCandidates, reasonQueryFailed, err, zap.String("category", category.String()))
		return nil, records.NewServiceError(opListCandidates, reasonQueryFailed, err)
	}
	return toRecords(rows), nil
}

// MarkPushed records a confirmed round-trip: remote id assigned, retry state cleared.
func (s *Store) MarkPushed(ctx context.Context, localID records.LocalID, remoteID records.RemoteID, syncedAt time.Time) error {
	remote := remoteID.String()
	updates := map[string]any{
		"remote_id":     &remote,
		"synced_at_ms":  toMillis(syncedAt),
		"sync_error":    nil,
		"sync_attempts": 0,
		"dirty":         false,
	}
	if err := s.db.WithContext(ctx).Model(&recordRow{}).Where(queryLocalID, localID.String()).Updates(updates).Error; err != nil {
		s.logError(opMarkPushed, reasonWriteFailed, err, zap.String("local_id", localID.String()))
		return records.NewServiceError(opMarkPushed, reasonWriteFailed, err)
	}
	return nil
}

// MarkUpdatePushed clears the dirty flag after the remote service accepted a local edit.
func (s *Store) MarkUpdatePushed(ctx context.Context, localID records.LocalID, syncedAt time.Time) error {
	updates := map[string]any{
		"synced_at_ms":  toMillis(syncedAt),
		"sync_error":    nil,
		"sync_attempts": 0,
		"dirty":         false,
	}
	if err := s.db.WithContext(ctx).Model(&recordRow{}).Where(queryLocalID, localID.String()).Updates(updates).Error; err != nil {
		s.logError(opMarkPushed, reasonWriteFailed, err, zap.String("local_id", localID.String()))
		return records.NewServiceError(opMarkPushed, reasonWriteFailed, err)
	}
	return nil
}

// MarkPushFailed stores the failure reason and spends one retry on each listed record.
func (s *Store) MarkPushFailed(ctx context.Context, localIDs []records.LocalID, reason string) error {
	if len(localIDs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(localIDs))
	for _, id := range localIDs {
		ids = append(ids, id.String())
	}
	updates := map[string]any{
		"sync_error":    reason,
		"sync_attempts": gorm.Expr("sync_attempts + 1"),
	}
	if err := s.db.WithContext(ctx).Model(&recordRow{}).Where(queryLocalIDIn, ids).Updates(updates).Error; err != nil {
		s.logError(opMarkPushFailed, reasonWriteFailed, err, zap.Int("records", len(ids)))
		return records.NewServiceError(opMarkPushFailed, reasonWriteFailed, err)
	}
	return nil
}

// ApplyRemote overwrites the payload with a newer remote version.
func (s *Store) ApplyRemote(ctx context.Context, localID records.LocalID, payload records.Payload, syncedAt time.Time) error {
	updates := map[string]any{
		"question":       payload.Question,
		"answer":         payload.Answer,
		"source":         payload.Source,
		"notebook_ref":   payload.NotebookRef,
		"captured_at_ms": toMillis(payload.CapturedAt),
		"size_bytes":     payload.EncodedSize(),
		"synced_at_ms":   toMillis(syncedAt),
		"sync_error":     nil,
		"dirty":          false,
	}
	if payload.Class != "" {
		updates["class"] = string(payload.Class)
	}
	if err := s.db.WithContext(ctx).Model(&recordRow{}).Where(queryLocalID, localID.String()).Updates(updates).Error; err != nil {
		s.logError(opApplyRemote, reasonWriteFailed, err, zap.String("local_id", localID.String()))
		return records.NewServiceError(opApplyRemote, reasonWriteFailed, err)
	}
	return nil
}

// Adopt converges a pending record onto the remote id the service already holds for it.
// dirty marks local content that still differs from the remote copy.
func (s *Store) Adopt(ctx context.Context, localID records.LocalID, remoteID records.RemoteID, syncedAt time.Time, dirty bool) error {
	remote := remoteID.String()
	updates := map[string]any{
		"remote_id":     &remote,
		"synced_at_ms":  toMillis(syncedAt),
		"sync_error":    nil,
		"sync_attempts": 0,
		"dirty":         dirty,
	}
	if err := s.db.WithContext(ctx).Model(&recordRow{}).Where(queryLocalID, localID.String()).Updates(updates).Error; err != nil {
		s.logError(opApplyRemote, reasonWriteFailed, err, zap.String("local_id", localID.String()))
		return records.NewServiceError(opApplyRemote, reasonWriteFailed, err)
	}
	return nil
}

// Delete removes the record and leaves a tombstone behind so a later pull does not bring it
// back. Deleting an unknown record is not an error.
func (s *Store) Delete(ctx context.Context, localID records.LocalID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row recordRow
		lookupErr := tx.Where(queryLocalID, localID.String()).Take(&row).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if lookupErr != nil {
			return lookupErr
		}
		if err := tx.Where(queryLocalID, localID.String()).Delete(&recordRow{}).Error; err != nil {
			return err
		}
		tombstone := tombstoneRow{
			LocalID:     row.LocalID,
			RemoteID:    row.RemoteID,
			Category:    row.Category,
			DeletedAtMs: toMillis(s.clock()),
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&tombstone).Error
	})
	if err != nil {
		s.logError(opDelete, reasonWriteFailed, err, zap.String("local_id", localID.String()))
		return records.NewServiceError(opDelete, reasonWriteFailed, err)
	}
	return nil
}

// IsTombstoned reports whether a remote record matches a locally deleted record, by remote id
// or by the local id the remote service echoes back.
func (s *Store) IsTombstoned(ctx context.Context, remoteID records.RemoteID, localID records.LocalID) (bool, error) {
	var count int64
	query := s.db.WithContext(ctx).Model(&tombstoneRow{}).Where(queryRemoteID, remoteID.String())
	if localID != "" {
		query = query.Or(queryLocalID, localID.String())
	}
	if err := query.Count(&count).Error; err != nil {
		s.logError(opGet, reasonQueryFailed, err, zap.String("remote_id", remoteID.String()))
		return false, records.NewServiceError(opGet, reasonQueryFailed, err)
	}
	return count > 0, nil
}

// CountUnsynced counts records still eligible for automatic push.
func (s *Store) CountUnsynced(ctx context.Context, maxRetries int) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&recordRow{}).
		Where("(remote_id IS NULL OR dirty = ?) AND sync_attempts < ?", true, maxRetries).
		Count(&count).Error
	if err != nil {
		s.logError(opCount, reasonQueryFailed, err)
		return 0, records.NewServiceError(opCount, reasonQueryFailed, err)
	}
	return count, nil
}

// CountFailed counts records whose retry budget is spent.
func (s *Store) CountFailed(ctx context.Context, maxRetries int) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&recordRow{}).
		Where("(remote_id IS NULL OR dirty = ?) AND sync_attempts >= ?", true, maxRetries).
		Count(&count).Error
	if err != nil {
		s.logError(opCount, reasonQueryFailed, err)
		return 0, records.NewServiceError(opCount, reasonQueryFailed, err)
	}
	return count, nil
}

// ResetExhausted gives failed records a fresh retry budget and returns how many were reset.
func (s *Store) ResetExhausted(ctx context.Context, maxRetries int) (int64, error) {
	result := s.db.WithContext(ctx).Model(&recordRow{}).
		Where("sync_attempts >= ?", maxRetries).
		Update("sync_attempts", 0)
	if result.Error != nil {
		s.logError(opResetExhausted, reasonWriteFailed, result.Error)
		return 0, records.NewServiceError(opResetExhausted, reasonWriteFailed, result.Error)
	}
	return result.RowsAffected, nil
}

// SweepResult reports what a cleanup sweep removed.
type SweepResult struct {
	Records    int64
	Tombstones int64
}

// Sweep evicts synced, clean records cached before cutoff and tombstones older than cutoff.
// Pending or failed records are never evicted.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (SweepResult, error) {
	cutoffMs := toMillis(cutoff)
	var result SweepResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		evicted := tx.Where("remote_id IS NOT NULL AND dirty = ? AND cached_at_ms < ?", false, cutoffMs).Delete(&recordRow{})
		if evicted.Error != nil {
			return evicted.Error
		}
		result.Records = evicted.RowsAffected
		pruned := tx.Where("deleted_at_ms < ?", cutoffMs).Delete(&tombstoneRow{})
		if pruned.Error != nil {
			return pruned.Error
		}
		result.Tombstones = pruned.RowsAffected
		return nil
	})
	if err != nil {
		s.logError(opSweep, reasonWriteFailed, err)
		return SweepResult{}, records.NewServiceError(opSweep, reasonWriteFailed, err)
	}
	return result, nil
}

// GetSetting reads a value from the settings area. The boolean reports presence.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var row settingRow
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		s.logError(opSettings, reasonQueryFailed, err, zap.String("key", key))
		return "", false, records.NewServiceError(opSettings, reasonQueryFailed, err)
	}
	return row.Value, true, nil
}

// PutSetting stores a value in the settings area; the most recent value wins.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	row := settingRow{Key: key, Value: value, UpdatedAtMs: toMillis(s.clock())}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_ms"}),
	}).Create(&row).Error
	if err != nil {
		s.logError(opSettings, reasonWriteFailed, err, zap.String("key", key))
		return records.NewServiceError(opSettings, reasonWriteFailed, err)
	}
	return nil
}

// DeleteSetting removes a key from the settings area.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("key = ?", key).Delete(&settingRow{}).Error; err != nil {
		s.logError(opSettings, reasonWriteFailed, err, zap.String("key", key))
		return records.NewServiceError(opSettings, reasonWriteFailed, err)
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger := s.logger
	if logger == nil {
		logger = noOpLogger
	}
	logger.Error("local store error", attrs...)
}

func rowFromRecord(record records.Record) recordRow {
	row := recordRow{
		LocalID:      record.LocalID.String(),
		Category:     record.Category.String(),
		Question:     record.Payload.Question,
		Answer:       record.Payload.Answer,
		Source:       record.Payload.Source,
		NotebookRef:  record.Payload.NotebookRef,
		CapturedAtMs: toMillis(record.Payload.CapturedAt),
		Class:        string(record.Payload.Class),
		SizeBytes:    record.SizeBytes,
		CachedAtMs:   toMillis(record.CachedAt),
		SyncAttempts: record.SyncAttempts,
		Dirty:        record.Dirty,
	}
	if row.Category == "" {
		row.Category = records.DefaultCategory.String()
	}
	if record.RemoteID != "" {
		remote := record.RemoteID.String()
		row.RemoteID = &remote
	}
	if record.SyncedAt != nil {
		syncedAt := toMillis(*record.SyncedAt)
		row.SyncedAtMs = &syncedAt
	}
	if record.SyncError != "" {
		syncError := record.SyncError
		row.SyncError = &syncError
	}
	return row
}

func (row recordRow) toRecord() records.Record {
	record := records.Record{
		LocalID:  records.LocalID(row.LocalID),
		Category: records.Category(row.Category),
		Payload: records.Payload{
			Question:    row.Question,
			Answer:      row.Answer,
			Source:      row.Source,
			NotebookRef: row.NotebookRef,
			CapturedAt:  fromMillis(row.CapturedAtMs),
			Class:       records.RecordClass(row.Class),
		},
		SizeBytes:    row.SizeBytes,
		CachedAt:     fromMillis(row.CachedAtMs),
		SyncAttempts: row.SyncAttempts,
		Dirty:        row.Dirty,
	}
	if row.RemoteID != nil {
		record.RemoteID = records.RemoteID(*row.RemoteID)
	}
	if row.SyncedAtMs != nil {
		syncedAt := fromMillis(*row.SyncedAtMs)
		record.SyncedAt = &syncedAt
	}
	if row.SyncError != nil {
		record.SyncError = *row.SyncError
	}
	return record
}

func toRecords(rows []recordRow) []records.Record {
	result := make([]records.Record, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toRecord())
	}
	return result
}

func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}
