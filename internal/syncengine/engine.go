package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/qasync/internal/notify"
	"github.com/MarcoPoloResearchLab/qasync/internal/records"
	"github.com/MarcoPoloResearchLab/qasync/internal/remote"
	"go.uber.org/zap"
)

const (
	// SettingLastSyncTimestamp holds the pull watermark in unix milliseconds.
	SettingLastSyncTimestamp = "last_sync_timestamp_ms"

	// DefaultInterval separates scheduled rounds.
	DefaultInterval = 5 * time.Minute
	// DefaultBatchSize caps the records offered in one bulk create.
	DefaultBatchSize = 50
	// DefaultMaxRetries is the push attempt budget of a record.
	DefaultMaxRetries = 3

	opNew    = "syncengine.new"
	opRound  = "syncengine.round"
	opPush   = "syncengine.push"
	opUpdate = "syncengine.push_update"
	opPull   = "syncengine.pull"
	opStatus = "syncengine.status"
	opAuth   = "syncengine.authenticated"
)

var (
	errMissingStore   = errors.New("syncengine: local store is required")
	errMissingRemotes = errors.New("syncengine: remote directory is required")
	errMissingIDs     = errors.New("syncengine: id provider is required")
	errRoundPanicked  = errors.New("syncengine: round panicked")
	noOpLogger        = zap.NewNop()
)

// Store is the local store surface the engine reconciles against.
type Store interface {
	Get(ctx context.Context, localID records.LocalID) (records.Record, error)
	GetByRemoteID(ctx context.Context, remoteID records.RemoteID) (records.Record, bool, error)
	Exists(ctx context.Context, localID records.LocalID) (bool, error)
	Put(ctx context.Context, record records.Record) error
	ListPendingPush(ctx context.Context, category records.Category, maxRetries, limit int) ([]records.Record, error)
	ListDirty(ctx context.Context, category records.Category, maxRetries, limit int) ([]records.Record, error)
	MarkPushed(ctx context.Context, localID records.LocalID, remoteID records.RemoteID, syncedAt time.Time) error
	MarkUpdatePushed(ctx context.Context, localID records.LocalID, syncedAt time.Time) error
	MarkPushFailed(ctx context.Context, localIDs []records.LocalID, reason string) error
	ApplyRemote(ctx context.Context, localID records.LocalID, payload records.Payload, syncedAt time.Time) error
	Adopt(ctx context.Context, localID records.LocalID, remoteID records.RemoteID, syncedAt time.Time, dirty bool) error
	IsTombstoned(ctx context.Context, remoteID records.RemoteID, localID records.LocalID) (bool, error)
	CountUnsynced(ctx context.Context, maxRetries int) (int64, error)
	CountFailed(ctx context.Context, maxRetries int) (int64, error)
	ResetExhausted(ctx context.Context, maxRetries int) (int64, error)
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

// Publisher receives sync status changes.
type Publisher interface {
	Publish(event notify.Event)
}

// Config describes Engine dependencies and tuning.
type Config struct {
	Store      Store
	Remotes    *remote.Directory
	Publisher  Publisher
	IDProvider records.IDProvider
	Interval   time.Duration
	BatchSize  int
	MaxRetries int
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Engine reconciles the local store with the remote services, one round at a time.
type Engine struct {
	store      Store
	remotes    *remote.Directory
	publisher  Publisher
	ids        records.IDProvider
	interval   time.Duration
	batchSize  int
	maxRetries int
	clock      func() time.Time
	logger     *zap.Logger

	syncing atomic.Bool

	mu      sync.Mutex
	online  bool
	cancel  context.CancelFunc
	wake    chan struct{}
	stopped chan struct{}
}

// NewEngine constructs an Engine. Zero tuning values select defaults.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, records.NewServiceError(opNew, "missing_store", errMissingStore)
	}
	if cfg.Remotes == nil {
		return nil, records.NewServiceError(opNew, "missing_remotes", errMissingRemotes)
	}
	if cfg.IDProvider == nil {
		return nil, records.NewServiceError(opNew, "missing_id_provider", errMissingIDs)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		store:      cfg.Store,
		remotes:    cfg.Remotes,
		publisher:  cfg.Publisher,
		ids:        cfg.IDProvider,
		interval:   interval,
		batchSize:  batchSize,
		maxRetries: maxRetries,
		clock:      clock,
		logger:     logger,
		online:     true,
	}, nil
}

// MaxRetries returns the push attempt budget of a record.
func (e *Engine) MaxRetries() int {
	return e.maxRetries
}

// Start runs a round immediately and then on every interval tick and reconnect, until Stop
// is called or ctx ends. Starting a running engine does nothing.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wake = make(chan struct{}, 1)
	e.stopped = make(chan struct{})
	wake := e.wake
	stopped := e.stopped
	e.mu.Unlock()

	e.logger.Info("sync engine started", zap.Duration("interval", e.interval))
	go e.loop(loopCtx, wake, stopped)
}

// Stop cancels scheduling and waits for an in-flight round to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	stopped := e.stopped
	e.cancel = nil
	e.wake = nil
	e.stopped = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
	e.logger.Info("sync engine stopped")
}

// IsRunning reports whether scheduling is active.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel != nil
}

// NotifyConnectivity records the current network state. An offline to online transition
// triggers a round when the engine is running.
func (e *Engine) NotifyConnectivity(online bool) {
	e.mu.Lock()
	previous := e.online
	e.online = online
	wake := e.wake
	e.mu.Unlock()

	if previous == online {
		return
	}
	e.logger.Info("connectivity changed", zap.Bool("online", online))
	if !online || wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

func (e *Engine) loop(ctx context.Context, wake <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	roundCtx := context.WithoutCancel(ctx)
	e.SyncAll(roundCtx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SyncAll(roundCtx)
		case <-wake:
			e.SyncAll(roundCtx)
		}
	}
}

// SyncAll runs one push-then-pull round over every configured category. It returns false
// without doing anything when another round is in flight. Failures are logged and recorded
// on the affected records; the watermark only advances when every phase succeeded.
func (e *Engine) SyncAll(ctx context.Context) (ran bool) {
	if !e.syncing.CompareAndSwap(false, true) {
		e.logger.Debug("sync round already in flight", zap.String("operation", opRound))
		return false
	}
	ran = true
	roundStart := e.clock().UTC()
	e.publishStatus(ctx)

	defer func() {
		if recovered := recover(); recovered != nil {
			e.logError(opRound, "panic", fmt.Errorf("%w: %v", errRoundPanicked, recovered))
		}
		e.syncing.Store(false)
		e.publishStatus(ctx)
	}()

	clean := true
	for _, category := range e.remotes.Categories() {
		if err := e.syncCategory(ctx, category); err != nil {
			clean = false
			e.logger.Warn("sync round incomplete for category",
				zap.String("operation", opRound),
				zap.String("category", category.String()),
				zap.Error(err))
		}
	}

	if !clean {
		return ran
	}
	if err := e.store.PutSetting(ctx, SettingLastSyncTimestamp, strconv.FormatInt(roundStart.UnixMilli(), 10)); err != nil {
		e.logError(opRound, "watermark_write_failed", err)
		return ran
	}
	e.logger.Info("sync round completed", zap.Time("watermark", roundStart))
	return ran
}

func (e *Engine) syncCategory(ctx context.Context, category records.Category) error {
	service, err := e.remotes.Lookup(category)
	if err != nil {
		return err
	}
	pushErr := e.push(ctx, category, service)
	pullErr := e.pull(ctx, category, service)
	return errors.Join(pushErr, pullErr)
}

func (e *Engine) push(ctx context.Context, category records.Category, service remote.Service) error {
	createErr := e.pushCreates(ctx, category, service)
	updateErr := e.pushUpdates(ctx, category, service)
	return errors.Join(createErr, updateErr)
}

func (e *Engine) pushCreates(ctx context.Context, category records.Category, service remote.Service) error {
	candidates, err := e.store.ListPendingPush(ctx, category, e.maxRetries, e.batchSize)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	items := make([]remote.BulkItem, 0, len(candidates))
	pending := make(map[records.LocalID]records.Record, len(candidates))
	localIDs := make([]records.LocalID, 0, len(candidates))
	for _, candidate := range candidates {
		items = append(items, remote.BulkItem{LocalID: candidate.LocalID, Payload: candidate.Payload})
		pending[candidate.LocalID] = candidate
		localIDs = append(localIDs, candidate.LocalID)
	}

	results, err := service.BulkCreate(ctx, items)
	if err != nil {
		e.logRemoteFailure(opPush, category, len(items), err)
		if markErr := e.store.MarkPushFailed(ctx, localIDs, err.Error()); markErr != nil {
			return errors.Join(err, markErr)
		}
		e.logExhausted(candidates)
		return err
	}

	syncedAt := e.clock().UTC()
	var markErrs []error
	confirmed := 0
	for _, result := range results {
		candidate, ok := pending[result.LocalID]
		if !ok || result.RemoteID == "" {
			e.logger.Warn("ignoring unexpected bulk result",
				zap.String("operation", opPush),
				zap.String("local_id", result.LocalID.String()),
				zap.String("status", string(result.Status)))
			continue
		}
		if result.Status != remote.BulkStatusCreated && result.Status != remote.BulkStatusSkipped {
			continue
		}
		var markErr error
		if result.Status == remote.BulkStatusSkipped {
			// The server kept an earlier create; an edit made since then still has to go out as
			// an update.
			markErr = e.store.Adopt(ctx, result.LocalID, result.RemoteID, syncedAt, candidate.Dirty)
		} else {
			markErr = e.store.MarkPushed(ctx, result.LocalID, result.RemoteID, syncedAt)
		}
		if markErr != nil {
			markErrs = append(markErrs, markErr)
			continue
		}
		delete(pending, result.LocalID)
		confirmed++
	}
	e.logger.Info("pushed records",
		zap.String("operation", opPush),
		zap.String("category", category.String()),
		zap.Int("offered", len(items)),
		zap.Int("confirmed", confirmed),
		zap.Int("unanswered", len(pending)))
	return errors.Join(markErrs...)
}

func (e *Engine) pushUpdates(ctx context.Context, category records.Category, service remote.Service) error {
	dirty, err := e.store.ListDirty(ctx, category, e.maxRetries, e.batchSize)
	if err != nil {
		return err
	}
	var failures []error
	for _, record := range dirty {
		updateErr := service.Update(ctx, record.RemoteID, records.PatchFromPayload(record.Payload))
		if updateErr != nil {
			e.logRemoteFailure(opUpdate, category, 1, updateErr)
			if markErr := e.store.MarkPushFailed(ctx, []records.LocalID{record.LocalID}, updateErr.Error()); markErr != nil {
				failures = append(failures, markErr)
			} else {
				e.logExhausted([]records.Record{record})
			}
			failures = append(failures, updateErr)
			continue
		}
		if err := e.store.MarkUpdatePushed(ctx, record.LocalID, e.clock().UTC()); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

func (e *Engine) pull(ctx context.Context, category records.Category, service remote.Service) error {
	watermark, err := e.lastSync(ctx)
	if err != nil {
		return err
	}
	var remoteRecords []remote.RemoteRecord
	if watermark != nil {
		remoteRecords, err = service.ListMineUpdatedSince(ctx, *watermark)
	} else {
		remoteRecords, err = service.ListMine(ctx)
	}
	if err != nil {
		e.logRemoteFailure(opPull, category, 0, err)
		return err
	}

	var failures []error
	applied := 0
	for _, remoteRecord := range remoteRecords {
		changed, reconcileErr := e.reconcile(ctx, category, remoteRecord)
		if reconcileErr != nil {
			e.logError(opPull, "reconcile_failed", reconcileErr, zap.String("remote_id", remoteRecord.RemoteID.String()))
			failures = append(failures, reconcileErr)
			continue
		}
		if changed {
			applied++
		}
	}
	e.logger.Info("pulled records",
		zap.String("operation", opPull),
		zap.String("category", category.String()),
		zap.Int("received", len(remoteRecords)),
		zap.Int("applied", applied))
	return errors.Join(failures...)
}

// reconcile merges one remote record into the local store and reports whether anything changed.
func (e *Engine) reconcile(ctx context.Context, category records.Category, remoteRecord remote.RemoteRecord) (bool, error) {
	if remoteRecord.RemoteID == "" {
		return false, nil
	}
	tombstoned, err := e.store.IsTombstoned(ctx, remoteRecord.RemoteID, remoteRecord.LocalID)
	if err != nil {
		return false, err
	}
	if tombstoned {
		return false, nil
	}
	updatedAt := remoteRecord.UpdatedAt.UTC()

	local, found, err := e.store.GetByRemoteID(ctx, remoteRecord.RemoteID)
	if err != nil {
		return false, err
	}
	if found {
		if local.SyncedAt != nil && !updatedAt.After(*local.SyncedAt) {
			return false, nil
		}
		return true, e.store.ApplyRemote(ctx, local.LocalID, remoteRecord.Payload, updatedAt)
	}

	if remoteRecord.LocalID != "" {
		echoed, getErr := e.store.Get(ctx, remoteRecord.LocalID)
		switch {
		case getErr == nil && !echoed.IsSynced():
			dirty := !echoed.Payload.SameContent(remoteRecord.Payload)
			return true, e.store.Adopt(ctx, echoed.LocalID, remoteRecord.RemoteID, updatedAt, dirty)
		case getErr != nil && !errors.Is(getErr, records.ErrRecordNotFound):
			return false, getErr
		}
	}

	return true, e.materialize(ctx, category, remoteRecord)
}

func (e *Engine) materialize(ctx context.Context, category records.Category, remoteRecord remote.RemoteRecord) error {
	localID, err := e.materializedLocalID(ctx, remoteRecord.LocalID)
	if err != nil {
		return err
	}
	now := e.clock().UTC()
	payload := remoteRecord.Payload
	if payload.Class == "" {
		payload.Class = records.ClassStandard
	}
	if remoteRecord.Category != "" {
		category = remoteRecord.Category
	}
	return e.store.Put(ctx, records.Record{
		LocalID:   localID,
		RemoteID:  remoteRecord.RemoteID,
		Category:  category,
		Payload:   payload,
		SizeBytes: payload.EncodedSize(),
		CachedAt:  now,
		SyncedAt:  &now,
	})
}

// materializedLocalID prefers the echoed local id when it is valid and unused on this device.
func (e *Engine) materializedLocalID(ctx context.Context, hint records.LocalID) (records.LocalID, error) {
	if hint != "" {
		if candidate, err := records.NewLocalID(hint.String()); err == nil {
			exists, existsErr := e.store.Exists(ctx, candidate)
			if existsErr != nil {
				return "", existsErr
			}
			if !exists {
				return candidate, nil
			}
		}
	}
	raw, err := e.ids.NewID()
	if err != nil {
		return "", err
	}
	return records.NewLocalID(raw)
}

// GetSyncStatus reports sync health without triggering a round.
func (e *Engine) GetSyncStatus(ctx context.Context) (records.SyncStatus, error) {
	status := records.SyncStatus{IsSyncing: e.syncing.Load()}
	lastSync, err := e.lastSync(ctx)
	if err != nil {
		return status, records.NewServiceError(opStatus, "watermark_read_failed", err)
	}
	status.LastSync = lastSync
	unsynced, err := e.store.CountUnsynced(ctx, e.maxRetries)
	if err != nil {
		return status, records.NewServiceError(opStatus, "count_failed", err)
	}
	failed, err := e.store.CountFailed(ctx, e.maxRetries)
	if err != nil {
		return status, records.NewServiceError(opStatus, "count_failed", err)
	}
	status.UnsyncedCount = unsynced
	status.FailedCount = failed
	return status, nil
}

// TriggerManualSync runs a round now, unless one is already in flight, and reports the status.
func (e *Engine) TriggerManualSync(ctx context.Context) (records.SyncStatus, error) {
	e.SyncAll(ctx)
	return e.GetSyncStatus(ctx)
}

// OnUserAuthenticated starts from a clean slate for the signed-in user: the watermark is cleared
// so the next pull fetches everything, exhausted records get a fresh retry budget, and the engine
// starts and runs a round.
func (e *Engine) OnUserAuthenticated(ctx context.Context) (records.SyncStatus, error) {
	if err := e.store.DeleteSetting(ctx, SettingLastSyncTimestamp); err != nil {
		e.logError(opAuth, "watermark_reset_failed", err)
		return records.SyncStatus{}, records.NewServiceError(opAuth, "watermark_reset_failed", err)
	}
	reset, err := e.store.ResetExhausted(ctx, e.maxRetries)
	if err != nil {
		e.logError(opAuth, "retry_reset_failed", err)
		return records.SyncStatus{}, records.NewServiceError(opAuth, "retry_reset_failed", err)
	}
	e.logger.Info("user authenticated; resyncing", zap.Int64("records_reset", reset))
	if e.IsRunning() {
		return e.TriggerManualSync(ctx)
	}
	e.Start(context.WithoutCancel(ctx))
	return e.GetSyncStatus(ctx)
}

// OnUserSignedOut stops scheduled sync.
func (e *Engine) OnUserSignedOut() {
	e.Stop()
}

func (e *Engine) lastSync(ctx context.Context) (*time.Time, error) {
	raw, found, err := e.store.GetSetting(ctx, SettingLastSyncTimestamp)
	if err != nil || !found {
		return nil, err
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.logger.Warn("discarding unreadable sync watermark", zap.String("value", raw), zap.Error(err))
		return nil, nil
	}
	value := time.UnixMilli(millis).UTC()
	return &value, nil
}

func (e *Engine) publishStatus(ctx context.Context) {
	if e.publisher == nil {
		return
	}
	status, err := e.GetSyncStatus(ctx)
	if err != nil {
		e.logger.Warn("failed to compute sync status", zap.String("operation", opStatus), zap.Error(err))
	}
	e.publisher.Publish(notify.SyncStatusChanged{Status: status, At: e.clock().UTC()})
}

func (e *Engine) logRemoteFailure(operation string, category records.Category, count int, err error) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("category", category.String()),
		zap.Int("records", count),
		zap.Error(err),
	}
	if errors.Is(err, records.ErrRemoteRejected) {
		e.logger.Error("remote service rejected sync request", append(fields, zap.String("reason", "remote_rejected"))...)
		return
	}
	e.logger.Warn("remote service unavailable", append(fields, zap.String("reason", "remote_unavailable"))...)
}

// logExhausted reports records whose failed attempt just used up their retry budget.
func (e *Engine) logExhausted(failed []records.Record) {
	for _, record := range failed {
		if record.SyncAttempts+1 < e.maxRetries {
			continue
		}
		e.logger.Warn("record excluded from automatic sync",
			zap.String("local_id", record.LocalID.String()),
			zap.Int("attempts", record.SyncAttempts+1),
			zap.Error(records.ErrExhaustedRetries))
	}
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("sync engine error", attrs...)
}
