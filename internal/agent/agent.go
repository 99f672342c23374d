package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/qasync/internal/cache"
	"github.com/MarcoPoloResearchLab/qasync/internal/localstore"
	"github.com/MarcoPoloResearchLab/qasync/internal/records"
	"go.uber.org/zap"
)

const (
	// DefaultSweepInterval separates retention sweeps.
	DefaultSweepInterval = time.Hour
	// DefaultRetention keeps clean synced records this long after they were cached.
	DefaultRetention = 90 * 24 * time.Hour

	opNew    = "agent.new"
	opHandle = "agent.handle"
	opSweep  = "agent.sweep"

	pendingMessage = "saved, will sync later"
)

var (
	errMissingCache = errors.New("agent: cache is required")
	errMissingSync  = errors.New("agent: sync engine is required")
	errMissingQuota = errors.New("agent: quota controller is required")
)

// Cache is the write-through cache surface exposed to collaborators.
type Cache interface {
	SaveRecord(ctx context.Context, category records.Category, payload records.Payload) (cache.SaveResult, error)
	UpdateRecord(ctx context.Context, localID records.LocalID, patch records.Patch) (records.Record, error)
	DeleteRecord(ctx context.Context, localID records.LocalID) error
	GetRecord(ctx context.Context, localID records.LocalID) (records.Record, error)
	GetAllCached(ctx context.Context) ([]records.Record, error)
	SearchCached(ctx context.Context, predicate func(records.Record) bool) ([]records.Record, error)
}

// Syncer is the sync engine surface exposed to collaborators.
type Syncer interface {
	GetSyncStatus(ctx context.Context) (records.SyncStatus, error)
	TriggerManualSync(ctx context.Context) (records.SyncStatus, error)
	OnUserAuthenticated(ctx context.Context) (records.SyncStatus, error)
	OnUserSignedOut()
	MaxRetries() int
}

// QuotaChecker probes storage usage.
type QuotaChecker interface {
	CheckQuota(ctx context.Context) records.QuotaSnapshot
}

// Sweeper evicts clean synced records and old tombstones.
type Sweeper interface {
	Sweep(ctx context.Context, cutoff time.Time) (localstore.SweepResult, error)
}

// Config describes Agent dependencies.
type Config struct {
	Cache         Cache
	Sync          Syncer
	Quota         QuotaChecker
	Sweeper       Sweeper
	SweepInterval time.Duration
	Retention     time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Reply is the outcome of a handled command. Only the fields relevant to the command are set.
type Reply struct {
	Type    string                 `json:"type"`
	Saved   *cache.SaveResult      `json:"saved,omitempty"`
	Record  *records.Record        `json:"record,omitempty"`
	Records []records.Record       `json:"records,omitempty"`
	Status  *records.SyncStatus    `json:"status,omitempty"`
	Quota   *records.QuotaSnapshot `json:"quota,omitempty"`
	Pending bool                   `json:"pending,omitempty"`
	Message string                 `json:"message,omitempty"`
}

// Agent is the collaborator-facing entry point that ties the cache and sync engine together.
type Agent struct {
	cache         Cache
	sync          Syncer
	quota         QuotaChecker
	sweeper       Sweeper
	sweepInterval time.Duration
	retention     time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

// New constructs an Agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Cache == nil {
		return nil, records.NewServiceError(opNew, "missing_cache", errMissingCache)
	}
	if cfg.Sync == nil {
		return nil, records.NewServiceError(opNew, "missing_sync", errMissingSync)
	}
	if cfg.Quota == nil {
		return nil, records.NewServiceError(opNew, "missing_quota", errMissingQuota)
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		cache:         cfg.Cache,
		sync:          cfg.Sync,
		quota:         cfg.Quota,
		sweeper:       cfg.Sweeper,
		sweepInterval: sweepInterval,
		retention:     retention,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Handle dispatches one command. A write that reached the local store but not the remote
// service returns a pending reply together with the *records.PendingSyncError.
func (a *Agent) Handle(ctx context.Context, command Command) (Reply, error) {
	reply := Reply{Type: command.Type()}

	switch typed := command.(type) {
	case SaveRecord:
		saved, err := a.cache.SaveRecord(ctx, typed.Category, typed.Payload)
		if err != nil && !records.IsPendingSync(err) {
			return Reply{}, err
		}
		reply.Saved = &saved
		return a.pendingReply(reply, err)
	case UpdateRecord:
		updated, err := a.cache.UpdateRecord(ctx, typed.LocalID, typed.Patch)
		if err != nil && !records.IsPendingSync(err) {
			return Reply{}, err
		}
		reply.Record = &updated
		return a.pendingReply(reply, err)
	case DeleteRecord:
		if err := a.cache.DeleteRecord(ctx, typed.LocalID); err != nil {
			return Reply{}, err
		}
		return reply, nil
	case GetRecord:
		record, err := a.cache.GetRecord(ctx, typed.LocalID)
		if err != nil {
			return Reply{}, err
		}
		reply.Record = &record
		return reply, nil
	case GetAllCached:
		all, err := a.cache.GetAllCached(ctx)
		if err != nil {
			return Reply{}, err
		}
		reply.Records = all
		return reply, nil
	case SearchCached:
		matches, err := a.cache.SearchCached(ctx, a.searchPredicate(typed))
		if err != nil {
			return Reply{}, err
		}
		reply.Records = matches
		return reply, nil
	case TriggerManualSync:
		return a.statusReply(reply, func() (records.SyncStatus, error) { return a.sync.TriggerManualSync(ctx) })
	case UserAuthenticated:
		return a.statusReply(reply, func() (records.SyncStatus, error) { return a.sync.OnUserAuthenticated(ctx) })
	case UserSignedOut:
		a.sync.OnUserSignedOut()
		return reply, nil
	case GetSyncStatus:
		return a.statusReply(reply, func() (records.SyncStatus, error) { return a.sync.GetSyncStatus(ctx) })
	case CheckQuota:
		snapshot := a.quota.CheckQuota(ctx)
		reply.Quota = &snapshot
		return reply, nil
	default:
		return Reply{}, records.NewServiceError(opHandle, "unknown_command", fmt.Errorf("%w: %T", ErrUnknownCommand, command))
	}
}

func (a *Agent) pendingReply(reply Reply, err error) (Reply, error) {
	if err == nil {
		return reply, nil
	}
	reply.Pending = true
	reply.Message = pendingMessage
	return reply, err
}

func (a *Agent) statusReply(reply Reply, read func() (records.SyncStatus, error)) (Reply, error) {
	status, err := read()
	if err != nil {
		return Reply{}, err
	}
	reply.Status = &status
	return reply, nil
}

func (a *Agent) searchPredicate(search SearchCached) func(records.Record) bool {
	text := strings.ToLower(strings.TrimSpace(search.Text))
	maxRetries := a.sync.MaxRetries()
	return func(record records.Record) bool {
		if search.Category != "" && record.Category != search.Category {
			return false
		}
		switch search.State {
		case SyncStateSynced:
			if !record.IsSynced() || record.Dirty {
				return false
			}
		case SyncStatePending:
			if record.IsFailed(maxRetries) || (record.IsSynced() && !record.Dirty) {
				return false
			}
		case SyncStateFailed:
			if !record.IsFailed(maxRetries) {
				return false
			}
		}
		if text == "" {
			return true
		}
		return strings.Contains(strings.ToLower(record.Payload.Question), text) ||
			strings.Contains(strings.ToLower(record.Payload.Answer), text) ||
			strings.Contains(strings.ToLower(record.Payload.Source), text)
	}
}

// RunSweeps evicts expired records on every sweep interval until ctx ends.
func (a *Agent) RunSweeps(ctx context.Context) {
	if a.sweeper == nil {
		return
	}
	ticker := time.NewTicker(a.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep(ctx)
		}
	}
}

// Sweep runs one retention sweep. Failures are logged.
func (a *Agent) Sweep(ctx context.Context) localstore.SweepResult {
	if a.sweeper == nil {
		return localstore.SweepResult{}
	}
	cutoff := a.clock().UTC().Add(-a.retention)
	result, err := a.sweeper.Sweep(ctx, cutoff)
	if err != nil {
		a.logger.Error("agent error",
			zap.String("operation", opSweep),
			zap.String("reason", "sweep_failed"),
			zap.Error(err))
		return localstore.SweepResult{}
	}
	if result.Records > 0 || result.Tombstones > 0 {
		a.logger.Info("retention sweep",
			zap.Int64("records", result.Records),
			zap.Int64("tombstones", result.Tombstones),
			zap.Time("cutoff", cutoff))
	}
	return result
}
