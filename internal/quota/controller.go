package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/qasync/internal/notify"
	"github.com/MarcoPoloResearchLab/qasync/internal/records"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

const (
	// DefaultFallbackTotalBytes is the assumed capacity when usage cannot be measured.
	DefaultFallbackTotalBytes uint64 = 1 << 30

	// SettingSnapshot holds the JSON encoded last QuotaSnapshot.
	SettingSnapshot = "quota_snapshot"
	// SettingLastNotifiedThreshold holds the last warning level that was published.
	SettingLastNotifiedThreshold = "quota_last_notified_threshold"

	denyAllPercentage        = 98.0
	denyLargeMediaPercentage = 95.0

	opNew       = "quota.new"
	opCheck     = "quota.check"
	opCanSave   = "quota.can_save"
	opThreshold = "quota.threshold"
)

// Thresholds are the usage percentages that trigger a storage warning.
var Thresholds = []int{70, 80, 90, 95, 98}

var (
	errMissingProber   = errors.New("quota: prober is required")
	errMissingSettings = errors.New("quota: settings store is required")
	errInvalidSnapshot = errors.New("quota: snapshot reports zero capacity")
	errNegativeSize    = errors.New("quota: record size is negative")
	noOpLogger         = zap.NewNop()
)

// SettingsStore persists small controller state between runs.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
}

// Publisher receives storage warnings.
type Publisher interface {
	Publish(event notify.Event)
}

// Config describes Controller dependencies.
type Config struct {
	Prober             Prober
	Settings           SettingsStore
	Publisher          Publisher
	FallbackTotalBytes uint64
	Clock              func() time.Time
	Logger             *zap.Logger
}

// Controller decides whether a local write may proceed and raises storage warnings.
type Controller struct {
	prober        Prober
	settings      SettingsStore
	publisher     Publisher
	fallbackTotal uint64
	clock         func() time.Time
	logger        *zap.Logger

	mu           sync.Mutex
	snapshot     records.QuotaSnapshot
	lastNotified int
}

// NewController constructs a Controller and restores the persisted snapshot and warning level.
func NewController(ctx context.Context, cfg Config) (*Controller, error) {
	if cfg.Prober == nil {
		return nil, records.NewServiceError(opNew, "missing_prober", errMissingProber)
	}
	if cfg.Settings == nil {
		return nil, records.NewServiceError(opNew, "missing_settings", errMissingSettings)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	fallbackTotal := cfg.FallbackTotalBytes
	if fallbackTotal == 0 {
		fallbackTotal = DefaultFallbackTotalBytes
	}
	controller := &Controller{
		prober:        cfg.Prober,
		settings:      cfg.Settings,
		publisher:     cfg.Publisher,
		fallbackTotal: fallbackTotal,
		clock:         clock,
		logger:        logger,
	}
	controller.restore(ctx)
	return controller, nil
}

// CheckQuota measures current usage. Probe failures yield a fallback snapshot rather than an error.
func (c *Controller) CheckQuota(ctx context.Context) records.QuotaSnapshot {
	now := c.clock().UTC()
	used, total, err := c.prober.Usage(ctx)
	if err != nil || total == 0 {
		if err == nil {
			err = errInvalidSnapshot
		}
		c.logger.Warn("storage probe failed; using fallback capacity",
			zap.String("operation", opCheck),
			zap.Error(err),
			zap.String("fallback_total", humanize.IBytes(c.fallbackTotal)))
		return records.QuotaSnapshot{
			UsedBytes:      0,
			TotalBytes:     c.fallbackTotal,
			AvailableBytes: c.fallbackTotal,
			PercentageUsed: 0,
			LastCheckedAt:  now,
		}
	}

	available := uint64(0)
	if total > used {
		available = total - used
	}
	snapshot := records.QuotaSnapshot{
		UsedBytes:      used,
		TotalBytes:     total,
		AvailableBytes: available,
		PercentageUsed: float64(used) * 100 / float64(total),
		LastCheckedAt:  now,
	}

	c.mu.Lock()
	c.snapshot = snapshot
	c.mu.Unlock()
	c.persistSnapshot(ctx, snapshot)
	c.evaluateThresholds(ctx, snapshot)
	return snapshot
}

// CanSave reports whether a record of sizeBytes and class may be persisted.
// When the decision itself cannot be evaluated the write is allowed.
func (c *Controller) CanSave(ctx context.Context, sizeBytes int64, class records.RecordClass) bool {
	snapshot := c.CheckQuota(ctx)
	allowed, err := decide(snapshot, sizeBytes, class)
	if err != nil {
		return c.failOpen(err, sizeBytes, class)
	}
	if !allowed {
		c.logger.Info("local write denied by storage quota",
			zap.String("operation", opCanSave),
			zap.String("class", string(class)),
			zap.String("record_size", humanize.IBytes(uint64(sizeBytes))),
			zap.String("used", humanize.IBytes(snapshot.UsedBytes)),
			zap.String("total", humanize.IBytes(snapshot.TotalBytes)),
			zap.Float64("percentage_used", snapshot.PercentageUsed))
	}
	return allowed
}

// Snapshot returns the most recent successful measurement.
func (c *Controller) Snapshot() records.QuotaSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// LastNotifiedThreshold returns the warning level most recently published, or 0.
func (c *Controller) LastNotifiedThreshold() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastNotified
}

func decide(snapshot records.QuotaSnapshot, sizeBytes int64, class records.RecordClass) (bool, error) {
	if sizeBytes < 0 {
		return false, errNegativeSize
	}
	if snapshot.TotalBytes == 0 || math.IsNaN(snapshot.PercentageUsed) {
		return false, errInvalidSnapshot
	}
	if snapshot.PercentageUsed >= denyAllPercentage {
		return false, nil
	}
	if class == records.ClassLargeMedia && snapshot.PercentageUsed >= denyLargeMediaPercentage {
		return false, nil
	}
	if snapshot.UsedBytes+uint64(sizeBytes) > snapshot.TotalBytes {
		return false, nil
	}
	return true, nil
}

func (c *Controller) failOpen(err error, sizeBytes int64, class records.RecordClass) bool {
	c.logger.Warn("storage quota evaluation failed; allowing write",
		zap.String("operation", opCanSave),
		zap.String("reason", "fail_open"),
		zap.Int64("size_bytes", sizeBytes),
		zap.String("class", string(class)),
		zap.Error(err))
	return true
}

// highestCrossed returns the largest threshold at or below percentage, or 0.
func highestCrossed(percentage float64) int {
	level := 0
	for _, threshold := range Thresholds {
		if percentage >= float64(threshold) {
			level = threshold
		}
	}
	return level
}

func (c *Controller) evaluateThresholds(ctx context.Context, snapshot records.QuotaSnapshot) {
	level := highestCrossed(snapshot.PercentageUsed)

	c.mu.Lock()
	previous := c.lastNotified
	if level == previous {
		c.mu.Unlock()
		return
	}
	c.lastNotified = level
	c.mu.Unlock()

	c.persistLevel(ctx, level)
	if level == 0 {
		c.logger.Debug("storage usage dropped below warning thresholds",
			zap.String("operation", opThreshold),
			zap.Int("previous_level", previous))
		return
	}

	c.logger.Warn("storage usage crossed warning threshold",
		zap.String("operation", opThreshold),
		zap.Int("level", level),
		zap.Int("previous_level", previous),
		zap.String("used", humanize.IBytes(snapshot.UsedBytes)),
		zap.String("available", humanize.IBytes(snapshot.AvailableBytes)))
	if c.publisher != nil {
		c.publisher.Publish(notify.StorageWarning{Level: level, Snapshot: snapshot})
	}
}

func (c *Controller) restore(ctx context.Context) {
	if raw, found, err := c.settings.GetSetting(ctx, SettingSnapshot); err != nil {
		c.logger.Warn("failed to load quota snapshot", zap.String("operation", opNew), zap.Error(err))
	} else if found {
		var snapshot records.QuotaSnapshot
		if decodeErr := json.Unmarshal([]byte(raw), &snapshot); decodeErr != nil {
			c.logger.Warn("discarding unreadable quota snapshot", zap.String("operation", opNew), zap.Error(decodeErr))
		} else {
			c.snapshot = snapshot
		}
	}

	raw, found, err := c.settings.GetSetting(ctx, SettingLastNotifiedThreshold)
	if err != nil {
		c.logger.Warn("failed to load quota warning level", zap.String("operation", opNew), zap.Error(err))
		return
	}
	if !found {
		return
	}
	level, parseErr := strconv.Atoi(raw)
	if parseErr != nil {
		c.logger.Warn("discarding unreadable quota warning level", zap.String("operation", opNew), zap.Error(parseErr))
		return
	}
	c.lastNotified = level
}

func (c *Controller) persistSnapshot(ctx context.Context, snapshot records.QuotaSnapshot) {
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		c.logger.Warn("failed to encode quota snapshot", zap.String("operation", opCheck), zap.Error(err))
		return
	}
	if err := c.settings.PutSetting(ctx, SettingSnapshot, string(encoded)); err != nil {
		c.logger.Warn("failed to persist quota snapshot", zap.String("operation", opCheck), zap.Error(err))
	}
}

func (c *Controller) persistLevel(ctx context.Context, level int) {
	if err := c.settings.PutSetting(ctx, SettingLastNotifiedThreshold, strconv.Itoa(level)); err != nil {
		c.logger.Warn("failed to persist quota warning level",
			zap.String("operation", opThreshold),
			zap.Error(fmt.Errorf("level %d: %w", level, err)))
	}
}
