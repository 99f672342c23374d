package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultInterval separates health probes.
	DefaultInterval = 30 * time.Second
	// DefaultTimeout bounds a single probe.
	DefaultTimeout = 5 * time.Second
)

var errMissingChecker = errors.New("connectivity: health checker is required")

// Checker probes the remote service.
type Checker interface {
	Health(ctx context.Context) error
}

// Listener is told about every online/offline transition.
type Listener interface {
	NotifyConnectivity(online bool)
}

// Config describes Monitor dependencies.
type Config struct {
	Checker  Checker
	Listener Listener
	Interval time.Duration
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Monitor polls the remote health endpoint and reports transitions. It starts out assuming
// the network is reachable.
type Monitor struct {
	checker  Checker
	listener Listener
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	online bool
}

// NewMonitor constructs a Monitor.
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Checker == nil {
		return nil, errMissingChecker
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		checker:  cfg.Checker,
		listener: cfg.Listener,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		online:   true,
	}, nil
}

// Run probes on every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.Probe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Probe checks the remote once and returns the resulting state.
func (m *Monitor) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.checker.Health(probeCtx)
	cancel()
	if err != nil && ctx.Err() != nil {
		return m.Online()
	}
	online := err == nil

	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if !changed {
		return online
	}
	if online {
		m.logger.Info("remote service reachable")
	} else {
		m.logger.Warn("remote service unreachable", zap.Error(err))
	}
	if m.listener != nil {
		m.listener.NotifyConnectivity(online)
	}
	return online
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}
