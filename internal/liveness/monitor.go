// ABOUTME: Periodic sweep that evicts registry entries whose transport has died
// ABOUTME: Never overlaps itself and treats an unanswerable handle as dead

package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/wallboard-gateway/internal/apperr"
	"github.com/2389/wallboard-gateway/internal/registry"
)

// DefaultInterval is the sweep period when none is configured.
const DefaultInterval = 30 * time.Second

// Config configures the Monitor.
type Config struct {
	Interval time.Duration
}

// StaleFunc is called once for every entry a sweep removes. It runs after the
// entry has been deregistered and the handle closed.
type StaleFunc func(e registry.Entry)

// Monitor reconciles the registry against actual transport state.
type Monitor struct {
	reg     *registry.Registry
	cfg     Config
	onStale StaleFunc
	logger  *slog.Logger

	// sweeping is held for the duration of a sweep
	sweeping sync.Mutex
}

// New creates a Monitor. onStale may be nil.
func New(reg *registry.Registry, cfg Config, onStale StaleFunc, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		reg:     reg,
		cfg:     cfg,
		onStale: onStale,
		logger:  logger.With("component", "liveness"),
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("liveness monitor started", "interval", m.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("liveness monitor stopped")
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep evicts every entry whose handle is no longer open and returns how
// many were evicted. A call made while another sweep is running returns 0
// immediately. A started sweep always visits every entry, even when the
// context is cancelled part way through.
func (m *Monitor) Sweep(_ context.Context) int {
	if !m.sweeping.TryLock() {
		m.logger.Debug("sweep already in progress, skipping")
		return 0
	}
	defer m.sweeping.Unlock()

	evicted := 0
	for _, e := range m.reg.Snapshot() {
		if isOpen(e.Handle) {
			continue
		}
		// the explicit disconnect path may have won the race already
		if !m.reg.DeregisterHandle(e.Role, e.Code, e.Handle) {
			continue
		}
		m.closeQuietly(e)
		evicted++

		m.logger.Info("evicted stale connection",
			"role", e.Role,
			"code", e.Code,
			"conn_id", e.Handle.ID(),
		)
		if m.onStale != nil {
			m.onStale(e)
		}
	}

	if evicted > 0 {
		m.logger.Debug("sweep complete", "evicted", evicted)
	}
	return evicted
}

func (m *Monitor) closeQuietly(e registry.Entry) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("panic closing stale connection", "code", e.Code, "panic", r)
		}
	}()
	if err := e.Handle.Close(apperr.ReasonHeartbeatTimeout); err != nil {
		m.logger.Debug("closing stale connection", "code", e.Code, "error", err)
	}
}

// isOpen treats a panicking handle as closed.
func isOpen(h registry.Handle) (open bool) {
	defer func() {
		if recover() != nil {
			open = false
		}
	}()
	return h.IsOpen()
}
