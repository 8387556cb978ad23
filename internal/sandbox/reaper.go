package sandbox

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultReapInterval     = 5 * time.Minute
	defaultReapTTL          = 10 * time.Minute
	defaultReapInitialDelay = 30 * time.Second
	reapTerminateTimeout    = 30 * time.Second
)

// CleanupCallback is called for every session the reaper removes.
type CleanupCallback func(sessionID string)

// ReaperConfig controls the idle-session sweep.
type ReaperConfig struct {
	Interval     time.Duration
	TTL          time.Duration
	InitialDelay time.Duration
	OnCleanup    CleanupCallback
}

// StartReaper runs a background goroutine that ends sessions idle for longer
// than the TTL. One sweep runs shortly after startup, then on every interval.
func StartReaper(ctx context.Context, m *Manager, cfg ReaperConfig) {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultReapInterval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultReapTTL
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaultReapInitialDelay
	}

	go func() {
		initial := time.NewTimer(cfg.InitialDelay)
		ticker := time.NewTicker(cfg.Interval)
		defer initial.Stop()
		defer ticker.Stop()
		slog.Info("Reaper started", "interval", cfg.Interval, "ttl", cfg.TTL, "initial_delay", cfg.InitialDelay)

		for {
			select {
			case <-initial.C:
				m.ReapIdle(ctx, cfg.TTL, cfg.OnCleanup)
			case <-ticker.C:
				m.ReapIdle(ctx, cfg.TTL, cfg.OnCleanup)
			case <-ctx.Done():
				slog.Info("Reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// ReapIdle ends every ready session whose last activity is older than ttl
// and returns how many were removed. Sessions are dropped from tracking even
// when termination fails so one broken sandbox cannot be retried forever.
func (m *Manager) ReapIdle(ctx context.Context, ttl time.Duration, onCleanup CleanupCallback) int {
	ids := m.registry.expired(m.now(), ttl)
	if len(ids) == 0 {
		return 0
	}

	slog.Info("Reaper found idle sessions", "count", len(ids))

	for _, id := range ids {
		e := m.registry.get(id)
		termCtx, cancel := context.WithTimeout(ctx, reapTerminateTimeout)
		if err := m.EndSession(termCtx, id); err != nil {
			slog.Error("Reaper failed to end session",
				"error", err,
				"session_id", id)
		}
		cancel()
		if e != nil {
			m.registry.remove(id, e)
		}

		if onCleanup != nil {
			onCleanup(id)
		}
	}

	slog.Info("Reaper sweep completed", "removed", len(ids))
	return len(ids)
}
