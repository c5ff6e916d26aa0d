// Package watch implements the tick-based daemon loop that re-runs
// recovery sessions at the configured interval.
package watch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/antigravity-dev/remedy/internal/config"
	"github.com/antigravity-dev/remedy/internal/recovery"
)

// RunFunc executes one recovery session against the given configuration.
// The cmd layer supplies a closure that wires the session from cfg so
// hot-reloaded settings take effect on the next tick.
type RunFunc func(ctx context.Context, cfg *config.Config) (recovery.Result, error)

// Watcher runs the watch tick loop.
type Watcher struct {
	cfgMgr config.ConfigManager
	run    RunFunc
	logger *slog.Logger

	mu   sync.Mutex
	busy bool
	wg   sync.WaitGroup
}

// New creates a Watcher that reads config from cfgMgr on each tick.
func New(cfgMgr config.ConfigManager, run RunFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		cfgMgr: cfgMgr,
		run:    run,
		logger: logger,
	}
}

// Run blocks until ctx is cancelled, ticking at the configured interval.
// A session still running when the next tick fires makes that tick a no-op.
func (w *Watcher) Run(ctx context.Context) {
	cfg := w.cfgMgr.Get()
	interval := cfg.Watch.Interval.Duration
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	w.logger.Info("watch started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watch stopping")
			w.wg.Wait()
			return
		case <-ticker.C:
			w.tick(ctx)
			// Re-read interval in case config was hot-reloaded.
			newCfg := w.cfgMgr.Get()
			newInterval := newCfg.Watch.Interval.Duration
			if newInterval > 0 && newInterval != interval {
				ticker.Reset(newInterval)
				interval = newInterval
				w.logger.Info("watch interval changed", "interval", interval)
			}
		}
	}
}

// tick starts a session in the background unless one is still running.
func (w *Watcher) tick(ctx context.Context) {
	w.mu.Lock()
	if w.busy {
		w.mu.Unlock()
		w.logger.Info("previous session still running, skipping tick")
		return
	}
	w.busy = true
	w.mu.Unlock()

	cfg := w.cfgMgr.Get()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			w.busy = false
			w.mu.Unlock()
		}()

		result, err := w.run(ctx, cfg)
		if err != nil {
			w.logger.Error("recovery session failed", "error", err)
			return
		}
		w.logger.Info("recovery session finished",
			"outcome", result.Outcome,
			"attempts", result.Attempts,
			"fixes_applied", result.FixesApplied,
			"duration", result.Duration)
	}()
}
