package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// maxFailureStreak is how many consecutive failed runs the timer tolerates
// before Healthy reports false.
const maxFailureStreak = 3

// Timer runs reconciliation once at startup, to settle orders stranded by a
// crash, and then every interval.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	failures atomic.Int32
	lastRun  atomic.Int64 // unix nanos of the last completed run
}

// NewTimer creates a reconciliation timer. A non-positive interval means
// five minutes.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger.With("component", "reconciler"),
		stop:     make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Healthy reports whether the loop is active and recent runs succeeded.
func (t *Timer) Healthy() bool {
	return t.running.Load() && t.failures.Load() < maxFailureStreak
}

// LastRun returns when the last run completed, or the zero time.
func (t *Timer) LastRun() time.Time {
	ns := t.lastRun.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Start runs the loop until ctx is done or Stop is called. Call in a
// goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	select {
	case <-t.stop:
		return
	default:
	}
	t.runOnce(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.runOnce(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once, before or after Start.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.failures.Add(1)
			t.logger.Error("panic in reconciliation run", "panic", fmt.Sprint(r))
		}
	}()

	_, err := t.runner.RunAll(ctx)
	t.lastRun.Store(time.Now().UnixNano())
	if err != nil {
		n := t.failures.Add(1)
		t.logger.Warn("reconciliation run failed", "error", err, "consecutive_failures", n)
		return
	}
	t.failures.Store(0)
}
