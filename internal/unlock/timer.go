package unlock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// sweepBatch caps the reservations released per tick.
const sweepBatch = 100

// Timer periodically releases wallet reservations that a crashed process
// left behind between reserve and grant.
type Timer struct {
	wallet   *CreditWallet
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a reservation sweeper. Reservations older than ttl are
// released.
func NewTimer(wallet *CreditWallet, ttl time.Duration, logger *slog.Logger) *Timer {
	interval := ttl / 2
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	return &Timer{
		wallet:   wallet,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reservation sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	total := 0
	for {
		n, err := t.wallet.SweepReservations(ctx, t.ttl, sweepBatch)
		if err != nil {
			t.logger.Warn("failed to sweep reservations", "error", err)
			break
		}
		total += n
		if n < sweepBatch {
			break
		}
	}
	if total > 0 {
		t.logger.Info("stale reservations released", "count", total)
	}
}
