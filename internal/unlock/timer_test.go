package unlock

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusbazaar/unlockd/internal/pricing"
)

func TestTimer_SweepReleasesStaleReservations(t *testing.T) {
	store := NewMemoryStore(3 * pricing.CreditUnit)
	wallet := NewCreditWallet(store, nil, slog.Default())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := wallet.Consume(ctx, "buyer_1", pricing.CreditUnit)
		require.NoError(t, err)
	}

	timer := NewTimer(wallet, time.Millisecond, slog.Default())
	time.Sleep(5 * time.Millisecond)
	timer.sweep(ctx)

	w, err := store.GetWallet(ctx, "buyer_1")
	require.NoError(t, err)
	assert.Equal(t, 3*pricing.CreditUnit, w.Credits)

	stale, err := store.StaleReservations(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestTimer_FreshReservationsSurvive(t *testing.T) {
	store := NewMemoryStore(pricing.CreditUnit)
	wallet := NewCreditWallet(store, nil, slog.Default())
	ctx := context.Background()

	_, err := wallet.Consume(ctx, "buyer_1", pricing.CreditUnit)
	require.NoError(t, err)

	NewTimer(wallet, time.Hour, slog.Default()).sweep(ctx)

	w, err := store.GetWallet(ctx, "buyer_1")
	require.NoError(t, err)
	assert.Equal(t, pricing.Credits(0), w.Credits)
}

func TestTimer_StopBeforeStart(t *testing.T) {
	timer := NewTimer(NewCreditWallet(NewMemoryStore(0), nil, slog.Default()), time.Minute, slog.Default())
	timer.Stop()
	timer.Stop()

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
