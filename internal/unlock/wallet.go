package unlock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/campusbazaar/unlockd/internal/metrics"
	"github.com/campusbazaar/unlockd/internal/notify"
	"github.com/campusbazaar/unlockd/internal/pricing"
)

// Notifier receives lifecycle events. Implementations must not block.
type Notifier interface {
	Notify(ev notify.Event)
}

type nopNotifier struct{}

func (nopNotifier) Notify(notify.Event) {}

// CreditWallet is the per-user balance of free credits or tokens.
type CreditWallet struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
}

// NewCreditWallet creates a wallet over store.
func NewCreditWallet(store Store, notifier Notifier, logger *slog.Logger) *CreditWallet {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &CreditWallet{store: store, notifier: notifier, logger: logger}
}

// Consume reserves cost from the balance. The returned Credit must be passed
// to a grant or released. With a balance of one unit, only one of any number
// of concurrent calls succeeds.
func (w *CreditWallet) Consume(ctx context.Context, userID string, cost pricing.Credits) (*Credit, error) {
	c, err := w.store.ReserveCredits(ctx, userID, cost)
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		metrics.CreditsConsumedTotal.WithLabelValues("insufficient").Inc()
		return nil, err
	case err != nil:
		metrics.CreditsConsumedTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.CreditsConsumedTotal.WithLabelValues("reserved").Inc()
	return c, nil
}

// Release returns an unconsumed reservation to the balance.
func (w *CreditWallet) Release(ctx context.Context, c *Credit) error {
	released, err := w.store.ReleaseCredits(ctx, c.ID)
	if err != nil {
		return err
	}
	if released {
		metrics.CreditsConsumedTotal.WithLabelValues("released").Inc()
	}
	return nil
}

// Refund credits amount back to the user if they hold an active unlock on
// the item. No unlock, or a refund already issued for that grant, is a no-op.
func (w *CreditWallet) Refund(ctx context.Context, userID, itemID string, amount pricing.Credits, reference string) (RefundOutcome, error) {
	if amount <= 0 || reference == "" {
		return "", ErrInvalidRequest
	}
	outcome, err := w.store.RefundCredits(ctx, RefundRequest{
		UserID:    userID,
		ItemID:    itemID,
		Amount:    amount,
		Reference: reference,
	})
	if err != nil {
		metrics.RefundsTotal.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.RefundsTotal.WithLabelValues(string(outcome)).Inc()

	if outcome == RefundCredited {
		ev := notify.NewEvent(notify.EventWalletRefunded, userID, itemID)
		ev.Credits = amount
		w.notifier.Notify(ev)
	}
	return outcome, nil
}

// Balance returns the wallet, creating it on first touch.
func (w *CreditWallet) Balance(ctx context.Context, userID string) (*Wallet, error) {
	return w.store.GetWallet(ctx, userID)
}

// SweepReservations releases reservations left reserved for longer than ttl,
// which only happens when a process died between reserve and grant.
func (w *CreditWallet) SweepReservations(ctx context.Context, ttl time.Duration, limit int) (int, error) {
	stale, err := w.store.StaleReservations(ctx, time.Now().Add(-ttl), limit)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, c := range stale {
		ok, err := w.store.ReleaseCredits(ctx, c.ID)
		if err != nil {
			w.logger.Warn("release stale reservation failed", "reservation_id", c.ID, "error", err)
			continue
		}
		if ok {
			released++
		}
	}
	return released, nil
}
