package unlock

import (
	"context"

	"github.com/campusbazaar/unlockd/internal/metrics"
	"github.com/campusbazaar/unlockd/internal/notify"
	"github.com/campusbazaar/unlockd/internal/pricing"
)

// QuotaEnforcer is consulted by the chat service before each buyer message
// on an unlocked item.
type QuotaEnforcer struct {
	store    Store
	ledger   *Ledger
	strategy pricing.Strategy
	notifier Notifier
}

// NewQuotaEnforcer creates a quota enforcer.
func NewQuotaEnforcer(store Store, ledger *Ledger, strategy pricing.Strategy, notifier Notifier) *QuotaEnforcer {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &QuotaEnforcer{store: store, ledger: ledger, strategy: strategy, notifier: notifier}
}

// CanSend reports whether one more message is allowed without counting it.
// ErrNotUnlocked when the user holds no unlock on the item.
func (q *QuotaEnforcer) CanSend(ctx context.Context, userID, itemID string) (*QuotaResult, error) {
	rec, err := q.store.ActiveRecord(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	allowed := rec.MessageLimit == 0 || rec.MessageCount < rec.MessageLimit
	res := q.upgradeHint(rec.Tier, quotaFor(rec.MessageCount, rec.MessageLimit, allowed))
	metrics.QuotaDecisionsTotal.WithLabelValues(decision("check", res.Allowed)).Inc()
	return res, nil
}

// RecordSend counts a message. A spent capped quota denies with NeedsUpgrade;
// uncapped tiers never deny.
func (q *QuotaEnforcer) RecordSend(ctx context.Context, userID, itemID string) (*QuotaResult, error) {
	res, err := q.ledger.IncrementMessage(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	metrics.QuotaDecisionsTotal.WithLabelValues(decision("consume", res.Allowed)).Inc()

	st, err := q.ledger.IsUnlocked(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	res = q.upgradeHint(st.Tier, res)

	// The count reaches the limit exactly once per record.
	if res.Allowed && !res.Unlimited && res.Remaining == 0 {
		ev := notify.NewEvent(notify.EventQuotaExhausted, userID, itemID)
		ev.Tier = string(st.Tier)
		q.notifier.Notify(ev)
	}
	return res, nil
}

// upgradeHint clears NeedsUpgrade when nothing higher can be bought.
func (q *QuotaEnforcer) upgradeHint(tier pricing.Tier, res *QuotaResult) *QuotaResult {
	if res.NeedsUpgrade && !q.strategy.Offer(pricing.State{ActiveTier: tier}).Available() {
		res.NeedsUpgrade = false
	}
	return res
}

func decision(op string, allowed bool) string {
	if allowed {
		return op + "_allowed"
	}
	return op + "_denied"
}
