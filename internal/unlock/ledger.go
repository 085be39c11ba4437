package unlock

import (
	"context"
	"errors"
	"time"

	"github.com/campusbazaar/unlockd/internal/metrics"
	"github.com/campusbazaar/unlockd/internal/pagination"
	"github.com/campusbazaar/unlockd/internal/pricing"
)

// Grant sources, used as the metrics path label.
const (
	SourceCredit    = "credit"
	SourcePayment   = "payment"
	SourceReconcile = "reconcile"
)

// Ledger is the authoritative record of unlock grants.
type Ledger struct {
	store Store
}

// NewLedger creates a ledger over store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// Grant records an unlock. It fails with ErrAlreadyUnlocked when the pair
// already holds the tier or a higher one; a premium grant deactivates the
// basic record in the same transaction.
func (l *Ledger) Grant(ctx context.Context, req GrantRequest, source string) (*Record, error) {
	if req.UserID == "" || req.ItemID == "" || !req.Tier.Valid() {
		return nil, ErrInvalidRequest
	}
	if (req.CreditID == "") == (req.OrderID == "") {
		return nil, ErrInvalidRequest
	}
	rec, err := l.store.Grant(ctx, req)
	if err != nil {
		return nil, err
	}
	metrics.UnlocksGrantedTotal.WithLabelValues(string(rec.Tier), source).Inc()
	return rec, nil
}

// IsUnlocked reports the pair's highest active tier and its quota usage.
func (l *Ledger) IsUnlocked(ctx context.Context, userID, itemID string) (*UnlockStatus, error) {
	rec, err := l.store.ActiveRecord(ctx, userID, itemID)
	if errors.Is(err, ErrNotUnlocked) {
		return &UnlockStatus{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &UnlockStatus{
		Unlocked:     true,
		Tier:         rec.Tier,
		MessageCount: rec.MessageCount,
		MessageLimit: rec.MessageLimit,
	}, nil
}

// HasTier reports whether the pair holds tier or a higher one.
func (l *Ledger) HasTier(ctx context.Context, userID, itemID string, tier pricing.Tier) (bool, error) {
	st, err := l.IsUnlocked(ctx, userID, itemID)
	if err != nil {
		return false, err
	}
	return st.Tier.AtLeast(tier), nil
}

// IncrementMessage counts one message against the pair's quota. Once a
// capped record is spent the result is a denial, not an error.
func (l *Ledger) IncrementMessage(ctx context.Context, userID, itemID string) (*QuotaResult, error) {
	return l.store.IncrementMessage(ctx, userID, itemID)
}

// HistoryPage is one page of a user's grants, newest first.
type HistoryPage struct {
	Records    []*Record `json:"records"`
	NextCursor string    `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}

// History lists the user's grants, active and deactivated.
func (l *Ledger) History(ctx context.Context, userID, cursor string, limit int) (*HistoryPage, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, ErrInvalidRequest
	}
	if limit <= 0 || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}
	recs, err := l.store.History(ctx, userID, after, limit+1)
	if err != nil {
		return nil, err
	}
	page, next := pagination.Trim(recs, limit, func(r *Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	return &HistoryPage{Records: page, NextCursor: next, HasMore: next != ""}, nil
}
