package unlock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/campusbazaar/unlockd/internal/idgen"
	"github.com/campusbazaar/unlockd/internal/pagination"
	"github.com/campusbazaar/unlockd/internal/pricing"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory store for development mode and tests. One
// mutex guards every composite operation, which gives it the same
// all-or-nothing behaviour as the Postgres transactions.
type MemoryStore struct {
	signupCredits pricing.Credits

	items        map[string]*Item
	wallets      map[string]*Wallet
	reservations map[string]*Credit
	records      map[string]*Record
	byPair       map[string][]string // user|item → record IDs
	orders       map[string]*Order
	refunded     map[string]bool // refundKey → refund issued
	mu           sync.Mutex
}

// NewMemoryStore creates an in-memory store. New wallets start with
// signupCredits.
func NewMemoryStore(signupCredits pricing.Credits) *MemoryStore {
	return &MemoryStore{
		signupCredits: signupCredits,
		items:         make(map[string]*Item),
		wallets:       make(map[string]*Wallet),
		reservations:  make(map[string]*Credit),
		records:       make(map[string]*Record),
		byPair:        make(map[string][]string),
		orders:        make(map[string]*Order),
		refunded:      make(map[string]bool),
	}
}

func pairKey(userID, itemID string) string {
	return userID + "|" + itemID
}

func (m *MemoryStore) UpsertItem(_ context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *item
	if prev, ok := m.items[item.ID]; ok {
		cp.UnlockCount = prev.UnlockCount
		cp.TotalRevenue = prev.TotalRevenue
	}
	m.items[item.ID] = &cp
	return nil
}

func (m *MemoryStore) GetItem(_ context.Context, itemID string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[itemID]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := *item
	return &cp, nil
}

// wallet returns the live wallet, creating it. Caller holds m.mu.
func (m *MemoryStore) wallet(userID string) *Wallet {
	w, ok := m.wallets[userID]
	if !ok {
		w = &Wallet{UserID: userID, Credits: m.signupCredits, UpdatedAt: time.Now()}
		m.wallets[userID] = w
	}
	return w
}

func (m *MemoryStore) GetWallet(_ context.Context, userID string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *m.wallet(userID)
	return &cp, nil
}

func (m *MemoryStore) ReserveCredits(_ context.Context, userID string, amount pricing.Credits) (*Credit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.wallet(userID)
	if amount <= 0 || w.Credits < amount {
		return nil, ErrInsufficientBalance
	}
	w.Credits -= amount
	w.UpdatedAt = time.Now()

	c := &Credit{
		ID:        idgen.WithPrefix(idgen.PrefixReservation),
		UserID:    userID,
		Amount:    amount,
		Status:    ReservationReserved,
		CreatedAt: time.Now(),
	}
	m.reservations[c.ID] = c
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ReleaseCredits(_ context.Context, creditID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.reservations[creditID]
	if !ok || c.Status != ReservationReserved {
		return false, nil
	}
	c.Status = ReservationReleased
	w := m.wallet(c.UserID)
	w.Credits += c.Amount
	w.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) StaleReservations(_ context.Context, before time.Time, limit int) ([]*Credit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Credit
	for _, c := range m.reservations {
		if c.Status == ReservationReserved && c.CreatedAt.Before(before) {
			cp := *c
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// active returns the pair's active record. Caller holds m.mu.
func (m *MemoryStore) active(userID, itemID string) *Record {
	for _, id := range m.byPair[pairKey(userID, itemID)] {
		if r := m.records[id]; r.Active {
			return r
		}
	}
	return nil
}

func refundKey(userID, reference string) string {
	return userID + "\x00" + reference
}

func (m *MemoryStore) RefundCredits(_ context.Context, req RefundRequest) (RefundOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.active(req.UserID, req.ItemID)
	if rec == nil {
		return RefundNoUnlock, nil
	}
	key := refundKey(req.UserID, req.Reference)
	if m.refunded[key] {
		return RefundDuplicate, nil
	}
	m.refunded[key] = true
	w := m.wallet(req.UserID)
	w.Credits += req.Amount
	w.UpdatedAt = time.Now()
	return RefundCredited, nil
}

func (m *MemoryStore) Grant(_ context.Context, req GrantRequest) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[req.ItemID]
	if !ok {
		return nil, ErrItemNotFound
	}
	prev := m.active(req.UserID, req.ItemID)
	if prev != nil && prev.Tier.AtLeast(req.Tier) {
		return nil, ErrAlreadyUnlocked
	}

	var credit *Credit
	if req.CreditID != "" {
		credit = m.reservations[req.CreditID]
		if credit == nil || credit.Status != ReservationReserved || credit.UserID != req.UserID {
			return nil, ErrReservationNotFound
		}
	}
	var order *Order
	if req.OrderID != "" {
		order = m.orders[req.OrderID]
		if order == nil || order.Status != OrderPending || order.ClaimID != req.ClaimID {
			return nil, ErrAlreadyProcessed
		}
	}

	// Every check has passed; apply all mutations.
	now := time.Now()
	rec := &Record{
		ID:           idgen.WithPrefix(idgen.PrefixRecord),
		UserID:       req.UserID,
		ItemID:       req.ItemID,
		SellerID:     item.SellerID,
		Tier:         req.Tier,
		Amount:       req.Amount,
		Currency:     req.Currency,
		IsFreeCredit: req.IsFreeCredit,
		PaymentRef:   req.GatewayPaymentID,
		MessageLimit: req.MessageLimit,
		Active:       true,
		CreatedAt:    now,
	}
	if prev != nil {
		prev.Active = false
		prev.DeactivatedAt = &now
		rec.MessageCount = prev.MessageCount
	}
	if credit != nil {
		credit.Status = ReservationConsumed
		credit.RecordID = rec.ID
	}
	if order != nil {
		order.Status = OrderCompleted
		order.GatewayPaymentID = req.GatewayPaymentID
		order.Signature = req.Signature
		order.ClaimID = ""
		order.ClaimExpiresAt = time.Time{}
		order.CompletedAt = &now
	}

	m.records[rec.ID] = rec
	key := pairKey(req.UserID, req.ItemID)
	m.byPair[key] = append(m.byPair[key], rec.ID)

	w := m.wallet(req.UserID)
	w.TotalUnlocks++
	w.TotalSpent += req.Amount
	w.UpdatedAt = now

	item.UnlockCount++
	item.TotalRevenue += req.Amount

	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ActiveRecord(_ context.Context, userID, itemID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.active(userID, itemID)
	if rec == nil {
		return nil, ErrNotUnlocked
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) IncrementMessage(_ context.Context, userID, itemID string) (*QuotaResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.active(userID, itemID)
	if rec == nil {
		return nil, ErrNotUnlocked
	}
	if rec.MessageLimit > 0 && rec.MessageCount >= rec.MessageLimit {
		return quotaFor(rec.MessageCount, rec.MessageLimit, false), nil
	}
	rec.MessageCount++
	return quotaFor(rec.MessageCount, rec.MessageLimit, true), nil
}

func (m *MemoryStore) History(_ context.Context, userID string, after *pagination.Cursor, limit int) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Record
	for _, r := range m.records {
		if r.UserID != userID || !after.Before(r.CreatedAt, r.ID) {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CreateOrder(_ context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, orderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ClaimOrder(_ context.Context, orderID, claimID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status != OrderPending || (o.ClaimID != "" && o.ClaimExpiresAt.After(time.Now())) {
		return ErrAlreadyProcessed
	}
	o.ClaimID = claimID
	o.ClaimExpiresAt = until
	return nil
}

func (m *MemoryStore) ReleaseClaim(_ context.Context, orderID, claimID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o, ok := m.orders[orderID]; ok && o.ClaimID == claimID {
		o.ClaimID = ""
		o.ClaimExpiresAt = time.Time{}
	}
	return nil
}

func (m *MemoryStore) RecordPaymentProof(_ context.Context, orderID, claimID, paymentID, signature string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok || o.Status != OrderPending || o.ClaimID != claimID {
		return ErrAlreadyProcessed
	}
	o.GatewayPaymentID = paymentID
	o.Signature = signature
	return nil
}

func (m *MemoryStore) FailOrder(_ context.Context, orderID, claimID, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok || o.Status != OrderPending || o.ClaimID != claimID {
		return ErrAlreadyProcessed
	}
	now := time.Now()
	o.Status = OrderFailed
	o.GatewayPaymentID = paymentID
	o.ClaimID = ""
	o.ClaimExpiresAt = time.Time{}
	o.CompletedAt = &now
	return nil
}

func (m *MemoryStore) FlagForReview(_ context.Context, orderID, claimID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok || o.Status != OrderPending || o.ClaimID != claimID {
		return ErrAlreadyProcessed
	}
	if o.ReviewRequiredAt == nil {
		now := time.Now()
		o.ReviewRequiredAt = &now
		o.ReviewReason = reason
	}
	return nil
}

func (m *MemoryStore) ReconcilableOrders(_ context.Context, before time.Time, limit int) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var result []*Order
	for _, o := range m.orders {
		if o.Status != OrderPending || o.GatewayPaymentID == "" || !o.CreatedAt.Before(before) {
			continue
		}
		if o.ClaimID != "" && o.ClaimExpiresAt.After(now) {
			continue
		}
		cp := *o
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// quotaFor builds a QuotaResult from a record's count after the operation.
func quotaFor(count, limit int, allowed bool) *QuotaResult {
	if limit == 0 {
		return &QuotaResult{Allowed: true, Unlimited: true, Remaining: -1}
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return &QuotaResult{
		Allowed:      allowed,
		Remaining:    remaining,
		NeedsUpgrade: !allowed || remaining == 0,
	}
}
