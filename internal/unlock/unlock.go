// Package unlock gates seller contact details behind the pricing model.
//
// A buyer obtains an unlock for an item either from their wallet (a free
// credit or tokens, granted synchronously) or by paying through the external
// gateway (an order is created, the buyer pays on the gateway's checkout, and
// the callback is verified before the grant). Grants, wallet counters and item
// analytics change together inside one store transaction, so a completed
// order always has its record and a consumed credit always has its grant.
package unlock

import (
	"context"
	"errors"
	"time"

	"github.com/campusbazaar/unlockd/internal/pagination"
	"github.com/campusbazaar/unlockd/internal/pricing"
)

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrItemNotFound        = errors.New("item not found")
	ErrOrderNotFound       = errors.New("order not found")
	ErrNotUnlocked         = errors.New("item not unlocked")
	ErrCannotUnlockOwnItem = errors.New("cannot unlock your own item")
	ErrUnauthorized        = errors.New("order belongs to another user")
	ErrAlreadyUnlocked     = errors.New("already unlocked at this tier or higher")
	ErrAlreadyProcessed    = errors.New("order already processed")
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
	ErrReservationNotFound = errors.New("credit reservation not found or already resolved")
	ErrTamperedPayment     = errors.New("payment signature verification failed")
	ErrAmountMismatch      = errors.New("order amount does not match the price table")
	ErrPaymentNotCaptured  = errors.New("payment not captured")
	ErrPaymentFailed       = errors.New("payment failed")
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
	ErrGrantFailed         = errors.New("payment captured but unlock could not be recorded")
)

// OrderStatus is the lifecycle of a payment order. pending moves to
// completed or failed exactly once.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
	OrderFailed    OrderStatus = "failed"
)

// ReservationStatus is the lifecycle of a wallet reservation.
type ReservationStatus string

const (
	ReservationReserved ReservationStatus = "reserved"
	ReservationConsumed ReservationStatus = "consumed"
	ReservationReleased ReservationStatus = "released"
)

// SellerInfo is the contact block revealed by an unlock.
type SellerInfo struct {
	Name   string `json:"name"`
	Hostel string `json:"hostel,omitempty"`
	Phone  string `json:"phone,omitempty"`
	Email  string `json:"email,omitempty"`
}

// Item is the slice of a listing this engine reads and the analytics it owns.
type Item struct {
	ID           string     `json:"id"`
	SellerID     string     `json:"sellerId"`
	Title        string     `json:"title,omitempty"`
	Seller       SellerInfo `json:"seller"`
	UnlockCount  int        `json:"unlockCount"`
	TotalRevenue int64      `json:"totalRevenue"`
}

// Wallet is a user's balance and lifetime counters.
type Wallet struct {
	UserID       string          `json:"userId"`
	Credits      pricing.Credits `json:"credits"`
	TotalUnlocks int             `json:"totalUnlocks"`
	TotalSpent   int64           `json:"totalSpent"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Credit is a wallet reservation: the balance has already been decremented
// and the reservation is either consumed by a grant or released.
type Credit struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Amount    pricing.Credits   `json:"amount"`
	Status    ReservationStatus `json:"status"`
	RecordID  string            `json:"recordId,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Record is an unlock grant. Records are deactivated on upgrade, never deleted.
type Record struct {
	ID            string       `json:"id"`
	UserID        string       `json:"userId"`
	ItemID        string       `json:"itemId"`
	SellerID      string       `json:"sellerId"`
	Tier          pricing.Tier `json:"tier"`
	Amount        int64        `json:"amount"`
	Currency      string       `json:"currency,omitempty"`
	IsFreeCredit  bool         `json:"isFreeCredit"`
	PaymentRef    string       `json:"paymentRef,omitempty"`
	MessageCount  int          `json:"messageCount"`
	MessageLimit  int          `json:"messageLimit"` // 0 = unlimited
	Active        bool         `json:"active"`
	CreatedAt     time.Time    `json:"createdAt"`
	DeactivatedAt *time.Time   `json:"deactivatedAt,omitempty"`
}

// Order is a pending payment intent bound to a server-computed amount.
type Order struct {
	ID               string       `json:"id"`
	GatewayOrderID   string       `json:"gatewayOrderId"`
	UserID           string       `json:"userId"`
	ItemID           string       `json:"itemId"`
	Tier             pricing.Tier `json:"tier"`
	IsUpgrade        bool         `json:"isUpgrade"`
	Amount           int64        `json:"amount"`
	Currency         string       `json:"currency"`
	Status           OrderStatus  `json:"status"`
	GatewayPaymentID string       `json:"gatewayPaymentId,omitempty"`
	Signature        string       `json:"-"`
	ClaimID          string       `json:"-"`
	ClaimExpiresAt   time.Time    `json:"-"`
	CreatedAt        time.Time    `json:"createdAt"`
	CompletedAt      *time.Time   `json:"completedAt,omitempty"`
	// ReviewRequiredAt is set once a captured payment could not be granted.
	// Scheduled reconciliation leaves such orders to an operator.
	ReviewRequiredAt *time.Time `json:"reviewRequiredAt,omitempty"`
	ReviewReason     string     `json:"reviewReason,omitempty"`
}

// UnlockStatus answers "what does this user hold on this item".
type UnlockStatus struct {
	Unlocked     bool         `json:"unlocked"`
	Tier         pricing.Tier `json:"tier,omitempty"`
	MessageCount int          `json:"messagesUsed"`
	MessageLimit int          `json:"messageLimit"`
}

// QuotaResult is the outcome of a message quota check or increment.
// Denial is a result, not an error.
type QuotaResult struct {
	Allowed      bool `json:"allowed"`
	Remaining    int  `json:"remaining"`
	Unlimited    bool `json:"unlimited"`
	NeedsUpgrade bool `json:"needsUpgrade"`
}

// GrantRequest describes one grant. Exactly one of CreditID (wallet path) or
// OrderID (paid path) is set; the store consumes the reservation or completes
// the order in the same transaction that writes the record.
type GrantRequest struct {
	UserID       string
	ItemID       string
	Tier         pricing.Tier
	Amount       int64
	Currency     string
	IsFreeCredit bool
	MessageLimit int

	CreditID string

	OrderID          string
	ClaimID          string
	GatewayPaymentID string
	Signature        string
}

// RefundRequest credits a fraction of a unit back for an unlocked item.
type RefundRequest struct {
	UserID    string
	ItemID    string
	Amount    pricing.Credits
	Reference string
}

// RefundOutcome reports what a refund did.
type RefundOutcome string

const (
	RefundCredited  RefundOutcome = "credited"
	RefundDuplicate RefundOutcome = "duplicate"
	RefundNoUnlock  RefundOutcome = "no_unlock"
)

// Store persists wallets, records and orders. Every method that changes more
// than one row is atomic.
type Store interface {
	GetItem(ctx context.Context, itemID string) (*Item, error)
	// UpsertItem stores the listing service's snapshot of an item. Unlock
	// counters are never overwritten.
	UpsertItem(ctx context.Context, item *Item) error

	// GetWallet returns the user's wallet, creating it with the signup
	// credits on first touch.
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	// ReserveCredits decrements the balance by amount only if the balance
	// covers it, in a single conditional update.
	ReserveCredits(ctx context.Context, userID string, amount pricing.Credits) (*Credit, error)
	// ReleaseCredits returns a still-reserved reservation to the balance.
	// It reports false when the reservation was already resolved.
	ReleaseCredits(ctx context.Context, creditID string) (bool, error)
	// StaleReservations lists reservations still reserved at before.
	StaleReservations(ctx context.Context, before time.Time, limit int) ([]*Credit, error)
	// RefundCredits credits the wallet once per (user, reference) while the
	// user holds an active record on the item.
	RefundCredits(ctx context.Context, req RefundRequest) (RefundOutcome, error)

	Grant(ctx context.Context, req GrantRequest) (*Record, error)
	// ActiveRecord returns the pair's active record or ErrNotUnlocked.
	ActiveRecord(ctx context.Context, userID, itemID string) (*Record, error)
	// IncrementMessage bumps the active record's count if the quota allows.
	IncrementMessage(ctx context.Context, userID, itemID string) (*QuotaResult, error)
	// History lists a user's records newest first, after the cursor.
	History(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Record, error)

	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	// ClaimOrder leases a pending, unclaimed order to claimID until until.
	ClaimOrder(ctx context.Context, orderID, claimID string, until time.Time) error
	ReleaseClaim(ctx context.Context, orderID, claimID string) error
	// RecordPaymentProof stores the verified payment id on a claimed order.
	RecordPaymentProof(ctx context.Context, orderID, claimID, paymentID, signature string) error
	// FailOrder moves a claimed pending order to failed.
	FailOrder(ctx context.Context, orderID, claimID, paymentID string) error
	// FlagForReview marks a claimed pending order as needing an operator.
	// The first reason is kept.
	FlagForReview(ctx context.Context, orderID, claimID, reason string) error
	// ReconcilableOrders lists pending orders with a recorded payment id,
	// created before before and not currently claimed.
	ReconcilableOrders(ctx context.Context, before time.Time, limit int) ([]*Order, error)
}
