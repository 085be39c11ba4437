package unlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/campusbazaar/unlockd/internal/gateway"
	"github.com/campusbazaar/unlockd/internal/logging"
	"github.com/campusbazaar/unlockd/internal/notify"
	"github.com/campusbazaar/unlockd/internal/pricing"
	"github.com/campusbazaar/unlockd/internal/traces"
)

// Config wires an Engine.
type Config struct {
	Strategy       pricing.Strategy
	Gateway        gateway.Client
	Signer         *gateway.Signer
	CheckoutKey    string
	GatewayTimeout time.Duration
	ClaimTTL       time.Duration
	RefundCredits  pricing.Credits
	Audit          AuditLogger
	Notifier       Notifier
	Logger         *slog.Logger
}

// Engine is the unlock service: one implementation for every pricing
// strategy.
type Engine struct {
	store         Store
	strategy      pricing.Strategy
	wallet        *CreditWallet
	ledger        *Ledger
	orders        *OrderGateway
	verifier      *Verifier
	quota         *QuotaEnforcer
	audit         AuditLogger
	notifier      Notifier
	refundCredits pricing.Credits
	logger        *slog.Logger
}

// NewEngine builds the engine and its components over store.
func NewEngine(store Store, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	ledger := NewLedger(store)
	return &Engine{
		store:         store,
		strategy:      cfg.Strategy,
		wallet:        NewCreditWallet(store, cfg.Notifier, cfg.Logger),
		ledger:        ledger,
		orders:        NewOrderGateway(store, cfg.Strategy, cfg.Gateway, cfg.Audit, cfg.GatewayTimeout, cfg.CheckoutKey),
		verifier:      NewVerifier(store, ledger, cfg.Strategy, cfg.Gateway, cfg.Signer, cfg.Audit, cfg.Notifier, cfg.ClaimTTL, cfg.GatewayTimeout),
		quota:         NewQuotaEnforcer(store, ledger, cfg.Strategy, cfg.Notifier),
		audit:         cfg.Audit,
		notifier:      cfg.Notifier,
		refundCredits: cfg.RefundCredits,
		logger:        cfg.Logger,
	}
}

// Wallet exposes the credit wallet (used by the reservation sweeper).
func (e *Engine) Wallet() *CreditWallet { return e.wallet }

// Ledger exposes the unlock ledger.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Verifier exposes the payment verifier (used by reconciliation).
func (e *Engine) Verifier() *Verifier { return e.verifier }

// Strategy returns the pricing strategy in use.
func (e *Engine) Strategy() pricing.Strategy { return e.strategy }

// StatusView is the buyer's view of one item.
type StatusView struct {
	Unlocked     bool            `json:"unlocked"`
	Tier         pricing.Tier    `json:"tier,omitempty"`
	MessagesUsed int             `json:"messagesUsed"`
	MessageLimit int             `json:"messageLimit"`
	FreeCredits  pricing.Credits `json:"freeCredits"`
	IsOwner      bool            `json:"isOwner"`
	Offer        *pricing.Offer  `json:"offer,omitempty"`
	SellerInfo   *SellerInfo     `json:"sellerInfo,omitempty"`
}

// Status reports what the user holds on the item and what they can buy next.
func (e *Engine) Status(ctx context.Context, userID, itemID string) (*StatusView, error) {
	var (
		item   *Item
		wallet *Wallet
		st     *UnlockStatus
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		item, err = e.store.GetItem(gctx, itemID)
		return err
	})
	g.Go(func() (err error) {
		wallet, err = e.wallet.Balance(gctx, userID)
		return err
	})
	g.Go(func() (err error) {
		st, err = e.ledger.IsUnlocked(gctx, userID, itemID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	view := &StatusView{
		Unlocked:     st.Unlocked,
		Tier:         st.Tier,
		MessagesUsed: st.MessageCount,
		MessageLimit: st.MessageLimit,
		FreeCredits:  wallet.Credits,
		IsOwner:      item.SellerID == userID,
	}
	if view.IsOwner {
		return view, nil
	}
	if st.Unlocked {
		seller := item.Seller
		view.SellerInfo = &seller
	}
	if offer := e.strategy.Offer(pricing.State{ActiveTier: st.Tier, Credits: wallet.Credits}); offer.Available() {
		view.Offer = &offer
	}
	return view, nil
}

// UnlockRequest is the body of POST /v1/unlock/:itemId.
type UnlockRequest struct {
	// UseFreeCredit nil means "use the wallet when the offer allows it".
	UseFreeCredit *bool        `json:"useFreeCredit"`
	Tier          pricing.Tier `json:"tier"`
}

// UnlockResult is either a grant or an order to pay.
type UnlockResult struct {
	Granted         bool          `json:"granted"`
	RequiresPayment bool          `json:"requiresPayment"`
	Record          *Record       `json:"record,omitempty"`
	SellerInfo      *SellerInfo   `json:"sellerInfo,omitempty"`
	Order           *CreatedOrder `json:"order,omitempty"`
}

// Unlock takes the wallet path when the offer and the request allow it and
// otherwise opens a payment order.
func (e *Engine) Unlock(ctx context.Context, userID, itemID string, req UnlockRequest) (res *UnlockResult, err error) {
	ctx, span := traces.StartSpan(ctx, "unlock.Unlock", traces.UserID(userID), traces.ItemID(itemID))
	defer func() { traces.End(span, err) }()

	if req.Tier != pricing.TierNone && !req.Tier.Valid() {
		return nil, pricing.ErrUnknownTier
	}

	item, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.SellerID == userID {
		audit(ctx, e.audit, &AuditEntry{UserID: userID, Operation: AuditOwnItem, ItemID: itemID})
		return nil, ErrCannotUnlockOwnItem
	}

	st, err := e.ledger.IsUnlocked(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	if req.Tier != pricing.TierNone && st.Tier.AtLeast(req.Tier) {
		return nil, ErrAlreadyUnlocked
	}
	wallet, err := e.wallet.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	offer := e.strategy.Offer(pricing.State{ActiveTier: st.Tier, Credits: wallet.Credits})
	if !offer.Available() {
		return nil, ErrAlreadyUnlocked
	}

	wantCredit := req.UseFreeCredit == nil || *req.UseFreeCredit
	tierMatches := req.Tier == pricing.TierNone || req.Tier == offer.Tier
	if offer.UseCredit && wantCredit && tierMatches {
		rec, err := e.grantFromWallet(ctx, userID, item, offer)
		if err != nil {
			return nil, err
		}
		seller := item.Seller
		return &UnlockResult{Granted: true, Record: rec, SellerInfo: &seller}, nil
	}
	if req.UseFreeCredit != nil && *req.UseFreeCredit {
		return nil, ErrInsufficientBalance
	}

	order, err := e.orders.CreateOrder(ctx, userID, itemID, req.Tier)
	if err != nil {
		return nil, err
	}
	return &UnlockResult{RequiresPayment: true, Order: order}, nil
}

// grantFromWallet reserves the credit cost and grants; the reservation is
// released if the grant does not happen.
func (e *Engine) grantFromWallet(ctx context.Context, userID string, item *Item, offer pricing.Offer) (*Record, error) {
	credit, err := e.wallet.Consume(ctx, userID, offer.CreditCost)
	if err != nil {
		return nil, err
	}
	rec, err := e.ledger.Grant(ctx, GrantRequest{
		UserID:       userID,
		ItemID:       item.ID,
		Tier:         offer.Tier,
		Currency:     offer.Currency,
		IsFreeCredit: true,
		MessageLimit: offer.MessageLimit,
		CreditID:     credit.ID,
	}, SourceCredit)
	if err != nil {
		if rerr := e.wallet.Release(context.WithoutCancel(ctx), credit); rerr != nil {
			e.logger.Error("release credit after failed grant", "reservation_id", credit.ID, "error", rerr)
		}
		return nil, err
	}

	ev := notify.NewEvent(notify.EventUnlockGranted, userID, item.ID)
	ev.SellerID = item.SellerID
	ev.Tier = string(rec.Tier)
	ev.Credits = offer.CreditCost
	ev.Path = SourceCredit
	e.notifier.Notify(ev)
	return rec, nil
}

// Verify checks a payment callback and returns the grant with the seller's
// contact details.
func (e *Engine) Verify(ctx context.Context, userID string, req VerifyRequest) (*UnlockResult, error) {
	rec, err := e.verifier.Verify(ctx, req, userID)
	if err != nil {
		return nil, err
	}
	return e.granted(ctx, rec)
}

// Reconcile completes a stuck order from the gateway's records.
func (e *Engine) Reconcile(ctx context.Context, orderID string) (*UnlockResult, error) {
	rec, err := e.verifier.Reconcile(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return e.granted(ctx, rec)
}

func (e *Engine) granted(ctx context.Context, rec *Record) (*UnlockResult, error) {
	res := &UnlockResult{Granted: true, Record: rec}
	item, err := e.store.GetItem(ctx, rec.ItemID)
	if err != nil {
		// The grant is committed; the contact block can be fetched via status.
		e.logger.Warn("load item after grant", "item_id", rec.ItemID, "error", err)
		return res, nil
	}
	seller := item.Seller
	res.SellerInfo = &seller
	return res, nil
}

// History lists the user's grants newest first.
func (e *Engine) History(ctx context.Context, userID, cursor string, limit int) (*HistoryPage, error) {
	return e.ledger.History(ctx, userID, cursor, limit)
}

// WalletBalance returns the user's wallet.
func (e *Engine) WalletBalance(ctx context.Context, userID string) (*Wallet, error) {
	return e.wallet.Balance(ctx, userID)
}

// SyncItem stores the listing service's snapshot of an item so unlocks can
// resolve its seller.
func (e *Engine) SyncItem(ctx context.Context, item *Item) error {
	if item == nil || item.ID == "" || item.SellerID == "" {
		return ErrInvalidRequest
	}
	if err := e.store.UpsertItem(ctx, item); err != nil {
		return fmt.Errorf("sync item: %w", err)
	}
	return nil
}

// UnlockState answers the booking service's "does this buyer hold an unlock".
func (e *Engine) UnlockState(ctx context.Context, userID, itemID string) (*UnlockStatus, error) {
	return e.ledger.IsUnlocked(ctx, userID, itemID)
}

// BookingRejected refunds the configured fraction of a credit to the buyer
// of a rejected booking. Replays and buyers without an unlock are no-ops.
func (e *Engine) BookingRejected(ctx context.Context, bookingID, buyerID, itemID string) (RefundOutcome, error) {
	if bookingID == "" || buyerID == "" || itemID == "" {
		return "", ErrInvalidRequest
	}
	outcome, err := e.wallet.Refund(ctx, buyerID, itemID, e.refundCredits, "booking:"+bookingID)
	if err != nil {
		return "", err
	}
	logging.L(ctx).Info("booking rejection processed",
		"booking_id", bookingID, "buyer_id", buyerID, "item_id", itemID, "outcome", outcome)
	return outcome, nil
}

// CanSend and RecordSend serve the chat service.
func (e *Engine) CanSend(ctx context.Context, userID, itemID string) (*QuotaResult, error) {
	return e.quota.CanSend(ctx, userID, itemID)
}

func (e *Engine) RecordSend(ctx context.Context, userID, itemID string) (*QuotaResult, error) {
	return e.quota.RecordSend(ctx, userID, itemID)
}

// IsClientError reports whether err is an expected domain outcome rather
// than an internal failure.
func IsClientError(err error) bool {
	for _, target := range []error{
		ErrInvalidRequest, ErrItemNotFound, ErrOrderNotFound, ErrNotUnlocked,
		ErrCannotUnlockOwnItem, ErrUnauthorized, ErrAlreadyUnlocked, ErrAlreadyProcessed,
		ErrInsufficientBalance, ErrTamperedPayment, ErrAmountMismatch, ErrPaymentNotCaptured,
		ErrPaymentFailed, pricing.ErrUnknownTier, pricing.ErrNoOffer,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
