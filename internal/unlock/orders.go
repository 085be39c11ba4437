package unlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/campusbazaar/unlockd/internal/gateway"
	"github.com/campusbazaar/unlockd/internal/idgen"
	"github.com/campusbazaar/unlockd/internal/logging"
	"github.com/campusbazaar/unlockd/internal/metrics"
	"github.com/campusbazaar/unlockd/internal/pricing"
	"github.com/campusbazaar/unlockd/internal/traces"
)

// CreatedOrder is what the client needs to open the gateway checkout.
type CreatedOrder struct {
	OrderID        string       `json:"internalOrderId"`
	GatewayOrderID string       `json:"gatewayOrderId"`
	Amount         int64        `json:"amount"`
	Currency       string       `json:"currency"`
	Tier           pricing.Tier `json:"tier"`
	IsUpgrade      bool         `json:"isUpgrade"`
	CheckoutKey    string       `json:"checkoutKey,omitempty"`
}

// OrderGateway mints gateway orders and persists them as pending.
type OrderGateway struct {
	store       Store
	strategy    pricing.Strategy
	client      gateway.Client
	audit       AuditLogger
	timeout     time.Duration
	checkoutKey string
}

// NewOrderGateway creates an order gateway. timeout bounds each gateway call;
// checkoutKey is the public key id the client passes to the checkout.
func NewOrderGateway(store Store, strategy pricing.Strategy, client gateway.Client, audit AuditLogger, timeout time.Duration, checkoutKey string) *OrderGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OrderGateway{
		store:       store,
		strategy:    strategy,
		client:      client,
		audit:       audit,
		timeout:     timeout,
		checkoutKey: checkoutKey,
	}
}

// CreateOrder prices tier for the user's current state and opens a gateway
// order for exactly that amount. An empty tier means the strategy's next paid
// offer. Every call creates a new pending order.
func (g *OrderGateway) CreateOrder(ctx context.Context, userID, itemID string, tier pricing.Tier) (_ *CreatedOrder, err error) {
	ctx, span := traces.StartSpan(ctx, "unlock.CreateOrder", traces.UserID(userID), traces.ItemID(itemID))
	defer func() { traces.End(span, err) }()

	item, err := g.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.SellerID == userID {
		audit(ctx, g.audit, &AuditEntry{UserID: userID, Operation: AuditOwnItem, ItemID: itemID})
		return nil, ErrCannotUnlockOwnItem
	}

	var active pricing.Tier
	rec, err := g.store.ActiveRecord(ctx, userID, itemID)
	switch {
	case err == nil:
		active = rec.Tier
	case !errors.Is(err, ErrNotUnlocked):
		return nil, err
	}

	// Credits are irrelevant on the paid path.
	state := pricing.State{ActiveTier: active}
	if tier == pricing.TierNone {
		offer := g.strategy.Offer(state)
		if !offer.Available() {
			return nil, ErrAlreadyUnlocked
		}
		tier = offer.Tier
	}
	offer, err := g.strategy.Quote(state, tier)
	if errors.Is(err, pricing.ErrNoOffer) && active.AtLeast(tier) {
		return nil, ErrAlreadyUnlocked
	}
	if err != nil {
		return nil, err
	}

	order := &Order{
		ID:        idgen.WithPrefix(idgen.PrefixOrder),
		UserID:    userID,
		ItemID:    itemID,
		Tier:      offer.Tier,
		IsUpgrade: offer.IsUpgrade,
		Amount:    offer.Price,
		Currency:  offer.Currency,
		Status:    OrderPending,
		CreatedAt: time.Now(),
	}
	span.SetAttributes(traces.OrderID(order.ID), traces.Tier(string(order.Tier)), traces.Amount(order.Amount))

	gctx, cancel := context.WithTimeout(ctx, g.timeout)
	gwOrder, err := g.client.CreateOrder(gctx, gateway.OrderRequest{
		Amount:   order.Amount,
		Currency: order.Currency,
		Receipt:  order.ID,
		Notes: map[string]string{
			"userId": userID,
			"itemId": itemID,
			"tier":   string(order.Tier),
		},
	})
	cancel()
	if err != nil {
		logging.L(ctx).Warn("gateway order creation failed", "order_id", order.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	order.GatewayOrderID = gwOrder.ID

	if err := g.store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	metrics.OrdersCreatedTotal.WithLabelValues(string(order.Tier)).Inc()
	logging.L(ctx).Info("order created",
		"order_id", order.ID, "gateway_order_id", order.GatewayOrderID,
		"item_id", itemID, "tier", order.Tier, "amount", order.Amount)

	return &CreatedOrder{
		OrderID:        order.ID,
		GatewayOrderID: order.GatewayOrderID,
		Amount:         order.Amount,
		Currency:       order.Currency,
		Tier:           order.Tier,
		IsUpgrade:      order.IsUpgrade,
		CheckoutKey:    g.checkoutKey,
	}, nil
}
