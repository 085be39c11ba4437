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
	"github.com/campusbazaar/unlockd/internal/notify"
	"github.com/campusbazaar/unlockd/internal/pricing"
	"github.com/campusbazaar/unlockd/internal/traces"
)

// VerifyRequest is the gateway callback as relayed by the client.
type VerifyRequest struct {
	OrderID          string `json:"internalOrderId" binding:"required"`
	GatewayOrderID   string `json:"gatewayOrderId"`
	GatewayPaymentID string `json:"gatewayPaymentId" binding:"required"`
	Signature        string `json:"signature" binding:"required"`
}

// Verifier turns a payment callback into a grant.
//
// The callback is a hint. Before granting, the verifier checks that the
// signature was made with the gateway secret over the stored gateway order
// id, that the order still carries the canonical price for its tier, and
// that the gateway itself reports the payment as captured for that order and
// amount. Only one verifier works on an order at a time (a lease held in the
// order row), and completion is a compare-and-set on status='pending'.
type Verifier struct {
	store    Store
	ledger   *Ledger
	strategy pricing.Strategy
	client   gateway.Client
	signer   *gateway.Signer
	audit    AuditLogger
	notifier Notifier
	claimTTL time.Duration
	timeout  time.Duration
}

// NewVerifier creates a payment verifier.
func NewVerifier(store Store, ledger *Ledger, strategy pricing.Strategy, client gateway.Client, signer *gateway.Signer,
	audit AuditLogger, notifier Notifier, claimTTL, timeout time.Duration) *Verifier {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if claimTTL <= 0 {
		claimTTL = 2 * time.Minute
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Verifier{
		store:    store,
		ledger:   ledger,
		strategy: strategy,
		client:   client,
		signer:   signer,
		audit:    audit,
		notifier: notifier,
		claimTTL: claimTTL,
		timeout:  timeout,
	}
}

// Verify checks a payment proof for userID's order and grants the unlock.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest, userID string) (rec *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "unlock.Verify", traces.UserID(userID), traces.OrderID(req.OrderID))
	defer func() {
		metrics.VerificationsTotal.WithLabelValues(verifyResult(err)).Inc()
		traces.End(span, err)
	}()

	if req.OrderID == "" || req.GatewayPaymentID == "" || req.Signature == "" {
		return nil, ErrInvalidRequest
	}

	order, err := v.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		audit(ctx, v.audit, &AuditEntry{
			UserID:      userID,
			Operation:   AuditForbiddenOrder,
			OrderID:     order.ID,
			ItemID:      order.ItemID,
			Description: "verify attempted on another user's order",
		})
		return nil, ErrUnauthorized
	}
	if order.Status != OrderPending {
		return nil, ErrAlreadyProcessed
	}

	claimID := idgen.WithPrefix(idgen.PrefixClaim)
	if err := v.store.ClaimOrder(ctx, order.ID, claimID, time.Now().Add(v.claimTTL)); err != nil {
		return nil, err
	}
	settled := false
	defer func() {
		if !settled {
			v.release(ctx, order.ID, claimID)
		}
	}()

	if req.GatewayOrderID != "" && req.GatewayOrderID != order.GatewayOrderID {
		v.securityEvent(ctx, order, AuditTamperedPayment, "callback gateway order id differs from the order")
		return nil, ErrTamperedPayment
	}
	if !v.signer.Verify(order.GatewayOrderID, req.GatewayPaymentID, req.Signature) {
		v.securityEvent(ctx, order, AuditTamperedPayment, "signature mismatch")
		return nil, ErrTamperedPayment
	}

	rec, settled, err = v.settle(ctx, order, claimID, req.GatewayPaymentID, req.Signature, SourcePayment)
	return rec, err
}

// Reconcile completes a pending order whose payment id was recorded by an
// earlier verification that did not finish. The gateway is the authority;
// the amount and capture checks of Verify still apply.
func (v *Verifier) Reconcile(ctx context.Context, orderID string) (rec *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "unlock.Reconcile", traces.OrderID(orderID))
	defer func() { traces.End(span, err) }()

	order, err := v.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != OrderPending {
		return nil, ErrAlreadyProcessed
	}
	if order.GatewayPaymentID == "" {
		return nil, fmt.Errorf("%w: order has no recorded payment", ErrInvalidRequest)
	}

	claimID := idgen.WithPrefix(idgen.PrefixClaim)
	if err := v.store.ClaimOrder(ctx, order.ID, claimID, time.Now().Add(v.claimTTL)); err != nil {
		return nil, err
	}
	settled := false
	defer func() {
		if !settled {
			v.release(ctx, order.ID, claimID)
		}
	}()

	rec, settled, err = v.settle(ctx, order, claimID, order.GatewayPaymentID, order.Signature, SourceReconcile)
	if err == nil {
		audit(ctx, v.audit, &AuditEntry{
			UserID:    order.UserID,
			Operation: AuditReconciled,
			OrderID:   order.ID,
			ItemID:    order.ItemID,
			Amount:    order.Amount,
		})
	}
	return rec, err
}

// settle runs the amount check, the authoritative gateway fetch and the
// grant for a claimed order. settled reports whether the order left pending.
func (v *Verifier) settle(ctx context.Context, order *Order, claimID, paymentID, signature, source string) (*Record, bool, error) {
	price, err := v.strategy.CanonicalPrice(order.Tier, order.IsUpgrade)
	if err != nil || price != order.Amount {
		v.securityEvent(ctx, order, AuditAmountMismatch,
			fmt.Sprintf("stored amount %d, canonical %d", order.Amount, price))
		return nil, false, ErrAmountMismatch
	}

	if order.GatewayPaymentID != paymentID {
		if err := v.store.RecordPaymentProof(ctx, order.ID, claimID, paymentID, signature); err != nil {
			return nil, false, err
		}
	}

	fctx, cancel := context.WithTimeout(ctx, v.timeout)
	payment, err := v.client.FetchPayment(fctx, paymentID)
	cancel()
	switch {
	case errors.Is(err, gateway.ErrPaymentNotFound):
		return nil, false, fmt.Errorf("%w: gateway has no such payment", ErrPaymentNotCaptured)
	case err != nil:
		logging.L(ctx).Warn("gateway payment fetch failed", "order_id", order.ID, "payment_id", paymentID, "error", err)
		return nil, false, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	if payment.OrderID != order.GatewayOrderID {
		v.securityEvent(ctx, order, AuditTamperedPayment, "payment belongs to a different gateway order")
		return nil, false, ErrTamperedPayment
	}
	if payment.Status == gateway.PaymentFailed {
		if err := v.store.FailOrder(ctx, order.ID, claimID, paymentID); err != nil {
			return nil, false, err
		}
		return nil, true, ErrPaymentFailed
	}
	if !payment.Status.Settled() {
		return nil, false, fmt.Errorf("%w: status %s", ErrPaymentNotCaptured, payment.Status)
	}
	if payment.Amount != order.Amount {
		v.securityEvent(ctx, order, AuditAmountMismatch,
			fmt.Sprintf("gateway captured %d, order amount %d", payment.Amount, order.Amount))
		return nil, false, ErrAmountMismatch
	}

	rec, err := v.ledger.Grant(ctx, GrantRequest{
		UserID:           order.UserID,
		ItemID:           order.ItemID,
		Tier:             order.Tier,
		Amount:           order.Amount,
		Currency:         order.Currency,
		MessageLimit:     v.strategy.MessageLimit(order.Tier),
		OrderID:          order.ID,
		ClaimID:          claimID,
		GatewayPaymentID: paymentID,
		Signature:        signature,
	}, source)
	if errors.Is(err, ErrAlreadyProcessed) {
		return nil, false, err
	}
	if err != nil {
		v.requireReview(ctx, order, claimID, paymentID, err)
		return nil, false, fmt.Errorf("%w: %v", ErrGrantFailed, err)
	}

	ev := notify.NewEvent(notify.EventUnlockGranted, rec.UserID, rec.ItemID)
	if order.IsUpgrade {
		ev.Type = notify.EventUnlockUpgraded
	}
	ev.SellerID = rec.SellerID
	ev.Tier = string(rec.Tier)
	ev.Amount = rec.Amount
	ev.Path = source
	v.notifier.Notify(ev)

	logging.L(ctx).Info("payment verified",
		"order_id", order.ID, "payment_id", paymentID, "record_id", rec.ID, "tier", rec.Tier)
	return rec, true, nil
}

// requireReview raises the captured-but-not-granted alert and flags the
// order. An order that is already flagged only logs, so a retry by an
// operator does not page again.
func (v *Verifier) requireReview(ctx context.Context, order *Order, claimID, paymentID string, cause error) {
	if order.ReviewRequiredAt != nil {
		logging.L(ctx).Warn("grant still failing for flagged order",
			"order_id", order.ID, "payment_id", paymentID, "error", cause)
		return
	}
	metrics.ReconciliationRequiredTotal.Inc()
	logging.Alert(ctx, "payment captured but grant failed",
		"order_id", order.ID, "payment_id", paymentID, "user_id", order.UserID,
		"item_id", order.ItemID, "amount", order.Amount, "error", cause)
	audit(ctx, v.audit, &AuditEntry{
		UserID:      order.UserID,
		Operation:   AuditReconciliationRequired,
		OrderID:     order.ID,
		ItemID:      order.ItemID,
		Amount:      order.Amount,
		Description: cause.Error(),
	})
	if err := v.store.FlagForReview(context.WithoutCancel(ctx), order.ID, claimID, cause.Error()); err != nil {
		logging.L(ctx).Error("flag order for review failed", "order_id", order.ID, "error", err)
	}
}

func (v *Verifier) release(ctx context.Context, orderID, claimID string) {
	if err := v.store.ReleaseClaim(context.WithoutCancel(ctx), orderID, claimID); err != nil {
		logging.L(ctx).Warn("release order claim failed", "order_id", orderID, "error", err)
	}
}

// securityEvent records a tamper or amount-mismatch rejection. These are
// never retried automatically.
func (v *Verifier) securityEvent(ctx context.Context, order *Order, operation, detail string) {
	metrics.SecurityEventsTotal.WithLabelValues(operation).Inc()
	logging.L(ctx).Warn("payment verification rejected",
		"kind", operation, "order_id", order.ID, "user_id", order.UserID, "detail", detail)
	audit(ctx, v.audit, &AuditEntry{
		UserID:      order.UserID,
		Operation:   operation,
		OrderID:     order.ID,
		ItemID:      order.ItemID,
		Amount:      order.Amount,
		Description: detail,
	})
}

func verifyResult(err error) string {
	switch {
	case err == nil:
		return "granted"
	case errors.Is(err, ErrTamperedPayment):
		return "tampered"
	case errors.Is(err, ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, ErrAlreadyProcessed):
		return "already_processed"
	case errors.Is(err, ErrGatewayUnavailable):
		return "gateway_unavailable"
	case errors.Is(err, ErrPaymentNotCaptured), errors.Is(err, ErrPaymentFailed):
		return "not_captured"
	case errors.Is(err, ErrGrantFailed):
		return "grant_failed"
	default:
		return "rejected"
	}
}
