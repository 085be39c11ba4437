// Package reconciliation finishes paid orders whose verification never
// completed: the payment id was recorded, then the gateway timed out, the
// process died or the grant failed. The gateway's record decides the outcome.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/campusbazaar/unlockd/internal/unlock"
)

// OrderSource lists orders that may need reconciliation.
type OrderSource interface {
	ReconcilableOrders(ctx context.Context, before time.Time, limit int) ([]*unlock.Order, error)
}

// Reconciler completes one order. *unlock.Engine satisfies it.
type Reconciler interface {
	Reconcile(ctx context.Context, orderID string) (*unlock.UnlockResult, error)
}

// Outcome of one order.
const (
	OutcomeGranted     = "granted"
	OutcomeSkipped     = "skipped"     // settled by someone else meanwhile
	OutcomeWaiting     = "waiting"     // gateway not captured or unreachable; retried next run
	OutcomeFailed      = "failed"      // gateway reports the payment failed
	OutcomeRejected    = "rejected"    // amount or tamper check failed; needs a human
	OutcomeGrantFailed = "grant_failed"
	OutcomeNeedsReview = "needs_review" // flagged after a failed grant; left to an operator
)

// Result is the outcome for one order.
type Result struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
	ItemID  string `json:"itemId"`
	Amount  int64  `json:"amount"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// Report summarizes one run.
type Report struct {
	StartedAt time.Time      `json:"startedAt"`
	Duration  time.Duration  `json:"duration"`
	Scanned   int            `json:"scanned"`
	Counts    map[string]int `json:"counts"`
	Results   []Result       `json:"results"`
}

// Runner scans for stuck orders and reconciles them.
type Runner struct {
	source     OrderSource
	reconciler Reconciler
	minAge     time.Duration
	batch      int
	logger     *slog.Logger
}

// NewRunner creates a runner. Orders younger than minAge are left to the
// buyer's own verification.
func NewRunner(source OrderSource, reconciler Reconciler, minAge time.Duration, logger *slog.Logger) *Runner {
	if minAge <= 0 {
		minAge = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		source:     source,
		reconciler: reconciler,
		minAge:     minAge,
		batch:      100,
		logger:     logger,
	}
}

// Scan lists the orders a run would attempt, without touching them.
func (r *Runner) Scan(ctx context.Context) ([]*unlock.Order, error) {
	orders, err := r.source.ReconcilableOrders(ctx, time.Now().Add(-r.minAge), r.batch)
	if err != nil {
		return nil, fmt.Errorf("list reconcilable orders: %w", err)
	}
	return orders, nil
}

// RunAll reconciles one batch of stuck orders.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	orders, err := r.Scan(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	reconcileCandidates.Set(float64(len(orders)))

	report := &Report{StartedAt: start, Scanned: len(orders), Counts: map[string]int{}}
	for _, o := range orders {
		if ctx.Err() != nil {
			break
		}
		var res Result
		if o.ReviewRequiredAt != nil {
			res = Result{OrderID: o.ID, UserID: o.UserID, ItemID: o.ItemID, Amount: o.Amount,
				Outcome: OutcomeNeedsReview, Error: o.ReviewReason}
		} else {
			res = r.reconcileOne(ctx, o)
		}
		report.Results = append(report.Results, res)
		report.Counts[res.Outcome]++
		reconcileOutcomes.WithLabelValues(res.Outcome).Inc()
	}
	report.Duration = time.Since(start)

	if report.Scanned > 0 {
		r.logger.Info("reconciliation run complete",
			"scanned", report.Scanned, "granted", report.Counts[OutcomeGranted],
			"waiting", report.Counts[OutcomeWaiting], "rejected", report.Counts[OutcomeRejected],
			"needs_review", report.Counts[OutcomeNeedsReview],
			"duration", report.Duration)
	}
	return report, ctx.Err()
}

// ReconcileOrder reconciles a single order by id, for operators. Orders
// flagged for review are attempted too.
func (r *Runner) ReconcileOrder(ctx context.Context, orderID string) Result {
	_, err := r.reconciler.Reconcile(ctx, orderID)
	res := Result{OrderID: orderID, Outcome: classify(err)}
	if err != nil {
		res.Error = err.Error()
	}
	reconcileOutcomes.WithLabelValues(res.Outcome).Inc()
	return res
}

func (r *Runner) reconcileOne(ctx context.Context, o *unlock.Order) Result {
	res := Result{OrderID: o.ID, UserID: o.UserID, ItemID: o.ItemID, Amount: o.Amount}
	_, err := r.reconciler.Reconcile(ctx, o.ID)
	res.Outcome = classify(err)
	if err != nil {
		res.Error = err.Error()
		if res.Outcome == OutcomeRejected || res.Outcome == OutcomeGrantFailed {
			r.logger.Warn("order needs manual review", "order_id", o.ID, "outcome", res.Outcome, "error", err)
		}
	}
	return res
}

func classify(err error) string {
	switch {
	case err == nil:
		return OutcomeGranted
	case errors.Is(err, unlock.ErrAlreadyProcessed), errors.Is(err, unlock.ErrAlreadyUnlocked):
		return OutcomeSkipped
	case errors.Is(err, unlock.ErrPaymentFailed):
		return OutcomeFailed
	case errors.Is(err, unlock.ErrPaymentNotCaptured), errors.Is(err, unlock.ErrGatewayUnavailable):
		return OutcomeWaiting
	case errors.Is(err, unlock.ErrGrantFailed):
		return OutcomeGrantFailed
	default:
		return OutcomeRejected
	}
}
