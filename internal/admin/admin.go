// Package admin provides operator-only endpoints for resolving stuck payment
// and credit states.
package admin

import (
	"context"
	"time"

	"github.com/campusbazaar/unlockd/internal/reconciliation"
	"github.com/campusbazaar/unlockd/internal/unlock"
)

// ReconciliationRunner scans and settles orders paid at the gateway but
// never granted. *reconciliation.Runner satisfies it.
type ReconciliationRunner interface {
	Scan(ctx context.Context) ([]*unlock.Order, error)
	RunAll(ctx context.Context) (*reconciliation.Report, error)
	ReconcileOrder(ctx context.Context, orderID string) reconciliation.Result
}

// AuditReader reads the audit trail.
type AuditReader interface {
	QueryAudit(ctx context.Context, userID, operation string, limit int) ([]*unlock.AuditEntry, error)
}

// ReservationSweeper releases credit reservations older than ttl.
// *unlock.CreditWallet satisfies it.
type ReservationSweeper interface {
	SweepReservations(ctx context.Context, ttl time.Duration, limit int) (int, error)
}
