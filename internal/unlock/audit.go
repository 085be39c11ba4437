package unlock

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/campusbazaar/unlockd/internal/logging"
)

type contextKey string

const (
	ctxActorType contextKey = "audit_actor_type"
	ctxActorID   contextKey = "audit_actor_id"
	ctxIPAddress contextKey = "audit_ip"
)

// Audit operations.
const (
	AuditTamperedPayment        = "payment.tampered"
	AuditAmountMismatch         = "payment.amount_mismatch"
	AuditForbiddenOrder         = "order.forbidden"
	AuditOwnItem                = "unlock.own_item"
	AuditReconciliationRequired = "payment.reconciliation_required"
	AuditReconciled             = "payment.reconciled"
)

// WithActor attaches actor info to the context for audit logging.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, ctxActorType, actorType)
	ctx = context.WithValue(ctx, ctxActorID, actorID)
	return ctx
}

// WithAuditIP attaches the client IP for audit logging.
func WithAuditIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxIPAddress, ip)
}

func actorFromCtx(ctx context.Context) (actorType, actorID, ip string) {
	if v, ok := ctx.Value(ctxActorType).(string); ok {
		actorType = v
	} else {
		actorType = "system"
	}
	if v, ok := ctx.Value(ctxActorID).(string); ok {
		actorID = v
	}
	if v, ok := ctx.Value(ctxIPAddress).(string); ok {
		ip = v
	}
	return
}

// AuditEntry is a security or authorization event.
type AuditEntry struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"userId"`
	ActorType   string    `json:"actorType"`
	ActorID     string    `json:"actorId,omitempty"`
	Operation   string    `json:"operation"`
	OrderID     string    `json:"orderId,omitempty"`
	ItemID      string    `json:"itemId,omitempty"`
	Amount      int64     `json:"amount,omitempty"`
	RequestID   string    `json:"requestId,omitempty"`
	IPAddress   string    `json:"ipAddress,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AuditLogger persists audit entries.
type AuditLogger interface {
	LogAudit(ctx context.Context, entry *AuditEntry) error
	QueryAudit(ctx context.Context, userID, operation string, limit int) ([]*AuditEntry, error)
}

// audit fills actor fields from ctx and writes the entry. A failed write is
// logged, never returned: the operation being audited has already decided.
func audit(ctx context.Context, l AuditLogger, entry *AuditEntry) {
	if l == nil {
		return
	}
	entry.ActorType, entry.ActorID, entry.IPAddress = actorFromCtx(ctx)
	entry.RequestID = logging.RequestID(ctx)
	if err := l.LogAudit(ctx, entry); err != nil {
		logging.L(ctx).Error("audit write failed", "operation", entry.Operation, "order_id", entry.OrderID, "error", err)
	}
}

// --- PostgresAuditLogger ---

// PostgresAuditLogger writes audit entries to PostgreSQL.
type PostgresAuditLogger struct {
	db *sql.DB
}

// NewPostgresAuditLogger creates an audit logger backed by PostgreSQL.
func NewPostgresAuditLogger(db *sql.DB) *PostgresAuditLogger {
	return &PostgresAuditLogger{db: db}
}

func (l *PostgresAuditLogger) LogAudit(ctx context.Context, entry *AuditEntry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (user_id, actor_type, actor_id, operation, order_id, item_id, amount, request_id, ip_address, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`, entry.UserID, entry.ActorType, entry.ActorID, entry.Operation, entry.OrderID, entry.ItemID,
		entry.Amount, entry.RequestID, entry.IPAddress, entry.Description)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (l *PostgresAuditLogger) QueryAudit(ctx context.Context, userID, operation string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, actor_type, COALESCE(actor_id, ''), operation,
			COALESCE(order_id, ''), COALESCE(item_id, ''), amount,
			COALESCE(request_id, ''), COALESCE(ip_address, ''), COALESCE(description, ''), created_at
		FROM audit_log
		WHERE user_id = $1 AND ($2 = '' OR operation = $2)
		ORDER BY created_at DESC LIMIT $3
	`, userID, operation, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.ActorType, &e.ActorID, &e.Operation,
			&e.OrderID, &e.ItemID, &e.Amount,
			&e.RequestID, &e.IPAddress, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// --- MemoryAuditLogger ---

// MemoryAuditLogger stores audit entries in memory for development and tests.
type MemoryAuditLogger struct {
	entries []*AuditEntry
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryAuditLogger creates an in-memory audit logger.
func NewMemoryAuditLogger() *MemoryAuditLogger {
	return &MemoryAuditLogger{}
}

func (l *MemoryAuditLogger) LogAudit(_ context.Context, entry *AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	cp := *entry
	cp.ID = l.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	l.entries = append(l.entries, &cp)
	return nil
}

func (l *MemoryAuditLogger) QueryAudit(_ context.Context, userID, operation string, limit int) ([]*AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*AuditEntry
	for i := len(l.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := l.entries[i]
		if e.UserID != userID {
			continue
		}
		if operation != "" && e.Operation != operation {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}
