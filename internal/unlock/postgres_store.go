package unlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/campusbazaar/unlockd/internal/idgen"
	"github.com/campusbazaar/unlockd/internal/pagination"
	"github.com/campusbazaar/unlockd/internal/pricing"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL. Schema lives in
// migrations/; credits columns hold hundredths of a credit.
type PostgresStore struct {
	db            *sql.DB
	signupCredits pricing.Credits
}

// NewPostgresStore creates a PostgreSQL-backed store. New wallets start with
// signupCredits.
func NewPostgresStore(db *sql.DB, signupCredits pricing.Credits) *PostgresStore {
	return &PostgresStore{db: db, signupCredits: signupCredits}
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (p *PostgresStore) ensureWallet(ctx context.Context, ex execer, userID string) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO user_wallets (user_id, credits) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, int64(p.signupCredits))
	if err != nil {
		return fmt.Errorf("ensure wallet: %w", err)
	}
	return nil
}

// UpsertItem writes an item's listing fields, leaving analytics untouched.
// The listing service normally owns this; unlockctl and tests use it.
func (p *PostgresStore) UpsertItem(ctx context.Context, item *Item) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO items (id, seller_id, title, seller_name, seller_hostel, seller_phone, seller_email)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			seller_id = EXCLUDED.seller_id,
			title = EXCLUDED.title,
			seller_name = EXCLUDED.seller_name,
			seller_hostel = EXCLUDED.seller_hostel,
			seller_phone = EXCLUDED.seller_phone,
			seller_email = EXCLUDED.seller_email
	`, item.ID, item.SellerID, item.Title, item.Seller.Name, item.Seller.Hostel, item.Seller.Phone, item.Seller.Email)
	if err != nil {
		return fmt.Errorf("upsert item: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetItem(ctx context.Context, itemID string) (*Item, error) {
	var item Item
	err := p.db.QueryRowContext(ctx, `
		SELECT id, seller_id, COALESCE(title, ''), seller_name, COALESCE(seller_hostel, ''),
			COALESCE(seller_phone, ''), COALESCE(seller_email, ''), unlock_count, total_revenue
		FROM items WHERE id = $1
	`, itemID).Scan(&item.ID, &item.SellerID, &item.Title, &item.Seller.Name, &item.Seller.Hostel,
		&item.Seller.Phone, &item.Seller.Email, &item.UnlockCount, &item.TotalRevenue)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return &item, nil
}

func (p *PostgresStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	if err := p.ensureWallet(ctx, p.db, userID); err != nil {
		return nil, err
	}
	var w Wallet
	var credits int64
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, credits, total_unlocks, total_spent, updated_at
		FROM user_wallets WHERE user_id = $1
	`, userID).Scan(&w.UserID, &credits, &w.TotalUnlocks, &w.TotalSpent, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	w.Credits = pricing.Credits(credits)
	return &w, nil
}

func (p *PostgresStore) ReserveCredits(ctx context.Context, userID string, amount pricing.Credits) (*Credit, error) {
	if amount <= 0 {
		return nil, ErrInsufficientBalance
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := p.ensureWallet(ctx, tx, userID); err != nil {
		return nil, err
	}

	// Decrement only when the balance covers it; zero rows means it did not.
	result, err := tx.ExecContext(ctx, `
		UPDATE user_wallets SET credits = credits - $2, updated_at = NOW()
		WHERE user_id = $1 AND credits >= $2
	`, userID, int64(amount))
	if err != nil {
		return nil, fmt.Errorf("decrement credits: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return nil, ErrInsufficientBalance
	}

	c := &Credit{
		ID:        idgen.WithPrefix(idgen.PrefixReservation),
		UserID:    userID,
		Amount:    amount,
		Status:    ReservationReserved,
		CreatedAt: time.Now(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_reservations (id, user_id, amount, status, created_at)
		VALUES ($1, $2, $3, 'reserved', $4)
	`, c.ID, c.UserID, int64(c.Amount), c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reservation: %w", err)
	}
	return c, nil
}

func (p *PostgresStore) ReleaseCredits(ctx context.Context, creditID string) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var userID string
	var amount int64
	err = tx.QueryRowContext(ctx, `
		UPDATE credit_reservations SET status = 'released', resolved_at = NOW()
		WHERE id = $1 AND status = 'reserved'
		RETURNING user_id, amount
	`, creditID).Scan(&userID, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("release reservation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE user_wallets SET credits = credits + $2, updated_at = NOW()
		WHERE user_id = $1
	`, userID, amount); err != nil {
		return false, fmt.Errorf("restore credits: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit release: %w", err)
	}
	return true, nil
}

func (p *PostgresStore) StaleReservations(ctx context.Context, before time.Time, limit int) ([]*Credit, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, amount, status, COALESCE(record_id, ''), created_at
		FROM credit_reservations
		WHERE status = 'reserved' AND created_at < $1
		ORDER BY created_at ASC LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale reservations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Credit
	for rows.Next() {
		var c Credit
		var amount int64
		var status string
		if err := rows.Scan(&c.ID, &c.UserID, &amount, &status, &c.RecordID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		c.Amount = pricing.Credits(amount)
		c.Status = ReservationStatus(status)
		result = append(result, &c)
	}
	return result, rows.Err()
}

func (p *PostgresStore) RefundCredits(ctx context.Context, req RefundRequest) (RefundOutcome, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var recordID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM unlock_records
		WHERE user_id = $1 AND item_id = $2 AND active
		LIMIT 1
	`, req.UserID, req.ItemID).Scan(&recordID)
	if errors.Is(err, sql.ErrNoRows) {
		return RefundNoUnlock, nil
	}
	if err != nil {
		return "", fmt.Errorf("find active record: %w", err)
	}

	// The (user_id, reference) key makes a replayed trigger a no-op, even
	// after an upgrade moved the user onto a new record.
	result, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_refunds (id, user_id, item_id, record_id, amount, reference)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, reference) DO NOTHING
	`, idgen.WithPrefix(idgen.PrefixRefund), req.UserID, req.ItemID, recordID, int64(req.Amount), req.Reference)
	if err != nil {
		return "", fmt.Errorf("insert refund: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return RefundDuplicate, nil
	}

	if err := p.ensureWallet(ctx, tx, req.UserID); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE user_wallets SET credits = credits + $2, updated_at = NOW()
		WHERE user_id = $1
	`, req.UserID, int64(req.Amount)); err != nil {
		return "", fmt.Errorf("credit refund: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit refund: %w", err)
	}
	return RefundCredited, nil
}

// Grant writes a record and every counter it implies in one transaction.
// Locking the wallet row serializes grants for a user.
func (p *PostgresStore) Grant(ctx context.Context, req GrantRequest) (*Record, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := p.ensureWallet(ctx, tx, req.UserID); err != nil {
		return nil, err
	}
	var locked string
	if err := tx.QueryRowContext(ctx, `
		SELECT user_id FROM user_wallets WHERE user_id = $1 FOR UPDATE
	`, req.UserID).Scan(&locked); err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}

	var sellerID string
	err = tx.QueryRowContext(ctx, `SELECT seller_id FROM items WHERE id = $1`, req.ItemID).Scan(&sellerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load item: %w", err)
	}

	var prevID, prevTier string
	var prevCount int
	err = tx.QueryRowContext(ctx, `
		SELECT id, tier, message_count FROM unlock_records
		WHERE user_id = $1 AND item_id = $2 AND active
		LIMIT 1
	`, req.UserID, req.ItemID).Scan(&prevID, &prevTier, &prevCount)
	hasPrev := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load active record: %w", err)
	}
	if hasPrev && pricing.Tier(prevTier).AtLeast(req.Tier) {
		return nil, ErrAlreadyUnlocked
	}

	now := time.Now()
	rec := &Record{
		ID:           idgen.WithPrefix(idgen.PrefixRecord),
		UserID:       req.UserID,
		ItemID:       req.ItemID,
		SellerID:     sellerID,
		Tier:         req.Tier,
		Amount:       req.Amount,
		Currency:     req.Currency,
		IsFreeCredit: req.IsFreeCredit,
		PaymentRef:   req.GatewayPaymentID,
		MessageLimit: req.MessageLimit,
		Active:       true,
		CreatedAt:    now,
	}

	if req.CreditID != "" {
		if err := expectOneRow(tx.ExecContext(ctx, `
			UPDATE credit_reservations SET status = 'consumed', record_id = $2, resolved_at = NOW()
			WHERE id = $1 AND user_id = $3 AND status = 'reserved'
		`, req.CreditID, rec.ID, req.UserID)); err != nil {
			return nil, mapZeroRows(err, ErrReservationNotFound, "consume reservation")
		}
	}

	if req.OrderID != "" {
		if err := expectOneRow(tx.ExecContext(ctx, `
			UPDATE payment_orders SET
				status = 'completed',
				gateway_payment_id = $3,
				signature = $4,
				completed_at = NOW(),
				claim_id = NULL,
				claim_expires_at = NULL
			WHERE id = $1 AND status = 'pending' AND claim_id = $2
		`, req.OrderID, req.ClaimID, req.GatewayPaymentID, req.Signature)); err != nil {
			return nil, mapZeroRows(err, ErrAlreadyProcessed, "complete order")
		}
	}

	if hasPrev {
		if _, err := tx.ExecContext(ctx, `
			UPDATE unlock_records SET active = FALSE, deactivated_at = NOW()
			WHERE id = $1
		`, prevID); err != nil {
			return nil, fmt.Errorf("deactivate record: %w", err)
		}
		rec.MessageCount = prevCount
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO unlock_records (
			id, user_id, item_id, seller_id, tier, amount, currency,
			is_free_credit, payment_ref, message_count, message_limit, active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, TRUE, $12)
	`, rec.ID, rec.UserID, rec.ItemID, rec.SellerID, string(rec.Tier), rec.Amount, rec.Currency,
		rec.IsFreeCredit, rec.PaymentRef, rec.MessageCount, rec.MessageLimit, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE user_wallets SET
			total_unlocks = total_unlocks + 1,
			total_spent = total_spent + $2,
			updated_at = NOW()
		WHERE user_id = $1
	`, req.UserID, req.Amount); err != nil {
		return nil, fmt.Errorf("update wallet counters: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE items SET
			unlock_count = unlock_count + 1,
			total_revenue = total_revenue + $2
		WHERE id = $1
	`, req.ItemID, req.Amount); err != nil {
		return nil, fmt.Errorf("update item analytics: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit grant: %w", err)
	}
	return rec, nil
}

const recordColumns = `id, user_id, item_id, seller_id, tier, amount, currency,
	is_free_credit, COALESCE(payment_ref, ''), message_count, message_limit,
	active, created_at, deactivated_at`

func (p *PostgresStore) ActiveRecord(ctx context.Context, userID, itemID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM unlock_records
		WHERE user_id = $1 AND item_id = $2 AND active
		LIMIT 1
	`, userID, itemID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotUnlocked
	}
	if err != nil {
		return nil, fmt.Errorf("get active record: %w", err)
	}
	return rec, nil
}

func (p *PostgresStore) IncrementMessage(ctx context.Context, userID, itemID string) (*QuotaResult, error) {
	var count, limit int
	err := p.db.QueryRowContext(ctx, `
		UPDATE unlock_records SET message_count = message_count + 1
		WHERE user_id = $1 AND item_id = $2 AND active
			AND (message_limit = 0 OR message_count < message_limit)
		RETURNING message_count, message_limit
	`, userID, itemID).Scan(&count, &limit)
	if err == nil {
		return quotaFor(count, limit, true), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("increment message: %w", err)
	}

	// Nothing updated: either no unlock or the quota is spent.
	rec, err := p.ActiveRecord(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	return quotaFor(rec.MessageCount, rec.MessageLimit, false), nil
}

func (p *PostgresStore) History(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+recordColumns+`
			FROM unlock_records WHERE user_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2
		`, userID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+recordColumns+`
			FROM unlock_records
			WHERE user_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC LIMIT $4
		`, userID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CreateOrder(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_orders (
			id, gateway_order_id, user_id, item_id, tier, is_upgrade,
			amount, currency, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, o.ID, o.GatewayOrderID, o.UserID, o.ItemID, string(o.Tier), o.IsUpgrade,
		o.Amount, o.Currency, string(o.Status), o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

const orderColumns = `id, gateway_order_id, user_id, item_id, tier, is_upgrade,
	amount, currency, status, COALESCE(gateway_payment_id, ''), COALESCE(signature, ''),
	COALESCE(claim_id, ''), claim_expires_at, created_at, completed_at,
	review_required_at, COALESCE(review_reason, '')`

func (p *PostgresStore) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM payment_orders WHERE id = $1`, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (p *PostgresStore) ClaimOrder(ctx context.Context, orderID, claimID string, until time.Time) error {
	err := expectOneRow(p.db.ExecContext(ctx, `
		UPDATE payment_orders SET claim_id = $2, claim_expires_at = $3
		WHERE id = $1 AND status = 'pending'
			AND (claim_id IS NULL OR claim_expires_at < NOW())
	`, orderID, claimID, until))
	return mapZeroRows(err, ErrAlreadyProcessed, "claim order")
}

func (p *PostgresStore) ReleaseClaim(ctx context.Context, orderID, claimID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE payment_orders SET claim_id = NULL, claim_expires_at = NULL
		WHERE id = $1 AND claim_id = $2
	`, orderID, claimID)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

func (p *PostgresStore) RecordPaymentProof(ctx context.Context, orderID, claimID, paymentID, signature string) error {
	err := expectOneRow(p.db.ExecContext(ctx, `
		UPDATE payment_orders SET gateway_payment_id = $3, signature = $4
		WHERE id = $1 AND claim_id = $2 AND status = 'pending'
	`, orderID, claimID, paymentID, signature))
	return mapZeroRows(err, ErrAlreadyProcessed, "record payment proof")
}

func (p *PostgresStore) FailOrder(ctx context.Context, orderID, claimID, paymentID string) error {
	err := expectOneRow(p.db.ExecContext(ctx, `
		UPDATE payment_orders SET
			status = 'failed',
			gateway_payment_id = NULLIF($3, ''),
			completed_at = NOW(),
			claim_id = NULL,
			claim_expires_at = NULL
		WHERE id = $1 AND status = 'pending' AND claim_id = $2
	`, orderID, claimID, paymentID))
	return mapZeroRows(err, ErrAlreadyProcessed, "fail order")
}

func (p *PostgresStore) FlagForReview(ctx context.Context, orderID, claimID, reason string) error {
	err := expectOneRow(p.db.ExecContext(ctx, `
		UPDATE payment_orders SET
			review_required_at = COALESCE(review_required_at, NOW()),
			review_reason = COALESCE(review_reason, $3)
		WHERE id = $1 AND claim_id = $2 AND status = 'pending'
	`, orderID, claimID, reason))
	return mapZeroRows(err, ErrAlreadyProcessed, "flag order for review")
}

func (p *PostgresStore) ReconcilableOrders(ctx context.Context, before time.Time, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM payment_orders
		WHERE status = 'pending' AND gateway_payment_id IS NOT NULL AND created_at < $1
			AND (claim_id IS NULL OR claim_expires_at < NOW())
		ORDER BY created_at ASC LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list reconcilable orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// errZeroRows marks an UPDATE that matched nothing.
var errZeroRows = errors.New("zero rows affected")

func expectOneRow(result sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return errZeroRows
	}
	return nil
}

func mapZeroRows(err, sentinel error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errZeroRows):
		return sentinel
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scannable) (*Record, error) {
	var r Record
	var tier string
	var deactivatedAt sql.NullTime
	err := row.Scan(&r.ID, &r.UserID, &r.ItemID, &r.SellerID, &tier, &r.Amount, &r.Currency,
		&r.IsFreeCredit, &r.PaymentRef, &r.MessageCount, &r.MessageLimit,
		&r.Active, &r.CreatedAt, &deactivatedAt)
	if err != nil {
		return nil, err
	}
	r.Tier = pricing.Tier(tier)
	if deactivatedAt.Valid {
		t := deactivatedAt.Time
		r.DeactivatedAt = &t
	}
	return &r, nil
}

func scanOrder(row scannable) (*Order, error) {
	var o Order
	var tier, status string
	var claimExpiresAt, completedAt, reviewAt sql.NullTime
	err := row.Scan(&o.ID, &o.GatewayOrderID, &o.UserID, &o.ItemID, &tier, &o.IsUpgrade,
		&o.Amount, &o.Currency, &status, &o.GatewayPaymentID, &o.Signature,
		&o.ClaimID, &claimExpiresAt, &o.CreatedAt, &completedAt,
		&reviewAt, &o.ReviewReason)
	if err != nil {
		return nil, err
	}
	o.Tier = pricing.Tier(tier)
	o.Status = OrderStatus(status)
	if claimExpiresAt.Valid {
		o.ClaimExpiresAt = claimExpiresAt.Time
	}
	if completedAt.Valid {
		t := completedAt.Time
		o.CompletedAt = &t
	}
	if reviewAt.Valid {
		t := reviewAt.Time
		o.ReviewRequiredAt = &t
	}
	return &o, nil
}
