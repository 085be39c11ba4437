package unlock

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusbazaar/unlockd/internal/pricing"
)

func setupMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db, pricing.CreditUnit), mock
}

var recordCols = []string{
	"id", "user_id", "item_id", "seller_id", "tier", "amount", "currency",
	"is_free_credit", "payment_ref", "message_count", "message_limit",
	"active", "created_at", "deactivated_at",
}

var orderCols = []string{
	"id", "gateway_order_id", "user_id", "item_id", "tier", "is_upgrade",
	"amount", "currency", "status", "gateway_payment_id", "signature",
	"claim_id", "claim_expires_at", "created_at", "completed_at",
	"review_required_at", "review_reason",
}

// expectWalletLock matches the prologue every Grant runs.
func expectWalletLock(mock sqlmock.Sqlmock, userID, itemID, sellerID string) {
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO user_wallets").
		WithArgs(userID, int64(pricing.CreditUnit)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT user_id FROM user_wallets WHERE user_id = .+ FOR UPDATE").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(userID))
	mock.ExpectQuery("SELECT seller_id FROM items").
		WithArgs(itemID).
		WillReturnRows(sqlmock.NewRows([]string{"seller_id"}).AddRow(sellerID))
}

func TestPostgresStore_GetItem(t *testing.T) {
	store, mock := setupMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT id, seller_id").
		WithArgs("item_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "seller_id", "title", "seller_name", "seller_hostel", "seller_phone", "seller_email",
			"unlock_count", "total_revenue",
		}).AddRow("item_1", "seller_1", "Lamp", "Asha", "H4", "+91123", "", 3, 14700))

	item, err := store.GetItem(ctx, "item_1")
	require.NoError(t, err)
	assert.Equal(t, "seller_1", item.SellerID)
	assert.Equal(t, "+91123", item.Seller.Phone)
	assert.Equal(t, 3, item.UnlockCount)
	assert.Equal(t, int64(14700), item.TotalRevenue)

	mock.ExpectQuery("SELECT id, seller_id").
		WithArgs("item_x").
		WillReturnError(sql.ErrNoRows)
	_, err = store.GetItem(ctx, "item_x")
	assert.ErrorIs(t, err, ErrItemNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetWalletCreatesOnFirstTouch(t *testing.T) {
	store, mock := setupMockStore(t)
	now := time.Now()

	mock.ExpectExec("INSERT INTO user_wallets").
		WithArgs("u1", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT user_id, credits, total_unlocks, total_spent, updated_at").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "credits", "total_unlocks", "total_spent", "updated_at"}).
			AddRow("u1", 150, 2, 9900, now))

	w, err := store.GetWallet(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, pricing.Credits(150), w.Credits)
	assert.Equal(t, 2, w.TotalUnlocks)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReserveCredits(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO user_wallets").
		WithArgs("u1", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE user_wallets SET credits = credits - ").
		WithArgs("u1", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO credit_reservations").
		WithArgs(sqlmock.AnyArg(), "u1", int64(100), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	c, err := store.ReserveCredits(context.Background(), "u1", pricing.CreditUnit)
	require.NoError(t, err)
	assert.Equal(t, ReservationReserved, c.Status)
	assert.Equal(t, pricing.CreditUnit, c.Amount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReserveCreditsInsufficient(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO user_wallets").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE user_wallets SET credits = credits - ").
		WithArgs("u1", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := store.ReserveCredits(context.Background(), "u1", pricing.CreditUnit)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReleaseCreditsAlreadyResolved(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE credit_reservations SET status = 'released'").
		WithArgs("res_1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "amount"}))
	mock.ExpectRollback()

	released, err := store.ReleaseCredits(context.Background(), "res_1")
	require.NoError(t, err)
	assert.False(t, released)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReleaseCredits(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE credit_reservations SET status = 'released'").
		WithArgs("res_1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "amount"}).AddRow("u1", 100))
	mock.ExpectExec("UPDATE user_wallets SET credits = credits \\+ ").
		WithArgs("u1", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	released, err := store.ReleaseCredits(context.Background(), "res_1")
	require.NoError(t, err)
	assert.True(t, released)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RefundDuplicate(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM unlock_records").
		WithArgs("u1", "item_1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("rec_1"))
	mock.ExpectExec(`INSERT INTO wallet_refunds (.+) ON CONFLICT \(user_id, reference\) DO NOTHING`).
		WithArgs(sqlmock.AnyArg(), "u1", "item_1", "rec_1", int64(50), "booking:bk_1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	outcome, err := store.RefundCredits(context.Background(), RefundRequest{
		UserID: "u1", ItemID: "item_1", Amount: 50, Reference: "booking:bk_1",
	})
	require.NoError(t, err)
	assert.Equal(t, RefundDuplicate, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RefundNoUnlock(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM unlock_records").
		WithArgs("u1", "item_1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	outcome, err := store.RefundCredits(context.Background(), RefundRequest{UserID: "u1", ItemID: "item_1", Amount: 50})
	require.NoError(t, err)
	assert.Equal(t, RefundNoUnlock, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GrantAlreadyUnlocked(t *testing.T) {
	store, mock := setupMockStore(t)

	expectWalletLock(mock, "u1", "item_1", "seller_1")
	mock.ExpectQuery("SELECT id, tier, message_count FROM unlock_records").
		WithArgs("u1", "item_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tier", "message_count"}).AddRow("rec_1", "premium", 4))
	mock.ExpectRollback()

	_, err := store.Grant(context.Background(), GrantRequest{
		UserID: "u1", ItemID: "item_1", Tier: pricing.TierBasic, CreditID: "res_1",
	})
	assert.ErrorIs(t, err, ErrAlreadyUnlocked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GrantLostOrderRace(t *testing.T) {
	store, mock := setupMockStore(t)

	expectWalletLock(mock, "u1", "item_1", "seller_1")
	mock.ExpectQuery("SELECT id, tier, message_count FROM unlock_records").
		WithArgs("u1", "item_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tier", "message_count"}))
	mock.ExpectExec("UPDATE payment_orders SET status = 'completed'").
		WithArgs("ord_1", "clm_1", "pay_1", "sig").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := store.Grant(context.Background(), GrantRequest{
		UserID: "u1", ItemID: "item_1", Tier: pricing.TierBasic, Amount: 4900,
		OrderID: "ord_1", ClaimID: "clm_1", GatewayPaymentID: "pay_1", Signature: "sig",
	})
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GrantUpgrade(t *testing.T) {
	store, mock := setupMockStore(t)

	expectWalletLock(mock, "u1", "item_1", "seller_1")
	mock.ExpectQuery("SELECT id, tier, message_count FROM unlock_records").
		WithArgs("u1", "item_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tier", "message_count"}).AddRow("rec_1", "basic", 2))
	mock.ExpectExec("UPDATE payment_orders SET status = 'completed'").
		WithArgs("ord_1", "clm_1", "pay_1", "sig").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE unlock_records SET active = FALSE").
		WithArgs("rec_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO unlock_records").
		WithArgs(sqlmock.AnyArg(), "u1", "item_1", "seller_1", "premium", int64(5000), "INR",
			false, "pay_1", 2, 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE user_wallets SET total_unlocks").
		WithArgs("u1", int64(5000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE items SET unlock_count").
		WithArgs("item_1", int64(5000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := store.Grant(context.Background(), GrantRequest{
		UserID: "u1", ItemID: "item_1", Tier: pricing.TierPremium, Amount: 5000, Currency: "INR",
		OrderID: "ord_1", ClaimID: "clm_1", GatewayPaymentID: "pay_1", Signature: "sig",
	})
	require.NoError(t, err)
	assert.Equal(t, pricing.TierPremium, rec.Tier)
	assert.Equal(t, 2, rec.MessageCount)
	assert.Equal(t, "seller_1", rec.SellerID)
	assert.True(t, rec.Active)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementMessageSpent(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectQuery("UPDATE unlock_records SET message_count = message_count \\+ 1").
		WithArgs("u1", "item_1").
		WillReturnRows(sqlmock.NewRows([]string{"message_count", "message_limit"}))
	mock.ExpectQuery("SELECT (.+) FROM unlock_records").
		WithArgs("u1", "item_1").
		WillReturnRows(sqlmock.NewRows(recordCols).AddRow(
			"rec_1", "u1", "item_1", "seller_1", "basic", 0, "INR",
			true, "", 10, 10, true, time.Now(), nil))

	res, err := store.IncrementMessage(context.Background(), "u1", "item_1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.NeedsUpgrade)
	assert.Equal(t, 0, res.Remaining)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementMessageNoUnlock(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectQuery("UPDATE unlock_records SET message_count").
		WillReturnRows(sqlmock.NewRows([]string{"message_count", "message_limit"}))
	mock.ExpectQuery("SELECT (.+) FROM unlock_records").
		WillReturnRows(sqlmock.NewRows(recordCols))

	_, err := store.IncrementMessage(context.Background(), "u1", "item_1")
	assert.ErrorIs(t, err, ErrNotUnlocked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetOrder(t *testing.T) {
	store, mock := setupMockStore(t)
	created := time.Now().Add(-time.Minute)

	mock.ExpectQuery("SELECT (.+) FROM payment_orders WHERE id = ").
		WithArgs("ord_1").
		WillReturnRows(sqlmock.NewRows(orderCols).AddRow(
			"ord_1", "order_gw", "u1", "item_1", "premium", true,
			5000, "INR", "pending", "pay_1", "sig", "", nil, created, nil, created, "grant failed"))

	o, err := store.GetOrder(context.Background(), "ord_1")
	require.NoError(t, err)
	assert.Equal(t, OrderPending, o.Status)
	assert.True(t, o.IsUpgrade)
	assert.Equal(t, "pay_1", o.GatewayPaymentID)
	assert.True(t, o.ClaimExpiresAt.IsZero())
	assert.Nil(t, o.CompletedAt)
	require.NotNil(t, o.ReviewRequiredAt)
	assert.Equal(t, "grant failed", o.ReviewReason)

	mock.ExpectQuery("SELECT (.+) FROM payment_orders WHERE id = ").
		WithArgs("ord_x").
		WillReturnRows(sqlmock.NewRows(orderCols))
	_, err = store.GetOrder(context.Background(), "ord_x")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimOrderHeld(t *testing.T) {
	store, mock := setupMockStore(t)
	until := time.Now().Add(time.Minute)

	mock.ExpectExec("UPDATE payment_orders SET claim_id = ").
		WithArgs("ord_1", "clm_2", until).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.ClaimOrder(context.Background(), "ord_1", "clm_2", until)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailOrder(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectExec("UPDATE payment_orders SET status = 'failed'").
		WithArgs("ord_1", "clm_1", "pay_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.FailOrder(context.Background(), "ord_1", "clm_1", "pay_1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FlagForReview(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectExec("UPDATE payment_orders SET review_required_at = ").
		WithArgs("ord_1", "clm_1", "already unlocked").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.FlagForReview(context.Background(), "ord_1", "clm_1", "already unlocked"))

	mock.ExpectExec("UPDATE payment_orders SET review_required_at = ").
		WithArgs("ord_1", "clm_stale", "x").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := store.FlagForReview(context.Background(), "ord_1", "clm_stale", "x")
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	require.NoError(t, mock.ExpectationsWereMet())
}
