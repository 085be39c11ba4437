package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusbazaar/unlockd/internal/auth"
	"github.com/campusbazaar/unlockd/internal/config"
	"github.com/campusbazaar/unlockd/internal/gateway"
	"github.com/campusbazaar/unlockd/internal/pricing"
	"github.com/campusbazaar/unlockd/internal/unlock"
)

type testApp struct {
	*app
	sandbox *gateway.Sandbox
}

func newTestApp(t *testing.T, env string) *testApp {
	t.Helper()
	strategy, err := pricing.New(pricing.ModeTiered, pricing.Table{
		Currency: "INR", Basic: 1000, Premium: 2500, Upgrade: 1500,
	})
	require.NoError(t, err)

	store := unlock.NewMemoryStore(0)
	audit := unlock.NewMemoryAuditLogger()
	sandbox := gateway.NewSandbox("secret")
	engine := unlock.NewEngine(store, unlock.Config{
		Strategy: strategy,
		Gateway:  sandbox,
		Signer:   gateway.NewSigner("secret"),
		Audit:    audit,
	})
	verifier, err := auth.NewTokenVerifier("0123456789abcdef0123456789abcdef", "campusbazaar-auth", "unlockd")
	require.NoError(t, err)

	return &testApp{
		app: &app{
			cfg:      &config.Config{Env: env},
			engine:   engine,
			store:    store,
			audit:    audit,
			verifier: verifier,
			close:    func() {},
		},
		sandbox: sandbox,
	}
}

func (ta *testApp) exec(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(func(context.Context) (*app, error) { return ta.app, nil })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestWalletBalance(t *testing.T) {
	ta := newTestApp(t, "development")

	out, err := ta.exec(t, "wallet", "balance", "buyer_1")
	require.NoError(t, err)
	assert.Contains(t, out, "CREDITS")
	assert.Contains(t, out, "buyer_1")

	out, err = ta.exec(t, "--json", "wallet", "balance", "buyer_1")
	require.NoError(t, err)
	var w map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &w))
	assert.Equal(t, "buyer_1", w["userId"])

	_, err = ta.exec(t, "wallet", "balance", "bad id")
	assert.Error(t, err)
}

func TestItemUpsert(t *testing.T) {
	ta := newTestApp(t, "development")

	out, err := ta.exec(t, "item", "upsert", "item_1", "--seller-id", "seller_1", "--seller-name", "Asha", "--phone", "+911234567890")
	require.NoError(t, err)
	assert.Contains(t, out, "Upserted item_1")

	item, err := ta.store.GetItem(context.Background(), "item_1")
	require.NoError(t, err)
	assert.Equal(t, "seller_1", item.SellerID)
	assert.Equal(t, "+911234567890", item.Seller.Phone)

	_, err = ta.exec(t, "item", "upsert", "item_2")
	assert.Error(t, err, "--seller-id is required")
}

func TestReconcileScanAndApply(t *testing.T) {
	ta := newTestApp(t, "development")
	ctx := context.Background()

	require.NoError(t, ta.store.UpsertItem(ctx, &unlock.Item{ID: "item_1", SellerID: "seller_1"}))
	res, err := ta.engine.Unlock(ctx, "buyer_1", "item_1", unlock.UnlockRequest{})
	require.NoError(t, err)
	require.True(t, res.RequiresPayment)
	cb, err := ta.sandbox.Pay(res.Order.GatewayOrderID, gateway.PaymentCaptured)
	require.NoError(t, err)

	// The gateway drops the fetch: money captured, nothing granted.
	ta.sandbox.FailNext(gateway.ErrUnavailable)
	_, err = ta.engine.Verify(ctx, "buyer_1", unlock.VerifyRequest{
		OrderID:          res.Order.OrderID,
		GatewayOrderID:   cb.GatewayOrderID,
		GatewayPaymentID: cb.GatewayPaymentID,
		Signature:        cb.Signature,
	})
	require.ErrorIs(t, err, unlock.ErrGatewayUnavailable)
	time.Sleep(5 * time.Millisecond)

	out, err := ta.exec(t, "reconcile", "scan", "--min-age", "1ms")
	require.NoError(t, err)
	assert.Contains(t, out, res.Order.OrderID)
	assert.Contains(t, out, cb.GatewayPaymentID)

	out, err = ta.exec(t, "reconcile", "apply", res.Order.OrderID)
	require.NoError(t, err)
	assert.Contains(t, out, "granted")

	st, err := ta.engine.UnlockState(ctx, "buyer_1", "item_1")
	require.NoError(t, err)
	assert.True(t, st.Unlocked)

	out, err = ta.exec(t, "reconcile", "scan", "--min-age", "1ms")
	require.NoError(t, err)
	assert.Contains(t, out, "No orders need reconciliation.")

	out, err = ta.exec(t, "audit", "buyer_1")
	require.NoError(t, err)
	assert.Contains(t, out, "OPERATION")
}

func TestReconcileRun_Empty(t *testing.T) {
	ta := newTestApp(t, "development")

	out, err := ta.exec(t, "--json", "reconcile", "run")
	require.NoError(t, err)
	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, float64(0), report["scanned"])
}

func TestToken(t *testing.T) {
	ta := newTestApp(t, "development")

	out, err := ta.exec(t, "token", "buyer_1", "--ttl", "5m")
	require.NoError(t, err)
	claims, err := ta.verifier.Parse(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "buyer_1", claims.UserID())

	prod := newTestApp(t, "production")
	_, err = prod.exec(t, "token", "buyer_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled in production")
}

func TestMigrate_ArgsAndStorage(t *testing.T) {
	ta := newTestApp(t, "development")

	_, err := ta.exec(t, "migrate", "sideways")
	assert.ErrorContains(t, err, "unknown migrate command")

	_, err = ta.exec(t, "migrate", "up-to")
	assert.ErrorContains(t, err, "needs a target version")

	_, err = ta.exec(t, "migrate", "up")
	assert.ErrorContains(t, err, "DATABASE_URL")
}
