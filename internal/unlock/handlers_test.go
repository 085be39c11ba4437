package unlock

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusbazaar/unlockd/internal/auth"
	"github.com/campusbazaar/unlockd/internal/gateway"
	"github.com/campusbazaar/unlockd/internal/pricing"
	"github.com/campusbazaar/unlockd/internal/validation"
)

func setupRouter(t *testing.T, env *testEnv, userID string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	require.NoError(t, validation.RegisterBindings())

	h := NewHandler(env.engine)
	r := gin.New()

	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		if userID != "" {
			c.Set(auth.ContextKeyUserID, userID)
		}
		c.Next()
	}, auth.RequireAuth())
	h.RegisterProtectedRoutes(v1)

	h.RegisterInternalRoutes(r.Group("/internal"))
	return r
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHandler_RequiresAuth(t *testing.T) {
	env := newTestEnv(t, pricing.ModeTiered, pricing.CreditUnit)
	r := setupRouter(t, env, "")

	w := doJSON(r, http.MethodGet, "/v1/unlock/status/item_1", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_UnlockWithCredit(t *testing.T) {
	env := newTestEnv(t, pricing.ModeTiered, pricing.CreditUnit)
	r := setupRouter(t, env, "buyer_1")

	w := doJSON(r, http.MethodPost, "/v1/unlock/item_1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, true, body["granted"])
	seller, ok := body["sellerInfo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Asha", seller["name"])

	w = doJSON(r, http.MethodGet, "/v1/wallet", nil)
	require.Equal(t, http.StatusOK, w.Code)
	wallet := decode(t, w)["wallet"].(map[string]any)
	assert.Equal(t, float64(0), wallet["credits"])
	assert.Equal(t, float64(1), wallet["totalUnlocks"])
}

func TestHandler_UnlockCreatesOrderThenVerify(t *testing.T) {
	env := newTestEnv(t, pricing.ModeTiered, 0)
	r := setupRouter(t, env, "buyer_1")

	w := doJSON(r, http.MethodPost, "/v1/unlock/item_1", map[string]any{"tier": "basic"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var res UnlockResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.True(t, res.RequiresPayment)
	require.NotNil(t, res.Order)
	assert.Equal(t, int64(4900), res.Order.Amount)

	cb, err := env.sandbox.Pay(res.Order.GatewayOrderID, gateway.PaymentCaptured)
	require.NoError(t, err)

	w = doJSON(r, http.MethodPost, "/v1/payment/verify", cb)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["granted"])

	w = doJSON(r, http.MethodPost, "/v1/payment/verify", cb)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_processed", decode(t, w)["error"])
}

func TestHandler_VerifyErrors(t *testing.T) {
	env := newTestEnv(t, pricing.ModeTiered, 0)
	r := setupRouter(t, env, "buyer_1")

	w := doJSON(r, http.MethodPost, "/v1/payment/verify", map[string]string{"internalOrderId": "ord_1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decode(t, w)["error"])

	w = doJSON(r, http.MethodPost, "/v1/payment/verify", VerifyRequest{
		OrderID: "ord_missing", GatewayPaymentID: "pay_1", Signature: "ab",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, cb := env.pay(t, "buyer_1", "item_1", "", gateway.PaymentCaptured)
	cb.Signature = "00ff"
	w = doJSON(r, http.MethodPost, "/v1/payment/verify", cb)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "tampered_payment", decode(t, w)["error"])
}

func TestHandler_OwnItemForbidden(t *testing.T) {
	env := newTestEnv(t, pricing.ModeTiered, pricing.CreditUnit)
	r := setupRouter(t, env, "seller_1")

	w := doJSON(r, http.MethodPost, "/v1/unlock/item_1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "own_item", decode(t, w)["error"])
}

func TestHandler_InvalidItemID(t *testing.T) {
	env := newTestEnv(t, pricing.ModeTiered, pricing.CreditUnit)
	r := setupRouter(t, env, "buyer_1")

	w := doJSON(r, http.MethodGet, "/v1/unlock/status/bad$id", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/unlock/item_1", map[string]any{"tier": "gold"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Status(t *testing.T) {
	env := newTestEnv(t, pricing.ModeTiered, pricing.CreditUnit)
	r := setupRouter(t, env, "buyer_1")

	w := doJSON(r, http.MethodGet, "/v1/unlock/status/item_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["unlocked"])
	assert.Equal(t, float64(1), body["freeCredits"])
	assert.NotContains(t, body, "sellerInfo")

	w = doJSON(r, http.MethodGet, "/v1/unlock/status/item_404", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_History(t *testing.T) {
	env := newTestEnv(t, pricing.ModeTiered, 2*pricing.CreditUnit)
	r := setupRouter(t, env, "buyer_1")

	doJSON(r, http.MethodPost, "/v1/unlock/item_1", nil)
	doJSON(r, http.MethodPost, "/v1/unlock/item_3", nil)

	w := doJSON(r, http.MethodGet, "/v1/unlock/history?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["records"], 1)
	assert.Equal(t, true, body["hasMore"])

	w = doJSON(r, http.MethodGet, "/v1/unlock/history?cursor=%25%25", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_InternalRoutes(t *testing.T) {
	env := newTestEnv(t, pricing.ModeTiered, pricing.CreditUnit)
	r := setupRouter(t, env, "buyer_1")

	w := doJSON(r, http.MethodPost, "/internal/quota/check", map[string]string{"userId": "buyer_1", "itemId": "item_1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_unlocked", decode(t, w)["error"])

	_, err := env.engine.Unlock(context.Background(), "buyer_1", "item_1", UnlockRequest{})
	require.NoError(t, err)

	w = doJSON(r, http.MethodGet, "/internal/unlocks/buyer_1/item_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "basic", decode(t, w)["tier"])

	w = doJSON(r, http.MethodPost, "/internal/quota/consume", map[string]string{"userId": "buyer_1", "itemId": "item_1"})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["allowed"])
	assert.Equal(t, float64(2), body["remaining"])

	w = doJSON(r, http.MethodPost, "/internal/quota/consume", map[string]string{"userId": "bad id"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/internal/bookings/rejected",
		map[string]string{"bookingId": "bk_1", "buyerId": "buyer_1", "itemId": "item_1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["refunded"])

	w = doJSON(r, http.MethodPost, "/internal/bookings/rejected",
		map[string]string{"bookingId": "bk_1", "buyerId": "buyer_1", "itemId": "item_1"})
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, false, body["refunded"])
	assert.Equal(t, "duplicate", body["outcome"])
}

func TestWriteError_GatewayUnavailable(t *testing.T) {
	env := newTestEnv(t, pricing.ModeTiered, 0)
	r := setupRouter(t, env, "buyer_1")

	env.sandbox.FailNext(gateway.ErrUnavailable)
	w := doJSON(r, http.MethodPost, "/v1/unlock/item_1", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "gateway_unavailable", decode(t, w)["error"])
}

func TestHandler_SyncItem(t *testing.T) {
	env := newTestEnv(t, pricing.ModeTiered, pricing.CreditUnit)
	r := setupRouter(t, env, "buyer_1")

	w := doJSON(r, http.MethodPut, "/internal/items/item_9", map[string]any{
		"sellerId": "seller_9",
		"title":    "Study table",
		"seller":   map[string]string{"name": "Meera", "phone": "+919876543210"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/unlock/item_9", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	seller := body["sellerInfo"].(map[string]any)
	assert.Equal(t, "Meera", seller["name"])
	assert.Equal(t, "+919876543210", seller["phone"])

	w = doJSON(r, http.MethodPut, "/internal/items/item_9", map[string]any{"title": "no seller"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPut, "/internal/items/bad%20id", map[string]any{"sellerId": "seller_9"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
