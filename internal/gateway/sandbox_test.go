package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSandbox_PayProducesVerifiableCallback(t *testing.T) {
	sb := NewSandbox("secret")
	ctx := context.Background()

	o, err := sb.CreateOrder(ctx, OrderRequest{Amount: 1000, Currency: "INR", Receipt: "ord_1"})
	require.NoError(t, err)

	cb, err := sb.Pay(o.ID, PaymentCaptured)
	require.NoError(t, err)
	assert.Equal(t, "ord_1", cb.InternalOrderID)
	assert.True(t, NewSigner("secret").Verify(cb.GatewayOrderID, cb.GatewayPaymentID, cb.Signature))

	p, err := sb.FetchPayment(ctx, cb.GatewayPaymentID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, p.OrderID)
	assert.Equal(t, int64(1000), p.Amount)
	assert.True(t, p.Status.Settled())
}

func TestSandbox_FailNextIsOneShot(t *testing.T) {
	sb := NewSandbox("secret")
	boom := errors.New("boom")
	sb.FailNext(boom)

	_, err := sb.CreateOrder(context.Background(), OrderRequest{Amount: 10, Currency: "INR"})
	assert.ErrorIs(t, err, boom)

	_, err = sb.CreateOrder(context.Background(), OrderRequest{Amount: 10, Currency: "INR"})
	assert.NoError(t, err)
}

func TestSandbox_CreateOrderIsIdempotentPerReceipt(t *testing.T) {
	sb := NewSandbox("secret")
	ctx := context.Background()

	first, err := sb.CreateOrder(ctx, OrderRequest{Amount: 1000, Currency: "INR", Receipt: "ord_1"})
	require.NoError(t, err)
	again, err := sb.CreateOrder(ctx, OrderRequest{Amount: 1000, Currency: "INR", Receipt: "ord_1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	other, err := sb.CreateOrder(ctx, OrderRequest{Amount: 1000, Currency: "INR", Receipt: "ord_2"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestSandbox_UnknownPayment(t *testing.T) {
	_, err := NewSandbox("s").FetchPayment(context.Background(), "pay_nope")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestSandboxHandler_Checkout(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sb := NewSandbox("secret")
	o, err := sb.CreateOrder(context.Background(), OrderRequest{Amount: 1000, Currency: "INR", Receipt: "ord_9"})
	require.NoError(t, err)

	r := gin.New()
	NewSandboxHandler(sb).RegisterRoutes(r.Group(""))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sandbox/checkout/"+o.ID, strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"internalOrderId":"ord_9"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sandbox/checkout/order_missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
