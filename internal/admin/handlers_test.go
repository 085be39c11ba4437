package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusbazaar/unlockd/internal/reconciliation"
	"github.com/campusbazaar/unlockd/internal/unlock"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRunner struct {
	stuck    []*unlock.Order
	scanErr  error
	actorCtx context.Context
}

func (f *fakeRunner) Scan(context.Context) ([]*unlock.Order, error) {
	return f.stuck, f.scanErr
}

func (f *fakeRunner) RunAll(context.Context) (*reconciliation.Report, error) {
	return &reconciliation.Report{Scanned: len(f.stuck), Counts: map[string]int{}}, nil
}

func (f *fakeRunner) ReconcileOrder(ctx context.Context, orderID string) reconciliation.Result {
	f.actorCtx = ctx
	return reconciliation.Result{OrderID: orderID, Outcome: reconciliation.OutcomeGranted}
}

type fakeSweeper struct {
	ttl time.Duration
}

func (f *fakeSweeper) SweepReservations(_ context.Context, ttl time.Duration, _ int) (int, error) {
	f.ttl = ttl
	return 3, nil
}

func newRouter(h *Handler) *gin.Engine {
	r := gin.New()
	h.RegisterRoutes(r.Group(""))
	return r
}

func serve(r *gin.Engine, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestHandler_Unconfigured(t *testing.T) {
	r := newRouter(NewHandler())

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/admin/orders/stuck"},
		{http.MethodPost, "/admin/orders/ord_1/reconcile"},
		{http.MethodPost, "/admin/reconcile"},
		{http.MethodGet, "/admin/audit/buyer_1"},
		{http.MethodPost, "/admin/reservations/sweep"},
	} {
		w, _ := serve(r, tc.method, tc.path)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, tc.path)
	}
}

func TestHandler_ListStuck(t *testing.T) {
	runner := &fakeRunner{stuck: []*unlock.Order{{ID: "ord_1", GatewayPaymentID: "pay_1"}}}
	r := newRouter(NewHandler().WithReconciler(runner))

	w, body := serve(r, http.MethodGet, "/admin/orders/stuck")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["count"])

	runner.scanErr = errors.New("db down")
	w, _ = serve(r, http.MethodGet, "/admin/orders/stuck")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandler_ReconcileOrder(t *testing.T) {
	runner := &fakeRunner{}
	r := newRouter(NewHandler().WithReconciler(runner))

	w, body := serve(r, http.MethodPost, "/admin/orders/ord_1/reconcile")
	require.Equal(t, http.StatusOK, w.Code)
	res, _ := body["result"].(map[string]any)
	assert.Equal(t, "ord_1", res["orderId"])
	assert.Equal(t, reconciliation.OutcomeGranted, res["outcome"])
	require.NotNil(t, runner.actorCtx)

	w, _ = serve(r, http.MethodPost, "/admin/orders/bad%20id/reconcile")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_TriggerReconciliation(t *testing.T) {
	runner := &fakeRunner{stuck: []*unlock.Order{{ID: "ord_1"}, {ID: "ord_2"}}}
	r := newRouter(NewHandler().WithReconciler(runner))

	w, body := serve(r, http.MethodPost, "/admin/reconcile")
	require.Equal(t, http.StatusOK, w.Code)
	report, _ := body["report"].(map[string]any)
	assert.Equal(t, float64(2), report["scanned"])
}

func TestHandler_QueryAudit(t *testing.T) {
	audit := unlock.NewMemoryAuditLogger()
	ctx := context.Background()
	require.NoError(t, audit.LogAudit(ctx, &unlock.AuditEntry{UserID: "buyer_1", Operation: "unlock"}))
	require.NoError(t, audit.LogAudit(ctx, &unlock.AuditEntry{UserID: "buyer_1", Operation: "refund"}))
	require.NoError(t, audit.LogAudit(ctx, &unlock.AuditEntry{UserID: "buyer_2", Operation: "unlock"}))

	r := newRouter(NewHandler().WithAudit(audit))

	w, body := serve(r, http.MethodGet, "/admin/audit/buyer_1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["count"])

	w, body = serve(r, http.MethodGet, "/admin/audit/buyer_1?operation=refund")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["count"])
}

func TestHandler_SweepReservations(t *testing.T) {
	sweeper := &fakeSweeper{}
	r := newRouter(NewHandler().WithSweeper(sweeper, 0))

	w, body := serve(r, http.MethodPost, "/admin/reservations/sweep")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), body["releasedCount"])
	assert.Equal(t, 10*time.Minute, sweeper.ttl)
}
