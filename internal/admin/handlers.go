package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/campusbazaar/unlockd/internal/logging"
	"github.com/campusbazaar/unlockd/internal/unlock"
	"github.com/campusbazaar/unlockd/internal/validation"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	reconciler     ReconciliationRunner
	audit          AuditReader
	sweeper        ReservationSweeper
	reservationTTL time.Duration
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{reservationTTL: 10 * time.Minute}
}

// WithReconciler sets the reconciliation runner for on-demand reconciliation.
func (h *Handler) WithReconciler(r ReconciliationRunner) *Handler {
	h.reconciler = r
	return h
}

// WithAudit sets the audit reader.
func (h *Handler) WithAudit(a AuditReader) *Handler {
	h.audit = a
	return h
}

// WithSweeper sets the reservation sweeper and the age past which a
// reservation counts as abandoned.
func (h *Handler) WithSweeper(s ReservationSweeper, ttl time.Duration) *Handler {
	h.sweeper = s
	if ttl > 0 {
		h.reservationTTL = ttl
	}
	return h
}

// RegisterRoutes sets up admin routes. The group must require the service
// token.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/orders/stuck", h.listStuck)
	r.POST("/admin/orders/:orderId/reconcile", validation.IDParamMiddleware("orderId"), h.reconcileOrder)
	r.POST("/admin/reconcile", h.triggerReconciliation)
	r.GET("/admin/audit/:userId", validation.IDParamMiddleware("userId"), h.queryAudit)
	r.POST("/admin/reservations/sweep", h.sweepReservations)
}

// listStuck returns pending orders that carry a gateway payment id.
func (h *Handler) listStuck(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	orders, err := h.reconciler.Scan(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list stuck orders", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// reconcileOrder re-runs settlement for one order with the gateway as the
// authority.
func (h *Handler) reconcileOrder(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	ctx := unlock.WithActor(c.Request.Context(), "operator", "admin_api")
	ctx = unlock.WithAuditIP(ctx, c.ClientIP())
	res := h.reconciler.ReconcileOrder(ctx, c.Param("orderId"))
	logging.L(ctx).Info("operator reconciliation", "order_id", res.OrderID, "outcome", res.Outcome)

	c.JSON(http.StatusOK, gin.H{"result": res})
}

// triggerReconciliation runs one reconciliation batch on demand.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	ctx := unlock.WithActor(c.Request.Context(), "operator", "admin_api")
	report, err := h.reconciler.RunAll(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}

// queryAudit returns a user's audit trail, newest first.
func (h *Handler) queryAudit(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit log not configured"})
		return
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	entries, err := h.audit.QueryAudit(c.Request.Context(), c.Param("userId"), c.Query("operation"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query audit log", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// sweepReservations releases abandoned credit reservations now instead of
// waiting for the sweeper's next tick.
func (h *Handler) sweepReservations(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reservation sweeper not configured"})
		return
	}

	released, err := h.sweeper.SweepReservations(c.Request.Context(), h.reservationTTL, 1000)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sweep reservations", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"releasedCount": released})
}
