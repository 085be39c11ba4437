package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// SandboxHandler exposes a fake checkout so the whole pay-and-verify loop can
// be driven locally with curl.
type SandboxHandler struct {
	sandbox *Sandbox
}

// NewSandboxHandler wraps s.
func NewSandboxHandler(s *Sandbox) *SandboxHandler {
	return &SandboxHandler{sandbox: s}
}

// RegisterRoutes sets up the sandbox checkout route.
func (h *SandboxHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sandbox/checkout/:gatewayOrderId", h.Checkout)
}

type checkoutRequest struct {
	Status string `json:"status"`
}

// Checkout pays a sandbox order and returns the signed callback payload.
func (h *SandboxHandler) Checkout(c *gin.Context) {
	var req checkoutRequest
	_ = c.ShouldBindJSON(&req)

	status := PaymentCaptured
	if req.Status != "" {
		status = PaymentStatus(req.Status)
	}

	cb, err := h.sandbox.Pay(c.Param("gatewayOrderId"), status)
	if err != nil {
		if errors.Is(err, ErrRejected) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Sandbox checkout failed"})
		return
	}
	c.JSON(http.StatusOK, cb)
}
