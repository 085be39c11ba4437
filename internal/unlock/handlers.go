package unlock

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/campusbazaar/unlockd/internal/auth"
	"github.com/campusbazaar/unlockd/internal/logging"
	"github.com/campusbazaar/unlockd/internal/pagination"
	"github.com/campusbazaar/unlockd/internal/pricing"
	"github.com/campusbazaar/unlockd/internal/validation"
)

// Handler provides HTTP endpoints for unlock operations.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new unlock handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterProtectedRoutes sets up buyer routes. The group must require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	ids := validation.IDParamMiddleware("itemId")
	r.GET("/unlock/status/:itemId", ids, h.GetStatus)
	r.GET("/unlock/history", h.GetHistory)
	r.POST("/unlock/:itemId", ids, h.Unlock)
	r.POST("/payment/verify", h.VerifyPayment)
	r.GET("/wallet", h.GetWallet)
}

// RegisterInternalRoutes sets up collaborator routes. The group must require
// the service token.
func (h *Handler) RegisterInternalRoutes(r *gin.RouterGroup) {
	r.GET("/unlocks/:userId/:itemId", validation.IDParamMiddleware("userId", "itemId"), h.GetUnlockState)
	r.PUT("/items/:itemId", validation.IDParamMiddleware("itemId"), h.SyncItem)
	r.POST("/bookings/rejected", h.BookingRejected)
	r.POST("/quota/check", h.QuotaCheck)
	r.POST("/quota/consume", h.QuotaConsume)
}

// GetStatus handles GET /v1/unlock/status/:itemId
func (h *Handler) GetStatus(c *gin.Context) {
	view, err := h.engine.Status(c.Request.Context(), auth.GetUserID(c), c.Param("itemId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type unlockBody struct {
	UseFreeCredit *bool  `json:"useFreeCredit"`
	Tier          string `json:"tier" binding:"omitempty,oneof=basic premium standard"`
}

// Unlock handles POST /v1/unlock/:itemId
func (h *Handler) Unlock(c *gin.Context) {
	var body unlockBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, validation.BindErrorBody(err))
			return
		}
	}

	res, err := h.engine.Unlock(c.Request.Context(), auth.GetUserID(c), c.Param("itemId"), UnlockRequest{
		UseFreeCredit: body.UseFreeCredit,
		Tier:          pricing.Tier(body.Tier),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if res.RequiresPayment {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

// VerifyPayment handles POST /v1/payment/verify
func (h *Handler) VerifyPayment(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, validation.BindErrorBody(err))
		return
	}

	ctx := WithAuditIP(c.Request.Context(), c.ClientIP())
	ctx = WithActor(ctx, "user", auth.GetUserID(c))
	res, err := h.engine.Verify(ctx, auth.GetUserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetHistory handles GET /v1/unlock/history?limit=&cursor=
func (h *Handler) GetHistory(c *gin.Context) {
	page, err := h.engine.History(c.Request.Context(), auth.GetUserID(c),
		c.Query("cursor"), pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetWallet handles GET /v1/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.engine.WalletBalance(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// GetUnlockState handles GET /internal/unlocks/:userId/:itemId
func (h *Handler) GetUnlockState(c *gin.Context) {
	st, err := h.engine.UnlockState(c.Request.Context(), c.Param("userId"), c.Param("itemId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type itemBody struct {
	SellerID string     `json:"sellerId" binding:"required,entityid"`
	Title    string     `json:"title" binding:"max=200"`
	Seller   SellerInfo `json:"seller"`
}

// SyncItem handles PUT /internal/items/:itemId
func (h *Handler) SyncItem(c *gin.Context) {
	var body itemBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, validation.BindErrorBody(err))
		return
	}

	item := &Item{
		ID:       c.Param("itemId"),
		SellerID: body.SellerID,
		Title:    validation.SanitizeString(body.Title, validation.MaxStringLength),
		Seller: SellerInfo{
			Name:   validation.SanitizeString(body.Seller.Name, 200),
			Hostel: validation.SanitizeString(body.Seller.Hostel, 200),
			Phone:  validation.SanitizeString(body.Seller.Phone, 32),
			Email:  validation.SanitizeString(body.Seller.Email, 254),
		},
	}
	if err := h.engine.SyncItem(c.Request.Context(), item); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": item})
}

type bookingRejectedBody struct {
	BookingID string `json:"bookingId" binding:"required,entityid"`
	BuyerID   string `json:"buyerId" binding:"required,entityid"`
	ItemID    string `json:"itemId" binding:"required,entityid"`
}

// BookingRejected handles POST /internal/bookings/rejected
func (h *Handler) BookingRejected(c *gin.Context) {
	var body bookingRejectedBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, validation.BindErrorBody(err))
		return
	}

	ctx := WithActor(c.Request.Context(), "service", "booking")
	outcome, err := h.engine.BookingRejected(ctx, body.BookingID, body.BuyerID, body.ItemID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"refunded": outcome == RefundCredited,
		"outcome":  outcome,
	})
}

type quotaBody struct {
	UserID string `json:"userId" binding:"required,entityid"`
	ItemID string `json:"itemId" binding:"required,entityid"`
}

// QuotaCheck handles POST /internal/quota/check
func (h *Handler) QuotaCheck(c *gin.Context) {
	h.quota(c, false)
}

// QuotaConsume handles POST /internal/quota/consume
func (h *Handler) QuotaConsume(c *gin.Context) {
	h.quota(c, true)
}

func (h *Handler) quota(c *gin.Context, consume bool) {
	var body quotaBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, validation.BindErrorBody(err))
		return
	}

	var (
		res *QuotaResult
		err error
	)
	if consume {
		res, err = h.engine.RecordSend(c.Request.Context(), body.UserID, body.ItemID)
	} else {
		res, err = h.engine.CanSend(c.Request.Context(), body.UserID, body.ItemID)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// writeError maps domain errors to status codes.
func writeError(c *gin.Context, err error) {
	status, code, msg := http.StatusInternalServerError, "internal_error", "Internal server error"

	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, pricing.ErrUnknownTier):
		status, code, msg = http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, ErrCannotUnlockOwnItem):
		status, code, msg = http.StatusForbidden, "own_item", err.Error()
	case errors.Is(err, ErrUnauthorized):
		status, code, msg = http.StatusForbidden, "forbidden", err.Error()
	case errors.Is(err, ErrItemNotFound):
		status, code, msg = http.StatusNotFound, "item_not_found", err.Error()
	case errors.Is(err, ErrOrderNotFound):
		status, code, msg = http.StatusNotFound, "order_not_found", err.Error()
	case errors.Is(err, ErrNotUnlocked):
		status, code, msg = http.StatusNotFound, "not_unlocked", err.Error()
	case errors.Is(err, ErrAlreadyUnlocked):
		status, code, msg = http.StatusConflict, "already_unlocked", err.Error()
	case errors.Is(err, ErrAlreadyProcessed):
		status, code, msg = http.StatusConflict, "already_processed", err.Error()
	case errors.Is(err, pricing.ErrNoOffer):
		status, code, msg = http.StatusConflict, "no_offer", err.Error()
	case errors.Is(err, ErrInsufficientBalance):
		status, code, msg = http.StatusPaymentRequired, "insufficient_balance", err.Error()
	case errors.Is(err, ErrPaymentNotCaptured):
		status, code, msg = http.StatusPaymentRequired, "payment_not_captured", ErrPaymentNotCaptured.Error()
	case errors.Is(err, ErrPaymentFailed):
		status, code, msg = http.StatusPaymentRequired, "payment_failed", err.Error()
	case errors.Is(err, ErrTamperedPayment):
		status, code, msg = http.StatusBadRequest, "tampered_payment", err.Error()
	case errors.Is(err, ErrAmountMismatch):
		status, code, msg = http.StatusBadRequest, "amount_mismatch", err.Error()
	case errors.Is(err, ErrGatewayUnavailable):
		status, code, msg = http.StatusBadGateway, "gateway_unavailable", "Payment gateway unavailable, retry with the same order"
	case errors.Is(err, ErrGrantFailed):
		status, code, msg = http.StatusInternalServerError, "grant_failed",
			"Payment received but the unlock could not be recorded; it will be reconciled"
	}

	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": msg,
	})
}
