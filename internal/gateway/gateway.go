// Package gateway is the client side of the external payment gateway.
//
// The gateway issues orders for a fixed amount, the buyer pays on the
// gateway's checkout, and the gateway redirects back with a callback carrying
// the gateway order id, payment id and an HMAC signature. The server never
// trusts the callback alone: it recomputes the signature and then fetches the
// payment from the gateway as the authoritative source.
package gateway

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable covers timeouts, transport failures, 5xx answers and an
	// open circuit breaker. Callers may retry later.
	ErrUnavailable = errors.New("gateway: unavailable")

	// ErrRejected is a 4xx answer other than 404; retrying will not help.
	ErrRejected = errors.New("gateway: request rejected")

	// ErrPaymentNotFound means the gateway has no such payment.
	ErrPaymentNotFound = errors.New("gateway: payment not found")
)

// PaymentStatus is the gateway's view of a payment.
type PaymentStatus string

const (
	PaymentCreated    PaymentStatus = "created"
	PaymentAuthorized PaymentStatus = "authorized"
	PaymentCaptured   PaymentStatus = "captured"
	PaymentRefunded   PaymentStatus = "refunded"
	PaymentFailed     PaymentStatus = "failed"
)

// Settled reports whether money has been secured for the merchant.
func (s PaymentStatus) Settled() bool {
	return s == PaymentCaptured || s == PaymentAuthorized
}

// OrderRequest asks the gateway to open an order.
type OrderRequest struct {
	Amount   int64             `json:"amount"` // minor units
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"` // our internal order id
	Notes    map[string]string `json:"notes,omitempty"`
}

// Order is the gateway's order.
type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Payment is the authoritative payment record.
type Payment struct {
	ID       string        `json:"id"`
	OrderID  string        `json:"order_id"`
	Status   PaymentStatus `json:"status"`
	Amount   int64         `json:"amount"`
	Currency string        `json:"currency"`
	Method   string        `json:"method,omitempty"`
}

// Client is the payment gateway contract. Implementations must honour ctx
// deadlines.
type Client interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	FetchPayment(ctx context.Context, paymentID string) (*Payment, error)
}

// Callback is what the gateway's checkout posts back through the browser.
type Callback struct {
	GatewayOrderID   string `json:"gatewayOrderId"`
	GatewayPaymentID string `json:"gatewayPaymentId"`
	Signature        string `json:"signature"`
	InternalOrderID  string `json:"internalOrderId"`
}
