package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/campusbazaar/unlockd/internal/idgen"
)

// Sandbox is an in-process gateway for development and tests. It mints
// orders, lets a caller "pay" them, and signs callbacks with the same secret
// the verifier checks against.
type Sandbox struct {
	mu       sync.Mutex
	signer   *Signer
	orders   map[string]*Order
	payments map[string]*Payment
	failNext error
}

// NewSandbox creates a sandbox signing callbacks with secret.
func NewSandbox(secret string) *Sandbox {
	return &Sandbox{
		signer:   NewSigner(secret),
		orders:   make(map[string]*Order),
		payments: make(map[string]*Payment),
	}
}

// FailNext makes the next call return err (once).
func (s *Sandbox) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *Sandbox) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *Sandbox) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrRejected)
	}
	if req.Receipt != "" {
		for _, existing := range s.orders {
			if existing.Receipt == req.Receipt {
				cp := *existing
				return &cp, nil
			}
		}
	}
	o := &Order{
		ID:       idgen.WithPrefix("order_"),
		Amount:   req.Amount,
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Status:   "created",
	}
	s.orders[o.ID] = o
	cp := *o
	return &cp, nil
}

func (s *Sandbox) FetchPayment(ctx context.Context, paymentID string) (*Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	p, ok := s.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

// Pay records a payment for the order in the given status and returns the
// signed callback the checkout would post back.
func (s *Sandbox) Pay(gatewayOrderID string, status PaymentStatus) (*Callback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[gatewayOrderID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown order %s", ErrRejected, gatewayOrderID)
	}
	p := &Payment{
		ID:       idgen.WithPrefix("pay_"),
		OrderID:  o.ID,
		Status:   status,
		Amount:   o.Amount,
		Currency: o.Currency,
		Method:   "upi",
	}
	s.payments[p.ID] = p
	o.Status = "attempted"
	if status.Settled() {
		o.Status = "paid"
	}
	return &Callback{
		GatewayOrderID:   o.ID,
		GatewayPaymentID: p.ID,
		Signature:        s.signer.Sign(o.ID, p.ID),
		InternalOrderID:  o.Receipt,
	}, nil
}

// SetPaymentStatus changes a payment's status, e.g. to simulate a late capture.
func (s *Sandbox) SetPaymentStatus(paymentID string, status PaymentStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[paymentID]; ok {
		p.Status = status
	}
}

// SetPaymentAmount overrides a payment's captured amount.
func (s *Sandbox) SetPaymentAmount(paymentID string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[paymentID]; ok {
		p.Amount = amount
	}
}
