// Package notify relays unlock lifecycle events to collaborators: the chat
// service (auto-message to the seller), the buyer's open websocket sessions,
// and any downstream queue. Delivery is best effort and never blocks or fails
// the operation that produced the event.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/campusbazaar/unlockd/internal/idgen"
	"github.com/campusbazaar/unlockd/internal/metrics"
	"github.com/campusbazaar/unlockd/internal/pricing"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventUnlockGranted  EventType = "unlock.granted"
	EventUnlockUpgraded EventType = "unlock.upgraded"
	EventWalletRefunded EventType = "wallet.refunded"
	EventQuotaExhausted EventType = "quota.exhausted"
)

// Event is the payload every relay receives.
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	UserID     string          `json:"userId"`
	SellerID   string          `json:"sellerId,omitempty"`
	ItemID     string          `json:"itemId"`
	Tier       string          `json:"tier,omitempty"`
	Path       string          `json:"path,omitempty"` // credit, payment, reconcile
	Amount     int64           `json:"amount,omitempty"`
	Credits    pricing.Credits `json:"credits,omitempty"`
}

// Recipients are the users an event concerns.
func (e Event) Recipients() []string {
	if e.SellerID == "" || e.SellerID == e.UserID {
		return []string{e.UserID}
	}
	return []string{e.UserID, e.SellerID}
}

// NewEvent stamps an id and time on an event.
func NewEvent(t EventType, userID, itemID string) Event {
	return Event{
		ID:         idgen.WithPrefix(idgen.PrefixEvent),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		UserID:     userID,
		ItemID:     itemID,
	}
}

// Relay delivers one event to one backend.
type Relay interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
}

// Dispatcher fans events out to relays from a bounded queue.
type Dispatcher struct {
	relays  []Relay
	queue   chan Event
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. timeout bounds each relay delivery.
func NewDispatcher(logger *slog.Logger, timeout time.Duration, relays ...Relay) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		relays:  relays,
		queue:   make(chan Event, 1024),
		timeout: timeout,
		logger:  logger,
	}
}

// Start launches workers. They exit after Close drains the queue.
func (d *Dispatcher) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for ev := range d.queue {
				d.Publish(context.Background(), ev)
			}
		}()
	}
}

// Notify enqueues ev without blocking. A full or closed queue drops it.
func (d *Dispatcher) Notify(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- ev:
	default:
		metrics.RelayDeliveriesTotal.WithLabelValues("queue", "dropped").Inc()
		d.logger.Warn("notification queue full, dropping event", "type", ev.Type, "event_id", ev.ID)
	}
}

// Publish delivers ev to every relay synchronously.
func (d *Dispatcher) Publish(ctx context.Context, ev Event) {
	for _, r := range d.relays {
		rctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := r.Publish(rctx, ev)
		cancel()
		if err != nil {
			metrics.RelayDeliveriesTotal.WithLabelValues(r.Name(), "error").Inc()
			d.logger.Warn("notification relay failed",
				"relay", r.Name(), "type", ev.Type, "event_id", ev.ID, "error", err)
			continue
		}
		metrics.RelayDeliveriesTotal.WithLabelValues(r.Name(), "ok").Inc()
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}
