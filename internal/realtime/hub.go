// Package realtime pushes a user's own notifications (unlock granted, refund
// credited, quota exhausted) over WebSocket so open clients update without
// polling.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/campusbazaar/unlockd/internal/metrics"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 32
)

// ErrClosed is returned once the hub has shut down.
var ErrClosed = errors.New("realtime: hub closed")

// Event is delivered to every open session of each recipient.
type Event struct {
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	Data       any       `json:"data"`
	Recipients []string  `json:"-"`
}

// Subscription narrows the event types a session receives. Empty means all.
// Clients send it as a JSON text frame at any time.
type Subscription struct {
	EventTypes []string `json:"eventTypes"`
}

// session is one WebSocket connection of one user.
type session struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte

	mu    sync.RWMutex
	types []string
}

func (s *session) wants(eventType string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.types) == 0 || slices.Contains(s.types, eventType)
}

// Option configures a Hub.
type Option func(*Hub)

// WithOriginCheck sets the browser-origin policy for upgrades. Requests
// without an Origin header (native apps) are always accepted.
func WithOriginCheck(allowed func(origin string) bool) Option {
	return func(h *Hub) { h.originAllowed = allowed }
}

// WithLimits caps total sessions and sessions per user.
func WithLimits(maxSessions, perUser int) Option {
	return func(h *Hub) {
		if maxSessions > 0 {
			h.maxSessions = maxSessions
		}
		if perUser > 0 {
			h.perUser = perUser
		}
	}
}

// Hub tracks open sessions by user and fans events out to them.
type Hub struct {
	logger        *slog.Logger
	upgrader      websocket.Upgrader
	originAllowed func(string) bool
	maxSessions   int
	perUser       int

	mu     sync.RWMutex
	users  map[string]map[*session]struct{}
	count  int
	closed bool

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewHub creates a hub. Call Run to tie its lifetime to a context.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:      logger,
		maxSessions: 10000,
		perUser:     5,
		users:       make(map[string]map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if h.originAllowed != nil {
				return h.originAllowed(origin)
			}
			return origin == "http://"+r.Host || origin == "https://"+r.Host
		},
	}
	return h
}

// Run blocks until ctx is done, then closes every session.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	for _, sessions := range h.users {
		for s := range sessions {
			close(s.send)
		}
	}
	h.users = make(map[string]map[*session]struct{})
	h.count = 0
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(0)
	h.logger.Info("realtime hub stopped")
}

func (h *Hub) add(s *session) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if h.count >= h.maxSessions || len(h.users[s.userID]) >= h.perUser {
		return errors.New("realtime: too many sessions")
	}
	if h.users[s.userID] == nil {
		h.users[s.userID] = make(map[*session]struct{})
	}
	h.users[s.userID][s] = struct{}{}
	h.count++
	metrics.ActiveWebSocketClients.Set(float64(h.count))
	return nil
}

// remove drops a session and closes its send channel. Safe to call twice.
func (h *Hub) remove(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessions := h.users[s.userID]
	if _, ok := sessions[s]; !ok {
		return
	}
	delete(sessions, s)
	if len(sessions) == 0 {
		delete(h.users, s.userID)
	}
	h.count--
	close(s.send)
	metrics.ActiveWebSocketClients.Set(float64(h.count))
}

// Publish delivers an event to the open sessions of its recipients and
// returns how many received it. It never blocks: a session whose buffer is
// full is disconnected, and the client refetches state on reconnect.
func (h *Hub) Publish(event *Event) int {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("realtime event not serializable", "type", event.Type, "error", err)
		return 0
	}

	var slow []*session
	sent := 0
	h.mu.RLock()
	for _, userID := range event.Recipients {
		for s := range h.users[userID] {
			if !s.wants(event.Type) {
				continue
			}
			select {
			case s.send <- payload:
				sent++
			default:
				slow = append(slow, s)
			}
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.dropped.Add(1)
		h.remove(s)
	}
	h.delivered.Add(int64(sent))
	return sent
}

// Sessions returns the number of open sessions for a user.
func (h *Hub) Sessions(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Stats returns hub counters.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]any{
		"sessions":  h.count,
		"users":     len(h.users),
		"delivered": h.delivered.Load(),
		"dropped":   h.dropped.Load(),
	}
}

// HandleWebSocket upgrades an authenticated request to a session for userID.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID string) {
	h.mu.RLock()
	closed, full := h.closed, h.count >= h.maxSessions || len(h.users[userID]) >= h.perUser
	h.mu.RUnlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if full {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	s := &session{hub: h, conn: conn, userID: userID, send: make(chan []byte, sendBuffer)}
	if err := h.add(s); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go s.writeLoop()
	go s.readLoop()
}

// readLoop applies subscription updates and detects disconnects.
func (s *session) readLoop() {
	defer func() {
		s.hub.remove(s)
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(4 * 1024)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.hub.logger.Debug("websocket read error", "user_id", s.userID, "error", err)
			}
			return
		}
		var sub Subscription
		if json.Unmarshal(msg, &sub) == nil {
			s.mu.Lock()
			s.types = sub.EventTypes
			s.mu.Unlock()
		}
	}
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
