package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHub(opts ...Option) *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func fakeSession(h *Hub, userID string, buf int) *session {
	return &session{hub: h, userID: userID, send: make(chan []byte, buf)}
}

func TestPublish_OnlyRecipients(t *testing.T) {
	h := testHub()
	buyer := fakeSession(h, "buyer", 4)
	other := fakeSession(h, "someone", 4)
	require.NoError(t, h.add(buyer))
	require.NoError(t, h.add(other))

	n := h.Publish(&Event{Type: "unlock.granted", Data: map[string]string{"itemId": "item_1"}, Recipients: []string{"buyer", "seller"}})
	assert.Equal(t, 1, n)
	assert.Len(t, buyer.send, 1)
	assert.Empty(t, other.send)

	var got map[string]any
	require.NoError(t, json.Unmarshal(<-buyer.send, &got))
	assert.Equal(t, "unlock.granted", got["type"])
	assert.NotContains(t, got, "Recipients")
}

func TestPublish_SubscriptionFilter(t *testing.T) {
	h := testHub()
	s := fakeSession(h, "u1", 4)
	s.types = []string{"wallet.refunded"}
	require.NoError(t, h.add(s))

	assert.Equal(t, 0, h.Publish(&Event{Type: "unlock.granted", Recipients: []string{"u1"}}))
	assert.Equal(t, 1, h.Publish(&Event{Type: "wallet.refunded", Recipients: []string{"u1"}}))
}

func TestPublish_SlowSessionDisconnected(t *testing.T) {
	h := testHub()
	s := fakeSession(h, "u1", 1)
	require.NoError(t, h.add(s))

	assert.Equal(t, 1, h.Publish(&Event{Type: "x", Recipients: []string{"u1"}}))
	assert.Equal(t, 0, h.Publish(&Event{Type: "x", Recipients: []string{"u1"}}))
	assert.Equal(t, 0, h.Sessions("u1"))

	<-s.send
	_, open := <-s.send
	assert.False(t, open, "send channel should be closed")
	assert.Equal(t, int64(1), h.Stats()["dropped"])
}

func TestAdd_PerUserLimit(t *testing.T) {
	h := testHub(WithLimits(10, 2))
	require.NoError(t, h.add(fakeSession(h, "u1", 1)))
	require.NoError(t, h.add(fakeSession(h, "u1", 1)))
	assert.Error(t, h.add(fakeSession(h, "u1", 1)))
	assert.NoError(t, h.add(fakeSession(h, "u2", 1)))
}

func TestRemove_Idempotent(t *testing.T) {
	h := testHub()
	s := fakeSession(h, "u1", 1)
	require.NoError(t, h.add(s))
	h.remove(s)
	h.remove(s)
	assert.Equal(t, 0, h.Sessions("u1"))
	assert.Equal(t, 0, h.Stats()["sessions"])
}

func TestRun_ClosesSessionsOnCancel(t *testing.T) {
	h := testHub()
	s := fakeSession(h, "u1", 1)
	require.NoError(t, h.add(s))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
	_, open := <-s.send
	assert.False(t, open)
	assert.True(t, errors.Is(h.add(fakeSession(h, "u2", 1)), ErrClosed))
}

func TestHandleWebSocket_EndToEnd(t *testing.T) {
	h := testHub()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWebSocket(w, r, "u1")
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Sessions("u1") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.Publish(&Event{Type: "wallet.refunded", Recipients: []string{"u1"}}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), "wallet.refunded")

	conn.Close()
	require.Eventually(t, func() bool { return h.Sessions("u1") == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHandleWebSocket_RejectsOrigin(t *testing.T) {
	h := testHub(WithOriginCheck(func(origin string) bool { return origin == "https://campusbazaar.in" }))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWebSocket(w, r, "u1")
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://campusbazaar.in"}})
	require.NoError(t, err)
	conn.Close()
}
