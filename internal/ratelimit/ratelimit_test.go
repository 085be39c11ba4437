package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/campusbazaar/unlockd/internal/auth"
)

func TestLimiterAllow(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 5})
	defer limiter.Stop()

	key := "test-ip"

	// Should allow burst size requests immediately
	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}

	if limiter.Allow(key) {
		t.Error("Request after burst should be denied")
	}

	// 1 rps refills one token per second
	time.Sleep(1100 * time.Millisecond)

	if !limiter.Allow(key) {
		t.Error("Request after waiting should be allowed")
	}
}

func TestLimiterDeniedRequestsDoNotConsume(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 1})
	defer limiter.Stop()

	now := time.Now()
	if wait := limiter.reserve("k", now); wait != 0 {
		t.Fatalf("first request should pass, got wait %v", wait)
	}
	for i := 0; i < 10; i++ {
		if wait := limiter.reserve("k", now); wait <= 0 {
			t.Fatal("request beyond burst should be told to wait")
		}
	}
	// One second later exactly one token is back, despite the denied attempts.
	if wait := limiter.reserve("k", now.Add(time.Second)); wait != 0 {
		t.Fatalf("expected refill after one second, got wait %v", wait)
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 3})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}

	if limiter.Allow("client-a") {
		t.Error("Client A should be rate limited")
	}
	if !limiter.Allow("client-b") {
		t.Error("Client B should not be rate limited")
	}
}

func TestLimiterDisabled(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 0})
	defer limiter.Stop()

	for i := 0; i < 100; i++ {
		if !limiter.Allow("k") {
			t.Fatal("zero rate should disable limiting")
		}
	}
	if limiter.Len() != 0 {
		t.Errorf("disabled limiter should not track callers, got %d", limiter.Len())
	}
}

func TestLimiterEvictIdle(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 5, IdleTTL: time.Minute})
	defer limiter.Stop()

	limiter.Allow("old")
	limiter.Allow("fresh")
	limiter.mu.Lock()
	limiter.clients["old"].lastSeen = time.Now().Add(-2 * time.Minute)
	limiter.mu.Unlock()

	limiter.evictIdle(time.Now())

	if limiter.Len() != 1 {
		t.Fatalf("expected 1 tracked caller, got %d", limiter.Len())
	}
}

func TestMiddleware_KeysByUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 1})
	defer limiter.Stop()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if u := c.GetHeader("X-Test-User"); u != "" {
			c.Set(auth.ContextKeyUserID, u)
		}
		c.Next()
	})
	r.Use(limiter.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		if user != "" {
			req.Header.Set("X-Test-User", user)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := do("alice"); w.Code != http.StatusOK {
		t.Fatalf("alice first request: %d", w.Code)
	}
	w := do("alice")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("alice second request should be limited, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// Same IP, different user: separate bucket.
	if w := do("bob"); w.Code != http.StatusOK {
		t.Fatalf("bob should get a separate bucket, got %d", w.Code)
	}
	// Anonymous caller from the same IP: keyed by IP.
	if w := do(""); w.Code != http.StatusOK {
		t.Fatalf("anonymous first request: %d", w.Code)
	}
	if w := do(""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("anonymous second request should be limited, got %d", w.Code)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 || cfg.BurstSize < cfg.RequestsPerSecond {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}
