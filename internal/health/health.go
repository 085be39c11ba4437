// Package health runs named subsystem checks for the liveness and readiness
// endpoints. Critical checks gate readiness; optional ones (event relays,
// background loops) are reported but never take the service out of rotation.
package health

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds each check.
const DefaultTimeout = 2 * time.Second

// Check reports a subsystem problem as an error.
type Check func(ctx context.Context) error

// Status is the result of one check.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
	Latency  string `json:"latency"`
}

// Option configures a registered check.
type Option func(*entry)

// Optional marks a check as not gating readiness.
func Optional() Option {
	return func(e *entry) { e.critical = false }
}

type entry struct {
	name     string
	check    Check
	critical bool
}

// Registry holds named checks.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	timeout time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// Register adds a check. Checks are critical unless Optional is given.
func (r *Registry) Register(name string, check Check, opts ...Option) {
	e := entry{name: name, check: check, critical: true}
	for _, opt := range opts {
		opt(&e)
	}
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// CheckAll runs every check concurrently. ready is false when any critical
// check fails. Statuses keep registration order.
func (r *Registry) CheckAll(ctx context.Context) (ready bool, statuses []Status) {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	statuses = make([]Status, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			statuses[i] = r.run(ctx, e)
			return nil
		})
	}
	_ = g.Wait()

	ready = true
	for _, st := range statuses {
		if st.Critical && !st.Healthy {
			ready = false
		}
	}
	return ready, statuses
}

func (r *Registry) run(ctx context.Context, e entry) (st Status) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	st = Status{Name: e.name, Critical: e.critical}
	start := time.Now()
	defer func() {
		st.Latency = time.Since(start).Round(time.Microsecond).String()
		if p := recover(); p != nil {
			st.Healthy, st.Detail = false, "check panicked"
		}
	}()

	if err := e.check(ctx); err != nil {
		st.Detail = err.Error()
		return st
	}
	st.Healthy = true
	return st
}

var errNotRunning = errors.New("not running")

// Running adapts a background loop's liveness flag into a Check.
func Running(running func() bool) Check {
	return func(context.Context) error {
		if !running() {
			return errNotRunning
		}
		return nil
	}
}

// Handler serves the registry as a readiness endpoint: 200 "ready" or
// "degraded" while every critical check passes, 503 "unavailable" otherwise.
func (r *Registry) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ready, statuses := r.CheckAll(c.Request.Context())
		c.JSON(StatusCode(ready), gin.H{
			"status": Summary(ready, statuses),
			"checks": statuses,
		})
	}
}

// StatusCode maps readiness to an HTTP status.
func StatusCode(ready bool) int {
	if ready {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

// Summary names the overall state.
func Summary(ready bool, statuses []Status) string {
	if !ready {
		return "unavailable"
	}
	for _, st := range statuses {
		if !st.Healthy {
			return "degraded"
		}
	}
	return "ready"
}
