package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/campusbazaar/unlockd/internal/logging"
	"github.com/campusbazaar/unlockd/internal/metrics"
	"github.com/campusbazaar/unlockd/internal/retry"
	"github.com/campusbazaar/unlockd/internal/traces"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 2
	maxErrorBody      = 512
)

// HTTPConfig configures the REST gateway client.
type HTTPConfig struct {
	BaseURL   string
	KeyID     string
	KeySecret string
	Timeout   time.Duration // bounds a whole call, retries included
	UserAgent string
}

// HTTPClient talks to the gateway's REST API with basic auth. Every call goes
// through a circuit breaker and a bounded retry on 429/5xx.
type HTTPClient struct {
	cfg     HTTPConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	policy  retry.Policy
	logger  *slog.Logger
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient swaps the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.http = hc }
}

// WithRetryPolicy overrides the retry policy. Tests use it to drop sleeps.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *HTTPClient) { c.policy = p }
}

// WithBreaker shares a breaker, e.g. one built with test settings.
func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) Option {
	return func(c *HTTPClient) { c.breaker = cb }
}

// NewBreaker returns the breaker used for gateway calls: it opens after more
// than five consecutive failures and lets a trial request through after 30 seconds.
func NewBreaker(name string) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
}

// NewHTTPClient builds the REST client. Credentials are read once here.
func NewHTTPClient(cfg HTTPConfig, logger *slog.Logger, opts ...Option) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &HTTPClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: NewBreaker("payment-gateway"),
		policy: retry.Policy{
			MaxAttempts: 1 + defaultMaxRetries,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			OnRetry: func(attempt int, err error, wait time.Duration) {
				logger.Warn("gateway call failed, retrying", "attempt", attempt, "wait", wait, "error", err)
			},
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BreakerState exposes the breaker state for health checks.
func (c *HTTPClient) BreakerState() string {
	return c.breaker.State().String()
}

// IdempotencyHeader carries the receipt on order creation so a retried POST
// returns the gateway order already created for that receipt.
const IdempotencyHeader = "Idempotency-Key"

// request describes one logical gateway call.
type request struct {
	op, method, path string
	// idempotencyKey is sent on every attempt. A POST without one is tried
	// once.
	idempotencyKey string
	in, out        any
}

// CreateOrder opens an order on the gateway. The receipt is the idempotency
// key; without one the call is not retried.
func (c *HTTPClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	var out Order
	err := c.call(ctx, request{
		op: "create_order", method: http.MethodPost, path: "/v1/orders",
		idempotencyKey: req.Receipt, in: req, out: &out,
	})
	if err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: order response without id", ErrUnavailable)
	}
	return &out, nil
}

// FetchPayment reads the authoritative payment state.
func (c *HTTPClient) FetchPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var out Payment
	path := "/v1/payments/" + url.PathEscape(paymentID)
	if err := c.call(ctx, request{op: "fetch_payment", method: http.MethodGet, path: path, out: &out}); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) call(ctx context.Context, r request) (err error) {
	op := r.op
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	ctx, span := traces.StartSpan(ctx, "gateway."+op, traces.Operation(op))
	start := time.Now()
	defer func() {
		outcome := "ok"
		switch {
		case errors.Is(err, ErrUnavailable):
			outcome = "unavailable"
		case err != nil:
			outcome = "rejected"
		}
		metrics.GatewayRequestDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
		traces.End(span, err)
	}()

	var body []byte
	if r.in != nil {
		body, err = json.Marshal(r.in)
		if err != nil {
			return fmt.Errorf("gateway: encode %s: %w", op, err)
		}
	}

	policy := c.policy
	if r.method != http.MethodGet && r.idempotencyKey == "" {
		policy.MaxAttempts = 1
	}
	err = policy.Do(ctx, func() error {
		return c.attempt(ctx, r, body)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRejected) || errors.Is(err, ErrPaymentNotFound) || errors.Is(err, ErrUnavailable) {
		return err
	}
	c.logger.Warn("gateway call failed", "operation", op, "request_id", logging.RequestID(ctx), "error", err)
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func (c *HTTPClient) attempt(ctx context.Context, r request, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.cfg.BaseURL+r.path, reader)
	if err != nil {
		return retry.Permanent(fmt.Errorf("gateway: build request: %w", err))
	}
	req.SetBasicAuth(c.cfg.KeyID, c.cfg.KeySecret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if r.idempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, r.idempotencyKey)
	}
	if reqID := logging.RequestID(ctx); reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		r, doErr := c.http.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			return r, fmt.Errorf("upstream returned %d", r.StatusCode)
		}
		return r, nil
	})
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return retry.Permanent(fmt.Errorf("%w: circuit open", ErrUnavailable))
	}
	if ctx.Err() != nil {
		return retry.Permanent(fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err()))
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return retry.After(err, retryAfter(resp))
		}
		return err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return retry.Permanent(ErrPaymentNotFound)
	case resp.StatusCode >= 400:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return retry.Permanent(fmt.Errorf("%w: %d %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	if err := json.NewDecoder(resp.Body).Decode(r.out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// retryAfter parses Retry-After as seconds or an HTTP date.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
