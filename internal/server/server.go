// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/campusbazaar/unlockd/internal/admin"
	"github.com/campusbazaar/unlockd/internal/auth"
	"github.com/campusbazaar/unlockd/internal/config"
	"github.com/campusbazaar/unlockd/internal/dbmigrate"
	"github.com/campusbazaar/unlockd/internal/gateway"
	"github.com/campusbazaar/unlockd/internal/health"
	"github.com/campusbazaar/unlockd/internal/idgen"
	"github.com/campusbazaar/unlockd/internal/logging"
	"github.com/campusbazaar/unlockd/internal/metrics"
	"github.com/campusbazaar/unlockd/internal/notify"
	"github.com/campusbazaar/unlockd/internal/pricing"
	"github.com/campusbazaar/unlockd/internal/ratelimit"
	"github.com/campusbazaar/unlockd/internal/realtime"
	"github.com/campusbazaar/unlockd/internal/reconciliation"
	"github.com/campusbazaar/unlockd/internal/security"
	"github.com/campusbazaar/unlockd/internal/traces"
	"github.com/campusbazaar/unlockd/internal/unlock"
	"github.com/campusbazaar/unlockd/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg        *config.Config
	version    string
	store      unlock.Store
	engine     *unlock.Engine
	gateway    gateway.Client
	sandbox    *gateway.Sandbox // nil unless GATEWAY_PROVIDER=sandbox
	verifier   *auth.TokenVerifier
	dispatcher *notify.Dispatcher
	hub        *realtime.Hub
	redis      *redis.Client
	sweeper    *unlock.Timer
	reconciler *reconciliation.Timer
	runner     *reconciliation.Runner
	audit      unlock.AuditLogger
	limiter    *ratelimit.Limiter
	health     *health.Registry
	db         *sql.DB // nil if using in-memory
	router     *gin.Engine
	httpSrv    *http.Server
	logger     *slog.Logger

	tracesShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	drainDelay     time.Duration
	shutdownOnce   sync.Once
	shutdownErr    error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the build version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithStore replaces the store selected from DATABASE_URL (for testing).
func WithStore(store unlock.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithGateway replaces the gateway selected from GATEWAY_PROVIDER (for testing).
func WithGateway(c gateway.Client) Option {
	return func(s *Server) {
		s.gateway = c
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := validation.RegisterBindings(); err != nil {
		return nil, fmt.Errorf("register validators: %w", err)
	}

	shutdown, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRatio,
		Version:     s.version,
		Environment: cfg.Env,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.tracesShutdown = shutdown

	strategy, err := s.buildPricing()
	if err != nil {
		return nil, err
	}

	s.audit, err = s.initStorage(ctx)
	if err != nil {
		return nil, err
	}

	signer, err := s.initGateway()
	if err != nil {
		return nil, err
	}

	relays, err := s.initRelays(ctx)
	if err != nil {
		return nil, err
	}
	s.dispatcher = notify.NewDispatcher(s.logger, 5*time.Second, relays...)

	s.engine = unlock.NewEngine(s.store, unlock.Config{
		Strategy:       strategy,
		Gateway:        s.gateway,
		Signer:         signer,
		CheckoutKey:    cfg.GatewayKeyID,
		GatewayTimeout: cfg.GatewayTimeout,
		ClaimTTL:       cfg.VerifyClaimTTL,
		RefundCredits:  pricing.CreditsFromFloat(cfg.BookingRefundCredits),
		Audit:          s.audit,
		Notifier:       s.dispatcher,
		Logger:         s.logger,
	})

	s.sweeper = unlock.NewTimer(s.engine.Wallet(), cfg.ReservationTTL, s.logger)
	s.runner = reconciliation.NewRunner(s.store, s.engine, 0, s.logger)
	s.reconciler = reconciliation.NewTimer(s.runner, cfg.ReconcileInterval, s.logger)

	if err := s.initAuth(); err != nil {
		return nil, err
	}

	s.registerHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	s.logger.Info("server initialized",
		"pricing", strategy.Name(),
		"gateway", cfg.GatewayProvider,
		"relays", cfg.RelayBackends,
	)
	return s, nil
}

// buildPricing validates the configured price table for the pricing mode.
func (s *Server) buildPricing() (pricing.Strategy, error) {
	table, err := s.cfg.PricingTable()
	if err != nil {
		return nil, err
	}
	strategy, err := pricing.New(s.cfg.PricingMode, table)
	if err != nil {
		return nil, fmt.Errorf("pricing: %w", err)
	}
	return strategy, nil
}

// initStorage selects Postgres when DATABASE_URL is set, otherwise the
// in-memory store, and returns the matching audit logger.
func (s *Server) initStorage(ctx context.Context) (unlock.AuditLogger, error) {
	signup := pricing.CreditsFromFloat(s.cfg.SignupFreeCredits)

	if s.store != nil {
		return unlock.NewMemoryAuditLogger(), nil
	}

	if s.cfg.DatabaseURL == "" {
		s.store = unlock.NewMemoryStore(signup)
		s.logger.Warn("using in-memory storage (data will be lost on restart)")
		return unlock.NewMemoryAuditLogger(), nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := dbmigrate.Up(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if err := metrics.RegisterDB(db, "unlockd"); err != nil {
		s.logger.Warn("db pool metrics unavailable", "error", err)
	}

	s.db = db
	s.store = unlock.NewPostgresStore(db, signup)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return unlock.NewPostgresAuditLogger(db), nil
}

// initGateway picks the gateway client and returns the callback signer
// keyed with the same secret.
func (s *Server) initGateway() (*gateway.Signer, error) {
	secret := s.cfg.GatewayKeySecret
	if secret == "" {
		// Only reachable in development; Validate rejects it elsewhere.
		secret = idgen.Hex(32)
		s.logger.Warn("GATEWAY_KEY_SECRET not set, using an ephemeral sandbox secret")
	}

	if s.gateway == nil {
		switch s.cfg.GatewayProvider {
		case "http":
			if s.cfg.IsProduction() {
				if err := security.CheckOutboundURL(context.Background(), s.cfg.GatewayBaseURL, true); err != nil {
					return nil, fmt.Errorf("GATEWAY_BASE_URL: %w", err)
				}
			}
			client := gateway.NewHTTPClient(gateway.HTTPConfig{
				BaseURL:   s.cfg.GatewayBaseURL,
				KeyID:     s.cfg.GatewayKeyID,
				KeySecret: secret,
				Timeout:   s.cfg.GatewayTimeout,
				UserAgent: "unlockd/" + s.version,
			}, s.logger)
			s.gateway = client
			s.health.Register("gateway", func(context.Context) error {
				if state := client.BreakerState(); state == "open" {
					return fmt.Errorf("breaker %s", state)
				}
				return nil
			}, health.Optional())
		default:
			s.sandbox = gateway.NewSandbox(secret)
			s.gateway = s.sandbox
		}
	}

	return gateway.NewSigner(secret), nil
}

// initRelays builds the notification relays named in RELAY_BACKENDS.
func (s *Server) initRelays(ctx context.Context) ([]notify.Relay, error) {
	var relays []notify.Relay

	if s.cfg.HasRelay(config.RelayLog) {
		relays = append(relays, notify.NewLogRelay(s.logger))
	}

	if s.cfg.HasRelay(config.RelayRedis) {
		opt, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
		relays = append(relays, notify.NewRedisRelay(s.redis, s.cfg.RedisChannel))
		s.health.Register("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}, health.Optional())
	}

	if s.cfg.HasRelay(config.RelaySQS) {
		client, err := newSQSClient(ctx)
		if err != nil {
			return nil, err
		}
		relays = append(relays, notify.NewSQSRelay(client, s.cfg.SQSQueueURL))
	}

	if s.cfg.HasRelay(config.RelayWebhook) {
		client := &http.Client{Timeout: 10 * time.Second}
		if !s.cfg.IsDevelopment() {
			if err := security.CheckOutboundURL(ctx, s.cfg.RelayWebhookURL, s.cfg.IsProduction()); err != nil {
				return nil, fmt.Errorf("RELAY_WEBHOOK_URL: %w", err)
			}
			client = security.NewOutboundClient(10 * time.Second)
		}
		relays = append(relays, notify.NewWebhookRelay(
			s.cfg.RelayWebhookURL,
			s.cfg.RelayWebhookSecret,
			client,
		))
	}

	if s.cfg.HasRelay(config.RelayWS) {
		s.hub = realtime.NewHub(s.logger, realtime.WithOriginCheck(security.NewCORSPolicy(s.cfg.CORSOrigins).Allowed))
		relays = append(relays, notify.NewHubRelay(s.hub))
	}

	return relays, nil
}

func (s *Server) initAuth() error {
	secret := s.cfg.JWTSecret
	if secret == "" {
		secret = idgen.Hex(32)
		s.logger.Warn("JWT_SECRET not set, bearer tokens are signed with an ephemeral secret")
	}
	v, err := auth.NewTokenVerifier(secret, s.cfg.JWTIssuer, s.cfg.JWTAudience)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	s.verifier = v
	if s.cfg.ServiceToken == "" {
		s.logger.Warn("SERVICE_TOKEN not set, internal routes will reject every call")
	}
	return nil
}

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		s.health.Register("database", s.db.PingContext)
	}
	s.health.Register("reservation_sweeper", health.Running(s.sweeper.Running), health.Optional())
	s.health.Register("reconciler", health.Running(s.reconciler.Healthy), health.Optional())
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	// Browsers only talk to the buyer API; /internal is service-to-service.
	cors := security.NewCORSPolicy(s.cfg.CORSOrigins).Middleware()
	s.router.Use(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/v1/") {
			cors(c)
			return
		}
		c.Next()
	})
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(traces.Middleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Per-user limits need the auth context, so the limiter is mounted on
	// the /v1 group in setupRoutes.
	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: s.cfg.RateLimitRPS,
		BurstSize:         s.cfg.RateLimitBurst,
	})
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	handler := unlock.NewHandler(s.engine)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.verifier))
	v1.Use(s.limiter.Middleware())

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	handler.RegisterProtectedRoutes(protected)
	if s.hub != nil {
		protected.GET("/ws", s.wsHandler)
	}

	if s.sandbox != nil && s.cfg.IsDevelopment() {
		gateway.NewSandboxHandler(s.sandbox).RegisterRoutes(v1)
		s.logger.Warn("sandbox checkout enabled", "route", "/v1/sandbox/checkout/:gatewayOrderId")
	}

	internal := s.router.Group("/internal")
	internal.Use(auth.RequireServiceToken(s.cfg.ServiceToken))
	handler.RegisterInternalRoutes(internal)

	admin.NewHandler().
		WithReconciler(s.runner).
		WithAudit(s.audit).
		WithSweeper(s.engine.Wallet(), s.cfg.ReservationTTL).
		RegisterRoutes(internal)
}

func (s *Server) wsHandler(c *gin.Context) {
	s.hub.HandleWebSocket(c.Writer, c.Request, auth.GetUserID(c))
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ready, checks := s.health.CheckAll(ctx)
	c.JSON(health.StatusCode(ready), HealthResponse{
		Status:    health.Summary(ready, checks),
		Version:   s.version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.Handler()(c)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, and blocks until ctx is
// cancelled, a shutdown signal arrives or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.dispatcher.Start(4)
	if s.hub != nil {
		go s.hub.Run(runCtx)
	}
	go s.sweeper.Start(runCtx)
	go s.reconciler.Start(runCtx)

	sigCtx, stop := signal.NotifyContext(runCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutdown requested", "cause", context.Cause(gctx))
		return s.Shutdown()
	})

	s.ready.Store(true)
	s.logger.Info("server ready")

	return g.Wait()
}

// Shutdown gracefully stops the server. It is safe to call more than once.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
	})
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(s.drainDelay)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Background loops stop after in-flight requests finish.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.sweeper.Stop()
	s.reconciler.Stop()
	s.limiter.Stop()

	// Deliver queued notifications before the relays' clients go away.
	s.dispatcher.Close()
	s.logger.Info("notification dispatcher drained")

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.tracesShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
		cancel()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the unlock engine (for tests and the operator CLI).
func (s *Server) Engine() *unlock.Engine {
	return s.engine
}

// Sandbox returns the sandbox gateway, or nil when a real gateway is wired.
func (s *Server) Sandbox() *gateway.Sandbox {
	return s.sandbox
}

// MarkReady flips readiness without starting listeners (for tests).
func (s *Server) MarkReady() {
	s.ready.Store(true)
}
