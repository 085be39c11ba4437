package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/campusbazaar/unlockd/internal/auth"
	"github.com/campusbazaar/unlockd/internal/config"
	"github.com/campusbazaar/unlockd/internal/gateway"
	"github.com/campusbazaar/unlockd/internal/logging"
	"github.com/campusbazaar/unlockd/internal/notify"
	"github.com/campusbazaar/unlockd/internal/pricing"
	"github.com/campusbazaar/unlockd/internal/reconciliation"
	"github.com/campusbazaar/unlockd/internal/unlock"
)

// app holds what the subcommands operate on.
type app struct {
	cfg      *config.Config
	engine   *unlock.Engine
	store    unlock.Store
	audit    unlock.AuditLogger
	verifier *auth.TokenVerifier
	db       *sql.DB
	logger   *slog.Logger
	close    func()
}

// opener builds an app. Tests swap in an in-memory one.
type opener func(ctx context.Context) (*app, error)

func (a *app) runner(minAge time.Duration) *reconciliation.Runner {
	return reconciliation.NewRunner(a.store, a.engine, minAge, a.logger)
}

// openApp wires the engine against the production database and gateway,
// from the same environment the server reads.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	table, err := cfg.PricingTable()
	if err != nil {
		return nil, err
	}
	strategy, err := pricing.New(cfg.PricingMode, table)
	if err != nil {
		return nil, fmt.Errorf("pricing: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	var client gateway.Client
	if cfg.GatewayProvider == "http" {
		client = gateway.NewHTTPClient(gateway.HTTPConfig{
			BaseURL:   cfg.GatewayBaseURL,
			KeyID:     cfg.GatewayKeyID,
			KeySecret: cfg.GatewayKeySecret,
			Timeout:   cfg.GatewayTimeout,
			UserAgent: "unlockctl/" + Version,
		}, logger)
	} else {
		// The sandbox forgets its payments on restart, so reconcile against it
		// only ever reports waiting.
		client = gateway.NewSandbox(cfg.GatewayKeySecret)
	}

	store := unlock.NewPostgresStore(db, pricing.CreditsFromFloat(cfg.SignupFreeCredits))
	audit := unlock.NewPostgresAuditLogger(db)
	dispatcher := notify.NewDispatcher(logger, 5*time.Second, notify.NewLogRelay(logger))
	dispatcher.Start(1)

	engine := unlock.NewEngine(store, unlock.Config{
		Strategy:       strategy,
		Gateway:        client,
		Signer:         gateway.NewSigner(cfg.GatewayKeySecret),
		CheckoutKey:    cfg.GatewayKeyID,
		GatewayTimeout: cfg.GatewayTimeout,
		ClaimTTL:       cfg.VerifyClaimTTL,
		RefundCredits:  pricing.CreditsFromFloat(cfg.BookingRefundCredits),
		Audit:          audit,
		Notifier:       dispatcher,
		Logger:         logger,
	})

	var verifier *auth.TokenVerifier
	if cfg.JWTSecret != "" {
		verifier, err = auth.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			dispatcher.Close()
			_ = db.Close()
			return nil, err
		}
	}

	return &app{
		cfg:      cfg,
		engine:   engine,
		store:    store,
		audit:    audit,
		verifier: verifier,
		db:       db,
		logger:   logger,
		close: func() {
			dispatcher.Close()
			_ = db.Close()
		},
	}, nil
}

type reconcileResult = reconciliation.Result
