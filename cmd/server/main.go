// Command server runs unlockd, the contact unlock and payment verification
// service behind CampusBazaar listings.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/campusbazaar/unlockd/internal/config"
	"github.com/campusbazaar/unlockd/internal/logging"
	"github.com/campusbazaar/unlockd/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(context.Background()); err != nil {
		slog.Error("unlockd exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting unlockd",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"pricing_mode", cfg.PricingMode,
		"gateway", cfg.GatewayProvider,
		"relays", cfg.RelayBackends,
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return srv.Run(ctx)
}
