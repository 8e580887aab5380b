package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coinward/ipn/internal/config"
	"github.com/coinward/ipn/internal/hostsys"
	"github.com/coinward/ipn/internal/logging"
	"github.com/coinward/ipn/internal/poll"
	"github.com/coinward/ipn/internal/provider"
	"github.com/coinward/ipn/internal/reconcile"
	"github.com/coinward/ipn/internal/storage"
)

// The poller covers deployments where the provider cannot push callbacks:
// it periodically fetches invoice state and runs it through the identical
// reconciliation path.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging, "poller")

	store, err := storage.NewPostgresStore(storage.Options{
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		logger.Error("failed to open transaction store", "error", err)
		os.Exit(1)
	}

	providerClient, err := provider.NewClient(provider.Options{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Timeout: cfg.Provider.RequestTimeout,
	})
	if err != nil {
		logger.Error("failed to create provider client", "error", err)
		os.Exit(1)
	}

	hostClient, err := hostsys.NewClient(hostsys.Options{
		BaseURL: cfg.HostSys.BaseURL,
		Token:   cfg.HostSys.Token,
		Timeout: cfg.HostSys.RequestTimeout,
	})
	if err != nil {
		logger.Error("failed to create host system client", "error", err)
		os.Exit(1)
	}

	dispatcher := reconcile.NewDispatcher(store, hostClient, logger)
	reconciler := reconcile.New(store, dispatcher, hostClient, hostClient, logger)

	poller := poll.New(store, providerClient, reconciler, logger, poll.Options{
		Workers:  cfg.Provider.PollWorkers,
		Interval: cfg.Provider.PollInterval,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting poll loop",
		"interval", cfg.Provider.PollInterval.String(),
		"workers", cfg.Provider.PollWorkers,
	)
	if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("poll loop stopped unexpectedly", "error", err)
		os.Exit(1)
	}
}
