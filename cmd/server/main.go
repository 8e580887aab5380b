package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/coinward/ipn/internal/config"
	"github.com/coinward/ipn/internal/hostsys"
	"github.com/coinward/ipn/internal/logging"
	"github.com/coinward/ipn/internal/processor"
	"github.com/coinward/ipn/internal/reconcile"
	"github.com/coinward/ipn/internal/server"
	"github.com/coinward/ipn/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging, "server")

	store, err := storage.NewPostgresStore(storage.Options{
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		logger.Error("failed to open transaction store", "error", err)
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

	resolver, err := buildResolver(logger, cfg, store)
	if err != nil {
		logger.Error("failed to build account resolver", "error", err)
		os.Exit(1)
	}

	verifier := processor.NewVerifier(resolver, nil)
	dispatcher := reconcile.NewDispatcher(store, hostClient, logger)
	reconciler := reconcile.New(store, dispatcher, hostClient, hostClient, logger)

	router := server.NewRouter(logger, server.RouterDependencies{
		Health: server.StorageHealthService{Store: store},
		IPN:    server.NewIPNHandlers(logger, verifier, reconciler),
	})

	srv := server.New(logger, cfg.HTTP, router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("server stopped unexpectedly", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// buildResolver selects the account source: static keys from the
// environment when provided, the shared database otherwise. Either way a
// Redis cache is layered on top when an address is configured.
func buildResolver(logger *slog.Logger, cfg config.Config, store *storage.PostgresStore) (processor.Resolver, error) {
	var resolver processor.Resolver
	if len(cfg.Provider.StaticAccounts) > 0 {
		accounts := make([]processor.AccountConfig, 0, len(cfg.Provider.StaticAccounts))
		for id, key := range cfg.Provider.StaticAccounts {
			accounts = append(accounts, processor.AccountConfig{ProcessorID: id, APIKey: key})
		}
		resolver = processor.NewStaticResolver(accounts)
	} else {
		dbResolver, err := processor.NewDBResolver(store.DB())
		if err != nil {
			return nil, err
		}
		resolver = dbResolver
	}

	if cfg.Redis.Addr == "" {
		return resolver, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Warn("redis unreachable, account cache disabled", "error", err)
		return resolver, nil
	}
	return processor.NewCachedResolver(resolver, rdb, cfg.Redis.CacheTTL), nil
}
