package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pixelmood/social-poller/internal/checkpoint"
	"github.com/pixelmood/social-poller/internal/config"
	"github.com/pixelmood/social-poller/internal/dispatch"
	"github.com/pixelmood/social-poller/internal/observability"
	"github.com/pixelmood/social-poller/internal/poller"
	"github.com/pixelmood/social-poller/internal/secrets"
	"github.com/pixelmood/social-poller/internal/server"
)

func main() {
	os.Exit(run())
}

// run holds the real program body so deferred cleanup fires before the
// process exits.
func run() int {
	// .env is optional; real deployments configure through the environment.
	_ = godotenv.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", slog.String("error", err.Error()))
		return 1
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", slog.String("error", err.Error()))
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := checkpoint.NewStore(ctx, cfg.Checkpoint)
	if err != nil {
		log.Error("failed to initialize checkpoint store", slog.String("error", err.Error()))
		return 1
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := store.Close(closeCtx); err != nil {
			log.Error("failed to close checkpoint store", slog.String("error", err.Error()))
		}
	}()

	provider, err := secrets.NewSSMProvider(cfg.Secrets)
	if err != nil {
		log.Error("failed to initialize secrets provider", slog.String("error", err.Error()))
		return 1
	}
	cachedSecrets := secrets.NewCached(provider, cfg.Secrets.TokenCacheTTL)

	consumer, err := dispatch.NewLambdaConsumer(cfg.Dispatch)
	if err != nil {
		log.Error("failed to initialize batch consumer", slog.String("error", err.Error()))
		return 1
	}

	metrics := observability.NewMetrics()

	emitter, err := observability.NewCloudWatchEmitter(cfg.Checkpoint.Region)
	if err != nil {
		log.Error("failed to initialize metric emitter", slog.String("error", err.Error()))
		return 1
	}

	svc := poller.NewService(poller.Deps{
		Config:     cfg,
		Secrets:    cachedSecrets,
		Store:      store,
		Consumer:   consumer,
		Logger:     log,
		Metrics:    metrics,
		CloudWatch: emitter,
	})

	httpServer := server.New(cfg.Server.Port, store, cfg.Checkpoint.Key, metrics,
		func() string { return string(svc.State()) }, log)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.Start()
	}()

	pollerDone := make(chan error, 1)
	go func() {
		pollerDone <- svc.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			log.Error("HTTP server failed", slog.String("error", err.Error()))
			exitCode = 1
		}
	case err := <-pollerDone:
		if err != nil && err != context.Canceled {
			log.Error("poller stopped", slog.String("error", err.Error()))
			exitCode = 1
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", slog.String("error", err.Error()))
	}

	log.Info("shutdown complete")
	return exitCode
}
