package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "content-publisher/internal/api"
	"content-publisher/internal/bootstrap"
	"content-publisher/internal/claim"
	"content-publisher/internal/config"
	"content-publisher/internal/dispatch"
	"content-publisher/internal/poller"
	"content-publisher/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	bootstrap.Logger(cfg.LogLevel, "api")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	st, err := store.New(ctx, cfg.PostgresDSN, cfg.DatabaseRetries)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		return err
	}

	rdb := bootstrap.Redis(cfg)
	defer rdb.Close()
	q, err := bootstrap.Queue(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	defer q.Close()

	client := bootstrap.APIClient(cfg)
	resolver, err := bootstrap.Media(ctx, cfg, client)
	if err != nil {
		return err
	}
	creds, err := bootstrap.Secrets(ctx, cfg)
	if err != nil {
		return err
	}
	publisher, err := bootstrap.Events(cfg)
	if err != nil {
		return err
	}
	defer publisher.Close()

	server := api.New(
		dispatch.New(claim.NewManager(st), st, resolver, q),
		poller.New(st, bootstrap.Platform(cfg, client), creds, publisher),
		st,
		api.Limits{Claim: cfg.ClaimLimit, Poll: cfg.PollBatchSize},
	)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api listening", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return httpServer.Shutdown(shutdownCtx)
}
