package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"content-publisher/internal/bootstrap"
	"content-publisher/internal/claim"
	"content-publisher/internal/config"
	"content-publisher/internal/dispatch"
	"content-publisher/internal/policy"
	"content-publisher/internal/poller"
	"content-publisher/internal/ratelimit"
	"content-publisher/internal/store"
	"content-publisher/internal/telemetry"
	"content-publisher/internal/upload"
	"content-publisher/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	bootstrap.Logger(cfg.LogLevel, "worker")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker stopped", "error", err)
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

	apiClient := bootstrap.APIClient(cfg)
	resolver, err := bootstrap.Media(ctx, cfg, apiClient)
	if err != nil {
		return err
	}
	creds, err := bootstrap.Secrets(ctx, cfg)
	if err != nil {
		return err
	}
	platform := bootstrap.Platform(cfg, apiClient)
	publisher, err := bootstrap.Events(cfg)
	if err != nil {
		return err
	}
	defer publisher.Close()

	transferrer, err := upload.NewTransferrer(bootstrap.TransferClient(cfg), upload.Options{
		ChunkSize:           cfg.ChunkSize,
		SingleShotThreshold: cfg.SingleShotThreshold,
		Retries:             cfg.ChunkRetries,
	})
	if err != nil {
		return err
	}

	consumer := worker.NewConsumer(worker.Deps{
		Queue:    q,
		Store:    st,
		Media:    resolver,
		Platform: platform,
		Uploader: transferrer,
		Secrets:  creds,
		Quota:    ratelimit.NewTokenBucket(rdb, cfg.UploadQuotaCapacity, cfg.UploadQuotaRefill, 48*time.Hour),
		Events:   publisher,
		Policy: policy.Policy{
			MaxAttempts:    cfg.MaxAttempts,
			BackoffInitial: cfg.BackoffInitial,
			BackoffMax:     cfg.BackoffMax,
		},
	}, worker.Settings{
		Concurrency:    cfg.WorkerConcurrency,
		PollInterval:   cfg.WorkerPollInterval,
		LeaseInterval:  cfg.LeaseInterval,
		PlatformTag:    cfg.PlatformTag,
		PlaylistPrefix: cfg.PlaylistPrefix,
		ScheduleGrace:  cfg.ScheduleGrace,
		ThumbnailWidth: cfg.ThumbnailWidth,
		ThumbnailMax:   cfg.ThumbnailMax,
	})

	scheduler, err := poller.NewScheduler(poller.ScheduleConfig{
		Channels:     cfg.Channels,
		PollSpec:     cfg.PollSchedule,
		PollBatch:    cfg.PollBatchSize,
		ReaperSpec:   cfg.ReaperSchedule,
		DispatchSpec: cfg.DispatchSchedule,
		ClaimLimit:   cfg.ClaimLimit,
	},
		poller.New(st, platform, creds, publisher),
		poller.NewReaper(st, cfg.StaleAfter, 100),
		dispatch.New(claim.NewManager(st), st, resolver, q),
		st,
	)
	if err != nil {
		return err
	}

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics server stopped", "error", err)
		}
	}()

	slog.Info("worker started",
		"queue_driver", cfg.QueueDriver,
		"concurrency", cfg.WorkerConcurrency,
		"visibility", cfg.VisibilityTimeout,
		"backoff_initial", cfg.BackoffInitial,
		"chunk_size", humanize.IBytes(uint64(cfg.ChunkSize)),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = consumer.Run(ctx)
	}()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metrics.Shutdown(shutdownCtx)
	slog.Info("worker stopped")
	return ctx.Err()
}
