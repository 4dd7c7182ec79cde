// Package bootstrap builds the collaborators shared by the api and worker
// binaries from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"content-publisher/internal/config"
	"content-publisher/internal/events"
	"content-publisher/internal/media"
	"content-publisher/internal/queue"
	"content-publisher/internal/secrets"
	"content-publisher/internal/youtube"
)

// Logger installs a JSON slog handler at the configured level as the default
// logger and returns it.
func Logger(level string, service string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})).With("service", service)
	slog.SetDefault(logger)
	return logger
}

// Redis opens the client shared by the stream queue and the quota bucket.
func Redis(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// Queue opens the configured transport.
func Queue(ctx context.Context, cfg config.Config, rdb *redis.Client) (queue.Queue, error) {
	switch cfg.QueueDriver {
	case "nats":
		return queue.NewJetStream(ctx, queue.JetStreamOptions{
			URL:     cfg.NatsURL,
			Stream:  strings.ToUpper(strings.NewReplacer("-", "_", ":", "_").Replace(cfg.QueueName)),
			Durable: cfg.QueueGroup,
			AckWait: cfg.VisibilityTimeout,
		})
	case "redis", "":
		return queue.NewRedisStream(rdb, queue.RedisStreamOptions{
			Stream:     cfg.QueueName,
			Group:      cfg.QueueGroup,
			Visibility: cfg.VisibilityTimeout,
			Block:      cfg.WorkerPollInterval,
		}), nil
	}
	return nil, fmt.Errorf("unknown queue driver %q", cfg.QueueDriver)
}

// Media resolves http(s) locators directly and everything else through S3.
func Media(ctx context.Context, cfg config.Config, client *http.Client) (media.Resolver, error) {
	object, err := media.NewS3Resolver(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return media.Mux{
		HTTP:   media.NewHTTPResolver(client, cfg.PresignTTL),
		Object: object,
	}, nil
}

// Secrets reads channel credentials from the environment or SSM Parameter
// Store.
func Secrets(ctx context.Context, cfg config.Config) (*secrets.Resolver, error) {
	if cfg.SecretsSource != "ssm" {
		return secrets.NewResolver(secrets.EnvSource{}, secrets.EnvNaming, cfg.SecretsTTL), nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	source := secrets.NewSSMSource(ssm.NewFromConfig(awsCfg))
	return secrets.NewResolver(source, secrets.PathNaming(cfg.SSMPrefix), cfg.SecretsTTL), nil
}

// APIClient is for short platform and media metadata requests.
func APIClient(cfg config.Config) *http.Client {
	return &http.Client{Timeout: cfg.HTTPTimeout}
}

// TransferClient bounds only the wait for response headers, so a long media
// stream is not cut off mid-body.
func TransferClient(cfg config.Config) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.HTTPTimeout
	transport.IdleConnTimeout = 90 * time.Second
	return &http.Client{Transport: transport}
}

// Platform builds the video platform client.
func Platform(cfg config.Config, client *http.Client) *youtube.Client {
	return youtube.New(client, youtube.Options{
		TokenURL:  cfg.OAuthTokenURL,
		APIURL:    cfg.PlatformAPIURL,
		UploadURL: cfg.PlatformUploadURL,
		Retries:   cfg.ChunkRetries,
	})
}

// Events publishes to Kafka when brokers are configured and drops events
// otherwise.
func Events(cfg config.Config) (events.Publisher, error) {
	if len(cfg.KafkaBrokers) == 0 {
		slog.Info("no kafka brokers configured, status events disabled")
		return events.Noop{}, nil
	}
	return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
}
