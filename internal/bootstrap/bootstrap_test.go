package bootstrap

import (
	"log/slog"
	"net/http"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"content-publisher/internal/config"
	"content-publisher/internal/events"
	"content-publisher/internal/queue"
)

func TestLoggerLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger := Logger("debug", "test")
	require.True(t, logger.Enabled(t.Context(), slog.LevelDebug))

	logger = Logger("nonsense", "test")
	require.False(t, logger.Enabled(t.Context(), slog.LevelDebug))
	require.True(t, logger.Enabled(t.Context(), slog.LevelInfo))
}

func TestQueueSelectsRedisStream(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Config{RedisAddr: mr.Addr(), QueueDriver: "redis", QueueName: "jobs", QueueGroup: "g", VisibilityTimeout: time.Minute}

	rdb := Redis(cfg)
	q, err := Queue(t.Context(), cfg, rdb)
	require.NoError(t, err)
	require.IsType(t, &queue.RedisStream{}, q)
	t.Cleanup(func() { _ = q.Close() })

	_, err = Queue(t.Context(), config.Config{QueueDriver: "sqs"}, rdb)
	require.Error(t, err)
}

func TestEventsWithoutBrokersIsNoop(t *testing.T) {
	pub, err := Events(config.Config{})
	require.NoError(t, err)
	require.IsType(t, events.Noop{}, pub)

	pub, err = Events(config.Config{KafkaBrokers: []string{"localhost:9092"}, KafkaTopic: "publish-events"})
	require.NoError(t, err)
	require.IsType(t, &events.KafkaPublisher{}, pub)
	require.NoError(t, pub.Close())
}

func TestTransferClientHasNoOverallTimeout(t *testing.T) {
	c := TransferClient(config.Config{HTTPTimeout: time.Minute})
	require.Zero(t, c.Timeout)
	require.Equal(t, time.Minute, c.Transport.(*http.Transport).ResponseHeaderTimeout)
}
