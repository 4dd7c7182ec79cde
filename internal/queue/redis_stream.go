package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"content-publisher/internal/models"
)

// RedisStream implements Queue on a Redis stream with a consumer group.
// Delayed retries wait in a sorted set and are promoted back onto the stream
// once due.
type RedisStream struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	delayedKey string
	visibility time.Duration
	block      time.Duration
	now        func() time.Time

	groupOnce sync.Once
	groupErr  error
}

// RedisStreamOptions configures a RedisStream.
type RedisStreamOptions struct {
	Stream   string
	Group    string
	Consumer string
	// Visibility is how long a delivered message may stay unacked before
	// another consumer reclaims it.
	Visibility time.Duration
	// Block bounds each read; negative means do not block.
	Block time.Duration
}

// NewRedisStream wraps an existing client.
func NewRedisStream(client *redis.Client, opts RedisStreamOptions) *RedisStream {
	if opts.Stream == "" {
		opts.Stream = "publish:jobs"
	}
	if opts.Group == "" {
		opts.Group = "uploaders"
	}
	if opts.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "consumer"
		}
		opts.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if opts.Visibility <= 0 {
		opts.Visibility = 15 * time.Minute
	}
	return &RedisStream{
		client:     client,
		stream:     opts.Stream,
		group:      opts.Group,
		consumer:   opts.Consumer,
		delayedKey: opts.Stream + ":delayed",
		visibility: opts.Visibility,
		block:      opts.Block,
		now:        time.Now,
	}
}

// Publish appends the descriptor to the stream with XADD.
func (q *RedisStream) Publish(ctx context.Context, d models.JobDescriptor) error {
	data, err := encode(d, 1)
	if err != nil {
		return err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"job": data},
	}).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (q *RedisStream) ensureGroup(ctx context.Context) error {
	q.groupOnce.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.groupErr = fmt.Errorf("create consumer group: %w", err)
		}
	})
	return q.groupErr
}

// Receive promotes due retries, reclaims messages abandoned by dead
// consumers, then reads one new message for this consumer.
func (q *RedisStream) Receive(ctx context.Context) (*Message, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	if _, err := q.PromoteDue(ctx, 100); err != nil {
		slog.Warn("promote delayed messages", "error", err)
	}

	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("reclaim stale messages: %w", err)
	}
	if len(claimed) > 0 {
		slog.Warn("reclaimed stale message", "msg_id", claimed[0].ID)
		return q.toMessage(ctx, claimed[0])
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    q.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis read: %w", err)
	}
	for _, s := range streams {
		if len(s.Messages) > 0 {
			return q.toMessage(ctx, s.Messages[0])
		}
	}
	return nil, nil
}

func (q *RedisStream) toMessage(ctx context.Context, msg redis.XMessage) (*Message, error) {
	val, ok := msg.Values["job"].(string)
	if !ok {
		slog.Error("dropping message without job payload", "msg_id", msg.ID)
		return nil, q.drop(ctx, msg.ID)
	}
	env, err := decode([]byte(val))
	if err != nil {
		slog.Error("dropping undecodable message", "msg_id", msg.ID, "error", err)
		return nil, q.drop(ctx, msg.ID)
	}
	return &Message{ID: msg.ID, Descriptor: env.Job, Attempt: env.Attempt}, nil
}

func (q *RedisStream) drop(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.stream, q.group, id)
	pipe.XDel(ctx, q.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

// Ack removes the message from the pending list and the stream.
func (q *RedisStream) Ack(ctx context.Context, m *Message) error {
	if err := q.drop(ctx, m.ID); err != nil {
		return fmt.Errorf("redis ack %s: %w", m.ID, err)
	}
	return nil
}

// Retry parks the message in the delayed set and acks the current delivery.
func (q *RedisStream) Retry(ctx context.Context, m *Message, delay time.Duration) error {
	data, err := encode(m.Descriptor, m.Attempt+1)
	if err != nil {
		return err
	}
	due := q.now().Add(delay)
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(due.UnixMilli()), Member: string(data)})
	pipe.XAck(ctx, q.stream, q.group, m.ID)
	pipe.XDel(ctx, q.stream, m.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis retry %s: %w", m.ID, err)
	}
	return nil
}

// Extend resets the idle time of the pending entry by claiming it again for
// this consumer, so XAUTOCLAIM on other consumers leaves it alone.
func (q *RedisStream) Extend(ctx context.Context, m *Message) error {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  m.ID,
		End:    m.ID,
		Count:  1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis pending %s: %w", m.ID, err)
	}
	if len(pending) == 0 || pending[0].Consumer != q.consumer {
		return fmt.Errorf("redis extend %s: %w", m.ID, ErrLeaseLost)
	}
	if err := q.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		Messages: []string{m.ID},
	}).Err(); err != nil {
		return fmt.Errorf("redis extend %s: %w", m.ID, err)
	}
	return nil
}

// PromoteDue moves due delayed messages back onto the stream and returns how
// many were moved.
func (q *RedisStream) PromoteDue(ctx context.Context, limit int) (int, error) {
	res, err := promoteScript.Run(ctx, q.client, []string{q.delayedKey, q.stream},
		q.now().UnixMilli(), limit).Result()
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(fmt.Sprint(res))
	if err != nil {
		return 0, fmt.Errorf("unexpected promote result %v", res)
	}
	return n, nil
}

// Depth counts messages on the stream plus delayed retries.
func (q *RedisStream) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	streamLen := pipe.XLen(ctx, q.stream)
	delayed := pipe.ZCard(ctx, q.delayedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	return streamLen.Val() + delayed.Val(), nil
}

func (q *RedisStream) Close() error {
	return q.client.Close()
}

var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, payload in ipairs(due) do
  redis.call('XADD', KEYS[2], '*', 'job', payload)
  redis.call('ZREM', KEYS[1], payload)
end
return #due
`)
