package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"content-publisher/internal/models"
)

func newTestStream(t *testing.T) (*RedisStream, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisStream(client, RedisStreamOptions{Stream: "test:jobs", Group: "g", Consumer: "c1", Block: -1})
	return q, mr
}

func descriptor(id string) models.JobDescriptor {
	return models.JobDescriptor{
		Kind:         models.KindPublish,
		RequestID:    "req-" + id,
		PublishingID: id,
		ContentID:    "content-" + id,
		ChannelKey:   "main",
		Title:        "Title " + id,
		Options:      map[string]any{"privacy": "unlisted"},
		EnqueuedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func TestRedisStreamPublishReceiveAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestStream(t)

	if err := q.Publish(ctx, descriptor("job-1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := q.Receive(ctx)
	if err != nil || msg == nil {
		t.Fatalf("expected message got msg=%v err=%v", msg, err)
	}
	if msg.Descriptor.PublishingID != "job-1" || msg.Attempt != 1 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Descriptor.Options["privacy"] != "unlisted" {
		t.Fatalf("options not carried: %+v", msg.Descriptor.Options)
	}

	if err := q.Ack(ctx, msg); err != nil {
		t.Fatalf("ack: %v", err)
	}
	next, err := q.Receive(ctx)
	if err != nil || next != nil {
		t.Fatalf("expected empty queue got msg=%v err=%v", next, err)
	}
	depth, err := q.Depth(ctx)
	if err != nil || depth != 0 {
		t.Fatalf("expected depth 0 got %d err=%v", depth, err)
	}
}

func TestRedisStreamRetryIsDelayed(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestStream(t)
	now := time.Now()
	q.now = func() time.Time { return now }

	if err := q.Publish(ctx, descriptor("job-2")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := q.Receive(ctx)
	if err != nil || msg == nil {
		t.Fatalf("receive: msg=%v err=%v", msg, err)
	}
	if err := q.Retry(ctx, msg, 30*time.Second); err != nil {
		t.Fatalf("retry: %v", err)
	}

	if again, err := q.Receive(ctx); err != nil || again != nil {
		t.Fatalf("retry must not be visible before its delay: msg=%v err=%v", again, err)
	}
	if depth, _ := q.Depth(ctx); depth != 1 {
		t.Fatalf("expected delayed message counted in depth, got %d", depth)
	}

	now = now.Add(31 * time.Second)
	again, err := q.Receive(ctx)
	if err != nil || again == nil {
		t.Fatalf("expected redelivery after delay: msg=%v err=%v", again, err)
	}
	if again.Descriptor.PublishingID != "job-2" || again.Attempt != 2 {
		t.Fatalf("unexpected redelivery %+v", again)
	}
}

func TestRedisStreamDropsMalformedPayload(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestStream(t)
	if _, err := mr.XAdd("test:jobs", "*", []string{"job", "{not json"}); err != nil {
		t.Fatalf("xadd: %v", err)
	}
	msg, err := q.Receive(ctx)
	if err != nil || msg != nil {
		t.Fatalf("expected malformed message dropped, got msg=%v err=%v", msg, err)
	}
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Fatalf("expected malformed message removed, depth=%d", depth)
	}
}

func TestRedisStreamExtendKeepsMessageFromReclaim(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	opts := RedisStreamOptions{Stream: "test:jobs", Group: "g", Visibility: time.Minute, Block: -1}
	opts.Consumer = "c1"
	owner := NewRedisStream(client, opts)
	opts.Consumer = "c2"
	other := NewRedisStream(client, opts)

	start := time.Now().UTC()
	mr.SetTime(start)
	if err := owner.Publish(ctx, descriptor("job-3")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := owner.Receive(ctx)
	if err != nil || msg == nil {
		t.Fatalf("receive: msg=%v err=%v", msg, err)
	}

	mr.SetTime(start.Add(50 * time.Second))
	if err := owner.Extend(ctx, msg); err != nil {
		t.Fatalf("extend: %v", err)
	}
	mr.SetTime(start.Add(100 * time.Second))
	if got, err := other.Receive(ctx); err != nil || got != nil {
		t.Fatalf("extended message must not be reclaimed: msg=%v err=%v", got, err)
	}

	mr.SetTime(start.Add(200 * time.Second))
	got, err := other.Receive(ctx)
	if err != nil || got == nil || got.ID != msg.ID {
		t.Fatalf("expected reclaim after lease expired: msg=%v err=%v", got, err)
	}
	if err := owner.Extend(ctx, msg); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected lost lease, got %v", err)
	}
}
