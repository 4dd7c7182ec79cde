package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newIntegrationJetStream(t *testing.T) *JetStream {
	t.Helper()

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	suffix := uuid.NewString()[:8]
	q, err := NewJetStream(ctx, JetStreamOptions{
		URL:       natsURL,
		Stream:    "PUBLISH_IT_" + suffix,
		Durable:   "it-" + suffix,
		FetchWait: 500 * time.Millisecond,
	})
	if err != nil {
		t.Skipf("skipping integration test; NATS unavailable at %s: %v", natsURL, err)
	}
	t.Cleanup(func() {
		_ = q.js.DeleteStream(context.Background(), q.stream)
		_ = q.Close()
	})
	return q
}

func TestJetStreamPublishReceiveAck(t *testing.T) {
	q := newIntegrationJetStream(t)
	ctx := context.Background()

	if err := q.Publish(ctx, descriptor("js-1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := q.Receive(ctx)
	if err != nil || msg == nil {
		t.Fatalf("receive: msg=%v err=%v", msg, err)
	}
	if msg.Descriptor.PublishingID != "js-1" || msg.Attempt != 1 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if err := q.Ack(ctx, msg); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if depth, err := q.Depth(ctx); err != nil || depth != 0 {
		t.Fatalf("expected empty consumer, depth=%d err=%v", depth, err)
	}
}

func TestJetStreamRetryRedelivers(t *testing.T) {
	q := newIntegrationJetStream(t)
	ctx := context.Background()

	if err := q.Publish(ctx, descriptor("js-2")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := q.Receive(ctx)
	if err != nil || msg == nil {
		t.Fatalf("receive: msg=%v err=%v", msg, err)
	}
	if err := q.Retry(ctx, msg, 10*time.Millisecond); err != nil {
		t.Fatalf("retry: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		again, err := q.Receive(ctx)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if again != nil {
			if again.Attempt != 2 {
				t.Fatalf("expected second delivery, got attempt %d", again.Attempt)
			}
			_ = q.Ack(ctx, again)
			return
		}
	}
	t.Fatal("message was not redelivered")
}

func TestAckRejectsForeignMessage(t *testing.T) {
	q := &JetStream{}
	if err := q.Ack(context.Background(), &Message{ID: "x"}); err == nil {
		t.Fatal("expected error acking a message not received from jetstream")
	}
}
