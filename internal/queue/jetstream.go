package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"content-publisher/internal/models"
)

// JetStream implements Queue on a NATS JetStream work-queue stream with one
// durable pull consumer shared by all upload workers.
type JetStream struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	stream   string
	subject  string
	wait     time.Duration
}

// JetStreamOptions configures a JetStream queue.
type JetStreamOptions struct {
	URL     string
	Stream  string
	Durable string
	// AckWait is the visibility timeout of a delivered message.
	AckWait time.Duration
	// FetchWait bounds each Receive.
	FetchWait time.Duration
}

// NewJetStream connects to NATS and ensures the stream and consumer exist.
func NewJetStream(ctx context.Context, opts JetStreamOptions) (*JetStream, error) {
	if opts.Stream == "" {
		opts.Stream = "PUBLISH"
	}
	if opts.Durable == "" {
		opts.Durable = "uploaders"
	}
	if opts.AckWait <= 0 {
		opts.AckWait = 15 * time.Minute
	}
	if opts.FetchWait <= 0 {
		opts.FetchWait = 2 * time.Second
	}

	nc, err := nats.Connect(opts.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	subject := "publish.jobs"
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      opts.Stream,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    7 * 24 * time.Hour,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating stream %s: %w", opts.Stream, err)
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, opts.Stream, jetstream.ConsumerConfig{
		Durable:       opts.Durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       opts.AckWait,
		// Retries are bounded by the attempt budget on the job row.
		MaxDeliver:    -1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating consumer %s: %w", opts.Durable, err)
	}

	return &JetStream{nc: nc, js: js, consumer: consumer, stream: opts.Stream, subject: subject, wait: opts.FetchWait}, nil
}

// Publish stores the descriptor on the stream. The request id doubles as the
// JetStream message id so a retried publish is deduplicated.
func (q *JetStream) Publish(ctx context.Context, d models.JobDescriptor) error {
	data, err := encode(d, 1)
	if err != nil {
		return err
	}
	var opts []jetstream.PublishOpt
	if d.RequestID != "" {
		opts = append(opts, jetstream.WithMsgID(d.RequestID))
	}
	if _, err := q.js.Publish(ctx, q.subject, data, opts...); err != nil {
		return fmt.Errorf("jetstream publish: %w", err)
	}
	return nil
}

func (q *JetStream) Receive(ctx context.Context) (*Message, error) {
	batch, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(q.wait))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("jetstream fetch: %w", err)
	}
	for msg := range batch.Messages() {
		attempt := 1
		if meta, err := msg.Metadata(); err == nil {
			attempt = int(meta.NumDelivered)
		}
		env, err := decode(msg.Data())
		if err != nil {
			slog.Error("terminating undecodable message", "subject", msg.Subject(), "error", err)
			_ = msg.Term()
			continue
		}
		id := env.Job.RequestID
		if h := msg.Headers(); h != nil && h.Get(nats.MsgIdHdr) != "" {
			id = h.Get(nats.MsgIdHdr)
		}
		return &Message{ID: id, Descriptor: env.Job, Attempt: attempt, raw: msg}, nil
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return nil, fmt.Errorf("jetstream fetch: %w", err)
	}
	return nil, nil
}

func (q *JetStream) msg(m *Message) (jetstream.Msg, error) {
	raw, ok := m.raw.(jetstream.Msg)
	if !ok {
		return nil, fmt.Errorf("message %s was not received from jetstream", m.ID)
	}
	return raw, nil
}

func (q *JetStream) Ack(ctx context.Context, m *Message) error {
	raw, err := q.msg(m)
	if err != nil {
		return err
	}
	return raw.DoubleAck(ctx)
}

// Retry negatively acknowledges the message so JetStream redelivers it after
// delay.
func (q *JetStream) Retry(_ context.Context, m *Message, delay time.Duration) error {
	raw, err := q.msg(m)
	if err != nil {
		return err
	}
	return raw.NakWithDelay(delay)
}

// Extend sends a work-in-progress acknowledgement, restarting AckWait.
func (q *JetStream) Extend(_ context.Context, m *Message) error {
	raw, err := q.msg(m)
	if err != nil {
		return err
	}
	if err := raw.InProgress(); err != nil {
		return fmt.Errorf("jetstream in progress %s: %w", m.ID, err)
	}
	return nil
}

// Depth counts messages not yet acknowledged by the consumer.
func (q *JetStream) Depth(ctx context.Context) (int64, error) {
	info, err := q.consumer.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("consumer info: %w", err)
	}
	return int64(info.NumPending) + int64(info.NumAckPending), nil
}

func (q *JetStream) Close() error {
	q.nc.Close()
	return nil
}
