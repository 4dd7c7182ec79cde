// Package worker runs the upload consumer: one state machine per delivered
// publish message.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"content-publisher/internal/events"
	"content-publisher/internal/media"
	"content-publisher/internal/models"
	"content-publisher/internal/policy"
	"content-publisher/internal/queue"
	"content-publisher/internal/ratelimit"
	"content-publisher/internal/secrets"
	"content-publisher/internal/store"
	"content-publisher/internal/telemetry"
	"content-publisher/internal/upload"
	"content-publisher/internal/youtube"
)

// JobStore is the slice of the store the consumer reads and writes.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.JobRow, error)
	Update(ctx context.Context, id string, patch store.Patch) error
	IncrementRetry(ctx context.Context, id string, lastErr string) (int, error)
	MarkContentError(ctx context.Context, contentID string, reason string) error
}

// Platform is the video platform API.
type Platform interface {
	RefreshToken(ctx context.Context, creds secrets.Credentials) (string, error)
	CreateSession(ctx context.Context, token string, meta youtube.VideoMetadata, contentType string, length int64) (string, error)
	AddToPlaylist(ctx context.Context, token, playlistID, videoID string) error
	SetThumbnail(ctx context.Context, token, videoID string, jpeg []byte) error
}

// Uploader moves media bytes into an upload session.
type Uploader interface {
	Transfer(ctx context.Context, s upload.Session, media models.MediaDescriptor) (upload.Result, error)
}

// Credentials resolves per-channel OAuth credentials.
type Credentials interface {
	ChannelCredentials(ctx context.Context, channelKey string) (secrets.Credentials, error)
	Invalidate(channelKey string)
}

// Quota reserves one upload for a channel.
type Quota interface {
	Reserve(ctx context.Context, channel string) error
}

// Deps are the collaborators of a Consumer. Quota and Events are optional.
type Deps struct {
	Queue    queue.Queue
	Store    JobStore
	Media    media.Resolver
	Platform Platform
	Uploader Uploader
	Secrets  Credentials
	Quota    Quota
	Events   events.Publisher
	Policy   policy.Policy
}

// Settings tune the consumer.
type Settings struct {
	Concurrency    int
	PollInterval   time.Duration
	// LeaseInterval is how often an in-flight job extends its message lease
	// and stamps modified_at on its row.
	LeaseInterval  time.Duration
	PlatformTag    string
	PlaylistPrefix string
	// ScheduleGrace is how far in the past an explicit schedule may be before
	// a channel requiring future schedules skips the job.
	ScheduleGrace  time.Duration
	ThumbnailWidth int
	ThumbnailMax   int64
}

// Consumer drives the worker execution loop.
type Consumer struct {
	Deps
	settings   Settings
	thumbnails *thumbnailer
	now        func() time.Time
}

func NewConsumer(deps Deps, settings Settings) *Consumer {
	if settings.Concurrency <= 0 {
		settings.Concurrency = 1
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = time.Second
	}
	if settings.LeaseInterval <= 0 {
		settings.LeaseInterval = time.Minute
	}
	if deps.Events == nil {
		deps.Events = events.Noop{}
	}
	return &Consumer{
		Deps:       deps,
		settings:   settings,
		thumbnails: newThumbnailer(deps.Media, settings.ThumbnailWidth, settings.ThumbnailMax),
		now:        time.Now,
	}
}

// Run consumes messages with Concurrency loops until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := range c.settings.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(ctx, i)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.reportDepth(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

func (c *Consumer) loop(ctx context.Context, n int) {
	log := slog.With("loop", n)
	for ctx.Err() == nil {
		msg, err := c.Queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("receive failed", "error", err)
			c.sleep(ctx, c.settings.PollInterval)
			continue
		}
		if msg == nil {
			c.sleep(ctx, c.settings.PollInterval)
			continue
		}
		c.Process(ctx, msg)
	}
}

// Process handles one message and settles it on the queue. Settlement runs
// even if ctx was cancelled mid-job.
func (c *Consumer) Process(ctx context.Context, msg *queue.Message) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	out := c.Handle(ctx, msg)

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if out.Ack {
		if err := c.Queue.Ack(settleCtx, msg); err != nil {
			slog.Error("ack failed", "msg_id", msg.ID, "job_id", msg.Descriptor.PublishingID, "error", err)
		}
		return
	}
	telemetry.Retries.Inc()
	if err := c.Queue.Retry(settleCtx, msg, out.Delay); err != nil {
		slog.Error("retry failed", "msg_id", msg.ID, "job_id", msg.Descriptor.PublishingID, "error", err)
	}
}

// Handle runs the publish state machine for msg and decides how to settle it.
func (c *Consumer) Handle(ctx context.Context, msg *queue.Message) policy.Outcome {
	desc := msg.Descriptor
	log := slog.With("job_id", desc.PublishingID, "channel", desc.ChannelKey, "request_id", desc.RequestID, "attempt", msg.Attempt)

	if desc.Kind != models.KindPublish || desc.PublishingID == "" {
		log.Error("dropping message that is not a publish job", "kind", desc.Kind)
		return policy.Outcome{Ack: true}
	}

	row, err := c.Store.GetJob(ctx, desc.PublishingID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Warn("dropping message for unknown job")
		return policy.Outcome{Ack: true}
	case err != nil:
		log.Error("load job", "error", err)
		return policy.Outcome{Delay: c.Policy.BackoffInitial}
	}

	stop := c.keepAlive(ctx, msg)
	res, err := c.publish(ctx, desc, row)
	stop()
	if err == nil {
		telemetry.Uploads.WithLabelValues(row.ChannelKey, string(res.Status)).Inc()
		return policy.Outcome{Ack: true, RetryCount: row.RetryCount}
	}

	if wait, ok := ratelimit.RetryAfter(err); ok {
		return c.deferForQuota(ctx, row, err, wait)
	}

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if errors.As(err, new(*policy.AuthError)) {
		c.Secrets.Invalidate(row.ChannelKey)
	}
	out := c.Policy.Apply(settleCtx, c.Store, row, err)
	outcome := "retry"
	if out.Ack {
		outcome = string(out.Decision.Status)
		if out.Decision.Status == models.StatusError {
			c.emit(settleCtx, row, events.TypeError, models.StatusError, out.Decision.Reason)
		}
	}
	telemetry.Uploads.WithLabelValues(row.ChannelKey, outcome).Inc()
	return out
}

// deferForQuota returns the message without spending the retry budget. The
// delay is capped so the row keeps being touched more often than the reaper
// considers it stale.
func (c *Consumer) deferForQuota(ctx context.Context, row models.JobRow, cause error, wait time.Duration) policy.Outcome {
	if c.Policy.BackoffMax > 0 && wait > c.Policy.BackoffMax {
		wait = c.Policy.BackoffMax
	}
	reason := policy.Truncate(cause.Error())
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.Store.Update(settleCtx, row.ID, store.Patch{LastError: &reason}); err != nil {
		slog.Warn("record quota deferral", "job_id", row.ID, "error", err)
	}
	slog.Info("upload deferred by channel quota", "job_id", row.ID, "channel", row.ChannelKey, "delay", wait)
	telemetry.Uploads.WithLabelValues(row.ChannelKey, "deferred").Inc()
	return policy.Outcome{Decision: policy.Classify(cause), Delay: wait, RetryCount: row.RetryCount}
}

// keepAlive extends the message lease and stamps the job row every
// LeaseInterval until the returned stop func is called, so a long transfer is
// neither redelivered nor released by the reaper.
func (c *Consumer) keepAlive(ctx context.Context, msg *queue.Message) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.settings.LeaseInterval)
		defer ticker.Stop()
		id := msg.Descriptor.PublishingID
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if c.Queue != nil {
				if err := c.Queue.Extend(ctx, msg); err != nil {
					telemetry.LeaseExtends.WithLabelValues("error").Inc()
					if errors.Is(err, queue.ErrLeaseLost) {
						slog.Error("message lease lost during upload", "job_id", id, "msg_id", msg.ID)
					} else if ctx.Err() == nil {
						slog.Warn("extend message lease", "job_id", id, "msg_id", msg.ID, "error", err)
					}
				} else {
					telemetry.LeaseExtends.WithLabelValues("ok").Inc()
				}
			}
			if err := c.Store.Update(ctx, id, store.Patch{}); err != nil && ctx.Err() == nil {
				slog.Warn("stamp in-flight job", "job_id", id, "error", err)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (c *Consumer) emit(ctx context.Context, row models.JobRow, typ string, status models.Status, reason string) {
	e := events.Event{
		Type:         typ,
		PublishingID: row.ID,
		ContentID:    row.ContentID,
		ChannelKey:   row.ChannelKey,
		Status:       string(status),
		ScheduledAt:  row.ScheduledAt,
		Reason:       reason,
		OccurredAt:   c.now().UTC(),
	}
	if row.ExternalID != nil {
		e.ExternalID = *row.ExternalID
	}
	if row.ExternalURL != nil {
		e.ExternalURL = *row.ExternalURL
	}
	if err := c.Events.Publish(ctx, e); err != nil {
		slog.Warn("publish status event", "job_id", row.ID, "type", typ, "error", err)
	}
}

func (c *Consumer) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		if depth, err := c.Queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
