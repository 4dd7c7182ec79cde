// Package dispatch turns claimed job rows into queue messages.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"content-publisher/internal/media"
	"content-publisher/internal/models"
	"content-publisher/internal/options"
	"content-publisher/internal/queue"
	"content-publisher/internal/telemetry"
)

// Claimer hands out exclusive batches of queued rows.
type Claimer interface {
	Claim(ctx context.Context, channelKey string, limit int) ([]models.JobRow, error)
}

// Store is what the dispatcher reads and repairs.
type Store interface {
	GetChannelDefaults(ctx context.Context, channelKey string) (map[string]any, error)
	Release(ctx context.Context, id string, reason string) error
}

// Dispatcher claims rows and publishes one descriptor per row.
type Dispatcher struct {
	claimer Claimer
	store   Store
	media   media.Resolver
	queue   queue.Queue
	now     func() time.Time
}

func New(claimer Claimer, st Store, resolver media.Resolver, q queue.Queue) *Dispatcher {
	return &Dispatcher{claimer: claimer, store: st, media: resolver, queue: q, now: time.Now}
}

// Failure is a claimed row that could not be dispatched.
type Failure struct {
	JobID    string `json:"job_id"`
	Error    string `json:"error"`
	Released bool   `json:"released"`
}

// Result summarizes one claim-and-dispatch round.
type Result struct {
	Claimed    int       `json:"claimed"`
	Dispatched []string  `json:"dispatched"`
	Failed     []Failure `json:"failed,omitempty"`
}

// BuildDescriptor snapshots everything the consumer needs into an immutable
// queue payload. Options are flattened with row values over channel defaults;
// typed fallbacks are applied by the consumer.
func BuildDescriptor(row models.JobRow, channelDefaults map[string]any, md models.MediaDescriptor, now time.Time) models.JobDescriptor {
	return models.JobDescriptor{
		Kind:             models.KindPublish,
		RequestID:        uuid.NewString(),
		PublishingID:     row.ID,
		ContentID:        row.ContentID,
		ChannelKey:       row.ChannelKey,
		ScheduledAt:      row.ScheduledAt,
		Media:            md,
		MediaLocator:     row.Content.MediaLocator,
		ThumbnailLocator: row.Content.ThumbnailLocator,
		Title:            row.Content.Title,
		Hook:             row.Content.Hook,
		Body:             row.Content.Body,
		CTA:              row.Content.CTA,
		Hashtags:         row.Content.Hashtags,
		Options:          options.Merge(row.Options, channelDefaults),
		ChannelDefaults:  channelDefaults,
		EnqueuedAt:       now.UTC(),
	}
}

// Dispatch builds the descriptor for row and places it on the queue. A media
// lookup failure does not block the publish; the consumer resolves media again
// and settles the row through the failure policy.
func (d *Dispatcher) Dispatch(ctx context.Context, row models.JobRow, channelDefaults map[string]any) (models.JobDescriptor, error) {
	md, err := d.media.GetSignedMedia(ctx, row.Content.MediaLocator)
	if err != nil {
		slog.Warn("media lookup at dispatch failed", "job_id", row.ID, "locator", row.Content.MediaLocator, "error", err)
		md = models.MediaDescriptor{}
	}
	desc := BuildDescriptor(row, channelDefaults, md, d.now())
	if err := d.queue.Publish(ctx, desc); err != nil {
		telemetry.Dispatched.WithLabelValues(row.ChannelKey, "error").Inc()
		return desc, fmt.Errorf("publish job %s: %w", row.ID, err)
	}
	telemetry.Dispatched.WithLabelValues(row.ChannelKey, "ok").Inc()
	slog.Info("job dispatched", "job_id", row.ID, "channel", row.ChannelKey, "request_id", desc.RequestID)
	return desc, nil
}

// ClaimAndDispatch claims up to limit rows and dispatches them in claim order.
// A row that cannot be dispatched is released back to queued; if the release
// also fails the row is left for the stale-claim reaper.
func (d *Dispatcher) ClaimAndDispatch(ctx context.Context, channelKey string, limit int) (Result, error) {
	rows, err := d.claimer.Claim(ctx, channelKey, limit)
	if err != nil {
		return Result{}, err
	}
	res := Result{Claimed: len(rows), Dispatched: make([]string, 0, len(rows))}
	if len(rows) == 0 {
		return res, nil
	}

	defaults, err := d.store.GetChannelDefaults(ctx, channelKey)
	if err != nil {
		for _, row := range rows {
			res.Failed = append(res.Failed, d.release(ctx, row, err))
		}
		return res, fmt.Errorf("channel defaults %s: %w", channelKey, err)
	}

	for _, row := range rows {
		if _, err := d.Dispatch(ctx, row, defaults); err != nil {
			res.Failed = append(res.Failed, d.release(ctx, row, err))
			continue
		}
		res.Dispatched = append(res.Dispatched, row.ID)
	}
	return res, nil
}

func (d *Dispatcher) release(ctx context.Context, row models.JobRow, cause error) Failure {
	f := Failure{JobID: row.ID, Error: cause.Error()}
	if err := d.store.Release(ctx, row.ID, cause.Error()); err != nil {
		slog.Error("release after dispatch failure", "job_id", row.ID, "error", err, "cause", cause)
		return f
	}
	f.Released = true
	slog.Warn("released undispatched job", "job_id", row.ID, "error", cause)
	return f
}
