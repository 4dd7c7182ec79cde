// Package poller reconciles scheduled uploads with the platform and runs the
// periodic maintenance jobs.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"content-publisher/internal/events"
	"content-publisher/internal/models"
	"content-publisher/internal/secrets"
	"content-publisher/internal/telemetry"
	"content-publisher/internal/youtube"
)

// Store is the slice of the store the poller reads and writes.
type Store interface {
	ListScheduled(ctx context.Context, channelKey string, limit int) ([]models.ScheduledRef, error)
	MarkPosted(ctx context.Context, ids []string, postedAt time.Time) (int64, error)
}

// Platform answers batched status queries.
type Platform interface {
	RefreshToken(ctx context.Context, creds secrets.Credentials) (string, error)
	ListStatus(ctx context.Context, token string, ids []string) (map[string]youtube.VideoStatus, error)
}

// Credentials resolves per-channel OAuth credentials.
type Credentials interface {
	ChannelCredentials(ctx context.Context, channelKey string) (secrets.Credentials, error)
}

// Result counts one reconciliation pass.
type Result struct {
	Channel string `json:"channel"`
	Checked int    `json:"checked"`
	Updated int    `json:"updated"`
	// Missing counts ids the platform did not return.
	Missing int `json:"missing"`
}

// Poller moves scheduled rows whose video went public to posted.
type Poller struct {
	store    Store
	platform Platform
	secrets  Credentials
	events   events.Publisher
	now      func() time.Time
}

func New(st Store, platform Platform, creds Credentials, ev events.Publisher) *Poller {
	if ev == nil {
		ev = events.Noop{}
	}
	return &Poller{store: st, platform: platform, secrets: creds, events: ev, now: time.Now}
}

// PollScheduled checks up to limit scheduled rows of a channel in batches of
// youtube.MaxListIDs. Rows updated by earlier batches stay updated when a
// later batch fails.
func (p *Poller) PollScheduled(ctx context.Context, channelKey string, limit int) (Result, error) {
	res := Result{Channel: channelKey}
	refs, err := p.store.ListScheduled(ctx, channelKey, limit)
	if err != nil {
		return res, err
	}
	if len(refs) == 0 {
		return res, nil
	}

	creds, err := p.secrets.ChannelCredentials(ctx, channelKey)
	if err != nil {
		return res, err
	}
	token, err := p.platform.RefreshToken(ctx, creds)
	if err != nil {
		return res, err
	}

	for start := 0; start < len(refs); start += youtube.MaxListIDs {
		batch := refs[start:min(start+youtube.MaxListIDs, len(refs))]
		if err := p.pollBatch(ctx, channelKey, token, batch, &res); err != nil {
			return res, fmt.Errorf("poll %s batch at %d: %w", channelKey, start, err)
		}
	}
	slog.Info("scheduled uploads reconciled", "channel", channelKey, "checked", res.Checked, "updated", res.Updated, "missing", res.Missing)
	return res, nil
}

func (p *Poller) pollBatch(ctx context.Context, channelKey, token string, batch []models.ScheduledRef, res *Result) error {
	ids := make([]string, len(batch))
	for i, ref := range batch {
		ids[i] = ref.ExternalID
	}
	statuses, err := p.platform.ListStatus(ctx, token, ids)
	if err != nil {
		return err
	}
	res.Checked += len(batch)
	telemetry.PollerChecked.Add(float64(len(batch)))

	var live []models.ScheduledRef
	for _, ref := range batch {
		st, ok := statuses[ref.ExternalID]
		switch {
		case !ok:
			res.Missing++
			slog.Warn("scheduled video not returned by platform", "job_id", ref.PublishingID, "external_id", ref.ExternalID)
		case st.Live():
			live = append(live, ref)
		}
	}
	if len(live) == 0 {
		return nil
	}

	now := p.now()
	liveIDs := make([]string, len(live))
	for i, ref := range live {
		liveIDs[i] = ref.PublishingID
	}
	n, err := p.store.MarkPosted(ctx, liveIDs, now)
	if err != nil {
		return err
	}
	res.Updated += int(n)
	telemetry.PollerPosted.Add(float64(n))

	for _, ref := range live {
		e := events.Event{
			Type:         events.TypePosted,
			PublishingID: ref.PublishingID,
			ChannelKey:   channelKey,
			Status:       string(models.StatusPosted),
			ExternalID:   ref.ExternalID,
			ExternalURL:  youtube.WatchURL(ref.ExternalID),
			OccurredAt:   now.UTC(),
		}
		if err := p.events.Publish(ctx, e); err != nil {
			slog.Warn("publish posted event", "job_id", ref.PublishingID, "error", err)
		}
	}
	return nil
}
