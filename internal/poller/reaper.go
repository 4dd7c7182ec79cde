package poller

import (
	"context"
	"log/slog"
	"time"

	"content-publisher/internal/telemetry"
)

// Releaser returns abandoned scheduling rows to queued.
type Releaser interface {
	ReleaseStale(ctx context.Context, olderThan time.Duration, limit int) ([]string, error)
}

// Reaper releases rows whose consumer went away after the claim.
type Reaper struct {
	store      Releaser
	staleAfter time.Duration
	limit      int
}

func NewReaper(st Releaser, staleAfter time.Duration, limit int) *Reaper {
	if limit <= 0 {
		limit = 100
	}
	return &Reaper{store: st, staleAfter: staleAfter, limit: limit}
}

// Reap releases one batch of stale rows and returns their ids.
func (r *Reaper) Reap(ctx context.Context) ([]string, error) {
	ids, err := r.store.ReleaseStale(ctx, r.staleAfter, r.limit)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		telemetry.ReaperReleased.Add(float64(len(ids)))
		slog.Warn("released stale claims", "count", len(ids), "stale_after", r.staleAfter, "ids", ids)
	}
	return ids, nil
}
