package policy

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"content-publisher/internal/models"
	"content-publisher/internal/store"
)

// JobWriter is the slice of the store the policy writes through.
type JobWriter interface {
	Update(ctx context.Context, id string, patch store.Patch) error
	IncrementRetry(ctx context.Context, id string, lastErr string) (int, error)
	MarkContentError(ctx context.Context, contentID string, reason string) error
}

// Outcome tells the consumer how to settle the queue message.
type Outcome struct {
	Decision   Decision
	Ack        bool
	Delay      time.Duration
	RetryCount int
}

// Policy applies failure decisions to job rows.
type Policy struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Apply records a failure on the row and decides the message settlement.
// Retryable failures bump retry_count and leave status alone; once the count
// reaches MaxAttempts the failure is parked as a terminal error.
func (p Policy) Apply(ctx context.Context, w JobWriter, row models.JobRow, cause error) Outcome {
	d := Classify(cause)
	log := slog.With("job_id", row.ID, "channel", row.ChannelKey, "class", d.Class.String())

	if d.Class == Retryable {
		count, err := w.IncrementRetry(ctx, row.ID, d.Reason)
		if err != nil {
			log.Error("record retryable failure", "error", err, "cause", d.Reason)
			return Outcome{Decision: d, Delay: p.BackoffInitial}
		}
		if p.MaxAttempts <= 0 || count < p.MaxAttempts {
			delay := BackoffWithJitter(p.BackoffInitial, p.BackoffMax, count)
			log.Warn("publish attempt failed, will retry", "retry_count", count, "delay", delay, "error", d.Reason)
			return Outcome{Decision: d, Delay: delay, RetryCount: count}
		}
		d = Decision{Class: Terminal, Status: models.StatusError, Reason: Truncate("retry budget exhausted: " + d.Reason)}
		row.RetryCount = count
	}

	status := d.Status
	reason := d.Reason
	if err := w.Update(ctx, row.ID, store.Patch{Status: &status, LastError: &reason}); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			// Another delivery already settled the row.
			log.Warn("terminal failure on settled row", "error", err, "cause", reason)
			return Outcome{Decision: d, Ack: true, RetryCount: row.RetryCount}
		}
		log.Error("record terminal failure", "error", err, "cause", reason)
		return Outcome{Decision: d, Delay: p.BackoffInitial, RetryCount: row.RetryCount}
	}
	if status == models.StatusError {
		if err := w.MarkContentError(ctx, row.ContentID, reason); err != nil {
			log.Warn("content error writeback failed", "content_id", row.ContentID, "error", err)
		}
	}
	log.Error("publish job failed", "status", status, "error", reason)
	return Outcome{Decision: d, Ack: true, RetryCount: row.RetryCount}
}

// BackoffWithJitter returns a delay in [wait/2, wait) where wait doubles per
// attempt from base and is capped at max.
func BackoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
