package store

import (
	"fmt"
	"strings"
	"time"

	"content-publisher/internal/models"
)

// Patch is a partial update of a job row. Only the columns named here are
// mutable through Update; nil fields are left untouched.
type Patch struct {
	Status      *models.Status
	ScheduledAt *time.Time
	ExternalID  *string
	ExternalURL *string
	LastError   *string
	// ClearLastError writes NULL to last_error and wins over LastError.
	ClearLastError bool
	PostedAt       *time.Time
	ClearPostedAt  bool
	ClaimedAt      *time.Time
	// IncrementRetry adds one to retry_count in place.
	IncrementRetry bool
}

// Columns lists the columns the patch writes, in statement order.
func (p Patch) Columns() []string {
	sets, _ := p.assignments(1)
	cols := make([]string, len(sets))
	for i, s := range sets {
		cols[i] = strings.TrimSpace(strings.SplitN(s, "=", 2)[0])
	}
	return cols
}

func (p Patch) assignments(next int) ([]string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, next))
		args = append(args, v)
		next++
	}
	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.ScheduledAt != nil {
		add("scheduled_at", *p.ScheduledAt)
	}
	if p.ExternalID != nil {
		add("external_id", *p.ExternalID)
	}
	if p.ExternalURL != nil {
		add("external_url", *p.ExternalURL)
	}
	switch {
	case p.ClearLastError:
		sets = append(sets, "last_error = NULL")
	case p.LastError != nil:
		add("last_error", *p.LastError)
	}
	switch {
	case p.ClearPostedAt:
		sets = append(sets, "posted_at = NULL")
	case p.PostedAt != nil:
		add("posted_at", *p.PostedAt)
	}
	if p.ClaimedAt != nil {
		add("claimed_at", *p.ClaimedAt)
	}
	if p.IncrementRetry {
		sets = append(sets, "retry_count = retry_count + 1")
	}
	return sets, args
}

// externalIDConflict reports whether patch would overwrite current, the
// external id stored on the row.
func externalIDConflict(id, current string, patch Patch) error {
	if patch.ExternalID == nil || current == "" || current == *patch.ExternalID {
		return nil
	}
	return fmt.Errorf("job %s has %s, refusing %s: %w", id, current, *patch.ExternalID, ErrExternalIDConflict)
}

func joinComma(parts []string) string {
	return strings.Join(parts, ", ")
}
