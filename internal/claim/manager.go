// Package claim hands batches of queued publish jobs to exactly one caller.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"content-publisher/internal/models"
	"content-publisher/internal/policy"
	"content-publisher/internal/store"
	"content-publisher/internal/telemetry"
)

// Store is the atomic claim primitive.
type Store interface {
	Claim(ctx context.Context, channelKey string, limit int) ([]models.JobRow, error)
}

// Request is a validated claim request.
type Request struct {
	ChannelKey string `validate:"required,max=128,excludesall=/?#"`
	Limit      int    `validate:"min=1,max=50"`
}

// Manager validates claim requests and runs them against the store.
type Manager struct {
	store    Store
	validate *validator.Validate
}

func NewManager(st Store) *Manager {
	return &Manager{store: st, validate: validator.New()}
}

// Claim moves up to limit queued rows of the channel to scheduling and returns
// them in claim order. The result may be empty.
func (m *Manager) Claim(ctx context.Context, channelKey string, limit int) ([]models.JobRow, error) {
	req := Request{ChannelKey: channelKey, Limit: limit}
	if err := m.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, policy.Invalid(verrs[0].Field(), verrs[0].Tag())
		}
		return nil, policy.Invalid("request", err.Error())
	}

	start := time.Now()
	rows, err := m.store.Claim(ctx, req.ChannelKey, req.Limit)
	switch {
	case errors.Is(err, store.ErrInvalidChannel), errors.Is(err, store.ErrInvalidLimit):
		return nil, policy.Invalid("request", err.Error())
	case err != nil:
		return nil, fmt.Errorf("claim %s: %w", req.ChannelKey, err)
	}

	telemetry.ClaimedRows.WithLabelValues(req.ChannelKey).Add(float64(len(rows)))
	slog.Debug("claimed jobs", "channel", req.ChannelKey, "limit", req.Limit, "claimed", len(rows), "elapsed", time.Since(start))
	return rows, nil
}
