package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"content-publisher/internal/models"
)

// MaxClaimLimit bounds a single claim batch.
const MaxClaimLimit = 50

// ContentErrorStatus is the marker written on a content item when its publish
// pipeline aborts.
const ContentErrorStatus = "Error"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidChannel    = errors.New("channel key is required")
	ErrInvalidLimit      = fmt.Errorf("limit must be between 1 and %d", MaxClaimLimit)
	ErrInvalidTransition = errors.New("status transition not allowed")
	// ErrExternalIDConflict is returned when a write would replace a platform
	// id already recorded on the row.
	ErrExternalIDConflict = errors.New("row already carries a different external id")
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres, pinging with backoff until the
// database answers or retries run out.
func New(ctx context.Context, dsn string, retries int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if retries < 1 {
		retries = 1
	}
	for i := range retries {
		if err = pool.Ping(ctx); err == nil {
			return &Store{pool: pool}, nil
		}
		sleep := time.Duration(float64(i)*1.61803398875) * time.Second
		slog.Warn("postgres not reachable, retrying", "attempt", i+1, "sleep", sleep, "error", err)
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	pool.Close()
	return nil, fmt.Errorf("ping postgres after %d attempts: %w", retries, err)
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `j.id, j.content_id, j.channel_key, j.status, j.scheduled_at, j.external_id, j.external_url,
	j.last_error, j.retry_count, j.options, j.posted_at, j.claimed_at, j.modified_at,
	c.title, c.hook, c.body, c.cta, c.hashtags, c.media_locator, c.thumbnail_locator`

// Claim atomically moves up to limit queued rows of the channel to scheduling
// and returns them joined with their content, ordered by scheduled_at (nulls
// last) then id. Concurrent callers never receive the same row.
func (s *Store) Claim(ctx context.Context, channelKey string, limit int) ([]models.JobRow, error) {
	if channelKey == "" {
		return nil, ErrInvalidChannel
	}
	if limit < 1 || limit > MaxClaimLimit {
		return nil, ErrInvalidLimit
	}

	rows, err := s.pool.Query(ctx, `
		WITH picked AS (
			SELECT id FROM publishing_jobs
			WHERE channel_key = $1 AND status = 'queued'
			ORDER BY scheduled_at ASC NULLS LAST, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		), j AS (
			UPDATE publishing_jobs p
			SET status = 'scheduling', claimed_at = NOW(), modified_at = NOW()
			FROM picked
			WHERE p.id = picked.id AND p.status = 'queued'
			RETURNING p.*
		)
		SELECT `+jobColumns+`
		FROM j JOIN contents c ON c.id = j.content_id
		ORDER BY j.scheduled_at ASC NULLS LAST, j.id ASC
	`, channelKey, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var out []models.JobRow
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return out, nil
}

// GetJob fetches a job row joined with its content.
func (s *Store) GetJob(ctx context.Context, id string) (models.JobRow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM publishing_jobs j JOIN contents c ON c.id = j.content_id
		WHERE j.id = $1
	`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRow{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// Update applies a partial update restricted to the Patch columns and stamps
// modified_at. When the patch sets a status, the write only lands if the row
// currently sits on a predecessor of that status. A patch setting the external
// id never replaces a different id already on the row.
func (s *Store) Update(ctx context.Context, id string, patch Patch) error {
	sets, args := patch.assignments(2)
	sets = append(sets, "modified_at = NOW()")
	query := "UPDATE publishing_jobs SET " + joinComma(sets) + " WHERE id = $1"
	args = append([]any{id}, args...)
	if patch.Status != nil {
		from := models.Predecessors(*patch.Status)
		allowed := make([]string, len(from))
		for i, st := range from {
			allowed[i] = string(st)
		}
		args = append(args, allowed)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if patch.ExternalID != nil {
		args = append(args, *patch.ExternalID)
		query += fmt.Sprintf(" AND (external_id IS NULL OR external_id = '' OR external_id = $%d)", len(args))
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var (
		current    string
		externalID pgtype.Text
	)
	err = s.pool.QueryRow(ctx, `SELECT status, external_id FROM publishing_jobs WHERE id = $1`, id).Scan(&current, &externalID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read job status %s: %w", id, err)
	}
	if err := externalIDConflict(id, externalID.String, patch); err != nil {
		return err
	}
	if patch.Status == nil {
		return nil
	}
	return fmt.Errorf("job %s %s -> %s: %w", id, current, *patch.Status, ErrInvalidTransition)
}

// IncrementRetry bumps retry_count and records lastErr without touching status.
func (s *Store) IncrementRetry(ctx context.Context, id string, lastErr string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE publishing_jobs
		SET retry_count = retry_count + 1, last_error = $2, modified_at = NOW()
		WHERE id = $1
		RETURNING retry_count
	`, id, lastErr).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("increment retry %s: %w", id, err)
	}
	return count, nil
}

// ListScheduled returns scheduled rows that carry a platform id.
func (s *Store) ListScheduled(ctx context.Context, channelKey string, limit int) ([]models.ScheduledRef, error) {
	if channelKey == "" {
		return nil, ErrInvalidChannel
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, external_id FROM publishing_jobs
		WHERE channel_key = $1 AND status = 'scheduled' AND external_id IS NOT NULL AND external_id <> ''
		ORDER BY scheduled_at ASC NULLS LAST, id ASC
		LIMIT $2
	`, channelKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list scheduled: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduledRef
	for rows.Next() {
		var ref models.ScheduledRef
		if err := rows.Scan(&ref.PublishingID, &ref.ExternalID); err != nil {
			return nil, fmt.Errorf("scan scheduled: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// MarkPosted moves the given scheduled rows to posted. Rows no longer
// scheduled are left alone, so repeated calls are no-ops.
func (s *Store) MarkPosted(ctx context.Context, ids []string, postedAt time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE publishing_jobs
		SET status = 'posted', posted_at = $2, last_error = NULL, modified_at = NOW()
		WHERE id = ANY($1) AND status = 'scheduled'
	`, ids, postedAt)
	if err != nil {
		return 0, fmt.Errorf("mark posted: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetChannelDefaults returns the channel's default posting options.
func (s *Store) GetChannelDefaults(ctx context.Context, channelKey string) (map[string]any, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT defaults FROM channels WHERE key = $1`, channelKey).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("channel %s: %w", channelKey, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query channel defaults: %w", err)
	}
	return decodeMap(raw)
}

// ListChannels returns every configured channel.
func (s *Store) ListChannels(ctx context.Context) ([]models.Channel, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, display_name, defaults FROM channels ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []models.Channel
	for rows.Next() {
		var ch models.Channel
		var raw []byte
		if err := rows.Scan(&ch.Key, &ch.DisplayName, &raw); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		if ch.Defaults, err = decodeMap(raw); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// MarkContentError sets the content's overall status to the error marker.
func (s *Store) MarkContentError(ctx context.Context, contentID string, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE contents SET status = $2, error_reason = $3, updated_at = NOW() WHERE id = $1
	`, contentID, ContentErrorStatus, reason)
	if err != nil {
		return fmt.Errorf("mark content error %s: %w", contentID, err)
	}
	return nil
}

// Release returns a scheduling row without a platform id to queued.
func (s *Store) Release(ctx context.Context, id string, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE publishing_jobs
		SET status = 'queued', claimed_at = NULL, last_error = NULLIF($2, ''), modified_at = NOW()
		WHERE id = $1 AND status = 'scheduling' AND (external_id IS NULL OR external_id = '')
	`, id, reason)
	if err != nil {
		return fmt.Errorf("release job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("release job %s: %w", id, ErrInvalidTransition)
	}
	return nil
}

// ReleaseStale returns rows that sat in scheduling without any write for longer
// than olderThan to queued. Every retry record stamps modified_at, so a row
// waiting out its backoff is not stale. Rows that already carry a platform id
// are never released.
func (s *Store) ReleaseStale(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		WITH stale AS (
			SELECT id FROM publishing_jobs
			WHERE status = 'scheduling'
			  AND (external_id IS NULL OR external_id = '')
			  AND GREATEST(claimed_at, modified_at) < NOW() - make_interval(secs => $1)
			ORDER BY modified_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE publishing_jobs p
		SET status = 'queued', claimed_at = NULL, last_error = 'released after stale claim', modified_at = NOW()
		FROM stale
		WHERE p.id = stale.id
		RETURNING p.id
	`, olderThan.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("release stale: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan released id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanJob(row pgx.Row) (models.JobRow, error) {
	var (
		job                                models.JobRow
		status                             string
		scheduledAt, postedAt, claimedAt   pgtype.Timestamptz
		externalID, externalURL, lastError pgtype.Text
		thumbnail                          pgtype.Text
		options                            []byte
	)
	err := row.Scan(
		&job.ID, &job.ContentID, &job.ChannelKey, &status, &scheduledAt, &externalID, &externalURL,
		&lastError, &job.RetryCount, &options, &postedAt, &claimedAt, &job.ModifiedAt,
		&job.Content.Title, &job.Content.Hook, &job.Content.Body, &job.Content.CTA, &job.Content.Hashtags,
		&job.Content.MediaLocator, &thumbnail,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.JobRow{}, err
		}
		return models.JobRow{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = models.Status(status)
	job.ScheduledAt = timePtr(scheduledAt)
	job.PostedAt = timePtr(postedAt)
	job.ClaimedAt = timePtr(claimedAt)
	job.ExternalID = textPtr(externalID)
	job.ExternalURL = textPtr(externalURL)
	job.LastError = textPtr(lastError)
	job.Content.ID = job.ContentID
	if thumbnail.Valid {
		job.Content.ThumbnailLocator = thumbnail.String
	}
	if job.Options, err = decodeMap(options); err != nil {
		return models.JobRow{}, err
	}
	return job, nil
}

func decodeMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal options: %w", err)
	}
	return m, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
