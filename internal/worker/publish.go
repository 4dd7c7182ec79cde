package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"content-publisher/internal/events"
	"content-publisher/internal/models"
	"content-publisher/internal/options"
	"content-publisher/internal/policy"
	"content-publisher/internal/secrets"
	"content-publisher/internal/store"
	"content-publisher/internal/telemetry"
	"content-publisher/internal/upload"
	"content-publisher/internal/youtube"
)

// mediaMargin is the minimum remaining validity for a descriptor's signed URL
// to be used without resolving a fresh one.
const mediaMargin = 10 * time.Minute

// Result is the primary outcome of one publish, with the best-effort hook
// outcomes kept apart.
type Result struct {
	Status      models.Status
	ExternalID  string
	ExternalURL string
	Strategy    upload.Strategy
	// Reconciled is set when the row already had a platform id and no upload
	// happened.
	Reconciled bool
	Hooks      []HookResult
}

func (c *Consumer) publish(ctx context.Context, desc models.JobDescriptor, row models.JobRow) (Result, error) {
	log := slog.With("job_id", row.ID, "channel", row.ChannelKey, "request_id", desc.RequestID)

	if row.HasExternalID() {
		return c.reconcile(ctx, row)
	}
	if row.Status.IsTerminal() {
		log.Info("job already settled, nothing to do", "status", row.Status)
		return Result{Status: row.Status, Reconciled: true}, nil
	}

	// The row must sit in scheduling before anything can fail, or a terminal
	// failure has no edge to error.
	if err := c.markScheduling(ctx, row); err != nil {
		return Result{}, err
	}
	md, err := c.resolveMedia(ctx, desc, row)
	if err != nil {
		return Result{}, err
	}

	opts := options.Resolve(desc.Options, desc.ChannelDefaults, options.Fallback)
	now := c.now()
	if opts.RequireFutureSchedule && row.ScheduledAt != nil && row.ScheduledAt.Before(now.Add(-c.settings.ScheduleGrace)) {
		return Result{}, &policy.PreconditionError{
			Reason: fmt.Sprintf("scheduled_at %s has passed and the channel requires a future schedule", row.ScheduledAt.UTC().Format(time.RFC3339)),
		}
	}

	copyFields := options.CopyFields{Hook: desc.Hook, Body: desc.Body, CTA: desc.CTA, Hashtags: desc.Hashtags}
	description := options.BuildDescription(opts.DescriptionTemplate, copyFields, c.settings.PlatformTag, opts.AppendPlatformTag)
	title := desc.Title
	if title == "" {
		title = row.Content.Title
	}
	meta, err := youtube.NewMetadata(title, description, opts, row.ScheduledAt, now)
	if err != nil {
		return Result{}, err
	}
	if meta.Status.PublishAt != "" {
		log = log.With("publish_at", meta.Status.PublishAt, "publish_at_local", localTime(*row.ScheduledAt, opts.Timezone))
	}

	if c.Quota != nil {
		if err := c.Quota.Reserve(ctx, row.ChannelKey); err != nil {
			return Result{}, err
		}
	}

	creds, err := c.Secrets.ChannelCredentials(ctx, row.ChannelKey)
	if err != nil {
		var missing *secrets.MissingError
		if errors.As(err, &missing) {
			return Result{}, policy.Invalid("credentials", missing.Error())
		}
		return Result{}, err
	}
	token, err := c.Platform.RefreshToken(ctx, creds)
	if err != nil {
		return Result{}, err
	}
	sessionURL, err := c.Platform.CreateSession(ctx, token, meta, md.ContentType, md.ContentLength)
	if err != nil {
		return Result{}, err
	}
	log.Info("upload session created", "size", md.ContentLength, "privacy", meta.Status.PrivacyStatus)

	transfer, err := c.Uploader.Transfer(ctx, upload.Session{URL: sessionURL, Token: token}, md)
	if err != nil {
		return Result{}, err
	}
	video, err := youtube.ParseVideo(transfer.Body)
	if err != nil {
		return Result{}, err
	}

	done := c.now()
	res := Result{
		Status:      settledStatus(row.ScheduledAt, done),
		ExternalID:  video.ID,
		ExternalURL: youtube.WatchURL(video.ID),
		Strategy:    transfer.Strategy,
	}
	if err := c.writeBack(ctx, row, &res, done); err != nil {
		if errors.Is(err, store.ErrExternalIDConflict) {
			return c.adoptRecorded(ctx, row.ID, video.ID, err)
		}
		log.Error("upload succeeded but write-back failed", "external_id", video.ID, "error", err)
		return Result{}, err
	}
	log.Info("job published", "status", res.Status, "external_id", res.ExternalID, "strategy", res.Strategy)

	row.ExternalID, row.ExternalURL = &res.ExternalID, &res.ExternalURL
	if typ, ok := events.TypeFor(res.Status); ok {
		c.emit(ctx, row, typ, res.Status, "")
	}

	res.Hooks = c.runHooks(ctx, hookInput{
		token:     token,
		videoID:   video.ID,
		title:     title,
		opts:      opts,
		thumbnail: desc.ThumbnailLocator,
	})
	for _, h := range res.Hooks {
		if h.Err != nil {
			log.Warn("post-publish hook failed", "hook", h.Name, "error", h.Err)
		}
	}
	return res, nil
}

// reconcile settles a row whose platform resource already exists without
// uploading again.
func (c *Consumer) reconcile(ctx context.Context, row models.JobRow) (Result, error) {
	now := c.now()
	res := Result{Status: row.Status, ExternalID: *row.ExternalID, Reconciled: true}
	if row.ExternalURL != nil {
		res.ExternalURL = *row.ExternalURL
	}
	target := settledStatus(row.ScheduledAt, now)
	if row.Status.IsTerminal() || row.Status == target {
		return res, nil
	}
	if err := c.markScheduling(ctx, row); err != nil {
		return Result{}, err
	}
	patch := store.Patch{Status: &target}
	if target == models.StatusPosted {
		patch.PostedAt = &now
	}
	err := c.Store.Update(ctx, row.ID, patch)
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		slog.Info("row settled concurrently", "job_id", row.ID, "error", err)
		return res, nil
	case err != nil:
		return Result{}, policy.Storage("reconcile", err)
	}
	res.Status = target
	slog.Info("reconciled existing upload", "job_id", row.ID, "external_id", res.ExternalID, "status", target)
	if typ, ok := events.TypeFor(target); ok {
		c.emit(ctx, row, typ, target, "")
	}
	return res, nil
}

// adoptRecorded handles a write-back refused because an overlapping delivery
// already recorded its own upload. The recorded id wins; ours is reported as
// orphaned and the row is reconciled against the recorded one.
func (c *Consumer) adoptRecorded(ctx context.Context, id, orphaned string, cause error) (Result, error) {
	telemetry.OrphanedUploads.Inc()
	slog.Error("upload orphaned by concurrent delivery, keeping recorded id",
		"job_id", id, "orphaned_external_id", orphaned, "orphaned_url", youtube.WatchURL(orphaned), "error", cause)
	fresh, err := c.Store.GetJob(context.WithoutCancel(ctx), id)
	if err != nil {
		return Result{}, policy.Storage("reload job", err)
	}
	if !fresh.HasExternalID() {
		return Result{}, policy.Storage("reload job", cause)
	}
	return c.reconcile(ctx, fresh)
}

// markScheduling moves a queued row to scheduling for delivery paths that
// bypassed the claim.
func (c *Consumer) markScheduling(ctx context.Context, row models.JobRow) error {
	if row.Status != models.StatusQueued && row.Status != models.StatusPending {
		return nil
	}
	status := models.StatusScheduling
	now := c.now()
	err := c.Store.Update(ctx, row.ID, store.Patch{Status: &status, ClaimedAt: &now})
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		return policy.Invalid("status", fmt.Sprintf("job in %s cannot be published", row.Status))
	case err != nil:
		return policy.Storage("mark scheduling", err)
	}
	return nil
}

func (c *Consumer) resolveMedia(ctx context.Context, desc models.JobDescriptor, row models.JobRow) (models.MediaDescriptor, error) {
	md := desc.Media
	if md.URL == "" || md.ContentLength <= 0 || md.Expired(c.now().Add(mediaMargin)) {
		locator := row.Content.MediaLocator
		if locator == "" {
			locator = desc.MediaLocator
		}
		if locator == "" {
			return models.MediaDescriptor{}, policy.Invalid("media_locator", "required")
		}
		var err error
		if md, err = c.Media.GetSignedMedia(ctx, locator); err != nil {
			return models.MediaDescriptor{}, err
		}
	}
	if md.ContentLength <= 0 {
		return models.MediaDescriptor{}, policy.Invalid("media.content_length", "must be positive")
	}
	if md.ContentType == "" {
		md.ContentType = "video/mp4"
	}
	return md, nil
}

// writeBack records the upload on the row, retrying storage failures in place
// since the platform resource already exists. If the row left scheduling in
// the meantime the platform id is still recorded so a later delivery
// reconciles instead of uploading again. A row that already carries another
// id yields store.ErrExternalIDConflict without retrying.
func (c *Consumer) writeBack(ctx context.Context, row models.JobRow, res *Result, done time.Time) error {
	patch := store.Patch{
		Status:         &res.Status,
		ExternalID:     &res.ExternalID,
		ExternalURL:    &res.ExternalURL,
		ClearLastError: true,
		IncrementRetry: true,
	}
	if res.Status == models.StatusPosted {
		patch.PostedAt = &done
	} else {
		patch.ClearPostedAt = true
	}

	ctx = context.WithoutCancel(ctx)
	b := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := c.Store.Update(ctx, row.ID, patch)
		if errors.Is(err, store.ErrInvalidTransition) {
			slog.Warn("row left scheduling during upload, recording platform id only", "job_id", row.ID, "error", err)
			res.Status = row.Status
			err = c.Store.Update(ctx, row.ID, store.Patch{ExternalID: &res.ExternalID, ExternalURL: &res.ExternalURL})
		}
		if err != nil && !errors.Is(err, store.ErrExternalIDConflict) {
			return retry.RetryableError(policy.Storage("write back", err))
		}
		return err
	})
}

// settledStatus is scheduled for a future schedule and posted otherwise.
func settledStatus(scheduledAt *time.Time, now time.Time) models.Status {
	if scheduledAt != nil && scheduledAt.After(now) {
		return models.StatusScheduled
	}
	return models.StatusPosted
}

func localTime(t time.Time, tz string) string {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02 15:04 MST")
}
