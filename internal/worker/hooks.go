package worker

import (
	"context"
	"strings"
	"time"

	"content-publisher/internal/options"
	"content-publisher/internal/telemetry"
)

const (
	HookPlaylist  = "playlist"
	HookThumbnail = "thumbnail"
)

// HookResult is the outcome of one best-effort post-publish hook. A failed
// hook never changes the job's status.
type HookResult struct {
	Name    string
	Skipped bool
	Err     error
	Elapsed time.Duration
}

type hookInput struct {
	token     string
	videoID   string
	title     string
	opts      options.PostingOptions
	thumbnail string
}

func (c *Consumer) runHooks(ctx context.Context, in hookInput) []HookResult {
	return []HookResult{
		c.runHook(ctx, HookThumbnail, in.thumbnail != "", func(ctx context.Context) error {
			jpeg, err := c.thumbnails.render(ctx, in.thumbnail)
			if err != nil {
				return err
			}
			return c.Platform.SetThumbnail(ctx, in.token, in.videoID, jpeg)
		}),
		c.runHook(ctx, HookPlaylist, c.wantsPlaylist(in.title, in.opts), func(ctx context.Context) error {
			return c.Platform.AddToPlaylist(ctx, in.token, in.opts.PlaylistID, in.videoID)
		}),
	}
}

// wantsPlaylist reports whether the video joins the configured playlist. With
// a title prefix configured only matching titles are synced.
func (c *Consumer) wantsPlaylist(title string, opts options.PostingOptions) bool {
	if opts.PlaylistID == "" {
		return false
	}
	prefix := c.settings.PlaylistPrefix
	return prefix == "" || strings.HasPrefix(strings.ToLower(strings.TrimSpace(title)), strings.ToLower(prefix))
}

func (c *Consumer) runHook(ctx context.Context, name string, enabled bool, fn func(context.Context) error) HookResult {
	if !enabled {
		return HookResult{Name: name, Skipped: true}
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	start := time.Now()
	err := fn(ctx)
	if err != nil {
		telemetry.HookFailures.WithLabelValues(name).Inc()
	}
	return HookResult{Name: name, Err: err, Elapsed: time.Since(start)}
}
