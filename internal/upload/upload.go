// Package upload moves media bytes from a signed source URL into a resumable
// upload session.
package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sethvargo/go-retry"

	"content-publisher/internal/models"
	"content-publisher/internal/policy"
	"content-publisher/internal/telemetry"
)

// Strategy names how the bytes were moved.
type Strategy string

const (
	StrategySingle Strategy = "single"
	StrategyRange  Strategy = "range"
	StrategyStream Strategy = "stream"
)

const (
	DefaultChunkSize           = 8 << 20
	DefaultSingleShotThreshold = 95 << 20
	// chunkGranularity is the platform's required multiple for every
	// non-final chunk.
	chunkGranularity = 256 << 10
	// readSize is the network read buffer of the stream strategy.
	readSize = 256 << 10
)

// Session is an open resumable upload.
type Session struct {
	URL   string
	Token string
}

// Result is the platform's final response once every byte was accepted.
type Result struct {
	Body     []byte
	Strategy Strategy
	Chunks   int
	Bytes    int64
}

// Options configures a Transferrer.
type Options struct {
	ChunkSize           int64
	SingleShotThreshold int64
	// Retries bounds in-place retries of a single fetch or chunk PUT.
	Retries uint64
	Backoff time.Duration
}

// Transferrer picks a strategy per media item and drives the session to
// completion.
type Transferrer struct {
	http      *http.Client
	chunk     int64
	threshold int64
	retries   uint64
	backoff   time.Duration
	now       func() time.Time
}

func NewTransferrer(client *http.Client, opts Options) (*Transferrer, error) {
	if client == nil {
		client = &http.Client{}
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.SingleShotThreshold == 0 {
		opts.SingleShotThreshold = DefaultSingleShotThreshold
	}
	if opts.ChunkSize < 0 || opts.ChunkSize%chunkGranularity != 0 {
		return nil, fmt.Errorf("chunk size %d is not a positive multiple of %d", opts.ChunkSize, chunkGranularity)
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	return &Transferrer{
		http:      client,
		chunk:     opts.ChunkSize,
		threshold: opts.SingleShotThreshold,
		retries:   opts.Retries,
		backoff:   opts.Backoff,
		now:       time.Now,
	}, nil
}

// Transfer uploads media into the session. Media below the single-shot
// threshold goes in one PUT; larger media is chunked, fetching each chunk by
// byte range when the source supports it and falling back to accumulating a
// single streamed GET otherwise.
func (t *Transferrer) Transfer(ctx context.Context, s Session, media models.MediaDescriptor) (Result, error) {
	if media.ContentLength <= 0 {
		return Result{}, policy.Invalid("media.content_length", "must be positive")
	}
	if media.Expired(t.now()) {
		return Result{}, fmt.Errorf("signed media url expired at %s", media.ExpiresAt.Format(time.RFC3339))
	}

	var (
		res Result
		err error
	)
	switch {
	case media.ContentLength < t.threshold:
		res, err = t.single(ctx, s, media)
	default:
		var ranged bool
		ranged, err = t.supportsRange(ctx, media.URL)
		if err != nil {
			return Result{}, err
		}
		if ranged {
			res, err = t.ranged(ctx, s, media)
		} else {
			res, err = t.stream(ctx, s, media)
		}
	}
	if err != nil {
		return Result{}, err
	}
	telemetry.UploadBytes.WithLabelValues(string(res.Strategy)).Add(float64(res.Bytes))
	slog.Debug("upload complete",
		"strategy", res.Strategy,
		"chunks", res.Chunks,
		"size", humanize.IBytes(uint64(res.Bytes)),
	)
	return res, nil
}

// supportsRange probes the source with a one-byte range request.
func (t *Transferrer) supportsRange(ctx context.Context, src string) (bool, error) {
	var ok bool
	err := t.do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Range", "bytes=0-0")
		resp, err := t.http.Do(req)
		if err != nil {
			return retry.RetryableError(&policy.PlatformError{Op: "probe source", Cause: err})
		}
		defer drain(resp.Body)
		switch {
		case resp.StatusCode == http.StatusPartialContent:
			ok = true
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			ok = false
		default:
			return sourceError("probe source", resp.StatusCode)
		}
		return nil
	})
	return ok, err
}

func (t *Transferrer) do(ctx context.Context, f retry.RetryFunc) error {
	b := retry.WithMaxRetries(t.retries, retry.WithJitterPercent(20, retry.NewExponential(t.backoff)))
	return retry.Do(ctx, b, f)
}

func sourceError(op string, status int) error {
	err := &policy.PlatformError{Op: op, Status: status}
	if policy.IsRetryableStatus(status) {
		return retry.RetryableError(err)
	}
	return err
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

func contentType(media models.MediaDescriptor) string {
	if media.ContentType == "" {
		return "video/mp4"
	}
	return media.ContentType
}
