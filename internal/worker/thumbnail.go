package worker

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"

	"github.com/disintegration/imaging"

	"content-publisher/internal/media"
)

// thumbnailer downloads a content thumbnail and renders it as a 16:9 JPEG.
type thumbnailer struct {
	media      media.Resolver
	httpClient *http.Client
	width      int
	height     int
	maxBytes   int64
}

func newThumbnailer(resolver media.Resolver, width int, maxBytes int64) *thumbnailer {
	if width <= 0 {
		width = 1280
	}
	if maxBytes <= 0 {
		maxBytes = 2 * 1024 * 1024
	}
	return &thumbnailer{
		media:      resolver,
		httpClient: http.DefaultClient,
		width:      width,
		height:     width * 9 / 16,
		maxBytes:   maxBytes,
	}
}

func (t *thumbnailer) render(ctx context.Context, locator string) ([]byte, error) {
	md, err := t.media.GetSignedMedia(ctx, locator)
	if err != nil {
		return nil, fmt.Errorf("resolve thumbnail: %w", err)
	}
	data, err := t.download(ctx, md.URL)
	if err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode thumbnail: %w", err)
	}
	img = imaging.Fill(img, t.width, t.height, imaging.Center, imaging.Lanczos)

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

func (t *thumbnailer) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download thumbnail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download thumbnail: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read thumbnail: %w", err)
	}
	if int64(len(body)) > t.maxBytes {
		return nil, fmt.Errorf("thumbnail too large (>%d bytes)", t.maxBytes)
	}
	return body, nil
}
