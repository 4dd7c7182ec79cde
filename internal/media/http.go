package media

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"content-publisher/internal/models"
	"content-publisher/internal/policy"
)

// HTTPResolver serves locators that are already fetchable URLs. The length
// and type come from a HEAD request; the URL is treated as valid for ttl.
type HTTPResolver struct {
	client *http.Client
	ttl    time.Duration
}

func NewHTTPResolver(client *http.Client, ttl time.Duration) *HTTPResolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPResolver{client: client, ttl: ttl}
}

func (r *HTTPResolver) GetSignedMedia(ctx context.Context, locator string) (models.MediaDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, locator, nil)
	if err != nil {
		return models.MediaDescriptor{}, policy.Invalid("media_locator", err.Error())
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return models.MediaDescriptor{}, fmt.Errorf("head media: %w", err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return models.MediaDescriptor{}, policy.Invalid("media", fmt.Sprintf("%s returned %d", locator, resp.StatusCode))
	case resp.StatusCode >= 300:
		return models.MediaDescriptor{}, &policy.PlatformError{Op: "head media", Status: resp.StatusCode}
	}
	if resp.ContentLength <= 0 {
		return models.MediaDescriptor{}, policy.Invalid("media", "content length must be positive")
	}
	desc := models.MediaDescriptor{
		URL:           locator,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
	}
	if desc.ContentType == "" {
		desc.ContentType = "video/mp4"
	}
	if r.ttl > 0 {
		desc.ExpiresAt = time.Now().Add(r.ttl).UTC()
	}
	return desc, nil
}

// Mux dispatches http(s) locators to one resolver and everything else to the
// object store resolver.
type Mux struct {
	HTTP   Resolver
	Object Resolver
}

func (m Mux) GetSignedMedia(ctx context.Context, locator string) (models.MediaDescriptor, error) {
	lower := strings.ToLower(strings.TrimSpace(locator))
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		if m.HTTP == nil {
			return models.MediaDescriptor{}, policy.Invalid("media_locator", "http locators not enabled")
		}
		return m.HTTP.GetSignedMedia(ctx, locator)
	}
	if m.Object == nil {
		return models.MediaDescriptor{}, policy.Invalid("media_locator", "object store not configured")
	}
	return m.Object.GetSignedMedia(ctx, locator)
}
