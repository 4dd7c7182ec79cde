package models

import "time"

// KindPublish is the only message kind the upload consumer currently handles.
const KindPublish = "publish"

// MediaDescriptor is a signed, time-bounded way to fetch media bytes.
type MediaDescriptor struct {
	URL           string    `json:"url"`
	ContentType   string    `json:"content_type"`
	ContentLength int64     `json:"content_length"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Expired reports whether the signed URL is no longer usable at now.
func (m MediaDescriptor) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// JobDescriptor is the immutable queue payload for one publish job.
type JobDescriptor struct {
	Kind             string          `json:"kind"`
	RequestID        string          `json:"request_id"`
	PublishingID     string          `json:"publishing_id"`
	ContentID        string          `json:"content_id"`
	ChannelKey       string          `json:"channel_key"`
	ScheduledAt      *time.Time      `json:"scheduled_at,omitempty"`
	Media            MediaDescriptor `json:"media"`
	MediaLocator     string          `json:"media_locator"`
	ThumbnailLocator string          `json:"thumbnail_locator,omitempty"`
	Title            string          `json:"title"`
	Hook             string          `json:"hook"`
	Body             string          `json:"body"`
	CTA              string          `json:"cta"`
	Hashtags         string          `json:"hashtags"`
	Options          map[string]any  `json:"options,omitempty"`
	ChannelDefaults  map[string]any  `json:"channel_defaults,omitempty"`
	EnqueuedAt       time.Time       `json:"enqueued_at"`
}
