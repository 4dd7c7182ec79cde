package youtube

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"content-publisher/internal/options"
	"content-publisher/internal/policy"
)

const maxTitleRunes = 100

// VideoMetadata is the resource body sent when negotiating an upload session.
type VideoMetadata struct {
	Snippet Snippet     `json:"snippet"`
	Status  VideoStatus `json:"status"`
}

type Snippet struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	CategoryID  string   `json:"categoryId,omitempty"`
}

type VideoStatus struct {
	PrivacyStatus           string `json:"privacyStatus"`
	PublishAt               string `json:"publishAt,omitempty"`
	UploadStatus            string `json:"uploadStatus,omitempty"`
	SelfDeclaredMadeForKids bool   `json:"selfDeclaredMadeForKids"`
}

// Live reports whether the video is publicly visible.
func (s VideoStatus) Live() bool {
	return strings.EqualFold(s.PrivacyStatus, "public")
}

// Video is the finalized resource returned by the last upload request.
type Video struct {
	ID      string      `json:"id"`
	Snippet Snippet     `json:"snippet"`
	Status  VideoStatus `json:"status"`
}

// WatchURL is the public link of a video id.
func WatchURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

// ParseVideo decodes a finalized upload response. A response without an id
// is a terminal protocol failure.
func ParseVideo(body []byte) (Video, error) {
	var v Video
	if err := json.Unmarshal(body, &v); err != nil {
		return Video{}, &policy.ProtocolError{Reason: "undecodable upload response: " + err.Error()}
	}
	if v.ID == "" {
		return Video{}, &policy.ProtocolError{Reason: "upload response carries no video id"}
	}
	return v, nil
}

// NewMetadata builds the session metadata. A future scheduledAt uploads the
// video as private with publishAt so the platform releases it on time;
// otherwise the resolved privacy applies immediately.
func NewMetadata(title, description string, opts options.PostingOptions, scheduledAt *time.Time, now time.Time) (VideoMetadata, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return VideoMetadata{}, policy.Invalid("title", "required")
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = string([]rune(title)[:maxTitleRunes])
	}
	meta := VideoMetadata{
		Snippet: Snippet{
			Title:       title,
			Description: strings.ReplaceAll(strings.ReplaceAll(description, "<", ""), ">", ""),
			Tags:        opts.Tags,
			CategoryID:  opts.CategoryID,
		},
		Status: VideoStatus{
			PrivacyStatus:           opts.Privacy,
			SelfDeclaredMadeForKids: opts.MadeForKids,
		},
	}
	if scheduledAt != nil && scheduledAt.After(now) {
		meta.Status.PrivacyStatus = "private"
		meta.Status.PublishAt = scheduledAt.UTC().Format(time.RFC3339)
	}
	return meta, nil
}
