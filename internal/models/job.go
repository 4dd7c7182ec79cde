package models

import (
	"time"
)

// Status enumerates publish-job lifecycle states persisted in Postgres.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusScheduling Status = "scheduling"
	StatusScheduled  Status = "scheduled"
	StatusPosted     Status = "posted"
	StatusError      Status = "error"
	StatusSkipped    Status = "skipped"
)

// transitions is the allowed status graph. scheduling→queued is the release edge
// used by the dispatcher and the stale-claim reaper.
var transitions = map[Status][]Status{
	StatusPending:    {StatusQueued},
	StatusQueued:     {StatusScheduling},
	StatusScheduling: {StatusScheduled, StatusPosted, StatusError, StatusSkipped, StatusQueued},
	StatusScheduled:  {StatusPosted},
}

// IsTerminal reports whether no further automated transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusPosted || s == StatusError || s == StatusSkipped
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusScheduling, StatusScheduled, StatusPosted, StatusError, StatusSkipped:
		return true
	}
	return false
}

// CanTransition reports whether from→to is an edge of the status graph.
// Writing the same status again is allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors lists the statuses a row may be in for a write of to to be
// accepted, including to itself.
func Predecessors(to Status) []Status {
	out := []Status{to}
	for from, nexts := range transitions {
		if from == to {
			continue
		}
		for _, next := range nexts {
			if next == to {
				out = append(out, from)
				break
			}
		}
	}
	return out
}

// ContentRef is the publish-ready content a job row points at.
type ContentRef struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Hook             string `json:"hook"`
	Body             string `json:"body"`
	CTA              string `json:"cta"`
	Hashtags         string `json:"hashtags"`
	MediaLocator     string `json:"media_locator"`
	ThumbnailLocator string `json:"thumbnail_locator,omitempty"`
}

// JobRow is one (content, channel) publish intent.
type JobRow struct {
	ID          string         `json:"id"`
	ContentID   string         `json:"content_id"`
	ChannelKey  string         `json:"channel_key"`
	Status      Status         `json:"status"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	ExternalID  *string        `json:"external_id,omitempty"`
	ExternalURL *string        `json:"external_url,omitempty"`
	LastError   *string        `json:"last_error,omitempty"`
	RetryCount  int            `json:"retry_count"`
	Options     map[string]any `json:"options,omitempty"`
	PostedAt    *time.Time     `json:"posted_at,omitempty"`
	ClaimedAt   *time.Time     `json:"claimed_at,omitempty"`
	ModifiedAt  time.Time      `json:"modified_at"`
	Content     ContentRef     `json:"content"`
}

// HasExternalID reports whether the platform resource already exists.
func (r JobRow) HasExternalID() bool {
	return r.ExternalID != nil && *r.ExternalID != ""
}

// Channel is read-only reference data for a publishing destination.
type Channel struct {
	Key         string         `json:"key"`
	DisplayName string         `json:"display_name"`
	Defaults    map[string]any `json:"defaults"`
}

// ScheduledRef pairs a scheduled row with its platform id for reconciliation.
type ScheduledRef struct {
	PublishingID string `json:"publishing_id"`
	ExternalID   string `json:"external_id"`
}
