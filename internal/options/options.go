// Package options resolves per-job posting options. Every option is resolved
// with the same precedence: row override, then channel default, then fallback.
package options

import (
	"fmt"
	"strconv"
	"strings"
)

// Option keys as stored in job rows and channel defaults.
const (
	KeyPrivacy               = "privacy"
	KeyCategoryID            = "category_id"
	KeyTags                  = "tags"
	KeyDescriptionTemplate   = "description_template"
	KeyTimezone              = "timezone"
	KeyAppendPlatformTag     = "append_platform_tag"
	KeyPlaylistID            = "playlist_id"
	KeyMadeForKids           = "made_for_kids"
	KeyRequireFutureSchedule = "require_future_schedule"
)

// PostingOptions is the merged presentation metadata for one upload.
type PostingOptions struct {
	Privacy               string   `json:"privacy"`
	CategoryID            string   `json:"category_id"`
	Tags                  []string `json:"tags"`
	DescriptionTemplate   string   `json:"description_template"`
	Timezone              string   `json:"timezone"`
	AppendPlatformTag     bool     `json:"append_platform_tag"`
	PlaylistID            string   `json:"playlist_id"`
	MadeForKids           bool     `json:"made_for_kids"`
	RequireFutureSchedule bool     `json:"require_future_schedule"`
}

// Fallback holds the hard-coded values used when neither row nor channel sets an option.
var Fallback = PostingOptions{
	Privacy:           "public",
	CategoryID:        "22",
	Timezone:          "UTC",
	AppendPlatformTag: true,
}

// Resolve merges row overrides over channel defaults over fb.
func Resolve(row, channel map[string]any, fb PostingOptions) PostingOptions {
	return PostingOptions{
		Privacy:               pickString(row, channel, KeyPrivacy, fb.Privacy),
		CategoryID:            pickString(row, channel, KeyCategoryID, fb.CategoryID),
		Tags:                  pickTags(row, channel, fb.Tags),
		DescriptionTemplate:   pickString(row, channel, KeyDescriptionTemplate, fb.DescriptionTemplate),
		Timezone:              pickString(row, channel, KeyTimezone, fb.Timezone),
		AppendPlatformTag:     pickBool(row, channel, KeyAppendPlatformTag, fb.AppendPlatformTag),
		PlaylistID:            pickString(row, channel, KeyPlaylistID, fb.PlaylistID),
		MadeForKids:           pickBool(row, channel, KeyMadeForKids, fb.MadeForKids),
		RequireFutureSchedule: pickBool(row, channel, KeyRequireFutureSchedule, fb.RequireFutureSchedule),
	}
}

// Merge flattens row over channel into one map; used to snapshot options into
// a job descriptor. Neither input is modified.
func Merge(row, channel map[string]any) map[string]any {
	out := make(map[string]any, len(row)+len(channel))
	for k, v := range channel {
		out[k] = v
	}
	for k, v := range row {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

func pickString(row, channel map[string]any, key, fb string) string {
	for _, src := range []map[string]any{row, channel} {
		if v, ok := asString(src[key]); ok {
			return v
		}
	}
	return fb
}

func pickBool(row, channel map[string]any, key string, fb bool) bool {
	for _, src := range []map[string]any{row, channel} {
		if v, ok := asBool(src[key]); ok {
			return v
		}
	}
	return fb
}

func pickTags(row, channel map[string]any, fb []string) []string {
	for _, src := range []map[string]any{row, channel} {
		if v, ok := asTags(src[KeyTags]); ok {
			return v
		}
	}
	return append([]string(nil), fb...)
}

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		t = strings.TrimSpace(t)
		return t, t != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	}
	return "", false
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return b, err == nil
	}
	return false, false
}

// asTags accepts a JSON array or a comma-separated string. An explicit empty
// array counts as set so a row can clear channel tags.
func asTags(v any) ([]string, bool) {
	var raw []string
	switch t := v.(type) {
	case []string:
		raw = t
	case []any:
		for _, item := range t {
			raw = append(raw, fmt.Sprint(item))
		}
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, false
		}
		raw = strings.Split(t, ",")
	default:
		return nil, false
	}
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, tag := range raw {
		tag = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tag), "#"))
		key := strings.ToLower(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, tag)
	}
	return out, true
}
