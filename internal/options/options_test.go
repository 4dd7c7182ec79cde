package options

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolve_Precedence(t *testing.T) {
	row := map[string]any{"privacy": "unlisted", "tags": []any{"launch", "#Go"}}
	channel := map[string]any{
		"privacy":              "private",
		"category_id":          float64(28),
		"tags":                 "ignored,by,row",
		"description_template": "{hook}\n{cta}",
		"append_platform_tag":  false,
	}

	got := Resolve(row, channel, Fallback)
	require.Equal(t, "unlisted", got.Privacy)
	require.Equal(t, "28", got.CategoryID)
	require.Equal(t, []string{"launch", "Go"}, got.Tags)
	require.Equal(t, "{hook}\n{cta}", got.DescriptionTemplate)
	require.Equal(t, "UTC", got.Timezone)
	require.False(t, got.AppendPlatformTag)
}

func TestResolve_FallbackWhenUnset(t *testing.T) {
	got := Resolve(nil, map[string]any{"privacy": "  "}, Fallback)
	require.Equal(t, Fallback.Privacy, got.Privacy)
	require.Equal(t, Fallback.CategoryID, got.CategoryID)
	require.True(t, got.AppendPlatformTag)
	require.Empty(t, got.Tags)
}

func TestResolve_RowCanClearTags(t *testing.T) {
	got := Resolve(map[string]any{"tags": []any{}}, map[string]any{"tags": "a,b"}, Fallback)
	require.Empty(t, got.Tags)
}

func TestResolve_BoolFromString(t *testing.T) {
	got := Resolve(map[string]any{"made_for_kids": "true"}, nil, Fallback)
	require.True(t, got.MadeForKids)
}

func TestMerge(t *testing.T) {
	row := map[string]any{"privacy": "private", "nil": nil}
	channel := map[string]any{"privacy": "public", "nil": "kept", "timezone": "Europe/Berlin"}
	got := Merge(row, channel)
	require.Equal(t, "private", got["privacy"])
	require.Equal(t, "kept", got["nil"])
	require.Equal(t, "Europe/Berlin", got["timezone"])
	require.Equal(t, "public", channel["privacy"])
}

func TestBuildDescription(t *testing.T) {
	fields := CopyFields{Hook: " Big news ", Body: "We shipped.", CTA: "Subscribe!", Hashtags: "#go #dev"}

	t.Run("concatenation", func(t *testing.T) {
		got := BuildDescription("", fields, "#Shorts", true)
		require.Equal(t, "Big news\n\nWe shipped.\n\nSubscribe!\n\n#go #dev\n\n#Shorts", got)
	})

	t.Run("skips empty fields", func(t *testing.T) {
		got := BuildDescription("", CopyFields{Hook: "Only hook"}, "#Shorts", false)
		require.Equal(t, "Only hook", got)
	})

	t.Run("template", func(t *testing.T) {
		got := BuildDescription("{{hook}} | {cta}\n{hashtags}", fields, "#Shorts", true)
		require.Equal(t, "Big news | Subscribe!\n#go #dev\n\n#Shorts", got)
	})

	t.Run("tag already present", func(t *testing.T) {
		got := BuildDescription("", CopyFields{Hashtags: "#shorts #go"}, "#Shorts", true)
		require.Equal(t, "#shorts #go", got)
	})

	t.Run("empty description gets tag", func(t *testing.T) {
		require.Equal(t, "#Shorts", BuildDescription("", CopyFields{}, "#Shorts", true))
	})
}
