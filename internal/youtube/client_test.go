package youtube

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"content-publisher/internal/options"
	"content-publisher/internal/policy"
	"content-publisher/internal/secrets"
)

func newTestClient(srv *httptest.Server) *Client {
	return New(srv.Client(), Options{
		TokenURL:  srv.URL + "/token",
		APIURL:    srv.URL + "/youtube/v3",
		UploadURL: srv.URL + "/upload/youtube/v3/videos",
		Retries:   2,
		Backoff:   time.Millisecond,
	})
}

var creds = secrets.Credentials{ClientID: "cid", ClientSecret: "cs", RefreshToken: "rt"}

func TestRefreshToken(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		require.Equal(t, "rt", r.PostForm.Get("refresh_token"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"ya29.token","expires_in":3599}`))
	}))
	defer srv.Close()

	token, err := newTestClient(srv).RefreshToken(t.Context(), creds)
	require.NoError(t, err)
	require.Equal(t, "ya29.token", token)
	require.EqualValues(t, 2, calls.Load())
}

func TestRefreshTokenRejectedGrantIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).RefreshToken(t.Context(), creds)
	var authErr *policy.AuthError
	require.ErrorAs(t, err, &authErr)
	require.Contains(t, authErr.Reason, "invalid_grant")
	require.Equal(t, policy.Terminal, policy.Classify(err).Class)
	require.EqualValues(t, 1, calls.Load())
}

func TestCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/upload/youtube/v3/videos", r.URL.Path)
		require.Equal(t, "resumable", r.URL.Query().Get("uploadType"))
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.Equal(t, "video/mp4", r.Header.Get("X-Upload-Content-Type"))
		require.Equal(t, "1234", r.Header.Get("X-Upload-Content-Length"))

		var meta VideoMetadata
		require.NoError(t, json.NewDecoder(r.Body).Decode(&meta))
		require.Equal(t, "Launch day", meta.Snippet.Title)

		w.Header().Set("Location", "https://upload.example/session/abc")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	meta := VideoMetadata{Snippet: Snippet{Title: "Launch day"}, Status: VideoStatus{PrivacyStatus: "public"}}
	session, err := newTestClient(srv).CreateSession(t.Context(), "tok", meta, "video/mp4", 1234)
	require.NoError(t, err)
	require.Equal(t, "https://upload.example/session/abc", session)
}

func TestCreateSessionForbiddenIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"errors":[{"reason":"quotaExceeded"}]}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).CreateSession(t.Context(), "tok", VideoMetadata{}, "video/mp4", 1)
	var perr *policy.PlatformError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, http.StatusForbidden, perr.Status)
	require.Contains(t, perr.Body, "quotaExceeded")
}

func TestListStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/youtube/v3/videos", r.URL.Path)
		require.Equal(t, "a,b", r.URL.Query().Get("id"))
		_, _ = w.Write([]byte(`{"items":[{"id":"a","status":{"privacyStatus":"public","uploadStatus":"processed"}}]}`))
	}))
	defer srv.Close()

	got, err := newTestClient(srv).ListStatus(t.Context(), "tok", []string{"a", "b"})
	require.NoError(t, err)
	require.True(t, got["a"].Live())
	_, ok := got["b"]
	require.False(t, ok)

	_, err = newTestClient(srv).ListStatus(t.Context(), "tok", make([]string, MaxListIDs+1))
	require.Error(t, err)
}

func TestPlaylistAndThumbnail(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		if strings.HasSuffix(r.URL.Path, "/playlistItems") {
			require.Contains(t, string(body), `"videoId":"vid"`)
			require.Contains(t, string(body), `"playlistId":"PL1"`)
		} else {
			require.Equal(t, "vid", r.URL.Query().Get("videoId"))
			require.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	require.NoError(t, c.AddToPlaylist(t.Context(), "tok", "PL1", "vid"))
	require.NoError(t, c.SetThumbnail(t.Context(), "tok", "vid", []byte{0xff, 0xd8}))
	require.Equal(t, []string{"/youtube/v3/playlistItems", "/upload/youtube/v3/thumbnails/set"}, paths)
}

func TestParseVideo(t *testing.T) {
	v, err := ParseVideo([]byte(`{"id":"xyz","status":{"privacyStatus":"private"}}`))
	require.NoError(t, err)
	require.Equal(t, "xyz", v.ID)

	_, err = ParseVideo([]byte(`{"kind":"youtube#video"}`))
	var perr *policy.ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestNewMetadata(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	opts := options.PostingOptions{Privacy: "public", CategoryID: "22", Tags: []string{"go"}}

	future := now.Add(24 * time.Hour)
	meta, err := NewMetadata(" Title ", "<b>desc</b>", opts, &future, now)
	require.NoError(t, err)
	require.Equal(t, "Title", meta.Snippet.Title)
	require.Equal(t, "bdesc/b", meta.Snippet.Description)
	require.Equal(t, "private", meta.Status.PrivacyStatus)
	require.Equal(t, "2026-05-02T12:00:00Z", meta.Status.PublishAt)

	past := now.Add(-time.Hour)
	meta, err = NewMetadata(strings.Repeat("x", 150), "", opts, &past, now)
	require.NoError(t, err)
	require.Equal(t, "public", meta.Status.PrivacyStatus)
	require.Empty(t, meta.Status.PublishAt)
	require.Len(t, meta.Snippet.Title, maxTitleRunes)

	_, err = NewMetadata("  ", "", opts, nil, now)
	require.Equal(t, policy.Terminal, policy.Classify(err).Class)
}
