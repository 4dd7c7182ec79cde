// Package youtube talks to the video platform's OAuth, resumable upload and
// Data API endpoints.
package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"content-publisher/internal/policy"
	"content-publisher/internal/secrets"
)

// MaxListIDs is the platform's limit on ids per videos.list request.
const MaxListIDs = 50

// Client is a thin platform API client. It holds no tokens; callers refresh
// one per job.
type Client struct {
	http      *http.Client
	tokenURL  string
	apiURL    string
	uploadURL string
	retries   uint64
	backoff   time.Duration
}

// Options configures the endpoints of a Client.
type Options struct {
	TokenURL  string
	APIURL    string
	UploadURL string
	// Retries bounds in-place retries of transient failures.
	Retries uint64
	Backoff time.Duration
}

func New(httpClient *http.Client, opts Options) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Minute}
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 250 * time.Millisecond
	}
	return &Client{
		http:      httpClient,
		tokenURL:  opts.TokenURL,
		apiURL:    strings.TrimRight(opts.APIURL, "/"),
		uploadURL: opts.UploadURL,
		retries:   opts.Retries,
		backoff:   opts.Backoff,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// RefreshToken exchanges the channel's refresh token for a short-lived access
// token. A rejected grant is terminal.
func (c *Client) RefreshToken(ctx context.Context, creds secrets.Credentials) (string, error) {
	form := url.Values{
		"client_id":     {creds.ClientID},
		"client_secret": {creds.ClientSecret},
		"refresh_token": {creds.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	var token string
	err := c.do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		status, body, err := c.send(req)
		if err != nil {
			return retry.RetryableError(&policy.PlatformError{Op: "oauth refresh", Cause: err})
		}
		var tr tokenResponse
		_ = json.Unmarshal(body, &tr)
		switch {
		case status == http.StatusBadRequest || status == http.StatusUnauthorized:
			reason := tr.Error
			if tr.Description != "" {
				reason += ": " + tr.Description
			}
			return &policy.AuthError{Status: status, Reason: reason}
		case status != http.StatusOK:
			return retryable(&policy.PlatformError{Op: "oauth refresh", Status: status, Body: snippet(body)})
		case tr.AccessToken == "":
			return &policy.AuthError{Status: status, Reason: "token response without access_token"}
		}
		token = tr.AccessToken
		return nil
	})
	return token, err
}

// CreateSession negotiates a resumable upload and returns the session URL.
func (c *Client) CreateSession(ctx context.Context, token string, meta VideoMetadata, contentType string, length int64) (string, error) {
	payload, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal video metadata: %w", err)
	}
	endpoint := c.uploadURL + "?uploadType=resumable&part=snippet,status"

	var session string
	err = c.do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json; charset=UTF-8")
		req.Header.Set("X-Upload-Content-Type", contentType)
		req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(length, 10))

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(&policy.PlatformError{Op: "create session", Cause: err})
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return retryable(&policy.PlatformError{Op: "create session", Status: resp.StatusCode, Body: snippet(body)})
		}
		session = resp.Header.Get("Location")
		if session == "" {
			return &policy.ProtocolError{Reason: "session response without Location header"}
		}
		return nil
	})
	return session, err
}

type listResponse struct {
	Items []Video `json:"items"`
}

// ListStatus fetches the status of up to MaxListIDs videos. Ids the platform
// does not return are absent from the result.
func (c *Client) ListStatus(ctx context.Context, token string, ids []string) (map[string]VideoStatus, error) {
	if len(ids) == 0 {
		return map[string]VideoStatus{}, nil
	}
	if len(ids) > MaxListIDs {
		return nil, policy.Invalid("ids", fmt.Sprintf("at most %d per request", MaxListIDs))
	}
	endpoint := c.apiURL + "/videos?part=status&id=" + url.QueryEscape(strings.Join(ids, ","))

	var out map[string]VideoStatus
	err := c.do(ctx, func(ctx context.Context) error {
		var lr listResponse
		if err := c.getJSON(ctx, "list videos", token, endpoint, &lr); err != nil {
			return err
		}
		out = make(map[string]VideoStatus, len(lr.Items))
		for _, v := range lr.Items {
			out[v.ID] = v.Status
		}
		return nil
	})
	return out, err
}

// AddToPlaylist inserts the video into a playlist.
func (c *Client) AddToPlaylist(ctx context.Context, token, playlistID, videoID string) error {
	body := map[string]any{
		"snippet": map[string]any{
			"playlistId": playlistID,
			"resourceId": map[string]string{"kind": "youtube#video", "videoId": videoID},
		},
	}
	return c.do(ctx, func(ctx context.Context) error {
		return c.postJSON(ctx, "playlist insert", token, c.apiURL+"/playlistItems?part=snippet", body)
	})
}

// SetThumbnail replaces the video's thumbnail with a JPEG image.
func (c *Client) SetThumbnail(ctx context.Context, token, videoID string, jpeg []byte) error {
	base := strings.TrimSuffix(strings.TrimRight(c.uploadURL, "/"), "/videos")
	endpoint := base + "/thumbnails/set?videoId=" + url.QueryEscape(videoID)
	return c.do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jpeg))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "image/jpeg")
		return c.expectOK(req, "set thumbnail", nil)
	})
}

func (c *Client) getJSON(ctx context.Context, op, token, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.expectOK(req, op, out)
}

func (c *Client) postJSON(ctx context.Context, op, token, endpoint string, in any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return c.expectOK(req, op, nil)
}

func (c *Client) expectOK(req *http.Request, op string, out any) error {
	status, body, err := c.send(req)
	if err != nil {
		return retry.RetryableError(&policy.PlatformError{Op: op, Cause: err})
	}
	if status < 200 || status > 299 {
		return retryable(&policy.PlatformError{Op: op, Status: status, Body: snippet(body)})
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return &policy.ProtocolError{Reason: op + ": undecodable response: " + err.Error()}
		}
	}
	return nil
}

func (c *Client) send(req *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func (c *Client) do(ctx context.Context, f retry.RetryFunc) error {
	b := retry.WithMaxRetries(c.retries, retry.WithJitterPercent(20, retry.NewExponential(c.backoff)))
	return retry.Do(ctx, b, f)
}

// retryable marks platform errors with a transient status for in-place retry.
func retryable(err *policy.PlatformError) error {
	if policy.IsRetryableStatus(err.Status) {
		return retry.RetryableError(err)
	}
	return err
}

func snippet(body []byte) string {
	const max = 512
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		s = s[:max]
	}
	return s
}
