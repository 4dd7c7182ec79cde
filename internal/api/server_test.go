package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"content-publisher/internal/dispatch"
	"content-publisher/internal/models"
	"content-publisher/internal/policy"
	"content-publisher/internal/poller"
	"content-publisher/internal/store"
)

type fakeDispatcher struct {
	limit int
	res   dispatch.Result
	err   error
}

func (f *fakeDispatcher) ClaimAndDispatch(_ context.Context, channelKey string, limit int) (dispatch.Result, error) {
	f.limit = limit
	if channelKey == "" {
		return dispatch.Result{}, policy.Invalid("ChannelKey", "required")
	}
	return f.res, f.err
}

type fakeReconciler struct {
	err error
}

func (f *fakeReconciler) PollScheduled(_ context.Context, channelKey string, limit int) (poller.Result, error) {
	if f.err != nil {
		return poller.Result{}, f.err
	}
	return poller.Result{Channel: channelKey, Checked: limit, Updated: 1}, nil
}

type fakeStore struct {
	rows     map[string]models.JobRow
	released []string
	pingErr  error
}

func (f *fakeStore) GetJob(_ context.Context, id string) (models.JobRow, error) {
	row, ok := f.rows[id]
	if !ok {
		return models.JobRow{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return row, nil
}

func (f *fakeStore) Release(ctx context.Context, id string, reason string) error {
	row, err := f.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if row.Status != models.StatusScheduling || row.HasExternalID() {
		return fmt.Errorf("release job %s: %w", id, store.ErrInvalidTransition)
	}
	f.released = append(f.released, id+":"+reason)
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func newTestServer() (*Server, *fakeDispatcher, *fakeReconciler, *fakeStore) {
	ext := "vid"
	st := &fakeStore{rows: map[string]models.JobRow{
		"stuck":    {ID: "stuck", Status: models.StatusScheduling},
		"uploaded": {ID: "uploaded", Status: models.StatusScheduling, ExternalID: &ext},
	}}
	d := &fakeDispatcher{}
	rec := &fakeReconciler{}
	return New(d, rec, st, Limits{Claim: 5, Poll: 20}), d, rec, st
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestClaimReturnsAccepted(t *testing.T) {
	s, d, _, _ := newTestServer()
	d.res = dispatch.Result{Claimed: 2, Dispatched: []string{"a", "b"}}

	rec := do(t, s.Router(), http.MethodPost, "/channels/main/claim", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 5, d.limit)

	var got dispatch.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, []string{"a", "b"}, got.Dispatched)

	rec = do(t, s.Router(), http.MethodPost, "/channels/main/claim?limit=3", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 3, d.limit)
}

func TestClaimErrors(t *testing.T) {
	s, d, _, _ := newTestServer()

	rec := do(t, s.Router(), http.MethodPost, "/channels/main/claim?limit=abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	d.err = policy.Invalid("Limit", "max")
	rec = do(t, s.Router(), http.MethodPost, "/channels/main/claim?limit=500", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	d.err = errors.New("db down")
	rec = do(t, s.Router(), http.MethodPost, "/channels/main/claim", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	d.res = dispatch.Result{Claimed: 1, Failed: []dispatch.Failure{{JobID: "a", Error: "queue down", Released: true}}}
	d.err = errors.New("channel defaults main: not found")
	rec = do(t, s.Router(), http.MethodPost, "/channels/main/claim", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "queue down")
}

func TestPoll(t *testing.T) {
	s, _, rec, _ := newTestServer()

	resp := do(t, s.Router(), http.MethodPost, "/channels/main/poll", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var got poller.Result
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	require.Equal(t, poller.Result{Channel: "main", Checked: 20, Updated: 1}, got)

	rec.err = store.ErrInvalidChannel
	resp = do(t, s.Router(), http.MethodPost, "/channels/main/poll", "")
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestGetJob(t *testing.T) {
	s, _, _, _ := newTestServer()

	rec := do(t, s.Router(), http.MethodGet, "/jobs/stuck", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var row models.JobRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &row))
	require.Equal(t, models.StatusScheduling, row.Status)

	rec = do(t, s.Router(), http.MethodGet, "/jobs/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRelease(t *testing.T) {
	s, _, _, st := newTestServer()

	rec := do(t, s.Router(), http.MethodPost, "/jobs/stuck/release", `{"reason":"worker crashed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"stuck:worker crashed"}, st.released)

	rec = do(t, s.Router(), http.MethodPost, "/jobs/uploaded/release", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s.Router(), http.MethodPost, "/jobs/stuck/release", "{")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	s, _, _, st := newTestServer()
	require.Equal(t, http.StatusOK, do(t, s.Router(), http.MethodGet, "/healthz", "").Code)

	st.pingErr = errors.New("connection refused")
	require.Equal(t, http.StatusServiceUnavailable, do(t, s.Router(), http.MethodGet, "/healthz", "").Code)
}
