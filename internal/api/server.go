// Package api exposes the producer HTTP API: claim and dispatch, manual
// reconciliation and job inspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"content-publisher/internal/dispatch"
	"content-publisher/internal/models"
	"content-publisher/internal/policy"
	"content-publisher/internal/poller"
	"content-publisher/internal/store"
	"content-publisher/internal/telemetry"
)

// Dispatcher claims queued rows and puts them on the queue.
type Dispatcher interface {
	ClaimAndDispatch(ctx context.Context, channelKey string, limit int) (dispatch.Result, error)
}

// Reconciler checks scheduled rows against the platform.
type Reconciler interface {
	PollScheduled(ctx context.Context, channelKey string, limit int) (poller.Result, error)
}

// Store is what the API reads and repairs directly.
type Store interface {
	GetJob(ctx context.Context, id string) (models.JobRow, error)
	Release(ctx context.Context, id string, reason string) error
	Ping(ctx context.Context) error
}

// Limits are the default batch sizes when a request names none.
type Limits struct {
	Claim int
	Poll  int
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	dispatcher Dispatcher
	reconciler Reconciler
	store      Store
	limits     Limits
}

// New constructs the API server.
func New(d Dispatcher, rec Reconciler, st Store, limits Limits) *Server {
	if limits.Claim <= 0 {
		limits.Claim = 10
	}
	if limits.Poll <= 0 {
		limits.Poll = 50
	}
	return &Server{dispatcher: d, reconciler: rec, store: st, limits: limits}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/channels/{key}/claim", s.handleClaim)
	r.Post("/channels/{key}/poll", s.handlePoll)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/release", s.handleRelease)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleClaim claims and dispatches one batch. The response returns as soon
// as the descriptors are on the queue; completion shows up in row status.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r, s.limits.Claim)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	res, err := s.dispatcher.ClaimAndDispatch(r.Context(), key, limit)
	if err != nil && res.Claimed == 0 {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		slog.Warn("claim completed with errors", "channel", key, "claimed", res.Claimed, "error", err)
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r, s.limits.Poll)
	if !ok {
		return
	}
	res, err := s.reconciler.PollScheduled(r.Context(), chi.URLParam(r, "key"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type releaseRequest struct {
	Reason string `json:"reason"`
}

// handleRelease returns a scheduling row without a platform id to queued.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "released via API"
	}
	id := chi.URLParam(r, "id")
	if err := s.store.Release(r.Context(), id, req.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	slog.Info("job released", "job_id", id, "reason", req.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(models.StatusQueued)})
}

func limitParam(w http.ResponseWriter, r *http.Request, fallback int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var verr *policy.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, store.ErrInvalidChannel), errors.Is(err, store.ErrInvalidLimit):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrInvalidTransition):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
