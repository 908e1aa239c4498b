// Package api exposes the sampling engine to the call-centre UI and operators.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"fieldcall-sampling/internal/lifecycle"
	"fieldcall-sampling/internal/models"
	"fieldcall-sampling/internal/queue"
	"fieldcall-sampling/internal/ratelimit"
	"fieldcall-sampling/internal/sampling"
	"fieldcall-sampling/internal/telemetry"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Store is the read side the API serves from.
type Store interface {
	Ping(ctx context.Context) error
	GetAudit(ctx context.Context, activityID string) (models.SamplingAudit, error)
	GetRun(ctx context.Context, id string) (models.SamplingRun, error)
	ListRuns(ctx context.Context, limit int) ([]models.SamplingRun, error)
	GetTask(ctx context.Context, id string) (models.CallTask, error)
	ListTasks(ctx context.Context, f models.TaskFilter) ([]models.CallTask, error)
}

// Sampler runs a single-activity pass synchronously.
type Sampler interface {
	SampleAndCreateTasks(ctx context.Context, activityID string, percentage *float64) (sampling.Result, error)
}

// Transitioner applies agent status changes.
type Transitioner interface {
	Transition(ctx context.Context, taskID string, req lifecycle.TransitionRequest) (lifecycle.TransitionResult, error)
}

// TriggerQueue accepts on-demand work for the worker.
type TriggerQueue interface {
	Enqueue(ctx context.Context, t queue.Trigger, runAt time.Time) (queue.Trigger, error)
	DeadLettered(ctx context.Context, count int64) ([]queue.Trigger, error)
}

// Limiter throttles manual triggers per operator.
type Limiter interface {
	Allow(ctx context.Context, operator string) (ratelimit.Decision, error)
}

// Deps collects the server's collaborators. Limiter may be nil.
type Deps struct {
	Store     Store
	Sampler   Sampler
	Lifecycle Transitioner
	Queue     TriggerQueue
	Limiter   Limiter
	Logger    *slog.Logger
}

// Server wires HTTP handlers for the sampling API.
type Server struct {
	store     Store
	sampler   Sampler
	lifecycle Transitioner
	queue     TriggerQueue
	limiter   Limiter
	logger    *slog.Logger
}

// New constructs the API server.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:     d.Store,
		sampler:   d.Sampler,
		lifecycle: d.Lifecycle,
		queue:     d.Queue,
		limiter:   d.Limiter,
		logger:    logger,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("health check: store unreachable", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/activities/{id}", func(r chi.Router) {
		r.With(s.throttle).Post("/sample", s.handleSampleActivity)
		r.Get("/audit", s.handleGetAudit)
	})

	r.Route("/sampling", func(r chi.Router) {
		r.With(s.throttle).Post("/runs", s.handleTriggerBatch)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/triggers/dead-letter", s.handleDeadLetter)
	})

	r.Route("/tasks", func(r chi.Router) {
		r.With(s.throttle).Post("/allocate", s.handleTriggerAllocate)
		r.Get("/", s.handleListTasks)
		r.Get("/{id}", s.handleGetTask)
		r.Post("/{id}/transition", s.handleTransition)
	})
	return r
}

type sampleRequest struct {
	Percentage *float64 `json:"percentage"`
}

func (s *Server) handleSampleActivity(w http.ResponseWriter, r *http.Request) {
	var req sampleRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	res, err := s.sampler.SampleAndCreateTasks(r.Context(), chi.URLParam(r, "id"), req.Percentage)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	audit, err := s.store.GetAudit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, audit)
}

func (s *Server) handleTriggerBatch(w http.ResponseWriter, r *http.Request) {
	s.enqueue(w, r, queue.Trigger{Kind: queue.KindBatch})
}

func (s *Server) handleTriggerAllocate(w http.ResponseWriter, r *http.Request) {
	s.enqueue(w, r, queue.Trigger{Kind: queue.KindAllocate})
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, t queue.Trigger) {
	t.RequestedBy = operatorFromRequest(r)
	queued, err := s.queue.Enqueue(r.Context(), t, time.Time{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	telemetry.TriggersEnqueued.WithLabelValues(string(t.Kind)).Inc()
	s.logger.Info("trigger enqueued", "trigger_id", queued.ID, "kind", queued.Kind, "operator", queued.RequestedBy)
	writeJSON(w, http.StatusAccepted, queued)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []models.SamplingRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := s.queue.DeadLettered(r.Context(), int64(limit))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f := models.TaskFilter{AgentID: r.URL.Query().Get("agent_id"), Limit: limit}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := models.ParseTaskStatus(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		f.Status = status
	}
	tasks, err := s.store.ListTasks(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []models.CallTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type transitionRequest struct {
	Status  string          `json:"status"`
	Notes   string          `json:"notes"`
	CallLog *models.CallLog `json:"call_log"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
		return
	}
	status, err := models.ParseTaskStatus(req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.lifecycle.Transition(r.Context(), chi.URLParam(r, "id"), lifecycle.TransitionRequest{
		Status:  status,
		Notes:   req.Notes,
		CallLog: req.CallLog,
		AgentID: r.Header.Get("X-Agent-ID"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// throttle applies the per-operator trigger budget.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.limiter.Allow(r.Context(), operatorFromRequest(r))
		if err != nil {
			s.logger.Error("rate limiter unavailable", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "rate limit error"})
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			}
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrInvalidTransition):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrRunInProgress), errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSON(w, code, errorBody{Error: msg})
}

// decodeOptional accepts an empty body as the zero value.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
		return false
	}
	return true
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("limit must be a positive integer: %w", models.ErrValidation)
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func operatorFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Operator-ID"); v != "" {
		return v
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
