package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/podushkina/taskorchestrator/internal/broadcast"
	"github.com/podushkina/taskorchestrator/internal/orchestrator"
	"github.com/podushkina/taskorchestrator/internal/session"
	"github.com/podushkina/taskorchestrator/internal/task"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Service is the orchestrator surface the HTTP layer uses.
type Service interface {
	Submit(ctx context.Context, payload json.RawMessage, opts orchestrator.SubmitOptions) (*task.Task, error)
	Task(ctx context.Context, id string) (*task.Task, error)
	Steps(ctx context.Context, id string) ([]task.Step, error)
	Session(ctx context.Context, id string) (*task.Session, error)
	List(ctx context.Context, f task.ListFilter) ([]*task.Task, error)
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (orchestrator.Stats, error)
	Subscribe(taskID string) *broadcast.Subscription
	Unsubscribe(sub *broadcast.Subscription)
}

type Handler struct {
	svc          Service
	sessions     *session.Controller
	logger       *slog.Logger
	pingInterval time.Duration
}

func NewHandler(svc Service, sessions *session.Controller, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc:          svc,
		sessions:     sessions,
		logger:       logger.With("component", "api"),
		pingInterval: defaultPingInterval,
	}
}

type CreateTaskRequest struct {
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
	UserID   string          `json:"user_id"`
}

type CreateTaskResponse struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t, err := h.svc.Submit(r.Context(), req.Payload, orchestrator.SubmitOptions{
		Priority: req.Priority,
		Owner:    strings.TrimSpace(req.UserID),
	})
	if err != nil {
		h.respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, CreateTaskResponse{TaskID: t.ID, Status: t.Status})
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Task(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.ListFilter{Owner: q.Get("user_id"), Limit: defaultListLimit}

	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			s, ok := task.ParseStatus(strings.ToUpper(strings.TrimSpace(part)))
			if !ok {
				respondError(w, http.StatusBadRequest, "unknown status: "+part)
				return
			}
			filter.Statuses = append(filter.Statuses, s)
		}
	}
	var err error
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil || filter.Offset < 0 {
		respondError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	if filter.Limit, err = intParam(q.Get("limit"), defaultListLimit); err != nil || filter.Limit <= 0 {
		respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	filter.Limit = min(filter.Limit, maxListLimit)

	tasks, err := h.svc.List(r.Context(), filter)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	respondJSON(w, http.StatusOK, tasks)
}

func intParam(v string, fallback int) (int, error) {
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := h.svc.Steps(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	if steps == nil {
		steps = []task.Step{}
	}
	respondJSON(w, http.StatusOK, steps)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// Command handles pause, resume and cancel.
func (h *Handler) Command(cmd session.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.sessions.Do(r.Context(), cmd, chi.URLParam(r, "id")); err != nil {
			h.respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, OKResponse{OK: true})
	}
}

func (h *Handler) Takeover(w http.ResponseWriter, r *http.Request) {
	handoff, err := h.sessions.RequestTakeover(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, handoff)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondErr maps domain errors to status codes.
func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, task.ErrNotFound), errors.Is(err, task.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, task.ErrNoActiveExecution),
		errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, task.ErrConflict):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrUnknownCommand):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
