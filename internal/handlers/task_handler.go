package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/colorlab/backend/internal/middleware"
	"github.com/colorlab/backend/internal/models"
	"github.com/colorlab/backend/internal/observer"
	"github.com/colorlab/backend/internal/orchestrator"
	"github.com/colorlab/backend/internal/repository"
	"github.com/colorlab/backend/internal/tasks"
	"github.com/colorlab/backend/internal/validator"
)

const (
	defaultHeartbeat = 15 * time.Second
	defaultListLimit = 20
	maxListLimit     = 100
	maxListPage      = 10000
)

// TaskService is the orchestrator surface the HTTP layer needs.
type TaskService interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (orchestrator.SubmitResult, error)
	Get(ctx context.Context, userID, taskID uuid.UUID) (*models.Task, error)
}

type TaskLister interface {
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Task, error)
}

// TaskHandler serves the /v1/tasks endpoints.
type TaskHandler struct {
	Orchestrator TaskService
	Tasks        TaskLister
	Observer     observer.Observer
	Logger       *zap.Logger
	// Heartbeat is the SSE comment interval; zero means 15s.
	Heartbeat time.Duration
}

func (h *TaskHandler) log() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// --- POST /v1/tasks ---

type createTaskRequest struct {
	Feature        string         `json:"feature"`
	SourceMediaURL string         `json:"source_media_url"`
	Quality        string         `json:"quality,omitempty"`
	Count          int            `json:"count,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
}

type insufficientCreditsResponse struct {
	Error     string `json:"error"`
	Required  int    `json:"required"`
	Balance   int    `json:"balance"`
	Shortfall int    `json:"shortfall"`
}

type providerErrorResponse struct {
	Error  string    `json:"error"`
	TaskID uuid.UUID `json:"task_id"`
}

// CreateTask handles POST /v1/tasks. The route runs JWTAuth and CostCheck
// first, so the body already parsed as a priced submission once.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := h.Orchestrator.Submit(r.Context(), orchestrator.SubmitRequest{
		UserID:         userID,
		Feature:        req.Feature,
		SourceMediaURL: req.SourceMediaURL,
		Quality:        req.Quality,
		Count:          req.Count,
		Params:         req.Params,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})

	var insufficient *orchestrator.InsufficientCreditsError
	var rejected *orchestrator.ProviderSubmissionError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusPaymentRequired, insufficientCreditsResponse{
			Error:     insufficient.Message,
			Required:  insufficient.Required,
			Balance:   insufficient.Balance,
			Shortfall: insufficient.Shortfall,
		})
		return
	case errors.Is(err, validator.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, orchestrator.ErrProviderUnavailable):
		h.log().Warn("provider unavailable before charge", zap.String("user_id", userID.String()), zap.Error(err))
		writeError(w, http.StatusBadGateway, "provider unavailable; no credits were charged")
		return
	case errors.As(err, &rejected):
		writeJSON(w, http.StatusBadGateway, providerErrorResponse{
			Error:  "provider rejected the task; credits were refunded",
			TaskID: rejected.TaskID,
		})
		return
	case err != nil:
		h.log().Error("submit task failed", zap.String("user_id", userID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	status := http.StatusAccepted
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// --- GET /v1/tasks ---

type taskListResponse struct {
	Items []*models.Task `json:"items"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
}

// ListTasks handles GET /v1/tasks?page=&limit=.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	page, limit := pagination(r, defaultListLimit, maxListLimit)

	items, err := h.Tasks.ListByUser(r.Context(), userID, limit, (page-1)*limit)
	if err != nil {
		h.log().Error("list tasks failed", zap.String("user_id", userID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if items == nil {
		items = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, taskListResponse{Items: items, Page: page, Limit: limit})
}

// --- GET /v1/tasks/{id} ---

func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.ownedTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- GET /v1/tasks/{id}/events ---

type streamMessage struct {
	task *models.Task
	err  error
	done bool
}

// StreamEvents handles GET /v1/tasks/{id}/events. It sends the current task,
// then one "update" per change and a final "done" or "error" event before
// closing.
func (h *TaskHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	task, ok := h.ownedTask(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, "status", task)
	flusher.Flush()
	if tasks.IsTerminal(task.Status) {
		writeSSE(w, "done", task)
		flusher.Flush()
		return
	}

	ctx := r.Context()
	msgs := make(chan streamMessage, 1)
	stop := make(chan struct{})
	send := func(m streamMessage) {
		select {
		case msgs <- m:
		case <-stop:
		case <-ctx.Done():
		}
	}
	cancel := h.Observer.Watch(ctx, task.ID,
		func(t *models.Task) { send(streamMessage{task: t}) },
		func(t *models.Task, err error) { send(streamMessage{task: t, err: err, done: true}) },
	)
	defer cancel()
	defer close(stop)

	interval := h.Heartbeat
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-msgs:
			switch {
			case !m.done:
				writeSSE(w, "update", m.task)
			case m.err != nil:
				writeSSE(w, "error", streamError{Error: m.err.Error(), Task: m.task})
			default:
				writeSSE(w, "done", m.task)
			}
			flusher.Flush()
			if m.done {
				return
			}
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping %d\n\n", time.Now().Unix())
			flusher.Flush()
		}
	}
}

type streamError struct {
	Error string       `json:"error"`
	Task  *models.Task `json:"task,omitempty"`
}

// --- helpers ---

// ownedTask resolves {id} to a task of the caller, writing 400/404 otherwise.
func (h *TaskHandler) ownedTask(w http.ResponseWriter, r *http.Request) (*models.Task, bool) {
	taskID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return nil, false
	}
	userID := middleware.UserIDFromCtx(r.Context())
	task, err := h.Orchestrator.Get(r.Context(), userID, taskID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return nil, false
	}
	if err != nil {
		h.log().Error("get task failed", zap.String("task_id", taskID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return nil, false
	}
	return task, true
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	payload, _ := json.Marshal(v)
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

// pagination reads page (1-based) and limit, clamping page to maxListPage and
// limit to maxLimit.
func pagination(r *http.Request, def, maxLimit int) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	if page > maxListPage {
		page = maxListPage
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = def
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return page, limit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
