package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/Strob0t/taskforge/internal/domain/task"
	"github.com/Strob0t/taskforge/internal/service"
)

// healthTimeout bounds each dependency probe behind /health.
const healthTimeout = 2 * time.Second

// HealthCheck probes one dependency. A nil error means healthy.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handlers holds the services behind the REST API.
type Handlers struct {
	Tasks  *service.TaskService
	Checks []HealthCheck
}

// CreateTask handles POST /api/v1/tasks.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.CreateRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	t, err := h.Tasks.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, err, "task not found")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// ListTasks handles GET /api/v1/tasks?user_id=...&limit=...
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	tasks, err := h.Tasks.List(r.Context(), r.URL.Query().Get("user_id"), limit)
	if err != nil {
		writeDomainError(w, r, err, "tasks not found")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type cancelResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel. The body is optional.
// Cancellation is asynchronous for running tasks, so the response is 202.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		var ok bool
		if req, ok = readJSON[cancelRequest](w, r, maxRequestBodySize); !ok {
			return
		}
	}
	id := urlParam(r, "id")
	if err := h.Tasks.Cancel(r.Context(), id, req.Reason); err != nil {
		writeDomainError(w, r, err, "task not found")
		return
	}
	writeJSON(w, http.StatusAccepted, cancelResponse{TaskID: id, Status: "cancellation_requested"})
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health handles GET /health, probing every registered dependency.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.Checks))}
	status := http.StatusOK
	for _, c := range h.Checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		err := c.Check(ctx)
		cancel()
		if err != nil {
			resp.Checks[c.Name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, resp)
}
