package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docflow/backend/internal/middleware"
	"github.com/docflow/backend/internal/models"
	"github.com/docflow/backend/internal/orchestrator"
	"github.com/docflow/backend/internal/pushhub"
)

// DefaultMaxUpload bounds a task's input file.
const DefaultMaxUpload = 50 << 20

// TaskService is the orchestrator surface the handler needs.
type TaskService interface {
	Create(ctx context.Context, req orchestrator.CreateRequest) (*models.Task, error)
	Get(ctx context.Context, userID, taskID uuid.UUID) (*models.Task, error)
	List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Task, error)
	Download(ctx context.Context, userID, taskID uuid.UUID) (*models.Task, *os.File, error)
	HandleWebhook(ctx context.Context, p orchestrator.WebhookPayload) error
}

// EventStream is satisfied by *pushhub.Hub.
type EventStream interface {
	ServeSSE(w http.ResponseWriter, r *http.Request, userID uuid.UUID, scope string, initial ...pushhub.Event)
}

// TaskHandler serves /api/v1/tasks endpoints.
type TaskHandler struct {
	Tasks         TaskService
	Stream        EventStream
	WebhookSecret string
	MaxUpload     int64
	Logger        *slog.Logger
}

// --- POST /api/v1/tasks ---

// CreateTask accepts a multipart upload: file, task_type, params (JSON) and
// an optional page_count that is folded into params.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	maxUpload := h.MaxUpload
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUpload
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		http.Error(w, `{"error":"invalid multipart form"}`, http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, hdr, err := r.FormFile("file")
	if err != nil {
		http.Error(w, `{"error":"file is required"}`, http.StatusBadRequest)
		return
	}
	defer file.Close()
	if hdr.Size > maxUpload {
		http.Error(w, `{"error":"file too large"}`, http.StatusRequestEntityTooLarge)
		return
	}
	taskType := r.FormValue("task_type")
	if taskType == "" {
		http.Error(w, `{"error":"task_type is required"}`, http.StatusBadRequest)
		return
	}
	params, err := mergeParams(r.FormValue("params"), r.FormValue("page_count"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	task, err := h.Tasks.Create(r.Context(), orchestrator.CreateRequest{
		UserID:   userID,
		TaskType: taskType,
		Params:   params,
		Filename: hdr.Filename,
		File:     file,
	})
	if err != nil {
		writeError(w, h.Logger, "create task", err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

// mergeParams returns the params object with page_count set from the form
// field when given.
func mergeParams(raw, pageCount string) (json.RawMessage, error) {
	if pageCount == "" {
		if strings.TrimSpace(raw) == "" {
			return nil, nil
		}
		return json.RawMessage(raw), nil
	}
	n, err := strconv.Atoi(pageCount)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("page_count must be a positive integer")
	}
	m := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("params must be a JSON object")
		}
	}
	m["page_count"] = n
	return json.Marshal(m)
}

// --- GET /api/v1/tasks ---

func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	list, err := h.Tasks.List(r.Context(), userID, queryInt(r, "limit", 20), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, h.Logger, "list tasks", err)
		return
	}
	if list == nil {
		list = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- GET /api/v1/tasks/{id} ---

func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(r, "id")
	if !ok {
		http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
		return
	}
	task, err := h.Tasks.Get(r.Context(), middleware.UserIDFromCtx(r.Context()), taskID)
	if err != nil {
		writeError(w, h.Logger, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- GET /api/v1/tasks/{id}/download ---

// Download streams the result. The first successful call charges the task.
func (h *TaskHandler) Download(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(r, "id")
	if !ok {
		http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
		return
	}
	task, f, err := h.Tasks.Download(r.Context(), middleware.UserIDFromCtx(r.Context()), taskID)
	if err != nil {
		writeError(w, h.Logger, "download task", err)
		return
	}
	defer f.Close()

	name := task.Result.Filename
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	modTime := time.Time{}
	if task.CompletedAt != nil {
		modTime = *task.CompletedAt
	}
	http.ServeContent(w, r, name, modTime, f)
}

// --- GET /api/v1/tasks/{id}/events ---

// Events streams task updates; the first frame is the current task.
func (h *TaskHandler) Events(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(r, "id")
	if !ok {
		http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
		return
	}
	userID := middleware.UserIDFromCtx(r.Context())
	task, err := h.Tasks.Get(r.Context(), userID, taskID)
	if err != nil {
		writeError(w, h.Logger, "task events", err)
		return
	}
	h.Stream.ServeSSE(w, r, userID, taskID.String(), pushhub.Event{Type: orchestrator.EventSnapshot, Data: task})
}

// --- POST /api/v1/tasks/webhook ---

// Webhook receives worker callbacks, authenticated by a shared secret.
func (h *TaskHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get("X-Webhook-Secret")
	if h.WebhookSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.WebhookSecret)) != 1 {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var p orchestrator.WebhookPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&p); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if p.TaskID == "" {
		p.TaskID = r.URL.Query().Get("task_id")
	}
	if err := h.Tasks.HandleWebhook(r.Context(), p); err != nil {
		writeError(w, h.Logger, "handle webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
