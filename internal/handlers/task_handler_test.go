package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/docflow/backend/internal/ledger"
	"github.com/docflow/backend/internal/middleware"
	"github.com/docflow/backend/internal/models"
	"github.com/docflow/backend/internal/orchestrator"
	"github.com/docflow/backend/internal/pushhub"
	"github.com/docflow/backend/internal/tasktype"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// --- TaskService mock ---

type mockTasks struct {
	created  *orchestrator.CreateRequest
	body     string
	createFn func(orchestrator.CreateRequest) (*models.Task, error)
	tasks    map[uuid.UUID]*models.Task
	download func(userID, taskID uuid.UUID) (*models.Task, *os.File, error)
	webhooks []orchestrator.WebhookPayload
	hookErr  error
}

func newMockTasks() *mockTasks { return &mockTasks{tasks: map[uuid.UUID]*models.Task{}} }

func (m *mockTasks) Create(_ context.Context, req orchestrator.CreateRequest) (*models.Task, error) {
	b, _ := io.ReadAll(req.File)
	m.body = string(b)
	m.created = &req
	if m.createFn != nil {
		return m.createFn(req)
	}
	return &models.Task{ID: uuid.New(), UserID: req.UserID, TaskType: req.TaskType, Status: models.TaskStatusPending}, nil
}

func (m *mockTasks) Get(_ context.Context, userID, taskID uuid.UUID) (*models.Task, error) {
	t, ok := m.tasks[taskID]
	if !ok || t.UserID != userID {
		return nil, orchestrator.ErrNotFound
	}
	return t, nil
}

func (m *mockTasks) List(_ context.Context, userID uuid.UUID, _, _ int) ([]*models.Task, error) {
	var out []*models.Task
	for _, t := range m.tasks {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockTasks) Download(_ context.Context, userID, taskID uuid.UUID) (*models.Task, *os.File, error) {
	return m.download(userID, taskID)
}

func (m *mockTasks) HandleWebhook(_ context.Context, p orchestrator.WebhookPayload) error {
	m.webhooks = append(m.webhooks, p)
	return m.hookErr
}

// --- EventStream mock ---

type recStream struct {
	scope   string
	initial []pushhub.Event
}

func (s *recStream) ServeSSE(w http.ResponseWriter, _ *http.Request, _ uuid.UUID, scope string, initial ...pushhub.Event) {
	s.scope, s.initial = scope, initial
	w.WriteHeader(http.StatusOK)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func asUser(r *http.Request, id uuid.UUID) *http.Request {
	return r.WithContext(middleware.WithPrincipal(r.Context(), &middleware.Principal{UserID: id, Role: models.RoleUser}))
}

func multipartRequest(t *testing.T, fields map[string]string, filename, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(fw, content)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// ---------------------------------------------------------------------------
// 1. Create
// ---------------------------------------------------------------------------

func TestCreateTask_Accepted(t *testing.T) {
	tasks := newMockTasks()
	h := &TaskHandler{Tasks: tasks}
	user := uuid.New()

	req := multipartRequest(t, map[string]string{
		"task_type":  "pdf-to-markdown",
		"params":     `{"ocr":true}`,
		"page_count": "4",
	}, "report.pdf", "%PDF")
	rec := httptest.NewRecorder()
	h.CreateTask(rec, asUser(req, user))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if tasks.created.UserID != user || tasks.created.Filename != "report.pdf" || tasks.body != "%PDF" {
		t.Errorf("create request %+v body %q", tasks.created, tasks.body)
	}
	var params map[string]any
	if err := json.Unmarshal(tasks.created.Params, &params); err != nil {
		t.Fatal(err)
	}
	if params["page_count"] != float64(4) || params["ocr"] != true {
		t.Errorf("merged params %v", params)
	}
}

func TestCreateTask_Errors(t *testing.T) {
	user := uuid.New()
	tests := []struct {
		name   string
		fields map[string]string
		file   string
		err    error
		want   int
	}{
		{"no file", map[string]string{"task_type": "image-to-markdown"}, "", nil, http.StatusBadRequest},
		{"no type", map[string]string{}, "a.png", nil, http.StatusBadRequest},
		{"bad page count", map[string]string{"task_type": "pdf-to-markdown", "page_count": "x"}, "a.pdf", nil, http.StatusBadRequest},
		{"insufficient balance", map[string]string{"task_type": "pdf-to-markdown"}, "a.pdf", ledger.ErrInsufficientBalance, http.StatusPaymentRequired},
		{"pricing unavailable", map[string]string{"task_type": "pdf-to-markdown"}, "a.pdf", tasktype.ErrPricingUnavailable, http.StatusBadRequest},
		{"invalid params", map[string]string{"task_type": "pdf-to-markdown"}, "a.pdf", tasktype.ErrValidation, http.StatusUnprocessableEntity},
		{"unknown type", map[string]string{"task_type": "ocr-magic"}, "a.pdf", tasktype.ErrUnknownType, http.StatusBadRequest},
		{"store down", map[string]string{"task_type": "pdf-to-markdown"}, "a.pdf", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks := newMockTasks()
			if tt.err != nil {
				err := tt.err
				tasks.createFn = func(orchestrator.CreateRequest) (*models.Task, error) { return nil, err }
			}
			h := &TaskHandler{Tasks: tasks}
			rec := httptest.NewRecorder()
			h.CreateTask(rec, asUser(multipartRequest(t, tt.fields, tt.file, "x"), user))
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if tt.want == http.StatusInternalServerError && strings.Contains(rec.Body.String(), "EOF") {
				t.Error("internal error text leaked to client")
			}
		})
	}
}

func TestCreateTask_Unauthenticated(t *testing.T) {
	h := &TaskHandler{Tasks: newMockTasks()}
	rec := httptest.NewRecorder()
	h.CreateTask(rec, multipartRequest(t, map[string]string{"task_type": "image-to-markdown"}, "a.png", "x"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// 2. Get / List / Events
// ---------------------------------------------------------------------------

func TestGetTask_OwnershipIs404(t *testing.T) {
	tasks := newMockTasks()
	owner := uuid.New()
	task := &models.Task{ID: uuid.New(), UserID: owner, Status: models.TaskStatusProcessing}
	tasks.tasks[task.ID] = task
	h := &TaskHandler{Tasks: tasks}

	for _, tt := range []struct {
		user uuid.UUID
		id   string
		want int
	}{
		{owner, task.ID.String(), http.StatusOK},
		{uuid.New(), task.ID.String(), http.StatusNotFound},
		{owner, "not-a-uuid", http.StatusBadRequest},
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+tt.id, nil)
		req.SetPathValue("id", tt.id)
		rec := httptest.NewRecorder()
		h.GetTask(rec, asUser(req, tt.user))
		if rec.Code != tt.want {
			t.Errorf("id %s: expected %d, got %d", tt.id, tt.want, rec.Code)
		}
	}
}

func TestListTasks_EmptyIsArray(t *testing.T) {
	h := &TaskHandler{Tasks: newMockTasks()}
	rec := httptest.NewRecorder()
	h.ListTasks(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil), uuid.New()))
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestEvents_FirstFrameIsSnapshot(t *testing.T) {
	tasks := newMockTasks()
	user := uuid.New()
	task := &models.Task{ID: uuid.New(), UserID: user, Status: models.TaskStatusProcessing, Progress: 40}
	tasks.tasks[task.ID] = task
	stream := &recStream{}
	h := &TaskHandler{Tasks: tasks, Stream: stream}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+task.ID.String()+"/events", nil)
	req.SetPathValue("id", task.ID.String())
	rec := httptest.NewRecorder()
	h.Events(rec, asUser(req, user))

	if stream.scope != task.ID.String() {
		t.Errorf("scope %q", stream.scope)
	}
	if len(stream.initial) != 1 || stream.initial[0].Type != orchestrator.EventSnapshot || stream.initial[0].Data != task {
		t.Errorf("initial events %+v", stream.initial)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetPathValue("id", task.ID.String())
	rec = httptest.NewRecorder()
	stream.scope = ""
	h.Events(rec, asUser(req, uuid.New()))
	if rec.Code != http.StatusNotFound || stream.scope != "" {
		t.Errorf("foreign subscriber: %d, scope %q", rec.Code, stream.scope)
	}
}

// ---------------------------------------------------------------------------
// 3. Download
// ---------------------------------------------------------------------------

func TestDownload_StreamsResult(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.md")
	if err := os.WriteFile(path, []byte("# hello"), 0o600); err != nil {
		t.Fatal(err)
	}
	tasks := newMockTasks()
	done := time.Now()
	tasks.download = func(userID, taskID uuid.UUID) (*models.Task, *os.File, error) {
		f, err := os.Open(path)
		return &models.Task{ID: taskID, UserID: userID, CompletedAt: &done, Result: &models.ResultRef{Filename: "report.md"}}, f, err
	}
	h := &TaskHandler{Tasks: tasks}
	id := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetPathValue("id", id.String())
	rec := httptest.NewRecorder()
	h.Download(rec, asUser(req, uuid.New()))

	if rec.Code != http.StatusOK || rec.Body.String() != "# hello" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename=report.md`) {
		t.Errorf("Content-Disposition %q", cd)
	}
}

func TestDownload_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ledger.ErrInsufficientBalance, http.StatusPaymentRequired},
		{orchestrator.ErrNotFound, http.StatusNotFound},
		{orchestrator.ErrExpired, http.StatusGone},
		{orchestrator.ErrNotReady, http.StatusConflict},
	}
	for _, tt := range tests {
		tasks := newMockTasks()
		err := tt.err
		tasks.download = func(uuid.UUID, uuid.UUID) (*models.Task, *os.File, error) { return nil, nil, err }
		h := &TaskHandler{Tasks: tasks}
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.SetPathValue("id", uuid.NewString())
		rec := httptest.NewRecorder()
		h.Download(rec, asUser(req, uuid.New()))
		if rec.Code != tt.want {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.want, rec.Code)
		}
	}
}

// ---------------------------------------------------------------------------
// 4. Webhook
// ---------------------------------------------------------------------------

func TestWebhook_SecretAndPayload(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		body   string
		err    error
		want   int
	}{
		{"ok", "s3cret", `{"external_task_id":"h1","status":"completed"}`, nil, http.StatusOK},
		{"wrong secret", "nope", `{"external_task_id":"h1","status":"completed"}`, nil, http.StatusUnauthorized},
		{"missing secret", "", `{"external_task_id":"h1","status":"completed"}`, nil, http.StatusUnauthorized},
		{"bad json", "s3cret", `{`, nil, http.StatusBadRequest},
		{"unknown handle", "s3cret", `{"external_task_id":"zz","status":"failed"}`, orchestrator.ErrNotFound, http.StatusNotFound},
		{"bad status", "s3cret", `{"external_task_id":"h1","status":"??"}`, orchestrator.ErrInvalidWebhook, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks := newMockTasks()
			tasks.hookErr = tt.err
			h := &TaskHandler{Tasks: tasks, WebhookSecret: "s3cret"}
			req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/webhook", strings.NewReader(tt.body))
			if tt.secret != "" {
				req.Header.Set("X-Webhook-Secret", tt.secret)
			}
			rec := httptest.NewRecorder()
			h.Webhook(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if tt.want == http.StatusOK && (len(tasks.webhooks) != 1 || tasks.webhooks[0].Handle != "h1") {
				t.Errorf("payload %+v", tasks.webhooks)
			}
		})
	}
}

func TestWebhook_TaskIDFromCallbackURL(t *testing.T) {
	tasks := newMockTasks()
	h := &TaskHandler{Tasks: tasks, WebhookSecret: "s3cret"}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/webhook?task_id=t-1",
		strings.NewReader(`{"external_task_id":"h1","status":"completed"}`))
	req.Header.Set("X-Webhook-Secret", "s3cret")
	rec := httptest.NewRecorder()
	h.Webhook(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(tasks.webhooks) != 1 || tasks.webhooks[0].TaskID != "t-1" {
		t.Errorf("payload %+v", tasks.webhooks)
	}
}

func TestWebhook_DisabledWithoutConfiguredSecret(t *testing.T) {
	h := &TaskHandler{Tasks: newMockTasks()}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set("X-Webhook-Secret", "")
	rec := httptest.NewRecorder()
	h.Webhook(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}
