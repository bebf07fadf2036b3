package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"navi/internal/domain/action"
	"navi/internal/domain/agent"
	"navi/internal/domain/task"
	"navi/internal/infra/state"
	"navi/internal/infra/tools"
	"navi/internal/server/app"
	"navi/internal/shared/config"
	"navi/internal/shared/logging"
)

const (
	testPlanReply = "1. **Open settings**:\n   - Click the gear icon in the toolbar"
	testDAGReply  = `{"dag":{"nodes":[{"name":"Open settings","info":"Click the gear icon"}],"edges":[]}}`
	testDoneReply = "```python\nagent.done(return_value='settings opened')\n```"
)

// scriptInvoker pops scripted replies per tool, holding the last one sticky.
// A gate channel makes a tool block until released or the context ends.
type scriptInvoker struct {
	mu      sync.Mutex
	replies map[string][]string
	gates   map[string]chan struct{}
}

func newScriptInvoker() *scriptInvoker {
	return &scriptInvoker{
		replies: map[string][]string{
			agent.ToolSubtaskPlanner:  {testPlanReply},
			agent.ToolDAGTranslator:   {testDAGReply},
			agent.ToolActionGenerator: {testDoneReply},
		},
		gates: make(map[string]chan struct{}),
	}
}

func (s *scriptInvoker) gate(tool string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.gates[tool] = ch
	return ch
}

func (s *scriptInvoker) Invoke(ctx context.Context, tool, text string, image []byte) (agent.ToolResult, error) {
	s.mu.Lock()
	gate := s.gates[tool]
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return agent.ToolResult{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.replies[tool]
	reply := ""
	if len(queue) > 0 {
		reply = queue[0]
		if len(queue) > 1 {
			s.replies[tool] = queue[1:]
		}
	}
	return agent.ToolResult{Text: reply, InputTokens: 10, OutputTokens: 5}, nil
}

type fixedInvokers struct {
	inv agent.ToolInvoker
}

func (f *fixedInvokers) Invoker(overrides map[string]config.ToolOverride) agent.ToolInvoker {
	return f.inv
}

type stubBackend struct {
	id string
}

func (b *stubBackend) Name() string      { return "fake" }
func (b *stubBackend) SandboxID() string { return b.id }

func (b *stubBackend) Screenshot(ctx context.Context) (agent.Screenshot, error) {
	return agent.Screenshot{PNG: []byte("stub-png"), Width: 1920, Height: 1080}, nil
}

func (b *stubBackend) Execute(ctx context.Context, act action.Action) (agent.ExecResult, error) {
	return agent.ExecResult{Success: true}, nil
}

func (b *stubBackend) ReleaseSandbox(ctx context.Context) error { return nil }

type fakeFactory struct {
	mu      sync.Mutex
	gate    chan struct{}
	created int
}

func (f *fakeFactory) Known(name string) bool { return name == "fake" }

func (f *fakeFactory) Create(ctx context.Context, spec app.BackendSpec) (agent.Backend, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	id := spec.SandboxID
	if id == "" {
		id = fmt.Sprintf("SBX-%03d", f.created)
	}
	return &stubBackend{id: id}, nil
}

type serverHarness struct {
	srv      *httptest.Server
	manager  *app.Manager
	store    *state.MemoryStore
	invoker  *scriptInvoker
	factory  *fakeFactory
	registry *tools.Registry
}

func newServerHarness(t *testing.T, mutate func(*config.Config)) *serverHarness {
	t.Helper()
	cfg := config.Default()
	cfg.LogDir = t.TempDir()
	cfg.LingerSeconds = 60
	cfg.Backend.Name = "fake"
	cfg.AllowGlobalConfig = true
	cfg.Tools.Provider = "openai"
	cfg.Tools.Model = "gpt-4o"
	cfg.Tools.APIKey = "sk-test"
	if mutate != nil {
		mutate(&cfg)
	}

	store := state.NewMemoryStore()
	invoker := newScriptInvoker()
	factory := &fakeFactory{}
	manager := app.NewManager(cfg, store, factory, &fixedInvokers{inv: invoker},
		app.WithVersion("test"),
		app.WithLogger(logging.Nop()),
	)
	registry := tools.NewRegistry(cfg, tools.WithLogger(logging.Nop()))

	router := NewRouter(RouterConfig{Manager: manager, Registry: registry, Logger: logging.Nop()})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})
	return &serverHarness{srv: srv, manager: manager, store: store, invoker: invoker, factory: factory, registry: registry}
}

func (h *serverHarness) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(h.srv.URL + path)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, body
}

func (h *serverHarness) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	resp, err := http.Post(h.srv.URL+path, "application/json", body)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, data
}

func (h *serverHarness) submitTask(t *testing.T, instruction string) string {
	t.Helper()
	resp, body := h.postJSON(t, "/api/v1/tasks", map[string]any{"instruction": instruction})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", body)
	var submitted struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &submitted))
	require.True(t, strings.HasPrefix(submitted.TaskID, "task-"))
	require.Equal(t, "pending", submitted.Status)
	return submitted.TaskID
}

func (h *serverHarness) waitTaskStatus(t *testing.T, taskID string, want task.Status) map[string]any {
	t.Helper()
	var got map[string]any
	// The condition runs off the test goroutine, so it must not call require.
	require.Eventually(t, func() bool {
		resp, err := http.Get(h.srv.URL + "/api/v1/tasks/" + taskID)
		if err != nil {
			return false
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK {
			return false
		}
		record := map[string]any{}
		if err := json.Unmarshal(body, &record); err != nil {
			return false
		}
		if record["status"] != string(want) {
			return false
		}
		got = record
		return true
	}, 3*time.Second, 10*time.Millisecond, "task %s never reached %s", taskID, want)
	return got
}

func TestInfoReportsServiceDescription(t *testing.T) {
	h := newServerHarness(t, nil)

	resp, body := h.get(t, "/api/v1/info")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var info struct {
		Version       string `json:"version"`
		MaxConcurrent int    `json:"max_concurrent"`
		LogLevel      string `json:"log_level"`
		Domain        string `json:"domain"`
		ActiveTasks   int    `json:"active_tasks"`
	}
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, "test", info.Version)
	assert.Equal(t, config.DefaultMaxConcurrentTasks, info.MaxConcurrent)
	assert.Equal(t, "INFO", info.LogLevel)
	assert.NotEmpty(t, info.Domain)
	assert.Zero(t, info.ActiveTasks)
}

func TestSubmitTaskRunsToCompletion(t *testing.T) {
	h := newServerHarness(t, nil)

	taskID := h.submitTask(t, "open settings")
	final := h.waitTaskStatus(t, taskID, task.StatusCompleted)
	assert.Equal(t, "settings opened", final["final_message"])
	assert.Equal(t, "SBX-001", final["sandbox_id"])

	resp, body := h.get(t, "/api/v1/tasks")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Tasks  []map[string]any `json:"tasks"`
		Total  int              `json:"total"`
		Limit  int              `json:"limit"`
		Offset int              `json:"offset"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, 20, list.Limit)
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, taskID, list.Tasks[0]["task_id"])

	resp, body = h.get(t, "/api/v1/tasks/"+taskID+"/transitions")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var trail struct {
		TaskID      string `json:"task_id"`
		Transitions []struct {
			FromStatus string `json:"from_status"`
			ToStatus   string `json:"to_status"`
		} `json:"transitions"`
	}
	require.NoError(t, json.Unmarshal(body, &trail))
	assert.Equal(t, taskID, trail.TaskID)
	require.NotEmpty(t, trail.Transitions)
	assert.Equal(t, "pending", trail.Transitions[0].FromStatus)
	assert.Equal(t, "completed", trail.Transitions[len(trail.Transitions)-1].ToStatus)
}

func TestSubmitTaskValidation(t *testing.T) {
	h := newServerHarness(t, nil)

	resp, body := h.postJSON(t, "/api/v1/tasks", map[string]any{"instruction": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var fail errorResponse
	require.NoError(t, json.Unmarshal(body, &fail))
	assert.Equal(t, "validation", fail.Kind)
	assert.Contains(t, fail.Error, "instruction is required")

	resp, body = h.postJSON(t, "/api/v1/tasks", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &fail))
	assert.Equal(t, "validation", fail.Kind)

	resp, body = h.postJSON(t, "/api/v1/tasks", map[string]any{"instruction": "x", "bogus_field": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &fail))
	assert.Contains(t, fail.Error, "bogus_field")
}

func TestGetTaskNotFound(t *testing.T) {
	h := newServerHarness(t, nil)

	resp, body := h.get(t, "/api/v1/tasks/task-missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var fail errorResponse
	require.NoError(t, json.Unmarshal(body, &fail))
	assert.Equal(t, "not_found", fail.Kind)
}

func TestCancelTaskLifecycle(t *testing.T) {
	h := newServerHarness(t, nil)
	gate := h.invoker.gate(agent.ToolActionGenerator)

	taskID := h.submitTask(t, "open settings")
	h.waitTaskStatus(t, taskID, task.StatusRunning)

	resp, body := h.postJSON(t, "/api/v1/tasks/"+taskID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cancelled cancelResponse
	require.NoError(t, json.Unmarshal(body, &cancelled))
	assert.True(t, cancelled.Success)

	h.waitTaskStatus(t, taskID, task.StatusCancelled)
	close(gate)

	// A second cancel races a task that already settled.
	resp, body = h.postJSON(t, "/api/v1/tasks/"+taskID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &cancelled))
	assert.False(t, cancelled.Success)
	assert.Contains(t, cancelled.Message, "already")

	resp, _ = h.postJSON(t, "/api/v1/tasks/task-missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListTasksPagination(t *testing.T) {
	h := newServerHarness(t, nil)

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		ids = append(ids, h.submitTask(t, fmt.Sprintf("task number %d", i)))
	}
	for _, id := range ids {
		h.waitTaskStatus(t, id, task.StatusCompleted)
	}

	resp, body := h.get(t, "/api/v1/tasks?limit=2&offset=0")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Tasks []map[string]any `json:"tasks"`
		Total int              `json:"total"`
		Limit int              `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 3, list.Total)
	assert.Equal(t, 2, list.Limit)
	assert.Len(t, list.Tasks, 2)

	resp, body = h.get(t, "/api/v1/tasks?limit=2&offset=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list.Tasks, 1)
}

func TestSubmitUnavailableWhenSaturated(t *testing.T) {
	h := newServerHarness(t, func(cfg *config.Config) {
		cfg.MaxConcurrentTasks = 1
	})
	gate := h.invoker.gate(agent.ToolActionGenerator)
	defer close(gate)

	first := h.submitTask(t, "long running task")
	h.waitTaskStatus(t, first, task.StatusRunning)

	resp, body := h.postJSON(t, "/api/v1/tasks", map[string]any{"instruction": "one too many"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var fail errorResponse
	require.NoError(t, json.Unmarshal(body, &fail))
	assert.Equal(t, "unavailable", fail.Kind)
}

func TestCreateSandboxWithoutProvisioner(t *testing.T) {
	h := newServerHarness(t, nil)

	resp, body := h.postJSON(t, "/api/v1/sandboxes", map[string]any{"name": "test-box"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var fail errorResponse
	require.NoError(t, json.Unmarshal(body, &fail))
	assert.Equal(t, "unavailable", fail.Kind)
}

func TestGlobalConfigEndpoint(t *testing.T) {
	h := newServerHarness(t, nil)

	resp, body := h.postJSON(t, "/api/v1/config/global", map[string]any{
		"action_model": map[string]any{"model_name": "gpt-4o-mini"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)
	assert.Contains(t, string(body), `"ok"`)
}

func TestGlobalConfigDisabled(t *testing.T) {
	h := newServerHarness(t, func(cfg *config.Config) {
		cfg.AllowGlobalConfig = false
	})

	resp, body := h.postJSON(t, "/api/v1/config/global", map[string]any{
		"action_model": map[string]any{"model_name": "gpt-4o-mini"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var fail errorResponse
	require.NoError(t, json.Unmarshal(body, &fail))
	assert.Equal(t, "validation", fail.Kind)
	assert.Contains(t, fail.Error, "disabled")
}

func TestHealthz(t *testing.T) {
	h := newServerHarness(t, nil)

	resp, body := h.get(t, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"ok"`)
	assert.Contains(t, string(body), `"test"`)
}

func TestMethodNotAllowed(t *testing.T) {
	h := newServerHarness(t, nil)

	req, err := http.NewRequest(http.MethodDelete, h.srv.URL+"/api/v1/tasks", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, _ = h.get(t, "/api/v1/tasks/stream")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, _ = h.get(t, "/api/v1/tasks/task-x/unknown-op")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	h := newServerHarness(t, nil)

	req, err := http.NewRequest(http.MethodOptions, h.srv.URL+"/api/v1/tasks", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestDecodeBodyRejectsTrailingGarbage(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(`{"instruction":"x"}{"extra":1}`))
	rec := httptest.NewRecorder()

	var dst app.TaskRequest
	err := decodeBody(rec, req, &dst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "single JSON object")
}
