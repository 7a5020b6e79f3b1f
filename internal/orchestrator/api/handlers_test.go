package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sandpipe/sandpipe/internal/action"
	"github.com/sandpipe/sandpipe/internal/actionlog"
	"github.com/sandpipe/sandpipe/internal/common/logger"
	"github.com/sandpipe/sandpipe/internal/orchestrator/streaming"
	"github.com/sandpipe/sandpipe/internal/sandbox"
	v1 "github.com/sandpipe/sandpipe/pkg/api/v1"
)

type testEnv struct {
	router  *gin.Engine
	sandbox *sandbox.MemorySandbox
	orch    *action.Orchestrator
	disp    *action.Dispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	sb := sandbox.NewMemorySandbox("/workspace")
	store := action.NewStore(nil, log)
	queue := action.NewQueue(log)
	t.Cleanup(queue.Close)
	disp := action.NewDispatcher(store, sb, action.NewPendingCalls(), nil, nil, nil, time.Millisecond, log)
	orch := action.NewOrchestrator(store, queue, disp, log)

	hub := streaming.NewHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	awaitTimeout := func(parent context.Context) (context.Context, context.CancelFunc) {
		return context.WithTimeout(parent, 50*time.Millisecond)
	}
	handlers := NewHandlers(orch, actionlog.NewMemoryRepository(), hub, awaitTimeout, log)
	return &testEnv{
		router:  NewRouter(handlers, log),
		sandbox: sb,
		orch:    orch,
		disp:    disp,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRegisterAction(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/actions",
		`{"id":"a1","type":"shell","content":"ls"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var rec v1.ActionRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if rec.ID != "a1" || rec.Status != v1.ActionStatusPending {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestRegisterActionValidation(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, http.MethodPost, "/api/v1/actions", `{"type":"shell"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing id: expected 400, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/actions", `{"id":"a1","type":"mystery"}`); w.Code != http.StatusBadRequest {
		t.Errorf("unknown type: expected 400, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/actions", `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("bad body: expected 400, got %d", w.Code)
	}
}

func TestCommitActionRunsCommand(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/actions", `{"id":"a1","type":"shell","content":"make"}`)

	w := env.do(t, http.MethodPost, "/api/v1/actions/a1/commit", `{}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var rec v1.ActionRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if rec.Status != v1.ActionStatusComplete {
		t.Errorf("expected complete, got %s", rec.Status)
	}
	if got := env.sandbox.Executed(); len(got) != 1 || got[0] != "make" {
		t.Errorf("unexpected executed commands: %v", got)
	}
}

func TestCommitUnknownAction(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/actions/ghost/commit", `{}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestAbortAction(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/actions", `{"id":"a1","type":"shell","content":"sleep 100"}`)

	if w := env.do(t, http.MethodPost, "/api/v1/actions/a1/abort", ""); w.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/actions/ghost/abort", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown id, got %d", w.Code)
	}
}

func TestListActions(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/actions", `{"id":"a1","type":"shell","content":"ls"}`)
	env.do(t, http.MethodPost, "/api/v1/actions", `{"id":"a2","type":"file","path":"x.ts","content":""}`)

	w := env.do(t, http.MethodGet, "/api/v1/actions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Actions []v1.ActionRecord `json:"actions"`
		Count   int               `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp.Count != 2 || len(resp.Actions) != 2 {
		t.Errorf("unexpected list: %+v", resp)
	}
}

func TestGetActionNotFound(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/actions/ghost", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	var resp v1.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid error envelope: %v", err)
	}
	if resp.Code != "NOT_FOUND" {
		t.Errorf("unexpected error code: %q", resp.Code)
	}
}

func TestBuildOutputLifecycle(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodGet, "/api/v1/build/output", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any build, got %d", w.Code)
	}

	env.sandbox.SetResult("sh -lc npm run build", sandbox.ExecResult{ExitCode: 0, Output: "done"})
	env.do(t, http.MethodPost, "/api/v1/actions", `{"id":"b1","type":"build","content":"npm run build"}`)
	env.do(t, http.MethodPost, "/api/v1/actions/b1/commit", `{}`)

	w := env.do(t, http.MethodGet, "/api/v1/build/output", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp v1.BuildOutputResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp.Output != "done" || resp.ExitCode != 0 {
		t.Errorf("unexpected build output: %+v", resp)
	}
}

func TestAwaitToolResult(t *testing.T) {
	env := newTestEnv(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		env.disp.Pending().Resolve("tc-1", "42")
	}()

	w := env.do(t, http.MethodGet, "/api/v1/toolcalls/tc-1/result", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp v1.ToolResultResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp.Result != "42" {
		t.Errorf("unexpected result: %q", resp.Result)
	}
}

func TestAwaitToolResultTimeout(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/toolcalls/never/result", "")
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", w.Code)
	}
}
