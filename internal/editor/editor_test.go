package editor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/sandpipe/sandpipe/internal/action"
	"github.com/sandpipe/sandpipe/internal/common/logger"
	"github.com/sandpipe/sandpipe/internal/history"
	"github.com/sandpipe/sandpipe/internal/sandbox"
)

type memFS struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemFS() *memFS {
	return &memFS{files: make(map[string][]byte)}
}

func (m *memFS) Ready(ctx context.Context) error { return nil }

func (m *memFS) ExecuteCommand(ctx context.Context, sessionID, command string, onAbort func()) (*sandbox.ExecResult, error) {
	return &sandbox.ExecResult{}, nil
}

func (m *memFS) Mkdir(ctx context.Context, path string, recursive bool) error { return nil }

func (m *memFS) WriteFile(ctx context.Context, path string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = append([]byte(nil), content...)
	return nil
}

func (m *memFS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return append([]byte(nil), data...), nil
}

func (m *memFS) Spawn(ctx context.Context, cmd string, args ...string) (*sandbox.Process, error) {
	exit := make(chan int, 1)
	exit <- 0
	return &sandbox.Process{Output: io.NopCloser(strings.NewReader("")), Exit: exit}, nil
}

func (m *memFS) Workdir() string { return "/workspace" }

func testEditor(t *testing.T) (*FileEditor, *memFS) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	fs := newMemFS()
	hist := history.NewRecorder(fs, ".history", log)
	return NewFileEditor(fs, hist, log), fs
}

func TestApplyReplacesSingleMatch(t *testing.T) {
	e, fs := testEditor(t)
	fs.files["/workspace/src/app.ts"] = []byte("const a = 1\nconst b = 2\n")

	report, err := e.Apply(context.Background(), action.EditRequest{
		Path:    "src/app.ts",
		OldText: "const b = 2",
		NewText: "const b = 42",
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !strings.Contains(report, "src/app.ts") {
		t.Errorf("report does not name the file: %q", report)
	}
	if got := string(fs.files["/workspace/src/app.ts"]); got != "const a = 1\nconst b = 42\n" {
		t.Errorf("unexpected content: %q", got)
	}
}

func TestApplyRejectsAmbiguousMatch(t *testing.T) {
	e, fs := testEditor(t)
	fs.files["/workspace/a.ts"] = []byte("x\nx\n")

	if _, err := e.Apply(context.Background(), action.EditRequest{
		Path: "a.ts", OldText: "x", NewText: "y",
	}); err == nil {
		t.Error("expected error for ambiguous match")
	}
	if _, err := e.Apply(context.Background(), action.EditRequest{
		Path: "a.ts", OldText: "zzz", NewText: "y",
	}); err == nil {
		t.Error("expected error for missing match")
	}
}

func TestApplyEmptyOldTextCreatesFile(t *testing.T) {
	e, fs := testEditor(t)

	if _, err := e.Apply(context.Background(), action.EditRequest{
		Path: "fresh.ts", NewText: "hello",
	}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if got := string(fs.files["/workspace/fresh.ts"]); got != "hello" {
		t.Errorf("file not created: %q", got)
	}
}

func TestUndoRestoresPreviousVersion(t *testing.T) {
	e, fs := testEditor(t)
	ctx := context.Background()

	if _, err := e.Apply(ctx, action.EditRequest{Path: "a.ts", NewText: "v1"}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := e.Apply(ctx, action.EditRequest{Path: "a.ts", OldText: "v1", NewText: "v2"}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if err := e.Undo(ctx, "a.ts"); err != nil {
		t.Fatalf("undo failed: %v", err)
	}
	if got := string(fs.files["/workspace/a.ts"]); got != "v1" {
		t.Errorf("undo did not restore v1: %q", got)
	}
}

func TestUndoWithoutHistoryErrors(t *testing.T) {
	e, _ := testEditor(t)
	if err := e.Undo(context.Background(), "never-seen.ts"); err == nil {
		t.Error("expected error for file with no trail")
	}
}
