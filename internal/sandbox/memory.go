package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// MemorySandbox is an in-process Sandbox for tests and dry runs. Command
// results are scripted per command string; unscripted commands succeed
// with empty output.
type MemorySandbox struct {
	mu      sync.Mutex
	workdir string
	files   map[string][]byte
	results map[string]ExecResult
	execs   []string
}

// NewMemorySandbox creates a memory sandbox rooted at workdir.
func NewMemorySandbox(workdir string) *MemorySandbox {
	if workdir == "" {
		workdir = "/workspace"
	}
	return &MemorySandbox{
		workdir: workdir,
		files:   make(map[string][]byte),
		results: make(map[string]ExecResult),
	}
}

// SetResult scripts the outcome of a command.
func (m *MemorySandbox) SetResult(command string, res ExecResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[command] = res
}

// Executed returns every command run so far, in order.
func (m *MemorySandbox) Executed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.execs...)
}

// File returns the stored content of path.
func (m *MemorySandbox) File(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	return data, ok
}

func (m *MemorySandbox) Ready(ctx context.Context) error { return nil }

func (m *MemorySandbox) ExecuteCommand(ctx context.Context, sessionID, command string, onAbort func()) (*ExecResult, error) {
	if ctx.Err() != nil {
		if onAbort != nil {
			onAbort()
		}
		return nil, ctx.Err()
	}
	m.mu.Lock()
	m.execs = append(m.execs, command)
	res, ok := m.results[command]
	m.mu.Unlock()
	if !ok {
		res = ExecResult{ExitCode: 0, Output: ""}
	}
	return &res, nil
}

func (m *MemorySandbox) Mkdir(ctx context.Context, path string, recursive bool) error {
	return nil
}

func (m *MemorySandbox) WriteFile(ctx context.Context, path string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = append([]byte(nil), content...)
	return nil
}

func (m *MemorySandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemorySandbox) Spawn(ctx context.Context, cmd string, args ...string) (*Process, error) {
	command := strings.Join(append([]string{cmd}, args...), " ")
	m.mu.Lock()
	m.execs = append(m.execs, command)
	res := m.results[command]
	m.mu.Unlock()

	exit := make(chan int, 1)
	exit <- res.ExitCode
	return &Process{
		Output: io.NopCloser(strings.NewReader(res.Output)),
		Exit:   exit,
	}, nil
}

func (m *MemorySandbox) Workdir() string { return m.workdir }
