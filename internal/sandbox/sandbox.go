// Package sandbox defines the execution environment actions run against:
// a filesystem plus process host with an interactive command session.
package sandbox

import (
	"context"
	"io"
)

// ExecResult is the outcome of a command run in the sandbox session.
type ExecResult struct {
	ExitCode int
	Output   string
}

// Process is a spawned long-lived sandbox process. Output carries the
// combined stdout/stderr stream; Exit yields the exit code exactly once.
type Process struct {
	Output io.ReadCloser
	Exit   <-chan int
}

// Sandbox is the capability set the orchestrator requires from the
// execution environment. Implementations serialize their own internal
// operations; the orchestrator never multiplexes concurrent sessions.
type Sandbox interface {
	// Ready blocks until the interactive session can accept commands.
	Ready(ctx context.Context) error

	// ExecuteCommand runs a command in the session identified by sessionID
	// and returns its exit code and captured output. onAbort, when non-nil,
	// is invoked if the environment terminates the command from its side.
	ExecuteCommand(ctx context.Context, sessionID, command string, onAbort func()) (*ExecResult, error)

	// Mkdir creates a directory, with parents when recursive is set.
	Mkdir(ctx context.Context, path string, recursive bool) error

	// WriteFile writes content to path, replacing any existing file.
	WriteFile(ctx context.Context, path string, content []byte) error

	// ReadFile returns the contents of path.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// Spawn starts a long-running process without waiting for it.
	Spawn(ctx context.Context, cmd string, args ...string) (*Process, error)

	// Workdir is the root all relative paths resolve against.
	Workdir() string
}
