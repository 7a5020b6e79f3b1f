// Package action implements the action execution pipeline: a typed
// lifecycle state machine per action, a single-lane execution queue,
// type-dispatched strategies against the sandbox, and the tool-call bridge.
package action

import (
	"context"
	"time"
)

// Type discriminates the kinds of work an action can request.
type Type string

const (
	TypeShell      Type = "shell"
	TypeNpmInstall Type = "npmInstall"
	TypeNpmExec    Type = "npmExec"
	TypeFile       Type = "file"
	TypeBuild      Type = "build"
	TypeStart      Type = "start"
	TypeToolUse    Type = "toolUse"
	// TypeConvex is deprecated; such actions are logged and skipped.
	TypeConvex Type = "convex"
)

// Valid reports whether t is a known action type.
func (t Type) Valid() bool {
	switch t {
	case TypeShell, TypeNpmInstall, TypeNpmExec, TypeFile, TypeBuild, TypeStart, TypeToolUse, TypeConvex:
		return true
	}
	return false
}

// Status is the lifecycle state of an action. Transitions only follow
// pending -> running -> {complete | aborted | failed}.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusAborted  Status = "aborted"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusAborted || s == StatusFailed
}

// Action is one discrete unit of requested work. ID is producer-assigned
// and immutable; Content may be overwritten while the action is pending.
type Action struct {
	ID      string `json:"id"`
	Type    Type   `json:"type"`
	Content string `json:"content"`
	Path    string `json:"path,omitempty"` // file actions only
}

// State is an action plus its execution lifecycle. Copies share the
// underlying abort capability; all field mutation goes through the Store.
type State struct {
	Action
	Status    Status    `json:"status"`
	Executed  bool      `json:"executed"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	abortCtx context.Context
	cancel   context.CancelFunc
}

// Abort fires the action's cancellation token. Safe to call repeatedly.
func (s *State) Abort() {
	if s.cancel != nil {
		s.cancel()
	}
}

// AbortSignal returns the context that is cancelled when the action is
// aborted. Strategies pass it into every suspending sandbox call.
func (s *State) AbortSignal() context.Context {
	if s.abortCtx == nil {
		return context.Background()
	}
	return s.abortCtx
}

// AbortRequested reports whether the cancellation token has fired.
func (s *State) AbortRequested() bool {
	return s.abortCtx != nil && s.abortCtx.Err() != nil
}

// Patch is a partial state update applied by Store.UpdateState. Nil fields
// are left untouched.
type Patch struct {
	Status   *Status
	Content  *string
	Executed *bool
	Error    *string
}

// BuildOutput records the last successful build. A single slot,
// overwritten by each new build action.
type BuildOutput struct {
	Path     string `json:"path"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// Alert is a user-presentable failure notification. Only classified
// command errors produce alerts.
type Alert struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Content     string `json:"content"`
}

// AlertFunc receives alerts for classified execution failures.
type AlertFunc func(Alert)

func statusPtr(s Status) *Status { return &s }
func stringPtr(s string) *string { return &s }
func boolPtr(b bool) *bool       { return &b }
