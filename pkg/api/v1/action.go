// Package v1 defines the wire types of the public HTTP API.
package v1

import "time"

// ActionStatus is the lifecycle state of an action as exposed over the
// API.
type ActionStatus string

const (
	ActionStatusPending  ActionStatus = "pending"
	ActionStatusRunning  ActionStatus = "running"
	ActionStatusComplete ActionStatus = "complete"
	ActionStatusAborted  ActionStatus = "aborted"
	ActionStatusFailed   ActionStatus = "failed"
)

// ActionRecord is the API view of one action's state.
type ActionRecord struct {
	ID        string       `json:"id"`
	Type      string       `json:"type"`
	Content   string       `json:"content,omitempty"`
	Path      string       `json:"path,omitempty"`
	Status    ActionStatus `json:"status"`
	Executed  bool         `json:"executed"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// RegisterActionRequest registers or updates a streamed action.
type RegisterActionRequest struct {
	ID      string `json:"id" binding:"required"`
	Type    string `json:"type" binding:"required"`
	Content string `json:"content"`
	Path    string `json:"path"`
}

// CommitActionRequest commits an action onto the execution lane.
// Streaming commits only take effect for file actions.
type CommitActionRequest struct {
	Streaming bool `json:"streaming"`
}

// BuildOutputResponse reports the most recent successful build.
type BuildOutputResponse struct {
	Path     string `json:"path"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// ToolResultResponse carries a resolved tool call result.
type ToolResultResponse struct {
	CallID string `json:"call_id"`
	Result string `json:"result"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
