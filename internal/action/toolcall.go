package action

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Tool invocation streaming states as produced by the model stream.
const (
	ToolStateResult      = "result"
	ToolStatePartialCall = "partial-call"
	ToolStateCall        = "call"
)

// ToolInvocation is the decoded payload of a toolUse action.
type ToolInvocation struct {
	State      string          `json:"state"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
}

// ParseToolInvocation decodes a toolUse action's content. Result echoes
// carry nothing to execute, so they parse without a toolCallId; every
// other state needs one.
func ParseToolInvocation(content string) (*ToolInvocation, error) {
	var inv ToolInvocation
	if err := json.Unmarshal([]byte(content), &inv); err != nil {
		return nil, fmt.Errorf("failed to parse tool invocation: %w", err)
	}
	if inv.ToolCallID == "" && inv.State != ToolStateResult {
		return nil, fmt.Errorf("tool invocation missing toolCallId")
	}
	return &inv, nil
}

// PendingCall is a single-fire future for one tool call's result. The
// first resolution wins; later ones are ignored.
type PendingCall struct {
	once   sync.Once
	done   chan struct{}
	result string
}

func newPendingCall() *PendingCall {
	return &PendingCall{done: make(chan struct{})}
}

// Resolve delivers the result. Returns false if the call was already
// resolved.
func (c *PendingCall) Resolve(result string) bool {
	fired := false
	c.once.Do(func() {
		c.result = result
		close(c.done)
		fired = true
	})
	return fired
}

// Await blocks until the call is resolved or ctx expires.
func (c *PendingCall) Await(ctx context.Context) (string, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Resolved reports whether a result has been delivered.
func (c *PendingCall) Resolved() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// PendingCalls maps tool call ids to their result futures. Entries are
// created lazily on first reference from either side of the bridge, so
// dispatch order and await order are interchangeable.
type PendingCalls struct {
	mu    sync.Mutex
	calls map[string]*PendingCall
}

// NewPendingCalls creates an empty pending-call table.
func NewPendingCalls() *PendingCalls {
	return &PendingCalls{calls: make(map[string]*PendingCall)}
}

// Get returns the future for callID, creating it if absent.
func (p *PendingCalls) Get(callID string) *PendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	call, ok := p.calls[callID]
	if !ok {
		call = newPendingCall()
		p.calls[callID] = call
	}
	return call
}

// Resolve delivers a result to callID's future, creating it if needed so
// late awaiters still observe it. Returns false if already resolved.
func (p *PendingCalls) Resolve(callID, result string) bool {
	return p.Get(callID).Resolve(result)
}

// Await blocks until callID's result is available or ctx expires.
func (p *PendingCalls) Await(ctx context.Context, callID string) (string, error) {
	return p.Get(callID).Await(ctx)
}

// Len returns the number of referenced tool calls.
func (p *PendingCalls) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// toolErrorMessage renders err for delivery over the bridge. Every
// failure path resolves with an "Error:" prefixed message so awaiters
// are never left hanging.
func toolErrorMessage(err error) string {
	msg := err.Error()
	if strings.HasPrefix(msg, "Error:") {
		return msg
	}
	return "Error: " + msg
}
