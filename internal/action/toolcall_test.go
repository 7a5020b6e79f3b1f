package action

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParseToolInvocation(t *testing.T) {
	inv, err := ParseToolInvocation(`{"state":"call","toolCallId":"tc-1","toolName":"bash","args":{"command":"ls"}}`)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if inv.ToolCallID != "tc-1" || inv.ToolName != "bash" || inv.State != ToolStateCall {
		t.Errorf("unexpected invocation: %+v", inv)
	}

	if _, err := ParseToolInvocation(`not json`); err == nil {
		t.Error("expected error for malformed payload")
	}
	if _, err := ParseToolInvocation(`{"state":"call"}`); err == nil {
		t.Error("expected error for missing toolCallId")
	}
	if _, err := ParseToolInvocation(`{"state":"partial-call"}`); err == nil {
		t.Error("expected error for partial call without toolCallId")
	}

	// Result echoes carry nothing to execute and may omit the id.
	inv, err = ParseToolInvocation(`{"state":"result","toolName":"bash"}`)
	if err != nil {
		t.Fatalf("id-less result echo failed to parse: %v", err)
	}
	if inv.State != ToolStateResult {
		t.Errorf("unexpected state: %q", inv.State)
	}
}

func TestPendingCallFirstResolveWins(t *testing.T) {
	p := NewPendingCalls()

	if !p.Resolve("tc-1", "first") {
		t.Fatal("first resolve reported as ignored")
	}
	if p.Resolve("tc-1", "second") {
		t.Error("second resolve reported as delivered")
	}

	got, err := p.Await(context.Background(), "tc-1")
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	if got != "first" {
		t.Errorf("await returned %q, want %q", got, "first")
	}
}

func TestPendingCallAwaitBeforeResolve(t *testing.T) {
	p := NewPendingCalls()

	result := make(chan string, 1)
	go func() {
		got, err := p.Await(context.Background(), "tc-2")
		if err != nil {
			result <- "error: " + err.Error()
			return
		}
		result <- got
	}()

	// The awaiter references the call first; resolution must still land.
	time.Sleep(10 * time.Millisecond)
	p.Resolve("tc-2", "done")

	select {
	case got := <-result:
		if got != "done" {
			t.Errorf("awaiter received %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("awaiter never woke up")
	}
}

func TestPendingCallAwaitTimeout(t *testing.T) {
	p := NewPendingCalls()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Await(ctx, "tc-missing")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	// The lazily created entry must still accept a late resolve.
	if !p.Resolve("tc-missing", "late") {
		t.Error("late resolve was ignored")
	}
}

func TestToolErrorMessagePrefix(t *testing.T) {
	if got := toolErrorMessage(errors.New("boom")); got != "Error: boom" {
		t.Errorf("got %q", got)
	}
	if got := toolErrorMessage(errors.New("Error: already prefixed")); got != "Error: already prefixed" {
		t.Errorf("double prefix: %q", got)
	}
}
