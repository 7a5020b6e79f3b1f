package action

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sandpipe/sandpipe/internal/sandbox"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *Store, *Queue, *fakeSandbox) {
	t.Helper()
	log := testLogger(t)
	store := NewStore(nil, log)
	queue := NewQueue(log)
	t.Cleanup(queue.Close)
	fake := newFakeSandbox()
	d := NewDispatcher(store, fake, NewPendingCalls(), nil, nil, nil, time.Millisecond, log)
	return NewOrchestrator(store, queue, d, log), store, queue, fake
}

func TestRegisterValidation(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t)

	if _, err := orch.Register(Action{Type: TypeShell}); err == nil {
		t.Error("expected error for missing id")
	}
	if _, err := orch.Register(Action{ID: "a1", Type: "mystery"}); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestRegisterOverwritesContentWhileLaneBusy(t *testing.T) {
	orch, store, queue, _ := newTestOrchestrator(t)

	// Hold the lane so the about-to-run unit cannot fire yet.
	release := make(chan struct{})
	queue.Defer(func(ctx context.Context) error {
		<-release
		return nil
	})

	if _, err := orch.Register(Action{ID: "a1", Type: TypeShell, Content: "ls"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := orch.Register(Action{ID: "a1", Type: TypeShell, Content: "ls -la"}); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}

	st, _ := store.Get("a1")
	if st.Content != "ls -la" {
		t.Errorf("content not overwritten: %q", st.Content)
	}
	if st.Status != StatusPending {
		t.Errorf("registration changed status to %s", st.Status)
	}
	close(release)
}

func TestRegisterSignalsAboutToRun(t *testing.T) {
	orch, store, _, _ := newTestOrchestrator(t)

	if _, err := orch.Register(Action{ID: "a1", Type: TypeShell, Content: "ls"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		st, _ := store.Get("a1")
		if st.Status == StatusRunning {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("action never flipped to running, status %s", st.Status)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestCommitExecutesAndCompletes(t *testing.T) {
	orch, store, _, fake := newTestOrchestrator(t)
	orch.Register(Action{ID: "a1", Type: TypeShell, Content: "make"})

	if err := orch.Commit(context.Background(), "a1", false); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	st, _ := store.Get("a1")
	if st.Status != StatusComplete {
		t.Errorf("expected complete, got %s", st.Status)
	}
	if !st.Executed {
		t.Error("commit did not mark the action executed")
	}
	if got := fake.executed(); len(got) != 1 || got[0] != "make" {
		t.Errorf("unexpected executed commands: %v", got)
	}
}

func TestCommitAlreadyExecutedIsNoOp(t *testing.T) {
	orch, _, _, fake := newTestOrchestrator(t)
	orch.Register(Action{ID: "a1", Type: TypeShell, Content: "make"})

	if err := orch.Commit(context.Background(), "a1", false); err != nil {
		t.Fatalf("first commit failed: %v", err)
	}
	if err := orch.Commit(context.Background(), "a1", false); err != nil {
		t.Fatalf("second commit failed: %v", err)
	}
	if got := fake.executed(); len(got) != 1 {
		t.Errorf("action executed %d times", len(got))
	}
}

func TestConcurrentCommitsExecuteOnce(t *testing.T) {
	orch, store, _, fake := newTestOrchestrator(t)
	orch.Register(Action{ID: "a1", Type: TypeShell, Content: "make"})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := orch.Commit(context.Background(), "a1", false); err != nil {
				t.Errorf("commit failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := fake.executed(); len(got) != 1 {
		t.Errorf("action executed %d times: %v", len(got), got)
	}
	st, _ := store.Get("a1")
	if !st.Executed {
		t.Error("action not marked executed")
	}
}

func TestStreamingCommitOnlyForFileActions(t *testing.T) {
	orch, _, _, fake := newTestOrchestrator(t)
	orch.Register(Action{ID: "a1", Type: TypeShell, Content: "make"})

	if err := orch.Commit(context.Background(), "a1", true); err != nil {
		t.Fatalf("streaming commit failed: %v", err)
	}
	if got := fake.executed(); len(got) != 0 {
		t.Errorf("streaming commit of a shell action executed: %v", got)
	}

	// The final commit still runs it once.
	if err := orch.Commit(context.Background(), "a1", false); err != nil {
		t.Fatalf("final commit failed: %v", err)
	}
	if got := fake.executed(); len(got) != 1 {
		t.Errorf("expected exactly one execution, got %v", got)
	}
}

func TestStreamingFileCommitsDoNotMarkExecuted(t *testing.T) {
	orch, store, _, fake := newTestOrchestrator(t)
	orch.Register(Action{ID: "a1", Type: TypeFile, Path: "app.ts", Content: "let x"})

	if err := orch.Commit(context.Background(), "a1", true); err != nil {
		t.Fatalf("streaming commit failed: %v", err)
	}
	st, _ := store.Get("a1")
	if st.Executed {
		t.Error("streaming commit marked the action executed")
	}

	orch.Register(Action{ID: "a1", Type: TypeFile, Path: "app.ts", Content: "let x = 1"})
	if err := orch.Commit(context.Background(), "a1", false); err != nil {
		t.Fatalf("final commit failed: %v", err)
	}
	st, _ = store.Get("a1")
	if !st.Executed {
		t.Error("final commit did not mark the action executed")
	}
	if string(fake.files["/workspace/app.ts"]) != "let x = 1" {
		t.Errorf("final content not written: %q", fake.files["/workspace/app.ts"])
	}
}

func TestCommitUnknownActionErrors(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t)
	if err := orch.Commit(context.Background(), "ghost", false); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestCommitFailureDoesNotPoisonLane(t *testing.T) {
	orch, store, _, fake := newTestOrchestrator(t)
	fake.results["false"] = sandbox.ExecResult{ExitCode: 1, Output: "bad"}

	orch.Register(Action{ID: "a1", Type: TypeShell, Content: "false"})
	orch.Register(Action{ID: "a2", Type: TypeShell, Content: "true"})

	if err := orch.Commit(context.Background(), "a1", false); err != nil {
		t.Fatalf("commit of failing action surfaced error: %v", err)
	}
	if err := orch.Commit(context.Background(), "a2", false); err != nil {
		t.Fatalf("follow-up commit failed: %v", err)
	}

	st1, _ := store.Get("a1")
	st2, _ := store.Get("a2")
	if st1.Status != StatusFailed {
		t.Errorf("a1 expected failed, got %s", st1.Status)
	}
	if st2.Status != StatusComplete {
		t.Errorf("a2 expected complete, got %s", st2.Status)
	}
}
