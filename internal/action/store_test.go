package action

import (
	"context"
	"sync"
	"testing"

	"github.com/sandpipe/sandpipe/internal/events/bus"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(nil, testLogger(t))
}

// recordingBus captures published subjects so tests can assert on what
// the store emitted.
type recordingBus struct {
	mu       sync.Mutex
	subjects []string
}

func (b *recordingBus) Publish(ctx context.Context, subject string, event *bus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subjects = append(b.subjects, subject)
	return nil
}

func (b *recordingBus) Subscribe(subject string, handler bus.EventHandler) (bus.Subscription, error) {
	return nil, nil
}

func (b *recordingBus) Close()            {}
func (b *recordingBus) IsConnected() bool { return true }

func (b *recordingBus) published() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.subjects...)
}

func TestStoreRegisterDefaults(t *testing.T) {
	s := newTestStore(t)
	st := s.Register(Action{ID: "a1", Type: TypeShell, Content: "ls"})

	if st.Status != StatusPending {
		t.Errorf("expected pending, got %s", st.Status)
	}
	if st.Executed {
		t.Error("new action must not be marked executed")
	}
	if st.AbortRequested() {
		t.Error("new action must have a live abort token")
	}
}

func TestStoreReRegisterKeepsLifecycle(t *testing.T) {
	s := newTestStore(t)
	s.Register(Action{ID: "a1", Type: TypeShell, Content: "ls"})
	s.UpdateState("a1", Patch{Status: statusPtr(StatusRunning), Executed: boolPtr(true)})

	st := s.Register(Action{ID: "a1", Type: TypeShell, Content: "ls -la"})
	if st.Content != "ls -la" {
		t.Errorf("re-registration did not update content: %q", st.Content)
	}
	if st.Status != StatusRunning {
		t.Errorf("re-registration changed status to %s", st.Status)
	}
	if !st.Executed {
		t.Error("re-registration cleared executed flag")
	}
}

func TestStoreReRegisterIdenticalIsNoOp(t *testing.T) {
	rec := &recordingBus{}
	s := NewStore(rec, testLogger(t))

	first := s.Register(Action{ID: "a1", Type: TypeShell, Content: "ls"})
	again := s.Register(Action{ID: "a1", Type: TypeShell, Content: "ls"})

	if !again.UpdatedAt.Equal(first.UpdatedAt) {
		t.Error("identical re-registration bumped UpdatedAt")
	}
	if got := rec.published(); len(got) != 1 || got[0] != bus.SubjectActionRegistered {
		t.Errorf("identical re-registration published %v, want only %q", got, bus.SubjectActionRegistered)
	}

	s.Register(Action{ID: "a1", Type: TypeShell, Content: "ls -la"})
	if got := rec.published(); len(got) != 2 || got[1] != bus.SubjectActionUpdated {
		t.Errorf("changed re-registration published %v", got)
	}
}

func TestStoreClaimExecution(t *testing.T) {
	s := newTestStore(t)
	s.Register(Action{ID: "a1", Type: TypeShell, Content: "make"})

	var wg sync.WaitGroup
	claims := make(chan struct{}, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, claimed := s.ClaimExecution("a1"); claimed {
				claims <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(claims)

	if got := len(claims); got != 1 {
		t.Errorf("claim granted %d times, want 1", got)
	}
	st, _ := s.Get("a1")
	if !st.Executed {
		t.Error("claimed action not marked executed")
	}
	if _, claimed := s.ClaimExecution("ghost"); claimed {
		t.Error("unknown id granted a claim")
	}
}

func TestStoreUpdateUnknownIDIgnored(t *testing.T) {
	s := newTestStore(t)
	// Must not panic or create a record.
	s.UpdateState("ghost", Patch{Status: statusPtr(StatusRunning)})
	if s.Len() != 0 {
		t.Error("update of unknown id created a record")
	}
}

func TestStoreTerminalStatusIsSticky(t *testing.T) {
	s := newTestStore(t)
	s.Register(Action{ID: "a1", Type: TypeShell})
	s.UpdateState("a1", Patch{Status: statusPtr(StatusRunning)})
	s.UpdateState("a1", Patch{Status: statusPtr(StatusComplete)})
	s.UpdateState("a1", Patch{Status: statusPtr(StatusFailed)})

	st, _ := s.Get("a1")
	if st.Status != StatusComplete {
		t.Errorf("terminal status was overwritten: %s", st.Status)
	}
}

func TestStoreAbortSharedWithCopies(t *testing.T) {
	s := newTestStore(t)
	before := s.Register(Action{ID: "a1", Type: TypeShell})

	if !s.Abort("a1") {
		t.Fatal("abort of known id returned false")
	}
	if !before.AbortRequested() {
		t.Error("state copy did not observe the abort")
	}
	if s.Abort("ghost") {
		t.Error("abort of unknown id returned true")
	}
}

func TestStoreSnapshotOrderedByCreation(t *testing.T) {
	s := newTestStore(t)
	s.Register(Action{ID: "b", Type: TypeShell})
	s.Register(Action{ID: "a", Type: TypeShell})
	s.Register(Action{ID: "c", Type: TypeShell})

	snap := s.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 states, got %d", len(snap))
	}
	// Creation order wins over id order except for ties.
	seen := map[string]bool{}
	for _, st := range snap {
		seen[st.ID] = true
	}
	for _, id := range []string{"a", "b", "c"} {
		if !seen[id] {
			t.Errorf("snapshot missing %s", id)
		}
	}

	// Mutating a snapshot copy must not leak back.
	snap[0].Content = "mutated"
	st, _ := s.Get(snap[0].ID)
	if st.Content == "mutated" {
		t.Error("snapshot copy shares storage with the store")
	}
}
