package actionlog

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryRepositoryPutGet(t *testing.T) {
	repo := NewMemoryRepository()
	defer repo.Close()
	ctx := context.Background()

	rec := &Record{ID: "a1", Type: "shell", Status: "complete", FinishedAt: time.Now()}
	if err := repo.Put(ctx, rec); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, err := repo.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != "complete" || got.Type != "shell" {
		t.Errorf("unexpected record: %+v", got)
	}

	// Records are copies; mutating one must not leak back.
	got.Status = "mutated"
	again, _ := repo.Get(ctx, "a1")
	if again.Status != "complete" {
		t.Error("stored record shares memory with callers")
	}
}

func TestMemoryRepositoryPutOverwrites(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	repo.Put(ctx, &Record{ID: "a1", Type: "shell", Status: "failed", Error: "boom", FinishedAt: time.Now()})
	repo.Put(ctx, &Record{ID: "a1", Type: "shell", Status: "complete", FinishedAt: time.Now()})

	got, err := repo.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != "complete" || got.Error != "" {
		t.Errorf("re-dispatch outcome not overwritten: %+v", got)
	}
}

func TestMemoryRepositoryGetMissing(t *testing.T) {
	repo := NewMemoryRepository()
	if _, err := repo.Get(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRepositoryListOrdered(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	base := time.Now()

	repo.Put(ctx, &Record{ID: "b", Type: "shell", Status: "complete", FinishedAt: base.Add(2 * time.Second)})
	repo.Put(ctx, &Record{ID: "a", Type: "shell", Status: "complete", FinishedAt: base.Add(time.Second)})
	repo.Put(ctx, &Record{ID: "c", Type: "shell", Status: "failed", FinishedAt: base.Add(3 * time.Second)})

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 records, got %d", len(list))
	}
	for i, want := range []string{"a", "b", "c"} {
		if list[i].ID != want {
			t.Errorf("position %d: got %s, want %s", i, list[i].ID, want)
		}
	}
}
