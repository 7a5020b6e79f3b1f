package action

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sandpipe/sandpipe/internal/common/logger"
	"github.com/sandpipe/sandpipe/internal/events/bus"
)

// Store is the observable registry of action state. It is the single
// owner of mutation: every field change goes through Register or
// UpdateState, and every change is published on the event bus.
type Store struct {
	mu      sync.RWMutex
	actions map[string]*State
	bus     bus.EventBus
	logger  *logger.Logger
}

// NewStore creates an empty action store. The event bus may be nil in
// tests; publishing is then skipped.
func NewStore(eventBus bus.EventBus, log *logger.Logger) *Store {
	return &Store{
		actions: make(map[string]*State),
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "action-store")),
	}
}

// Register creates the state record for an action, or overwrites the
// mutable fields of an existing record when they actually changed.
// Re-registering identical content is a no-op: nothing is touched and
// nothing is published. Status, Executed and the abort token survive
// re-registration.
func (s *Store) Register(a Action) State {
	s.mu.Lock()
	now := time.Now()
	st, exists := s.actions[a.ID]
	if exists {
		if st.Type == a.Type && st.Content == a.Content && st.Path == a.Path {
			snapshot := *st
			s.mu.Unlock()
			return snapshot
		}
		st.Type = a.Type
		st.Content = a.Content
		st.Path = a.Path
		st.UpdatedAt = now
	} else {
		ctx, cancel := context.WithCancel(context.Background())
		st = &State{
			Action:    a,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
			abortCtx:  ctx,
			cancel:    cancel,
		}
		s.actions[a.ID] = st
	}
	snapshot := *st
	s.mu.Unlock()

	if exists {
		s.publish(bus.SubjectActionUpdated, snapshot)
	} else {
		s.publish(bus.SubjectActionRegistered, snapshot)
	}
	return snapshot
}

// UpdateState applies a partial update to an action. Transitions out of a
// terminal status are refused. Updates against unknown ids are logged and
// ignored.
func (s *Store) UpdateState(id string, patch Patch) {
	s.mu.Lock()
	st, ok := s.actions[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("state update for unknown action ignored", zap.String("action_id", id))
		return
	}
	if patch.Status != nil {
		if st.Status.Terminal() && *patch.Status != st.Status {
			s.mu.Unlock()
			s.logger.Warn("refusing status transition out of terminal state",
				zap.String("action_id", id),
				zap.String("status", string(st.Status)),
				zap.String("requested", string(*patch.Status)))
			return
		}
		st.Status = *patch.Status
	}
	if patch.Content != nil {
		st.Content = *patch.Content
	}
	if patch.Executed != nil {
		st.Executed = *patch.Executed
	}
	if patch.Error != nil {
		st.Error = *patch.Error
	}
	st.UpdatedAt = time.Now()
	snapshot := *st
	s.mu.Unlock()

	if snapshot.Status.Terminal() {
		s.publish(bus.SubjectActionCompleted, snapshot)
	} else {
		s.publish(bus.SubjectActionUpdated, snapshot)
	}
}

// ClaimExecution atomically marks the action executed. Exactly one of
// any number of concurrent callers gets the claim; the rest observe it
// already taken. Unknown ids claim nothing.
func (s *Store) ClaimExecution(id string) (State, bool) {
	s.mu.Lock()
	st, ok := s.actions[id]
	if !ok || st.Executed {
		var snapshot State
		if ok {
			snapshot = *st
		}
		s.mu.Unlock()
		return snapshot, false
	}
	st.Executed = true
	st.UpdatedAt = time.Now()
	snapshot := *st
	s.mu.Unlock()

	s.publish(bus.SubjectActionUpdated, snapshot)
	return snapshot, true
}

// Get returns a copy of the action state. The copy shares the abort token
// with the stored record.
func (s *Store) Get(id string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.actions[id]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Abort fires the cancellation token of an action. It does not set the
// terminal status; the executing strategy observes the token and the
// dispatcher records the aborted state.
func (s *Store) Abort(id string) bool {
	s.mu.RLock()
	st, ok := s.actions[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	st.Abort()
	s.logger.Info("abort requested", zap.String("action_id", id))
	return true
}

// Snapshot returns copies of all action states ordered by creation time.
func (s *Store) Snapshot() []State {
	s.mu.RLock()
	out := make([]State, 0, len(s.actions))
	for _, st := range s.actions {
		out = append(out, *st)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of registered actions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.actions)
}

func (s *Store) publish(subject string, st State) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "orchestrator", map[string]interface{}{
		"action_id": st.ID,
		"type":      string(st.Type),
		"status":    string(st.Status),
		"executed":  st.Executed,
		"error":     st.Error,
	})
	if err := s.bus.Publish(context.Background(), subject, event); err != nil {
		s.logger.Warn("failed to publish action event",
			zap.String("subject", subject), zap.Error(err))
	}
}
