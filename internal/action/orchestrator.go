package action

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sandpipe/sandpipe/internal/common/logger"
)

// Orchestrator is the entry surface of the pipeline: it accepts streamed
// registrations, commits actions onto the execution lane, and exposes
// state and results to callers.
type Orchestrator struct {
	store      *Store
	queue      *Queue
	dispatcher *Dispatcher
	logger     *logger.Logger
}

// NewOrchestrator wires the pipeline facade.
func NewOrchestrator(store *Store, queue *Queue, dispatcher *Dispatcher, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		store:      store,
		queue:      queue,
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "orchestrator")),
	}
}

// Register records an action as it streams in. Registration is
// idempotent for a given id: repeated calls overwrite content without
// disturbing the lifecycle. The first registration also schedules a
// lane unit that flips the action to running once the current tail
// drains, signalling "about to run" to observers.
func (o *Orchestrator) Register(a Action) (State, error) {
	if a.ID == "" {
		return State{}, fmt.Errorf("action id is required")
	}
	if !a.Type.Valid() {
		return State{}, fmt.Errorf("unknown action type %q", a.Type)
	}
	_, existed := o.store.Get(a.ID)
	st := o.store.Register(a)
	if !existed {
		id := a.ID
		o.queue.Defer(func(ctx context.Context) error {
			cur, ok := o.store.Get(id)
			if ok && cur.Status == StatusPending {
				o.store.UpdateState(id, Patch{Status: statusPtr(StatusRunning)})
			}
			return nil
		})
	}
	return st, nil
}

// Commit appends the action to the execution lane and blocks until its
// unit has run. Committing an already-executed action is a no-op, as is
// a streaming commit for any type that needs complete content. Strategy
// failures are consumed by the lane; Commit errors only on contract
// violations.
func (o *Orchestrator) Commit(ctx context.Context, id string, isStreaming bool) error {
	st, ok := o.store.Get(id)
	if !ok {
		return fmt.Errorf("cannot commit unknown action %q", id)
	}
	if st.Executed {
		o.logger.WithActionID(id).Debug("commit skipped, action already executed")
		return nil
	}
	if isStreaming {
		if st.Type != TypeFile {
			return nil
		}
	} else if _, claimed := o.store.ClaimExecution(id); !claimed {
		// A concurrent commit won the claim; at most one dispatch runs.
		o.logger.WithActionID(id).Debug("commit skipped, action already executed")
		return nil
	}

	err := o.queue.Do(ctx, func(ctx context.Context) error {
		return o.dispatcher.Dispatch(ctx, id, isStreaming)
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		// Lane already logged the failure; the pipeline keeps flowing.
		return nil
	}
	return nil
}

// Abort requests cancellation of an action. Returns false for unknown
// ids.
func (o *Orchestrator) Abort(id string) bool {
	return o.store.Abort(id)
}

// Get returns a copy of one action's state.
func (o *Orchestrator) Get(id string) (State, bool) {
	return o.store.Get(id)
}

// Snapshot returns copies of all action states in registration order.
func (o *Orchestrator) Snapshot() []State {
	return o.store.Snapshot()
}

// LastBuild returns the most recent successful build output.
func (o *Orchestrator) LastBuild() (BuildOutput, bool) {
	return o.dispatcher.LastBuild()
}

// AwaitToolResult blocks until the tool call's result is delivered or
// ctx expires.
func (o *Orchestrator) AwaitToolResult(ctx context.Context, callID string) (string, error) {
	return o.dispatcher.Pending().Await(ctx, callID)
}
