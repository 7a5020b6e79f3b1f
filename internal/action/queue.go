package action

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sandpipe/sandpipe/internal/common/logger"
)

// queueCapacity bounds the number of units waiting in the lane before
// enqueueing blocks. Ordering is unaffected.
const queueCapacity = 256

type queueUnit struct {
	run  func(ctx context.Context) error
	done chan error
}

// Queue is the single serialized execution lane. Units run strictly one
// at a time in arrival order; a unit's failure is logged and consumed so
// the lane keeps flowing.
type Queue struct {
	units  chan *queueUnit
	logger *logger.Logger

	closeOnce sync.Once
	stopped   chan struct{}
}

// NewQueue creates the lane and starts its consumer goroutine.
func NewQueue(log *logger.Logger) *Queue {
	q := &Queue{
		units:   make(chan *queueUnit, queueCapacity),
		logger:  log.WithFields(zap.String("component", "exec-queue")),
		stopped: make(chan struct{}),
	}
	go q.consume()
	return q
}

func (q *Queue) consume() {
	defer close(q.stopped)
	for u := range q.units {
		err := q.safeRun(u.run)
		if err != nil {
			q.logger.Error("queued unit failed", zap.Error(err))
		}
		if u.done != nil {
			u.done <- err
		}
	}
}

// safeRun executes a unit, converting panics into errors so a misbehaving
// strategy cannot take down the lane.
func (q *Queue) safeRun(fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queued unit panicked: %v", r)
		}
	}()
	return fn(context.Background())
}

// Do appends fn to the lane and blocks until it has run, returning its
// error. The unit still runs if ctx expires while waiting; only the
// caller stops observing it.
func (q *Queue) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	u := &queueUnit{run: fn, done: make(chan error, 1)}
	select {
	case q.units <- u:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-u.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Defer appends fn to the lane without waiting for it.
func (q *Queue) Defer(fn func(ctx context.Context) error) {
	q.units <- &queueUnit{run: fn}
}

// Close stops accepting units and waits for the lane to drain.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.units)
	})
	<-q.stopped
}
