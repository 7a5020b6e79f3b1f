// Package actionlog persists terminal action outcomes as a simple
// keyed log, with memory, sqlite and postgres backends.
package actionlog

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("action record not found")

// Record is one terminal action outcome.
type Record struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Repository stores terminal action records keyed by action id. Put is
// an upsert; re-dispatched actions overwrite their previous outcome.
type Repository interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context) ([]*Record, error)
	Close() error
}
