package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by Pop after Close.
var ErrClosed = errors.New("queue closed")

// Queue is the ordered hand-off between the confirmation gate and the
// single dispatch consumer. Items are event ids. Duplicates are allowed;
// the dispatcher drops ids whose event is no longer pending.
type Queue interface {
	Push(ctx context.Context, ids ...string) error
	// Pop blocks until an id is available, ctx is done, or the queue is closed.
	Pop(ctx context.Context) (string, error)
	Len(ctx context.Context) (int, error)
	Close() error
}
