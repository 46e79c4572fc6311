package block

import (
	"context"
	"errors"

	"github.com/tmoreau-dev/connpool/internal/waitqueue"
)

// ErrPoolDraining is returned by Acquire when the target database (or the
// whole pool) is currently draining.
var ErrPoolDraining = errors.New("block: database is draining")

// ErrPoolShutdown is returned by Acquire once the pool has been shut down.
var ErrPoolShutdown = errors.New("block: pool is shut down")

// ErrTimeout is returned by Acquire when the caller's deadline elapses
// while suspended in the wait queue.
var ErrTimeout = errors.New("block: acquire deadline exceeded")

// translateWaitErr maps a Waiter.Wait error (context cancellation, or the
// waitqueue package's own timeout sentinel) into a block-level error the
// root package can in turn map onto its public AcquireError kinds.
func translateWaitErr(err error) error {
	switch {
	case errors.Is(err, waitqueue.ErrTimeout):
		return ErrTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return err // context.Canceled, surfaced as-is
	}
}
