package connpool

import (
	"errors"
	"fmt"
)

// Kind classifies why an Acquire call failed.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConnectFailed means the Connector returned an error opening a
	// physical connection.
	KindConnectFailed
	// KindTimeout means the caller's deadline elapsed, or its context was
	// cancelled, while suspended in a block's wait queue.
	KindTimeout
	// KindPoolDraining means the target database (or the whole pool) is
	// currently draining and refusing new acquirers.
	KindPoolDraining
	// KindPoolShutdown means the pool has been permanently shut down.
	KindPoolShutdown
	// KindHandleBroken classifies the outcome of Handle.MarkBroken: the
	// connection is closed instead of recycled on release. It is part of
	// the error taxonomy for completeness but is never itself returned
	// from Acquire — MarkBroken is fire-and-forget, matching how Release
	// is implicit and cannot itself fail.
	KindHandleBroken
	// KindInvariantViolation means an internal bookkeeping invariant was
	// violated; this should never happen and indicates a bug.
	KindInvariantViolation
)

func (k Kind) String() string {
	switch k {
	case KindConnectFailed:
		return "connect failed"
	case KindTimeout:
		return "timeout"
	case KindPoolDraining:
		return "pool draining"
	case KindPoolShutdown:
		return "pool shut down"
	case KindHandleBroken:
		return "handle broken"
	case KindInvariantViolation:
		return "invariant violation"
	default:
		return "unknown"
	}
}

// AcquireError is returned by Pool.Acquire when a connection could not be
// obtained. DB identifies which database the attempt was for, so a caller
// juggling multiple databases never has to guess.
type AcquireError struct {
	Kind Kind
	DB   string
	Err  error
}

func (e *AcquireError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connpool: acquire %s: %s: %v", e.DB, e.Kind, e.Err)
	}
	return fmt.Sprintf("connpool: acquire %s: %s", e.DB, e.Kind)
}

func (e *AcquireError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is an AcquireError whose Kind is
// KindTimeout.
func IsTimeout(err error) bool { return kindOf(err) == KindTimeout }

// IsDraining reports whether err is an AcquireError whose Kind is
// KindPoolDraining.
func IsDraining(err error) bool { return kindOf(err) == KindPoolDraining }

// IsShutdown reports whether err is an AcquireError whose Kind is
// KindPoolShutdown.
func IsShutdown(err error) bool { return kindOf(err) == KindPoolShutdown }

// IsConnectFailed reports whether err is an AcquireError whose Kind is
// KindConnectFailed.
func IsConnectFailed(err error) bool { return kindOf(err) == KindConnectFailed }

func kindOf(err error) Kind {
	var ae *AcquireError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}
