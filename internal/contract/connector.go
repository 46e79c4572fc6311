// Package contract defines the Connector interface the pool uses to open,
// move, and close physical connections. It is the sole injection point
// spec.md §6 describes; everything about the wire protocol, DSN parsing,
// and TLS lives behind it, outside this repo's scope.
//
// It lives in its own leaf package (rather than the root package) so that
// internal/block can depend on it without creating an import cycle with
// the root package, which re-exports Connector and ConnectError under
// their public names.
package contract

import "context"

// Connector is implemented by callers to supply the physical connection
// mechanics. Every method must be safe to cancel via ctx. Disconnect is
// best-effort: implementations should log failures rather than return
// them, since nothing downstream can act on a failed disconnect.
type Connector interface {
	// Connect opens a new connection bound to db.
	Connect(ctx context.Context, db string) (any, error)

	// Reconnect rebinds an existing connection to newDB, for example by
	// disconnecting and reconnecting under the hood. On success the
	// returned token is considered bound to newDB; on failure the
	// original conn is considered Closed.
	Reconnect(ctx context.Context, conn any, newDB string) (any, error)

	// Disconnect closes conn. Errors are logged by the implementation,
	// not surfaced to the pool.
	Disconnect(ctx context.Context, conn any)
}

// HealthChecker is an optional capability a Connector may implement: if
// present, each periodic Block.Prune pass uses it to check the idle
// connections and closes any that fail. Acquire does not check an idle
// connection before handing it out. A Connector that does not implement
// it is simply never health-checked.
type HealthChecker interface {
	HealthCheck(ctx context.Context, conn any) error
}

// ConnectError reports a failed Connect/Reconnect attempt, including
// which database the attempt was for so an unrelated waiter on another
// database is never misled about where the failure occurred.
type ConnectError struct {
	DB  string
	Err error
}

func (e *ConnectError) Error() string {
	return "connpool: connect to " + e.DB + " failed: " + e.Err.Error()
}

func (e *ConnectError) Unwrap() error { return e.Err }
