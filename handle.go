package connpool

import (
	"sync/atomic"

	"github.com/tmoreau-dev/connpool/internal/block"
)

// Handle is a checked-out connection returned by Pool.Acquire. Exactly
// one of Release must be called when the caller is done with it;
// forgetting to release a Handle leaks a slot from the pool's
// max_connections budget forever, the same way leaking a *sql.Rows leaks
// a connection in database/sql.
type Handle struct {
	pool *Pool
	conn *block.Conn
	db   string

	broken   atomic.Bool
	released atomic.Bool
}

// Conn returns the opaque connection token the Connector produced. The
// caller type-asserts it to whatever concrete type their Connector
// implementation uses.
func (h *Handle) Conn() any { return h.conn.Token() }

// DB returns the database this handle is currently bound to.
func (h *Handle) DB() string { return h.db }

// MarkBroken flags the underlying connection as unusable. Release will
// then close it instead of recycling it back into the pool.
func (h *Handle) MarkBroken() { h.broken.Store(true) }

// Release returns the connection to its block, or closes it if it was
// marked broken. Safe to call more than once; only the first call has any
// effect.
func (h *Handle) Release() {
	if h.released.Swap(true) {
		return
	}
	h.pool.release(h)
}
