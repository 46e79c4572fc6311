// Package sqlconnector implements connpool.Connector on top of
// database/sql and the go-mssqldb driver, grounded on the teacher's
// BucketPool.createConn/resetConnection in internal/pool/pool.go: one
// *sql.DB per attempt, capped to a single physical connection
// (MaxOpenConns(1)), so the pool's own bookkeeping is the only thing
// deciding how many physical connections exist.
package sqlconnector

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	_ "github.com/microsoft/go-mssqldb" // registers the "sqlserver" driver
)

// Connector dials SQL Server databases, one *sql.DB (pinned to a single
// physical connection) per pool connection.
type Connector struct {
	// DSNFor builds the connection string for a given logical database
	// name. Kept as a function rather than a fixed host/credentials pair
	// so the same Connector can serve any number of tenants sharing one
	// server, or be pointed at per-tenant servers entirely.
	DSNFor func(db string) string
}

// conn is the opaque token this Connector hands back: the *sql.DB plus
// the database name it is bound to, so Disconnect/Reconnect don't need a
// side table to know what they're holding.
type conn struct {
	db     *sql.DB
	dbName string
}

// Connect opens a new single-connection *sql.DB bound to db and verifies
// it with a ping before handing it back.
func (c *Connector) Connect(ctx context.Context, db string) (any, error) {
	sqlDB, err := sql.Open("sqlserver", c.DSNFor(db))
	if err != nil {
		return nil, fmt.Errorf("sqlconnector: open %s: %w", db, err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("sqlconnector: ping %s: %w", db, err)
	}

	return &conn{db: sqlDB, dbName: db}, nil
}

// Reconnect closes the existing *sql.DB and opens a fresh one bound to
// newDB. SQL Server connections carry session-scoped state (the active
// database among it), so there is no cheaper way to truly rebind one than
// reconnecting.
func (c *Connector) Reconnect(ctx context.Context, token any, newDB string) (any, error) {
	old, ok := token.(*conn)
	if ok && old.db != nil {
		old.db.Close()
	}
	return c.Connect(ctx, newDB)
}

// Disconnect closes the underlying *sql.DB. Errors are logged, not
// returned: nothing downstream can act on a failed close.
func (c *Connector) Disconnect(ctx context.Context, token any) {
	t, ok := token.(*conn)
	if !ok || t.db == nil {
		return
	}
	if err := t.db.Close(); err != nil {
		log.Printf("[connector] close %s failed: %v", t.dbName, err)
	}
}

// HealthCheck pings the connection, implementing connpool.HealthChecker
// so Block.Prune can check idle connections on each prune pass.
func (c *Connector) HealthCheck(ctx context.Context, token any) error {
	t, ok := token.(*conn)
	if !ok || t.db == nil {
		return fmt.Errorf("sqlconnector: health check on invalid token")
	}
	return t.db.PingContext(ctx)
}

// DB returns the underlying *sql.DB from a token returned by Connect, for
// callers that received it via Handle.Conn().
func DB(token any) (*sql.DB, bool) {
	t, ok := token.(*conn)
	if !ok {
		return nil, false
	}
	return t.db, true
}
