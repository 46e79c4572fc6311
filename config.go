package connpool

import (
	"fmt"
	"time"

	"github.com/tmoreau-dev/connpool/internal/algo"
)

// PoolConfig configures a Pool. A zero MaxAge or IdleTimeout means
// unlimited, matching spec.md §6's YAML convention (0 or omitted means
// unlimited) rather than Go's usual "zero means immediate". A zero
// ConnectTimeout or TickInterval is replaced by applyDefaults with 10s
// and 50ms respectively.
type PoolConfig struct {
	// MaxConnections is the pool-wide connection budget shared across
	// every database.
	MaxConnections int64

	// MaxAge is the maximum lifetime of an Idle connection before Prune
	// closes it. Zero means unlimited. Per spec.md §9's resolved Open
	// Question, this only ever rotates Idle connections — an Active
	// connection is never force-closed out from under its holder.
	MaxAge time.Duration

	// IdleTimeout is how long a connection may sit Idle before Prune
	// closes it. Zero means unlimited.
	IdleTimeout time.Duration

	// ConnectTimeout bounds each Reconnect attempt made to reassign a
	// connection to another database. Connect attempts are not bounded by
	// it: they run under the acquiring caller's context, or with no
	// deadline when the controller starts one for a waiting acquirer.
	ConnectTimeout time.Duration

	// TickInterval is how often the controller recomputes targets and
	// runs Prune.
	TickInterval time.Duration

	// Databases pre-registers the set of databases the pool will serve.
	// Acquiring a database outside this list still works: blocks are
	// created lazily on first Acquire, starting fully permissive until
	// the controller's first tick right-sizes them against observed
	// demand.
	Databases []string

	// Weights overrides the controller's demand-score weighting. The
	// zero value is replaced with DefaultWeights(TickInterval) in
	// applyDefaults.
	Weights algo.Weights
}

func (c *PoolConfig) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 50 * time.Millisecond
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.Weights == (algo.Weights{}) {
		c.Weights = algo.DefaultWeights(c.TickInterval)
	}
}

func (c *PoolConfig) validate() error {
	if c.MaxConnections <= 0 {
		return fmt.Errorf("connpool: max_connections must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxAge < 0 {
		return fmt.Errorf("connpool: max_age must be >= 0, got %s", c.MaxAge)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("connpool: idle_timeout must be >= 0, got %s", c.IdleTimeout)
	}
	return nil
}
