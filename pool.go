// Package connpool implements a multi-tenant connection pool: one shared
// max_connections budget split across any number of per-database Blocks,
// continuously rebalanced by a background controller based on demand.
//
// It is grounded in the teacher repo's single-bucket BucketPool
// (internal/pool/pool.go), generalized to many buckets sharing one global
// cap and a controller that moves capacity between them instead of each
// bucket having its own fixed, independently-configured size.
package connpool

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tmoreau-dev/connpool/internal/algo"
	"github.com/tmoreau-dev/connpool/internal/block"
	"github.com/tmoreau-dev/connpool/internal/drain"
	"github.com/tmoreau-dev/connpool/internal/metrics"
)

// errInvariantViolation is wrapped into every AcquireError reported after
// checkInvariants trips the pool's self-check.
var errInvariantViolation = errors.New("connpool: counters desync detected")

// Pool is a multi-tenant connection pool. The zero value is not usable;
// construct one with New.
type Pool struct {
	cfg       PoolConfig
	connector Connector
	drainer   *drain.Drain
	seq       *block.Seq

	blocksMu sync.RWMutex
	blocks   map[string]*block.Block

	total int64Counter

	invariantViolated atomic.Bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Pool and starts its background controller. Call
// Shutdown when the pool is no longer needed to stop that goroutine.
func New(cfg PoolConfig, connector Connector) (*Pool, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:       cfg,
		connector: connector,
		drainer:   drain.New(),
		seq:       block.NewSeq(),
		blocks:    make(map[string]*block.Block),
		stop:      make(chan struct{}),
	}

	for _, db := range cfg.Databases {
		p.getOrCreateBlock(db)
	}

	p.wg.Add(1)
	go p.controllerLoop()

	return p, nil
}

// TryReserve implements block.GlobalAdmitter.
func (p *Pool) TryReserve() bool { return p.total.tryInc(p.cfg.MaxConnections) }

// Release implements block.GlobalAdmitter.
func (p *Pool) Release() { p.total.dec() }

func (p *Pool) getOrCreateBlock(db string) *block.Block {
	p.blocksMu.RLock()
	b, ok := p.blocks[db]
	p.blocksMu.RUnlock()
	if ok {
		return b
	}

	p.blocksMu.Lock()
	defer p.blocksMu.Unlock()
	if b, ok := p.blocks[db]; ok {
		return b
	}
	b = block.New(db, p.drainer, p.seq)
	// New databases start fully permissive (target = max_connections)
	// until the controller's first tick right-sizes them against observed
	// demand.
	b.SetTarget(p.cfg.MaxConnections)
	p.blocks[db] = b
	return b
}

func (p *Pool) snapshotBlocks() []*block.Block {
	p.blocksMu.RLock()
	defer p.blocksMu.RUnlock()
	out := make([]*block.Block, 0, len(p.blocks))
	for _, b := range p.blocks {
		out = append(out, b)
	}
	return out
}

// Acquire blocks until a connection to db becomes available, ctx is
// cancelled, or ctx's deadline elapses. The returned Handle must be
// released with Handle.Release.
func (p *Pool) Acquire(ctx context.Context, db string) (*Handle, error) {
	if p.invariantViolated.Load() {
		return nil, &AcquireError{Kind: KindInvariantViolation, DB: db, Err: errInvariantViolation}
	}

	b := p.getOrCreateBlock(db)

	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	c, err := b.Acquire(ctx, p.connector, p, deadline)
	if err != nil {
		return nil, p.wrapAcquireErr(db, err)
	}
	return &Handle{pool: p, conn: c, db: db}, nil
}

func (p *Pool) wrapAcquireErr(db string, err error) error {
	var connErr *ConnectError
	switch {
	case asConnectError(err, &connErr):
		return &AcquireError{Kind: KindConnectFailed, DB: db, Err: err}
	case err == block.ErrTimeout:
		return &AcquireError{Kind: KindTimeout, DB: db, Err: err}
	case err == block.ErrPoolDraining:
		return &AcquireError{Kind: KindPoolDraining, DB: db, Err: err}
	case err == block.ErrPoolShutdown:
		return &AcquireError{Kind: KindPoolShutdown, DB: db, Err: err}
	case err == context.Canceled:
		return &AcquireError{Kind: KindTimeout, DB: db, Err: err}
	default:
		return &AcquireError{Kind: KindUnknown, DB: db, Err: err}
	}
}

func (p *Pool) release(h *Handle) {
	b := p.getOrCreateBlock(h.db)
	b.Release(h.conn, h.broken.Load(), p.connector, p)

	if h.conn.State() == block.StateReconnecting {
		if to := h.conn.ReassignTarget(); to != "" {
			h.conn.ClearReassign()
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.performReassign(h.conn, h.db, to)
			}()
		}
	}
}

// performReassign drives a reconnect of c from one database to another on
// the Pool's behalf, since only the Pool can see both Blocks involved.
func (p *Pool) performReassign(c *block.Conn, from, to string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
	defer cancel()

	dest := p.getOrCreateBlock(to)

	newToken, err := p.connector.Reconnect(ctx, c.Token(), to)
	if err != nil {
		log.Printf("[pool] reassign %s->%s failed: %v", from, to, err)
		dest.DepositFailed(p)
		return
	}

	c.Rebind(to, newToken)
	dest.DepositReassigned(c)
	metrics.Reassignments.WithLabelValues(from, to).Inc()
}

// Drain marks a single database as draining: in-flight acquirers on other
// databases are unaffected, and new acquirers on db are refused until the
// returned function is called to undo it.
func (p *Pool) Drain(db string) func() {
	lock := p.drainer.Lock(db)
	return func() { lock.Release() }
}

// DrainAll marks the whole pool as draining.
func (p *Pool) DrainAll() func() {
	lock := p.drainer.LockAll()
	return func() { lock.Release() }
}

// Shutdown permanently stops the pool: every Block refuses new acquirers,
// every acquirer already suspended in a wait queue is woken with
// KindPoolShutdown, and the background controller goroutine is stopped. It
// does not wait for in-flight Acquire calls or checked-out Handles; callers
// that need that should drain first, then wait for their own in-flight
// work, then Shutdown.
func (p *Pool) Shutdown() {
	p.drainer.Shutdown()
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	for _, b := range p.snapshotBlocks() {
		b.WakeAllShutdown()
	}
	p.wg.Wait()
}

// Snapshot is a point-in-time view of one database's Block.
type Snapshot struct {
	DB         string
	Active     int64
	Idle       int64
	Connecting int64
	Waiting    int64
	Target     int64
	Failed     int64
	Closed     int64
}

// Stats returns a Snapshot of every currently-known database.
func (p *Pool) Stats() []Snapshot {
	blocks := p.snapshotBlocks()
	out := make([]Snapshot, 0, len(blocks))
	for _, b := range blocks {
		s := b.Counters().Snapshot()
		out = append(out, Snapshot{
			DB:         b.Name(),
			Active:     s.Active,
			Idle:       s.Idle,
			Connecting: s.Connecting,
			Waiting:    s.Waiting,
			Target:     s.Target,
			Failed:     s.Failed,
			Closed:     s.Closed,
		})
	}
	return out
}

func (p *Pool) controllerLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Pool) tick() {
	blocks := p.snapshotBlocks()
	if len(blocks) == 0 {
		return
	}

	stats := make([]algo.BlockStats, len(blocks))
	var reservedAcrossBlocks int64
	for i, b := range blocks {
		s := b.Counters().Snapshot()
		stats[i] = algo.BlockStats{
			Name:       b.Name(),
			Active:     s.Active,
			Idle:       s.Idle,
			Connecting: s.Connecting,
			Waiting:    int64(b.WaitLen()),
			OldestWait: b.OldestWait(),
		}
		reservedAcrossBlocks += s.Active + s.Idle + s.Connecting
	}
	p.checkInvariants(reservedAcrossBlocks)

	targets := algo.Allocate(stats, p.cfg.MaxConnections, p.cfg.Weights)
	byName := make(map[string]*block.Block, len(blocks))
	for i, b := range blocks {
		byName[b.Name()] = b
		t, ok := targets[b.Name()]
		if !ok {
			continue
		}
		b.SetTarget(t)
		if excess := stats[i].Connecting - t; excess > 0 {
			b.CancelExcessConnecting(int(excess))
		}
	}

	for _, v := range algo.PickVictims(stats, targets) {
		donor, recipient := byName[v.From], byName[v.To]
		if donor == nil || recipient == nil {
			continue
		}
		if c := donor.TakeIdleForReassignment(); c != nil {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.performReassign(c, v.From, v.To)
			}()
			continue
		}
		donor.MarkForReassignment(v.To)
	}

	for _, b := range blocks {
		if b.WaitLen() > 0 {
			b.KickHungryWaiter(context.Background(), p.connector, p)
		}
		b.Prune(time.Now(), p.cfg.MaxAge, p.cfg.IdleTimeout, p.connector, p)
	}
}

// checkInvariants enforces spec invariant 1 (Σ Active+Idle+Connecting ≤
// max_connections at every observable point) against the per-block
// counters gathered this tick. A per-block snapshot taken mid-reassignment
// can transiently undercount (a connection in flight between blocks is
// reserved but not yet counted by either block), so only an overcount is
// ever a genuine desync; it can never happen without a bookkeeping bug,
// since total admission is independently capped by GlobalAdmitter.
func (p *Pool) checkInvariants(reservedAcrossBlocks int64) {
	if reservedAcrossBlocks <= p.cfg.MaxConnections {
		return
	}
	if p.invariantViolated.Swap(true) {
		return
	}
	log.Printf("[pool] invariant violation: %d connections counted across blocks exceeds max_connections=%d; refusing further acquires", reservedAcrossBlocks, p.cfg.MaxConnections)
	p.drainer.Shutdown()
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	for _, b := range p.snapshotBlocks() {
		b.WakeAllShutdown()
	}
}

func asConnectError(err error, target **ConnectError) bool {
	ce, ok := err.(*ConnectError)
	if ok {
		*target = ce
	}
	return ok
}
