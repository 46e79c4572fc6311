// Package block implements the per-database connection sub-pool: an LIFO
// idle stack, an active set, and a FIFO wait queue for acquirers that
// arrive when neither an idle connection nor fresh capacity is available.
//
// A Block never decides the pool-wide admission question itself — it
// always asks a GlobalAdmitter, which the Pool implements by tracking the
// shared max_connections budget across every Block. This mirrors the
// teacher repo's BucketPool, generalized from one fixed-size LIFO stack
// guarded by a single mutex into the same shape with a pluggable global
// capacity check and a controller-assigned local target.
package block

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tmoreau-dev/connpool/internal/contract"
	"github.com/tmoreau-dev/connpool/internal/drain"
	"github.com/tmoreau-dev/connpool/internal/metrics"
	"github.com/tmoreau-dev/connpool/internal/waitqueue"
)

// Outcome is the payload a Block's wait queue delivers to a woken waiter:
// either a connection handed directly to it, or the error from a connect
// attempt made on its behalf. Both fields zero means "just retry your own
// acquire loop from the top" — used when a waiter is woken opportunistically
// because capacity may have freed up, without a connection or error
// specifically earmarked for it.
type Outcome struct {
	Conn *Conn
	Err  error
}

// GlobalAdmitter is the pool-wide admission gate a Block consults before
// opening a new physical connection. The Pool is the only real
// implementation; it exists as an interface so Block has no dependency on
// the root package (which would create an import cycle).
type GlobalAdmitter interface {
	// TryReserve attempts to reserve one slot against the shared
	// max_connections budget. Returns false if the pool is already at
	// capacity.
	TryReserve() bool
	// Release gives back a slot that is no longer occupied: either a
	// reservation that never became a live connection (failed connect),
	// or a connection that has been permanently closed.
	Release()
}

// Block is one database's connection sub-pool.
type Block struct {
	name  string
	drain *drain.Drain

	mu       sync.Mutex
	idle     []*Conn          // LIFO: push/pop at the end
	active   map[uint64]*Conn
	inflight map[uint64]context.CancelFunc

	wq *waitqueue.WaitQueue[Outcome]

	counters *metrics.Counters
	nextID   *Seq
}

// New creates an empty Block for db, sharing the pool-wide drain state and
// a per-connection ID sequence.
func New(name string, d *drain.Drain, seq *Seq) *Block {
	return &Block{
		name:     name,
		drain:    d,
		active:   make(map[uint64]*Conn),
		inflight: make(map[uint64]context.CancelFunc),
		wq:       waitqueue.New[Outcome](),
		counters: &metrics.Counters{},
		nextID:   seq,
	}
}

// Name returns the database name this Block serves.
func (b *Block) Name() string { return b.name }

// Counters exposes the block's live bookkeeping counters for the
// controller to read.
func (b *Block) Counters() *metrics.Counters { return b.counters }

// WaitLen returns the number of acquirers currently suspended on this
// block.
func (b *Block) WaitLen() int { return b.wq.Len() }

// OldestWait returns how long the longest-waiting acquirer has been
// suspended, or zero if nobody is waiting.
func (b *Block) OldestWait() time.Duration { return b.wq.Oldest() }

// SetTarget updates the controller-assigned local capacity ceiling.
func (b *Block) SetTarget(target int64) {
	b.counters.Target.Store(target)
	metrics.Target.WithLabelValues(b.name).Set(float64(target))
}

func (b *Block) publishLocked() {
	b.counters.PublishGauges(b.name)
}

// Acquire returns a connection for this block's database, blocking until
// one becomes available, ctx is cancelled, or deadline elapses (zero
// deadline means no timeout). It implements spec's Block.Acquire
// algorithm: pop Idle, else connect fresh if under target and the global
// admitter has slack, else suspend in the wait queue.
func (b *Block) Acquire(ctx context.Context, connector contract.Connector, admitter GlobalAdmitter, deadline time.Time) (*Conn, error) {
	for {
		b.mu.Lock()

		if b.drain.IsDraining(b.name) {
			b.mu.Unlock()
			if b.drain.InShutdown() {
				return nil, ErrPoolShutdown
			}
			return nil, ErrPoolDraining
		}

		if c := b.popIdleLocked(); c != nil {
			b.active[c.id] = c
			b.counters.Active.Add(1)
			b.publishLocked()
			b.mu.Unlock()

			c.setState(StateActive)
			c.touch()
			return c, nil
		}

		inflight := int64(len(b.active)) + b.counters.Idle.Load() + b.counters.Connecting.Load()
		target := b.counters.Target.Load()
		underTarget := target <= 0 || inflight < target

		if underTarget && admitter.TryReserve() {
			b.counters.Connecting.Add(1)
			b.publishLocked()
			b.mu.Unlock()

			c, err := b.connectNow(ctx, connector, admitter)
			if err != nil {
				b.wq.Trigger(Outcome{})
				return nil, err
			}
			return c, nil
		}

		waiter := b.wq.Enqueue()
		b.counters.Waiting.Store(int64(b.wq.Len()))
		b.publishLocked()
		b.mu.Unlock()

		waitStart := time.Now()
		out, err := waiter.Wait(ctx, deadline)
		metrics.QueueWaitSeconds.WithLabelValues(b.name).Observe(time.Since(waitStart).Seconds())

		b.mu.Lock()
		b.counters.Waiting.Store(int64(b.wq.Len()))
		b.publishLocked()
		b.mu.Unlock()

		if err != nil {
			return nil, translateWaitErr(err)
		}
		if out.Err != nil {
			return nil, out.Err
		}
		if out.Conn != nil {
			return out.Conn, nil
		}
		// Woken with no payload: capacity may have freed up. Retry from
		// the top instead of assuming anything was actually reserved for
		// us.
	}
}

// connectNow performs a Connect call that was already admitted (the
// Connecting counter is already incremented and a global slot already
// reserved). On success the connection is registered Active; on failure
// the reservation and counter are unwound and a *contract.ConnectError is
// returned.
func (b *Block) connectNow(ctx context.Context, connector contract.Connector, admitter GlobalAdmitter) (*Conn, error) {
	cctx, id := b.beginConnect(ctx)
	defer b.endConnect(id)

	token, err := connector.Connect(cctx, b.name)
	if err != nil {
		b.mu.Lock()
		b.counters.Connecting.Add(-1)
		b.counters.Failed.Add(1)
		b.publishLocked()
		b.mu.Unlock()

		admitter.Release()
		metrics.Failed.WithLabelValues(b.name).Inc()
		log.Printf("[block] connect to %s failed: %v", b.name, err)
		return nil, &contract.ConnectError{DB: b.name, Err: err}
	}

	c := newConn(b.nextID.next(), b.name, token)
	c.setState(StateActive)

	b.mu.Lock()
	b.active[c.id] = c
	b.counters.Connecting.Add(-1)
	b.counters.Active.Add(1)
	b.publishLocked()
	b.mu.Unlock()

	return c, nil
}

// popIdleLocked pops the most-recently-released idle connection (LIFO).
// Caller must hold b.mu. Age/idle-timeout eviction is Prune's job, run
// periodically by the controller; Acquire never pays that cost inline.
func (b *Block) popIdleLocked() *Conn {
	for len(b.idle) > 0 {
		last := len(b.idle) - 1
		c := b.idle[last]
		b.idle = b.idle[:last]
		b.counters.Idle.Add(-1)
		return c
	}
	return nil
}

// Release returns a checked-out connection to the block. If broken is
// true the connection is considered unusable and is closed instead of
// recycled. Otherwise: a pending reassignment flag takes priority (the
// caller, normally the Pool, drives the reconnect); failing that, a local
// waiter gets the connection directly (bypassing the Idle stack, so a
// racing fresh acquirer can never steal it); failing that, it goes onto
// the Idle stack.
func (b *Block) Release(c *Conn, broken bool, connector contract.Connector, admitter GlobalAdmitter) {
	if broken {
		b.mu.Lock()
		delete(b.active, c.id)
		b.counters.Active.Add(-1)
		b.publishLocked()
		b.mu.Unlock()

		b.closeConn(c, connector, admitter)
		b.wq.Trigger(Outcome{})
		return
	}

	if to := c.ReassignTarget(); to != "" {
		b.mu.Lock()
		delete(b.active, c.id)
		b.counters.Active.Add(-1)
		b.publishLocked()
		b.mu.Unlock()

		c.setState(StateReconnecting)
		// Flag is left intact: the Pool reads it via ReassignTarget and
		// clears it via ClearReassign once it takes over the reconnect.
		return
	}

	b.mu.Lock()
	delete(b.active, c.id)
	b.counters.Active.Add(-1)

	if !b.wq.IsEmpty() {
		b.active[c.id] = c
		b.counters.Active.Add(1)
		b.publishLocked()
		b.mu.Unlock()

		c.setState(StateActive)
		c.touch()

		if b.wq.Trigger(Outcome{Conn: c}) {
			return
		}

		// Every waiter had already been GC'd (timed out/cancelled)
		// between IsEmpty and Trigger. Put the connection back as idle
		// instead of leaking it.
		b.mu.Lock()
		delete(b.active, c.id)
		b.counters.Active.Add(-1)
		c.setState(StateIdle)
		b.idle = append(b.idle, c)
		b.counters.Idle.Add(1)
		b.publishLocked()
		b.mu.Unlock()
		return
	}

	c.setState(StateIdle)
	c.touch()
	b.idle = append(b.idle, c)
	b.counters.Idle.Add(1)
	b.publishLocked()
	b.mu.Unlock()
}

// closeConn runs a connection through Disconnecting to Closed, releasing
// its reserved global slot. c must already be removed from both the idle
// and active collections.
func (b *Block) closeConn(c *Conn, connector contract.Connector, admitter GlobalAdmitter) {
	c.setState(StateDisconnecting)
	b.mu.Lock()
	b.counters.Disconnecting.Add(1)
	b.publishLocked()
	b.mu.Unlock()

	connector.Disconnect(context.Background(), c.Token())

	c.setState(StateClosed)
	b.mu.Lock()
	b.counters.Disconnecting.Add(-1)
	b.counters.Closed.Add(1)
	b.publishLocked()
	b.mu.Unlock()

	admitter.Release()
	metrics.Closed.WithLabelValues(b.name).Inc()
}

// Prune evicts idle connections older than maxAge or idle longer than
// idleTimeout (either threshold of zero means unlimited), and — when the
// block is overfull relative to target and has no waiters — the oldest
// excess idle connections beyond target. It then health-checks the
// surviving idle connections if connector implements HealthChecker,
// evicting any that fail. Eviction only ever touches Idle connections;
// Active ones are never force-closed by Prune.
func (b *Block) Prune(now time.Time, maxAge, idleTimeout time.Duration, connector contract.Connector, admitter GlobalAdmitter) {
	b.mu.Lock()

	var evict []*Conn
	kept := make([]*Conn, 0, len(b.idle))
	for _, c := range b.idle {
		tooOld := maxAge > 0 && c.age(now) > maxAge
		tooIdle := idleTimeout > 0 && c.idleFor(now) > idleTimeout
		if tooOld || tooIdle {
			evict = append(evict, c)
		} else {
			kept = append(kept, c)
		}
	}

	target := b.counters.Target.Load()
	if target > 0 && int64(len(kept)) > target && b.wq.IsEmpty() {
		excess := int64(len(kept)) - target
		evict = append(evict, kept[:excess]...)
		kept = kept[excess:]
	}

	b.idle = kept
	b.counters.Idle.Store(int64(len(kept)))
	b.publishLocked()
	b.mu.Unlock()

	for _, c := range evict {
		b.closeConn(c, connector, admitter)
	}

	checker, ok := connector.(contract.HealthChecker)
	if !ok {
		return
	}
	for _, c := range kept {
		if err := checker.HealthCheck(context.Background(), c.Token()); err != nil {
			if b.takeIdleByID(c.id) {
				b.closeConn(c, connector, admitter)
			}
		}
	}
}

// takeIdleByID removes the idle connection with the given id if it is
// still sitting in the idle stack, returning whether it was found there.
// An Acquire racing with a health check may already have popped it, in
// which case there is nothing left to evict.
func (b *Block) takeIdleByID(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.idle {
		if c.id == id {
			b.idle = append(b.idle[:i], b.idle[i+1:]...)
			b.counters.Idle.Add(-1)
			b.publishLocked()
			return true
		}
	}
	return false
}

// TakeIdleForReassignment pops the single oldest Idle connection (index 0,
// since the stack is LIFO) for the controller to reassign to another
// database right away. Returns nil if this block has any waiter (never
// donate from a block someone is waiting on) or no idle connections.
func (b *Block) TakeIdleForReassignment() *Conn {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.wq.IsEmpty() || len(b.idle) == 0 {
		return nil
	}

	c := b.idle[0]
	b.idle = b.idle[1:]
	b.counters.Idle.Add(-1)
	b.publishLocked()

	c.setState(StateReconnecting)
	return c
}

// MarkForReassignment flags one Active connection (the first found) to be
// reassigned to newDB the next time its holder releases it. Returns false
// if this block has a waiter (never donate from a hungry block) or no
// Active connection is free to flag.
func (b *Block) MarkForReassignment(newDB string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.wq.IsEmpty() {
		return false
	}
	for _, c := range b.active {
		if c.markReassign(newDB) {
			return true
		}
	}
	return false
}

// DepositReassigned inserts a connection that was just reconnected to
// this block's database from elsewhere (the caller must already have
// called c.Rebind with the new db/token), handing it directly to a local
// waiter if one exists, otherwise pushing it onto the idle stack.
func (b *Block) DepositReassigned(c *Conn) {
	b.mu.Lock()
	if !b.wq.IsEmpty() {
		b.active[c.id] = c
		b.counters.Active.Add(1)
		b.publishLocked()
		b.mu.Unlock()

		c.setState(StateActive)
		c.touch()
		if b.wq.Trigger(Outcome{Conn: c}) {
			return
		}

		b.mu.Lock()
		delete(b.active, c.id)
		b.counters.Active.Add(-1)
		c.setState(StateIdle)
		b.idle = append(b.idle, c)
		b.counters.Idle.Add(1)
		b.publishLocked()
		b.mu.Unlock()
		return
	}

	c.setState(StateIdle)
	c.touch()
	b.idle = append(b.idle, c)
	b.counters.Idle.Add(1)
	b.publishLocked()
	b.mu.Unlock()
}

// DepositFailed accounts for a reassignment reconnect that failed: the
// attempt is counted as Failed, the connection is considered Closed and
// its global slot released. The block also wakes one waiter so it can
// retry independently, since capacity bookkeeping changed.
func (b *Block) DepositFailed(admitter GlobalAdmitter) {
	b.mu.Lock()
	b.counters.Failed.Add(1)
	b.counters.Closed.Add(1)
	b.publishLocked()
	b.mu.Unlock()

	admitter.Release()
	metrics.Failed.WithLabelValues(b.name).Inc()
	metrics.Closed.WithLabelValues(b.name).Inc()
	b.wq.Trigger(Outcome{})
}

// KickHungryWaiter attempts one fresh connect on behalf of this block's
// oldest waiter when the controller has just raised its target and the
// block previously had no room to act on its own. On success the new
// connection is handed directly to that waiter; on failure the waiter
// receives the error directly (so it is attributed to the acquire it is
// actually blocked on, not some unrelated caller), and a second,
// payload-less trigger lets the next waiter (if any) re-attempt on its
// own.
func (b *Block) KickHungryWaiter(ctx context.Context, connector contract.Connector, admitter GlobalAdmitter) {
	b.mu.Lock()
	if b.wq.IsEmpty() || b.drain.IsDraining(b.name) {
		b.mu.Unlock()
		return
	}
	inflight := int64(len(b.active)) + b.counters.Idle.Load() + b.counters.Connecting.Load()
	target := b.counters.Target.Load()
	if target > 0 && inflight >= target {
		b.mu.Unlock()
		return
	}
	if !admitter.TryReserve() {
		b.mu.Unlock()
		return
	}
	b.counters.Connecting.Add(1)
	b.publishLocked()
	b.mu.Unlock()

	c, err := b.connectNow(ctx, connector, admitter)
	if err != nil {
		b.wq.Trigger(Outcome{Err: err})
		b.wq.Trigger(Outcome{})
		return
	}
	if !b.wq.Trigger(Outcome{Conn: c}) {
		// No one was left to receive it; release it back as idle.
		b.Release(c, false, connector, admitter)
	}
}

// WakeAllShutdown wakes every currently suspended waiter on this block with
// ErrPoolShutdown, so a caller parked in Acquire's wait queue is never left
// hanging forever after the pool is shut down. Safe to call on a block with
// no waiters.
func (b *Block) WakeAllShutdown() {
	for b.wq.Trigger(Outcome{Err: ErrPoolShutdown}) {
	}
}

// CancelExcessConnecting cancels up to n in-flight Connect attempts
// toward this block, used by the controller when a block's target just
// shrank below the number of connects it already had underway.
func (b *Block) CancelExcessConnecting(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cancelled := 0
	for id, cancel := range b.inflight {
		if cancelled >= n {
			break
		}
		cancel()
		delete(b.inflight, id)
		cancelled++
	}
	return cancelled
}

func (b *Block) beginConnect(ctx context.Context) (context.Context, uint64) {
	cctx, cancel := context.WithCancel(ctx)
	id := b.nextID.next()
	b.mu.Lock()
	b.inflight[id] = cancel
	b.mu.Unlock()
	return cctx, id
}

func (b *Block) endConnect(id uint64) {
	b.mu.Lock()
	if cancel, ok := b.inflight[id]; ok {
		cancel()
		delete(b.inflight, id)
	}
	b.mu.Unlock()
}

// Seq is a tiny shared atomic counter used to hand out connection and
// in-flight-attempt IDs that are unique across every Block in a Pool.
type Seq struct {
	mu sync.Mutex
	n  uint64
}

func (s *Seq) next() uint64 {
	s.mu.Lock()
	s.n++
	v := s.n
	s.mu.Unlock()
	return v
}

// NewSeq creates a shared ID sequence for use across every Block in a
// Pool.
func NewSeq() *Seq { return &Seq{} }
