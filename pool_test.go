package connpool

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeConnector is an in-memory Connector used by every test in this
// package instead of a real database driver.
type fakeConnector struct {
	mu        sync.Mutex
	nextToken int
	failNext  map[string]int
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{failNext: make(map[string]int)}
}

func (c *fakeConnector) Connect(ctx context.Context, db string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext[db] > 0 {
		c.failNext[db]--
		return nil, errConnectFailed
	}
	c.nextToken++
	return c.nextToken, nil
}

func (c *fakeConnector) Reconnect(ctx context.Context, conn any, newDB string) (any, error) {
	return conn, nil
}

func (c *fakeConnector) Disconnect(ctx context.Context, conn any) {}

type connectFailedErr struct{}

func (connectFailedErr) Error() string { return "fake connect failure" }

var errConnectFailed = connectFailedErr{}

func newTestPool(t *testing.T, max int64, dbs ...string) (*Pool, *fakeConnector) {
	t.Helper()
	conn := newFakeConnector()
	p, err := New(PoolConfig{
		MaxConnections: max,
		TickInterval:   5 * time.Millisecond,
		ConnectTimeout: time.Second,
		Databases:      dbs,
	}, conn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Shutdown)
	return p, conn
}

func TestPool_AcquireReleaseRoundTrip(t *testing.T) {
	p, _ := newTestPool(t, 4, "tenant_a")

	h, err := p.Acquire(context.Background(), "tenant_a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.Release()

	h2, err := p.Acquire(context.Background(), "tenant_a")
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if h2.Conn() != h.Conn() {
		t.Fatalf("expected the released connection to be recycled")
	}
	h2.Release()
}

func TestPool_SaturationForcesWaitThenSucceedsAfterRelease(t *testing.T) {
	p, _ := newTestPool(t, 1, "tenant_a")

	h1, err := p.Acquire(context.Background(), "tenant_a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	resultCh := make(chan *Handle, 1)
	errCh := make(chan error, 1)
	go func() {
		h2, err := p.Acquire(context.Background(), "tenant_a")
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- h2
	}()

	time.Sleep(20 * time.Millisecond)
	h1.Release()

	select {
	case h2 := <-resultCh:
		h2.Release()
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("second acquirer never unblocked")
	}
}

func TestPool_AcquireTimesOutViaContextDeadline(t *testing.T) {
	p, _ := newTestPool(t, 1, "tenant_a")

	h1, err := p.Acquire(context.Background(), "tenant_a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer h1.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx, "tenant_a")
	if !IsTimeout(err) {
		t.Fatalf("expected a timeout AcquireError, got %v", err)
	}
}

func TestPool_DrainRefusesOneDBNotOthers(t *testing.T) {
	p, _ := newTestPool(t, 4, "tenant_a", "tenant_b")

	undrain := p.Drain("tenant_a")
	defer undrain()

	if _, err := p.Acquire(context.Background(), "tenant_a"); !IsDraining(err) {
		t.Fatalf("expected tenant_a to be draining, got %v", err)
	}

	h, err := p.Acquire(context.Background(), "tenant_b")
	if err != nil {
		t.Fatalf("expected tenant_b unaffected by tenant_a draining, got %v", err)
	}
	h.Release()
}

func TestPool_ShutdownRefusesNewAcquires(t *testing.T) {
	conn := newFakeConnector()
	p, err := New(PoolConfig{MaxConnections: 4, TickInterval: 5 * time.Millisecond, Databases: []string{"tenant_a"}}, conn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Shutdown()

	if _, err := p.Acquire(context.Background(), "tenant_a"); !IsShutdown(err) {
		t.Fatalf("expected shutdown AcquireError, got %v", err)
	}
}

func TestPool_ShutdownWakesSuspendedWaiters(t *testing.T) {
	p, _ := newTestPool(t, 1, "tenant_a")

	h, err := p.Acquire(context.Background(), "tenant_a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer h.Release()

	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := p.Acquire(context.Background(), "tenant_a")
			errCh <- err
		}()
	}

	// Give both acquirers a chance to suspend in the wait queue before
	// shutting down.
	time.Sleep(20 * time.Millisecond)
	p.Shutdown()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			if !IsShutdown(err) {
				t.Fatalf("expected a shutdown AcquireError, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("waiter never woke after Shutdown")
		}
	}
}

func TestPool_ConnectFailureReportsConnectFailedKind(t *testing.T) {
	p, conn := newTestPool(t, 4, "tenant_a")
	conn.failNext["tenant_a"] = 1

	_, err := p.Acquire(context.Background(), "tenant_a")
	if !IsConnectFailed(err) {
		t.Fatalf("expected a connect-failed AcquireError, got %v", err)
	}
}

func TestPool_MarkBrokenClosesInsteadOfRecycling(t *testing.T) {
	p, _ := newTestPool(t, 4, "tenant_a")

	h, err := p.Acquire(context.Background(), "tenant_a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.MarkBroken()
	h.Release()

	stats := p.Stats()
	var found bool
	for _, s := range stats {
		if s.DB == "tenant_a" {
			found = true
			if s.Idle != 0 {
				t.Fatalf("expected no idle connections after a broken release, got %d", s.Idle)
			}
		}
	}
	if !found {
		t.Fatal("expected tenant_a in Stats()")
	}
}

func TestPool_ReleaseIsIdempotent(t *testing.T) {
	p, _ := newTestPool(t, 4, "tenant_a")

	h, err := p.Acquire(context.Background(), "tenant_a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.Release()
	h.Release() // must not panic or double-count

	stats := p.Stats()
	for _, s := range stats {
		if s.DB == "tenant_a" && s.Idle != 1 {
			t.Fatalf("expected exactly 1 idle connection after double release, got %d", s.Idle)
		}
	}
}

func TestPool_InvariantViolationStopsFurtherAcquires(t *testing.T) {
	p, _ := newTestPool(t, 2, "tenant_a")

	// Simulate a bookkeeping bug directly: more connections counted
	// across blocks than max_connections allows. This should never
	// happen via the public API; checkInvariants is the last line of
	// defense if it somehow does.
	p.checkInvariants(p.cfg.MaxConnections + 1)

	_, err := p.Acquire(context.Background(), "tenant_a")
	if err == nil {
		t.Fatal("expected an error after an invariant violation")
	}
	ae, ok := err.(*AcquireError)
	if !ok || ae.Kind != KindInvariantViolation {
		t.Fatalf("expected KindInvariantViolation, got %v", err)
	}
}

func TestPool_ReassignmentMovesIdleConnectionAcrossDatabases(t *testing.T) {
	p, _ := newTestPool(t, 2, "A", "B")

	// Warm A with two idle connections, consuming the entire
	// max_connections budget. B starts with none.
	ha1, err := p.Acquire(context.Background(), "A")
	if err != nil {
		t.Fatalf("Acquire A 1: %v", err)
	}
	ha2, err := p.Acquire(context.Background(), "A")
	if err != nil {
		t.Fatalf("Acquire A 2: %v", err)
	}
	ha1.Release()
	ha2.Release()

	// The whole budget is reserved by A's idle connections, so this must
	// suspend until the controller reassigns capacity away from A.
	resultCh := make(chan *Handle, 1)
	errCh := make(chan error, 1)
	go func() {
		hb, err := p.Acquire(context.Background(), "B")
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- hb
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		var a, b Snapshot
		for _, s := range p.Stats() {
			switch s.DB {
			case "A":
				a = s
			case "B":
				b = s
			}
		}
		if a.Idle+a.Active+a.Connecting == 0 && b.Active >= 1 {
			select {
			case hb := <-resultCh:
				if hb.DB() != "B" {
					t.Fatalf("expected a handle bound to B, got %q", hb.DB())
				}
				hb.Release()
			case err := <-errCh:
				t.Fatalf("unexpected error acquiring B: %v", err)
			case <-time.After(2 * time.Second):
				t.Fatal("acquire B never completed after reassignment")
			}
			return
		}
		select {
		case err := <-errCh:
			t.Fatalf("unexpected error acquiring B: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected reassignment to drain A into B, got A=%+v B=%+v", a, b)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPool_HungryWaiterAlwaysGetsAPositiveTarget(t *testing.T) {
	p, _ := newTestPool(t, 2, "busy", "quiet")

	// Saturate the whole pool with "quiet" connections first, so "busy"
	// cannot open a fresh connection of its own and must suspend.
	q1, err := p.Acquire(context.Background(), "quiet")
	if err != nil {
		t.Fatalf("Acquire quiet 1: %v", err)
	}
	defer q1.Release()
	q2, err := p.Acquire(context.Background(), "quiet")
	if err != nil {
		t.Fatalf("Acquire quiet 2: %v", err)
	}
	defer q2.Release()

	errCh := make(chan error, 1)
	go func() {
		h, err := p.Acquire(context.Background(), "busy")
		if err != nil {
			errCh <- err
			return
		}
		h.Release()
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var target int64
		var waiting int64
		for _, s := range p.Stats() {
			if s.DB == "busy" {
				target, waiting = s.Target, s.Waiting
			}
		}
		if waiting > 0 && target >= 1 {
			return
		}
		select {
		case err := <-errCh:
			t.Fatalf("unexpected error from busy acquirer: %v", err)
		default:
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected the controller to grant a waiting block target >= 1 (invariant 5)")
}
