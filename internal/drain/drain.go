// Package drain tracks pool-wide and per-database drain state: how many
// callers currently hold a drain lock on the whole pool or on one
// database, and whether the pool has been permanently shut down.
//
// Ported from the reference Rust implementation's drain.rs: same
// drain-all counter, same per-db counter map, same shutdown flag. Rust
// releases a lock on scope exit (Drop); Go has no destructors, so callers
// must defer Lock.Release() explicitly.
package drain

import "sync"

// Drain holds the current drain and shutdown state for a Pool.
type Drain struct {
	mu       sync.Mutex
	drainAll int
	drain    map[string]int
	shutdown bool
}

// New returns an empty Drain with nothing draining and no shutdown.
func New() *Drain {
	return &Drain{drain: make(map[string]int)}
}

// Lock is a guard returned by LockAll/Lock(db); Release must be called
// exactly once to undo the lock it represents.
type Lock struct {
	d  *Drain
	db string // "" means this is a whole-pool lock from LockAll
}

// LockAll marks the whole pool as draining until the returned Lock is
// released.
func (d *Drain) LockAll() *Lock {
	d.mu.Lock()
	d.drainAll++
	d.mu.Unlock()
	return &Lock{d: d}
}

// Lock marks a single database as draining until the returned Lock is
// released.
func (d *Drain) Lock(db string) *Lock {
	d.mu.Lock()
	d.drain[db]++
	d.mu.Unlock()
	return &Lock{d: d, db: db}
}

// Release undoes the drain this Lock represents. Safe to call exactly
// once; a second call panics rather than silently corrupting the count.
func (l *Lock) Release() {
	if l.d == nil {
		panic("drain: Lock released twice")
	}
	d := l.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if l.db == "" {
		d.drainAll--
	} else {
		if c, ok := d.drain[l.db]; ok {
			if c <= 1 {
				delete(d.drain, l.db)
			} else {
				d.drain[l.db] = c - 1
			}
		}
	}
	l.d = nil
}

// IsDraining reports whether db should refuse new acquirers: the whole
// pool is draining, this specific db is draining, or the pool is shut
// down.
func (d *Drain) IsDraining(db string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.shutdown || d.drainAll > 0 {
		return true
	}
	_, ok := d.drain[db]
	return ok
}

// AreAnyDraining reports whether any database (or the whole pool) is
// currently draining, or the pool has been shut down.
func (d *Drain) AreAnyDraining() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.shutdown || d.drainAll > 0 || len(d.drain) > 0
}

// Shutdown permanently marks the pool as shut down. Sticky: there is no
// way to undo it.
func (d *Drain) Shutdown() {
	d.mu.Lock()
	d.shutdown = true
	d.mu.Unlock()
}

// InShutdown reports whether Shutdown has been called.
func (d *Drain) InShutdown() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdown
}
