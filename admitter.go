package connpool

import "sync/atomic"

// int64Counter is a CAS-looped bounded counter backing Pool's
// implementation of block.GlobalAdmitter: tryInc only succeeds while the
// value stays at or under max, so the shared max_connections budget is
// enforced without ever holding a lock across a Connector call.
type int64Counter struct {
	v atomic.Int64
}

func (c *int64Counter) tryInc(max int64) bool {
	for {
		cur := c.v.Load()
		if cur >= max {
			return false
		}
		if c.v.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (c *int64Counter) dec() { c.v.Add(-1) }
