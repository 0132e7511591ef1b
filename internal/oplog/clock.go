package oplog

import "sync/atomic"

// Clock is a Lamport clock: the per-replica logical clock that stamps every
// locally generated operation.
//
// Next ticks before every local operation, so a replica never reuses a value.
// Observe folds in the clock of every received operation, so a local edit made
// after seeing a remote one always orders after it. Wall time is never used.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock resuming from a known position, e.g. after
// hydrating a replica from a snapshot.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next clock value and advances the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Observe advances the clock to at least remote. The following Next then
// returns max(local, remote)+1.
func (c *Clock) Observe(remote int64) {
	for {
		cur := c.seq.Load()
		if remote <= cur {
			return
		}
		if c.seq.CompareAndSwap(cur, remote) {
			return
		}
	}
}

// Current returns the current clock value without advancing it.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
