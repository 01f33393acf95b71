package engine

import "sync/atomic"

// Clock is a monotonic logical counter.
//
// The pipeline keeps two: one stamps trace records with a strictly
// increasing seq, the other allocates subscription IDs. Neither uses wall
// time, so two runs of the same topology number things identically up to
// goroutine interleaving.
//
// Clock is safe for concurrent use; every stage goroutine calls Next.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next value. The first call on a new clock returns 1.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}
