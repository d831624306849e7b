// Package idgen hands out process-wide unique identifiers
package idgen

import "sync/atomic"

// Counter returns IDs 1,2,3... of type T, up to 2^32-1, then wraps around to 1.
// Zero is never generated, so callers can use it as "none".
type Counter[T ~uint32] struct {
	next atomic.Uint32
}

func (c *Counter[T]) Next() T {
	n := c.next.Add(1)
	if n == 0 {
		n = c.next.Add(1)
	}
	return T(n)
}

// Sequence returns 0,1,2...
type Sequence struct {
	next atomic.Int64
}

func (s *Sequence) Next() int64 {
	return s.next.Add(1) - 1
}
