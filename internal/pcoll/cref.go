// Package pcoll implements the concurrent persistent collections the
// runtime's hot paths rely on: a lock-free shared reference, a
// hash-array-mapped trie, a persistent treap, and a persistent singly-linked
// list. All mutating operations return a new value and share structure with
// the old one; nothing here blocks except under true contention, and then
// only by retrying.
package pcoll

import "sync/atomic"

// Cref is a shared reference to an immutable value of type T, readable and
// swappable from multiple goroutines without a lock. It plays the role of
// kronos's split-weight cref (original_source/src/pcoll/stm.h): that type
// exists to let readers avoid touching a lock while still freeing the
// referent exactly once under manual reference counting. Go's garbage
// collector already guarantees the referent is freed exactly once once it
// becomes unreachable, so Cref sheds the weight-splitting bookkeeping and
// keeps only the swap discipline: Snapshot is a single atomic load (no
// retry), Store/Exchange are a single atomic swap, and Swap is the CAS retry
// loop used for the "swap" transaction (§4.1).
type Cref[T any] struct {
	p atomic.Pointer[T]
}

// NewCref returns a Cref holding v (v may be nil).
func NewCref[T any](v *T) *Cref[T] {
	c := &Cref[T]{}
	c.p.Store(v)
	return c
}

// Snapshot atomically reads the current value. The returned pointer must be
// treated as immutable by the caller.
func (c *Cref[T]) Snapshot() *T {
	return c.p.Load()
}

// Store unconditionally installs v, discarding whatever was there before.
func (c *Cref[T]) Store(v *T) {
	c.p.Store(v)
}

// Exchange installs v and returns the previous value.
func (c *Cref[T]) Exchange(v *T) *T {
	return c.p.Swap(v)
}

// Swap runs updater against the current value and installs the result,
// retrying if a concurrent writer raced ahead. updater must be pure: it may
// be invoked more than once on contention, matching the retry contract of
// stm.h's cref::swap and HAMT's update_in.
func (c *Cref[T]) Swap(updater func(current *T) *T) *T {
	for {
		cur := c.p.Load()
		next := updater(cur)
		if c.p.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// CompareAndSwap installs next iff the current value is old (pointer
// identity), matching stm.h's "produce outside the critical section, attempt
// to install" compare-exchange transaction.
func (c *Cref[T]) CompareAndSwap(old, next *T) bool {
	return c.p.CompareAndSwap(old, next)
}
