// ============================================================================
// Probe-Swarm Work-Stealing Deque
// ============================================================================
//
// Package: internal/deque
// File: deque.go
// Purpose: Bounded Chase-Lev deque, one per worker.
//
// Layout:
//   top                         bottom
//    │                             │
//    ▼                             ▼
//   ┌───┬───┬───┬───┬───┬───┬───┬───┐
//   │ t │   │   │   │   │   │b-1│   │   ring of Cap() slots
//   └───┴───┴───┴───┴───┴───┴───┴───┘
//    ▲ Steal (FIFO, any goroutine)  ▲ PushLocal / PopLocal (LIFO, owner only)
//
// Synchronization:
//   - bottom is written only by the owner.
//   - top only moves forward, and only through CompareAndSwap.
//   - The owner races thieves only for the last remaining element; that race
//     is settled by the same CAS on top.
//   - A thief that read a stale slot always fails its CAS, so an overwritten
//     slot is never returned.
//
// ============================================================================

package deque

import (
	"sync/atomic"
)

// Deque is a bounded work-stealing deque of *T.
//
// PushLocal, PopLocal and Drain must only be called by the owning goroutine.
// Steal may be called from any goroutine.
type Deque[T any] struct {
	top    atomic.Int64
	bottom atomic.Int64
	slots  []atomic.Pointer[T]
	mask   int64
}

// New creates a deque holding at least capacity items. The capacity is
// rounded up to a power of two.
func New[T any](capacity int) *Deque[T] {
	if capacity < 2 {
		capacity = 2
	}
	size := 1
	for size < capacity {
		size <<= 1
	}
	return &Deque[T]{
		slots: make([]atomic.Pointer[T], size),
		mask:  int64(size - 1),
	}
}

// Cap returns the number of slots.
func (d *Deque[T]) Cap() int {
	return len(d.slots)
}

// Len returns an approximate number of queued items.
func (d *Deque[T]) Len() int {
	n := d.bottom.Load() - d.top.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// PushLocal appends an item at the owner end. It returns false when the
// deque is full; the caller routes the item elsewhere instead of blocking.
func (d *Deque[T]) PushLocal(item *T) bool {
	if item == nil {
		return false
	}
	b := d.bottom.Load()
	t := d.top.Load()
	if b-t >= int64(len(d.slots)) {
		return false
	}
	d.slots[b&d.mask].Store(item)
	d.bottom.Store(b + 1)
	return true
}

// PopLocal removes the most recently pushed item.
func (d *Deque[T]) PopLocal() (*T, bool) {
	b := d.bottom.Load() - 1
	d.bottom.Store(b)
	t := d.top.Load()

	if t > b {
		// empty
		d.bottom.Store(b + 1)
		return nil, false
	}

	item := d.slots[b&d.mask].Load()
	if t < b {
		return item, true
	}

	// Last element: compete with thieves.
	won := d.top.CompareAndSwap(t, t+1)
	d.bottom.Store(b + 1)
	if !won {
		return nil, false
	}
	return item, true
}

// Steal removes the oldest item. It retries while it loses races against
// other thieves and returns false only when the deque is observed empty.
func (d *Deque[T]) Steal() (*T, bool) {
	for {
		t := d.top.Load()
		b := d.bottom.Load()
		if t >= b {
			return nil, false
		}
		item := d.slots[t&d.mask].Load()
		if d.top.CompareAndSwap(t, t+1) {
			return item, true
		}
	}
}

// Drain pops every remaining item. Owner only.
func (d *Deque[T]) Drain() []*T {
	var out []*T
	for {
		item, ok := d.PopLocal()
		if !ok {
			return out
		}
		out = append(out, item)
	}
}
