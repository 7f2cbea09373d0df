// Package ticket implements a capacity-bounded table mapping opaque 64-bit
// tickets to values of arbitrary type. Acquiring a ticket blocks (or fails,
// for the non-blocking variant) once the table is at capacity, giving
// callers admission control over however many operations they allow
// in flight at once.
package ticket

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// entry holds a slot's current occupant and the generation it was
// last issued under.
type entry[T any] struct {
	gen  uint32
	val  T
	used bool
}

// Table is a fixed-capacity, generation-guarded slot table. The zero
// value is not usable; construct with New.
//
// Tickets encode (generation, slot index) so that a stale ticket from a
// released slot can never be mistaken for the slot's new occupant.
// Generation counters start at 1, so ticket 0 never occurs and is free
// for callers to use as an internal sentinel (e.g. to identify an
// out-of-band wakeup submission).
type Table[T any] struct {
	sem  *semaphore.Weighted
	cap  int
	mu   sync.Mutex
	free []uint32
	slot []entry[T]
}

// New creates a table with room for capacity simultaneously outstanding
// tickets.
func New[T any](capacity int) *Table[T] {
	free := make([]uint32, capacity)
	slot := make([]entry[T], capacity)
	for i := range slot {
		free[i] = uint32(capacity - 1 - i)
		slot[i].gen = 1
	}
	return &Table[T]{
		sem:  semaphore.NewWeighted(int64(capacity)),
		cap:  capacity,
		free: free,
		slot: slot,
	}
}

// Capacity returns the table's fixed size.
func (t *Table[T]) Capacity() int { return t.cap }

// InFlight returns the number of currently occupied slots.
func (t *Table[T]) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cap - len(t.free)
}

func encode(gen, idx uint32) uint64 { return uint64(gen)<<32 | uint64(idx) }
func decode(ticket uint64) (gen, idx uint32) {
	return uint32(ticket >> 32), uint32(ticket)
}

// Acquire blocks until a slot is available or ctx is done, stores val in
// it, and returns the ticket identifying that slot's occupancy.
func (t *Table[T]) Acquire(ctx context.Context, val T) (uint64, error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	return t.take(val), nil
}

// TryAcquire acquires a slot without blocking. ok is false if the table
// is currently at capacity.
func (t *Table[T]) TryAcquire(val T) (ticket uint64, ok bool) {
	if !t.sem.TryAcquire(1) {
		return 0, false
	}
	return t.take(val), true
}

func (t *Table[T]) take(val T) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	e := &t.slot[idx]
	e.val = val
	e.used = true
	return encode(e.gen, idx)
}

// Set overwrites the value stored under an already-acquired ticket.
// Reports false if the ticket is no longer live.
func (t *Table[T]) Set(ticket uint64, val T) bool {
	gen, idx := decode(ticket)
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(idx) >= len(t.slot) {
		return false
	}
	e := &t.slot[idx]
	if !e.used || e.gen != gen {
		return false
	}
	e.val = val
	return true
}

// Lookup returns the value stored under ticket, if it is still live.
func (t *Table[T]) Lookup(ticket uint64) (val T, ok bool) {
	gen, idx := decode(ticket)
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(idx) >= len(t.slot) {
		return val, false
	}
	e := &t.slot[idx]
	if !e.used || e.gen != gen {
		return val, false
	}
	return e.val, true
}

// Release frees the slot identified by ticket, making room for a new
// Acquire/TryAcquire, and bumps its generation so any copy of this
// ticket kept around by a caller can no longer resolve via Lookup.
// Releasing a ticket that is not currently live is a no-op.
func (t *Table[T]) Release(ticket uint64) {
	gen, idx := decode(ticket)
	t.mu.Lock()
	if int(idx) >= len(t.slot) {
		t.mu.Unlock()
		return
	}
	e := &t.slot[idx]
	if !e.used || e.gen != gen {
		t.mu.Unlock()
		return
	}
	var zero T
	e.val = zero
	e.used = false
	e.gen++
	if e.gen == 0 {
		e.gen = 1
	}
	t.free = append(t.free, idx)
	t.mu.Unlock()
	t.sem.Release(1)
}
