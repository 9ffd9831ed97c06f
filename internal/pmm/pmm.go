/*************************************************************************
 * Breenix kernel — process/thread substrate
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 *************************************************************************/

// Package pmm is the physical frame allocator. It owns the flyweight
// PhysFrame pool and the per-frame copy-on-write refcount, which the CoW
// fault handler updates atomically. Finding a frame's refcount still takes
// the allocator's lock briefly on every RefInc/RefDec/RefCount call.
package pmm

import (
	"errors"
	"sync"
	"sync/atomic"
)

// PageSize is the fixed physical frame size.
const PageSize = 4096

// ErrOutOfMemory is returned by Allocate when no free frame exists. Callers
// propagate it upward; syscall handlers translate it to -ENOMEM.
var ErrOutOfMemory = errors.New("pmm: out of memory")

// ErrNotOwned is returned by Free/RefDec/RefInc when the frame was never
// handed out by this allocator.
var ErrNotOwned = errors.New("pmm: frame not owned by allocator")

// PhysFrame is a 4 KiB-aligned physical frame number (not a byte address).
// It is a flyweight: the allocator is the sole source of truth for which
// frames are live.
type PhysFrame uint64

// frameState tracks a single live frame's CoW refcount. The refcount itself
// is updated atomically; looking up the frameState takes the allocator's
// mutex.
type frameState struct {
	refs int32
}

// Allocator is a free-list-backed physical frame pool. The only ordering
// requirement on the policy (spec §4.1) is that it never returns a frame
// that is currently owned by any page table; a simple free list plus a map
// of live frames satisfies that trivially.
type Allocator struct {
	mtx    sync.Mutex
	free   []PhysFrame // LIFO free list, seeded at construction
	states map[PhysFrame]*frameState
	total  int
}

// New creates an allocator owning `count` frames, numbered 0..count-1.
func New(count int) *Allocator {
	a := &Allocator{
		free:   make([]PhysFrame, count),
		states: make(map[PhysFrame]*frameState, count),
		total:  count,
	}
	for i := 0; i < count; i++ {
		// Allocate pops from the tail, so low frame numbers are handed out
		// first; this is an arbitrary but fixed policy choice and
		// irrelevant to correctness.
		a.free[i] = PhysFrame(count - 1 - i)
	}
	return a
}

// Allocate returns a previously-free frame with refcount 1.
func (a *Allocator) Allocate() (PhysFrame, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if len(a.free) == 0 {
		return 0, ErrOutOfMemory
	}
	f := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.states[f] = &frameState{refs: 1}
	return f, nil
}

// Free releases f. Precondition: f is live and unshared (refcount 1), or the
// caller is the CoW path that just observed RefDec return 0.
func (a *Allocator) Free(f PhysFrame) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	st, ok := a.states[f]
	if !ok {
		return ErrNotOwned
	}
	delete(a.states, f)
	a.free = append(a.free, f)
	_ = st
	return nil
}

// RefInc increments f's CoW sharer count. Used when fork clones a present
// user mapping into the child as a read-only CoW alias.
func (a *Allocator) RefInc(f PhysFrame) (int32, error) {
	st := a.lookup(f)
	if st == nil {
		return 0, ErrNotOwned
	}
	return atomic.AddInt32(&st.refs, 1), nil
}

// RefDec decrements f's refcount and frees the frame if it reaches zero,
// returning the new count. The decrement itself is atomic; RefDec takes the
// allocator mutex briefly to look up f's state, and again for the Free on
// the zero-crossing, which only ever happens on the side that is
// decrementing.
func (a *Allocator) RefDec(f PhysFrame) (int32, error) {
	st := a.lookup(f)
	if st == nil {
		return 0, ErrNotOwned
	}
	n := atomic.AddInt32(&st.refs, -1)
	if n == 0 {
		if err := a.Free(f); err != nil {
			return n, err
		}
	}
	return n, nil
}

// RefCount reports f's current sharer count (1 = uniquely owned).
func (a *Allocator) RefCount(f PhysFrame) (int32, bool) {
	st := a.lookup(f)
	if st == nil {
		return 0, false
	}
	return atomic.LoadInt32(&st.refs), true
}

func (a *Allocator) lookup(f PhysFrame) *frameState {
	a.mtx.Lock()
	st := a.states[f]
	a.mtx.Unlock()
	return st
}

// Snapshot reports pool-wide accounting used by invariant tests (spec §8
// property 5: sum of frame refcounts equals the number of (address space,
// mapped page) pairs).
type Snapshot struct {
	Total     int
	Free      int
	Live      int
	RefcntSum int64
}

func (a *Allocator) Snapshot() Snapshot {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	s := Snapshot{Total: a.total, Free: len(a.free), Live: len(a.states)}
	for _, st := range a.states {
		s.RefcntSum += int64(atomic.LoadInt32(&st.refs))
	}
	return s
}
