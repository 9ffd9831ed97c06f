/*************************************************************************
 * Breenix kernel — process/thread substrate
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 *************************************************************************/

// Package vmm is the address-space manager: per-process page tables, user
// mappings, and copy-on-write fork/fault handling (spec §4.2).
package vmm

import (
	"errors"
	"sync"

	"github.com/ryanbreen/breenix-sub004/internal/pmm"
)

// VirtAddr is a virtual address. Mappings are keyed by the exact address
// passed to Map; no rounding to a page boundary is applied.
type VirtAddr uint64

// Flags encodes the permission and sharing bits of one user mapping.
type Flags uint8

const (
	FlagWritable Flags = 1 << iota
	FlagExecutable
	FlagUser // must be set on every user mapping (spec §4.2)
	FlagCoW  // present + read-only in every sharer; frame refcount >= 2
)

var (
	ErrAlreadyMapped  = errors.New("vmm: page already mapped")
	ErrNotMapped      = errors.New("vmm: page not mapped")
	ErrFault          = errors.New("vmm: fault (EFAULT)")
	ErrNotCoW         = errors.New("vmm: page is not copy-on-write")
	ErrWriteProtected = errors.New("vmm: write to read-only page")
)

type pte struct {
	frame pmm.PhysFrame
	flags Flags
}

// Memory is the simulated physical RAM backing every frame the allocator
// hands out: the frame allocator (pmm.Allocator) tracks ownership and CoW
// refcounts, Memory tracks byte contents keyed by frame, so that CoW
// fork/write scenarios (spec §8 S3) are independently observable per
// address space.
type Memory struct {
	Frames *pmm.Allocator
	mtx    sync.RWMutex
	pages  map[pmm.PhysFrame][]byte
}

func NewMemory(frames *pmm.Allocator) *Memory {
	return &Memory{Frames: frames, pages: make(map[pmm.PhysFrame][]byte)}
}

// AllocPage allocates a fresh, zeroed physical frame.
func (m *Memory) AllocPage() (pmm.PhysFrame, error) {
	f, err := m.Frames.Allocate()
	if err != nil {
		return 0, err
	}
	m.mtx.Lock()
	m.pages[f] = make([]byte, pmm.PageSize)
	m.mtx.Unlock()
	return f, nil
}

func (m *Memory) readByte(f pmm.PhysFrame, off int) byte {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.pages[f][off]
}

func (m *Memory) writeByte(f pmm.PhysFrame, off int, v byte) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	m.pages[f][off] = v
}

func (m *Memory) copyPage(src, dst pmm.PhysFrame) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	copy(m.pages[dst], m.pages[src])
}

func (m *Memory) freePageContent(f pmm.PhysFrame) {
	m.mtx.Lock()
	delete(m.pages, f)
	m.mtx.Unlock()
}

// AddressSpace is a full virtual address space: a root page-table frame plus
// the user-space mapping set. The kernel's upper-half mappings (and the low
// entries backing the kernel stack pool and kernel text — spec §4.2) are, in
// this simulation, a property every AddressSpace has by construction rather
// than a literal copied page-table walk; IsKernelMapped reports it so the
// gate's return-path invariant (spec §8 property 7) has something to check.
type AddressSpace struct {
	mem  *Memory
	mtx  sync.Mutex
	root pmm.PhysFrame

	mappings map[VirtAddr]pte

	// kernelMapped is true from construction onward for every AddressSpace;
	// New() is the single place that would deep-copy the kernel's top-level
	// entries in a real page-table implementation.
	kernelMapped bool
}

// New constructs a fresh address space with the kernel mappings installed
// (spec §4.2 "Construction").
func New(mem *Memory) (*AddressSpace, error) {
	root, err := mem.Frames.Allocate()
	if err != nil {
		return nil, err
	}
	return &AddressSpace{
		mem:          mem,
		root:         root,
		mappings:     make(map[VirtAddr]pte),
		kernelMapped: true,
	}, nil
}

// IsKernelMapped reports whether the kernel text/stack range is present in
// this address space. It is always true post-construction; a page table
// that somehow lost this invariant would be the historical "instantaneous
// hang with no diagnostic" bug described in §4.2.
func (as *AddressSpace) IsKernelMapped() bool {
	as.mtx.Lock()
	defer as.mtx.Unlock()
	return as.kernelMapped
}

// RootFrame is the page-table root frame written to CR3 at the gate's
// return-to-user edge (spec §4.4 step 3).
func (as *AddressSpace) RootFrame() pmm.PhysFrame {
	as.mtx.Lock()
	defer as.mtx.Unlock()
	return as.root
}

// Map installs a present user mapping. It is intentionally strict about
// aliasing: fork's CoW setup never silently overwrites an existing entry
// (spec §4.2 "Mapping").
func (as *AddressSpace) Map(v VirtAddr, f pmm.PhysFrame, flags Flags) error {
	as.mtx.Lock()
	defer as.mtx.Unlock()
	if _, ok := as.mappings[v]; ok {
		return ErrAlreadyMapped
	}
	as.mappings[v] = pte{frame: f, flags: flags | FlagUser}
	return nil
}

// MapNewPage allocates a fresh page and maps it at v.
func (as *AddressSpace) MapNewPage(v VirtAddr, flags Flags) (pmm.PhysFrame, error) {
	f, err := as.mem.AllocPage()
	if err != nil {
		return 0, err
	}
	if err := as.Map(v, f, flags); err != nil {
		as.mem.Frames.Free(f)
		return 0, err
	}
	return f, nil
}

// Unmap removes the mapping at v and drops the allocator's refcount on its
// frame, freeing the frame if no sharer remains.
func (as *AddressSpace) Unmap(v VirtAddr) (pmm.PhysFrame, error) {
	as.mtx.Lock()
	e, ok := as.mappings[v]
	if !ok {
		as.mtx.Unlock()
		return 0, ErrNotMapped
	}
	delete(as.mappings, v)
	as.mtx.Unlock()

	if _, err := as.mem.Frames.RefDec(e.frame); err != nil {
		return e.frame, err
	}
	return e.frame, nil
}

// Protect changes the flags on an existing mapping (e.g. clearing Writable
// when establishing a CoW share).
func (as *AddressSpace) Protect(v VirtAddr, flags Flags) error {
	as.mtx.Lock()
	defer as.mtx.Unlock()
	e, ok := as.mappings[v]
	if !ok {
		return ErrNotMapped
	}
	e.flags = flags | FlagUser
	as.mappings[v] = e
	return nil
}

// Lookup reports the mapping at v, if any.
func (as *AddressSpace) Lookup(v VirtAddr) (frame pmm.PhysFrame, flags Flags, ok bool) {
	as.mtx.Lock()
	defer as.mtx.Unlock()
	e, present := as.mappings[v]
	return e.frame, e.flags, present
}

// UserMappings returns a snapshot copy of every present virtual page. Used
// by Teardown to release every owned frame without holding the address
// space's lock across each individual Unmap call.
func (as *AddressSpace) UserMappings() map[VirtAddr]struct {
	Frame pmm.PhysFrame
	Flags Flags
} {
	as.mtx.Lock()
	defer as.mtx.Unlock()
	out := make(map[VirtAddr]struct {
		Frame pmm.PhysFrame
		Flags Flags
	}, len(as.mappings))
	for v, e := range as.mappings {
		out[v] = struct {
			Frame pmm.PhysFrame
			Flags Flags
		}{e.frame, e.flags}
	}
	return out
}

// ForkCOW builds a child address space sharing every present parent mapping
// as copy-on-write (spec §4.2 "CoW fork support"). The parent's own entries
// are flipped read-only+CoW in place, matching "mark the parent's entry
// read-only" in the spec.
func (as *AddressSpace) ForkCOW() (*AddressSpace, error) {
	child, err := New(as.mem)
	if err != nil {
		return nil, err
	}

	as.mtx.Lock()
	defer as.mtx.Unlock()
	for v, e := range as.mappings {
		if _, err := as.mem.Frames.RefInc(e.frame); err != nil {
			return nil, err
		}
		cowFlags := (e.flags &^ FlagWritable) | FlagCoW
		as.mappings[v] = pte{frame: e.frame, flags: cowFlags}
		child.mappings[v] = pte{frame: e.frame, flags: cowFlags}
	}
	return child, nil
}

// HandleCOWFault resolves a write fault on a CoW page: allocate a new
// frame, copy the old page's contents, install it writable in the faulting
// address space, and drop the old frame's refcount (spec §4.2).
func (as *AddressSpace) HandleCOWFault(v VirtAddr) error {
	as.mtx.Lock()
	e, ok := as.mappings[v]
	if !ok {
		as.mtx.Unlock()
		return ErrFault
	}
	if e.flags&FlagCoW == 0 {
		as.mtx.Unlock()
		return ErrNotCoW
	}
	as.mtx.Unlock()

	newFrame, err := as.mem.AllocPage()
	if err != nil {
		return err
	}
	as.mem.copyPage(e.frame, newFrame)

	as.mtx.Lock()
	as.mappings[v] = pte{frame: newFrame, flags: (e.flags | FlagWritable) &^ FlagCoW}
	as.mtx.Unlock()

	_, err = as.mem.Frames.RefDec(e.frame)
	return err
}

// ReadByte reads one byte at v, honoring the Present/User invariants.
func (as *AddressSpace) ReadByte(v VirtAddr) (byte, error) {
	as.mtx.Lock()
	e, ok := as.mappings[v]
	as.mtx.Unlock()
	if !ok {
		return 0, ErrFault
	}
	return as.mem.readByte(e.frame, int(v%pmm.PageSize)), nil
}

// WriteByte writes one byte at v. A write to a CoW page transparently
// resolves the fault and retries, matching the page-fault-then-resume
// semantics of spec §4.2/§7.
func (as *AddressSpace) WriteByte(v VirtAddr, b byte) error {
	as.mtx.Lock()
	e, ok := as.mappings[v]
	as.mtx.Unlock()
	if !ok {
		return ErrFault
	}
	if e.flags&FlagWritable == 0 {
		if e.flags&FlagCoW == 0 {
			return ErrWriteProtected
		}
		if err := as.HandleCOWFault(v); err != nil {
			return err
		}
		as.mtx.Lock()
		e = as.mappings[v]
		as.mtx.Unlock()
	}
	as.mem.writeByte(e.frame, int(v%pmm.PageSize), b)
	return nil
}

// Teardown frees every uniquely-owned frame and the root frame itself (spec
// §4.2 "Teardown"), called when the last owning process exits.
func (as *AddressSpace) Teardown() error {
	for v := range as.UserMappings() {
		if _, err := as.Unmap(v); err != nil {
			return err
		}
	}
	return as.mem.Frames.Free(as.root)
}

// Validate checks spec §8 property 1 for this address space: every present
// mapping either uniquely owns its frame (refcount 1) or is a read-only CoW
// share (refcount >= 2, not writable).
func (as *AddressSpace) Validate() error {
	as.mtx.Lock()
	defer as.mtx.Unlock()
	for v, e := range as.mappings {
		n, ok := as.mem.Frames.RefCount(e.frame)
		if !ok {
			return errors.New("vmm: mapping references a freed frame")
		}
		if e.flags&FlagCoW != 0 {
			if e.flags&FlagWritable != 0 {
				return errors.New("vmm: CoW page marked writable")
			}
			if n < 2 {
				return errors.New("vmm: CoW page refcount below 2")
			}
		} else if n != 1 {
			return errors.New("vmm: uniquely-owned page has refcount != 1")
		}
		_ = v
	}
	return nil
}
