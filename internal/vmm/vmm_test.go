package vmm

import (
	"testing"

	"github.com/ryanbreen/breenix-sub004/internal/pmm"
)

func newMem(n int) *Memory {
	return NewMemory(pmm.New(n))
}

func TestMapRejectsDoubleMap(t *testing.T) {
	mem := newMem(4)
	as, err := New(mem)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := as.MapNewPage(0x1000, FlagWritable); err != nil {
		t.Fatalf("MapNewPage: %v", err)
	}
	f, _ := mem.AllocPage()
	if err := as.Map(0x1000, f, FlagWritable); err != ErrAlreadyMapped {
		t.Fatalf("expected ErrAlreadyMapped, got %v", err)
	}
}

func TestKernelMappedInvariant(t *testing.T) {
	mem := newMem(4)
	as, err := New(mem)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !as.IsKernelMapped() {
		t.Fatalf("fresh address space must have the kernel range mapped")
	}
}

// TestCoWForkIndependentWrites is scenario S3 from spec §8: after fork,
// parent and child each write distinct values to the shared page at the
// same virtual address and read back independent values; the frame's
// refcount drops to 1 after the first write and is freed after the second.
func TestCoWForkIndependentWrites(t *testing.T) {
	mem := newMem(8)
	parent, err := New(mem)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	const va VirtAddr = 0x2000
	frame, err := parent.MapNewPage(va, FlagWritable)
	if err != nil {
		t.Fatalf("MapNewPage: %v", err)
	}
	if err := parent.WriteByte(va, 0xAA); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	child, err := parent.ForkCOW()
	if err != nil {
		t.Fatalf("ForkCOW: %v", err)
	}
	if n, _ := mem.Frames.RefCount(frame); n != 2 {
		t.Fatalf("expected refcount 2 after fork, got %d", n)
	}

	if err := parent.WriteByte(va, 1); err != nil {
		t.Fatalf("parent write: %v", err)
	}
	if n, ok := mem.Frames.RefCount(frame); !ok || n != 1 {
		t.Fatalf("expected original frame refcount 1 after first CoW write, got %d (%v)", n, ok)
	}

	if err := child.WriteByte(va, 2); err != nil {
		t.Fatalf("child write: %v", err)
	}
	if _, ok := mem.Frames.RefCount(frame); ok {
		t.Fatalf("expected original frame freed after second CoW write")
	}

	pv, err := parent.ReadByte(va)
	if err != nil || pv != 1 {
		t.Fatalf("parent readback: %d, %v", pv, err)
	}
	cv, err := child.ReadByte(va)
	if err != nil || cv != 2 {
		t.Fatalf("child readback: %d, %v", cv, err)
	}

	if err := parent.Validate(); err != nil {
		t.Fatalf("parent Validate: %v", err)
	}
	if err := child.Validate(); err != nil {
		t.Fatalf("child Validate: %v", err)
	}
}

func TestTeardownFreesFrames(t *testing.T) {
	mem := newMem(4)
	as, err := New(mem)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := as.MapNewPage(0x3000, FlagWritable); err != nil {
		t.Fatalf("MapNewPage: %v", err)
	}
	before := mem.Frames.Snapshot()
	if err := as.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	after := mem.Frames.Snapshot()
	if after.Live != 0 {
		t.Fatalf("expected no live frames after teardown, got %d", after.Live)
	}
	if after.Free != before.Free+2 { // the mapped page + the root frame
		t.Fatalf("expected 2 frames returned to the pool, free went %d -> %d", before.Free, after.Free)
	}
}

func TestWriteToReadOnlyNonCoWFails(t *testing.T) {
	mem := newMem(4)
	as, _ := New(mem)
	if _, err := as.MapNewPage(0x4000, 0); err != nil {
		t.Fatalf("MapNewPage: %v", err)
	}
	if err := as.WriteByte(0x4000, 1); err != ErrWriteProtected {
		t.Fatalf("expected ErrWriteProtected, got %v", err)
	}
}

func TestUnmappedAccessFaults(t *testing.T) {
	mem := newMem(4)
	as, _ := New(mem)
	if _, err := as.ReadByte(0x9000); err != ErrFault {
		t.Fatalf("expected ErrFault, got %v", err)
	}
}
