package pmm

import "testing"

func TestAllocateFreeRoundTrip(t *testing.T) {
	a := New(4)
	f1, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	f2, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if f1 == f2 {
		t.Fatalf("expected distinct frames, got %d twice", f1)
	}
	if n, ok := a.RefCount(f1); !ok || n != 1 {
		t.Fatalf("expected fresh frame refcount 1, got %d (%v)", n, ok)
	}
	if err := a.Free(f1); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, ok := a.RefCount(f1); ok {
		t.Fatalf("expected freed frame to have no tracked state")
	}
}

func TestOutOfMemory(t *testing.T) {
	a := New(1)
	if _, err := a.Allocate(); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := a.Allocate(); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
}

func TestRefCountingFreesAtZero(t *testing.T) {
	a := New(2)
	f, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if n, err := a.RefInc(f); err != nil || n != 2 {
		t.Fatalf("RefInc: %d, %v", n, err)
	}
	if n, err := a.RefDec(f); err != nil || n != 1 {
		t.Fatalf("RefDec: %d, %v", n, err)
	}
	if _, ok := a.RefCount(f); !ok {
		t.Fatalf("frame should still be live at refcount 1")
	}
	if n, err := a.RefDec(f); err != nil || n != 0 {
		t.Fatalf("RefDec to zero: %d, %v", n, err)
	}
	if _, ok := a.RefCount(f); ok {
		t.Fatalf("frame should be freed once refcount hits zero")
	}
	// the freed frame must be reusable
	if _, err := a.Allocate(); err != nil {
		t.Fatalf("Allocate after free: %v", err)
	}
}

func TestSnapshotAccounting(t *testing.T) {
	a := New(8)
	f1, _ := a.Allocate()
	f2, _ := a.Allocate()
	a.RefInc(f1)
	s := a.Snapshot()
	if s.Total != 8 || s.Free != 6 || s.Live != 2 {
		t.Fatalf("unexpected snapshot: %#v", s)
	}
	if s.RefcntSum != 3 { // f1=2, f2=1
		t.Fatalf("expected refcount sum 3, got %d", s.RefcntSum)
	}
	_ = f2
}
