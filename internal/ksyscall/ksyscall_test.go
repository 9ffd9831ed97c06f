package ksyscall

import (
	"testing"

	"github.com/ryanbreen/breenix-sub004/internal/trap"
)

func TestAsReturnValue(t *testing.T) {
	if v := AsReturnValue(42, 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	if v := AsReturnValue(0, ECHILD); v != -int64(ECHILD) {
		t.Fatalf("expected -ECHILD, got %d", v)
	}
}

func TestDispatchUnknownSyscallReturnsENOSYS(t *testing.T) {
	tbl := Table{}
	tf := &trap.TrapFrame{Rax: 0xffff}
	tbl.Dispatch(tf)
	if int64(tf.Rax) != -int64(ENOSYS) {
		t.Fatalf("expected -ENOSYS, got %d", int64(tf.Rax))
	}
}

func TestDispatchKnownSyscall(t *testing.T) {
	tbl := Table{
		SysGetpid: func(tf *trap.TrapFrame, args [6]uint64) int64 { return 7 },
	}
	tf := &trap.TrapFrame{Rax: uint64(SysGetpid)}
	tbl.Dispatch(tf)
	if int64(tf.Rax) != 7 {
		t.Fatalf("expected 7, got %d", int64(tf.Rax))
	}
}
