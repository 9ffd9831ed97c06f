/*************************************************************************
 * Breenix kernel — process/thread substrate
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 *************************************************************************/

package kernel

import (
	"testing"

	"github.com/ryanbreen/breenix-sub004/internal/kconfig"
	"github.com/ryanbreen/breenix-sub004/internal/klog"
	"github.com/ryanbreen/breenix-sub004/internal/ksignal"
	"github.com/ryanbreen/breenix-sub004/internal/ksyscall"
	"github.com/ryanbreen/breenix-sub004/internal/proc"
	"github.com/ryanbreen/breenix-sub004/internal/sched"
	"github.com/ryanbreen/breenix-sub004/internal/trap"
	"github.com/ryanbreen/breenix-sub004/internal/vmm"
)

// bootTestKernel boots a kernel with a small frame pool and attaches a
// thread for init, picking it as the scheduler's current thread — the
// state a real boot reaches once init's first instruction is about to
// retire.
func bootTestKernel(t *testing.T) (*Kernel, *sched.Thread) {
	t.Helper()
	cfg := kconfig.Default(nil)
	cfg.FrameCount = 4096
	k, err := Boot(cfg, klog.NewDiscardLogger())
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	return k, k.StartInit()
}

// syscallFrame builds a TrapFrame that issues syscall num with the given
// argument registers in Linux x86_64 order (rdi, rsi, rdx, r10, r8, r9).
func syscallFrame(num ksyscall.Number, argv ...uint64) trap.TrapFrame {
	var tf trap.TrapFrame
	tf.Rax = uint64(num)
	regs := []*uint64{&tf.Rdi, &tf.Rsi, &tf.Rdx, &tf.R10, &tf.R8, &tf.R9}
	for i, v := range argv {
		*regs[i] = v
	}
	return tf
}

// S1: fork, then wait — the parent blocks until the child exits and reaps
// its exit status.
func TestScenarioForkThenWait(t *testing.T) {
	k, parentThread := bootTestKernel(t)

	tf := syscallFrame(ksyscall.SysFork)
	k.HandleTrap(trap.KindSyscall, &tf)
	childPID := int64(tf.Rax)
	if childPID <= 1 {
		t.Fatalf("fork: expected child pid > 1, got %d", childPID)
	}
	if cur := k.Sched.Current(); cur.ID != parentThread.ID {
		t.Fatalf("expected init still current after fork, got thread %d", cur.ID)
	}

	// Parent calls wait4(-1, NULL, 0) with no terminated children yet: it
	// must block (spec §4.5 waitpid scan/block/rescan). Blocking switches
	// the scheduler's current thread to the child inside the handler
	// itself (sched.Block), so the frame ReturnToUser ends up loading into
	// waitTF afterward is the child's: the parent's -EINTR return is
	// overwritten, and the parent's own saved TF, captured before dispatch,
	// still holds the wait4 syscall number.
	waitTF := syscallFrame(ksyscall.SysWait4, ^uint64(0) /* -1 */, 0, 0)
	k.HandleTrap(trap.KindSyscall, &waitTF)
	if parentThread.State != sched.Blocked {
		t.Fatalf("expected parent thread blocked, got %s", parentThread.State)
	}
	child := k.Sched.Current()
	if child == nil || child.ProcessID != int(childPID) {
		t.Fatalf("expected the scheduler to have switched to the child thread")
	}

	// Exit the child with a distinctive status.
	exitTF := syscallFrame(ksyscall.SysExit, 42)
	k.HandleTrap(trap.KindSyscall, &exitTF)

	// The child's exit wakes the parent (SIGCHLD) and, since nothing else
	// was runnable, the scheduler falls straight back to it.
	resumed := k.Sched.Current()
	if resumed == nil || resumed.ID != parentThread.ID {
		t.Fatalf("expected the scheduler to resume the parent thread after the child terminated")
	}

	// The parent's saved TF still points at the wait4 instruction boundary
	// (spec §4.5: a blocked waiter re-enters wait4 from the top once
	// scheduled); resuming it now finds the child already a zombie.
	retryTF := parentThread.TF
	k.HandleTrap(trap.KindSyscall, &retryTF)
	if reaped := int64(int32(retryTF.Rax)); reaped != childPID {
		t.Fatalf("expected wait4 to reap pid %d, got %d", childPID, reaped)
	}
}

// S2: fork fifty children and verify every one lands in the process table
// and init's child list, exercising the process table and ready queue at a
// larger scale than a single fork.
func TestScenarioForkStress(t *testing.T) {
	k, parentThread := bootTestKernel(t)

	const n = 50
	children := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		tf := syscallFrame(ksyscall.SysFork)
		k.HandleTrap(trap.KindSyscall, &tf)
		pid := int64(tf.Rax)
		if pid <= 1 {
			t.Fatalf("fork %d: unexpected pid %d", i, pid)
		}
		children = append(children, pid)
		if cur := k.Sched.Current(); cur.ID != parentThread.ID {
			t.Fatalf("fork must not switch away from the parent")
		}
	}

	if got := len(k.Init.Children); got != n {
		t.Fatalf("expected %d children recorded on init, got %d", n, got)
	}
	for _, pid := range children {
		if _, ok := k.Procs.Get(int(pid)); !ok {
			t.Fatalf("child pid %d missing from process table", pid)
		}
	}
}

// S3: copy-on-write — after fork, a byte the parent and child both mapped
// at fork time diverges once the parent writes it.
func TestScenarioForkCopyOnWrite(t *testing.T) {
	k, _ := bootTestKernel(t)

	const addr uint64 = 0x20_0000
	if err := mapPage(k.Init.AS, addr, vmm.FlagWritable); err != nil {
		t.Fatalf("mapPage: %v", err)
	}
	if err := k.Init.AS.WriteByte(vmm.VirtAddr(addr), 'A'); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	tf := syscallFrame(ksyscall.SysFork)
	k.HandleTrap(trap.KindSyscall, &tf)
	childPID := int64(tf.Rax)
	child, ok := k.Procs.Get(int(childPID))
	if !ok {
		t.Fatalf("child process missing")
	}

	if err := k.Init.AS.WriteByte(vmm.VirtAddr(addr), 'B'); err != nil {
		t.Fatalf("parent post-fork write: %v", err)
	}
	parentByte, err := k.Init.AS.ReadByte(vmm.VirtAddr(addr))
	if err != nil || parentByte != 'B' {
		t.Fatalf("parent byte = %q, err=%v, want 'B'", parentByte, err)
	}
	childByte, err := child.AS.ReadByte(vmm.VirtAddr(addr))
	if err != nil || childByte != 'A' {
		t.Fatalf("child byte = %q, err=%v, want 'A' (CoW must isolate the write)", childByte, err)
	}
}

// S4: wait4 on a pid with no children at all returns ECHILD immediately,
// never blocking.
func TestScenarioWaitNoChildrenIsECHILD(t *testing.T) {
	k, _ := bootTestKernel(t)
	tf := syscallFrame(ksyscall.SysWait4, ^uint64(0), 0, 0)
	k.HandleTrap(trap.KindSyscall, &tf)
	if got := int64(int32(tf.Rax)); got != -int64(ksyscall.ECHILD) {
		t.Fatalf("expected -ECHILD, got %d", got)
	}
}

// S5: a SIGTERM delivered to a process with no handler installed runs the
// default action (terminate) the next time that process's thread returns
// to user mode.
func TestScenarioDefaultSignalTerminates(t *testing.T) {
	k, parentThread := bootTestKernel(t)

	tf := syscallFrame(ksyscall.SysFork)
	k.HandleTrap(trap.KindSyscall, &tf)
	childPID := int(int64(tf.Rax))
	child, _ := k.Procs.Get(childPID)

	childThread := k.Sched.PickNext()
	if childThread.ProcessID != childPID {
		t.Fatalf("expected child thread current")
	}

	// The child's own next trap (e.g. a getpid it was about to make) is
	// where the pending SIGTERM actually takes effect, via ReturnToUser's
	// signal check.
	childThread.TF = syscallFrame(ksyscall.SysGetpid)
	child.Pending.Add(ksignal.SIGTERM)
	getpidTF := childThread.TF
	k.HandleTrap(trap.KindSyscall, &getpidTF)

	if child.State != proc.Terminated {
		t.Fatalf("expected child terminated by default SIGTERM action, state=%v", child.State)
	}
	if got, want := k.Sched.Current().ID, parentThread.ID; got != want {
		t.Fatalf("expected scheduler to fall back to the parent thread, got thread %d", got)
	}
}

// S6: a process that installs a handler for SIGUSR1 gets its TrapFrame
// redirected to the handler on its next return to user mode.
func TestScenarioHandledSignalBuildsDeliveryFrame(t *testing.T) {
	k, _ := bootTestKernel(t)

	tf := syscallFrame(ksyscall.SysFork)
	k.HandleTrap(trap.KindSyscall, &tf)
	childPID := int(int64(tf.Rax))
	child, _ := k.Procs.Get(childPID)

	childThread := k.Sched.PickNext()
	if childThread.ProcessID != childPID {
		t.Fatalf("expected child current")
	}

	const handlerAddr uint64 = 0x40_1000
	const sigactionBuf uint64 = 0x30_0000
	for addr := sigactionBuf; addr < sigactionBuf+8; addr++ {
		if err := mapPage(child.AS, addr, vmm.FlagWritable); err != nil {
			t.Fatalf("mapPage sigaction buf byte %#x: %v", addr, err)
		}
	}
	if err := writeUint64(child.AS, sigactionBuf, handlerAddr); err != nil {
		t.Fatalf("write handler addr: %v", err)
	}
	actionTF := syscallFrame(ksyscall.SysRtSigaction, uint64(ksignal.SIGUSR1), sigactionBuf)
	k.HandleTrap(trap.KindSyscall, &actionTF)
	if ret := int64(int32(actionTF.Rax)); ret != 0 {
		t.Fatalf("rt_sigaction failed: %d", ret)
	}

	// The saved-frame and trampoline-return-address writes land just below
	// the stack top; map that range byte-by-byte per the address space's
	// exact-address mapping model (see mapPage).
	for addr := uint64(userStackTop - 512); addr < userStackTop; addr++ {
		if err := mapPage(child.AS, addr, vmm.FlagWritable); err != nil {
			t.Fatalf("mapPage stack byte %#x: %v", addr, err)
		}
	}

	childThread.TF = syscallFrame(ksyscall.SysGetpid)
	childThread.TF.Rsp = userStackTop
	child.Pending.Add(ksignal.SIGUSR1)

	nextTF := childThread.TF
	k.HandleTrap(trap.KindSyscall, &nextTF)

	if nextTF.Rip != handlerAddr {
		t.Fatalf("expected Rip redirected to handler, got %#x", nextTF.Rip)
	}
	if nextTF.Rdi != uint64(ksignal.SIGUSR1) {
		t.Fatalf("expected Rdi = signal number, got %d", nextTF.Rdi)
	}
}
