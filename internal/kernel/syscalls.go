/*************************************************************************
 * Breenix kernel — process/thread substrate
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 *************************************************************************/

package kernel

import (
	"os"
	"time"

	"github.com/ryanbreen/breenix-sub004/internal/ipc"
	"github.com/ryanbreen/breenix-sub004/internal/ksignal"
	"github.com/ryanbreen/breenix-sub004/internal/ksyscall"
	"github.com/ryanbreen/breenix-sub004/internal/pmm"
	"github.com/ryanbreen/breenix-sub004/internal/proc"
	"github.com/ryanbreen/breenix-sub004/internal/sched"
	"github.com/ryanbreen/breenix-sub004/internal/trap"
	"github.com/ryanbreen/breenix-sub004/internal/vmm"
)

// buildSyscallTable wires every syscall number Breenix implements (spec §6
// "Syscall surface") to its handler. Unregistered numbers fall through
// ksyscall.Table.Dispatch's default -ENOSYS path.
func (k *Kernel) buildSyscallTable() ksyscall.Table {
	return ksyscall.Table{
		ksyscall.SysFork:          k.sysFork,
		ksyscall.SysExecve:        k.sysExecve,
		ksyscall.SysExit:          k.sysExit,
		ksyscall.SysExitGroup:     k.sysExit,
		ksyscall.SysWait4:         k.sysWait4,
		ksyscall.SysGetpid:        k.sysGetpid,
		ksyscall.SysGetppid:       k.sysGetppid,
		ksyscall.SysKill:          k.sysKill,
		ksyscall.SysSetpgid:       k.sysSetpgid,
		ksyscall.SysGetpgid:       k.sysGetpgid,
		ksyscall.SysSetsid:        k.sysSetsid,
		ksyscall.SysGetsid:        k.sysGetsid,
		ksyscall.SysRtSigaction:   k.sysRtSigaction,
		ksyscall.SysRtSigprocmask: k.sysRtSigprocmask,
		ksyscall.SysRtSigreturn:   k.sysRtSigreturn,
		ksyscall.SysPause:         k.sysPause,
		ksyscall.SysPipe:          k.sysPipe,
		ksyscall.SysPipe2:         k.sysPipe,
		ksyscall.SysDup:           k.sysDup,
		ksyscall.SysDup2:          k.sysDup2,
		ksyscall.SysClose:         k.sysClose,
		ksyscall.SysRead:          k.sysRead,
		ksyscall.SysWrite:         k.sysWrite,
		ksyscall.SysIsatty:        k.sysIsatty,
		ksyscall.SysIoctl:         k.sysIoctl,
		ksyscall.SysNanosleep:     k.sysNanosleep,
		ksyscall.SysSetitimer:     k.sysSetitimer,
		ksyscall.SysMprotect:      k.sysMprotect,
	}
}

func ret(v int64, e ksyscall.Errno) int64 { return ksyscall.AsReturnValue(v, e) }

// sysFork implements spec §4.5's fork: CoW-clone the address space, clone
// the fd table and signal state, install a fresh child thread, then copy
// the parent's TrapFrame into it with the accumulator zeroed.
func (k *Kernel) sysFork(tf *trap.TrapFrame, args [6]uint64) int64 {
	parent, _, err := k.currentProcess()
	if err != nil {
		return ret(0, ksyscall.ESRCH)
	}
	child, childThread, err := k.Procs.Fork(parent, k.Sched)
	if err != nil {
		return ret(0, ksyscall.ENOMEM)
	}
	childThread.TF = tf.Clone()
	childThread.TF.SetReturnValue(0)
	k.Log.Debug("fork", klogPID(parent.PID), klogChild(child.PID))
	return ret(int64(child.PID), 0)
}

// sysExecve implements spec §4.5's exec: load the named program, install a
// fresh address space with its segments plus an argv/envp-populated user
// stack, and overwrite the calling thread's TrapFrame so the return from
// this syscall lands at the new image's entry point.
func (k *Kernel) sysExecve(tf *trap.TrapFrame, args [6]uint64) int64 {
	p, th, err := k.currentProcess()
	if err != nil {
		return ret(0, ksyscall.ESRCH)
	}
	if k.Programs == nil {
		return ret(0, ksyscall.ENOENT)
	}
	path, err := readCString(p.AS, args[0])
	if err != nil {
		return ret(0, ksyscall.EFAULT)
	}
	argv, err := readStringVector(p.AS, args[1])
	if err != nil {
		return ret(0, ksyscall.EFAULT)
	}
	envp, err := readStringVector(p.AS, args[2])
	if err != nil {
		return ret(0, ksyscall.EFAULT)
	}

	img, err := k.Programs.Load(path)
	if err != nil {
		return ret(0, ksyscall.ENOENT)
	}

	var entry, stackTop uint64
	execErr := k.Procs.Exec(p, k.Mem, func(as *vmm.AddressSpace) error {
		for _, seg := range img.Segments {
			flags := vmm.FlagUser
			if seg.Writable {
				flags |= vmm.FlagWritable
			}
			if seg.Executable {
				flags |= vmm.FlagExecutable
			}
			base := seg.VirtAddr
			for off := uint64(0); off < seg.MemSize; off++ {
				if err := mapPage(as, base+off, flags); err != nil {
					return err
				}
			}
			for i, b := range seg.Data {
				if err := as.WriteByte(vmm.VirtAddr(base+uint64(i)), b); err != nil {
					return err
				}
			}
		}
		entry = img.Entry
		var err error
		stackTop, err = buildInitialStack(as, argv, envp)
		return err
	})
	if execErr != nil {
		return ret(0, ksyscall.ENOMEM)
	}

	th.TF = trap.TrapFrame{Rip: entry, Rsp: stackTop, Rflags: 0x202}
	// spec §4.3: exec replaces the image, so the thread's very first
	// instruction at the new entry point gets the same preempt-free grace
	// tick a freshly-forked thread gets.
	th.FirstRun = false
	*tf = th.TF
	return ret(0, 0)
}

// sysExit implements spec §4.5's exit: mark Terminated, reparent children
// to init, release the address space, close fds, signal SIGCHLD, and wake
// any waiter. exit never returns to its caller — the thread that called it
// is terminated by the scheduler.
func (k *Kernel) sysExit(tf *trap.TrapFrame, args [6]uint64) int64 {
	p, th, err := k.currentProcess()
	if err != nil {
		return ret(0, ksyscall.ESRCH)
	}
	status := int(args[0])
	k.terminateProcess(p, status)
	_ = th
	k.Log.Debug("exit", klogPID(p.PID))
	return 0
}

// sysWait4 implements spec §4.5's waitpid scan/block/rescan state machine.
// When nothing reapable exists yet and WNOHANG is not set, the calling
// thread blocks via the scheduler exactly as the other suspension points
// in spec §4.3 do.
func (k *Kernel) sysWait4(tf *trap.TrapFrame, args [6]uint64) int64 {
	parent, th, err := k.currentProcess()
	if err != nil {
		return ret(0, ksyscall.ESRCH)
	}
	target := int(int32(args[0]))
	statusAddr := args[1]
	options := int(args[2])

	for {
		pid, status, hang, err := k.Procs.Waitpid(parent, target, options)
		if err == proc.ErrNoChildren {
			return ret(0, ksyscall.ECHILD)
		}
		if err != nil {
			return ret(0, ksyscall.EINVAL)
		}
		if !hang {
			if pid != 0 && statusAddr != 0 {
				_ = writeUint32(parent.AS, statusAddr, uint32(status))
			}
			return ret(int64(pid), 0)
		}
		th.TF = *tf
		k.Sched.Block(th, sched.BlockReason{Kind: sched.BlockWaitChild, MatchPid: target})
		// In the full gate loop control returns to ReturnToUser, which
		// switches to the next runnable thread; a blocked thread resumes
		// this loop, post-switch, from its saved TrapFrame the next time
		// it is scheduled, re-entering sysWait4 from the top since the
		// TrapFrame's Rip still points at the wait4 instruction boundary.
		return ret(0, ksyscall.EINTR)
	}
}

func (k *Kernel) sysGetpid(tf *trap.TrapFrame, args [6]uint64) int64 {
	p, _, err := k.currentProcess()
	if err != nil {
		return ret(0, ksyscall.ESRCH)
	}
	return ret(int64(p.PID), 0)
}

func (k *Kernel) sysGetppid(tf *trap.TrapFrame, args [6]uint64) int64 {
	p, _, err := k.currentProcess()
	if err != nil {
		return ret(0, ksyscall.ESRCH)
	}
	return ret(int64(p.PPID), 0)
}

// sysKill implements kill(2): sig 0 is the existence probe POSIX defines
// (no signal actually queued), matching the widely relied-upon idiom of
// using kill(pid, 0) to test whether pid exists.
func (k *Kernel) sysKill(tf *trap.TrapFrame, args [6]uint64) int64 {
	pid := int(int32(args[0]))
	sig := ksignal.Signal(args[1])
	target, ok := k.Procs.Get(pid)
	if !ok {
		return ret(0, ksyscall.ESRCH)
	}
	if sig == 0 {
		return ret(0, 0)
	}
	target.Pending.Add(sig)
	k.Sched.WakeMatching(func(t *sched.Thread) bool { return t.ProcessID == pid })
	return ret(0, 0)
}

func (k *Kernel) sysSetpgid(tf *trap.TrapFrame, args [6]uint64) int64 {
	pid, pgid := int(int32(args[0])), int(int32(args[1]))
	if pid == 0 {
		if p, _, err := k.currentProcess(); err == nil {
			pid = p.PID
		}
	}
	if err := k.Procs.Setpgid(pid, pgid); err != nil {
		return ret(0, ksyscall.ESRCH)
	}
	return ret(0, 0)
}

func (k *Kernel) sysGetpgid(tf *trap.TrapFrame, args [6]uint64) int64 {
	pid := int(int32(args[0]))
	if pid == 0 {
		if p, _, err := k.currentProcess(); err == nil {
			pid = p.PID
		}
	}
	pgid, err := k.Procs.Getpgid(pid)
	if err != nil {
		return ret(0, ksyscall.ESRCH)
	}
	return ret(int64(pgid), 0)
}

func (k *Kernel) sysSetsid(tf *trap.TrapFrame, args [6]uint64) int64 {
	p, _, err := k.currentProcess()
	if err != nil {
		return ret(0, ksyscall.ESRCH)
	}
	if pgid, _ := k.Procs.Getpgid(p.PID); pgid == p.PID {
		return ret(0, ksyscall.EPERM)
	}
	return ret(int64(k.Procs.Setsid(p)), 0)
}

func (k *Kernel) sysGetsid(tf *trap.TrapFrame, args [6]uint64) int64 {
	pid := int(int32(args[0]))
	if pid == 0 {
		if p, _, err := k.currentProcess(); err == nil {
			pid = p.PID
		}
	}
	sid, err := k.Procs.Getsid(pid)
	if err != nil {
		return ret(0, ksyscall.ESRCH)
	}
	return ret(int64(sid), 0)
}

// sysRtSigaction installs act for signum, reading only the handler address
// out of the user-supplied sigaction struct's first field; its flags and
// mask fields are not read.
func (k *Kernel) sysRtSigaction(tf *trap.TrapFrame, args [6]uint64) int64 {
	p, _, err := k.currentProcess()
	if err != nil {
		return ret(0, ksyscall.ESRCH)
	}
	sig := ksignal.Signal(args[0])
	actAddr := args[1]
	if actAddr == 0 {
		return ret(0, 0)
	}
	handler, err := readUint64At(p.AS, actAddr)
	if err != nil {
		return ret(0, ksyscall.EFAULT)
	}
	disp := ksignal.DispositionHandler
	if handler == 0 {
		disp = ksignal.DispositionDefault
	} else if handler == 1 {
		disp = ksignal.DispositionIgnore
	}
	if err := p.Signals.SetAction(sig, ksignal.Action{Disposition: disp, Handler: handler}); err != nil {
		return ret(0, ksyscall.EINVAL)
	}
	return ret(0, 0)
}

// sysRtSigprocmask implements how=SIG_BLOCK(0)/SIG_UNBLOCK(1)/SIG_SETMASK(2)
// against the process-wide mask.
func (k *Kernel) sysRtSigprocmask(tf *trap.TrapFrame, args [6]uint64) int64 {
	p, _, err := k.currentProcess()
	if err != nil {
		return ret(0, ksyscall.ESRCH)
	}
	how := args[0]
	setAddr := args[1]
	if setAddr == 0 {
		return ret(0, 0)
	}
	newMask, err := readUint64At(p.AS, setAddr)
	if err != nil {
		return ret(0, ksyscall.EFAULT)
	}
	switch how {
	case 0: // SIG_BLOCK
		p.Signals.SetMask(p.Signals.Mask | newMask)
	case 1: // SIG_UNBLOCK
		p.Signals.SetMask(p.Signals.Mask &^ newMask)
	case 2: // SIG_SETMASK
		p.Signals.SetMask(newMask)
	default:
		return ret(0, ksyscall.EINVAL)
	}
	return ret(0, 0)
}

// sysRtSigreturn restores the TrapFrame the trampoline's caller saved
// before the handler ran, resuming the interrupted computation exactly
// where it left off (spec §4.6 "sigreturn restores the saved TrapFrame").
// The saved frame address travels in Rdi by kernel convention (the
// trampoline places it there before issuing the syscall).
func (k *Kernel) sysRtSigreturn(tf *trap.TrapFrame, args [6]uint64) int64 {
	p, th, err := k.currentProcess()
	if err != nil {
		return ret(0, ksyscall.ESRCH)
	}
	saved, err := readTrapFrame(p.AS, tf.Rdi)
	if err != nil {
		return ret(0, ksyscall.EFAULT)
	}
	restored := ksignal.Sigreturn(saved)
	*tf = restored
	th.TF = restored
	return int64(tf.Rax)
}

// sysPause blocks the calling thread until a signal arrives (spec §4.3
// "pause" suspension point); queueing a signal for its process (sysKill,
// or expireTimers for SIGALRM) is what wakes it.
func (k *Kernel) sysPause(tf *trap.TrapFrame, args [6]uint64) int64 {
	_, th, err := k.currentProcess()
	if err != nil {
		return ret(0, ksyscall.ESRCH)
	}
	th.TF = *tf
	k.Sched.Block(th, sched.BlockReason{Kind: sched.BlockSignal})
	return ret(0, ksyscall.EINTR)
}

// sysPipe creates an anonymous pipe (spec §4.5 extended fd surface) backed
// by internal/ipc, installing its two ends at the next two fd numbers the
// table hands out (closed numbers are not reused) and writing them to the
// two-int array at args[0].
func (k *Kernel) sysPipe(tf *trap.TrapFrame, args [6]uint64) int64 {
	p, _, err := k.currentProcess()
	if err != nil {
		return ret(0, ksyscall.ESRCH)
	}
	pipe := ipc.NewPipe(ipc.DefaultCapacity)
	rfd := p.InstallFD(&proc.FileDescriptor{Kind: proc.FDPipeRead, Pipe: pipeEndpoint(pipe, false)})
	wfd := p.InstallFD(&proc.FileDescriptor{Kind: proc.FDPipeWrite, Pipe: pipeEndpoint(pipe, true)})
	if err := writeUint32(p.AS, args[0], uint32(rfd)); err != nil {
		return ret(0, ksyscall.EFAULT)
	}
	if err := writeUint32(p.AS, args[0]+4, uint32(wfd)); err != nil {
		return ret(0, ksyscall.EFAULT)
	}
	return ret(0, 0)
}

func (k *Kernel) sysDup(tf *trap.TrapFrame, args [6]uint64) int64 {
	p, _, err := k.currentProcess()
	if err != nil {
		return ret(0, ksyscall.ESRCH)
	}
	n, ok := p.DupFD(int(args[0]), -1)
	if !ok {
		return ret(0, ksyscall.EBADF)
	}
	return ret(int64(n), 0)
}

func (k *Kernel) sysDup2(tf *trap.TrapFrame, args [6]uint64) int64 {
	p, _, err := k.currentProcess()
	if err != nil {
		return ret(0, ksyscall.ESRCH)
	}
	n, ok := p.DupFD(int(args[0]), int(args[1]))
	if !ok {
		return ret(0, ksyscall.EBADF)
	}
	return ret(int64(n), 0)
}

func (k *Kernel) sysClose(tf *trap.TrapFrame, args [6]uint64) int64 {
	p, _, err := k.currentProcess()
	if err != nil {
		return ret(0, ksyscall.ESRCH)
	}
	if !p.CloseFD(int(args[0])) {
		return ret(0, ksyscall.EBADF)
	}
	return ret(0, 0)
}

// sysRead/sysWrite service fd 0-2 (the console, via os.Stdin/os.Stdout) and
// pipe fds (via internal/ipc); every other kind is EBADF.
func (k *Kernel) sysRead(tf *trap.TrapFrame, args [6]uint64) int64 {
	p, th, err := k.currentProcess()
	if err != nil {
		return ret(0, ksyscall.ESRCH)
	}
	fdNum, addr, n := int(args[0]), args[1], args[2]
	fd, ok := p.GetFD(fdNum)
	if !ok {
		return ret(0, ksyscall.EBADF)
	}
	buf := make([]byte, n)
	var got int
	switch fd.Kind {
	case proc.FDConsole:
		got, _ = os.Stdin.Read(buf)
	case proc.FDPipeRead:
		pe, ok := fd.Pipe.(ipc.Endpoint)
		if !ok {
			return ret(0, ksyscall.EBADF)
		}
		if !pe.Pipe.CanRead() {
			th.TF = *tf
			k.Sched.Block(th, sched.BlockReason{Kind: sched.BlockReadFd, Fd: fdNum})
			return ret(0, ksyscall.EINTR)
		}
		got, _ = pe.Pipe.Read(buf)
	default:
		return ret(0, ksyscall.EBADF)
	}
	for i := 0; i < got; i++ {
		if err := p.AS.WriteByte(vmm.VirtAddr(addr+uint64(i)), buf[i]); err != nil {
			return ret(0, ksyscall.EFAULT)
		}
	}
	return ret(int64(got), 0)
}

func (k *Kernel) sysWrite(tf *trap.TrapFrame, args [6]uint64) int64 {
	p, th, err := k.currentProcess()
	if err != nil {
		return ret(0, ksyscall.ESRCH)
	}
	fdNum, addr, n := int(args[0]), args[1], args[2]
	fd, ok := p.GetFD(fdNum)
	if !ok {
		return ret(0, ksyscall.EBADF)
	}
	buf := make([]byte, n)
	for i := range buf {
		c, err := p.AS.ReadByte(vmm.VirtAddr(addr + uint64(i)))
		if err != nil {
			return ret(0, ksyscall.EFAULT)
		}
		buf[i] = c
	}
	switch fd.Kind {
	case proc.FDConsole:
		if fdNum == 2 {
			os.Stderr.Write(buf)
		} else {
			os.Stdout.Write(buf)
		}
		return ret(int64(len(buf)), 0)
	case proc.FDPipeWrite:
		pe, ok := fd.Pipe.(ipc.Endpoint)
		if !ok {
			return ret(0, ksyscall.EBADF)
		}
		if !pe.Pipe.CanWrite() {
			th.TF = *tf
			k.Sched.Block(th, sched.BlockReason{Kind: sched.BlockWriteFd, Fd: fdNum})
			return ret(0, ksyscall.EINTR)
		}
		written, werr := pe.Pipe.Write(buf)
		if werr != nil {
			return ret(0, ksyscall.EPIPE)
		}
		k.Sched.WakeMatching(func(t *sched.Thread) bool {
			return t.Reason.Kind == sched.BlockReadFd
		})
		return ret(int64(written), 0)
	default:
		return ret(0, ksyscall.EBADF)
	}
}

// sysIsatty reports whether fdNum is the console, the one terminal-backed
// fd kind this kernel models (spec §6 surfaces isatty as its own entry).
func (k *Kernel) sysIsatty(tf *trap.TrapFrame, args [6]uint64) int64 {
	p, _, err := k.currentProcess()
	if err != nil {
		return ret(0, ksyscall.ESRCH)
	}
	fd, ok := p.GetFD(int(args[0]))
	if !ok || fd.Kind != proc.FDConsole {
		return ret(0, ksyscall.ENOTTY)
	}
	return ret(1, 0)
}

// sysIoctl only implements the two requests §4.5's foreground process
// group bookkeeping needs: reading and setting the controlling terminal's
// foreground pgid. Every other request number is -ENOTTY, matching a
// non-terminal fd's real-Linux behavior for an unsupported ioctl.
func (k *Kernel) sysIoctl(tf *trap.TrapFrame, args [6]uint64) int64 {
	p, _, err := k.currentProcess()
	if err != nil {
		return ret(0, ksyscall.ESRCH)
	}
	fd, ok := p.GetFD(int(args[0]))
	if !ok || fd.Kind != proc.FDConsole {
		return ret(0, ksyscall.ENOTTY)
	}
	switch ksyscall.IoctlRequest(args[1]) {
	case ksyscall.TIOCGPGRP:
		if err := writeUint32(p.AS, args[2], uint32(k.Procs.Tcgetpgrp(p.SID))); err != nil {
			return ret(0, ksyscall.EFAULT)
		}
		return ret(0, 0)
	case ksyscall.TIOCSPGRP:
		pgid, err := readUint64At(p.AS, args[2])
		if err != nil {
			return ret(0, ksyscall.EFAULT)
		}
		if err := k.Procs.Tcsetpgrp(p.SID, int(int32(pgid))); err != nil {
			return ret(0, ksyscall.EPERM)
		}
		return ret(0, 0)
	default:
		return ret(0, ksyscall.ENOTTY)
	}
}

// sysNanosleep blocks the caller until the requested duration elapses or a
// signal interrupts it early (spec §9's alarm/setitimer wakeup path): the
// deadline is computed once and carried in the thread's own BlockReason, so
// re-entering this handler on resume never needs to consult user memory
// again, only compare the deadline against now.
func (k *Kernel) sysNanosleep(tf *trap.TrapFrame, args [6]uint64) int64 {
	p, th, err := k.currentProcess()
	if err != nil {
		return ret(0, ksyscall.ESRCH)
	}

	if th.Reason.Kind != sched.BlockSleep {
		sec, err1 := readUint64At(p.AS, args[0])
		nsec, err2 := readUint64At(p.AS, args[0]+8)
		if err1 != nil || err2 != nil {
			return ret(0, ksyscall.EFAULT)
		}
		deadline := time.Now().Add(time.Duration(sec)*time.Second + time.Duration(nsec))
		th.TF = *tf
		k.Sched.Block(th, sched.BlockReason{Kind: sched.BlockSleep, Deadline: deadline})
		return ret(0, ksyscall.EINTR)
	}

	woke := th.Reason.Deadline
	th.Reason = sched.BlockReason{}
	if time.Now().Before(woke) {
		return ret(0, ksyscall.EINTR)
	}
	return ret(0, 0)
}

// sysSetitimer arms (or, given a zero it_value, disarms) a one-shot
// real-time alarm that delivers SIGALRM to the caller when it fires (spec
// §9's alarm/setitimer → SIGALRM → EINTR wakeup path). Only ITIMER_REAL and
// a one-shot it_value are modeled; it_interval reload and the virtual/prof
// itimer classes are not — nothing in this kernel's syscall surface needs
// them.
func (k *Kernel) sysSetitimer(tf *trap.TrapFrame, args [6]uint64) int64 {
	p, _, err := k.currentProcess()
	if err != nil {
		return ret(0, ksyscall.ESRCH)
	}
	const itimerReal = 0
	if int(int32(args[0])) != itimerReal {
		return ret(0, ksyscall.EINVAL)
	}
	newValue := args[1]
	if newValue == 0 {
		k.disarmAlarm(p.PID)
		return ret(0, 0)
	}
	sec, err1 := readUint64At(p.AS, newValue+16)
	usec, err2 := readUint64At(p.AS, newValue+24)
	if err1 != nil || err2 != nil {
		return ret(0, ksyscall.EFAULT)
	}
	if sec == 0 && usec == 0 {
		k.disarmAlarm(p.PID)
		return ret(0, 0)
	}
	k.armAlarm(p.PID, time.Duration(sec)*time.Second+time.Duration(usec)*time.Microsecond)
	return ret(0, 0)
}

// sysMprotect implements spec §6's memory surface entry of the same name:
// change the permission bits on every page-aligned page in [addr, addr+len)
// (spec §3 AddressSpace lifecycle: "mutated by map/unmap/protect"). A CoW
// share keeps its CoW bit regardless of the requested prot, so a caller
// cannot use mprotect to bypass the copy a write still needs to take.
func (k *Kernel) sysMprotect(tf *trap.TrapFrame, args [6]uint64) int64 {
	p, _, err := k.currentProcess()
	if err != nil {
		return ret(0, ksyscall.ESRCH)
	}
	addr, length, prot := args[0], args[1], args[2]
	if addr%pmm.PageSize != 0 {
		return ret(0, ksyscall.EINVAL)
	}
	flags := vmm.Flags(0)
	if prot&ksyscall.ProtWrite != 0 {
		flags |= vmm.FlagWritable
	}
	if prot&ksyscall.ProtExec != 0 {
		flags |= vmm.FlagExecutable
	}
	for off := uint64(0); off < length; off += pmm.PageSize {
		v := vmm.VirtAddr(addr + off)
		_, existing, ok := p.AS.Lookup(v)
		if !ok {
			return ret(0, ksyscall.EINVAL)
		}
		if err := p.AS.Protect(v, flags|(existing&vmm.FlagCoW)); err != nil {
			return ret(0, ksyscall.EINVAL)
		}
	}
	return ret(0, 0)
}
