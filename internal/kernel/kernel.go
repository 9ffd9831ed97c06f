/*************************************************************************
 * Breenix kernel — process/thread substrate
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 *************************************************************************/

// Package kernel wires the frame allocator, address-space manager,
// scheduler, process manager, signal delivery and syscall table into the
// single Kernel object spec §2's "steady state data flow" describes: a
// user thread runs until a trap reaches the gate, the gate dispatches into
// process-manager/address-space state, and returns — possibly to a
// different thread in a different address space.
package kernel

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ryanbreen/breenix-sub004/internal/ipc"
	"github.com/ryanbreen/breenix-sub004/internal/kconfig"
	"github.com/ryanbreen/breenix-sub004/internal/klog"
	"github.com/ryanbreen/breenix-sub004/internal/ksignal"
	"github.com/ryanbreen/breenix-sub004/internal/ksyscall"
	"github.com/ryanbreen/breenix-sub004/internal/loader"
	"github.com/ryanbreen/breenix-sub004/internal/pmm"
	"github.com/ryanbreen/breenix-sub004/internal/proc"
	"github.com/ryanbreen/breenix-sub004/internal/sched"
	"github.com/ryanbreen/breenix-sub004/internal/trap"
	"github.com/ryanbreen/breenix-sub004/internal/vmm"
)

// quantumTicks is the number of timer ticks a thread runs before the
// scheduler requests a reschedule (spec §4.3).
const quantumTicks = 10

// userStackTop is the fixed virtual address every new process's initial
// stack grows down from.
const userStackTop = 0x7FFF_FFFF_F000

// sigTrampoline is a fixed address the kernel treats as the sigreturn
// trampoline's entry point; in a real build this is a page the kernel maps
// read-only+executable into every address space, containing a single
// syscall instruction for rt_sigreturn.
const sigTrampoline = 0x1000

// Kernel owns every subsystem component (spec §2's component table) and is
// the only place that is allowed to couple them together; each subsystem
// package remains ignorant of the others.
type Kernel struct {
	mtx sync.Mutex

	Cfg      kconfig.Config
	Log      *klog.Logger
	Frames   *pmm.Allocator
	Mem      *vmm.Memory
	CPU      *trap.CPU
	Sched    *sched.Scheduler
	Procs    *proc.Table
	Init     *proc.Process
	Programs *loader.Store

	syscalls ksyscall.Table

	// alarms holds the one-shot setitimer(ITIMER_REAL) deadline armed for
	// each pid, guarded by mtx; checked once per timer tick (spec §9's
	// alarm → SIGALRM wakeup path).
	alarms map[int]time.Time
}

// Boot constructs every subsystem per cfg and creates pid 1 (spec §4.5's
// reparenting root). Lock ordering throughout this package, should more
// than one subsystem lock ever need to be held at once, is frame allocator
// -> address space -> process manager -> scheduler; no call site in this
// package currently needs to hold two at a time, but the order is recorded
// here because it is the one invariant a future change must not invert.
func Boot(cfg kconfig.Config, log *klog.Logger) (*Kernel, error) {
	frames := pmm.New(cfg.FrameCount)
	mem := vmm.NewMemory(frames)
	cpu := trap.NewCPU()
	s := sched.New(cpu, quantumTicks)
	procs := proc.NewTable()

	init, err := procs.NewInit(mem)
	if err != nil {
		return nil, fmt.Errorf("kernel: create init: %w", err)
	}

	k := &Kernel{
		Cfg: cfg, Log: log,
		Frames: frames, Mem: mem, CPU: cpu, Sched: s, Procs: procs, Init: init,
		alarms: make(map[int]time.Time),
	}

	for _, dir := range cfg.ProgramMounts {
		store, err := loader.NewStore(dir)
		if err != nil {
			log.Warn("program mount unavailable", klog.KV("dir", dir), klog.KVErr(err))
			continue
		}
		k.Programs = store
		break
	}

	k.syscalls = k.buildSyscallTable()
	log.Info("kernel booted", klog.KV("frames", cfg.FrameCount), klog.KV("timer_hz", cfg.TimerHz))
	return k, nil
}

// StartInit creates pid 1's first thread and hands it to the scheduler as
// the current thread — the point a real boot reaches once init's first
// instruction is about to retire. Boot does not do this itself: building
// the subsystems and entering user mode are separate steps, and a caller
// that only wants to inspect the fresh process table (spec §4.5) without
// running anything is free to skip it.
func (k *Kernel) StartInit() *sched.Thread {
	th := &sched.Thread{ID: k.Sched.NewTID(), ProcessID: k.Init.PID}
	k.Init.ThreadIDs = append(k.Init.ThreadIDs, th.ID)
	k.Sched.AddReady(th)
	k.Sched.PickNext()
	return th
}

func (k *Kernel) proc(pid int) (*proc.Process, error) {
	p, ok := k.Procs.Get(pid)
	if !ok {
		return nil, proc.ErrNoSuchProcess
	}
	return p, nil
}

// currentProcess resolves the scheduler's current thread to its owning
// process. Only valid while handling a trap raised from that thread.
func (k *Kernel) currentProcess() (*proc.Process, *sched.Thread, error) {
	th := k.Sched.Current()
	if th == nil || th.ProcessID == 0 {
		return nil, th, proc.ErrNoSuchProcess
	}
	p, err := k.proc(th.ProcessID)
	return p, th, err
}

// armAlarm arms (replacing any existing one-shot) a setitimer(ITIMER_REAL)
// deadline for pid.
func (k *Kernel) armAlarm(pid int, d time.Duration) {
	k.mtx.Lock()
	defer k.mtx.Unlock()
	k.alarms[pid] = time.Now().Add(d)
}

// disarmAlarm cancels pid's armed alarm, if any.
func (k *Kernel) disarmAlarm(pid int) {
	k.mtx.Lock()
	defer k.mtx.Unlock()
	delete(k.alarms, pid)
}

// expireTimers is the per-tick half of spec §9's alarm/sleep wakeup path: it
// wakes every nanosleep(2) caller whose deadline has passed, and delivers
// SIGALRM to every pid whose armed setitimer(ITIMER_REAL) has fired.
func (k *Kernel) expireTimers() {
	now := time.Now()
	k.Sched.WakeMatchingThreads(func(t *sched.Thread) bool {
		return t.Reason.Kind == sched.BlockSleep && !now.Before(t.Reason.Deadline)
	})

	k.mtx.Lock()
	var fired []int
	for pid, deadline := range k.alarms {
		if !now.Before(deadline) {
			fired = append(fired, pid)
		}
	}
	for _, pid := range fired {
		delete(k.alarms, pid)
	}
	k.mtx.Unlock()

	for _, pid := range fired {
		target, ok := k.Procs.Get(pid)
		if !ok {
			continue
		}
		target.Pending.Add(ksignal.SIGALRM)
		k.Sched.WakeMatching(func(t *sched.Thread) bool { return t.ProcessID == pid })
	}
}

// HandleTrap is the gate's entry point (spec §4.4 "Entry"): it dispatches
// a syscall or lets the timer handler make its scheduling decision, then
// always funnels through ReturnToUser before the (simulated) IRETQ. prev is
// captured before dispatch runs because a blocking or exiting handler
// (wait4, pause, exit, a blocking read/write) switches the scheduler's
// current thread itself, as part of Block/TerminateCurrent; ReturnToUser
// needs to know which thread tf belonged to going in to avoid saving it
// into the wrong thread's slot.
func (k *Kernel) HandleTrap(kind trap.Kind, tf *trap.TrapFrame) {
	// spec §4.4 "Entry": every ring crossing swaps GS to kernel before any
	// handler runs; the return path (below) swaps it back if and only if
	// the return lands in ring 3.
	k.CPU.SwapGSToKernel()
	prev := k.Sched.Current()
	switch kind {
	case trap.KindSyscall:
		k.syscalls.Dispatch(tf)
	case trap.KindTimerIRQ:
		k.Sched.Tick()
		k.expireTimers()
	case trap.KindPageFault:
		// Handled inline by the vmm call site that triggered it in this
		// simulation (WriteByte/ReadByte resolve CoW faults synchronously);
		// a real build would decode the faulting address from CR2 here.
	}
	k.ReturnToUser(prev, tf)
}

// ReturnToUser implements spec §4.4's return path: consume the
// needs-reschedule flag, possibly switch to a new thread (staging its CR3
// and loading its TrapFrame and kernel stack), then check for a
// deliverable signal before the simulated IRETQ.
//
// prev is the thread tf belonged to when the trap was entered. If dispatch
// left the current thread unchanged, tf is simply prev's live frame and is
// saved back into it. If dispatch blocked or terminated prev, prev already
// recorded its own frame (every blocking handler does so immediately before
// calling Block) or needs none (a terminated thread is never resumed), and
// the scheduler's current thread has already moved on; ReturnToUser's job
// in that case is only to load the new current thread's saved frame into
// tf, not to overwrite it with prev's.
func (k *Kernel) ReturnToUser(prev *sched.Thread, tf *trap.TrapFrame) {
	if k.CPU.TakeReschedule() {
		k.Sched.PickNext()
	}
	cur := k.Sched.Current()

	if cur == prev {
		if cur != nil {
			cur.TF = *tf
		}
	} else {
		k.loadCurrent(prev, cur, tf)
	}

	if cur != nil && cur.ProcessID != 0 {
		if p, err := k.proc(cur.ProcessID); err == nil {
			if sig, ok := p.Pending.Deliverable(p.Signals.Mask | cur.SigMask); ok {
				k.deliverSignal(p, cur, tf, sig)
				// A default-terminate/stop action can itself switch the
				// current thread out from under cur (terminateProcess ends
				// in TerminateCurrent, which picks a replacement). tf must
				// reflect whichever thread the CPU will actually resume.
				if after := k.Sched.Current(); after != cur {
					k.loadCurrent(cur, after, tf)
					cur = after
				}
			}
		}
	}

	// spec §4.4 return path step 2: GS swaps back to user only when the
	// destination is actually ring 3.
	if cur != nil && cur.ProcessID != 0 {
		k.CPU.SwapGSToUser()
	}
	// step 3: the staged CR3 write, if loadCurrent staged one switching
	// address spaces, must be the last thing consumed before IRETQ.
	k.CPU.TakeNextCR3()
}

// loadCurrent installs next's saved frame into tf and stages whatever CR3
// switch and kernel-stack pointer its address space requires, used every
// time ReturnToUser discovers the thread about to resume differs from the
// one it was tracking (prev may be nil at boot).
func (k *Kernel) loadCurrent(prev, next *sched.Thread, tf *trap.TrapFrame) {
	if next == nil {
		return
	}
	if prev == nil || next.ProcessID != prev.ProcessID {
		if p, ok := k.Procs.Get(next.ProcessID); ok {
			k.CPU.SetNextCR3(p.AS.RootFrame())
		}
	}
	k.CPU.RSP0 = next.KernelSP
	*tf = next.TF
}

// deliverSignal invokes sig's configured action against the thread about
// to return to user mode (spec §4.6). Default-terminate/stop/continue
// signals never touch the TrapFrame; only a user handler does.
func (k *Kernel) deliverSignal(p *proc.Process, th *sched.Thread, tf *trap.TrapFrame, sig ksignal.Signal) {
	act := p.Signals.Action(sig)
	switch act.Disposition {
	case ksignal.DispositionIgnore:
		return
	case ksignal.DispositionHandler:
		df := ksignal.BuildDeliveryFrame(tf.Clone(), sig, act.Handler, sigTrampoline, tf.Rsp)
		if err := writeTrapFrame(p.AS, df.SavedFrameAddr, df.SavedFrame); err != nil {
			k.Log.Error("signal frame write failed", klog.KVErr(err))
			return
		}
		if err := writeUint64(p.AS, df.NewTF.Rsp, sigTrampoline); err != nil {
			k.Log.Error("signal trampoline write failed", klog.KVErr(err))
			return
		}
		*tf = df.NewTF
		th.TF = df.NewTF
	default: // DispositionDefault
		switch ksignal.DefaultAction(sig) {
		case ksignal.DefaultIgnore:
		case ksignal.DefaultContinue:
			k.Sched.Wake(th.ID)
		case ksignal.DefaultStop, ksignal.DefaultTerminate:
			k.terminateProcess(p, 128+int(sig))
		}
	}
}

func (k *Kernel) terminateProcess(p *proc.Process, status int) {
	threads, _, err := k.Procs.Exit(p, status, k.Init)
	if err != nil {
		k.Log.Error("exit during signal delivery failed", klog.KVErr(err))
		return
	}
	for _, tid := range threads {
		if th, ok := k.Sched.Blocked(tid); ok {
			_ = k.Sched.Terminate(th)
			continue
		}
		if cur := k.Sched.Current(); cur != nil && cur.ID == tid {
			k.Sched.TerminateCurrent(cur)
		}
	}
	k.Sched.WakeMatching(func(t *sched.Thread) bool {
		return t.Reason.Kind == sched.BlockWaitChild &&
			proc.WaitMatch(t.Reason.MatchPid, 0, p.PID, p.PGID)
	})
}

// writeTrapFrame/readTrapFrame serialize a TrapFrame into a process's user
// stack for signal delivery and sigreturn — the only place a TrapFrame
// needs to cross from CPU-register representation to addressable memory.
func writeTrapFrame(as *vmm.AddressSpace, addr uint64, tf trap.TrapFrame) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, tf); err != nil {
		return err
	}
	b := buf.Bytes()
	for i, c := range b {
		if err := as.WriteByte(vmm.VirtAddr(addr)+vmm.VirtAddr(i), c); err != nil {
			return err
		}
	}
	return nil
}

func readTrapFrame(as *vmm.AddressSpace, addr uint64) (trap.TrapFrame, error) {
	var tf trap.TrapFrame
	size := binary.Size(tf)
	b := make([]byte, size)
	for i := range b {
		c, err := as.ReadByte(vmm.VirtAddr(addr) + vmm.VirtAddr(i))
		if err != nil {
			return tf, err
		}
		b[i] = c
	}
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &tf); err != nil {
		return tf, err
	}
	return tf, nil
}

func writeUint64(as *vmm.AddressSpace, addr, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	for i, c := range b {
		if err := as.WriteByte(vmm.VirtAddr(addr)+vmm.VirtAddr(i), c); err != nil {
			return err
		}
	}
	return nil
}

func readCString(as *vmm.AddressSpace, addr uint64) (string, error) {
	var out []byte
	for i := 0; i < 4096; i++ {
		c, err := as.ReadByte(vmm.VirtAddr(addr) + vmm.VirtAddr(i))
		if err != nil {
			return "", err
		}
		if c == 0 {
			return string(out), nil
		}
		out = append(out, c)
	}
	return "", fmt.Errorf("kernel: path exceeds 4096 bytes without a NUL terminator")
}

// pipeEndpoint adapts an ipc.Pipe direction to proc.PipeEndpoint; kept here
// (rather than in ipc) because only the kernel package is allowed to know
// about both ipc and proc.
func pipeEndpoint(p *ipc.Pipe, writer bool) proc.PipeEndpoint {
	return ipc.Endpoint{Pipe: p, IsWriter: writer}
}
