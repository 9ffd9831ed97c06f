/*************************************************************************
 * Breenix kernel — process/thread substrate
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 *************************************************************************/

// Package sched is the thread & scheduler component (spec §4.3): the
// round-robin ready queue, the blocking/waking primitives, the
// first-run preemption rule, and the per-thread kernel stack bookkeeping.
// The scheduler never touches CPU state directly (spec §4.3) — it only
// decides which Thread is "current"; the gate (internal/kernel) is
// responsible for actually loading that thread's TrapFrame and address
// space.
package sched

import (
	"fmt"
	"sync"
	"time"

	"github.com/ryanbreen/breenix-sub004/internal/trap"
)

type State int

const (
	Ready State = iota
	Running
	Blocked
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// BlockKind is the closed sum of reasons a thread can be blocked (spec
// §4.3 "Blocking primitives").
type BlockKind int

const (
	BlockNone BlockKind = iota
	BlockWaitChild
	BlockReadFd
	BlockWriteFd
	BlockSleep
	BlockSignal
	BlockJoin
)

// BlockReason ties a Blocked thread to its resumption condition. Only the
// fields relevant to Kind are meaningful.
type BlockReason struct {
	Kind     BlockKind
	MatchPid int // WaitChild: pid>0 specific, -1 any, 0 caller's pgid, <-1 group -pid
	Fd       int // ReadFd / WriteFd
	Deadline time.Time
	JoinTID  int
}

// Thread is the unit of scheduling (spec §3 "Thread").
type Thread struct {
	ID        int
	ProcessID int

	TF    trap.TrapFrame
	State State
	Reason BlockReason

	// FirstRun is false from each transition into Ready until this thread
	// has survived one timer tick as Running; the scheduler grants it that
	// one uninterrupted tick (spec §4.3, glossary "First run").
	FirstRun bool

	quantum int

	SigMask    uint64 // blocked-signal bitmap
	KernelSP   uint64 // kernel stack top, loaded into CPU.RSP0 on switch-in
}

// Scheduler owns the ready/blocked sets and the single current thread, per
// spec §4.3 and the single-CPU concurrency model of §5.
type Scheduler struct {
	mtx sync.Mutex

	cpu          *trap.CPU
	quantumTicks int

	ready   []*Thread
	blocked map[int]*Thread
	current *Thread
	idle    *Thread

	nextTID int
}

// New creates a scheduler bound to cpu, granting quantumTicks timer ticks
// per thread before preemption. An idle thread (always Ready, never blocks
// or terminates) guarantees PickNext never fails — spec §7: "an idle thread
// is always Ready" is the reason scheduler errors are impossible by
// construction.
func New(cpu *trap.CPU, quantumTicks int) *Scheduler {
	s := &Scheduler{
		cpu:          cpu,
		quantumTicks: quantumTicks,
		blocked:      make(map[int]*Thread),
		nextTID:      1,
	}
	s.idle = &Thread{ID: 0, ProcessID: 0, State: Ready, FirstRun: true, quantum: quantumTicks}
	return s
}

// NewTID allocates a fresh thread id.
func (s *Scheduler) NewTID() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	id := s.nextTID
	s.nextTID++
	return id
}

// AddReady enqueues t at the tail of the ready queue (spec §4.3
// "Selection"): used for a freshly forked thread, a thread replacing its
// image via exec, or a newly-unblocked thread.
func (s *Scheduler) AddReady(t *Thread) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t.State = Ready
	t.quantum = s.quantumTicks
	// spec §4.3: every thread newly placed in Ready — forked, exec'd, or
	// unblocked — carries first_run = false, so it gets one protected tick.
	t.FirstRun = false
	s.ready = append(s.ready, t)
}

// Current returns the thread presently selected as running (nil if none has
// ever been picked).
func (s *Scheduler) Current() *Thread {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.current
}

// PickNext performs round-robin selection: the previously-running thread
// (if still Ready-eligible, i.e. not blocked/terminated by its caller
// first) goes to the tail, and the new head of the ready queue becomes
// current. Always succeeds because the idle thread is never removed from
// eligibility.
func (s *Scheduler) PickNext() *Thread {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.pickNextLocked()
}

func (s *Scheduler) pickNextLocked() *Thread {
	if s.current != nil && s.current.State == Running {
		s.current.State = Ready
		s.current.quantum = s.quantumTicks
		s.ready = append(s.ready, s.current)
	}
	var next *Thread
	if len(s.ready) > 0 {
		next = s.ready[0]
		s.ready = s.ready[1:]
	} else {
		next = s.idle
	}
	next.State = Running
	s.current = next
	return next
}

// Tick is the timer handler's scheduling decision (spec §4.3 "Quantum &
// first-run protection"). It never switches threads itself — it only sets
// the CPU's needs-reschedule flag, which the gate's return path consumes.
func (s *Scheduler) Tick() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	cur := s.current
	if cur == nil {
		return
	}
	if !cur.FirstRun {
		// Grant exactly one uninterrupted tick to a freshly-scheduled
		// thread (spec §4.3 "first-run protection"): a context whose first
		// instruction hasn't retired yet must not be preempted before it
		// can make forward progress.
		cur.FirstRun = true
		return
	}
	cur.quantum--
	if cur.quantum <= 0 {
		s.cpu.RequestReschedule()
	}
}

// Block transitions the current thread to Blocked with the given reason and
// immediately yields by picking a new current thread (spec §4.3 "block(...)
// transitions the current thread to Blocked and yields").
func (s *Scheduler) Block(t *Thread, reason BlockReason) *Thread {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t.State = Blocked
	t.Reason = reason
	s.blocked[t.ID] = t
	if s.current == t {
		s.current = nil
	}
	return s.pickNextLocked()
}

// Wake moves a Blocked thread back to Ready. If the scheduler had nothing
// runnable before (only the idle thread), it requests a reschedule so the
// gate's return path picks the newly-woken thread up promptly (spec §4.3
// "wake(thread_id) moves it to Ready and, if no runnable thread was
// available before, requests reschedule").
func (s *Scheduler) Wake(tid int) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t, ok := s.blocked[tid]
	if !ok {
		return false
	}
	delete(s.blocked, tid)
	wasIdle := s.current == nil || s.current == s.idle
	t.State = Ready
	t.quantum = s.quantumTicks
	// spec §4.3: an unblocked thread re-arms first-run protection exactly
	// like a fresh fork or exec — it has not yet retired an instruction
	// since this Ready transition.
	t.FirstRun = false
	s.ready = append(s.ready, t)
	if wasIdle {
		s.cpu.RequestReschedule()
	}
	return true
}

// WakeMatching wakes every Blocked thread for which match returns true,
// returning the ids of the threads woken. Used by waitpid/SIGCHLD delivery to scan
// for threads blocked on BlockWaitChild.
func (s *Scheduler) WakeMatching(match func(*Thread) bool) (woken []int) {
	for _, t := range s.WakeMatchingThreads(match) {
		woken = append(woken, t.ID)
	}
	return
}

// WakeMatchingThreads is WakeMatching for callers that need more than the
// woken thread's id — alarm/timer expiry needs the Thread to recover which
// process to signal, which the blocked map no longer indexes once Wake has
// moved it to Ready.
func (s *Scheduler) WakeMatchingThreads(match func(*Thread) bool) (woken []*Thread) {
	s.mtx.Lock()
	var targets []*Thread
	for _, t := range s.blocked {
		if match(t) {
			targets = append(targets, t)
		}
	}
	s.mtx.Unlock()
	for _, t := range targets {
		if s.Wake(t.ID) {
			woken = append(woken, t)
		}
	}
	return
}

// Terminate marks t Terminated; it must not still be current or blocked.
func (s *Scheduler) Terminate(t *Thread) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.current == t {
		return fmt.Errorf("sched: cannot terminate the running thread in place")
	}
	delete(s.blocked, t.ID)
	t.State = Terminated
	return nil
}

// TerminateCurrent marks the running thread Terminated and yields, exactly
// like Block but with a terminal state (spec §4.5 "exit": "Transition every
// thread to Terminated"). Returns the newly-selected current thread.
func (s *Scheduler) TerminateCurrent(t *Thread) *Thread {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t.State = Terminated
	if s.current == t {
		s.current = nil
	}
	return s.pickNextLocked()
}

// Blocked reports the thread currently blocked under tid, if any.
func (s *Scheduler) Blocked(tid int) (*Thread, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t, ok := s.blocked[tid]
	return t, ok
}

// ReadyLen reports the ready-queue depth; used by tests and the CLI's ps
// rendering, never by the gate.
func (s *Scheduler) ReadyLen() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.ready)
}
