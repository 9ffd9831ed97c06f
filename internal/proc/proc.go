/*************************************************************************
 * Breenix kernel — process/thread substrate
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 *************************************************************************/

// Package proc is the process manager (spec §4.5): fork, exec, exit,
// waitpid, and the process/group/session bookkeeping that POSIX semantics
// need. It owns the process table and orchestrates the address-space
// (internal/vmm), scheduler (internal/sched) and signal (internal/ksignal)
// components on every lifecycle transition, but touches none of their
// internals directly.
package proc

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ryanbreen/breenix-sub004/internal/ksignal"
	"github.com/ryanbreen/breenix-sub004/internal/sched"
	"github.com/ryanbreen/breenix-sub004/internal/vmm"
)

// InitPID is the reparenting target for orphaned children (spec §4.5 "For
// each child: reparent to pid 1").
const InitPID = 1

var (
	ErrNoSuchProcess = errors.New("proc: no such process")
	ErrNoChildren    = errors.New("proc: no matching children (ECHILD)")
)

// FDKind distinguishes the small set of descriptor backings Breenix
// supports (spec §4.5 fd table: "kind, flags, position, ref").
type FDKind int

const (
	FDConsole FDKind = iota
	FDPipeRead
	FDPipeWrite
)

// FileDescriptor is one entry of a process's fd table. Pipe endpoints carry
// a reference to the shared ipc.Pipe; the pipe itself counts the
// descriptors holding each end (Retain/Release), so dup/dup2/fork can share
// one underlying pipe cheaply.
type FileDescriptor struct {
	Kind      FDKind
	Position  int64
	CloseOnExec bool
	Pipe      PipeEndpoint
}

// PipeEndpoint is the minimal surface proc needs from internal/ipc, kept as
// an interface here to avoid a dependency cycle (ipc doesn't need to know
// about processes, proc doesn't need ipc's buffer internals).
type PipeEndpoint interface {
	Retain()
	Release() // last Release closes the underlying ring buffer
}

type fdTable struct {
	mtx   sync.Mutex
	files map[int]*FileDescriptor
	next  int
}

func newFDTable() *fdTable {
	t := &fdTable{files: make(map[int]*FileDescriptor)}
	t.files[0] = &FileDescriptor{Kind: FDConsole}
	t.files[1] = &FileDescriptor{Kind: FDConsole}
	t.files[2] = &FileDescriptor{Kind: FDConsole}
	t.next = 3
	return t
}

func (t *fdTable) install(fd *FileDescriptor) int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	n := t.next
	t.next++
	t.files[n] = fd
	return n
}

func (t *fdTable) get(n int) (*FileDescriptor, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	f, ok := t.files[n]
	return f, ok
}

func (t *fdTable) close(n int) (*FileDescriptor, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	f, ok := t.files[n]
	if ok {
		delete(t.files, n)
	}
	return f, ok
}

func (t *fdTable) clone() *fdTable {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	c := &fdTable{files: make(map[int]*FileDescriptor, len(t.files)), next: t.next}
	for n, f := range t.files {
		dup := *f
		if dup.Pipe != nil {
			dup.Pipe.Retain()
		}
		c.files[n] = &dup
	}
	return c
}

func (t *fdTable) closeOnExec() {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	for n, f := range t.files {
		if f.CloseOnExec {
			if f.Pipe != nil {
				f.Pipe.Release()
			}
			delete(t.files, n)
		}
	}
}

func (t *fdTable) closeAll() {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	for n, f := range t.files {
		if f.Pipe != nil {
			f.Pipe.Release()
		}
		delete(t.files, n)
	}
}

// State is a process's lifecycle state (spec §3 Process "zombie iff state
// is Terminated with exit_status = Some(_)").
type State int

const (
	Running State = iota
	Terminated
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Terminated:
		return "zombie"
	}
	return "unknown"
}

// Process is the user-visible execution context (spec §3 "Process").
type Process struct {
	mtx sync.Mutex

	PID, PPID int
	Children  []int

	// InstanceID disambiguates a pid across its reuse lifetime: two
	// processes can share a pid at different times, but never an
	// InstanceID, which matters for log correlation once pids wrap
	// (spec §9 Open Question on pid-reuse windows).
	InstanceID string

	AS *vmm.AddressSpace
	fd *fdTable

	ThreadIDs []int

	PGID, SID int
	Cwd       string

	State      State
	ExitStatus int // valid iff State == Terminated

	Signals  *ksignal.Table
	Pending  ksignal.PendingSet
}

// InstallFD adds fd to p's table at the next available number, returning
// it (spec §4.5 fd table, used by pipe()/open()).
func (p *Process) InstallFD(fd *FileDescriptor) int {
	return p.fd.install(fd)
}

// GetFD looks up fd number n.
func (p *Process) GetFD(n int) (*FileDescriptor, bool) {
	return p.fd.get(n)
}

// CloseFD removes fd number n, releasing its pipe endpoint if any, and
// reports whether it existed.
func (p *Process) CloseFD(n int) bool {
	f, ok := p.fd.close(n)
	if ok && f.Pipe != nil {
		f.Pipe.Release()
	}
	return ok
}

// DupFD installs a new fd number that shares the same underlying
// FileDescriptor state as n (dup(2)). If target >= 0, that specific number
// is used (dup2 semantics), closing whatever previously occupied it.
func (p *Process) DupFD(n int, target int) (int, bool) {
	src, ok := p.fd.get(n)
	if !ok {
		return 0, false
	}
	dup := *src
	if dup.Pipe != nil {
		dup.Pipe.Retain()
	}
	if target < 0 {
		return p.fd.install(&dup), true
	}
	p.CloseFD(target)
	p.fd.mtx.Lock()
	p.fd.files[target] = &dup
	if target >= p.fd.next {
		p.fd.next = target + 1
	}
	p.fd.mtx.Unlock()
	return target, true
}

// Table is the process table: the arena of every live-or-zombie process,
// keyed by pid (spec §3 "Process table").
type Table struct {
	mtx     sync.Mutex
	procs   map[int]*Process
	nextPID int

	// fg maps a session id to the process group currently in the
	// foreground of that session's controlling terminal (tcsetpgrp/
	// tcgetpgrp, spec §3/§4.5). A session with no entry here has never had
	// its foreground group changed from the session leader's own group.
	fg map[int]int
}

func NewTable() *Table {
	return &Table{procs: make(map[int]*Process), nextPID: InitPID, fg: make(map[int]int)}
}

// NewInit creates pid 1, the reparenting root, with no parent and a fresh
// address space.
func (t *Table) NewInit(mem *vmm.Memory) (*Process, error) {
	as, err := vmm.New(mem)
	if err != nil {
		return nil, err
	}
	p := &Process{
		PID: InitPID, PPID: 0,
		InstanceID: uuid.NewString(),
		AS:         as, fd: newFDTable(),
		PGID: InitPID, SID: InitPID,
		Cwd:     "/",
		Signals: ksignal.NewTable(),
	}
	t.mtx.Lock()
	t.procs[p.PID] = p
	t.nextPID = InitPID + 1
	t.mtx.Unlock()
	return p, nil
}

func (t *Table) allocPID() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	pid := t.nextPID
	t.nextPID++
	return pid
}

// Get looks up a process by pid.
func (t *Table) Get(pid int) (*Process, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	p, ok := t.procs[pid]
	return p, ok
}

// Remove deletes a reaped zombie from the table (waitpid's final step).
func (t *Table) Remove(pid int) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	delete(t.procs, pid)
}

// Snapshot returns every live process, pid order, for introspection tools
// (breenixctl ps) that have no business holding the table lock themselves.
func (t *Table) Snapshot() []*Process {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	out := make([]*Process, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Fork creates a child of parent sharing its address space as CoW, cloning
// its fd table and signal state, and attaching a freshly scheduled child
// thread (spec §4.5 "fork"). It does not touch either thread's TrapFrame —
// the caller (internal/kernel) copies the parent's TrapFrame into the
// returned child thread and fixes up the two accumulator registers, since
// only the gate has the parent's live TrapFrame in hand.
func (t *Table) Fork(parent *Process, s *sched.Scheduler) (*Process, *sched.Thread, error) {
	childAS, err := parent.AS.ForkCOW()
	if err != nil {
		return nil, nil, err
	}

	parent.mtx.Lock()
	childFD := parent.fd.clone()
	childSignals := parent.Signals.Clone()
	parent.mtx.Unlock()

	child := &Process{
		PID:        t.allocPID(),
		PPID:       parent.PID,
		InstanceID: uuid.NewString(),
		AS:         childAS,
		fd:         childFD,
		PGID:       parent.PGID,
		SID:        parent.SID,
		Cwd:        parent.Cwd,
		Signals:    childSignals,
	}

	t.mtx.Lock()
	t.procs[child.PID] = child
	t.mtx.Unlock()

	parent.mtx.Lock()
	parent.Children = append(parent.Children, child.PID)
	parent.mtx.Unlock()

	childThread := &sched.Thread{ID: s.NewTID(), ProcessID: child.PID}
	child.ThreadIDs = append(child.ThreadIDs, childThread.ID)
	s.AddReady(childThread)

	return child, childThread, nil
}

// Exit transitions p to Terminated, reparents its children to init, closes
// its fd table, releases its address space, and reports the set of threads
// that must be marked Terminated in the scheduler plus the parent pid
// (spec §4.5 "exit"). Exit queues SIGCHLD on the parent itself; the caller
// (internal/kernel) is responsible for terminating the threads and waking
// WaitChild blockers, since only it has access to the scheduler.
func (t *Table) Exit(p *Process, status int, init *Process) (terminatedThreads []int, parentPID int, err error) {
	p.mtx.Lock()
	p.State = Terminated
	p.ExitStatus = status & 0xFF
	threads := append([]int(nil), p.ThreadIDs...)
	children := append([]int(nil), p.Children...)
	p.fd.closeAll()
	p.mtx.Unlock()

	if err := p.AS.Teardown(); err != nil {
		return threads, p.PPID, err
	}

	for _, cpid := range children {
		if c, ok := t.Get(cpid); ok {
			c.mtx.Lock()
			c.PPID = init.PID
			c.mtx.Unlock()
			init.mtx.Lock()
			init.Children = append(init.Children, cpid)
			init.mtx.Unlock()
		}
	}

	if parent, ok := t.Get(p.PPID); ok {
		parent.Pending.Add(ksignal.SIGCHLD)
	}

	// A session leader's exit orphans its controlling terminal: POSIX sends
	// SIGHUP (and SIGCONT, to wake anything stopped) to every process in
	// the session's foreground group so a shell-less session doesn't leave
	// jobs hung waiting on a terminal nothing owns anymore.
	if p.SID == p.PID {
		fg := t.Tcgetpgrp(p.SID)
		for _, m := range t.Snapshot() {
			if m.PID == p.PID {
				continue
			}
			m.mtx.Lock()
			member := m.SID == p.SID && m.PGID == fg
			m.mtx.Unlock()
			if member {
				m.Pending.Add(ksignal.SIGHUP)
				m.Pending.Add(ksignal.SIGCONT)
			}
		}
	}

	return threads, p.PPID, nil
}

// WaitMatch reports whether candidate pid satisfies a waitpid target
// (spec §4.5 "waitpid": pid>0 specific, -1 any, 0 caller's group, <-1
// group -pid).
func WaitMatch(target int, callerPGID int, candidatePID int, candidatePGID int) bool {
	switch {
	case target > 0:
		return candidatePID == target
	case target == -1:
		return true
	case target == 0:
		return candidatePGID == callerPGID
	default:
		return candidatePGID == -target
	}
}

const WNOHANG = 1

// Waitpid implements spec §4.5's scan-then-block-then-rescan waitpid loop,
// minus the actual blocking (the caller owns the scheduler and must call
// Block itself when hang==true). See internal/kernel for
// the syscall handler that drives this state machine end to end.
func (t *Table) Waitpid(parent *Process, target int, options int) (reapedPID int, status int, hang bool, err error) {
	parent.mtx.Lock()
	children := append([]int(nil), parent.Children...)
	parent.mtx.Unlock()

	if len(children) == 0 {
		return 0, 0, false, ErrNoChildren
	}

	anyMatch := false
	for _, cpid := range children {
		c, ok := t.Get(cpid)
		if !ok {
			continue
		}
		c.mtx.Lock()
		cpgid := c.PGID
		cstate := c.State
		cstatus := c.ExitStatus
		c.mtx.Unlock()
		if !WaitMatch(target, parent.PGID, cpid, cpgid) {
			continue
		}
		anyMatch = true
		if cstate == Terminated {
			parent.mtx.Lock()
			parent.Children = removePID(parent.Children, cpid)
			parent.mtx.Unlock()
			t.Remove(cpid)
			return cpid, cstatus << 8, false, nil
		}
	}

	if !anyMatch {
		return 0, 0, false, ErrNoChildren
	}
	if options&WNOHANG != 0 {
		return 0, 0, false, nil
	}
	return 0, 0, true, nil
}

// Exec replaces p's address space and fd table per spec §4.5 "exec": a
// fresh AddressSpace (the old one's frames fall out via CoW refcounts),
// fd table preserved minus close-on-exec entries, and the signal table
// reset for handled signals while the mask survives. Pid/ppid/pgid/sid/cwd
// are untouched. newImage installs the loaded program's mappings into the
// fresh address space; Exec does not know how to load an ELF itself (that
// is internal/loader's job).
func (t *Table) Exec(p *Process, mem *vmm.Memory, newImage func(*vmm.AddressSpace) error) error {
	oldAS := p.AS
	freshAS, err := vmm.New(mem)
	if err != nil {
		return err
	}
	if err := newImage(freshAS); err != nil {
		return err
	}

	p.mtx.Lock()
	p.AS = freshAS
	p.fd.closeOnExec()
	p.Signals.ResetHandledToDefault()
	p.mtx.Unlock()

	return oldAS.Teardown()
}

// Getpgid/Setpgid/Getsid/Setsid implement the process-group and session
// queries and mutations of spec §4.5's extended syscall surface.
func (t *Table) Getpgid(pid int) (int, error) {
	p, ok := t.Get(pid)
	if !ok {
		return 0, ErrNoSuchProcess
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.PGID, nil
}

func (t *Table) Setpgid(pid, pgid int) error {
	p, ok := t.Get(pid)
	if !ok {
		return ErrNoSuchProcess
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if pgid == 0 {
		p.PGID = p.PID
	} else {
		p.PGID = pgid
	}
	return nil
}

func (t *Table) Getsid(pid int) (int, error) {
	p, ok := t.Get(pid)
	if !ok {
		return 0, ErrNoSuchProcess
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.SID, nil
}

// Setsid makes p the leader of a new session and process group, as
// setsid(2) does; p must not already be a process-group leader, but that
// restriction is left to the syscall handler (sysSetsid) to enforce.
func (t *Table) Setsid(p *Process) int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.SID = p.PID
	p.PGID = p.PID
	return p.SID
}

// Tcgetpgrp reports the process group currently in the foreground of sid's
// controlling terminal, defaulting to sid itself (the session leader's own
// group) until Tcsetpgrp first changes it.
func (t *Table) Tcgetpgrp(sid int) int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if pgid, ok := t.fg[sid]; ok {
		return pgid
	}
	return sid
}

// Tcsetpgrp makes pgid the foreground process group of sid's controlling
// terminal (tcsetpgrp(3)). pgid must name a group with at least one live
// member in the same session, matching the real syscall's EPERM on a group
// outside the caller's session.
func (t *Table) Tcsetpgrp(sid, pgid int) error {
	t.mtx.Lock()
	found := false
	for _, p := range t.procs {
		p.mtx.Lock()
		if p.SID == sid && p.PGID == pgid {
			found = true
		}
		p.mtx.Unlock()
		if found {
			break
		}
	}
	if !found {
		t.mtx.Unlock()
		return ErrNoSuchProcess
	}
	t.fg[sid] = pgid
	t.mtx.Unlock()
	return nil
}

func removePID(s []int, pid int) []int {
	out := s[:0]
	for _, v := range s {
		if v != pid {
			out = append(out, v)
		}
	}
	return out
}
