/*************************************************************************
 * Breenix kernel — process/thread substrate
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 *************************************************************************/

// Package ksignal implements signal delivery (spec §4.6): the pending set,
// the per-thread mask, the sigaction table, default actions, and the
// saved-frame-on-the-user-stack mechanism that is the kernel's only re-entry
// path into user code. Building the on-stack frame is pure arithmetic here;
// actually writing the bytes requires an address space (internal/vmm), so
// that step is left to the caller (internal/kernel) to avoid a package
// cycle — this package only computes what must be written and where.
package ksignal

import (
	"errors"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/ryanbreen/breenix-sub004/internal/trap"
)

// Signal numbers are Linux-numeric, reusing golang.org/x/sys/unix so they
// agree bit-for-bit with kill(2)'s ABI (spec §4.4's "numeric compatibility"
// rule applies just as much to signals as to syscalls).
type Signal int

const (
	SIGHUP   Signal = Signal(unix.SIGHUP)
	SIGINT   Signal = Signal(unix.SIGINT)
	SIGQUIT  Signal = Signal(unix.SIGQUIT)
	SIGILL   Signal = Signal(unix.SIGILL)
	SIGFPE   Signal = Signal(unix.SIGFPE)
	SIGKILL  Signal = Signal(unix.SIGKILL)
	SIGSEGV  Signal = Signal(unix.SIGSEGV)
	SIGPIPE  Signal = Signal(unix.SIGPIPE)
	SIGALRM  Signal = Signal(unix.SIGALRM)
	SIGTERM  Signal = Signal(unix.SIGTERM)
	SIGCHLD  Signal = Signal(unix.SIGCHLD)
	SIGCONT  Signal = Signal(unix.SIGCONT)
	SIGSTOP  Signal = Signal(unix.SIGSTOP)
	SIGTSTP  Signal = Signal(unix.SIGTSTP)
	SIGUSR1  Signal = Signal(unix.SIGUSR1)
	SIGUSR2  Signal = Signal(unix.SIGUSR2)
)

func bit(s Signal) uint64 { return 1 << uint64(s-1) }

// PendingSet is the per-process pending-signal bitmap. It is an atomic
// bitmap because it is touched from interrupt context (timer-driven
// SIGALRM delivery, kill() from another thread's syscall) — spec §9
// "Interrupt-safe data structures".
type PendingSet struct {
	bits uint64
}

func (p *PendingSet) Add(s Signal) {
	want := bit(s)
	for {
		cur := atomic.LoadUint64(&p.bits)
		if cur&want != 0 {
			return
		}
		if atomic.CompareAndSwapUint64(&p.bits, cur, cur|want) {
			return
		}
	}
}

func (p *PendingSet) Clear(s Signal) {
	want := bit(s)
	for {
		cur := atomic.LoadUint64(&p.bits)
		if cur&want == 0 {
			return
		}
		if atomic.CompareAndSwapUint64(&p.bits, cur, cur&^want) {
			return
		}
	}
}

func (p *PendingSet) Test(s Signal) bool {
	return atomic.LoadUint64(&p.bits)&bit(s) != 0
}
func (p *PendingSet) Snapshot() uint64 { return atomic.LoadUint64(&p.bits) }

// Deliverable returns the lowest-numbered pending signal not present in
// mask, and clears it from the pending set atomically. Used at the gate's
// return-to-user edge (spec §4.6 step 0: "checks whether any pending &
// unmasked signal exists").
func (p *PendingSet) Deliverable(mask uint64) (Signal, bool) {
	for {
		cur := atomic.LoadUint64(&p.bits)
		avail := cur &^ mask
		if avail == 0 {
			return 0, false
		}
		// lowest set bit
		lsb := avail & (avail - 1) ^ avail
		idx := 0
		for v := lsb; v > 1; v >>= 1 {
			idx++
		}
		sig := Signal(idx + 1)
		if atomic.CompareAndSwapUint64(&p.bits, cur, cur&^bit(sig)) {
			return sig, true
		}
	}
}

// Disposition is what happens when a signal is delivered.
type Disposition int

const (
	DispositionDefault Disposition = iota
	DispositionIgnore
	DispositionHandler
)

// Action is one process's configured response to a signal (rt_sigaction).
type Action struct {
	Disposition Disposition
	Handler     uint64 // user-space handler address, meaningful iff DispositionHandler
	Mask        uint64 // signals blocked for the duration of the handler
	Flags       uint64
}

// DefaultActionKind is what "terminate/ignore/stop/continue" a signal's
// default action resolves to absent a user handler (spec §4.6).
type DefaultActionKind int

const (
	DefaultTerminate DefaultActionKind = iota
	DefaultIgnore
	DefaultStop
	DefaultContinue
)

// DefaultAction reports the POSIX default disposition for sig.
func DefaultAction(sig Signal) DefaultActionKind {
	switch sig {
	case SIGCHLD, SIGURG():
		return DefaultIgnore
	case SIGCONT:
		return DefaultContinue
	case SIGSTOP, SIGTSTP:
		return DefaultStop
	default:
		return DefaultTerminate
	}
}

// SIGURG is not wired into the Signal const block (Breenix does not expose
// urgent-socket-data notifications) but DefaultAction still needs a
// placeholder that can never equal a real signal number.
func SIGURG() Signal { return 0 }

var (
	ErrUncatchable = errors.New("ksignal: SIGKILL/SIGSTOP cannot be caught or blocked")
)

// Table is a process's full sigaction table plus its current mask. Cloned
// by fork; reset-to-default (for handled signals only) by exec (spec §4.5).
type Table struct {
	actions map[Signal]Action
	Mask    uint64 // blocked-signal bitmap, preserved across exec
}

func NewTable() *Table {
	return &Table{actions: make(map[Signal]Action)}
}

// SetAction installs act for sig. SIGKILL and SIGSTOP reject any
// disposition other than the implicit default (spec §4.6).
func (t *Table) SetAction(sig Signal, act Action) error {
	if sig == SIGKILL || sig == SIGSTOP {
		return ErrUncatchable
	}
	t.actions[sig] = act
	return nil
}

func (t *Table) Action(sig Signal) Action {
	return t.actions[sig]
}

// SetMask installs a new blocked-signal mask; SIGKILL/SIGSTOP can never be
// blocked regardless of what the caller asks for.
func (t *Table) SetMask(mask uint64) {
	t.Mask = mask &^ (bit(SIGKILL) | bit(SIGSTOP))
}

// Clone deep-copies the table for fork (spec §4.5 "Clone signal handlers
// and mask").
func (t *Table) Clone() *Table {
	c := NewTable()
	c.Mask = t.Mask
	for s, a := range t.actions {
		c.actions[s] = a
	}
	return c
}

// ResetHandledToDefault clears every signal currently set to a user handler
// back to default disposition, preserving the mask (spec §4.5 exec: "Reset
// the signal-handler table for signals currently set to handlers ... ;
// preserve the signal mask").
func (t *Table) ResetHandledToDefault() {
	for s, a := range t.actions {
		if a.Disposition == DispositionHandler {
			delete(t.actions, s)
		}
	}
}

// DeliveryFrame is the set of TrapFrame mutations and user-stack writes the
// gate must perform to invoke a handler (spec §4.6 steps 1-3). SavedFrame
// must be serialized onto the user stack at SavedFrameAddr by the caller
// (who owns the address space), as must the trampoline address, written as
// the return address at NewTF.Rsp, just below the saved frame.
type DeliveryFrame struct {
	NewTF          trap.TrapFrame
	SavedFrame     trap.TrapFrame
	SavedFrameAddr uint64
}

// sizeofTrapFrame is an arbitrary but fixed stack slot size reserved for
// the serialized TrapFrame; real hardware would use sizeof the actual
// struct, but since this is a software model the exact byte count is a
// convention shared by BuildDeliveryFrame and sigreturn's inverse.
const sizeofTrapFrame = 176

// BuildDeliveryFrame computes the handler-entry TrapFrame and the saved
// frame the trampoline will hand to rt_sigreturn, per spec §4.6:
//  1. Save the current TrapFrame on the user stack (aligned, below any
//     alternate signal stack base the caller selects).
//  2. Overwrite the return frame: Rip -> handler, Rsp -> below the saved
//     frame, Rdi -> signal number.
//  3. Leave an 8-byte slot at the new Rsp for the return address; the
//     caller writes the trampoline address (whose only job is to invoke
//     rt_sigreturn) there. trampolineAddr itself is not used here.
func BuildDeliveryFrame(cur trap.TrapFrame, sig Signal, handlerAddr, trampolineAddr, stackTop uint64) DeliveryFrame {
	savedAddr := alignDown16(stackTop) - sizeofTrapFrame
	newSP := alignDown16(savedAddr) - 8 // room for the trampoline return address

	newTF := cur
	newTF.Rip = handlerAddr
	newTF.Rsp = newSP
	newTF.Rdi = uint64(sig)

	return DeliveryFrame{
		NewTF:          newTF,
		SavedFrame:     cur,
		SavedFrameAddr: savedAddr,
	}
}

func alignDown16(v uint64) uint64 { return v &^ 0xF }

// Sigreturn restores the interrupted computation from a saved frame,
// resuming it transparently (spec §4.6 "sigreturn restores the saved
// TrapFrame").
func Sigreturn(saved trap.TrapFrame) trap.TrapFrame { return saved }
