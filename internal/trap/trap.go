/*************************************************************************
 * Breenix kernel — process/thread substrate
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 *************************************************************************/

// Package trap holds the architecture-facing data that the interrupt/syscall
// gate manipulates: the canonical saved CPU state at a privilege-level
// crossing (TrapFrame) and the per-CPU scalars the gate's return path writes
// immediately before IRETQ (spec §4.4). It is deliberately inert — no
// goroutines, no locks, no I/O — because code on the gate's hot path may
// perform none of those things.
package trap

import "github.com/ryanbreen/breenix-sub004/internal/pmm"

// Kind identifies what produced a gate entry.
type Kind int

const (
	KindSyscall Kind = iota
	KindTimerIRQ
	KindPageFault
	KindGeneralProtection
	KindDoubleFault
	KindDivideByZero
	KindInvalidOpcode
)

// TrapFrame is the canonical saved CPU state at a ring crossing: the
// general-purpose registers software pushes on entry, plus the
// hardware-pushed privilege-transition frame (instruction pointer,
// flags, stack pointer, code/stack selectors). Field names follow the
// x86_64 System V register set; ARM64 callers populate the same struct
// under the agreed convention (X0-X7 into the argument slots, ELR into
// Rip, SP into Rsp) so the rest of the kernel is architecture-neutral.
type TrapFrame struct {
	Rax, Rbx, Rcx, Rdx    uint64
	Rsi, Rdi, Rbp         uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	Rip, Cs, Rflags, Rsp, Ss uint64
}

// SyscallNumber reads the syscall number per the Linux x86_64 convention
// (spec §4.4 "Dispatch").
func (tf *TrapFrame) SyscallNumber() int64 { return int64(tf.Rax) }

// SyscallArgs reads the first six argument registers, Linux x86_64 order.
func (tf *TrapFrame) SyscallArgs() [6]uint64 {
	return [6]uint64{tf.Rdi, tf.Rsi, tf.Rdx, tf.R10, tf.R8, tf.R9}
}

// SetReturnValue overwrites the saved accumulator register with a syscall
// handler's return value (spec §4.4 "Handler return value replaces the
// saved accumulator register").
func (tf *TrapFrame) SetReturnValue(v int64) { tf.Rax = uint64(v) }

// Clone returns a deep copy (TrapFrame has no pointer fields, so this is
// just a value copy, but the named constructor documents the intent at
// every fork/signal call site).
func (tf TrapFrame) Clone() TrapFrame { return tf }

// EqualExceptAccumulator reports whether tf and other agree on every field
// except Rax — spec §8 property 3, checked after fork.
func (tf TrapFrame) EqualExceptAccumulator(other TrapFrame) bool {
	tf.Rax, other.Rax = 0, 0
	return tf == other
}

// CPU is the single simulated processor's per-CPU scalars: the task-state
// segment's rsp0 (kernel stack top loaded at every scheduling decision) and
// the one-shot "next CR3" slot the gate's return path writes just before
// IRETQ (spec §4.4 step 3 — "this write must be the last instruction before
// IRETQ that touches memory outside the CPU's execution frame").
//
// Breenix is single-CPU by design (spec §1 Non-goals); a second CPU would
// need one of these per core and a sharded lock strategy, which spec §9's
// Open Question leaves to a future SMP implementer.
type CPU struct {
	RSP0 uint64

	nextCR3    pmm.PhysFrame
	nextCR3Set bool

	// installedCR3 is the page-table root most recently consumed by
	// TakeNextCR3 — the simulated stand-in for "the value actually written
	// to the page-table base register," kept around because that write has
	// no return value of its own to observe (spec §8 properties 7/8).
	installedCR3 pmm.PhysFrame

	// gsKernel tracks whether the per-CPU GS base currently points at kernel
	// TLS (true) or has been swapped to the user value (false); toggled on
	// every ring crossing per spec §4.4 "Entry"/"Return path" step 2.
	gsKernel bool

	// needsReschedule is the "needs reschedule" flag of spec §4.3: set by
	// the timer handler when the running thread's quantum expires, acted on
	// only in the gate's return path, never inside the interrupt handler.
	needsReschedule bool
}

// NewCPU returns a CPU booted with kernel GS active, as it is throughout
// ring-0 execution before the first switch to ring 3.
func NewCPU() *CPU {
	return &CPU{gsKernel: true}
}

// RequestReschedule sets the needs-reschedule flag. Called by the timer
// handler and by wake() when no runnable thread was available.
func (c *CPU) RequestReschedule() { c.needsReschedule = true }

// TakeReschedule reports and clears the needs-reschedule flag; the gate's
// return path consumes it exactly once per trap.
func (c *CPU) TakeReschedule() bool {
	v := c.needsReschedule
	c.needsReschedule = false
	return v
}

// SetNextCR3 stages the page-table root to install immediately before
// IRETQ. Called only when the gate's return path is switching to a thread
// in a different address space.
func (c *CPU) SetNextCR3(f pmm.PhysFrame) {
	c.nextCR3 = f
	c.nextCR3Set = true
}

// TakeNextCR3 reports and clears the staged CR3 write, recording it as the
// CPU's installed page-table root (spec §4.4 step 3 — this must be the last
// thing consumed before the simulated IRETQ).
func (c *CPU) TakeNextCR3() (pmm.PhysFrame, bool) {
	f, ok := c.nextCR3, c.nextCR3Set
	c.nextCR3Set = false
	if ok {
		c.installedCR3 = f
	}
	return f, ok
}

// InstalledCR3 reports the page-table root most recently written at a
// return-to-ring-3 edge, for tests asserting spec §8 properties 7/8.
func (c *CPU) InstalledCR3() pmm.PhysFrame { return c.installedCR3 }

// SwapGSToUser and SwapGSToKernel model the GS-base swap spec §4.4 requires
// on every ring crossing. They set the state rather than toggle it, so a
// second call in a row is a no-op, unlike the hardware swapgs instruction,
// which toggles.
func (c *CPU) SwapGSToUser()   { c.gsKernel = false }
func (c *CPU) SwapGSToKernel() { c.gsKernel = true }
func (c *CPU) GSIsKernel() bool { return c.gsKernel }
