/*************************************************************************
 * Breenix kernel — process/thread substrate
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 *************************************************************************/

package kernel

import (
	"encoding/binary"
	"fmt"

	"github.com/crewjam/rfc5424"

	"github.com/ryanbreen/breenix-sub004/internal/klog"
	"github.com/ryanbreen/breenix-sub004/internal/vmm"
)

// mapPage installs a page at addr if nothing is mapped there yet. The
// address-space model in internal/vmm keys each mapping by the exact
// virtual address passed to Map, so every distinct byte address a process
// image touches — a loaded ELF segment byte, a stack slot — needs its own
// entry; mapPage is the single place that idempotently ensures one exists
// before a write.
func mapPage(as *vmm.AddressSpace, addr uint64, flags vmm.Flags) error {
	if _, _, ok := as.Lookup(vmm.VirtAddr(addr)); ok {
		return nil
	}
	_, err := as.MapNewPage(vmm.VirtAddr(addr), flags)
	return err
}

func readUint64At(as *vmm.AddressSpace, addr uint64) (uint64, error) {
	var b [8]byte
	for i := range b {
		c, err := as.ReadByte(vmm.VirtAddr(addr) + vmm.VirtAddr(i))
		if err != nil {
			return 0, err
		}
		b[i] = c
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeUint32(as *vmm.AddressSpace, addr uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	for i, c := range b {
		if err := as.WriteByte(vmm.VirtAddr(addr)+vmm.VirtAddr(i), c); err != nil {
			return err
		}
	}
	return nil
}

// readStringVector reads a NULL-terminated array of string pointers —
// argv or envp — dereferencing each one as a NUL-terminated C string
// (spec §4.5 exec "push argv/envp in the System V layout").
func readStringVector(as *vmm.AddressSpace, addr uint64) ([]string, error) {
	if addr == 0 {
		return nil, nil
	}
	var out []string
	for i := 0; i < 4096; i++ {
		ptr, err := readUint64At(as, addr+uint64(i)*8)
		if err != nil {
			return nil, err
		}
		if ptr == 0 {
			return out, nil
		}
		s, err := readCString(as, ptr)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return nil, fmt.Errorf("kernel: string vector exceeds 4096 entries without a NULL terminator")
}

// buildInitialStack lays out a fresh user stack per spec §6's System V
// convention: argc at the top of stack, then argv pointers
// NULL-terminated, then envp pointers NULL-terminated, then the string
// pool the pointers reference. It returns the initial stack pointer.
//
// The pointer arrays must sit at lower addresses than the strings they
// point into (ascending from the returned stack pointer: argc, argv[],
// NULL, envp[], NULL, string pool), so this runs in two passes: first the
// strings are written above a reserved low region, recording their
// addresses, then the pointer arrays and argc are written into that
// region using the now-known string addresses.
func buildInitialStack(as *vmm.AddressSpace, argv, envp []string) (uint64, error) {
	flags := vmm.FlagWritable

	headerWords := 1 + len(argv) + 1 + len(envp) + 1 // argc, argv[], NULL, envp[], NULL
	base := userStackTop - 8192
	stringCursor := base + uint64(headerWords)*8

	writeString := func(s string) (uint64, error) {
		start := stringCursor
		for _, c := range []byte(s) {
			if err := mapPage(as, stringCursor, flags); err != nil {
				return 0, err
			}
			if err := as.WriteByte(vmm.VirtAddr(stringCursor), c); err != nil {
				return 0, err
			}
			stringCursor++
		}
		if err := mapPage(as, stringCursor, flags); err != nil {
			return 0, err
		}
		if err := as.WriteByte(vmm.VirtAddr(stringCursor), 0); err != nil {
			return 0, err
		}
		stringCursor++
		return start, nil
	}

	argvPtrs := make([]uint64, len(argv))
	for i, s := range argv {
		p, err := writeString(s)
		if err != nil {
			return 0, err
		}
		argvPtrs[i] = p
	}
	envpPtrs := make([]uint64, len(envp))
	for i, s := range envp {
		p, err := writeString(s)
		if err != nil {
			return 0, err
		}
		envpPtrs[i] = p
	}

	cursor := base
	writeWord := func(v uint64) error {
		if err := mapPage(as, cursor, flags); err != nil {
			return err
		}
		if err := writeUint64Word(as, cursor, v); err != nil {
			return err
		}
		cursor += 8
		return nil
	}

	sp := base
	if err := writeWord(uint64(len(argv))); err != nil {
		return 0, err
	}
	for _, p := range argvPtrs {
		if err := writeWord(p); err != nil {
			return 0, err
		}
	}
	if err := writeWord(0); err != nil {
		return 0, err
	}
	for _, p := range envpPtrs {
		if err := writeWord(p); err != nil {
			return 0, err
		}
	}
	if err := writeWord(0); err != nil {
		return 0, err
	}

	return sp, nil
}

func writeUint64Word(as *vmm.AddressSpace, addr uint64, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	for i, c := range b {
		if err := as.WriteByte(vmm.VirtAddr(addr)+vmm.VirtAddr(i), c); err != nil {
			return err
		}
	}
	return nil
}

func klogPID(pid int) rfc5424.SDParam   { return klog.KV("pid", pid) }
func klogChild(pid int) rfc5424.SDParam { return klog.KV("child_pid", pid) }
