/*************************************************************************
 * Breenix kernel — process/thread substrate
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 *************************************************************************/

// Package ksyscall is the syscall surface: the Linux-numeric syscall table,
// errno convention, and argument dispatch described in spec §6. Handler
// return values are never panics — a syscall error is always a negative
// errno handed back through the TrapFrame's accumulator register (spec §7).
package ksyscall

import "golang.org/x/sys/unix"

// Errno is a signed errno value. A Handler returns 0 or a positive result on
// success and a negative Errno on failure, matching the -errno convention
// of spec §6 exactly (handlers "return a signed value; negative is
// -errno").
type Errno int64

// Errno constants reuse Linux's numeric values via golang.org/x/sys/unix so
// that every value in this table is bit-for-bit what existing Linux-ABI
// tooling expects (spec §4.4 "numeric compatibility with existing
// tooling").
const (
	EPERM  Errno = Errno(unix.EPERM)
	ENOENT Errno = Errno(unix.ENOENT)
	ESRCH  Errno = Errno(unix.ESRCH)
	EINTR  Errno = Errno(unix.EINTR)
	EIO    Errno = Errno(unix.EIO)
	EBADF  Errno = Errno(unix.EBADF)
	ECHILD Errno = Errno(unix.ECHILD)
	EAGAIN Errno = Errno(unix.EAGAIN)
	ENOMEM Errno = Errno(unix.ENOMEM)
	EFAULT Errno = Errno(unix.EFAULT)
	EEXIST Errno = Errno(unix.EEXIST)
	ENOTDIR Errno = Errno(unix.ENOTDIR)
	EISDIR Errno = Errno(unix.EISDIR)
	EINVAL Errno = Errno(unix.EINVAL)
	ENOSYS Errno = Errno(unix.ENOSYS)
	ESPIPE Errno = Errno(unix.ESPIPE)
	EPIPE  Errno = Errno(unix.EPIPE)
	ENOTTY Errno = Errno(unix.ENOTTY)
)

// AsReturnValue converts a (value, errno) result pair into the single
// signed return value a TrapFrame's accumulator register carries.
func AsReturnValue(value int64, errno Errno) int64 {
	if errno != 0 {
		return -int64(errno)
	}
	return value
}
