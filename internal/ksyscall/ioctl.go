/*************************************************************************
 * Breenix kernel — process/thread substrate
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 *************************************************************************/

package ksyscall

import "golang.org/x/sys/unix"

// IoctlRequest is a Linux ioctl request code. Breenix's console fd only
// needs the two request codes below (spec §4.5's foreground process group
// extension); every other request a program issues falls through to
// -ENOTTY the same way an unsupported request does on real Linux.
type IoctlRequest uint64

const (
	TIOCGPGRP IoctlRequest = IoctlRequest(unix.TIOCGPGRP)
	TIOCSPGRP IoctlRequest = IoctlRequest(unix.TIOCSPGRP)
)
