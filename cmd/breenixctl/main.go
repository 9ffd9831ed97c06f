/*************************************************************************
 * Breenix kernel — process/thread substrate
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 *************************************************************************/

// Command breenixctl boots the Breenix kernel simulation in-process and
// offers a handful of introspection commands against it. There is no
// separate daemon to dial into: the kernel is a library, so every
// subcommand boots its own instance, drives it, and tears it down before
// exiting.
package main

import (
	"fmt"
	"os"

	"github.com/ryanbreen/breenix-sub004/cmd/breenixctl/cmd"
)

func main() {
	if err := cmd.SetupCommands().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
