/*************************************************************************
 * Breenix kernel — process/thread substrate
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 *************************************************************************/

package cmd

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"
)

var dumpPID int

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump full process state (address space, fd table, signal table) for one pid, or every pid if --pid is omitted.",
	Run: func(cmd *cobra.Command, args []string) {
		k, unlock, err := bootKernel()
		if err != nil {
			outputErrorAndExit("boot failed", err)
		}
		defer unlock()

		if dumpPID != 0 {
			p, ok := k.Procs.Get(dumpPID)
			if !ok {
				outputErrorAndExit("dump", fmt.Errorf("no such pid: %d", dumpPID))
			}
			spew.Dump(p)
			return
		}
		spew.Dump(k.Procs.Snapshot())
	},
}

func init() {
	dumpCmd.Flags().IntVar(&dumpPID, "pid", 0, "dump only this pid (defaults to every live process)")
}
