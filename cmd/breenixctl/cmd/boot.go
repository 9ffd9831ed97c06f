/*************************************************************************
 * Breenix kernel — process/thread substrate
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 *************************************************************************/

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Boot the kernel once and report pid 1's state.",
	Run: func(cmd *cobra.Command, args []string) {
		k, unlock, err := bootKernel()
		if err != nil {
			outputErrorAndExit("boot failed", err)
		}
		defer unlock()

		fmt.Printf("booted: pid 1 (%s), %d frame(s), timer at %dHz, %d process(es) live\n",
			k.Init.InstanceID, k.Cfg.FrameCount, k.Cfg.TimerHz, len(k.Procs.Snapshot()))
	},
}
