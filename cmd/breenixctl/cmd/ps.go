/*************************************************************************
 * Breenix kernel — process/thread substrate
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 *************************************************************************/

package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ryanbreen/breenix-sub004/internal/proc"
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List every process in the table (use --fork-demo N to populate it first).",
	Run: func(cmd *cobra.Command, args []string) {
		k, unlock, err := bootKernel()
		if err != nil {
			outputErrorAndExit("boot failed", err)
		}
		defer unlock()

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"PID", "PPID", "PGID", "SID", "STATE", "THREADS", "INSTANCE"})
		table.AppendBulk(psRows(k.Procs.Snapshot()))
		table.Render()
		fmt.Fprintf(os.Stdout, "%d thread(s) waiting in the ready queue\n", k.Sched.ReadyLen())
	},
}

func psRows(procs []*proc.Process) [][]string {
	rows := make([][]string, 0, len(procs))
	for _, p := range procs {
		rows = append(rows, []string{
			strconv.Itoa(p.PID),
			strconv.Itoa(p.PPID),
			strconv.Itoa(p.PGID),
			strconv.Itoa(p.SID),
			p.State.String(),
			strconv.Itoa(len(p.ThreadIDs)),
			p.InstanceID,
		})
	}
	return rows
}
