package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var fsckCmd = &cobra.Command{
	Use:   "fsck PATH",
	Short: "Walk the directory and free-block bitmap and report inconsistencies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, fs, err := openMounted(args[0])
		if err != nil {
			return err
		}
		defer dev.Close()

		bar := log.NewProgress("fsck", "%", 0)
		rep, err := fs.Fsck(func(done, total int64) {
			if total > 0 {
				bar.Seek(done*100/total, 0)
			}
		})
		bar.Finish(err == nil)
		if err != nil {
			return err
		}

		fmt.Printf("run %s: %d slots (%d in use, %d deleted)\n", rep.RunID, rep.TotalSlots, rep.InUseFiles, rep.DeletedFiles)
		fmt.Printf("blocks: %d referenced + %d free = %d total (accounting ok: %v)\n",
			rep.ReferencedBlocks, rep.FreeBlocks, rep.TotalBlocks, rep.AccountingOK)
		if len(rep.TombstoneViolations) > 0 {
			table := [][]string{{"", ""}}
			for _, slot := range rep.TombstoneViolations {
				table = append(table, []string{fmt.Sprintf("%d", slot), "hash slot non-zero on a deleted/empty metadata entry"})
			}
			PlainTable(table)
		}
		return nil
	},
}
