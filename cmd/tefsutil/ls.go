package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls PATH",
	Short: "List the files on a TEFS device image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, fs, err := openMounted(args[0])
		if err != nil {
			return err
		}
		defer dev.Close()

		entries, err := fs.List()
		if err != nil {
			return err
		}

		table := [][]string{{"", ""}}
		for _, e := range entries {
			size := uint64(e.EOFPage)*uint64(fs.Geometry().PageSize) + uint64(e.EOFByte)
			table = append(table, []string{e.Name, fmt.Sprintf("%d bytes", size)})
		}
		PlainTable(table)
		return nil
	},
}
