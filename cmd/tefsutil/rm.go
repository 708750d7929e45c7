package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:   "rm PATH NAME",
	Short: "Remove a file from a TEFS device image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, fs, err := openMounted(args[0])
		if err != nil {
			return err
		}
		defer dev.Close()

		if err := fs.Remove(args[1]); err != nil {
			return err
		}
		fmt.Printf("removed %s\n", args[1])
		return nil
	},
}
