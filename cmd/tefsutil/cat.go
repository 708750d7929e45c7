package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var catCmd = &cobra.Command{
	Use:   "cat PATH NAME",
	Short: "Print a file's contents to stdout",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, fs, err := openMounted(args[0])
		if err != nil {
			return err
		}
		defer dev.Close()

		f, err := fs.Open(args[1])
		if err != nil {
			return err
		}

		pageSize := int(fs.Geometry().PageSize)
		buf := make([]byte, pageSize)
		eofPage, eofByte := f.Size()

		for page := int64(0); page <= eofPage; page++ {
			n := pageSize
			if page == eofPage {
				n = int(eofByte)
			}
			if n == 0 {
				continue
			}
			if err := fs.Read(f, page, buf, n, 0); err != nil {
				return fmt.Errorf("read page %d: %w", page, err)
			}
			if _, err := os.Stdout.Write(buf[:n]); err != nil {
				return err
			}
		}
		return fs.Close(f)
	},
}
