package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

var writeCmd = &cobra.Command{
	Use:   "write PATH NAME LOCAL_FILE",
	Short: "Create or append to a file from local file content",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, fs, err := openMounted(args[0])
		if err != nil {
			return err
		}
		defer dev.Close()

		src, err := os.Open(args[2])
		if err != nil {
			return err
		}
		defer src.Close()

		f, err := fs.Open(args[1])
		if err != nil {
			return err
		}

		pageSize := int(fs.Geometry().PageSize)
		page, off := f.Size()

		for {
			room := pageSize - int(off)
			chunk := make([]byte, room)
			n, readErr := io.ReadFull(src, chunk)
			if n > 0 {
				if err := fs.Write(f, page, chunk[:n], n, int(off)); err != nil {
					return err
				}
				off += int64(n)
				if int(off) == pageSize {
					page++
					off = 0
				}
			}
			if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
				break
			}
			if readErr != nil {
				return readErr
			}
		}

		return fs.Close(f)
	},
}
