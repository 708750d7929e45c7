package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blockvault/tefs/pkg/tefs"
)

var (
	flagNumPages        int64
	flagBlockSize       int64
	flagHashSize        int64
	flagMetadataSize    int64
	flagMaxFileNameSize int64
	flagEraseFirst      bool
)

var formatCmd = &cobra.Command{
	Use:   "format PATH",
	Short: "Format a new TEFS device image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		dev, err := tefs.OpenFileDevice(path, int(flagNumPages), int(flagPageSize))
		if err != nil {
			return err
		}
		defer dev.Close()

		params := tefs.FormatParams{
			NumPages:        flagNumPages,
			PageSize:        flagPageSize,
			BlockSize:       flagBlockSize,
			HashSize:        flagHashSize,
			MetadataSize:    flagMetadataSize,
			MaxFileNameSize: flagMaxFileNameSize,
			EraseFirst:      flagEraseFirst,
		}

		fs, err := tefs.Format(dev, params, tefs.Options{Logger: log})
		if err != nil {
			return err
		}

		fmt.Printf("formatted %s: %d pages, %d blocks free\n", path, params.NumPages, fs.FreeBlocks())
		return nil
	},
}

func init() {
	formatCmd.Flags().Int64Var(&flagNumPages, "num-pages", 1000, "total number of device pages")
	formatCmd.Flags().Int64Var(&flagBlockSize, "block-size", 8, "pages per block")
	formatCmd.Flags().Int64Var(&flagHashSize, "hash-size", 4, "hash slot size in bytes (2 or 4)")
	formatCmd.Flags().Int64Var(&flagMetadataSize, "metadata-size", 32, "metadata entry size in bytes")
	formatCmd.Flags().Int64Var(&flagMaxFileNameSize, "max-name", 12, "maximum file name length")
	formatCmd.Flags().BoolVar(&flagEraseFirst, "erase", false, "pre-erase the device before formatting")
}
