// Command tefsutil is a host-side tool for building and inspecting TEFS
// device images, mirroring the way cmd/vorteil drives pkg/vimg/vdecompiler
// from the command line.
package main

import (
	"errors"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/sisatech/tablewriter"
	"github.com/spf13/cobra"

	"github.com/blockvault/tefs/pkg/elog"
	"github.com/blockvault/tefs/pkg/tefs"
)

// PlainTable prints data in a grid, handling alignment automatically. vals[0]
// is a placeholder row (its own contents are never rendered) so every real
// row can be appended uniformly by callers, mirroring cmd/vorteil's own
// PlainTable.
func PlainTable(vals [][]string) {
	if len(vals) == 0 {
		panic(errors.New("no rows provided"))
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	for i := 1; i < len(vals); i++ {
		table.Append(vals[i])
	}

	table.Render()
}

// openMounted opens an already-formatted image file and mounts it, reusing
// the page size discovered by --page-size to address the file before the
// superblock (which carries the authoritative geometry) has been read.
func openMounted(path string) (*tefs.FileDevice, *tefs.FS, error) {
	dev, err := tefs.OpenFileDevice(path, 0, int(flagPageSize))
	if err != nil {
		return nil, nil, err
	}
	fs, err := tefs.Mount(dev, tefs.Options{Logger: log})
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	return dev, fs, nil
}

var log elog.View

var (
	flagVerbose bool
	flagDebug   bool
	flagPageSize int64
)

var rootCmd = &cobra.Command{
	Use:   "tefsutil",
	Short: "Inspect and build TEFS device images",
}

func commandInit() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().Int64Var(&flagPageSize, "page-size", 512, "device page size in bytes, used to open an already-formatted image")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logger := &elog.CLI{}
		logrus.SetFormatter(logger)
		logrus.SetLevel(logrus.TraceLevel)

		if flagDebug {
			logger.IsDebug = true
			logger.IsVerbose = true
		} else if flagVerbose {
			logger.IsVerbose = true
		}

		log = logger
		return nil
	}

	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(fsckCmd)
}

func main() {
	commandInit()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
