package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tiroq/diarscribe/internal/diaglog"
)

var (
	exportDest  string
	exportRunID string
)

var exportDiagCmd = &cobra.Command{
	Use:   "export-diag",
	Short: "Bundle the diagnostic log for a bug report",
	Args:  cobra.NoArgs,
	// The bundle must be exportable even when the config is broken.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		diaglog.Version = Version
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {},
	RunE: func(cmd *cobra.Command, args []string) error {
		path, n, err := diaglog.Export(diaglog.DefaultPath(), exportDest, diaglog.ExportOptions{RunID: exportRunID})
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(cmd.ErrOrStderr(), "hint: run with DIARSCRIBE_DEBUG=true to enable the diagnostic log")
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote: %s (%d lines)\n", path, n)
		return nil
	},
}

func init() {
	exportDiagCmd.Flags().StringVar(&exportDest, "dest", ".", "directory to write the bundle to")
	exportDiagCmd.Flags().StringVar(&exportRunID, "run", "", "only include entries of this run ID (see <name>.meta.json)")
	rootCmd.AddCommand(exportDiagCmd)
}
