package cmd

import (
	"fmt"
	"log/slog"

	"github.com/lecrunch/lecrunch/internal/service"

	"github.com/spf13/cobra"
)

var captureCmd = &cobra.Command{
	Use:   "capture [prefix]",
	Short: "Capture triggered waveforms into <prefix>.sqlite",
	Long: `Connect to the instrument, configure sequence mode and record the requested
number of events from every active channel into <prefix>.sqlite in the output
directory. Ctrl+C stops the capture after the current trigger cycle and keeps
what was recorded.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := args[0]
		slog.Info("Capture command started", "prefix", prefix)

		svc, err := newService(cmd)
		if err != nil {
			return err
		}

		stats, err := svc.Capture(cmd.Context(), prefix, service.CaptureOptions{
			TimeSuffix: timeSuffix,
			Quiet:      quietLevel > 0,
		})
		if err != nil {
			return fmt.Errorf("capture failed: %w", err)
		}
		if !stats.Connected || stats.EventsCompleted == 0 {
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %d events to %s\n", stats.EventsCompleted, stats.Path)

		// Execute pipeline if specified
		return executePipeline(cmd, stats.Path, 'c')
	},
}

func init() {
	captureCmd.Flags().BoolVar(&timeSuffix, "time", false, "append the local time to the file name")
}
