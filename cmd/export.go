package cmd

import (
	"fmt"

	"github.com/lecrunch/lecrunch/internal/units"

	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export [prefix]",
	Short: "Convert a capture into calibrated voltages with a time axis",
	Long: `Read <prefix>.sqlite and write <prefix>_volts.sqlite holding, per channel,
the samples converted to volts (raw * gain - offset) and an explicit time axis
for every event. The raw capture is left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := args[0]

		svc, err := newService(cmd)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Exporting capture: %s\n", prefix)
		res, err := svc.Export(prefix)
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}

		fmt.Fprintf(out, "Channels: %v\n", res.Channels)
		fmt.Fprintf(out, "Events: %d\n", res.Events)
		fmt.Fprintf(out, "Written %s to %s\n", units.HumanReadableBytes(res.FileBytes), res.Output)
		return nil
	},
}
