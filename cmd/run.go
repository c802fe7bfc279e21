package cmd

import (
	"fmt"
	"strings"

	"github.com/lecrunch/lecrunch/internal/service"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [prefix]",
	Short: "Execute pipeline steps on a capture",
	Long: `Execute the specified pipeline steps on a capture. Use -p to specify which steps to run,
for example -p ce captures <prefix>.sqlite and then exports <prefix>_volts.sqlite.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := args[0]

		if pipeline == "" {
			return fmt.Errorf("no pipeline specified, use -p flag (e.g., -p ce)")
		}

		svc, err := newService(cmd)
		if err != nil {
			return err
		}

		steps := strings.ToLower(pipeline)
		fmt.Fprintf(cmd.OutOrStdout(), "Pipeline: executing steps '%s' on %s...\n", steps, prefix)
		if err := svc.RunPipeline(cmd.Context(), prefix, steps, service.CaptureOptions{
			TimeSuffix: timeSuffix,
			Quiet:      quietLevel > 0,
		}); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Pipeline: completed")
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&timeSuffix, "time", false, "append the local time to the file name")
}
