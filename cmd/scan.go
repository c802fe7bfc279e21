package cmd

import (
	"fmt"
	"time"

	"github.com/lecrunch/lecrunch/internal/motion"
	"github.com/lecrunch/lecrunch/internal/service"

	"github.com/spf13/cobra"
)

var (
	resumeScan bool
	originX    float64
	originY    float64
	settle     time.Duration
)

var scanCmd = &cobra.Command{
	Use:   "scan [name]",
	Short: "Capture at every point of an x/y stage grid",
	Long: `Move the stage over the grid configured in the scan section and record one
capture per point into <output>/<name>/x<i>_y<j>.sqlite. Finished points are
logged to <name>.txt together with the event rate; --resume continues an
interrupted scan after the last logged point. The stage always returns home.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		if cmd.Flags().Changed("settle") {
			cfg.Scan.Settle = settle
		}
		opts := service.ScanOptions{Resume: resumeScan, Quiet: quietLevel > 0}
		if cmd.Flags().Changed("origin-x") || cmd.Flags().Changed("origin-y") {
			if resumeScan {
				return fmt.Errorf("--origin cannot be changed when resuming a scan")
			}
			opts.Origin = &motion.Position{X: originX, Y: originY}
		}

		svc, err := newService(cmd)
		if err != nil {
			return err
		}

		res, err := svc.Scan(cmd.Context(), name, opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Scan %s: %d of %d points recorded in %s\n",
			name, res.Skipped+res.Completed, res.Points, res.Dir)
		return nil
	},
}

func init() {
	scanCmd.Flags().BoolVar(&resumeScan, "resume", false, "continue an interrupted scan")
	scanCmd.Flags().Float64Var(&originX, "origin-x", 0, "absolute x position the grid is centred on")
	scanCmd.Flags().Float64Var(&originY, "origin-y", 0, "absolute y position the grid is centred on")
	scanCmd.Flags().DurationVar(&settle, "settle", 0, "wait after each move before capturing (overrides config)")
}
