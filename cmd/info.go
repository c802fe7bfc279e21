package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/lecrunch/lecrunch/internal/config"
	"github.com/lecrunch/lecrunch/internal/export"
	"github.com/lecrunch/lecrunch/internal/units"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info [prefix]",
	Short: "Show resolved configuration and the contents of a capture",
	Long:  `Display the resolved configuration with inheritance indicators, followed by the attributes and datasets of <prefix>.sqlite if it exists. Shows which values are inherited from default vs profile-specific.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := args[0]
		out := cmd.OutOrStdout()

		// Display file paths
		capturePath := export.CapturePath(cfg.Output.Directory, prefix)
		fmt.Fprintf(out, "=== FILE PATHS ===\n")
		fmt.Fprintf(out, "capture: %s\n", capturePath)
		fmt.Fprintf(out, "export: %s\n", export.OutputPath(capturePath))

		printResolvedConfig(out)

		svc, err := newService(cmd)
		if err != nil {
			return err
		}
		info, err := svc.GetCaptureInfo(prefix)
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(out, "\n(no capture recorded yet)\n")
			return nil
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "\n=== CAPTURE ===\n")
		fmt.Fprintf(out, "size: %s\n", units.HumanReadableBytes(info.Size))
		fmt.Fprintf(out, "modified: %s\n", info.ModTime.Format("2006-01-02 15:04:05"))
		printAttrs(out, "", info.Attrs)
		for _, ds := range info.Datasets {
			fmt.Fprintf(out, "\n[%s]\n", ds.Name)
			fmt.Fprintf(out, "dtype: %s, shape: %s, written: %d\n", ds.DType, ds.Shape, ds.Written)
			printAttrs(out, "  ", ds.Attrs)
		}
		return nil
	},
}

func printResolvedConfig(out io.Writer) {
	inh := cfg.Inheritance
	if inh == nil {
		inh = &config.InheritanceInfo{}
	}
	fmt.Fprintf(out, "\n=== RESOLVED CONFIGURATION ===\n")

	fmt.Fprintf(out, "\n[Instrument]\n")
	fmt.Fprintf(out, "name: %s\n", cfg.Instrument.Name)
	fmt.Fprintf(out, "address: %s %s\n", cfg.Instrument.Address, getInheritanceIndicator(inh.Instrument.Address))
	fmt.Fprintf(out, "driver: %s\n", cfg.Instrument.Driver)
	fmt.Fprintf(out, "timeout: %s %s\n", cfg.Instrument.Timeout, getInheritanceIndicator(inh.Instrument.Timeout))
	fmt.Fprintf(out, "trigger_timeout: %s %s\n", cfg.Instrument.TriggerTimeout, getInheritanceIndicator(inh.Instrument.TriggerTimeout))
	fmt.Fprintf(out, "suppress_display: %t %s\n", cfg.Instrument.SuppressDisplay, getInheritanceIndicator(inh.Instrument.SuppressDisplay))

	fmt.Fprintf(out, "\n[Acquisition]\n")
	fmt.Fprintf(out, "events: %d %s\n", cfg.Acquisition.Events, getInheritanceIndicator(inh.Acquisition.Events))
	fmt.Fprintf(out, "sequence: %d %s\n", cfg.Acquisition.Sequence, getInheritanceIndicator(inh.Acquisition.Sequence))
	fmt.Fprintf(out, "sample_width: %s %s\n", cfg.Acquisition.SampleWidth, getInheritanceIndicator(inh.Acquisition.SampleWidth))
	fmt.Fprintf(out, "max_retries: %d %s\n", cfg.Acquisition.MaxRetries, getInheritanceIndicator(inh.Acquisition.MaxRetries))
	fmt.Fprintf(out, "retry_delay: %s %s\n", cfg.Acquisition.RetryDelay, getInheritanceIndicator(inh.Acquisition.RetryDelay))
	fmt.Fprintf(out, "pad_policy: %s %s\n", cfg.Acquisition.PadPolicy, getInheritanceIndicator(inh.Acquisition.PadPolicy))

	fmt.Fprintf(out, "\n[Output]\n")
	fmt.Fprintf(out, "directory: %s %s\n", cfg.Output.Directory, getInheritanceIndicator(inh.Output.Directory))
	fmt.Fprintf(out, "store_mode: %s %s\n", cfg.Output.StoreMode, getInheritanceIndicator(inh.Output.StoreMode))

	fmt.Fprintf(out, "\n[Stage]\n")
	fmt.Fprintf(out, "port: %s %s\n", cfg.Stage.Port, getInheritanceIndicator(inh.Stage.Port))
	fmt.Fprintf(out, "timeout: %s %s\n", cfg.Stage.Timeout, getInheritanceIndicator(inh.Stage.Timeout))

	fmt.Fprintf(out, "\n[Scan]\n")
	s := cfg.Scan
	fmt.Fprintf(out, "x: %g..%g in %d steps %s\n", s.XStart, s.XEnd, s.XSteps, getInheritanceIndicator(inh.Scan.Grid))
	fmt.Fprintf(out, "y: %g..%g in %d steps %s\n", s.YStart, s.YEnd, s.YSteps, getInheritanceIndicator(inh.Scan.Grid))
	fmt.Fprintf(out, "settle: %s %s\n", s.Settle, getInheritanceIndicator(inh.Scan.Settle))
}

func printAttrs(out io.Writer, indent string, attrs map[string]any) {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%s%s: %v\n", indent, k, attrs[k])
	}
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return "[unknown]"
	}
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
