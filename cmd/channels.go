package cmd

import (
	"fmt"

	"github.com/lecrunch/lecrunch/internal/units"

	"github.com/spf13/cobra"
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List the active instrument channels",
	Long:  `Connect to the instrument and list every channel whose trace is on, with its current waveform descriptor.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService(cmd)
		if err != nil {
			return err
		}

		channels, err := svc.Channels(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Instrument %s (%s)\n", cfg.Instrument.Address, cfg.Instrument.Driver)
		fmt.Fprintf(out, "═══════════════════════════════════════\n\n")
		fmt.Fprintf(out, "ACTIVE CHANNELS (%d found):\n", len(channels))
		for _, ch := range channels {
			d := ch.Descriptor
			freq := "n/a"
			if d.HorizInterval != 0 {
				freq = units.SIPrefix(1/d.HorizInterval) + "Hz"
			}
			fmt.Fprintf(out, "  %s: %s samples, %s, %s\n", ch.ID, units.SIPrefix(float64(d.WaveArrayCount)), d.SampleType, units.HumanReadableBytes(int64(d.WaveArrayBytes)))
			fmt.Fprintf(out, "      horizontal: interval %ss, freq %s, offset %ss\n", units.SIPrefix(d.HorizInterval), freq, units.SIPrefix(d.HorizOffset))
			fmt.Fprintf(out, "      vertical: gain %sV, offset %sV\n", units.SIPrefix(d.VerticalGain), units.SIPrefix(d.VerticalOffset))
		}
		return nil
	},
}
