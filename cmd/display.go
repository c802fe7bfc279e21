package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var displayCmd = &cobra.Command{
	Use:       "display on|off",
	Short:     "Turn the instrument screen on or off",
	Long:      `Turn the instrument screen on or off. A dark screen speeds up long acquisitions.`,
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off", "ON", "OFF"},
	RunE: func(cmd *cobra.Command, args []string) error {
		on := strings.EqualFold(args[0], "on")

		svc, err := newService(cmd)
		if err != nil {
			return err
		}
		if err := svc.Display(cmd.Context(), on); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Display %s\n", strings.ToUpper(args[0]))
		return nil
	},
}
