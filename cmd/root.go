package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lecrunch/lecrunch/internal/config"
	"github.com/lecrunch/lecrunch/internal/motion"
	"github.com/lecrunch/lecrunch/internal/service"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	pipeline     string
	profile      string
	verboseLevel int
	quietLevel   int
	simulate     bool

	// per-run overrides of the resolved configuration
	address    string
	events     int
	sequence   int
	storeMode  string
	timeSuffix bool
)

var rootCmd = &cobra.Command{
	Use:   "lecrunch [prefix]",
	Short: "Sequenced waveform capture from LeCroy oscilloscopes",
	Long: `LeCrunch captures triggered waveforms from a LeCroy oscilloscope over the
network and streams them into one container file per session.

Each trigger cycle fetches every active channel. In sequence mode one trigger
cycle delivers several segments, each stored as its own event together with
its trigger time and offset.

When a prefix is provided, it acts as 'lecrunch capture [prefix]'.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(verboseLevel, quietLevel, cmd.ErrOrStderr()); err != nil {
			return err
		}

		var err error
		cfg, err = config.Load(cfgFile, profile, cmd.Flags().Changed("config"))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		applyOverrides(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		// Validate pipeline if provided
		if err := validatePipeline(); err != nil {
			return err
		}

		// usage is only useful for argument errors
		cmd.SilenceUsage = true
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// If a prefix is provided, delegate to capture command
		if len(args) == 1 {
			return captureCmd.RunE(cmd, args)
		}
		// Otherwise show help
		return cmd.Help()
	},
}

// Execute runs the root command until it returns or the user interrupts it.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	closeLogFiles()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/lecrunch.yaml)")
	rootCmd.PersistentFlags().StringVarP(&pipeline, "pipeline", "p", "", "pipeline steps: c=capture, e=export (e.g., 'ce')")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().CountVarP(&verboseLevel, "verbose", "v", "write info.log (-v) and debug.log (-vv) in the working directory")
	rootCmd.PersistentFlags().CountVarP(&quietLevel, "quiet", "q", "do not print progress during acquisition, only log errors")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "use the built-in simulated instrument and stage")

	rootCmd.PersistentFlags().StringVarP(&address, "ip", "i", "", "instrument IP address (overrides config, default 127.0.0.1)")
	rootCmd.PersistentFlags().IntVarP(&events, "events", "n", 0, "number of events to capture in total (overrides config, default 1000)")
	rootCmd.PersistentFlags().IntVarP(&sequence, "sequence", "s", 0, "number of sequential events per trigger cycle (overrides config, default 1)")
	rootCmd.PersistentFlags().StringVar(&storeMode, "store", "", "container mode: memory or disk (overrides config)")

	// Add flags for direct capture
	rootCmd.Flags().BoolVar(&timeSuffix, "time", false, "append the local time to the file name")

	// Add subcommands
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(displayCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(configCmd)
}

// applyOverrides copies explicitly set flags over the resolved configuration.
func applyOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("ip") {
		cfg.Instrument.Address = address
	}
	if flags.Changed("events") {
		cfg.Acquisition.Events = events
	}
	if flags.Changed("sequence") {
		cfg.Acquisition.Sequence = sequence
	}
	if flags.Changed("store") {
		cfg.Output.StoreMode = storeMode
	}
	if simulate {
		cfg.Instrument.Driver = "simulator"
	}
}

// newService builds the service for the resolved configuration.
func newService(cmd *cobra.Command) (service.Service, error) {
	var opts []service.Option
	if simulate {
		opts = append(opts, service.WithStage(func(sc config.StageConfig) (*motion.Stage, error) {
			return motion.New(motion.NewEmulator(motion.Position{}), motion.Options{
				Timeout:  sc.Timeout,
				Attempts: sc.Attempts,
			}), nil
		}))
	}
	return service.New(cfg, cfgFile, cmd.OutOrStdout(), opts...)
}
