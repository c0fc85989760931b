// Package cmd defines the command line of the sonomkr binary.
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nicolas-f/sonomkr-core/internal/audio"
	"github.com/nicolas-f/sonomkr-core/internal/config"
	"github.com/nicolas-f/sonomkr-core/internal/tui"
	"github.com/nicolas-f/sonomkr-core/pkg/build"
)

// RunFunc runs the capture pipeline until ctx is cancelled or the pipeline fails.
type RunFunc func(ctx context.Context, cfg *config.Config) error

type flags struct {
	configPath  string
	device      int
	channels    int
	sampleRate  float64
	bitDepth    int
	periodSize  int
	driver      string
	record      bool
	verbose     bool
	interactive bool
}

// NewRootCommand returns the root command. It loads the configuration, applies
// the flags that were set and hands the result to run.
func NewRootCommand(run RunFunc) *cobra.Command {
	buildInfo := build.GetBuildFlags()
	var f flags

	rootCmd := &cobra.Command{
		Use:           buildInfo.Name,
		Short:         buildInfo.Description,
		Version:       buildInfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &f)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	// Display help message
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "",
		"Configuration file. Defaults to ./config.yaml, then /etc/sonomkr/config.yaml")

	// Audio Device Configuration
	pf.IntVarP(&f.device, "device", "d", config.MinDeviceID,
		"Input device ID, -1 for the system default. Use the 'devices' command to list them.")
	pf.IntVarP(&f.channels, "channels", "c", 0,
		"Number of channels to capture")
	pf.Float64VarP(&f.sampleRate, "sample-rate", "s", 0,
		"Sample rate, measured in Hertz (Hz)")
	pf.IntVarP(&f.bitDepth, "bit-depth", "b", 0,
		"Sample word size, 16 or 24")
	pf.IntVarP(&f.periodSize, "period-size", "p", 0,
		"Frames per capture period (affects latency)")
	pf.StringVar(&f.driver, "driver", "",
		fmt.Sprintf("Capture driver, %q or %q", config.DriverPortAudio, config.DriverTone))

	// Recording Configuration
	pf.BoolVarP(&f.record, "record", "r", false,
		"Record every channel to WAV files in recording.output_dir")

	// Debug Configuration
	pf.BoolVarP(&f.verbose, "verbose", "v", false,
		"Show verbose output")

	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "List available audio devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listDevices(cmd.OutOrStdout(), f.interactive)
		},
	}
	devicesCmd.Flags().BoolVarP(&f.interactive, "interactive", "i", false,
		"Pick a device and print its audio configuration block")
	rootCmd.AddCommand(devicesCmd)

	return rootCmd
}

// Execute runs the command line args against run.
func Execute(ctx context.Context, args []string, run RunFunc) error {
	rootCmd := NewRootCommand(run)
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

// loadConfig loads the configuration file and overrides it with the flags the
// user set explicitly.
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("device") {
		cfg.Audio.InputDevice = f.device
	}
	if changed("channels") {
		cfg.Audio.InputChannels = f.channels
	}
	if changed("sample-rate") {
		cfg.Audio.SampleRate = f.sampleRate
	}
	if changed("bit-depth") {
		cfg.Audio.BitDepth = f.bitDepth
	}
	if changed("period-size") {
		cfg.Audio.PeriodSize = f.periodSize
	}
	if changed("driver") {
		cfg.Audio.Driver = f.driver
	}
	if changed("record") {
		cfg.Recording.Enabled = f.record
	}
	if changed("verbose") {
		cfg.Debug = f.verbose
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func listDevices(w io.Writer, interactive bool) (err error) {
	if err := audio.Initialize(); err != nil {
		return err
	}
	defer func() {
		if terr := audio.Terminate(); err == nil {
			err = terr
		}
	}()

	if !interactive {
		return audio.ListDevices(w)
	}

	sel, err := tui.StartDeviceListUI()
	if err != nil || sel == nil {
		return err
	}
	out, err := sel.YAML()
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
