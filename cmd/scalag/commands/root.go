package commands

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pbatko/scalag/internal/backend"
	"github.com/pbatko/scalag/internal/config"
	"github.com/pbatko/scalag/internal/gpu"
	"github.com/pbatko/scalag/internal/logging"
)

const version = "0.1.0"

var (
	cfgFile     string
	backendName string
	profileName string
	verbose     bool

	// cfg is resolved from the config file, environment and flags before
	// any subcommand runs
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "scalag",
	Short: "GPU buffer toolkit",
	Long: `Scalag manages GPU buffers: creation with typed memory, host mapped
reads and writes, and device copies completed through fences.

It runs against a Vulkan device when built with the vulkan tag, or against
the built-in soft device which emulates integrated and discrete memory
layouts in host memory.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.scalag/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&backendName, "backend", "", "device backend (soft, vulkan)")
	rootCmd.PersistentFlags().StringVar(&profileName, "profile", "", "soft device memory profile (integrated, discrete)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// initConfig reads the configuration, applies flag overrides and sets up
// logging.
func initConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		loaded.Device.Backend = backendName
	}
	if flags.Changed("profile") {
		loaded.Device.Profile = profileName
	}
	if verbose {
		loaded.Logging.Level = "debug"
		loaded.Logging.Console = true
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("validating flags: %w", err)
	}

	err = logging.Init(logging.Options{
		Level:      loaded.Logging.Level,
		File:       loaded.Logging.File,
		Console:    loaded.Logging.Console,
		MaxSizeMB:  loaded.Logging.MaxSizeMB,
		MaxBackups: loaded.Logging.MaxBackups,
	})
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}

	cfg = loaded
	return nil
}

func openDevice() (gpu.Device, error) {
	dev, err := backend.Open(cfg)
	if err != nil {
		return nil, err
	}

	logging.Get().WithFields(logrus.Fields{
		"device":  dev.Name(),
		"backend": cfg.Device.Backend,
	}).Debug("Opened device")
	return dev, nil
}

func closeDevice(dev gpu.Device) {
	if err := dev.Close(); err != nil {
		logging.Warnf("Failed to close device %s: %v", dev.Name(), err)
	}
}
