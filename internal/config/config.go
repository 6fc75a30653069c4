package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Device  DeviceConfig  `mapstructure:"device"`
	Staging StagingConfig `mapstructure:"staging"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type DeviceConfig struct {
	Backend      string        `mapstructure:"backend"`
	Profile      string        `mapstructure:"profile"`
	HeapSizeMB   int           `mapstructure:"heap_size_mb"`
	FenceTimeout time.Duration `mapstructure:"fence_timeout"`
	Validation   bool          `mapstructure:"validation"`
	Index        int           `mapstructure:"index"`
}

type StagingConfig struct {
	MaxBytes   int64 `mapstructure:"max_bytes"`
	MaxEntries int   `mapstructure:"max_entries"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

const (
	BackendSoft   = "soft"
	BackendVulkan = "vulkan"
)

var (
	validBackends = []string{BackendSoft, BackendVulkan}
	validProfiles = []string{"integrated", "discrete"}
	validLevels   = []string{"debug", "info", "warn", "error"}
)

// DefaultConfig returns configuration with default values
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	scalagDir := filepath.Join(home, ".scalag")

	return &Config{
		Device: DeviceConfig{
			Backend:      BackendSoft,
			Profile:      "integrated",
			HeapSizeMB:   256,
			FenceTimeout: 10 * time.Second,
			Validation:   false,
			Index:        0,
		},
		Staging: StagingConfig{
			MaxBytes:   64 << 20,
			MaxEntries: 32,
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       filepath.Join(scalagDir, "scalag.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			Console:    false,
		},
	}
}

// Load loads configuration from file, environment, and defaults
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	// Set defaults
	cfg := DefaultConfig()
	setDefaults(v, cfg)

	// Config file setup
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("finding home directory: %w", err)
		}

		v.AddConfigPath(filepath.Join(home, ".scalag"))
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	// Environment variables
	v.SetEnvPrefix("SCALAG")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is okay, use defaults
	}

	// Unmarshal into struct
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand paths
	cfg.ExpandPaths()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !slices.Contains(validBackends, c.Device.Backend) {
		return fmt.Errorf("device.backend must be one of: %v", validBackends)
	}

	if !slices.Contains(validProfiles, c.Device.Profile) {
		return fmt.Errorf("device.profile must be one of: %v", validProfiles)
	}

	if c.Device.HeapSizeMB <= 0 {
		return errors.New("device.heap_size_mb must be positive")
	}

	if c.Device.FenceTimeout <= 0 {
		return errors.New("device.fence_timeout must be positive")
	}

	if c.Device.Index < 0 {
		return errors.New("device.index must not be negative")
	}

	if c.Staging.MaxBytes < 0 {
		return errors.New("staging.max_bytes must not be negative")
	}

	if c.Staging.MaxEntries <= 0 {
		return errors.New("staging.max_entries must be positive")
	}

	if !slices.Contains(validLevels, c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

// HeapSize returns the soft device heap budget in bytes.
func (c *Config) HeapSize() int64 {
	return int64(c.Device.HeapSizeMB) << 20
}

// ExpandPaths expands ~ and environment variables in paths
func (c *Config) ExpandPaths() {
	c.Logging.File = expandPath(c.Logging.File)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return os.ExpandEnv(path)
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("device.backend", cfg.Device.Backend)
	v.SetDefault("device.profile", cfg.Device.Profile)
	v.SetDefault("device.heap_size_mb", cfg.Device.HeapSizeMB)
	v.SetDefault("device.fence_timeout", cfg.Device.FenceTimeout)
	v.SetDefault("device.validation", cfg.Device.Validation)
	v.SetDefault("device.index", cfg.Device.Index)

	v.SetDefault("staging.max_bytes", cfg.Staging.MaxBytes)
	v.SetDefault("staging.max_entries", cfg.Staging.MaxEntries)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.max_size_mb", cfg.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", cfg.Logging.MaxBackups)
	v.SetDefault("logging.console", cfg.Logging.Console)
}
