// Package backend opens the gpu.Device selected by configuration.
package backend

import (
	"fmt"

	"github.com/pbatko/scalag/internal/config"
	"github.com/pbatko/scalag/internal/gpu"
	"github.com/pbatko/scalag/internal/gpu/soft"
	"github.com/pbatko/scalag/internal/gpu/vulkan"
	"github.com/pbatko/scalag/internal/logging"
)

// Open creates the device named by cfg.Device.Backend.
func Open(cfg *config.Config) (gpu.Device, error) {
	logging.Debugf("Opening %s device", cfg.Device.Backend)

	switch cfg.Device.Backend {
	case config.BackendSoft:
		dev, err := soft.NewDevice(soft.Options{
			Profile:  soft.Profile(cfg.Device.Profile),
			HeapSize: cfg.HeapSize(),
		})
		if err != nil {
			return nil, fmt.Errorf("opening soft device: %w", err)
		}
		return dev, nil

	case config.BackendVulkan:
		dev, err := vulkan.Open(vulkan.Options{
			Validation:  cfg.Device.Validation,
			DeviceIndex: cfg.Device.Index,
		})
		if err != nil {
			return nil, fmt.Errorf("opening vulkan device: %w", err)
		}
		return dev, nil

	default:
		return nil, fmt.Errorf("unknown device backend %q", cfg.Device.Backend)
	}
}

// NewStagingPool creates a staging pool on dev sized by cfg.
func NewStagingPool(cfg *config.Config, dev gpu.Device) (*gpu.StagingPool, error) {
	return gpu.NewStagingPool(dev.Allocator(), cfg.Staging.MaxBytes, cfg.Staging.MaxEntries)
}
