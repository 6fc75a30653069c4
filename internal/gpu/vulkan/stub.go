//go:build !vulkan || !cgo

package vulkan

import "github.com/pbatko/scalag/internal/gpu"

// Device stub for builds without Vulkan support
type Device struct{}

// Open returns ErrUnavailable on builds without Vulkan support
func Open(opts Options) (*Device, error) {
	return nil, ErrUnavailable
}

func (d *Device) Name() string                  { return "Vulkan (unavailable)" }
func (d *Device) Type() gpu.DeviceType          { return gpu.DeviceTypeOther }
func (d *Device) Allocator() gpu.Allocator      { return nil }
func (d *Device) CommandPool() gpu.CommandPool  { return nil }
func (d *Device) MemoryTypes() []gpu.MemoryType { return nil }
func (d *Device) Close() error                  { return ErrUnavailable }
