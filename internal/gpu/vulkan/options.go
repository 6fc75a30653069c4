// Package vulkan implements gpu.Device on a Vulkan physical device through
// github.com/vulkan-go/vulkan. The implementation needs cgo and the vulkan
// build tag; other builds get a stub whose Open returns ErrUnavailable.
package vulkan

import "github.com/cockroachdb/errors"

// ErrUnavailable is returned by Open when Vulkan support is not compiled in.
var ErrUnavailable = errors.New("vulkan: support requires cgo (build with: go build -tags vulkan)")

// Options configures device bring-up.
type Options struct {
	// AppName is reported to the driver. Defaults to "scalag".
	AppName string
	// Validation enables VK_LAYER_KHRONOS_validation.
	Validation bool
	// DeviceIndex selects the physical device in enumeration order.
	DeviceIndex int
}

// alignRange widens [offset, offset+size) to multiples of atom as required
// for flushing non-coherent memory. It reports whole=true when the range
// reaches the end of an allocation of total bytes, in which case the caller
// passes VK_WHOLE_SIZE.
func alignRange(offset, size, atom, total int64) (start, length int64, whole bool) {
	if atom <= 1 {
		return offset, size, offset+size >= total
	}

	start = offset / atom * atom
	end := (offset + size + atom - 1) / atom * atom
	if end >= total {
		return start, total - start, true
	}
	return start, end - start, false
}
