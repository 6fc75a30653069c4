package gpu

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
)

// Result is a native status code reported by an allocator or device backend.
// Values mirror VkResult so Vulkan codes pass through unchanged.
type Result int32

const (
	ResultSuccess                    Result = 0
	ResultNotReady                   Result = 1
	ResultTimeout                    Result = 2
	ResultErrorOutOfHostMemory       Result = -1
	ResultErrorOutOfDeviceMemory     Result = -2
	ResultErrorInitializationFailed  Result = -3
	ResultErrorDeviceLost            Result = -4
	ResultErrorMemoryMapFailed       Result = -5
	ResultErrorFeatureNotPresent     Result = -8
	ResultErrorTooManyObjects        Result = -10
	ResultErrorFormatNotSupported    Result = -11
	ResultErrorUnknown               Result = -13
	ResultErrorValidationFailed      Result = -1000011001
	ResultErrorInvalidExternalHandle Result = -1000072003
)

// Register names r in the shared VkResult string table.
func (r Result) Register(str string) {
	common.VkResult(r).Register(str)
}

func init() {
	ResultSuccess.Register("VK_SUCCESS")
	ResultNotReady.Register("VK_NOT_READY")
	ResultTimeout.Register("VK_TIMEOUT")
	ResultErrorOutOfHostMemory.Register("VK_ERROR_OUT_OF_HOST_MEMORY")
	ResultErrorOutOfDeviceMemory.Register("VK_ERROR_OUT_OF_DEVICE_MEMORY")
	ResultErrorInitializationFailed.Register("VK_ERROR_INITIALIZATION_FAILED")
	ResultErrorDeviceLost.Register("VK_ERROR_DEVICE_LOST")
	ResultErrorMemoryMapFailed.Register("VK_ERROR_MEMORY_MAP_FAILED")
	ResultErrorFeatureNotPresent.Register("VK_ERROR_FEATURE_NOT_PRESENT")
	ResultErrorTooManyObjects.Register("VK_ERROR_TOO_MANY_OBJECTS")
	ResultErrorFormatNotSupported.Register("VK_ERROR_FORMAT_NOT_SUPPORTED")
	ResultErrorUnknown.Register("VK_ERROR_UNKNOWN")
	ResultErrorValidationFailed.Register("VK_ERROR_VALIDATION_FAILED_EXT")
	ResultErrorInvalidExternalHandle.Register("VK_ERROR_INVALID_EXTERNAL_HANDLE")
}

func (r Result) String() string {
	if name := common.VkResult(r).String(); name != "" {
		return name
	}
	return fmt.Sprintf("VkResult(%d)", int32(r))
}

// Error lets a non-success Result travel as an error value.
func (r Result) Error() string {
	return r.String()
}

// Succeeded reports whether r is a success or status code.
func (r Result) Succeeded() bool {
	return r >= 0
}

// ResultOf extracts the native code carried by err. It returns
// ResultSuccess for a nil error and ResultErrorUnknown when err does not
// carry a code.
func ResultOf(err error) Result {
	if err == nil {
		return ResultSuccess
	}

	var coded interface{ NativeResult() Result }
	if errors.As(err, &coded) {
		return coded.NativeResult()
	}

	var r Result
	if errors.As(err, &r) {
		return r
	}

	return ResultErrorUnknown
}
