package gpu

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrBufferDestroyed is returned by every operation on a buffer after
	// Destroy, including a second Destroy.
	ErrBufferDestroyed = errors.New("gpu: buffer already destroyed")

	// ErrAllocatorReleased is returned when the allocator that produced a
	// buffer has been closed before the buffer was destroyed.
	ErrAllocatorReleased = errors.New("gpu: allocator released")

	// ErrInvalidSize is returned for zero or negative buffer and copy sizes.
	ErrInvalidSize = errors.New("gpu: invalid size")

	// ErrNotHostVisible is returned when mapping memory the host cannot address.
	ErrNotHostVisible = errors.New("gpu: memory is not host visible")

	// ErrAlreadyMapped is returned when a buffer is mapped from two call sites
	// at once.
	ErrAlreadyMapped = errors.New("gpu: buffer is already mapped")

	// ErrMappedRangeShort is returned when the mapped view does not cover the
	// requested transfer.
	ErrMappedRangeShort = errors.New("gpu: mapped range shorter than transfer")

	// ErrOverlappingCopy is returned when a device copy reads and writes the
	// same bytes of one buffer.
	ErrOverlappingCopy = errors.New("gpu: copy regions overlap")
)

// AllocationError reports that the allocator rejected a buffer or memory
// request.
type AllocationError struct {
	Op   string
	Code Result
	Err  error
}

func (e *AllocationError) Error() string {
	return formatError("allocation", e.Op, e.Code, e.Err)
}

func (e *AllocationError) Unwrap() error        { return e.Err }
func (e *AllocationError) NativeResult() Result { return e.Code }

// MapError reports that mapping, flushing or copying through a mapping failed.
type MapError struct {
	Op   string
	Code Result
	Err  error
}

func (e *MapError) Error() string {
	return formatError("map", e.Op, e.Code, e.Err)
}

func (e *MapError) Unwrap() error        { return e.Err }
func (e *MapError) NativeResult() Result { return e.Code }

// SubmissionError reports that recording or submitting a command buffer failed.
type SubmissionError struct {
	Op   string
	Code Result
	Err  error
}

func (e *SubmissionError) Error() string {
	return formatError("submission", e.Op, e.Code, e.Err)
}

func (e *SubmissionError) Unwrap() error        { return e.Err }
func (e *SubmissionError) NativeResult() Result { return e.Code }

func newAllocationError(op string, err error) error {
	return &AllocationError{Op: op, Code: codeFor(err, ResultErrorUnknown), Err: err}
}

func newMapError(op string, err error) error {
	return &MapError{Op: op, Code: codeFor(err, ResultErrorMemoryMapFailed), Err: err}
}

func newSubmissionError(op string, err error) error {
	return &SubmissionError{Op: op, Code: codeFor(err, ResultErrorUnknown), Err: err}
}

// codeFor picks the native code carried by err, falling back to def for
// errors raised by this package.
func codeFor(err error, def Result) Result {
	if code := ResultOf(err); code != ResultErrorUnknown {
		return code
	}

	switch {
	case errors.Is(err, ErrInvalidSize), errors.Is(err, ErrOverlappingCopy):
		return ResultErrorValidationFailed
	case errors.Is(err, ErrNotHostVisible), errors.Is(err, ErrAlreadyMapped):
		return ResultErrorMemoryMapFailed
	}

	return def
}

func formatError(kind, op string, code Result, err error) string {
	msg := fmt.Sprintf("gpu %s error", kind)
	if op != "" {
		msg += " during " + op
	}
	msg += " (" + code.String() + ")"
	if err != nil && err.Error() != code.Error() {
		msg += ": " + err.Error()
	}
	return msg
}
