package gpu

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAllocator struct {
	mock.Mock
}

func (m *mockAllocator) CreateBuffer(req BufferRequest) (BufferAllocation, error) {
	args := m.Called(req)
	return args.Get(0).(BufferAllocation), args.Error(1)
}

func (m *mockAllocator) DestroyBuffer(buf BufferHandle, alloc AllocationHandle) error {
	return m.Called(buf, alloc).Error(0)
}

func (m *mockAllocator) MapMemory(alloc AllocationHandle) ([]byte, error) {
	args := m.Called(alloc)
	mem, _ := args.Get(0).([]byte)
	return mem, args.Error(1)
}

func (m *mockAllocator) UnmapMemory(alloc AllocationHandle) error {
	return m.Called(alloc).Error(0)
}

func (m *mockAllocator) FlushAllocation(alloc AllocationHandle, offset, size int64) error {
	return m.Called(alloc, offset, size).Error(0)
}

func (m *mockAllocator) InvalidateAllocation(alloc AllocationHandle, offset, size int64) error {
	return m.Called(alloc, offset, size).Error(0)
}

func (m *mockAllocator) Epoch() uint64 {
	return m.Called().Get(0).(uint64)
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) CopyBuffer(src, dst BufferHandle, regions ...BufferCopy) {
	m.Called(src, dst, regions)
}

type mockCommandPool struct {
	mock.Mock
}

func (m *mockCommandPool) BeginSingleTimeCommands() (CommandRecorder, error) {
	args := m.Called()
	rec, _ := args.Get(0).(CommandRecorder)
	return rec, args.Error(1)
}

func (m *mockCommandPool) EndSingleTimeCommands(rec CommandRecorder) (Fence, error) {
	args := m.Called(rec)
	f, _ := args.Get(0).(Fence)
	return f, args.Error(1)
}

func newMockBuffer(t *testing.T, a *mockAllocator, size int64, props MemoryPropertyFlags, handle uint64) *Buffer {
	t.Helper()

	a.On("CreateBuffer", mock.MatchedBy(func(req BufferRequest) bool { return req.Size == size })).Return(BufferAllocation{
		Buffer:     BufferHandle(handle),
		Allocation: AllocationHandle(handle + 1),
		Properties: props,
	}, nil).Once()

	buf, err := NewBuffer(a, BufferDescriptor{Size: size, Usage: BufferUsageTransferSrc | BufferUsageTransferDst})
	require.NoError(t, err)
	return buf
}

func newMockAllocator() *mockAllocator {
	a := &mockAllocator{}
	a.On("Epoch").Return(uint64(1))
	return a
}

// closingAllocator closes while a buffer is being created.
type closingAllocator struct {
	*mockAllocator
	epoch atomic.Uint64
}

func (a *closingAllocator) Epoch() uint64 { return a.epoch.Load() }

func TestBufferCreatedDuringCloseIsReleased(t *testing.T) {
	a := &closingAllocator{mockAllocator: &mockAllocator{}}
	a.epoch.Store(1)
	a.On("CreateBuffer", mock.Anything).Run(func(mock.Arguments) {
		a.epoch.Store(2)
	}).Return(BufferAllocation{Buffer: 1, Allocation: 2, Properties: hostCoherent}, nil).Once()

	buf, err := NewBuffer(a, BufferDescriptor{Size: 8, Usage: BufferUsageTransferSrc})
	require.NoError(t, err)

	_, err = buf.CopyFromHost([]byte{1})
	assert.ErrorIs(t, err, ErrAllocatorReleased)
	assert.ErrorIs(t, buf.Destroy(), ErrAllocatorReleased)

	a.AssertNotCalled(t, "MapMemory", mock.Anything)
	a.AssertNotCalled(t, "DestroyBuffer", mock.Anything, mock.Anything)
}

const hostCoherent = MemoryPropertyHostVisible | MemoryPropertyHostCoherent

func TestWriteMapsCopiesFlushesUnmaps(t *testing.T) {
	a := newMockAllocator()
	buf := newMockBuffer(t, a, 8, hostCoherent, 10)

	mem := make([]byte, 8)
	a.On("MapMemory", AllocationHandle(11)).Return(mem, nil).Once()
	a.On("FlushAllocation", AllocationHandle(11), int64(0), int64(4)).Return(nil).Once()
	a.On("UnmapMemory", AllocationHandle(11)).Return(nil).Once()

	n, err := CopyHostToBuffer([]byte{1, 2, 3, 4}, buf, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, []byte{1, 2, 3, 4, 0, 0, 0, 0}, mem)

	a.AssertExpectations(t)
}

func TestCoherentReadSkipsInvalidate(t *testing.T) {
	a := newMockAllocator()
	buf := newMockBuffer(t, a, 4, hostCoherent, 10)

	a.On("MapMemory", AllocationHandle(11)).Return([]byte{5, 6, 7, 8}, nil).Once()
	a.On("UnmapMemory", AllocationHandle(11)).Return(nil).Once()

	dst := make([]byte, 4)
	_, err := CopyBufferToHost(buf, dst, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 6, 7, 8}, dst)

	a.AssertNotCalled(t, "InvalidateAllocation", mock.Anything, mock.Anything, mock.Anything)
	a.AssertExpectations(t)
}

func TestNonCoherentReadInvalidates(t *testing.T) {
	a := newMockAllocator()
	buf := newMockBuffer(t, a, 4, MemoryPropertyHostVisible|MemoryPropertyHostCached, 10)

	a.On("MapMemory", AllocationHandle(11)).Return([]byte{5, 6, 7, 8}, nil).Once()
	a.On("InvalidateAllocation", AllocationHandle(11), int64(0), int64(2)).Return(nil).Once()
	a.On("UnmapMemory", AllocationHandle(11)).Return(nil).Once()

	dst := make([]byte, 2)
	n, err := CopyBufferToHost(buf, dst, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	a.AssertExpectations(t)
}

func TestUnmapRunsWhenCopyPanics(t *testing.T) {
	a := newMockAllocator()
	buf := newMockBuffer(t, a, 8, hostCoherent, 10)

	a.On("MapMemory", AllocationHandle(11)).Return(make([]byte, 8), nil).Once()
	a.On("UnmapMemory", AllocationHandle(11)).Return(nil).Once()

	assert.Panics(t, func() {
		_ = buf.withMapped("write", func([]byte) error {
			panic("copy step failed")
		})
	})

	a.AssertExpectations(t)
	assert.False(t, buf.mapped.Load())
}

func TestUnmapRunsWhenFlushFails(t *testing.T) {
	a := newMockAllocator()
	buf := newMockBuffer(t, a, 8, hostCoherent, 10)

	a.On("MapMemory", AllocationHandle(11)).Return(make([]byte, 8), nil).Once()
	a.On("FlushAllocation", AllocationHandle(11), int64(0), int64(8)).Return(ResultErrorOutOfHostMemory).Once()
	a.On("UnmapMemory", AllocationHandle(11)).Return(nil).Once()

	_, err := buf.CopyFromHost(make([]byte, 8))

	var mapErr *MapError
	require.True(t, errors.As(err, &mapErr))
	assert.Equal(t, "flush", mapErr.Op)
	assert.Equal(t, ResultErrorOutOfHostMemory, mapErr.Code)

	a.AssertExpectations(t)
}

func TestUnmapFailureIsReported(t *testing.T) {
	a := newMockAllocator()
	buf := newMockBuffer(t, a, 8, hostCoherent, 10)

	a.On("MapMemory", AllocationHandle(11)).Return(make([]byte, 8), nil).Once()
	a.On("FlushAllocation", AllocationHandle(11), int64(0), int64(8)).Return(nil).Once()
	a.On("UnmapMemory", AllocationHandle(11)).Return(ResultErrorDeviceLost).Once()

	_, err := buf.CopyFromHost(make([]byte, 8))
	assert.Equal(t, ResultErrorDeviceLost, ResultOf(err))

	a.AssertExpectations(t)
}

func TestConcurrentMapRejected(t *testing.T) {
	a := newMockAllocator()
	buf := newMockBuffer(t, a, 8, hostCoherent, 10)

	buf.mapped.Store(true)
	_, err := buf.CopyFromHost(make([]byte, 8))
	assert.True(t, errors.Is(err, ErrAlreadyMapped))

	a.AssertNotCalled(t, "MapMemory", mock.Anything)
}

func TestCopyBufferRecordsClampedRegion(t *testing.T) {
	a := newMockAllocator()
	src := newMockBuffer(t, a, 32, 0, 10)
	dst := newMockBuffer(t, a, 16, 0, 20)

	rec := &mockRecorder{}
	rec.On("CopyBuffer", BufferHandle(10), BufferHandle(20), []BufferCopy{{Size: 16}}).Once()

	pool := &mockCommandPool{}
	pool.On("BeginSingleTimeCommands").Return(rec, nil).Once()
	pool.On("EndSingleTimeCommands", rec).Return(CompletedFence(), nil).Once()

	fence, err := CopyBuffer(src, dst, 1000, pool)
	require.NoError(t, err)
	require.NoError(t, fence.Wait(context.Background()))

	rec.AssertExpectations(t)
	pool.AssertExpectations(t)
}

func TestCopyBufferSubmitFailure(t *testing.T) {
	a := newMockAllocator()
	src := newMockBuffer(t, a, 16, 0, 10)
	dst := newMockBuffer(t, a, 16, 0, 20)

	rec := &mockRecorder{}
	rec.On("CopyBuffer", mock.Anything, mock.Anything, mock.Anything)

	pool := &mockCommandPool{}
	pool.On("BeginSingleTimeCommands").Return(rec, nil)
	pool.On("EndSingleTimeCommands", rec).Return(nil, ResultErrorDeviceLost)

	_, err := CopyBuffer(src, dst, 16, pool)

	var subErr *SubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, ResultErrorDeviceLost, subErr.Code)
	assert.Equal(t, "gpu submission error during submit commands (VK_ERROR_DEVICE_LOST)", err.Error())
}

func TestDestroyPassesHandles(t *testing.T) {
	a := newMockAllocator()
	buf := newMockBuffer(t, a, 8, 0, 10)

	a.On("DestroyBuffer", BufferHandle(10), AllocationHandle(11)).Return(nil).Once()

	require.NoError(t, buf.Destroy())
	assert.True(t, errors.Is(buf.Destroy(), ErrBufferDestroyed))

	a.AssertExpectations(t)
}

func TestDestroyFailureIsAllocationError(t *testing.T) {
	a := newMockAllocator()
	buf := newMockBuffer(t, a, 8, 0, 10)

	a.On("DestroyBuffer", BufferHandle(10), AllocationHandle(11)).Return(ResultErrorDeviceLost).Once()

	err := buf.Destroy()
	var allocErr *AllocationError
	require.True(t, errors.As(err, &allocErr))
	assert.Equal(t, ResultErrorDeviceLost, allocErr.Code)
}

func TestCreateFailureCarriesCode(t *testing.T) {
	a := newMockAllocator()
	a.On("CreateBuffer", mock.Anything).Return(BufferAllocation{}, errors.Wrap(ResultErrorOutOfDeviceMemory, "heap 0 full")).Once()

	buf, err := NewBuffer(a, BufferDescriptor{Size: 8, Usage: BufferUsageStorage})
	assert.Nil(t, buf)
	assert.Equal(t, ResultErrorOutOfDeviceMemory, ResultOf(err))
	assert.Equal(t, "gpu allocation error during create buffer (VK_ERROR_OUT_OF_DEVICE_MEMORY): heap 0 full: VK_ERROR_OUT_OF_DEVICE_MEMORY", err.Error())
}

func TestResultOf(t *testing.T) {
	assert.Equal(t, ResultSuccess, ResultOf(nil))
	assert.Equal(t, ResultErrorUnknown, ResultOf(errors.New("plain")))
	assert.Equal(t, ResultErrorDeviceLost, ResultOf(errors.Wrap(ResultErrorDeviceLost, "queue")))
	assert.Equal(t, ResultErrorValidationFailed, ResultOf(&MapError{Code: ResultErrorValidationFailed, Err: errors.New("x")}))

	assert.Equal(t, "VK_ERROR_MEMORY_MAP_FAILED", ResultErrorMemoryMapFailed.String())
	assert.Equal(t, "VK_ERROR_VALIDATION_FAILED_EXT", ResultErrorValidationFailed.Error())
	assert.NotEmpty(t, Result(-99).String())
	assert.True(t, ResultTimeout.Succeeded())
	assert.False(t, ResultErrorUnknown.Succeeded())
}

func TestSharedFenceDestroysOnLastOwner(t *testing.T) {
	inner := &countingFence{}
	owners := shareFence(inner, 2)

	owners[0].Destroy()
	owners[0].Destroy()
	assert.Zero(t, inner.destroyed)

	owners[1].Destroy()
	assert.Equal(t, 1, inner.destroyed)
}

type countingFence struct {
	destroyed int
}

func (f *countingFence) Wait(context.Context) error { return nil }
func (f *countingFence) Signaled() bool             { return true }
func (f *countingFence) Destroy()                   { f.destroyed++ }
