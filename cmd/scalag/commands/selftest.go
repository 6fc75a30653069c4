package commands

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/pbatko/scalag/internal/backend"
	"github.com/pbatko/scalag/internal/config"
	"github.com/pbatko/scalag/internal/gpu"
	"github.com/pbatko/scalag/internal/logging"
)

const selftestByte = 0xAB

// errPatternMismatch is returned when the read back bytes differ from what
// was written.
var errPatternMismatch = errors.New("read back data does not match")

type selftestResult struct {
	Bytes   int
	Staged  bool
	Elapsed time.Duration
}

var selftestSize int64

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Copy a pattern through device memory and verify it",
	Long: `Write a byte pattern into a host visible buffer, copy it on the device
into a device local buffer, wait for the fence and read it back.

Device local memory that the host cannot map is read back through a
staging buffer. The fence wait is bounded by device.fence_timeout.`,
	Args: cobra.NoArgs,
	RunE: runSelftestCmd,
}

func init() {
	rootCmd.AddCommand(selftestCmd)

	selftestCmd.Flags().Int64Var(&selftestSize, "size", 64, "number of bytes to copy")
}

func runSelftestCmd(cmd *cobra.Command, args []string) error {
	dev, err := openDevice()
	if err != nil {
		return err
	}
	defer closeDevice(dev)

	res, err := runSelftest(cmd.Context(), cfg, dev, selftestSize)
	if err != nil {
		logging.Errorf("Self test failed on %s: %v", dev.Name(), err)
		fmt.Fprintln(cmd.ErrOrStderr(), errorStyle.Render("FAIL: "+err.Error()))
		return err
	}
	logging.Infof("Self test passed on %s: %d bytes in %s", dev.Name(), res.Bytes, res.Elapsed)

	path := "direct"
	if res.Staged {
		path = "staged"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d bytes verified on %s (%s read back, %s)\n",
		okStyle.Render("PASS"), res.Bytes, dev.Name(), path, res.Elapsed.Round(time.Microsecond))
	return nil
}

// runSelftest copies size bytes of selftestByte from a host visible buffer
// to a device local one and verifies them on the host.
func runSelftest(ctx context.Context, cfg *config.Config, dev gpu.Device, size int64) (selftestResult, error) {
	start := time.Now()

	src, err := gpu.NewBuffer(dev.Allocator(), gpu.BufferDescriptor{
		Label:       "selftest-src",
		Size:        size,
		Usage:       gpu.BufferUsageTransferSrc,
		MemoryFlags: gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent,
		MemoryUsage: gpu.MemoryUsageCPUOnly,
	})
	if err != nil {
		return selftestResult{}, err
	}
	defer destroyBuffer(src)

	dst, err := gpu.NewBuffer(dev.Allocator(), gpu.BufferDescriptor{
		Label:       "selftest-dst",
		Size:        size,
		Usage:       gpu.BufferUsageTransferSrc | gpu.BufferUsageTransferDst,
		MemoryFlags: gpu.MemoryPropertyDeviceLocal,
		MemoryUsage: gpu.MemoryUsageGPUOnly,
	})
	if err != nil {
		return selftestResult{}, err
	}
	defer destroyBuffer(dst)

	want := bytes.Repeat([]byte{selftestByte}, int(size))
	if _, err := gpu.CopyHostToBuffer(want, src, size); err != nil {
		return selftestResult{}, err
	}

	fence, err := gpu.CopyBuffer(src, dst, size, dev.CommandPool())
	if err != nil {
		return selftestResult{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.Device.FenceTimeout)
	defer cancel()

	if err := gpu.WaitAndDestroy(waitCtx, fence); err != nil {
		return selftestResult{}, errors.Wrap(err, "waiting for device copy")
	}

	res := selftestResult{Staged: !dst.HostVisible()}
	got := make([]byte, size)

	if res.Staged {
		res.Bytes, err = download(ctx, waitCtx, cfg, dev, dst, got)
	} else {
		res.Bytes, err = dst.ReadInto(got)
	}
	if err != nil {
		return selftestResult{}, err
	}

	if i := slices.IndexFunc(got[:res.Bytes], func(b byte) bool { return b != selftestByte }); i >= 0 || res.Bytes != len(want) {
		return selftestResult{}, errors.Wrapf(errPatternMismatch, "got %d of %d bytes, first difference at %d", res.Bytes, len(want), i)
	}

	res.Elapsed = time.Since(start)
	return res, nil
}

// download reads src through a staging pool that is cleared afterwards.
func download(ctx, waitCtx context.Context, cfg *config.Config, dev gpu.Device, src *gpu.Buffer, dst []byte) (int, error) {
	pool, err := backend.NewStagingPool(cfg, dev)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := pool.Clear(ctx); err != nil {
			logging.Get().WithError(err).Warn("Failed to clear staging pool")
		}
	}()

	return gpu.Download(waitCtx, pool, src, dst, dev.CommandPool())
}

func destroyBuffer(b *gpu.Buffer) {
	if err := b.Destroy(); err != nil {
		logging.Get().WithError(err).WithField("label", b.Label()).Warn("Failed to destroy buffer")
	}
}
