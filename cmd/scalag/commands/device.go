package commands

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pbatko/scalag/internal/gpu"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Show device information",
	Long: `Display the configured device and the memory types it exposes.

Each memory type lists the heap it draws from and its property flags.
Buffers pick the first allowed type that carries every required flag,
preferring the flags implied by the requested memory usage.`,
	Args: cobra.NoArgs,
	RunE: runDevice,
}

func init() {
	rootCmd.AddCommand(deviceCmd)
}

func runDevice(cmd *cobra.Command, args []string) error {
	dev, err := openDevice()
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), errorStyle.Render("Device error: "+err.Error()))
		return err
	}
	defer closeDevice(dev)

	printDevice(cmd.OutOrStdout(), dev)
	return nil
}

var memoryTypeColumns = []struct {
	title string
	width int
}{
	{"INDEX", 7},
	{"HEAP", 6},
	{"HEAP SIZE", 12},
	{"PROPERTIES", 0},
}

func printDevice(w io.Writer, dev gpu.Device) {
	fmt.Fprintln(w, titleStyle.Render("Scalag Device Information"))
	fmt.Fprintln(w, labelStyle.Render("Device")+dev.Name())
	fmt.Fprintln(w, labelStyle.Render("Type")+dev.Type().String())
	fmt.Fprintln(w)

	var header string
	for _, col := range memoryTypeColumns {
		header += column(col.title, col.width)
	}
	fmt.Fprintln(w, headerStyle.Render(header))

	for _, mt := range dev.MemoryTypes() {
		cells := []string{
			strconv.Itoa(mt.Index),
			strconv.Itoa(mt.HeapIndex),
			humanize.IBytes(uint64(mt.HeapSize)),
			mt.Properties.String(),
		}

		var row string
		for i, col := range memoryTypeColumns {
			row += column(cells[i], col.width)
		}
		fmt.Fprintln(w, row)
	}
}
