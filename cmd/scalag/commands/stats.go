package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// statsWriter is implemented by devices that keep allocator counters.
type statsWriter interface {
	WriteStatsJSON(w io.Writer) error
}

var statsSize int64

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Run the self test and print device counters as JSON",
	Long: `Run the self test workload and print the device's heap usage, map,
flush, invalidate and copy counters as a JSON object.

Only the soft backend keeps these counters.`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().Int64Var(&statsSize, "size", 64, "number of bytes the workload copies")
}

func runStats(cmd *cobra.Command, args []string) error {
	dev, err := openDevice()
	if err != nil {
		return err
	}
	defer closeDevice(dev)

	sw, ok := dev.(statsWriter)
	if !ok {
		return fmt.Errorf("device %s does not keep statistics", dev.Name())
	}

	if _, err := runSelftest(cmd.Context(), cfg, dev, statsSize); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if err := sw.WriteStatsJSON(out); err != nil {
		return err
	}
	fmt.Fprintln(out)
	return nil
}
