package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var statsDuration time.Duration

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Poll the device file for a while and print transaction statistics",
	Long: `Poll every device of the device file for --duration, then print the
per-device counters and, for devices with the histogram enabled, the
non-empty latency bins.`,
	Example: `  modbuspoll stats -d devices.yaml --duration 30s
  modbuspoll stats -d devices.yaml -o json`,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().DurationVar(&statsDuration, "duration", 10*time.Second, "How long to poll")
}

func runStats(cmd *cobra.Command, args []string) error {
	f, err := loadDevices()
	if err != nil {
		return err
	}
	d, err := buildDaemon(f, nil, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), statsDuration)
	defer cancel()
	outputInfo("Polling %s for %v", describeDaemon(d), statsDuration)
	if err := d.Run(ctx); err != nil {
		return err
	}
	return outputStats(d.devices)
}
