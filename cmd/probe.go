package cmd

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"rangefetch/downloader"
	"rangefetch/internal"
)

var probeCmd = &cobra.Command{
	Use:   "probe <URL>",
	Short: "Measure latency and throughput and suggest a worker count",
	Long: `Probe the host serving URL without downloading the whole resource.

Latency is measured with an ICMP echo when permitted and a timed HEAD request
otherwise. Throughput is sampled with a ranged GET of about one megabyte.

Examples:
  rangefetch probe https://mirror.example.com/images/disk.iso
  rangefetch probe --proxy http://proxy:8080 https://mirror.example.com/big.tar`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := args[0]

		ctx, cancel := withSignals(cmd.Context())
		defer cancel()

		engine := downloader.NewEngine(config)
		defer engine.Close()

		report, err := engine.MeasureNetwork(ctx, url)
		if err != nil {
			internal.LogErr(err)
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Host:        %s\n", report.Host)
		if report.TargetSize > 0 {
			fmt.Fprintf(out, "Size:        %s\n", humanize.IBytes(uint64(report.TargetSize)))
		} else {
			fmt.Fprintln(out, "Size:        unknown")
		}
		fmt.Fprintf(out, "Latency:     %v\n", report.Latency.Round(100*time.Microsecond))
		fmt.Fprintf(out, "Throughput:  %s/s (%s sampled)\n",
			humanize.IBytes(uint64(report.Throughput)), humanize.IBytes(uint64(report.Sampled)))
		fmt.Fprintf(out, "Workers:     %d\n", report.Workers)
		return nil
	},
}
