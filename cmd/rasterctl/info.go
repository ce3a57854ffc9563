package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/distribution/raster/configuration"
	"github.com/distribution/raster/raster"
	"github.com/distribution/raster/raster/driver"
	"github.com/distribution/raster/version"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

// InfoCmd is the cobra command that corresponds to the info subcommand
var InfoCmd = &cobra.Command{
	Use:   "info",
	Short: "`info` prints the effective engine settings and drivers",
	Long:  "`info` prints the effective engine settings and drivers",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, config, err := setup()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			// nolint:errcheck
			cmd.Usage()
			os.Exit(1)
		}
		if err := runInfo(ctx, config, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "info: %v\n", err)
			os.Exit(1)
		}
	},
}

func runInfo(ctx context.Context, config *configuration.Configuration, out io.Writer) error {
	policy := raster.PolicyFromConfiguration(config)
	engine, err := raster.NewEngine(ctx, policy)
	if err != nil {
		return err
	}
	defer engine.Shutdown(ctx)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "version\t%s\n", version.Version())
	fmt.Fprintf(tw, "cache.maxsize\t%s\n", units.BytesSize(float64(policy.CacheMaxSize)))
	fmt.Fprintf(tw, "cache.strategy\t%s\n", policy.CacheStrategy)
	fmt.Fprintf(tw, "io.forcecachedio\t%t\n", policy.ForceCachedIO)
	if policy.OversamplingThreshold > 0 {
		fmt.Fprintf(tw, "io.oversamplingthreshold\t%g\n", policy.OversamplingThreshold)
	}
	fmt.Fprintf(tw, "locking.enabled\t%s\n", policy.Locking)
	fmt.Fprintf(tw, "locking.waittimeout\t%s\n", policy.LockWaitTimeout)
	for _, d := range engine.Drivers() {
		_, creates := d.(driver.Creator)
		fmt.Fprintf(tw, "driver\t%s\tcreate=%t\n", d.Name(), creates)
	}
	return tw.Flush()
}
