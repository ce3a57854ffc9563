package main

import (
	"github.com/distribution/raster/version"
	"github.com/spf13/cobra"
)

var (
	showVersion bool
	configPath  string
)

func init() {
	RootCmd.AddCommand(InfoCmd)
	RootCmd.AddCommand(BenchCmd)
	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file, defaults to $RASTER_CONFIGURATION_PATH")
}

// RootCmd is the main command for the 'rasterctl' binary.
var RootCmd = &cobra.Command{
	Use:   "rasterctl",
	Short: "`rasterctl` inspects and exercises the raster engine",
	Long:  "`rasterctl` inspects and exercises the raster engine",
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			version.PrintVersion()
			return
		}
		// nolint:errcheck
		cmd.Usage()
	},
}
