package main

import (
	_ "github.com/distribution/raster/raster/driver/inmemory"
)

func main() {
	// nolint:errcheck
	RootCmd.Execute()
}
