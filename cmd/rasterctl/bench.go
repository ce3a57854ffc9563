package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"github.com/distribution/raster/configuration"
	"github.com/distribution/raster/internal/dcontext"
	"github.com/distribution/raster/internal/uuid"
	"github.com/distribution/raster/raster"
	"github.com/distribution/raster/raster/driver"
	"github.com/distribution/raster/raster/driver/inmemory"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type benchOptions struct {
	width, height int
	block         int
	bands         int
	dataType      string
	overviews     []int
	readers       int
	reads         int
	window        int
	buffer        int
	resampling    string
	cacheSize     string
	seed          uint64
}

var bench benchOptions

func init() {
	flags := BenchCmd.Flags()
	flags.IntVar(&bench.width, "width", 4096, "raster width in pixels")
	flags.IntVar(&bench.height, "height", 4096, "raster height in pixels")
	flags.IntVar(&bench.block, "block", 256, "square block size")
	flags.IntVar(&bench.bands, "bands", 1, "number of bands")
	flags.StringVar(&bench.dataType, "type", "Byte", "pixel data type")
	flags.IntSliceVar(&bench.overviews, "overviews", []int{2, 4, 8}, "overview decimation factors")
	flags.IntVar(&bench.readers, "readers", 4, "concurrent readers")
	flags.IntVar(&bench.reads, "reads", 200, "window reads per reader")
	flags.IntVar(&bench.window, "window", 1024, "side of each read window")
	flags.IntVar(&bench.buffer, "buffer", 256, "side of each read buffer")
	flags.StringVar(&bench.resampling, "resampling", "average", "resampling algorithm")
	flags.StringVar(&bench.cacheSize, "cache-size", "", "override the configured cache budget, e.g. 32MiB")
	flags.Uint64Var(&bench.seed, "seed", 1, "random seed for window placement")
}

// BenchCmd is the cobra command that corresponds to the bench subcommand
var BenchCmd = &cobra.Command{
	Use:   "bench",
	Short: "`bench` runs concurrent windowed reads against an in-memory raster",
	Long:  "`bench` creates an in-memory raster with overviews and measures concurrent windowed reads through the block cache",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, config, err := setup()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			// nolint:errcheck
			cmd.Usage()
			os.Exit(1)
		}
		if err := runBench(ctx, config, bench, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "bench: %v\n", err)
			os.Exit(1)
		}
	},
}

func (o benchOptions) validate() error {
	switch {
	case o.width <= 0 || o.height <= 0 || o.block <= 0 || o.bands <= 0:
		return fmt.Errorf("raster dimensions must be positive")
	case o.window <= 0 || o.window > o.width || o.window > o.height:
		return fmt.Errorf("window %d does not fit a %dx%d raster", o.window, o.width, o.height)
	case o.buffer <= 0:
		return fmt.Errorf("buffer must be positive")
	case o.readers <= 0 || o.reads < 0:
		return fmt.Errorf("readers must be positive")
	}
	return nil
}

func runBench(ctx context.Context, config *configuration.Configuration, opts benchOptions, out io.Writer) (err error) {
	if err := opts.validate(); err != nil {
		return err
	}
	dt, err := driver.ParseDataType(opts.dataType)
	if err != nil {
		return err
	}
	alg, err := raster.ParseResampling(opts.resampling)
	if err != nil {
		return err
	}

	policy := raster.PolicyFromConfiguration(config)
	if opts.cacheSize != "" {
		n, err := units.RAMInBytes(opts.cacheSize)
		if err != nil {
			return fmt.Errorf("invalid cache size %q: %v", opts.cacheSize, err)
		}
		policy.CacheMaxSize = n
	}

	engine, err := raster.NewEngine(ctx, policy)
	if err != nil {
		return err
	}
	defer func() {
		if shutdownErr := engine.Shutdown(ctx); err == nil {
			err = shutdownErr
		}
	}()

	if config.Debug.Addr != "" {
		server, err := startDebugServer(ctx, config.Debug.Addr, engine)
		if err != nil {
			return err
		}
		defer server.Shutdown(ctx)
	}

	log := dcontext.GetLogger(ctx)
	description := inmemory.Prefix + "bench-" + uuid.NewString()
	ds, err := engine.Create(ctx, "inmemory", description, driver.CreateSpec{
		Width:       opts.width,
		Height:      opts.height,
		Bands:       opts.bands,
		DataType:    dt,
		BlockWidth:  opts.block,
		BlockHeight: opts.block,
		Overviews:   opts.overviews,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	if err := fillBench(ctx, ds, opts); err != nil {
		return err
	}
	if len(opts.overviews) > 0 {
		if err := ds.BuildOverviews(ctx, alg, func(complete float64, _ string) bool {
			log.Debugf("building overviews: %.0f%%", complete*100)
			return ctx.Err() == nil
		}); err != nil {
			return err
		}
	}
	if err := ds.FlushCache(ctx); err != nil {
		return err
	}
	log.Infof("created %s in %s", description, time.Since(start))

	var pixels atomic.Int64
	start = time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.readers; i++ {
		g.Go(func() error {
			rctx := dcontext.WithOwner(gctx)
			rng := rand.New(rand.NewPCG(opts.seed, uint64(i)))
			buf := raster.Buffer{
				Data:   make([]byte, opts.buffer*opts.buffer*dt.Size()*opts.bands),
				Type:   dt,
				Width:  opts.buffer,
				Height: opts.buffer,
			}
			for n := 0; n < opts.reads; n++ {
				win := raster.Window{
					X:      rng.IntN(opts.width - opts.window + 1),
					Y:      rng.IntN(opts.height - opts.window + 1),
					Width:  opts.window,
					Height: opts.window,
				}
				if n%16 == 0 {
					if err := ds.AdviseRead(rctx, win, nil); err != nil {
						return err
					}
				}
				if err := ds.IO(rctx, driver.Read, win, buf, nil, &raster.IOOptions{Resampling: alg}); err != nil {
					return err
				}
				pixels.Add(int64(opts.window * opts.window * opts.bands))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	used, max := engine.CacheUsage()
	fmt.Fprintf(out, "dataset     %s\n", description)
	fmt.Fprintf(out, "raster      %dx%d %s x%d, %dx%d blocks\n", opts.width, opts.height, dt, opts.bands, opts.block, opts.block)
	fmt.Fprintf(out, "overviews   %d\n", len(ds.Overviews()))
	fmt.Fprintf(out, "reads       %d x %d (%s)\n", opts.readers, opts.reads, alg)
	fmt.Fprintf(out, "elapsed     %s\n", elapsed)
	if secs := elapsed.Seconds(); secs > 0 {
		fmt.Fprintf(out, "throughput  %.1f Mpixel/s\n", float64(pixels.Load())/secs/1e6)
	}
	fmt.Fprintf(out, "cache       %s / %s\n", units.BytesSize(float64(used)), units.BytesSize(float64(max)))
	return nil
}

// fillBench writes a deterministic pattern one block row at a time.
func fillBench(ctx context.Context, ds *raster.Dataset, opts benchOptions) error {
	rows := opts.block
	buf := raster.Buffer{
		Data:   make([]byte, opts.width*rows*opts.bands*driver.Float64.Size()),
		Type:   driver.Float64,
		Width:  opts.width,
		Height: rows,
	}
	for y0 := 0; y0 < opts.height; y0 += rows {
		h := min(rows, opts.height-y0)
		for b := 0; b < opts.bands; b++ {
			for y := 0; y < h; y++ {
				for x := 0; x < opts.width; x++ {
					v := float64((x + y0 + y + 31*b) % 251)
					driver.SetValue(driver.Float64, buf.Data[((b*rows+y)*opts.width+x)*8:], v)
				}
			}
		}
		buf.Height = h
		buf.BandSpace = opts.width * rows * 8
		win := raster.Window{Y: y0, Width: opts.width, Height: h}
		if err := ds.IO(ctx, driver.Write, win, buf, nil, nil); err != nil {
			return err
		}
	}
	return nil
}
