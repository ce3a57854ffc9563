package raster

import (
	"context"
	"testing"

	"github.com/distribution/raster/internal/dcontext"
	"github.com/distribution/raster/raster/driver"
	"github.com/distribution/raster/raster/driver/inmemory"
	"github.com/stretchr/testify/require"
)

func testContext() context.Context {
	return dcontext.WithOwner(dcontext.Background())
}

func newTestEngine(t *testing.T, policy Policy, params inmemory.Parameters) (*Engine, *inmemory.Driver) {
	t.Helper()
	mem, err := inmemory.New(params)
	require.NoError(t, err)
	e, err := NewEngine(testContext(), policy, WithDriver(mem), WithoutFactories())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = e.Shutdown(testContext())
	})
	return e, mem
}

func byteSpec(width, height, block int) driver.CreateSpec {
	return driver.CreateSpec{
		Width:       width,
		Height:      height,
		Bands:       1,
		DataType:    driver.Byte,
		BlockWidth:  block,
		BlockHeight: block,
	}
}

func create(t *testing.T, e *Engine, description string, spec driver.CreateSpec) *Dataset {
	t.Helper()
	ds, err := e.Create(testContext(), "inmemory", description, spec)
	require.NoError(t, err)
	return ds
}

// fill writes value f(x, y) to every pixel of band 1..n of ds.
func fill(t *testing.T, ds *Dataset, f func(band, x, y int) float64) {
	t.Helper()
	ctx := testContext()
	w, h := ds.RasterSize()
	for i := 1; i <= ds.BandCount(); i++ {
		buf := Buffer{Data: make([]byte, w*h*8), Type: driver.Float64, Width: w, Height: h}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				driver.SetValue(driver.Float64, buf.Data[(y*w+x)*8:], f(i, x, y))
			}
		}
		require.NoError(t, ds.Band(i).IO(ctx, driver.Write, Window{Width: w, Height: h}, buf, nil))
	}
}

// readFloat reads a window of one band into float64 values.
func readFloat(t *testing.T, b *Band, win Window, bufW, bufH int, opts *IOOptions) []float64 {
	t.Helper()
	buf := Buffer{Data: make([]byte, bufW*bufH*8), Type: driver.Float64, Width: bufW, Height: bufH}
	require.NoError(t, b.IO(testContext(), driver.Read, win, buf, opts))
	out := make([]float64, bufW*bufH)
	for i := range out {
		out[i] = driver.GetValue(driver.Float64, buf.Data[i*8:])
	}
	return out
}
