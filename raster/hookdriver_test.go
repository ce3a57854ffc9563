package raster

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/distribution/raster/raster/driver"
	"github.com/distribution/raster/raster/driver/inmemory"
	"github.com/stretchr/testify/require"
)

// hookDriver serves in-memory resources through datasets and bands that
// call test hooks.
type hookDriver struct {
	*inmemory.Driver
	// maskOpened runs before a side-car mask is handed out.
	maskOpened func()
	// rasterIO, when set, serves every windowed transfer.
	rasterIO func(req *driver.IORequest) error
}

func (d *hookDriver) Open(ctx context.Context, info *driver.OpenInfo) (driver.Dataset, error) {
	ds, err := d.Driver.Open(ctx, info)
	if err != nil {
		return nil, err
	}
	return &hookDataset{Dataset: ds, d: d}, nil
}

func (d *hookDriver) Create(ctx context.Context, description string, spec driver.CreateSpec) (driver.Dataset, error) {
	ds, err := d.Driver.Create(ctx, description, spec)
	if err != nil {
		return nil, err
	}
	return &hookDataset{Dataset: ds, d: d}, nil
}

type hookDataset struct {
	driver.Dataset
	d *hookDriver
}

func (ds *hookDataset) Band(i int) driver.Band {
	b := ds.Dataset.Band(i)
	if b == nil || ds.d.rasterIO == nil {
		return b
	}
	return &hookBand{Band: b, d: ds.d}
}

func (ds *hookDataset) MaskDataset(ctx context.Context) (driver.Dataset, error) {
	if ds.d.maskOpened != nil {
		ds.d.maskOpened()
	}
	m, ok := ds.Dataset.(driver.ExternalMaskDataset)
	if !ok {
		return nil, nil
	}
	return m.MaskDataset(ctx)
}

type hookBand struct {
	driver.Band
	d *hookDriver
}

func (b *hookBand) CanRasterIO(*driver.IORequest) bool {
	return true
}

func (b *hookBand) RasterIO(_ context.Context, req *driver.IORequest) error {
	return b.d.rasterIO(req)
}

func newHookEngine(t *testing.T, hd *hookDriver) *Engine {
	t.Helper()
	e, err := NewEngine(testContext(), DefaultPolicy(), WithDriver(hd), WithoutFactories())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = e.Shutdown(testContext())
	})
	return e
}

func TestConcurrentFirstMaskReads(t *testing.T) {
	mem, err := inmemory.New(inmemory.Parameters{})
	require.NoError(t, err)

	// The first owner to open the side-car is held until a second owner
	// asks for it as well.
	var calls atomic.Int32
	var once sync.Once
	arrived := make(chan struct{})
	hd := &hookDriver{Driver: mem, maskOpened: func() {
		if calls.Add(1) == 1 {
			select {
			case <-arrived:
			case <-time.After(2 * time.Second):
			}
			return
		}
		once.Do(func() { close(arrived) })
	}}
	e := newHookEngine(t, hd)

	spec := byteSpec(4, 4, 4)
	spec.Bands = 2
	ds := create(t, e, "mem://race", spec)
	fill(t, ds, func(band, x, _ int) float64 { return float64(band * x) })
	sidecar := create(t, e, "mem://race.msk", byteSpec(4, 4, 4))
	fill(t, sidecar, func(_, x, _ int) float64 {
		if x < 2 {
			return 255
		}
		return 0
	})
	require.NoError(t, sidecar.FlushCache(testContext()))
	require.NoError(t, mem.AttachMask("mem://race", "mem://race.msk"))

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			buf := Buffer{Data: make([]byte, 2*2*2), Type: driver.Byte, Width: 2, Height: 2}
			done <- ds.IO(testContext(), driver.Read, Window{Width: 4, Height: 4}, buf, nil, &IOOptions{Resampling: Average})
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("concurrent first mask reads did not return")
		}
	}

	m1, err := ds.Band(1).Mask(testContext())
	require.NoError(t, err)
	m2, err := ds.Band(2).Mask(testContext())
	require.NoError(t, err)
	require.Equal(t, MaskKindExternal, m1.Kind())
	require.True(t, m1.shares(m2))

	files, err := ds.FileList(testContext())
	require.NoError(t, err)
	require.Equal(t, []string{"mem://race", "mem://race.msk"}, files)
}

func TestDriverRasterIOReceivesResampling(t *testing.T) {
	mem, err := inmemory.New(inmemory.Parameters{})
	require.NoError(t, err)
	var requests []driver.IORequest
	hd := &hookDriver{Driver: mem, rasterIO: func(req *driver.IORequest) error {
		requests = append(requests, *req)
		return nil
	}}
	e := newHookEngine(t, hd)
	ds := create(t, e, "mem://hooked", byteSpec(8, 8, 4))
	band := ds.Band(1)
	ctx := testContext()

	up := Buffer{Data: make([]byte, 8*8), Type: driver.Byte, Width: 8, Height: 8}
	require.NoError(t, band.IO(ctx, driver.Read, Window{Width: 4, Height: 4}, up, &IOOptions{Resampling: Bilinear}))
	down := Buffer{Data: make([]byte, 4*4), Type: driver.Byte, Width: 4, Height: 4}
	require.NoError(t, band.IO(ctx, driver.Read, Window{Width: 8, Height: 8}, down, &IOOptions{Resampling: Nearest}))

	require.Len(t, requests, 2)
	require.Equal(t, "bilinear", requests[0].Resampling)
	require.Equal(t, 4, requests[0].Width)
	require.Equal(t, 8, requests[0].BufWidth)
	require.Equal(t, "nearest", requests[1].Resampling)
	require.Equal(t, 8, requests[1].Width)
	require.Equal(t, 4, requests[1].BufWidth)
}
