package raster

import (
	"testing"

	"github.com/distribution/raster/raster/driver"
	"github.com/distribution/raster/raster/driver/inmemory"
	"github.com/stretchr/testify/require"
)

func TestWindowTouchesOnlyOverlappingBlocks(t *testing.T) {
	e, mem := newTestEngine(t, DefaultPolicy(), inmemory.Parameters{})
	ds := create(t, e, "mem://4x4", byteSpec(1024, 1024, 256))
	band := ds.Band(1)
	ctx := testContext()

	pattern := make([]byte, 256*256)
	for i := range pattern {
		pattern[i] = byte(i%251) + 1
	}
	require.NoError(t, band.WriteBlock(ctx, 1, 1, pattern))
	require.NoError(t, ds.FlushCache(ctx))

	buf := Buffer{Data: make([]byte, 512*512), Type: driver.Byte, Width: 512, Height: 512}
	require.NoError(t, band.IO(ctx, driver.Read, Window{Width: 512, Height: 512}, buf, nil))

	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			decodes, err := mem.BlockDecodes("mem://4x4", 0, x, y)
			require.NoError(t, err)
			if x < 2 && y < 2 {
				require.Equal(t, 1, decodes, "block (%d, %d)", x, y)
			} else {
				require.Zero(t, decodes, "block (%d, %d)", x, y)
			}
		}
	}
	stats, err := mem.Stats("mem://4x4")
	require.NoError(t, err)
	require.Equal(t, int64(4), stats.Decodes)

	for y := 0; y < 256; y++ {
		require.Equal(t, pattern[y*256:(y+1)*256], buf.Data[(256+y)*512+256:(256+y)*512+512])
	}
	require.Equal(t, byte(0), buf.Data[0])
}

func TestIOValidation(t *testing.T) {
	e, _ := newTestEngine(t, DefaultPolicy(), inmemory.Parameters{})
	ds := create(t, e, "mem://validate", byteSpec(100, 50, 32))
	ctx := testContext()
	buf := Buffer{Data: make([]byte, 100), Type: driver.Byte, Width: 10, Height: 10}

	for name, tc := range map[string]struct {
		win   Window
		buf   Buffer
		bands []int
	}{
		"outside":     {Window{X: 95, Width: 10, Height: 10}, buf, nil},
		"negative":    {Window{X: -1, Width: 10, Height: 10}, buf, nil},
		"nil data":    {Window{Width: 10, Height: 10}, Buffer{Type: driver.Byte, Width: 10, Height: 10}, nil},
		"short":       {Window{Width: 10, Height: 10}, Buffer{Data: make([]byte, 99), Type: driver.Byte, Width: 10, Height: 10}, nil},
		"band zero":   {Window{Width: 10, Height: 10}, buf, []int{0}},
		"band beyond": {Window{Width: 10, Height: 10}, buf, []int{2}},
	} {
		t.Run(name, func(t *testing.T) {
			err := ds.IO(ctx, driver.Read, tc.win, tc.buf, tc.bands, nil)
			require.ErrorIs(t, err, ErrIllegalArgument)
		})
	}

	require.NoError(t, ds.IO(ctx, driver.Read, Window{Width: 0, Height: 10}, buf, nil, nil))
	require.NoError(t, ds.IO(ctx, driver.Read, Window{Width: 10, Height: 10}, Buffer{Type: driver.Byte}, nil, nil))

	err := ds.IO(ctx, driver.Read, Window{Width: 10, Height: 10}, buf, nil, &IOOptions{Resampling: Resampling(42)})
	require.ErrorIs(t, err, ErrNotSupported)
}

func TestWriteToReadOnlyDataset(t *testing.T) {
	e, _ := newTestEngine(t, DefaultPolicy(), inmemory.Parameters{})
	create(t, e, "mem://ro", byteSpec(64, 64, 32))
	ctx := testContext()

	ro, err := e.Open(ctx, "mem://ro", OpenReadOnly)
	require.NoError(t, err)
	buf := Buffer{Data: make([]byte, 64), Type: driver.Byte, Width: 8, Height: 8}
	err = ro.IO(ctx, driver.Write, Window{Width: 8, Height: 8}, buf, nil, nil)
	require.ErrorIs(t, err, ErrNoWriteAccess)
	require.ErrorIs(t, ro.Band(1).WriteBlock(ctx, 0, 0, make([]byte, 32*32)), ErrNoWriteAccess)
	require.NoError(t, ro.IO(ctx, driver.Read, Window{Width: 8, Height: 8}, buf, nil, nil))
	require.NoError(t, ro.Close(ctx))
}

func TestIOConvertsDataTypes(t *testing.T) {
	e, _ := newTestEngine(t, DefaultPolicy(), inmemory.Parameters{})
	spec := byteSpec(40, 30, 16)
	spec.DataType = driver.Int16
	ds := create(t, e, "mem://convert", spec)
	ctx := testContext()

	in := Buffer{Data: make([]byte, 40*30*4), Type: driver.Float32, Width: 40, Height: 30}
	for i := 0; i < 40*30; i++ {
		driver.SetValue(driver.Float32, in.Data[i*4:], float64(i)-600.4)
	}
	require.NoError(t, ds.IO(ctx, driver.Write, Window{Width: 40, Height: 30}, in, nil, nil))

	out := Buffer{Data: make([]byte, 40*30), Type: driver.Byte, Width: 40, Height: 30}
	require.NoError(t, ds.IO(ctx, driver.Read, Window{Width: 40, Height: 30}, out, nil, nil))
	require.Equal(t, byte(0), out.Data[0])
	require.Equal(t, byte(100), out.Data[700])
	require.Equal(t, byte(255), out.Data[40*30-1])

	values := readFloat(t, ds.Band(1), Window{X: 3, Y: 2, Width: 5, Height: 5}, 5, 5, nil)
	require.Equal(t, float64(2*40+3)-600, values[0])
}

func TestBufferSpacing(t *testing.T) {
	e, _ := newTestEngine(t, DefaultPolicy(), inmemory.Parameters{})
	ds := create(t, e, "mem://spacing", byteSpec(16, 16, 8))
	fill(t, ds, func(_, x, y int) float64 { return float64(y*16 + x) })
	ctx := testContext()

	// Every other byte of a buffer with padded lines.
	buf := Buffer{Data: make([]byte, 4*24), Type: driver.Byte, Width: 4, Height: 4, PixelSpace: 2, LineSpace: 24}
	require.NoError(t, ds.Band(1).IO(ctx, driver.Read, Window{X: 6, Y: 6, Width: 4, Height: 4}, buf, nil))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			require.Equal(t, byte((6+y)*16+6+x), buf.Data[y*24+x*2])
		}
	}
}

func TestPixelInterleavedTransfer(t *testing.T) {
	e, _ := newTestEngine(t, DefaultPolicy(), inmemory.Parameters{})
	spec := byteSpec(20, 20, 8)
	spec.Bands = 3
	spec.Interleaving = driver.InterleavePixel
	ds := create(t, e, "mem://rgb", spec)
	ctx := testContext()

	buf := Buffer{Data: make([]byte, 20*20*3), Type: driver.Byte, Width: 20, Height: 20,
		PixelSpace: 3, LineSpace: 60, BandSpace: 1}
	for i := 0; i < 20*20; i++ {
		buf.Data[i*3] = byte(i % 200)
		buf.Data[i*3+1] = 1
		buf.Data[i*3+2] = 2
	}
	require.NoError(t, ds.IO(ctx, driver.Write, Window{Width: 20, Height: 20}, buf, nil, nil))

	green := readFloat(t, ds.Band(2), Window{Width: 20, Height: 20}, 20, 20, nil)
	for _, v := range green {
		require.Equal(t, 1.0, v)
	}
	red := readFloat(t, ds.Band(1), Window{X: 1, Y: 1, Width: 2, Height: 1}, 2, 1, nil)
	require.Equal(t, []float64{21, 22}, red)

	out := Buffer{Data: make([]byte, 20*20*2), Type: driver.Byte, Width: 20, Height: 20, PixelSpace: 2, LineSpace: 40, BandSpace: 1}
	require.NoError(t, ds.IO(ctx, driver.Read, Window{Width: 20, Height: 20}, out, []int{3, 1}, nil))
	require.Equal(t, byte(2), out.Data[0])
	require.Equal(t, byte(21), out.Data[(1*20+1)*2+1])
}

func TestProgressInterruptsTransfer(t *testing.T) {
	e, _ := newTestEngine(t, DefaultPolicy(), inmemory.Parameters{})
	ds := create(t, e, "mem://progress", byteSpec(64, 64, 16))
	ctx := testContext()

	var seen []float64
	buf := Buffer{Data: make([]byte, 64*64), Type: driver.Byte, Width: 64, Height: 64}
	err := ds.IO(ctx, driver.Read, Window{Width: 64, Height: 64}, buf, nil, &IOOptions{
		Progress: func(complete float64, _ string) bool {
			seen = append(seen, complete)
			return len(seen) < 2
		},
	})
	require.ErrorIs(t, err, ErrUserInterrupted)
	require.Equal(t, []float64{0.25, 0.5}, seen)

	seen = nil
	require.NoError(t, ds.IO(ctx, driver.Read, Window{Width: 64, Height: 64}, buf, nil, &IOOptions{
		Progress: func(complete float64, _ string) bool {
			seen = append(seen, complete)
			return true
		},
	}))
	require.Equal(t, 1.0, seen[len(seen)-1])
}

func TestResidentBlockServedWithoutDecode(t *testing.T) {
	e, mem := newTestEngine(t, DefaultPolicy(), inmemory.Parameters{})
	ds := create(t, e, "mem://resident", byteSpec(100, 100, 64))
	band := ds.Band(1)
	ctx := testContext()

	ref, err := band.GetBlock(ctx, 1, 1)
	require.NoError(t, err)
	data, err := ref.Data()
	require.NoError(t, err)
	data[0] = 7
	ref.Release()

	// The edge block is 36x36.
	buf := Buffer{Data: make([]byte, 36*36), Type: driver.Byte, Width: 36, Height: 36}
	require.NoError(t, band.IO(ctx, driver.Read, Window{X: 64, Y: 64, Width: 36, Height: 36}, buf, nil))
	require.Equal(t, byte(7), buf.Data[0])

	stats, err := mem.Stats("mem://resident")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Decodes)
}

func TestDriverRasterIO(t *testing.T) {
	e, mem := newTestEngine(t, DefaultPolicy(), inmemory.Parameters{RasterIO: true})
	ds := create(t, e, "mem://rasterio", byteSpec(128, 128, 64))
	band := ds.Band(1)
	ctx := testContext()

	block := make([]byte, 64*64)
	for i := range block {
		block[i] = 3
	}
	require.NoError(t, band.WriteBlock(ctx, 0, 0, block))

	// Dirty cached blocks are written before the driver reads.
	buf := Buffer{Data: make([]byte, 100*10), Type: driver.Byte, Width: 100, Height: 10}
	require.NoError(t, band.IO(ctx, driver.Read, Window{X: 0, Y: 60, Width: 100, Height: 10}, buf, nil))
	require.Equal(t, byte(3), buf.Data[0])
	require.Equal(t, byte(0), buf.Data[70])

	stats, err := mem.Stats("mem://rasterio")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.RasterIOs)
	require.Equal(t, int64(1), stats.Encodes)
	require.Equal(t, int64(0), stats.Decodes)

	// A driver write drops the stale cached copy.
	for i := range buf.Data {
		buf.Data[i] = 9
	}
	require.NoError(t, band.IO(ctx, driver.Write, Window{X: 0, Y: 60, Width: 100, Height: 10}, buf, nil))
	_, ok := band.TryGetBlock(0, 0)
	require.False(t, ok)

	dst := make([]byte, 64*64)
	require.NoError(t, band.ReadBlock(ctx, 0, 0, dst))
	require.Equal(t, byte(3), dst[0])
	require.Equal(t, byte(9), dst[63*64])
}

func TestForceCachedIO(t *testing.T) {
	policy := DefaultPolicy()
	policy.ForceCachedIO = true
	e, mem := newTestEngine(t, policy, inmemory.Parameters{RasterIO: true})
	ds := create(t, e, "mem://forced", byteSpec(128, 128, 64))

	buf := Buffer{Data: make([]byte, 100*10), Type: driver.Byte, Width: 100, Height: 10}
	require.NoError(t, ds.Band(1).IO(testContext(), driver.Read, Window{Width: 100, Height: 10}, buf, nil))

	stats, err := mem.Stats("mem://forced")
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.RasterIOs)
	require.Equal(t, int64(2), stats.Decodes)
}

func TestScaledWriteUsesNearestPixel(t *testing.T) {
	e, _ := newTestEngine(t, DefaultPolicy(), inmemory.Parameters{})
	ds := create(t, e, "mem://stretch", byteSpec(4, 4, 4))
	ctx := testContext()

	buf := Buffer{Data: []byte{1, 2, 3, 4}, Type: driver.Byte, Width: 2, Height: 2}
	require.NoError(t, ds.IO(ctx, driver.Write, Window{Width: 4, Height: 4}, buf, nil, nil))

	values := readFloat(t, ds.Band(1), Window{Width: 4, Height: 4}, 4, 4, nil)
	require.Equal(t, []float64{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}, values)
}

func TestCachedWritesStayResident(t *testing.T) {
	// Without a driver windowed path, transfers never flush the cache.
	e, mem := newTestEngine(t, DefaultPolicy(), inmemory.Parameters{})
	ds := create(t, e, "mem://resident", byteSpec(256, 256, 64))
	band := ds.Band(1)
	ctx := testContext()

	buf := Buffer{Data: make([]byte, 128*128), Type: driver.Byte, Width: 128, Height: 128}
	for i := range buf.Data {
		buf.Data[i] = 7
	}
	for _, win := range []Window{
		{X: 0, Y: 0, Width: 128, Height: 128},
		{X: 128, Y: 0, Width: 128, Height: 128},
		{X: 0, Y: 128, Width: 128, Height: 128},
	} {
		require.NoError(t, band.IO(ctx, driver.Write, win, buf, nil))
	}
	require.NoError(t, band.IO(ctx, driver.Read, Window{X: 64, Y: 64, Width: 128, Height: 128}, buf, nil))
	require.Equal(t, byte(7), buf.Data[0])

	stats, err := mem.Stats("mem://resident")
	require.NoError(t, err)
	require.Zero(t, stats.Encodes)
	require.Zero(t, stats.RasterIOs)

	require.NoError(t, ds.FlushCache(ctx))
	stats, err = mem.Stats("mem://resident")
	require.NoError(t, err)
	require.Equal(t, int64(12), stats.Encodes)
}
