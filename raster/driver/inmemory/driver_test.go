package inmemory

import (
	"context"
	"errors"
	"testing"

	rasterdriver "github.com/distribution/raster/raster/driver"
	"github.com/distribution/raster/raster/driver/factory"
	"github.com/distribution/raster/raster/driver/testsuites"
	"github.com/stretchr/testify/require"
)

func describe(name string) string {
	return Prefix + name
}

func constructor(params map[string]any) testsuites.DriverConstructor {
	return func() (rasterdriver.Driver, error) {
		return FromParameters(params)
	}
}

func TestInMemoryDriverSuite(t *testing.T) {
	testsuites.Driver(t, constructor(nil), describe, testsuites.NeverSkip)
}

func TestInMemoryDriverLZ4Suite(t *testing.T) {
	testsuites.Driver(t, constructor(map[string]any{"compression": "lz4", "checksum": true}), describe, testsuites.NeverSkip)
}

func TestInMemoryDriverZstdSuite(t *testing.T) {
	testsuites.Driver(t, constructor(map[string]any{"compression": "zstd", "checksum": "true", "maxconcurrency": 2}), describe, testsuites.NeverSkip)
}

func BenchmarkInMemoryDriverSuite(b *testing.B) {
	for _, compression := range []string{"none", "lz4", "zstd"} {
		d, err := FromParameters(map[string]any{"compression": compression})
		require.NoError(b, err)
		benchsuite := testsuites.NewDriverBenchmarkSuite(d, describe)
		b.Run(compression+"/EncodeDecode64", benchsuite.BenchmarkEncodeDecode64)
		b.Run(compression+"/EncodeDecode256", benchsuite.BenchmarkEncodeDecode256)
		b.Run(compression+"/EncodeDecode256Float32", benchsuite.BenchmarkEncodeDecode256Float32)
	}
}

func TestFactoryCreate(t *testing.T) {
	d, err := factory.Create(context.Background(), driverName, map[string]any{"compression": "LZ4"})
	require.NoError(t, err)
	require.Equal(t, driverName, d.Name())
	require.Equal(t, CompressionLZ4, d.(*Driver).mem.codec.compression)
}

func TestFromParametersRejectsUnknownCompression(t *testing.T) {
	_, err := FromParameters(map[string]any{"compression": "brotli"})
	require.ErrorContains(t, err, "unknown compression")

	_, err = FromParameters(map[string]any{"maxconcurrency": "many"})
	require.ErrorContains(t, err, "maxconcurrency")
}

func TestIdentify(t *testing.T) {
	d, err := New(Parameters{})
	require.NoError(t, err)
	require.Equal(t, rasterdriver.IdentifyYes, d.Identify(context.Background(), &rasterdriver.OpenInfo{Description: "mem://a"}))
	require.Equal(t, rasterdriver.IdentifyNo, d.Identify(context.Background(), &rasterdriver.OpenInfo{Description: "/tmp/a.tif"}))
}

func newTestResource(t *testing.T, params Parameters) (*Driver, rasterdriver.Dataset) {
	d, err := New(params)
	require.NoError(t, err)
	ds, err := d.Create(context.Background(), "mem://test", rasterdriver.CreateSpec{
		Width: 64, Height: 64, Bands: 2, DataType: rasterdriver.Byte, BlockWidth: 32, BlockHeight: 32,
	})
	require.NoError(t, err)
	return d, ds
}

func TestInjectedFaults(t *testing.T) {
	d, ds := newTestResource(t, Parameters{})
	ctx := context.Background()
	boom := errors.New("boom")
	d.InjectFault(Fault{Op: OpDecode, Band: 1, X: 1, Y: -1, Err: boom})

	buf := make([]byte, 32*32)
	require.NoError(t, ds.Band(0).DecodeBlock(ctx, 1, 0, buf))
	require.NoError(t, ds.Band(1).DecodeBlock(ctx, 0, 0, buf))
	require.ErrorIs(t, ds.Band(1).DecodeBlock(ctx, 1, 1, buf), boom)
	require.NoError(t, ds.Band(1).EncodeBlock(ctx, 1, 1, buf))

	d.ClearFaults()
	require.NoError(t, ds.Band(1).DecodeBlock(ctx, 1, 1, buf))
}

func TestStatsCountCodecCalls(t *testing.T) {
	d, ds := newTestResource(t, Parameters{})
	ctx := context.Background()
	buf := make([]byte, 32*32)

	require.NoError(t, ds.Band(0).EncodeBlock(ctx, 0, 0, buf))
	require.NoError(t, ds.Band(0).DecodeBlock(ctx, 0, 0, buf))
	require.NoError(t, ds.Band(0).DecodeBlock(ctx, 0, 0, buf))
	require.NoError(t, ds.Band(1).DecodeBlock(ctx, 1, 0, buf))

	stats, err := d.Stats("mem://test")
	require.NoError(t, err)
	require.Equal(t, Stats{Decodes: 3, Encodes: 1}, stats)

	n, err := d.BlockDecodes("mem://test", 0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestCorruptBlockFailsChecksum(t *testing.T) {
	d, ds := newTestResource(t, Parameters{Checksum: true})
	ctx := context.Background()
	buf := make([]byte, 32*32)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	require.NoError(t, ds.Band(0).EncodeBlock(ctx, 1, 1, buf))
	require.NoError(t, d.Corrupt("mem://test", 0, 1, 1))

	err := ds.Band(0).DecodeBlock(ctx, 1, 1, make([]byte, 32*32))
	require.ErrorContains(t, err, "checksum mismatch")
	var driverErr rasterdriver.Error
	require.ErrorAs(t, err, &driverErr)
	require.Equal(t, driverName, driverErr.DriverName)

	require.Error(t, d.Corrupt("mem://test", 0, 0, 0))
}

func TestAttachMask(t *testing.T) {
	d, ds := newTestResource(t, Parameters{})
	ctx := context.Background()
	_, err := d.Create(ctx, "mem://test.msk", rasterdriver.CreateSpec{
		Width: 64, Height: 64, Bands: 1, DataType: rasterdriver.Byte, BlockWidth: 64, BlockHeight: 64,
	})
	require.NoError(t, err)
	require.NoError(t, d.AttachMask("mem://test", "mem://test.msk"))

	mds, err := ds.(rasterdriver.ExternalMaskDataset).MaskDataset(ctx)
	require.NoError(t, err)
	require.NotNil(t, mds)
	require.Equal(t, "mem://test.msk", mds.Description())

	_, err = d.Create(ctx, "mem://small", rasterdriver.CreateSpec{
		Width: 8, Height: 8, Bands: 1, DataType: rasterdriver.Byte, BlockWidth: 8, BlockHeight: 8,
	})
	require.NoError(t, err)
	require.Error(t, d.AttachMask("mem://test", "mem://small"))
}

func TestSetPalette(t *testing.T) {
	d, ds := newTestResource(t, Parameters{})
	require.NoError(t, d.SetPalette("mem://test", 1, true))
	require.False(t, ds.Band(0).(rasterdriver.PaletteBand).HasPalette())
	require.True(t, ds.Band(1).(rasterdriver.PaletteBand).HasPalette())
	require.Error(t, d.SetPalette("mem://test", 2, true))
}

func TestRasterIO(t *testing.T) {
	ctx := context.Background()

	_, ds := newTestResource(t, Parameters{})
	square := &rasterdriver.IORequest{Width: 4, Height: 4, BufWidth: 4, BufHeight: 4}
	require.False(t, ds.Band(0).(rasterdriver.RasterIOer).CanRasterIO(square))
	err := ds.Band(0).(rasterdriver.RasterIOer).RasterIO(ctx, square)
	require.ErrorAs(t, err, &rasterdriver.ErrUnsupportedMethod{})

	d, ds := newTestResource(t, Parameters{RasterIO: true})
	rio := ds.Band(0).(rasterdriver.RasterIOer)
	require.True(t, rio.CanRasterIO(square))
	require.False(t, rio.CanRasterIO(&rasterdriver.IORequest{Width: 8, Height: 8, BufWidth: 4, BufHeight: 4}))

	// A 20x10 UInt16 window straddling all four blocks.
	in := make([]byte, 20*10*2)
	for i := 0; i < 200; i++ {
		rasterdriver.SetValue(rasterdriver.UInt16, in[i*2:], float64(i))
	}
	require.NoError(t, rio.RasterIO(ctx, &rasterdriver.IORequest{
		Direction: rasterdriver.Write, X: 22, Y: 27, Width: 20, Height: 10,
		Buf: in, BufType: rasterdriver.UInt16, BufWidth: 20, BufHeight: 10, PixelSpace: 2, LineSpace: 40,
	}))

	out := make([]byte, 20*10)
	require.NoError(t, rio.RasterIO(ctx, &rasterdriver.IORequest{
		Direction: rasterdriver.Read, X: 22, Y: 27, Width: 20, Height: 10,
		Buf: out, BufType: rasterdriver.Byte, BufWidth: 20, BufHeight: 10, PixelSpace: 1, LineSpace: 20,
	}))
	for i := 0; i < 200; i++ {
		require.Equal(t, byte(i), out[i])
	}

	block := make([]byte, 32*32)
	require.NoError(t, ds.Band(0).DecodeBlock(ctx, 1, 1, block))
	// Pixel (32, 32) is window pixel (10, 5).
	require.Equal(t, byte(5*20+10), block[0])

	stats, err := d.Stats("mem://test")
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.RasterIOs)

	err = rio.RasterIO(ctx, &rasterdriver.IORequest{X: 0, Y: 0, Width: 8, Height: 8, BufWidth: 4, BufHeight: 4})
	require.ErrorAs(t, err, &rasterdriver.ErrUnsupportedMethod{})
}

func TestOverviewFileList(t *testing.T) {
	d, err := New(Parameters{})
	require.NoError(t, err)
	ds, err := d.Create(context.Background(), "mem://ovr", rasterdriver.CreateSpec{
		Width: 64, Height: 64, Bands: 1, DataType: rasterdriver.Byte, BlockWidth: 16, BlockHeight: 16, Overviews: []int{2, 4},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"mem://ovr"}, ds.FileList())
	for _, ov := range ds.Overviews() {
		require.Equal(t, []string{"mem://ovr.ovr"}, ov.FileList())
	}
}
