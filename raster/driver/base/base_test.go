package base

import (
	"context"
	"errors"
	"testing"

	"github.com/distribution/raster/raster/driver"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	ds *fakeDataset
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Identify(ctx context.Context, info *driver.OpenInfo) driver.Identification {
	return driver.IdentifyYes
}

func (d *fakeDriver) Open(ctx context.Context, info *driver.OpenInfo) (driver.Dataset, error) {
	if info.Description == "missing" {
		return nil, errors.New("no such resource")
	}
	return d.ds, nil
}

type fakeDataset struct {
	band *fakeBand
}

func (ds *fakeDataset) Description() string {
	return "fake"
}

func (ds *fakeDataset) RasterSize() (int, int) {
	return 100, 50
}

func (ds *fakeDataset) BandCount() int {
	return 1
}

func (ds *fakeDataset) Band(i int) driver.Band {
	return ds.band
}

func (ds *fakeDataset) Interleaving() driver.Interleaving {
	return driver.InterleaveBand
}

func (ds *fakeDataset) Overviews() []driver.Dataset {
	return nil
}

func (ds *fakeDataset) FileList() []string {
	return nil
}

func (ds *fakeDataset) Close() error {
	return nil
}

type fakeBand struct {
	decodes int
	fail    error
}

func (b *fakeBand) DataType() driver.DataType { return driver.UInt16 }
func (b *fakeBand) BlockSize() (int, int) { return 32, 32 }

func (b *fakeBand) DecodeBlock(ctx context.Context, x, y int, buf []byte) error {
	b.decodes++
	return b.fail
}

func (b *fakeBand) EncodeBlock(ctx context.Context, x, y int, buf []byte) error {
	return b.fail
}

func openFake(t *testing.T) (driver.Band, *fakeBand) {
	fb := &fakeBand{}
	b := New(&fakeDriver{ds: &fakeDataset{band: fb}}, 2)
	ds, err := b.Open(context.Background(), &driver.OpenInfo{Description: "fake"})
	require.NoError(t, err)
	return ds.Band(0), fb
}

func TestDecodeBlockChecksCoordinates(t *testing.T) {
	band, fb := openFake(t)
	buf := make([]byte, 32*32*2)

	// 100x50 with 32x32 blocks is a 4x2 grid.
	require.NoError(t, band.DecodeBlock(context.Background(), 3, 1, buf))

	err := band.DecodeBlock(context.Background(), 4, 0, buf)
	var invalid driver.InvalidBlockError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, 4, invalid.X)

	err = band.DecodeBlock(context.Background(), 0, -1, buf)
	require.ErrorAs(t, err, &invalid)

	require.Equal(t, 1, fb.decodes)
}

func TestDecodeBlockChecksBufferSize(t *testing.T) {
	band, fb := openFake(t)
	err := band.DecodeBlock(context.Background(), 0, 0, make([]byte, 32*32))
	require.ErrorContains(t, err, "need 2048")
	require.Zero(t, fb.decodes)
}

func TestDriverErrorsCarryDriverName(t *testing.T) {
	band, fb := openFake(t)
	fb.fail = errors.New("checksum mismatch")

	err := band.EncodeBlock(context.Background(), 0, 0, make([]byte, 32*32*2))
	var driverErr driver.Error
	require.ErrorAs(t, err, &driverErr)
	require.Equal(t, "fake", driverErr.DriverName)
	require.EqualError(t, err, "fake: checksum mismatch")
}

func TestOpenErrorsCarryDriverName(t *testing.T) {
	b := New(&fakeDriver{}, 0)
	_, err := b.Open(context.Background(), &driver.OpenInfo{Description: "missing"})
	require.EqualError(t, err, "fake: no such resource")

	_, err = b.Open(context.Background(), &driver.OpenInfo{})
	require.Error(t, err)
}

func TestOptionalCapabilitiesDefault(t *testing.T) {
	band, _ := openFake(t)

	_, ok := band.(driver.NoDataBand).NoData()
	require.False(t, ok)
	require.False(t, band.(driver.PaletteBand).HasPalette())

	req := &driver.IORequest{Width: 1, Height: 1, BufWidth: 1, BufHeight: 1}
	require.False(t, band.(driver.RasterIOer).CanRasterIO(req))
	err := band.(driver.RasterIOer).RasterIO(context.Background(), req)
	require.ErrorAs(t, err, &driver.ErrUnsupportedMethod{})
}

func TestCreateUnsupported(t *testing.T) {
	b := New(&fakeDriver{}, 0)
	require.False(t, b.CanCreate())
	_, err := b.Create(context.Background(), "x", driver.CreateSpec{})
	require.ErrorAs(t, err, &driver.ErrUnsupportedMethod{})
}
