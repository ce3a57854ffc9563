package testsuites

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/distribution/raster/internal/dcontext"
	"github.com/distribution/raster/internal/uuid"
	"github.com/distribution/raster/raster/driver"
	"github.com/stretchr/testify/suite"
)

// DriverConstructor is a function which returns a new driver.Driver.
type DriverConstructor func() (driver.Driver, error)

// DriverTeardown is a function which cleans up a suite's driver.Driver.
type DriverTeardown func() error

// DescriptionFunc turns a unique name into a description the driver under
// test can create.
type DescriptionFunc func(name string) string

// SkipCheck is a function used to determine if a test suite should be skipped.
// If a SkipCheck returns a non-empty skip reason, the suite is skipped with
// the given reason.
type SkipCheck func() (reason string)

// NeverSkip is a default SkipCheck which never skips the suite.
var NeverSkip SkipCheck = func() string { return "" }

// DriverSuite is a testify suite designed to test a driver.Driver that can
// create resources.
type DriverSuite struct {
	suite.Suite
	Constructor DriverConstructor
	Teardown    DriverTeardown
	Describe    DescriptionFunc
	SkipCheck
	driver.Driver
	ctx context.Context
}

// Driver runs the conformance suite against the driver built by
// driverConstructor.
func Driver(t *testing.T, driverConstructor DriverConstructor, describe DescriptionFunc, skipCheck SkipCheck) {
	suite.Run(t, &DriverSuite{
		Constructor: driverConstructor,
		Describe:    describe,
		SkipCheck:   skipCheck,
		ctx:         dcontext.Background(),
	})
}

// SetupSuite sets up the test suite.
func (suite *DriverSuite) SetupSuite() {
	if suite.SkipCheck != nil {
		if reason := suite.SkipCheck(); reason != "" {
			suite.T().Skip(reason)
		}
	}
	if suite.ctx == nil {
		suite.ctx = dcontext.Background()
	}
	d, err := suite.Constructor()
	suite.Require().NoError(err)
	suite.Driver = d
	if _, ok := d.(driver.Creator); !ok {
		suite.T().Skip("driver cannot create resources")
	}
}

// TearDownSuite tears down the test suite.
func (suite *DriverSuite) TearDownSuite() {
	if suite.Teardown != nil {
		suite.Require().NoError(suite.Teardown())
	}
}

func (suite *DriverSuite) create(spec driver.CreateSpec) (string, driver.Dataset) {
	description := suite.Describe(uuid.NewString())
	ds, err := suite.Driver.(driver.Creator).Create(suite.ctx, description, spec)
	suite.Require().NoError(err)
	suite.Require().NotNil(ds)
	return description, ds
}

func (suite *DriverSuite) open(description string, access driver.Access) driver.Dataset {
	ds, err := suite.Driver.Open(suite.ctx, &driver.OpenInfo{Description: description, Access: access})
	suite.Require().NoError(err)
	return ds
}

// TestIdentify tests that created resources are recognised.
func (suite *DriverSuite) TestIdentify() {
	description, ds := suite.create(driver.CreateSpec{Width: 8, Height: 8, Bands: 1, DataType: driver.Byte, BlockWidth: 8, BlockHeight: 8})
	defer ds.Close()

	id := suite.Driver.Identify(suite.ctx, &driver.OpenInfo{Description: description})
	suite.Require().NotEqual(driver.IdentifyNo, id)
}

// TestOpenNonexistent tests opening a resource that was never created.
func (suite *DriverSuite) TestOpenNonexistent() {
	_, err := suite.Driver.Open(suite.ctx, &driver.OpenInfo{Description: suite.Describe(uuid.NewString())})
	suite.Require().Error(err)
}

// TestCreateDuplicate tests that a description can only be created once.
func (suite *DriverSuite) TestCreateDuplicate() {
	spec := driver.CreateSpec{Width: 4, Height: 4, Bands: 1, DataType: driver.Byte, BlockWidth: 4, BlockHeight: 4}
	description, ds := suite.create(spec)
	defer ds.Close()

	_, err := suite.Driver.(driver.Creator).Create(suite.ctx, description, spec)
	suite.Require().Error(err)
}

// TestShape tests that the created shape is reported back on open.
func (suite *DriverSuite) TestShape() {
	description, ds := suite.create(driver.CreateSpec{
		Width: 300, Height: 200, Bands: 3, DataType: driver.UInt16,
		BlockWidth: 64, BlockHeight: 32, Interleaving: driver.InterleavePixel,
	})
	suite.Require().NoError(ds.Close())

	ds = suite.open(description, driver.ReadOnly)
	defer ds.Close()
	w, h := ds.RasterSize()
	suite.Require().Equal(300, w)
	suite.Require().Equal(200, h)
	suite.Require().Equal(3, ds.BandCount())
	suite.Require().Equal(description, ds.Description())
	for i := 0; i < ds.BandCount(); i++ {
		b := ds.Band(i)
		suite.Require().Equal(driver.UInt16, b.DataType())
		bw, bh := b.BlockSize()
		suite.Require().Equal(64, bw)
		suite.Require().Equal(32, bh)
	}
}

// TestEncodeDecode tests a block round trip for every data type.
func (suite *DriverSuite) TestEncodeDecode() {
	for _, dt := range []driver.DataType{driver.Byte, driver.Int8, driver.UInt16, driver.Int16,
		driver.UInt32, driver.Int32, driver.Float32, driver.Float64} {
		suite.Run(dt.String(), func() {
			_, ds := suite.create(driver.CreateSpec{Width: 40, Height: 40, Bands: 2, DataType: dt, BlockWidth: 16, BlockHeight: 16})
			defer ds.Close()

			contents := randomBlock(16, 16, dt)
			b := ds.Band(1)
			suite.Require().NoError(b.EncodeBlock(suite.ctx, 2, 1, contents))

			got := make([]byte, len(contents))
			suite.Require().NoError(b.DecodeBlock(suite.ctx, 2, 1, got))
			suite.Require().Equal(contents, got)
		})
	}
}

// TestCompressibleBlock tests a round trip of a block that compresses well.
func (suite *DriverSuite) TestCompressibleBlock() {
	_, ds := suite.create(driver.CreateSpec{Width: 256, Height: 256, Bands: 1, DataType: driver.Byte, BlockWidth: 256, BlockHeight: 256})
	defer ds.Close()

	contents := make([]byte, 256*256)
	for i := range contents {
		contents[i] = byte(i / 1024)
	}
	suite.Require().NoError(ds.Band(0).EncodeBlock(suite.ctx, 0, 0, contents))

	got := make([]byte, len(contents))
	suite.Require().NoError(ds.Band(0).DecodeBlock(suite.ctx, 0, 0, got))
	suite.Require().Equal(contents, got)
}

// TestUnwrittenBlockIsNoData tests that a block never written decodes to
// the nodata value.
func (suite *DriverSuite) TestUnwrittenBlockIsNoData() {
	nodata := 7.0
	_, ds := suite.create(driver.CreateSpec{Width: 8, Height: 8, Bands: 1, DataType: driver.Int16, BlockWidth: 4, BlockHeight: 4, NoData: &nodata})
	defer ds.Close()

	b := ds.Band(0)
	if nd, ok := b.(driver.NoDataBand); ok {
		v, set := nd.NoData()
		suite.Require().True(set)
		suite.Require().Equal(nodata, v)
	}

	got := make([]byte, 4*4*2)
	suite.Require().NoError(b.DecodeBlock(suite.ctx, 1, 1, got))
	for i := 0; i < 16; i++ {
		suite.Require().Equal(nodata, driver.GetValue(driver.Int16, got[i*2:]))
	}
}

// TestInvalidBlock tests that coordinates outside the block grid fail.
func (suite *DriverSuite) TestInvalidBlock() {
	_, ds := suite.create(driver.CreateSpec{Width: 10, Height: 10, Bands: 1, DataType: driver.Byte, BlockWidth: 4, BlockHeight: 4})
	defer ds.Close()

	buf := make([]byte, 16)
	suite.Require().NoError(ds.Band(0).DecodeBlock(suite.ctx, 2, 2, buf))
	suite.Require().Error(ds.Band(0).DecodeBlock(suite.ctx, 3, 0, buf))
	suite.Require().Error(ds.Band(0).EncodeBlock(suite.ctx, 0, 3, buf))
}

// TestReadOnlyRejectsEncode tests that a read-only handle cannot write.
func (suite *DriverSuite) TestReadOnlyRejectsEncode() {
	description, ds := suite.create(driver.CreateSpec{Width: 4, Height: 4, Bands: 1, DataType: driver.Byte, BlockWidth: 4, BlockHeight: 4})
	suite.Require().NoError(ds.Close())

	ro := suite.open(description, driver.ReadOnly)
	defer ro.Close()
	suite.Require().Error(ro.Band(0).EncodeBlock(suite.ctx, 0, 0, make([]byte, 16)))
}

// TestWritesVisibleToOtherHandles tests that handles share one resource.
func (suite *DriverSuite) TestWritesVisibleToOtherHandles() {
	description, ds := suite.create(driver.CreateSpec{Width: 4, Height: 4, Bands: 1, DataType: driver.Byte, BlockWidth: 4, BlockHeight: 4})
	defer ds.Close()

	contents := randomBlock(4, 4, driver.Byte)
	suite.Require().NoError(ds.Band(0).EncodeBlock(suite.ctx, 0, 0, contents))

	other := suite.open(description, driver.ReadOnly)
	defer other.Close()
	got := make([]byte, 16)
	suite.Require().NoError(other.Band(0).DecodeBlock(suite.ctx, 0, 0, got))
	suite.Require().Equal(contents, got)
}

// TestOverviews tests that overview levels are reduced by their factor.
func (suite *DriverSuite) TestOverviews() {
	_, ds := suite.create(driver.CreateSpec{
		Width: 1000, Height: 500, Bands: 2, DataType: driver.Byte,
		BlockWidth: 128, BlockHeight: 128, Overviews: []int{2, 4, 8},
	})
	defer ds.Close()

	ovs := ds.Overviews()
	suite.Require().Len(ovs, 3)
	for i, f := range []int{2, 4, 8} {
		w, h := ovs[i].RasterSize()
		suite.Require().Equal(int(math.Ceil(1000/float64(f))), w)
		suite.Require().Equal(int(math.Ceil(500/float64(f))), h)
		suite.Require().Equal(2, ovs[i].BandCount())
	}
}

// TestConcurrentBlocks tests concurrent encodes and decodes of distinct
// blocks.
func (suite *DriverSuite) TestConcurrentBlocks() {
	_, ds := suite.create(driver.CreateSpec{Width: 256, Height: 256, Bands: 1, DataType: driver.Float32, BlockWidth: 32, BlockHeight: 32})
	defer ds.Close()

	b := ds.Band(0)
	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			wg.Add(1)
			go func(x, y int) {
				defer wg.Done()
				contents := randomBlock(32, 32, driver.Float32)
				if err := b.EncodeBlock(suite.ctx, x, y, contents); err != nil {
					errs <- err
					return
				}
				got := make([]byte, len(contents))
				if err := b.DecodeBlock(suite.ctx, x, y, got); err != nil {
					errs <- err
				}
			}(x, y)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		suite.Require().NoError(err)
	}
}

func randomBlock(w, h int, dt driver.DataType) []byte {
	buf := make([]byte, w*h*dt.Size())
	for i := 0; i < w*h; i++ {
		v := float64(rand.Intn(100))
		if dt.IsFloat() {
			v += 0.5
		}
		driver.SetValue(dt, buf[i*dt.Size():], v)
	}
	return buf
}
