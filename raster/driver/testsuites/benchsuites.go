package testsuites

import (
	"context"
	"testing"

	"github.com/distribution/raster/internal/dcontext"
	"github.com/distribution/raster/internal/uuid"
	"github.com/distribution/raster/raster/driver"
)

type DriverBenchmarkSuite struct {
	Driver   driver.Driver
	Describe DescriptionFunc
	ctx      context.Context
}

func NewDriverBenchmarkSuite(d driver.Driver, describe DescriptionFunc) *DriverBenchmarkSuite {
	return &DriverBenchmarkSuite{Driver: d, Describe: describe, ctx: dcontext.Background()}
}

// BenchmarkEncodeDecode64 benchmarks EncodeBlock/DecodeBlock for 64x64 Byte blocks
func (s *DriverBenchmarkSuite) BenchmarkEncodeDecode64(b *testing.B) {
	s.benchmarkEncodeDecode(b, 64, driver.Byte)
}

// BenchmarkEncodeDecode256 benchmarks EncodeBlock/DecodeBlock for 256x256 Byte blocks
func (s *DriverBenchmarkSuite) BenchmarkEncodeDecode256(b *testing.B) {
	s.benchmarkEncodeDecode(b, 256, driver.Byte)
}

// BenchmarkEncodeDecode256Float32 benchmarks EncodeBlock/DecodeBlock for 256x256 Float32 blocks
func (s *DriverBenchmarkSuite) BenchmarkEncodeDecode256Float32(b *testing.B) {
	s.benchmarkEncodeDecode(b, 256, driver.Float32)
}

func (s *DriverBenchmarkSuite) benchmarkEncodeDecode(b *testing.B, size int, dt driver.DataType) {
	creator, ok := s.Driver.(driver.Creator)
	if !ok {
		b.Skip("driver cannot create resources")
	}
	ds, err := creator.Create(s.ctx, s.Describe(uuid.NewString()), driver.CreateSpec{
		Width: size * 4, Height: size * 4, Bands: 1, DataType: dt, BlockWidth: size, BlockHeight: size,
	})
	if err != nil {
		b.Fatal(err)
	}
	defer ds.Close()

	contents := randomBlock(size, size, dt)
	got := make([]byte, len(contents))
	band := ds.Band(0)
	b.SetBytes(int64(len(contents)))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		x, y := i%4, (i/4)%4
		if err := band.EncodeBlock(s.ctx, x, y, contents); err != nil {
			b.Fatal(err)
		}
		if err := band.DecodeBlock(s.ctx, x, y, got); err != nil {
			b.Fatal(err)
		}
	}
}
