package driver

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDataTypeSizes(t *testing.T) {
	sizes := map[DataType]int{
		Unknown: 0, Byte: 1, Int8: 1, UInt16: 2, Int16: 2,
		UInt32: 4, Int32: 4, Float32: 4, Float64: 8,
	}
	for dt, size := range sizes {
		require.Equal(t, size, dt.Size(), dt.String())
	}
}

func TestSetValueClampsAndRounds(t *testing.T) {
	b := make([]byte, 8)

	SetValue(Byte, b, 300)
	require.Equal(t, float64(255), GetValue(Byte, b))

	SetValue(Byte, b, -4)
	require.Equal(t, float64(0), GetValue(Byte, b))

	SetValue(Int16, b, -2.5)
	require.Equal(t, float64(-3), GetValue(Int16, b))

	SetValue(UInt16, b, math.NaN())
	require.Equal(t, float64(0), GetValue(UInt16, b))

	SetValue(Float32, b, 1.5)
	require.Equal(t, 1.5, GetValue(Float32, b))
}

func TestCopyWordsConverts(t *testing.T) {
	src := []byte{1, 2, 250}
	dst := make([]byte, 3*4)
	CopyWords(src, Byte, 1, dst, Float32, 4, 3)
	for i, want := range []float64{1, 2, 250} {
		require.Equal(t, want, GetValue(Float32, dst[i*4:]))
	}

	back := make([]byte, 3)
	CopyWords(dst, Float32, 4, back, Byte, 1, 3)
	require.Equal(t, src, back)
}

func TestCopyWordsStrided(t *testing.T) {
	// pixel interleaved RGB into a single band
	src := []byte{1, 10, 100, 2, 20, 200}
	dst := make([]byte, 2)
	CopyWords(src[1:], Byte, 3, dst, Byte, 1, 2)
	require.Equal(t, []byte{10, 20}, dst)
}

func TestFillValue(t *testing.T) {
	dst := make([]byte, 6)
	FillValue(dst, UInt16, 2, 3, 513)
	require.Equal(t, []byte{1, 2, 1, 2, 1, 2}, dst)
}

func TestParseDataType(t *testing.T) {
	dt, err := ParseDataType("uint16")
	require.NoError(t, err)
	require.Equal(t, UInt16, dt)
	dt, err = ParseDataType("Float64")
	require.NoError(t, err)
	require.Equal(t, Float64, dt)
	_, err = ParseDataType("complex64")
	require.Error(t, err)
}
