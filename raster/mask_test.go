package raster

import (
	"testing"

	"github.com/distribution/raster/raster/driver"
	"github.com/distribution/raster/raster/driver/inmemory"
	"github.com/stretchr/testify/require"
)

func TestAllValidMask(t *testing.T) {
	e, _ := newTestEngine(t, DefaultPolicy(), inmemory.Parameters{})
	ds := create(t, e, "mem://plain", byteSpec(8, 8, 8))

	m, err := ds.Band(1).Mask(testContext())
	require.NoError(t, err)
	require.Equal(t, MaskKindAllValid, m.Kind())
	require.Equal(t, MaskAllValid, m.Flags())

	values, err := m.Read(testContext(), Window{X: 2, Y: 2, Width: 3, Height: 2})
	require.NoError(t, err)
	require.Equal(t, []byte{255, 255, 255, 255, 255, 255}, values)

	_, err = m.Read(testContext(), Window{X: 6, Width: 3, Height: 1})
	require.ErrorIs(t, err, ErrIllegalArgument)
}

func TestNoDataMask(t *testing.T) {
	e, _ := newTestEngine(t, DefaultPolicy(), inmemory.Parameters{})
	spec := byteSpec(4, 1, 4)
	spec.DataType = driver.Float32
	nodata := -9999.5
	spec.NoData = &nodata
	ds := create(t, e, "mem://nodata", spec)
	fill(t, ds, func(_, x, _ int) float64 {
		if x%2 == 0 {
			return nodata
		}
		return float64(x)
	})

	m, err := ds.Band(1).Mask(testContext())
	require.NoError(t, err)
	require.Equal(t, MaskKindNoData, m.Kind())
	require.Equal(t, MaskNoData, m.Flags())

	values, err := m.Read(testContext(), Window{Width: 4, Height: 1})
	require.NoError(t, err)
	require.Equal(t, []byte{0, 255, 0, 255}, values)
}

func TestAlphaMasks(t *testing.T) {
	for _, tc := range []struct {
		name  string
		alpha driver.DataType
		value float64
		kind  MaskKind
		want  byte
	}{
		{"byte", driver.Byte, 128, MaskKindAlpha, 128},
		{"uint16", driver.UInt16, 65535, MaskKindRescaledAlpha, 255},
		{"uint16 half", driver.UInt16, 257 * 100, MaskKindRescaledAlpha, 100},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := newTestEngine(t, DefaultPolicy(), inmemory.Parameters{})
			spec := byteSpec(4, 4, 4)
			spec.DataType = tc.alpha
			spec.Bands = 3
			spec.AlphaBand = 3
			ds := create(t, e, "mem://alpha", spec)
			fill(t, ds, func(band, _, _ int) float64 {
				if band == 3 {
					return tc.value
				}
				return 1
			})
			require.Equal(t, 3, ds.AlphaBand())

			m1, err := ds.Band(1).Mask(testContext())
			require.NoError(t, err)
			m2, err := ds.Band(2).Mask(testContext())
			require.NoError(t, err)
			require.Equal(t, tc.kind, m1.Kind())
			require.Equal(t, MaskAlpha|MaskPerDataset, m1.Flags())
			require.True(t, m1.shares(m2))

			values, err := m1.Read(testContext(), Window{Width: 2, Height: 1})
			require.NoError(t, err)
			require.Equal(t, []byte{tc.want, tc.want}, values)

			// The alpha band itself is not masked by itself.
			m3, err := ds.Band(3).Mask(testContext())
			require.NoError(t, err)
			require.Equal(t, MaskKindAllValid, m3.Kind())
		})
	}
}

func TestExternalMask(t *testing.T) {
	e, mem := newTestEngine(t, DefaultPolicy(), inmemory.Parameters{})
	spec := byteSpec(4, 4, 4)
	spec.Bands = 2
	ds := create(t, e, "mem://masked", spec)
	fill(t, ds, func(band, x, y int) float64 { return float64(band*10 + x + 4*y) })

	sidecar := create(t, e, "mem://masked.msk", byteSpec(4, 4, 4))
	fill(t, sidecar, func(_, x, _ int) float64 {
		if x < 2 {
			return 255
		}
		return 0
	})
	require.NoError(t, sidecar.FlushCache(testContext()))
	require.NoError(t, mem.AttachMask("mem://masked", "mem://masked.msk"))

	m1, err := ds.Band(1).Mask(testContext())
	require.NoError(t, err)
	m2, err := ds.Band(2).Mask(testContext())
	require.NoError(t, err)
	require.Equal(t, MaskKindExternal, m1.Kind())
	require.Equal(t, MaskPerDataset, m1.Flags())
	require.True(t, m1.shares(m2))

	values, err := m2.Read(testContext(), Window{Y: 1, Width: 4, Height: 1})
	require.NoError(t, err)
	require.Equal(t, []byte{255, 255, 0, 0}, values)

	shared, err := sharedMask(testContext(), ds.bands)
	require.NoError(t, err)
	require.True(t, shared)

	// Masked out pixels do not count towards the average.
	buf := Buffer{Data: make([]byte, 2), Type: driver.Byte, Width: 2, Height: 1}
	require.NoError(t, ds.IO(testContext(), driver.Read, Window{Width: 4, Height: 2}, buf, []int{1}, &IOOptions{Resampling: Average}))
	require.Equal(t, []byte{13, 0}, buf.Data)

	files, err := ds.FileList(testContext())
	require.NoError(t, err)
	require.Equal(t, []string{"mem://masked", "mem://masked.msk"}, files)
}

func TestSharedMaskRejectsMixedBands(t *testing.T) {
	e, mem := newTestEngine(t, DefaultPolicy(), inmemory.Parameters{})
	spec := byteSpec(4, 4, 4)
	spec.Bands = 2
	ds := create(t, e, "mem://mixed", spec)

	shared, err := sharedMask(testContext(), ds.bands)
	require.NoError(t, err)
	require.True(t, shared)

	require.NoError(t, mem.SetPalette("mem://mixed", 1, true))
	shared, err = sharedMask(testContext(), ds.bands)
	require.NoError(t, err)
	require.False(t, shared)
}

func TestNoDataMasksAreNotShared(t *testing.T) {
	e, _ := newTestEngine(t, DefaultPolicy(), inmemory.Parameters{})
	spec := byteSpec(4, 4, 4)
	spec.Bands = 2
	nodata := 0.0
	spec.NoData = &nodata
	ds := create(t, e, "mem://twonodata", spec)

	shared, err := sharedMask(testContext(), ds.bands)
	require.NoError(t, err)
	require.False(t, shared)
}
