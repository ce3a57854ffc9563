package raster

import (
	"context"
	"math"

	"github.com/distribution/raster/raster/driver"
)

// MaskKind tells where a band's validity mask comes from.
type MaskKind int

const (
	// MaskKindAllValid marks every pixel valid.
	MaskKindAllValid MaskKind = iota
	// MaskKindNoData marks pixels equal to the band's nodata value invalid.
	MaskKindNoData
	// MaskKindAlpha uses a Byte alpha band of the dataset.
	MaskKindAlpha
	// MaskKindRescaledAlpha uses a UInt16 alpha band scaled to 0..255.
	MaskKindRescaledAlpha
	// MaskKindExternal uses the first band of a side-car mask resource.
	MaskKindExternal
)

func (k MaskKind) String() string {
	switch k {
	case MaskKindAllValid:
		return "all-valid"
	case MaskKindNoData:
		return "nodata"
	case MaskKindAlpha:
		return "alpha"
	case MaskKindRescaledAlpha:
		return "rescaled-alpha"
	case MaskKindExternal:
		return "external"
	default:
		return "unknown"
	}
}

// MaskFlags describes a mask the way callers filter on it.
type MaskFlags int

const (
	// MaskAllValid is set when no pixel is ever invalid.
	MaskAllValid MaskFlags = 0x01
	// MaskPerDataset is set when every band of the dataset shares the mask.
	MaskPerDataset MaskFlags = 0x02
	// MaskAlpha is set when the mask is an alpha band.
	MaskAlpha MaskFlags = 0x04
	// MaskNoData is set when the mask derives from a nodata value.
	MaskNoData MaskFlags = 0x08
)

// Mask is the validity of the pixels of one band. Read yields 0 for
// invalid pixels and up to 255 for valid ones.
type Mask struct {
	kind MaskKind
	band *Band
	// source holds the mask values for alpha and external masks.
	source *Band
	nodata float64
}

// deriveMask picks the mask of b: a side-car mask first, then the band's
// nodata value, then the dataset's alpha band.
func deriveMask(ctx context.Context, b *Band) (*Mask, error) {
	mds, err := b.ds.maskDataset(ctx)
	if err != nil {
		return nil, err
	}
	if mds != nil {
		return &Mask{kind: MaskKindExternal, band: b, source: mds.bands[0]}, nil
	}

	if nd, ok := b.NoData(); ok {
		return &Mask{kind: MaskKindNoData, band: b, source: b, nodata: nd}, nil
	}

	if a := b.ds.alpha; a > 0 && a != b.index {
		alpha := b.ds.bands[a-1]
		switch alpha.dataType {
		case driver.Byte:
			return &Mask{kind: MaskKindAlpha, band: b, source: alpha}, nil
		case driver.UInt16:
			return &Mask{kind: MaskKindRescaledAlpha, band: b, source: alpha}, nil
		}
	}
	return &Mask{kind: MaskKindAllValid, band: b}, nil
}

// Kind returns where the mask comes from.
func (m *Mask) Kind() MaskKind { return m.kind }

// Flags returns the mask flags.
func (m *Mask) Flags() MaskFlags {
	switch m.kind {
	case MaskKindNoData:
		return MaskNoData
	case MaskKindAlpha, MaskKindRescaledAlpha:
		return MaskAlpha | MaskPerDataset
	case MaskKindExternal:
		return MaskPerDataset
	default:
		return MaskAllValid
	}
}

// shares tells whether m and o always hold the same values.
func (m *Mask) shares(o *Mask) bool {
	if m.kind == MaskKindAllValid && o.kind == MaskKindAllValid {
		return true
	}
	if m.kind != o.kind {
		return false
	}
	if m.Flags()&MaskPerDataset != 0 {
		return m.source == o.source
	}
	return m.band == o.band
}

// Read returns the mask values of a window, one byte per pixel, row by
// row.
func (m *Mask) Read(ctx context.Context, win Window) ([]byte, error) {
	ds := m.band.ds
	if ds.isClosed() {
		return nil, wrapError(ds, m.band.index, "read mask", ErrClosed)
	}
	if win.Width <= 0 || win.Height <= 0 {
		return nil, nil
	}
	if err := ds.checkWindow(win, nil); err != nil {
		return nil, wrapError(ds, m.band.index, "read mask", err)
	}
	release, err := ds.enter(ctx, LockRead)
	if err != nil {
		return nil, wrapError(ds, m.band.index, "read mask", err)
	}
	defer release()
	out, err := m.read(ctx, win)
	return out, wrapError(ds, m.band.index, "read mask", err)
}

// read is Read with the band's dataset lock already held.
func (m *Mask) read(ctx context.Context, win Window) ([]byte, error) {
	out := make([]byte, win.Width*win.Height)
	if m.kind == MaskKindAllValid {
		for i := range out {
			out[i] = 255
		}
		return out, nil
	}

	var (
		values []float64
		err    error
	)
	if m.kind == MaskKindExternal {
		// The side-car is another resource.
		dropped := m.band.ds.lock.TemporarilyDrop(ctx)
		values, err = m.source.readValues(ctx, win)
		dropped.Reacquire()
	} else {
		values, err = m.source.readValues(ctx, win)
	}
	if err != nil {
		return nil, err
	}

	switch m.kind {
	case MaskKindNoData:
		for i, v := range values {
			if !m.isNoData(v) {
				out[i] = 255
			}
		}
	case MaskKindRescaledAlpha:
		for i, v := range values {
			out[i] = uint8(math.Min(255, math.Max(0, v/257)))
		}
	default:
		for i, v := range values {
			out[i] = uint8(math.Min(255, math.Max(0, v)))
		}
	}
	return out, nil
}

func (m *Mask) isNoData(v float64) bool {
	if math.IsNaN(m.nodata) {
		return math.IsNaN(v)
	}
	if m.band.dataType == driver.Float32 {
		return float32(v) == float32(m.nodata)
	}
	return v == m.nodata
}
