package raster

import (
	"context"
	"math"

	"github.com/distribution/raster/internal/dcontext"
	"github.com/distribution/raster/raster/driver"
)

const (
	// nearestOversampling lets nearest neighbour reads use an overview
	// slightly coarser than requested.
	nearestOversampling = 1.2
	// resampledOversampling never lets a resampled read use an overview
	// coarser than requested.
	resampledOversampling = 1.0
)

func (p Policy) oversampling(alg Resampling) float64 {
	if p.OversamplingThreshold > 0 {
		return p.OversamplingThreshold
	}
	if alg == Nearest {
		return nearestOversampling
	}
	return resampledOversampling
}

// selectOverview picks the overview to read a window from, or returns -1.
// The decimation wanted is the smaller of the two axis ratios between the
// window and the buffer; the overview with the largest decimation factor
// not exceeding that ratio times threshold wins.
func selectOverview(width int, overviews []*Dataset, winW, winH float64, bufW, bufH int, threshold float64) int {
	target := math.Min(winW/float64(bufW), winH/float64(bufH))
	if target <= 1 {
		return -1
	}

	best, bestFactor := -1, 1.0
	for i, ov := range overviews {
		ovW, _ := ov.RasterSize()
		if ovW <= 0 {
			continue
		}
		f := float64(width) / float64(ovW)
		if f <= target*threshold && f > bestFactor {
			best, bestFactor = i, f
		}
	}
	return best
}

// scaleWindow maps a window of a w x h raster onto an ovW x ovH overview.
func scaleWindow(fw FloatWindow, w, h, ovW, ovH int) FloatWindow {
	sx := float64(ovW) / float64(w)
	sy := float64(ovH) / float64(h)
	return FloatWindow{X: fw.X * sx, Y: fw.Y * sy, Width: fw.Width * sx, Height: fw.Height * sy}
}

// BuildOverviews regenerates every overview of ds from its full
// resolution bands.
func (ds *Dataset) BuildOverviews(ctx context.Context, alg Resampling, progress ProgressFunc) error {
	ctx, _ = dcontext.EnsureOwner(ctx)
	if ds.isClosed() {
		return wrapError(ds, 0, "build overviews", ErrClosed)
	}
	if ds.access != driver.Update {
		return wrapError(ds, 0, "build overviews", ErrNoWriteAccess)
	}
	if err := alg.validate(); err != nil {
		return wrapError(ds, 0, "build overviews", err)
	}
	if len(ds.overviews) == 0 {
		return nil
	}

	release, err := ds.enter(ctx, LockWrite)
	if err != nil {
		return wrapError(ds, 0, "build overviews", err)
	}
	defer release()
	for _, b := range ds.bands {
		if err := b.takeSticky(); err != nil {
			return wrapError(ds, b.index, "build overviews", err)
		}
	}

	total := float64(len(ds.overviews) * len(ds.bands))
	step := 0
	for _, ov := range ds.overviews {
		for _, b := range ds.bands {
			sub := progress.scaled(float64(step)/total, float64(step+1)/total)
			step++
			if err := b.buildOverview(ctx, ov.bands[b.index-1], alg, sub); err != nil {
				return wrapError(ov, b.index, "build overviews", err)
			}
		}
	}
	return nil
}

// buildOverview fills ob one strip of blocks at a time.
func (b *Band) buildOverview(ctx context.Context, ob *Band, alg Resampling, progress ProgressFunc) error {
	size := ob.dataType.Size()
	for y := 0; y < ob.height; y += ob.blockHeight {
		strip := Window{X: 0, Y: y, Width: ob.width, Height: min(ob.blockHeight, ob.height-y)}
		fw := scaleWindow(strip.float(), ob.width, ob.height, b.width, b.height)
		buf := Buffer{
			Data: make([]byte, strip.Width*strip.Height*size), Type: ob.dataType,
			Width: strip.Width, Height: strip.Height,
		}.layout()

		opts := &IOOptions{Resampling: alg, FloatWindow: &fw}
		if err := b.blockIO(ctx, driver.Read, fw.enclosing(b.width, b.height), buf, opts); err != nil {
			return err
		}
		if err := ob.copyWalk(ctx, driver.Write, strip, buf, nil); err != nil {
			return err
		}
		if !progress.report(float64(y+strip.Height)/float64(ob.height), "building overview") {
			return ErrUserInterrupted
		}
	}
	return nil
}
