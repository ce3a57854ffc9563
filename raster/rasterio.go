package raster

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/distribution/raster/internal/dcontext"
	"github.com/distribution/raster/raster/driver"
)

const floatTolerance = 1e-9

// Window is a rectangle of pixels.
type Window struct {
	X, Y          int
	Width, Height int
}

func (w Window) float() FloatWindow {
	return FloatWindow{X: float64(w.X), Y: float64(w.Y), Width: float64(w.Width), Height: float64(w.Height)}
}

// FloatWindow is a rectangle with sub-pixel precision.
type FloatWindow struct {
	X, Y          float64
	Width, Height float64
}

// enclosing returns the smallest pixel window holding fw, clipped to a
// width x height raster.
func (fw FloatWindow) enclosing(width, height int) Window {
	x0 := clampIndex(int(math.Floor(fw.X+floatTolerance)), width)
	y0 := clampIndex(int(math.Floor(fw.Y+floatTolerance)), height)
	x1 := min(width, int(math.Ceil(fw.X+fw.Width-floatTolerance)))
	y1 := min(height, int(math.Ceil(fw.Y+fw.Height-floatTolerance)))
	return Window{X: x0, Y: y0, Width: max(1, x1-x0), Height: max(1, y1-y0)}
}

func (fw FloatWindow) integral() bool {
	for _, v := range [4]float64{fw.X, fw.Y, fw.Width, fw.Height} {
		if math.Abs(v-math.Round(v)) > floatTolerance {
			return false
		}
	}
	return true
}

// Buffer is caller memory a window is transferred to or from. Spacings
// are byte offsets; zero spacings describe a tightly packed buffer with
// one band after the other.
type Buffer struct {
	Data          []byte
	Type          driver.DataType
	Width, Height int
	PixelSpace    int
	LineSpace     int
	BandSpace     int
}

func (buf Buffer) layout() Buffer {
	if buf.PixelSpace == 0 {
		buf.PixelSpace = buf.Type.Size()
	}
	if buf.LineSpace == 0 {
		buf.LineSpace = buf.PixelSpace * buf.Width
	}
	if buf.BandSpace == 0 {
		buf.BandSpace = buf.LineSpace * buf.Height
	}
	return buf
}

func (buf Buffer) validate(bands int) error {
	if buf.Data == nil {
		return illegalArgument("nil buffer")
	}
	size := buf.Type.Size()
	if size == 0 {
		return illegalArgument("unsupported buffer type %v", buf.Type)
	}
	if buf.PixelSpace < size || buf.LineSpace < 0 || buf.BandSpace < 0 {
		return illegalArgument("invalid buffer spacing %d/%d/%d", buf.PixelSpace, buf.LineSpace, buf.BandSpace)
	}
	need := (buf.Height-1)*buf.LineSpace + (buf.Width-1)*buf.PixelSpace + (bands-1)*buf.BandSpace + size
	if len(buf.Data) < need {
		return illegalArgument("buffer holds %d bytes, need %d", len(buf.Data), need)
	}
	return nil
}

// band returns the view of band i of a multi band buffer.
func (buf Buffer) band(i int) Buffer {
	buf.Data = buf.Data[i*buf.BandSpace:]
	return buf
}

func (buf Buffer) pixel(x, y int) []byte {
	return buf.Data[y*buf.LineSpace+x*buf.PixelSpace:]
}

// IOOptions tunes a transfer.
type IOOptions struct {
	// Resampling applies when the buffer and window sizes differ.
	Resampling Resampling
	// Progress is told how far the transfer is.
	Progress ProgressFunc
	// FloatWindow, when set, refines the window to sub-pixel precision for
	// resampled reads.
	FloatWindow *FloatWindow
}

func (o *IOOptions) sourceWindow(win Window) FloatWindow {
	if o.FloatWindow != nil {
		return *o.FloatWindow
	}
	return win.float()
}

// IO transfers a window of the given bands, 1-based, to or from buf. No
// bands means all of them. The whole transfer runs under one hold of the
// dataset lock; a pending write failure of any band involved is returned
// before anything is transferred.
//
// An empty window or buffer is a no-op.
func (ds *Dataset) IO(ctx context.Context, dir driver.Direction, win Window, buf Buffer, bands []int, opts *IOOptions) error {
	ctx, _ = dcontext.EnsureOwner(ctx)
	if opts == nil {
		opts = &IOOptions{}
	}
	if ds.isClosed() {
		return wrapError(ds, 0, "io", ErrClosed)
	}
	if win.Width <= 0 || win.Height <= 0 || buf.Width <= 0 || buf.Height <= 0 {
		dcontext.GetLoggerWithField(ctx, "dataset", ds.description).
			Debugf("ignoring %s of %dx%d window with %dx%d buffer", dir, win.Width, win.Height, buf.Width, buf.Height)
		return nil
	}

	targets, err := ds.selectBands(bands)
	if err != nil {
		return wrapError(ds, 0, "io", err)
	}
	if err := ds.checkWindow(win, opts.FloatWindow); err != nil {
		return wrapError(ds, 0, "io", err)
	}
	buf = buf.layout()
	if err := buf.validate(len(targets)); err != nil {
		return wrapError(ds, 0, "io", err)
	}
	if dir == driver.Write && ds.access != driver.Update {
		return wrapError(ds, 0, "io", ErrNoWriteAccess)
	}
	if err := opts.Resampling.validate(); err != nil {
		return wrapError(ds, 0, "io", err)
	}

	mode := LockRead
	if dir == driver.Write {
		mode = LockWrite
	}
	release, err := ds.enter(ctx, mode)
	if err != nil {
		return wrapError(ds, 0, "io", err)
	}
	defer release()

	for _, b := range targets {
		if err := b.takeSticky(); err != nil {
			return wrapError(ds, b.index, "io", err)
		}
	}

	start := time.Now()
	strategy, err := ds.ioLocked(ctx, dir, win, buf, targets, opts)
	ioTransfers.WithValues(dir.String(), strategy).UpdateSince(start)
	return wrapError(ds, 0, "io", err)
}

// ioLocked dispatches a validated transfer with the lock held and returns
// the strategy used.
func (ds *Dataset) ioLocked(ctx context.Context, dir driver.Direction, win Window, buf Buffer, bands []*Band, opts *IOOptions) (string, error) {
	if buf.Width == win.Width && buf.Height == win.Height && len(bands) > 1 &&
		opts.FloatWindow == nil && ds.Interleaving() == driver.InterleavePixel && uniformBlocks(bands) {
		return "interleaved", ds.interleavedWalk(ctx, dir, win, buf, bands, opts.Progress)
	}

	fw := opts.sourceWindow(win)
	if dir == driver.Read && opts.Resampling != Nearest &&
		(float64(buf.Width) < fw.Width || float64(buf.Height) < fw.Height) {
		if ok, err := ds.overviewIO(ctx, win, buf, bands, opts); ok {
			return "overview", err
		}
		shared, err := sharedMask(ctx, bands)
		if err != nil {
			return "resampled", err
		}
		if shared {
			return "resampled", ds.resampledRead(ctx, win, buf, bands, opts)
		}
	}

	for i, b := range bands {
		sub := *opts
		sub.Progress = opts.Progress.scaled(float64(i)/float64(len(bands)), float64(i+1)/float64(len(bands)))
		if err := b.ioLocked(ctx, dir, win, buf.band(i), &sub); err != nil {
			return "band", err
		}
	}
	return "band", nil
}

func uniformBlocks(bands []*Band) bool {
	for _, b := range bands[1:] {
		if b.blockWidth != bands[0].blockWidth || b.blockHeight != bands[0].blockHeight {
			return false
		}
	}
	return true
}

// sharedMask tells whether bands can be resampled in one pass: one data
// type, no colour table and one mask.
func sharedMask(ctx context.Context, bands []*Band) (bool, error) {
	m0, err := bands[0].Mask(ctx)
	if err != nil {
		return false, err
	}
	for _, b := range bands {
		if b.dataType != bands[0].dataType || b.HasPalette() {
			return false, nil
		}
		m, err := b.Mask(ctx)
		if err != nil {
			return false, err
		}
		if !m.shares(m0) {
			return false, nil
		}
	}
	return true, nil
}

// interleavedWalk visits each block position once and transfers it for
// every band before moving on.
func (ds *Dataset) interleavedWalk(ctx context.Context, dir driver.Direction, win Window, buf Buffer, bands []*Band, progress ProgressFunc) error {
	caches := make([]*BlockCache, len(bands))
	for i, b := range bands {
		c, err := b.Cache()
		if err != nil {
			return wrapError(ds, b.index, "io", err)
		}
		caches[i] = c
	}

	bw, bh := bands[0].blockWidth, bands[0].blockHeight
	by0, by1 := win.Y/bh, (win.Y+win.Height-1)/bh
	bx0, bx1 := win.X/bw, (win.X+win.Width-1)/bw
	for by := by0; by <= by1; by++ {
		for bx := bx0; bx <= bx1; bx++ {
			for i, b := range bands {
				if err := b.transferBlock(ctx, caches[i], dir, bx, by, win, buf.band(i)); err != nil {
					return wrapError(ds, b.index, "io", err)
				}
			}
		}
		if !progress.report(float64(by-by0+1)/float64(by1-by0+1), "") {
			return ErrUserInterrupted
		}
	}
	return nil
}

func (ds *Dataset) overviewIO(ctx context.Context, win Window, buf Buffer, bands []*Band, opts *IOOptions) (bool, error) {
	if len(ds.overviews) == 0 {
		return false, nil
	}
	fw := opts.sourceWindow(win)
	i := selectOverview(ds.width, ds.overviews, fw.Width, fw.Height, buf.Width, buf.Height,
		ds.engine.policy.oversampling(opts.Resampling))
	if i < 0 {
		return false, nil
	}
	ov := ds.overviews[i]
	ovWin, sub := overviewRequest(fw, ds.width, ds.height, ov, opts)
	ovBands := make([]*Band, len(bands))
	for j, b := range bands {
		ovBands[j] = ov.bands[b.index-1]
	}
	_, err := ov.ioLocked(ctx, driver.Read, ovWin, buf, ovBands, sub)
	return true, err
}

// overviewRequest maps a source window of a width x height raster onto
// overview ov.
func overviewRequest(fw FloatWindow, width, height int, ov *Dataset, opts *IOOptions) (Window, *IOOptions) {
	ovFW := scaleWindow(fw, width, height, ov.width, ov.height)
	ovWin := ovFW.enclosing(ov.width, ov.height)
	sub := *opts
	sub.FloatWindow = &ovFW
	if ovFW.integral() {
		sub.FloatWindow = nil
	}
	return ovWin, &sub
}

// resampledRead resamples every band from one read of the shared mask.
func (ds *Dataset) resampledRead(ctx context.Context, win Window, buf Buffer, bands []*Band, opts *IOOptions) error {
	fw := opts.sourceWindow(win)
	src := bands[0].sourceWindow(fw, opts.Resampling)
	valid, err := bands[0].validity(ctx, src, opts.Resampling)
	if err != nil {
		return err
	}
	for i, b := range bands {
		if err := b.resampleInto(ctx, src, fw, valid, buf.band(i), opts.Resampling); err != nil {
			return wrapError(ds, b.index, "io", err)
		}
		if !opts.Progress.report(float64(i+1)/float64(len(bands)), "") {
			return ErrUserInterrupted
		}
	}
	return nil
}

func (b *Band) ioLocked(ctx context.Context, dir driver.Direction, win Window, buf Buffer, opts *IOOptions) error {
	fw := opts.sourceWindow(win)
	if dir == driver.Read && (float64(buf.Width) < fw.Width || float64(buf.Height) < fw.Height) {
		if ok, err := b.overviewIO(ctx, win, buf, opts); ok {
			return err
		}
	}
	if ok, err := b.residentBlockIO(dir, win, buf, opts); ok {
		return err
	}
	if !b.ds.engine.policy.ForceCachedIO && opts.FloatWindow == nil {
		if ok, err := b.driverIO(ctx, dir, win, buf, opts.Resampling); ok {
			return err
		}
	}
	return b.blockIO(ctx, dir, win, buf, opts)
}

func (b *Band) overviewIO(ctx context.Context, win Window, buf Buffer, opts *IOOptions) (bool, error) {
	if len(b.ds.overviews) == 0 {
		return false, nil
	}
	fw := opts.sourceWindow(win)
	i := selectOverview(b.width, b.ds.overviews, fw.Width, fw.Height, buf.Width, buf.Height,
		b.ds.engine.policy.oversampling(opts.Resampling))
	if i < 0 {
		return false, nil
	}
	ov := b.ds.overviews[i]
	ovWin, sub := overviewRequest(fw, b.width, b.height, ov, opts)
	return true, ov.bands[b.index-1].ioLocked(ctx, driver.Read, ovWin, buf, sub)
}

// residentBlockIO serves a window that is exactly one cached block
// straight from that block.
func (b *Band) residentBlockIO(dir driver.Direction, win Window, buf Buffer, opts *IOOptions) (bool, error) {
	size := b.dataType.Size()
	if opts.FloatWindow != nil || buf.Width != win.Width || buf.Height != win.Height || buf.Type != b.dataType ||
		buf.PixelSpace != size || buf.LineSpace != size*buf.Width {
		return false, nil
	}
	bw, bh := b.blockWidth, b.blockHeight
	if win.X%bw != 0 || win.Y%bh != 0 || win.Width != min(bw, b.width-win.X) || win.Height != min(bh, b.height-win.Y) {
		return false, nil
	}
	ref, ok := b.TryGetBlock(win.X/bw, win.Y/bh)
	if !ok {
		return false, nil
	}
	defer ref.Release()
	return true, b.copyBlock(ref, dir, win.X/bw, win.Y/bh, win, buf)
}

// driverIO hands the window to the driver's own windowed path. Dirty
// cached blocks are written first; after a write the cached copies are
// dropped. It reports false, touching nothing, when the driver has no
// path for the request.
func (b *Band) driverIO(ctx context.Context, dir driver.Direction, win Window, buf Buffer, alg Resampling) (bool, error) {
	rio, ok := b.drv.(driver.RasterIOer)
	if !ok {
		return false, nil
	}
	req := &driver.IORequest{
		Direction:  dir,
		X:          win.X,
		Y:          win.Y,
		Width:      win.Width,
		Height:     win.Height,
		Buf:        buf.Data,
		BufType:    buf.Type,
		BufWidth:   buf.Width,
		BufHeight:  buf.Height,
		PixelSpace: buf.PixelSpace,
		LineSpace:  buf.LineSpace,
		Resampling: alg.String(),
	}
	if !rio.CanRasterIO(req) {
		return false, nil
	}
	c := b.cacheIfReady()
	if c != nil {
		c.flushWindow(ctx, win, true, false)
		if err := c.takeSticky(); err != nil {
			return true, err
		}
	}

	err := rio.RasterIO(ctx, req)
	var unsupported driver.ErrUnsupportedMethod
	if errors.As(err, &unsupported) {
		return false, nil
	}
	if err == nil && dir == driver.Write && c != nil {
		c.flushWindow(ctx, win, false, true)
	}
	return true, err
}

// blockIO transfers through the block cache.
func (b *Band) blockIO(ctx context.Context, dir driver.Direction, win Window, buf Buffer, opts *IOOptions) error {
	if opts.FloatWindow == nil && buf.Width == win.Width && buf.Height == win.Height {
		return b.copyWalk(ctx, dir, win, buf, opts.Progress)
	}
	if dir == driver.Write {
		return b.scaledWrite(ctx, win, buf, opts.Progress)
	}
	fw := opts.sourceWindow(win)
	src := b.sourceWindow(fw, opts.Resampling)
	valid, err := b.validity(ctx, src, opts.Resampling)
	if err != nil {
		return err
	}
	if err := b.resampleInto(ctx, src, fw, valid, buf, opts.Resampling); err != nil {
		return err
	}
	if !opts.Progress.report(1, "") {
		return ErrUserInterrupted
	}
	return nil
}

// copyWalk transfers a window of the same size as buf block by block.
func (b *Band) copyWalk(ctx context.Context, dir driver.Direction, win Window, buf Buffer, progress ProgressFunc) error {
	c, err := b.Cache()
	if err != nil {
		return err
	}
	bw, bh := b.blockWidth, b.blockHeight
	by0, by1 := win.Y/bh, (win.Y+win.Height-1)/bh
	bx0, bx1 := win.X/bw, (win.X+win.Width-1)/bw
	for by := by0; by <= by1; by++ {
		for bx := bx0; bx <= bx1; bx++ {
			if err := b.transferBlock(ctx, c, dir, bx, by, win, buf); err != nil {
				return err
			}
		}
		if !progress.report(float64(by-by0+1)/float64(by1-by0+1), "") {
			return ErrUserInterrupted
		}
	}
	return nil
}

// transferBlock copies the part of window win inside block (bx, by). A
// write covering the whole block does not decode it first.
func (b *Band) transferBlock(ctx context.Context, c *BlockCache, dir driver.Direction, bx, by int, win Window, buf Buffer) error {
	bw, bh := b.blockWidth, b.blockHeight
	full := dir == driver.Write &&
		win.X <= bx*bw && win.Y <= by*bh &&
		win.X+win.Width >= min((bx+1)*bw, b.width) &&
		win.Y+win.Height >= min((by+1)*bh, b.height)

	ref, err := c.GetOrLoad(ctx, bx, by, full)
	if err != nil {
		return err
	}
	defer ref.Release()
	return b.copyBlock(ref, dir, bx, by, win, buf)
}

func (b *Band) copyBlock(ref *BlockRef, dir driver.Direction, bx, by int, win Window, buf Buffer) error {
	data, err := ref.Data()
	if err != nil {
		return err
	}
	bw, bh := b.blockWidth, b.blockHeight
	x0, x1 := max(win.X, bx*bw), min(win.X+win.Width, (bx+1)*bw)
	y0, y1 := max(win.Y, by*bh), min(win.Y+win.Height, (by+1)*bh)
	size := b.dataType.Size()
	n := x1 - x0
	for y := y0; y < y1; y++ {
		off := ((y-by*bh)*bw + x0 - bx*bw) * size
		px := buf.pixel(x0-win.X, y-win.Y)
		if dir == driver.Read {
			driver.CopyWords(data[off:], b.dataType, size, px, buf.Type, buf.PixelSpace, n)
		} else {
			driver.CopyWords(px, buf.Type, buf.PixelSpace, data[off:], b.dataType, size, n)
		}
	}
	if dir == driver.Write {
		return ref.MarkDirty()
	}
	return nil
}

// scaledWrite writes buf stretched over win, each pixel taking the value
// of the nearest buffer pixel.
func (b *Band) scaledWrite(ctx context.Context, win Window, buf Buffer, progress ProgressFunc) error {
	size := b.dataType.Size()
	tmp := make([]byte, win.Width*win.Height*size)
	for y := 0; y < win.Height; y++ {
		sy := clampIndex(int((float64(y)+0.5)*float64(buf.Height)/float64(win.Height)), buf.Height)
		for x := 0; x < win.Width; x++ {
			sx := clampIndex(int((float64(x)+0.5)*float64(buf.Width)/float64(win.Width)), buf.Width)
			driver.CopyWords(buf.pixel(sx, sy), buf.Type, buf.PixelSpace, tmp[(y*win.Width+x)*size:], b.dataType, size, 1)
		}
	}
	return b.copyWalk(ctx, driver.Write, win, Buffer{
		Data: tmp, Type: b.dataType, Width: win.Width, Height: win.Height,
		PixelSpace: size, LineSpace: size * win.Width,
	}, progress)
}

// sourceWindow returns the pixels a resampled read of fw needs.
func (b *Band) sourceWindow(fw FloatWindow, alg Resampling) Window {
	src := fw.enclosing(b.width, b.height)
	if alg == Bilinear {
		x0, y0 := max(0, src.X-1), max(0, src.Y-1)
		x1, y1 := min(b.width, src.X+src.Width+1), min(b.height, src.Y+src.Height+1)
		src = Window{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
	}
	return src
}

// validity reads the mask of src, or returns nil when every pixel counts.
func (b *Band) validity(ctx context.Context, src Window, alg Resampling) ([]byte, error) {
	if alg == Nearest {
		return nil, nil
	}
	m, err := b.Mask(ctx)
	if err != nil {
		return nil, err
	}
	if m.kind == MaskKindAllValid {
		return nil, nil
	}
	return m.read(ctx, src)
}

// resampleInto reads src and resamples it onto buf. Buffer pixels without
// a valid source get the nodata value, or 0.
func (b *Band) resampleInto(ctx context.Context, src Window, fw FloatWindow, valid []byte, buf Buffer, alg Resampling) error {
	values, err := b.readValues(ctx, src)
	if err != nil {
		return err
	}
	s := &sampler{src: values, valid: valid, sw: src, fw: fw, outW: buf.Width, outH: buf.Height}
	out, ok := s.run(alg)

	fill, _ := b.NoData()
	for y := 0; y < buf.Height; y++ {
		for x := 0; x < buf.Width; x++ {
			v := out[y*buf.Width+x]
			if !ok[y*buf.Width+x] {
				v = fill
			}
			driver.SetValue(buf.Type, buf.pixel(x, y), v)
		}
	}
	return nil
}

// readValues reads a window as float64 values through the cache.
func (b *Band) readValues(ctx context.Context, win Window) ([]float64, error) {
	tmp := make([]byte, win.Width*win.Height*8)
	err := b.copyWalk(ctx, driver.Read, win, Buffer{
		Data: tmp, Type: driver.Float64, Width: win.Width, Height: win.Height,
		PixelSpace: 8, LineSpace: 8 * win.Width,
	}, nil)
	if err != nil {
		return nil, err
	}
	values := make([]float64, win.Width*win.Height)
	for i := range values {
		values[i] = driver.GetValue(driver.Float64, tmp[i*8:])
	}
	return values, nil
}
