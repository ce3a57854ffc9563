package raster

import (
	"context"
	"sync"

	"github.com/distribution/raster/internal/dcontext"
	"github.com/distribution/raster/raster/driver"
)

// Band is one channel of a Dataset. Its blocks are cached on first use.
type Band struct {
	ds    *Dataset
	index int
	drv   driver.Band

	dataType                driver.DataType
	blockWidth, blockHeight int
	width, height           int

	cacheMu sync.Mutex
	cache   *BlockCache

	maskMu sync.Mutex
	mask   *Mask
}

// Index returns the 1-based index of the band in its dataset.
func (b *Band) Index() int { return b.index }

// Dataset returns the dataset the band belongs to.
func (b *Band) Dataset() *Dataset { return b.ds }

// DataType returns the pixel type.
func (b *Band) DataType() driver.DataType { return b.dataType }

// BlockSize returns the natural block size.
func (b *Band) BlockSize() (width, height int) { return b.blockWidth, b.blockHeight }

// RasterSize returns the width and height in pixels.
func (b *Band) RasterSize() (width, height int) { return b.width, b.height }

// BlockCount returns the number of blocks per row and per column.
func (b *Band) BlockCount() (nx, ny int) {
	if b.blockWidth <= 0 || b.blockHeight <= 0 {
		return 0, 0
	}
	return (b.width + b.blockWidth - 1) / b.blockWidth, (b.height + b.blockHeight - 1) / b.blockHeight
}

// NoData returns the nodata value, if the band declares one.
func (b *Band) NoData() (float64, bool) {
	if nd, ok := b.drv.(driver.NoDataBand); ok {
		return nd.NoData()
	}
	return 0, false
}

// HasPalette tells whether the band carries a colour table.
func (b *Band) HasPalette() bool {
	if p, ok := b.drv.(driver.PaletteBand); ok {
		return p.HasPalette()
	}
	return false
}

// Overviews returns the matching band of every overview, finest first.
func (b *Band) Overviews() []*Band {
	bands := make([]*Band, 0, len(b.ds.overviews))
	for _, ov := range b.ds.overviews {
		bands = append(bands, ov.bands[b.index-1])
	}
	return bands
}

// Cache returns the band's block cache, creating it on first use.
func (b *Band) Cache() (*BlockCache, error) {
	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()
	if b.cache != nil {
		return b.cache, nil
	}
	c, err := newBlockCache(b, b.ds.engine.policy.CacheStrategy, len(b.ds.bands))
	if err != nil {
		return nil, err
	}
	b.cache = c
	return c, nil
}

// cacheIfReady returns the cache without creating it.
func (b *Band) cacheIfReady() *BlockCache {
	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()
	return b.cache
}

func (b *Band) takeSticky() error {
	if c := b.cacheIfReady(); c != nil {
		return c.takeSticky()
	}
	return nil
}

func (b *Band) flushCache(ctx context.Context, progress ProgressFunc) error {
	c := b.cacheIfReady()
	if c == nil {
		return nil
	}
	return c.FlushAll(ctx, progress)
}

func (b *Band) blockBytes() int {
	return b.blockWidth * b.blockHeight * b.dataType.Size()
}

// GetBlock returns a locked reference to block (x, y), loading it if
// needed. The caller must Release it.
func (b *Band) GetBlock(ctx context.Context, x, y int) (*BlockRef, error) {
	ctx, _ = dcontext.EnsureOwner(ctx)
	if b.ds.isClosed() {
		return nil, wrapError(b.ds, b.index, "get block", ErrClosed)
	}
	c, err := b.Cache()
	if err != nil {
		return nil, wrapError(b.ds, b.index, "get block", err)
	}
	release, err := b.ds.enter(ctx, LockRead)
	if err != nil {
		return nil, wrapError(b.ds, b.index, "get block", err)
	}
	defer release()
	ref, err := c.GetOrLoad(ctx, x, y, false)
	return ref, wrapError(b.ds, b.index, "get block", err)
}

// TryGetBlock returns a locked reference to block (x, y) only if it is
// already cached.
func (b *Band) TryGetBlock(x, y int) (*BlockRef, bool) {
	c := b.cacheIfReady()
	if c == nil {
		return nil, false
	}
	return c.TryGet(x, y)
}

// ReadBlock copies block (x, y) into dst, which must hold a full block.
func (b *Band) ReadBlock(ctx context.Context, x, y int, dst []byte) error {
	ctx, _ = dcontext.EnsureOwner(ctx)
	if len(dst) < b.blockBytes() {
		return wrapError(b.ds, b.index, "read block", illegalArgument("buffer holds %d bytes, need %d", len(dst), b.blockBytes()))
	}
	return wrapError(b.ds, b.index, "read block", b.withBlock(ctx, LockRead, x, y, false, func(ref *BlockRef, data []byte) error {
		copy(dst, data)
		return nil
	}))
}

// WriteBlock replaces block (x, y) with src, which must hold a full block.
// The block is encoded when it leaves the cache.
func (b *Band) WriteBlock(ctx context.Context, x, y int, src []byte) error {
	ctx, _ = dcontext.EnsureOwner(ctx)
	if b.ds.access != driver.Update {
		return wrapError(b.ds, b.index, "write block", ErrNoWriteAccess)
	}
	if len(src) < b.blockBytes() {
		return wrapError(b.ds, b.index, "write block", illegalArgument("buffer holds %d bytes, need %d", len(src), b.blockBytes()))
	}
	return wrapError(b.ds, b.index, "write block", b.withBlock(ctx, LockWrite, x, y, true, func(ref *BlockRef, data []byte) error {
		copy(data, src)
		return ref.MarkDirty()
	}))
}

func (b *Band) withBlock(ctx context.Context, mode LockMode, x, y int, skipDecode bool, fn func(*BlockRef, []byte) error) error {
	if b.ds.isClosed() {
		return ErrClosed
	}
	c, err := b.Cache()
	if err != nil {
		return err
	}
	release, err := b.ds.enter(ctx, mode)
	if err != nil {
		return err
	}
	defer release()
	if err := c.takeSticky(); err != nil {
		return err
	}

	ref, err := c.GetOrLoad(ctx, x, y, skipDecode)
	if err != nil {
		return err
	}
	defer ref.Release()
	data, err := ref.Data()
	if err != nil {
		return err
	}
	return fn(ref, data)
}

// FlushBlock writes block (x, y) if it is dirty and writeIfDirty is set,
// and drops it from the cache.
func (b *Band) FlushBlock(ctx context.Context, x, y int, writeIfDirty bool) error {
	ctx, _ = dcontext.EnsureOwner(ctx)
	c := b.cacheIfReady()
	if c == nil {
		return nil
	}
	release, err := b.ds.enter(ctx, LockWrite)
	if err != nil {
		return wrapError(b.ds, b.index, "flush block", err)
	}
	defer release()
	return wrapError(b.ds, b.index, "flush block", c.FlushBlock(ctx, x, y, writeIfDirty))
}

// FlushCache writes every dirty block of the band and empties its cache.
// It returns, once, the first write failure recorded since the last call.
func (b *Band) FlushCache(ctx context.Context, progress ProgressFunc) error {
	ctx, _ = dcontext.EnsureOwner(ctx)
	release, err := b.ds.enter(ctx, LockWrite)
	if err != nil {
		return wrapError(b.ds, b.index, "flush", err)
	}
	defer release()
	return wrapError(b.ds, b.index, "flush", b.flushCache(ctx, progress))
}

// IO transfers a window of this band. See Dataset.IO.
func (b *Band) IO(ctx context.Context, dir driver.Direction, win Window, buf Buffer, opts *IOOptions) error {
	return b.ds.IO(ctx, dir, win, buf, []int{b.index}, opts)
}

// Mask returns the validity mask of the band, deriving it on first use.
// Derivation may drop the dataset lock, so maskMu is not held across it;
// concurrent first calls agree on whichever mask is published first.
func (b *Band) Mask(ctx context.Context) (*Mask, error) {
	ctx, _ = dcontext.EnsureOwner(ctx)
	b.maskMu.Lock()
	m := b.mask
	b.maskMu.Unlock()
	if m != nil {
		return m, nil
	}

	m, err := deriveMask(ctx, b)
	if err != nil {
		return nil, wrapError(b.ds, b.index, "mask", err)
	}

	b.maskMu.Lock()
	defer b.maskMu.Unlock()
	if b.mask == nil {
		b.mask = m
	}
	return b.mask, nil
}

// prefetch loads the blocks of a window into the cache.
func (b *Band) prefetch(ctx context.Context, win Window) error {
	c, err := b.Cache()
	if err != nil {
		return wrapError(b.ds, b.index, "advise read", err)
	}
	// Write mode keeps this task from waiting on itself.
	release, err := b.ds.enter(ctx, LockWrite)
	if err != nil {
		return wrapError(b.ds, b.index, "advise read", err)
	}
	defer release()

	for y := win.Y / b.blockHeight; y <= (win.Y+win.Height-1)/b.blockHeight; y++ {
		for x := win.X / b.blockWidth; x <= (win.X+win.Width-1)/b.blockWidth; x++ {
			ref, err := c.GetOrLoad(ctx, x, y, false)
			if err != nil {
				return wrapError(b.ds, b.index, "advise read", err)
			}
			ref.Release()
		}
	}
	return nil
}
