package raster

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/distribution/raster/configuration"
	"github.com/distribution/raster/internal/dcontext"
)

// arrayStoreMaxBlocks is the estimated block count, over all bands of a
// dataset, below which the auto strategy indexes blocks in a dense array.
const arrayStoreMaxBlocks = 1 << 20

// BlockCache holds the resident blocks of one band. Every block lives at
// most once in the cache; lookups of a block that is being loaded or
// written back wait for that work to finish.
type BlockCache struct {
	band   *Band
	budget *budget

	nBlocksX   int
	nBlocksY   int
	blockBytes int
	strategy   configuration.CacheStrategy

	mu     sync.Mutex
	store  blockStore
	reads  int
	warned bool
	// sticky is the first write back failure not yet reported.
	sticky error
}

func newBlockCache(band *Band, strategy configuration.CacheStrategy, bandCount int) (*BlockCache, error) {
	bw, bh := band.blockWidth, band.blockHeight
	if bw <= 0 || bh <= 0 || band.width <= 0 || band.height <= 0 {
		return nil, fmt.Errorf("%w: invalid block size %dx%d or raster size %dx%d",
			ErrOutOfMemory, bw, bh, band.width, band.height)
	}
	size := band.dataType.Size()
	if size == 0 {
		return nil, fmt.Errorf("%w: unsupported data type %v", ErrOutOfMemory, band.dataType)
	}
	blockBytes := int64(bw) * int64(bh) * int64(size)
	if blockBytes > math.MaxInt32 {
		return nil, fmt.Errorf("%w: block of %d bytes exceeds platform limit", ErrOutOfMemory, blockBytes)
	}

	nx := (band.width + bw - 1) / bw
	ny := (band.height + bh - 1) / bh
	if strategy == "" || strategy == configuration.CacheStrategyAuto {
		if int64(nx)*int64(ny)*int64(bandCount) < arrayStoreMaxBlocks {
			strategy = configuration.CacheStrategyArray
		} else {
			strategy = configuration.CacheStrategyHashSet
		}
	}

	c := &BlockCache{
		band:       band,
		budget:     band.ds.engine.budget,
		nBlocksX:   nx,
		nBlocksY:   ny,
		blockBytes: int(blockBytes),
		strategy:   strategy,
	}
	switch strategy {
	case configuration.CacheStrategyArray:
		if int64(nx)*int64(ny) > math.MaxInt32 {
			return nil, fmt.Errorf("%w: %dx%d block grid too large for array cache", ErrOutOfMemory, nx, ny)
		}
		c.store = newArrayStore(nx, ny)
	case configuration.CacheStrategyHashSet:
		c.store = newHashStore()
	default:
		return nil, fmt.Errorf("%w: unknown cache strategy %q", ErrIllegalArgument, strategy)
	}
	return c, nil
}

// Strategy returns the block index in use.
func (c *BlockCache) Strategy() configuration.CacheStrategy {
	return c.strategy
}

// Len returns the number of resident blocks.
func (c *BlockCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.len()
}

func (c *BlockCache) inGrid(x, y int) bool {
	return x >= 0 && y >= 0 && x < c.nBlocksX && y < c.nBlocksY
}

// lockLocked hands out a new reference to b. Called with c.mu held.
func (c *BlockCache) lockLocked(b *block) *BlockRef {
	b.locks++
	c.budget.touch(b)
	return &BlockRef{b: b, gen: b.gen}
}

// unreferenceLocked drops one lock of b. Called with c.mu held.
func (c *BlockCache) unreferenceLocked(b *block) {
	b.locks--
	if b.locks < 0 {
		b.locks = 0
		dcontext.GetLogger(dcontext.Background()).Errorf("block (%d, %d) of band %d unlocked more often than locked", b.x, b.y, c.band.index)
	}
}

// detachLocked removes b from the cache and recycles its buffer. Called
// with c.mu held.
func (c *BlockCache) detachLocked(b *block) {
	if c.store.get(b.x, b.y) == b {
		c.store.remove(b.x, b.y)
	}
	b.gen = 0
	c.budget.remove(b)
	c.releaseToPoolLocked(b)
}

// releaseToPoolLocked returns the buffer of a detached block to the pool.
// Called with c.mu held.
func (c *BlockCache) releaseToPoolLocked(b *block) {
	if b.buf != nil {
		c.budget.putBuffer(b.buf)
		b.buf = nil
	}
}

// waitBusy waits for busy to close with the dataset lock dropped, so the
// owner finishing the block can take it.
func (c *BlockCache) waitBusy(ctx context.Context, busy chan struct{}) {
	dropped := c.band.ds.lock.TemporarilyDrop(ctx)
	<-busy
	dropped.Reacquire()
}

// TryGet returns a locked reference to block (x, y) if it is resident.
func (c *BlockCache) TryGet(x, y int) (*BlockRef, bool) {
	if !c.inGrid(x, y) {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.store.get(x, y)
	if b == nil || b.busy != nil {
		return nil, false
	}
	cacheRequests.WithValues("hit").Inc(1)
	return c.lockLocked(b), true
}

// GetOrLoad returns a locked reference to block (x, y), decoding it on a
// miss unless skipDecode is set, in which case the block starts zeroed.
//
// On a miss the dataset lock is dropped while the budget is reclaimed and
// the block decoded, and taken back before returning.
func (c *BlockCache) GetOrLoad(ctx context.Context, x, y int, skipDecode bool) (*BlockRef, error) {
	if !c.inGrid(x, y) {
		return nil, illegalArgument("block (%d, %d) outside %dx%d block grid", x, y, c.nBlocksX, c.nBlocksY)
	}

	var b *block
	for b == nil {
		c.mu.Lock()
		if resident := c.store.get(x, y); resident != nil {
			if busy := resident.busy; busy != nil {
				c.mu.Unlock()
				c.waitBusy(ctx, busy)
				continue
			}
			ref := c.lockLocked(resident)
			c.mu.Unlock()
			cacheRequests.WithValues("hit").Inc(1)
			return ref, nil
		}

		b = &block{
			cache: c,
			x:     x,
			y:     y,
			buf:   c.budget.getBuffer(c.blockBytes),
			gen:   nextGeneration(),
			locks: 1,
			busy:  make(chan struct{}),
		}
		c.store.put(b)
		c.budget.add(b)
		c.countReadLocked(ctx)
		c.mu.Unlock()
	}
	cacheRequests.WithValues("miss").Inc(1)

	dropped := c.band.ds.lock.TemporarilyDrop(ctx)
	c.budget.reclaim(ctx)
	var err error
	if skipDecode {
		clear(b.buf)
	} else {
		err = c.band.drv.DecodeBlock(ctx, x, y, b.buf)
	}
	dropped.Reacquire()

	c.mu.Lock()
	busy := b.busy
	b.busy = nil
	if err != nil {
		b.locks = 0
		c.detachLocked(b)
		c.mu.Unlock()
		close(busy)
		dcontext.GetLoggerWithFields(ctx, map[any]any{
			"dataset": c.band.ds.description, "band": c.band.index, "block.x": x, "block.y": y,
		}).WithError(err).Debug("block decode failed")
		return nil, &BlockIOError{Op: "decode", Band: c.band.index, X: x, Y: y, Detail: err}
	}
	ref := &BlockRef{b: b, gen: b.gen}
	c.mu.Unlock()
	close(busy)
	return ref, nil
}

// countReadLocked warns once when the first band decodes more blocks than
// its grid holds, a sign the cache is too small for the access pattern.
func (c *BlockCache) countReadLocked(ctx context.Context) {
	if c.band.index != 1 {
		return
	}
	c.reads++
	if c.reads == c.nBlocksX*c.nBlocksY+1 && !c.warned {
		c.warned = true
		dcontext.GetLoggerWithField(ctx, "dataset", c.band.ds.description).
			Warnf("possible cache thrashing on band %d: %d decodes for %d blocks", c.band.index, c.reads, c.nBlocksX*c.nBlocksY)
	}
}

// FlushBlock removes block (x, y), writing it first if it is dirty and
// writeIfDirty is set. A write failure is not returned; it is reported by
// the next FlushAll or transfer on the band. Blocks with outstanding
// references stay resident.
func (c *BlockCache) FlushBlock(ctx context.Context, x, y int, writeIfDirty bool) error {
	if !c.inGrid(x, y) {
		return illegalArgument("block (%d, %d) outside %dx%d block grid", x, y, c.nBlocksX, c.nBlocksY)
	}
	c.flush(ctx, x, y, writeIfDirty, true)
	return nil
}

func (c *BlockCache) flush(ctx context.Context, x, y int, write, remove bool) {
	for {
		c.mu.Lock()
		b := c.store.get(x, y)
		if b == nil {
			c.mu.Unlock()
			return
		}
		if busy := b.busy; busy != nil {
			c.mu.Unlock()
			c.waitBusy(ctx, busy)
			continue
		}

		dirty := write && b.dirty
		if b.locks > 0 || !remove {
			// Referenced blocks stay; only their contents are written.
			b.dirty = b.dirty && !dirty
			c.mu.Unlock()
			if dirty {
				c.writeBack(ctx, b, false)
			}
			return
		}

		if !dirty {
			c.detachLocked(b)
			c.mu.Unlock()
			cacheEvictions.WithValues("flush").Inc(1)
			return
		}

		b.busy = make(chan struct{})
		b.dirty = false
		c.mu.Unlock()
		c.writeBack(ctx, b, false)
		c.mu.Lock()
		busy := b.busy
		b.busy = nil
		c.detachLocked(b)
		c.mu.Unlock()
		close(busy)
		cacheEvictions.WithValues("flush").Inc(1)
		return
	}
}

// evict removes b for the budget if nobody references it. Dirty blocks are
// written under their own dataset's lock.
func (c *BlockCache) evict(ctx context.Context, b *block) {
	c.mu.Lock()
	if b.gen == 0 || b.locks > 0 || b.busy != nil || c.store.get(b.x, b.y) != b {
		c.mu.Unlock()
		return
	}
	if !b.dirty {
		c.detachLocked(b)
		c.mu.Unlock()
		cacheEvictions.WithValues("clean").Inc(1)
		return
	}
	b.busy = make(chan struct{})
	b.dirty = false
	c.mu.Unlock()

	c.writeBack(ctx, b, true)

	c.mu.Lock()
	busy := b.busy
	b.busy = nil
	c.detachLocked(b)
	c.mu.Unlock()
	close(busy)
	cacheEvictions.WithValues("dirty").Inc(1)
}

// writeBack encodes b. Failures become the band's sticky error. When
// asTask is set the write counts as pending work of another owner on the
// block's dataset.
func (c *BlockCache) writeBack(ctx context.Context, b *block, asTask bool) {
	lock := c.band.ds.lock
	if asTask {
		lock.beginTask()
		defer lock.endTask()
	}
	entered, err := lock.Enter(ctx, LockWrite)
	if err == nil {
		err = c.band.drv.EncodeBlock(ctx, b.x, b.y, b.buf)
		if entered {
			if leaveErr := lock.Leave(ctx); err == nil {
				err = leaveErr
			}
		}
	}
	if err != nil {
		dcontext.GetLoggerWithFields(ctx, map[any]any{
			"dataset": c.band.ds.description, "band": c.band.index, "block.x": b.x, "block.y": b.y,
		}).WithError(err).Error("deferred block write failed")
		c.setSticky(&BlockIOError{Op: "encode", Band: c.band.index, X: b.x, Y: b.y, Detail: err})
	}
}

func (c *BlockCache) setSticky(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sticky == nil {
		c.sticky = err
	}
}

// takeSticky returns and clears the pending write back failure.
func (c *BlockCache) takeSticky() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.sticky
	c.sticky = nil
	return err
}

// FlushAll writes and removes every resident block, then returns and
// clears the band's sticky error.
func (c *BlockCache) FlushAll(ctx context.Context, progress ProgressFunc) error {
	c.mu.Lock()
	keys := c.store.keys()
	c.mu.Unlock()

	for i, k := range keys {
		c.flush(ctx, k.x, k.y, true, true)
		if !progress.report(float64(i+1)/float64(len(keys)), "flushing blocks") {
			return ErrUserInterrupted
		}
	}
	return c.takeSticky()
}

// flushWindow visits the resident blocks overlapping a pixel window: dirty
// ones are written when write is set, unreferenced ones dropped when
// remove is set.
func (c *BlockCache) flushWindow(ctx context.Context, win Window, write, remove bool) {
	bw, bh := c.band.blockWidth, c.band.blockHeight
	for y := win.Y / bh; y <= (win.Y+win.Height-1)/bh; y++ {
		for x := win.X / bw; x <= (win.X+win.Width-1)/bw; x++ {
			c.flush(ctx, x, y, write, remove)
		}
	}
}
