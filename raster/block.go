package raster

import (
	"sync/atomic"
)

// generation numbers identify one residency of one block. A reference is
// valid only while the block still carries the generation it was handed
// out with.
var generation atomic.Uint64

func nextGeneration() uint64 {
	return generation.Add(1)
}

type blockKey struct {
	x, y int
}

// block is one decoded tile of a band. Fields below buf are guarded by the
// owning cache's mutex.
type block struct {
	cache *BlockCache
	x, y  int
	buf   []byte

	gen   uint64
	locks int
	dirty bool
	// busy is non-nil while the block is being loaded or written back.
	// It is closed when that work ends.
	busy chan struct{}
}

// BlockRef is a locked reference to a cached block. The block stays
// resident until Release. A BlockRef must not be shared between owners.
type BlockRef struct {
	b        *block
	gen      uint64
	released bool
}

// X returns the block column.
func (r *BlockRef) X() int { return r.b.x }

// Y returns the block row.
func (r *BlockRef) Y() int { return r.b.y }

func (r *BlockRef) validLocked() bool {
	return !r.released && r.b.gen == r.gen
}

// Data returns the block's pixels. Writers must call MarkDirty.
func (r *BlockRef) Data() ([]byte, error) {
	c := r.b.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	if !r.validLocked() {
		return nil, ErrStaleBlock
	}
	return r.b.buf, nil
}

// MarkDirty records that the block must be encoded before it leaves the
// cache.
func (r *BlockRef) MarkDirty() error {
	c := r.b.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	if !r.validLocked() {
		return ErrStaleBlock
	}
	r.b.dirty = true
	return nil
}

// Dirty tells whether the block has unwritten changes.
func (r *BlockRef) Dirty() bool {
	c := r.b.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	return r.validLocked() && r.b.dirty
}

// Release drops the reference. Further use reports ErrStaleBlock.
func (r *BlockRef) Release() {
	if r == nil {
		return
	}
	c := r.b.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	if !r.validLocked() {
		r.released = true
		return
	}
	r.released = true
	c.unreferenceLocked(r.b)
}
