package raster

import (
	"context"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// budget bounds the bytes held by the cached blocks of every band of one
// engine. Blocks are ordered by last use; when the budget is exceeded the
// least recently used unlocked blocks are evicted until usage falls to the
// low water mark.
//
// Lock order is cache mutex, then budget mutex. Eviction runs with neither
// held.
type budget struct {
	max int64

	mu   sync.Mutex
	used int64
	lru  *simplelru.LRU[*block, struct{}]

	// pools recycles block buffers by size.
	pools sync.Map
}

func newBudget(max int64) *budget {
	lru, err := simplelru.NewLRU[*block, struct{}](math.MaxInt32, nil)
	if err != nil {
		// NewLRU only fails for a non-positive size.
		panic(err)
	}
	return &budget{max: max, lru: lru}
}

func (bg *budget) lowWater() int64 {
	return bg.max / 4 * 3
}

func (bg *budget) add(b *block) {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	if bg.lru.Contains(b) {
		return
	}
	bg.lru.Add(b, struct{}{})
	bg.used += int64(len(b.buf))
	cacheBytes.Inc(float64(len(b.buf)))
}

func (bg *budget) touch(b *block) {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	bg.lru.Get(b)
}

func (bg *budget) remove(b *block) {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	if bg.lru.Remove(b) {
		bg.used -= int64(len(b.buf))
		cacheBytes.Dec(float64(len(b.buf)))
	}
}

// usage returns the bytes in use and the budget.
func (bg *budget) usage() (used, max int64) {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	return bg.used, bg.max
}

// reclaim evicts unlocked blocks, oldest first, once usage exceeds the
// budget. Blocks that are locked or busy are skipped.
func (bg *budget) reclaim(ctx context.Context) {
	bg.mu.Lock()
	if bg.used <= bg.max {
		bg.mu.Unlock()
		return
	}
	victims := bg.lru.Keys()
	bg.mu.Unlock()

	low := bg.lowWater()
	for _, b := range victims {
		bg.mu.Lock()
		done := bg.used <= low
		bg.mu.Unlock()
		if done {
			return
		}
		b.cache.evict(ctx, b)
	}
}

func (bg *budget) getBuffer(n int) []byte {
	if p, ok := bg.pools.Load(n); ok {
		if buf, ok := p.(*sync.Pool).Get().(*[]byte); ok {
			return *buf
		}
	}
	return make([]byte, n)
}

func (bg *budget) putBuffer(buf []byte) {
	p, _ := bg.pools.LoadOrStore(len(buf), &sync.Pool{})
	p.(*sync.Pool).Put(&buf)
}
