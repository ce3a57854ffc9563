package raster

import (
	"context"
	"fmt"
	"sync"

	"github.com/distribution/raster/internal/dcontext"
)

// maxRecursionDepth bounds how deeply one owner may nest guarded calls.
const maxRecursionDepth = 100

type guardKey struct {
	description string
	flags       OpenFlags
	drivers     string
}

type guardFrame struct {
	active map[guardKey]struct{}
	depth  int
}

// guard rejects an owner re-entering a call it is already making for the
// same key, the way a driver opening a side-car could end up reopening the
// resource it is opening.
type guard struct {
	mu     sync.Mutex
	frames map[dcontext.Owner]*guardFrame
}

func newGuard() *guard {
	return &guard{frames: make(map[dcontext.Owner]*guardFrame)}
}

// enter records key for the owner carried by ctx. The returned function
// must be called exactly once when the guarded call returns.
func (g *guard) enter(ctx context.Context, key guardKey) (func(), error) {
	owner := dcontext.GetOwner(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()
	f := g.frames[owner]
	if f == nil {
		f = &guardFrame{active: make(map[guardKey]struct{})}
		g.frames[owner] = f
	}
	if f.depth >= maxRecursionDepth {
		return nil, fmt.Errorf("%w: %s nested %d deep", ErrRecursiveOpen, key.description, f.depth)
	}
	if _, ok := f.active[key]; ok {
		return nil, fmt.Errorf("%w: %s is already being opened", ErrRecursiveOpen, key.description)
	}
	f.active[key] = struct{}{}
	f.depth++

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			delete(f.active, key)
			f.depth--
			if f.depth == 0 {
				delete(g.frames, owner)
			}
		})
	}, nil
}

// depth returns how many guarded calls the owner carried by ctx is in.
func (g *guard) depth(ctx context.Context) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f := g.frames[dcontext.GetOwner(ctx)]; f != nil {
		return f.depth
	}
	return 0
}
