// Package raster is an access engine for large tiled raster datasets. It
// opens resources through pluggable drivers, caches their decoded blocks
// under one byte budget, serializes access to datasets opened for update
// with a recursive per-dataset lock, and transfers arbitrary pixel windows
// with overview selection and resampling.
//
// Owner identity travels in the context: calls made with contexts
// carrying the same owner share lock depth and shared dataset handles.
// Entry points mint an owner for contexts that carry none.
package raster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/distribution/raster/internal/dcontext"
	"github.com/distribution/raster/raster/driver"
	"github.com/distribution/raster/raster/driver/factory"
)

// Engine owns the drivers, the block budget, the shared dataset registry
// and the recursion guards used by every dataset it opens.
type Engine struct {
	policy Policy
	budget *budget

	registry  *registry
	opens     *guard
	fileLists *guard

	drivers []driver.Driver

	mu       sync.Mutex
	datasets map[*Dataset]struct{}
}

// EngineOption configures an Engine.
type EngineOption func(*Engine) error

// WithDriver adds a driver instance. Drivers added this way are tried
// before registered factories, and a factory with the same name is not
// instantiated.
func WithDriver(d driver.Driver) EngineOption {
	return func(e *Engine) error {
		if d == nil {
			return fmt.Errorf("%w: nil driver", ErrIllegalArgument)
		}
		e.drivers = append(e.drivers, d)
		return nil
	}
}

// WithoutFactories stops the engine from instantiating registered driver
// factories.
func WithoutFactories() EngineOption {
	return func(e *Engine) error {
		e.drivers = append(e.drivers, nil)
		return nil
	}
}

// NewEngine creates an engine with the given policy. Every registered
// driver factory is instantiated with its parameters from the policy.
func NewEngine(ctx context.Context, policy Policy, opts ...EngineOption) (*Engine, error) {
	policy = policy.withDefaults()
	e := &Engine{
		policy:    policy,
		budget:    newBudget(policy.CacheMaxSize),
		registry:  newRegistry(),
		opens:     newGuard(),
		fileLists: newGuard(),
		datasets:  make(map[*Dataset]struct{}),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}

	useFactories := true
	have := make(map[string]bool)
	drivers := e.drivers[:0]
	for _, d := range e.drivers {
		if d == nil {
			useFactories = false
			continue
		}
		have[d.Name()] = true
		drivers = append(drivers, d)
	}
	e.drivers = drivers

	if useFactories {
		for _, name := range factory.Names() {
			if have[name] {
				continue
			}
			d, err := factory.Create(ctx, name, policy.Drivers[name])
			if err != nil {
				return nil, fmt.Errorf("creating driver %s: %w", name, err)
			}
			e.drivers = append(e.drivers, d)
		}
	}

	dcontext.GetLoggerWithFields(ctx, map[any]any{
		"cache.maxsize":  policy.CacheMaxSize,
		"cache.strategy": policy.CacheStrategy,
		"drivers":        len(e.drivers),
	}).Debug("raster engine started")
	return e, nil
}

// Policy returns the engine's settings.
func (e *Engine) Policy() Policy { return e.policy }

// Drivers returns the drivers in probing order.
func (e *Engine) Drivers() []driver.Driver {
	return append([]driver.Driver(nil), e.drivers...)
}

// Driver returns the driver with the given name.
func (e *Engine) Driver(name string) (driver.Driver, bool) {
	for _, d := range e.drivers {
		if d.Name() == name {
			return d, true
		}
	}
	return nil, false
}

// CacheUsage returns the bytes held by cached blocks and the budget.
func (e *Engine) CacheUsage() (used, max int64) {
	return e.budget.usage()
}

// SharedDatasets lists the datasets available for shared lookup.
func (e *Engine) SharedDatasets() []SharedDataset {
	return e.registry.snapshot()
}

// OpenDatasets returns the number of datasets not yet torn down.
func (e *Engine) OpenDatasets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.datasets)
}

func (e *Engine) track(ds *Dataset) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.datasets[ds] = struct{}{}
}

func (e *Engine) forget(ds *Dataset) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.datasets, ds)
}

// Shutdown tears down every dataset still open, whatever its reference
// count, writing dirty blocks first.
func (e *Engine) Shutdown(ctx context.Context) error {
	ctx, _ = dcontext.EnsureOwner(ctx)
	e.mu.Lock()
	open := make([]*Dataset, 0, len(e.datasets))
	for ds := range e.datasets {
		open = append(open, ds)
	}
	e.mu.Unlock()

	var errs []error
	for _, ds := range open {
		if err := ds.forceClose(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(open) > 0 {
		dcontext.GetLogger(ctx).Infof("closed %d datasets at shutdown", len(open))
	}
	return errors.Join(errs...)
}
