package raster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/distribution/raster/internal/dcontext"
	"github.com/distribution/raster/raster/driver"
	"golang.org/x/sync/errgroup"
)

// Dataset is an open raster resource: an ordered set of bands sharing one
// raster size, plus optional overviews and a validity mask. A Dataset is
// safe for concurrent use by multiple owners.
type Dataset struct {
	engine      *Engine
	drv         driver.Dataset
	driverName  string
	description string
	options     []string
	flags       OpenFlags
	access      driver.Access

	// lock is shared with every overview of the dataset.
	lock *ResourceLock

	width, height int
	bands         []*Band
	overviews     []*Dataset
	alpha         int
	isOverview    bool

	maskMu   sync.Mutex
	maskDone bool
	mask     *Dataset

	prefetchMu sync.Mutex
	prefetch   *errgroup.Group

	// mu guards the fields below. When taken together with the registry
	// mutex, the registry mutex comes first.
	mu     sync.Mutex
	refs   int
	closed bool
	shared bool
	key    registryKey
}

func (e *Engine) newDataset(ctx context.Context, drv driver.Dataset, driverName string, info *driver.OpenInfo, flags OpenFlags, lock *ResourceLock, isOverview bool) (*Dataset, error) {
	w, h := drv.RasterSize()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: invalid raster size %dx%d", ErrIllegalArgument, w, h)
	}
	ds := &Dataset{
		engine:      e,
		drv:         drv,
		driverName:  driverName,
		description: info.Description,
		options:     append([]string(nil), info.Options...),
		flags:       flags,
		access:      info.Access,
		lock:        lock,
		width:       w,
		height:      h,
		isOverview:  isOverview,
		refs:        1,
	}

	for i := 0; i < drv.BandCount(); i++ {
		db := drv.Band(i)
		if db == nil {
			return nil, fmt.Errorf("%w: driver returned no band %d", ErrIllegalArgument, i+1)
		}
		bw, bh := db.BlockSize()
		if bw <= 0 || bh <= 0 {
			return nil, fmt.Errorf("%w: band %d has invalid block size %dx%d", ErrIllegalArgument, i+1, bw, bh)
		}
		ds.bands = append(ds.bands, &Band{
			ds:          ds,
			index:       i + 1,
			drv:         db,
			dataType:    db.DataType(),
			blockWidth:  bw,
			blockHeight: bh,
			width:       w,
			height:      h,
		})
	}
	if a, ok := drv.(driver.AlphaDataset); ok {
		if alpha := a.AlphaBand(); alpha > 0 && alpha <= len(ds.bands) {
			ds.alpha = alpha
		}
	}

	for _, ov := range drv.Overviews() {
		ovInfo := &driver.OpenInfo{Description: ov.Description(), Access: info.Access, Options: info.Options}
		ovds, err := e.newDataset(ctx, ov, driverName, ovInfo, flags&^OpenShared, lock, true)
		if err != nil {
			return nil, err
		}
		if len(ovds.bands) != len(ds.bands) {
			dcontext.GetLoggerWithField(ctx, "dataset", ds.description).
				Warnf("ignoring overview %s with %d bands, want %d", ovds.description, len(ovds.bands), len(ds.bands))
			continue
		}
		ds.overviews = append(ds.overviews, ovds)
	}
	return ds, nil
}

// Description returns the identity the dataset was opened with.
func (ds *Dataset) Description() string { return ds.description }

// DriverName returns the name of the driver serving the dataset.
func (ds *Dataset) DriverName() string { return ds.driverName }

// Options returns the KEY=VALUE open options.
func (ds *Dataset) Options() []string { return append([]string(nil), ds.options...) }

// Access returns the access mode.
func (ds *Dataset) Access() driver.Access { return ds.access }

// Flags returns the flags the dataset was opened with.
func (ds *Dataset) Flags() OpenFlags { return ds.flags }

// RasterSize returns the width and height in pixels.
func (ds *Dataset) RasterSize() (width, height int) { return ds.width, ds.height }

// BandCount returns the number of bands.
func (ds *Dataset) BandCount() int { return len(ds.bands) }

// Band returns the band with the 1-based index i, or nil.
func (ds *Dataset) Band(i int) *Band {
	if i < 1 || i > len(ds.bands) {
		return nil
	}
	return ds.bands[i-1]
}

// Interleaving reports how the driver lays out bands.
func (ds *Dataset) Interleaving() driver.Interleaving { return ds.drv.Interleaving() }

// Overviews returns the reduced resolution datasets, finest first. They
// share the lock of ds and are closed with it.
func (ds *Dataset) Overviews() []*Dataset { return append([]*Dataset(nil), ds.overviews...) }

// AlphaBand returns the 1-based index of the alpha band, or 0.
func (ds *Dataset) AlphaBand() int { return ds.alpha }

// Lock returns the lock serializing access to ds and its overviews.
func (ds *Dataset) Lock() *ResourceLock { return ds.lock }

// Shared tells whether ds is registered for shared lookup.
func (ds *Dataset) Shared() bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.shared
}

// Reference adds a reference; each reference needs its own Close. It
// returns the new reference count, or 0 if the dataset was torn down.
func (ds *Dataset) Reference() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.closed {
		return 0
	}
	ds.refs++
	return ds.refs
}

// ReferenceCount returns the number of outstanding references.
func (ds *Dataset) ReferenceCount() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.refs
}

func (ds *Dataset) reference() bool {
	return ds.Reference() > 0
}

func (ds *Dataset) isClosed() bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.closed
}

// enter takes the dataset lock and returns the function releasing it.
func (ds *Dataset) enter(ctx context.Context, mode LockMode) (func(), error) {
	entered, err := ds.lock.Enter(ctx, mode)
	if err != nil {
		return nil, err
	}
	if !entered {
		return func() {}, nil
	}
	return func() {
		// Leave logs its own failures.
		_ = ds.lock.Leave(ctx)
	}, nil
}

// Close drops one reference. The last one flushes every band, closes the
// driver resources and, for a shared dataset, removes it from shared
// lookup first. Closing a torn down dataset returns ErrClosed.
func (ds *Dataset) Close(ctx context.Context) error {
	ctx, _ = dcontext.EnsureOwner(ctx)
	if ds.isOverview {
		return wrapError(ds, 0, "close", fmt.Errorf("%w: overviews are closed with their dataset", ErrNotSupported))
	}

	r := ds.engine.registry
	r.mu.Lock()
	ds.mu.Lock()
	if ds.closed {
		ds.mu.Unlock()
		r.mu.Unlock()
		return wrapError(ds, 0, "close", ErrClosed)
	}
	ds.refs--
	if ds.refs > 0 {
		ds.mu.Unlock()
		r.mu.Unlock()
		return nil
	}
	ds.closed = true
	ds.mu.Unlock()
	r.unregisterLocked(ds)
	r.mu.Unlock()

	return wrapError(ds, 0, "close", ds.teardown(ctx))
}

// forceClose tears ds down whatever its reference count.
func (ds *Dataset) forceClose(ctx context.Context) error {
	r := ds.engine.registry
	r.mu.Lock()
	ds.mu.Lock()
	if ds.closed {
		ds.mu.Unlock()
		r.mu.Unlock()
		return nil
	}
	ds.closed = true
	ds.refs = 0
	ds.mu.Unlock()
	r.unregisterLocked(ds)
	r.mu.Unlock()

	return wrapError(ds, 0, "close", ds.teardown(ctx))
}

func (ds *Dataset) teardown(ctx context.Context) error {
	defer ds.engine.forget(ds)
	log := dcontext.GetLoggerWithField(ctx, "dataset", ds.description)

	var errs []error
	if err := ds.WaitAdviseRead(); err != nil {
		errs = append(errs, err)
	}
	if err := ds.flushCache(ctx, nil); err != nil {
		errs = append(errs, err)
	}

	ds.maskMu.Lock()
	if ds.mask != nil {
		if err := ds.mask.forceClose(ctx); err != nil {
			errs = append(errs, err)
		}
		ds.mask = nil
	}
	ds.maskMu.Unlock()

	for _, ov := range ds.overviews {
		if err := ov.drv.Close(); err != nil {
			errs = append(errs, wrapError(ov, 0, "close", err))
		}
	}
	if err := ds.drv.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		log.WithError(errors.Join(errs...)).Error("dataset closed with errors")
		return errors.Join(errs...)
	}
	log.Debug("dataset closed")
	return nil
}

// FlushCache writes every dirty cached block of every band and overview
// and empties the caches. The first write failure of each band is
// returned.
func (ds *Dataset) FlushCache(ctx context.Context) error {
	ctx, _ = dcontext.EnsureOwner(ctx)
	if ds.isClosed() {
		return wrapError(ds, 0, "flush", ErrClosed)
	}
	release, err := ds.enter(ctx, LockWrite)
	if err != nil {
		return wrapError(ds, 0, "flush", err)
	}
	defer release()
	return ds.flushCache(ctx, nil)
}

func (ds *Dataset) flushCache(ctx context.Context, progress ProgressFunc) error {
	var errs []error
	total := len(ds.bands) * (1 + len(ds.overviews))
	step := 0
	for _, d := range append([]*Dataset{ds}, ds.overviews...) {
		for _, b := range d.bands {
			sub := progress.scaled(float64(step)/float64(total), float64(step+1)/float64(total))
			step++
			if err := b.flushCache(ctx, sub); err != nil {
				if errors.Is(err, ErrUserInterrupted) {
					return err
				}
				errs = append(errs, wrapError(d, b.index, "flush", err))
			}
		}
	}
	return errors.Join(errs...)
}

// maskDataset opens the side-car mask resource once, if the driver has
// one. The driver is asked with the dataset lock dropped and maskMu
// released; when two owners race, the first published side-car wins and
// the other is closed.
func (ds *Dataset) maskDataset(ctx context.Context) (*Dataset, error) {
	ds.maskMu.Lock()
	done, mds := ds.maskDone, ds.mask
	ds.maskMu.Unlock()
	if done {
		return mds, nil
	}

	m, ok := ds.drv.(driver.ExternalMaskDataset)
	if !ok {
		ds.maskMu.Lock()
		ds.maskDone = true
		ds.maskMu.Unlock()
		return nil, nil
	}
	// The side-car is another resource; our lock must not be held across
	// the driver opening it.
	dropped := ds.lock.TemporarilyDrop(ctx)
	mdrv, err := m.MaskDataset(ctx)
	dropped.Reacquire()
	if err != nil {
		return nil, err
	}

	if mdrv != nil {
		info := &driver.OpenInfo{Description: mdrv.Description(), Access: driver.ReadOnly}
		lock := newResourceLock(info.Description, driver.ReadOnly, false, ds.engine.policy)
		mds, err = ds.engine.newDataset(ctx, mdrv, ds.driverName, info, 0, lock, false)
		if err != nil {
			_ = mdrv.Close()
			return nil, err
		}
		if len(mds.bands) == 0 {
			_ = mds.forceClose(ctx)
			mds = nil
		}
	}

	ds.maskMu.Lock()
	if ds.maskDone {
		winner := ds.mask
		ds.maskMu.Unlock()
		if mds != nil {
			_ = mds.forceClose(ctx)
		}
		return winner, nil
	}
	ds.maskDone = true
	ds.mask = mds
	ds.maskMu.Unlock()
	return mds, nil
}

// FileList returns the files backing the dataset, its overviews and its
// side-car mask, without duplicates.
func (ds *Dataset) FileList(ctx context.Context) ([]string, error) {
	ctx, _ = dcontext.EnsureOwner(ctx)
	release, err := ds.engine.fileLists.enter(ctx, guardKey{description: ds.description})
	if err != nil {
		// Already being listed further up the stack.
		dcontext.GetLoggerWithField(ctx, "dataset", ds.description).WithError(err).Debug("file list recursion stopped")
		return nil, nil
	}
	defer release()

	seen := make(map[string]struct{})
	var files []string
	add := func(list []string) {
		for _, f := range list {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			files = append(files, f)
		}
	}

	add(ds.drv.FileList())
	for _, ov := range ds.overviews {
		list, err := ov.FileList(ctx)
		if err != nil {
			return nil, err
		}
		add(list)
	}
	mds, err := ds.maskDataset(ctx)
	if err != nil {
		return nil, wrapError(ds, 0, "file list", err)
	}
	if mds != nil {
		list, err := mds.FileList(ctx)
		if err != nil {
			return nil, err
		}
		add(list)
	}
	return files, nil
}

// AdviseRead starts loading the blocks of a window into the cache on
// background goroutines, each its own owner. They keep the values of ctx
// but outlive its cancellation. Later reads of the window wait for them
// to finish. Failures are reported by WaitAdviseRead.
func (ds *Dataset) AdviseRead(ctx context.Context, win Window, bands []int) error {
	ctx, _ = dcontext.EnsureOwner(ctx)
	if ds.isClosed() {
		return wrapError(ds, 0, "advise read", ErrClosed)
	}
	if win.Width <= 0 || win.Height <= 0 {
		return nil
	}
	if err := ds.checkWindow(win, nil); err != nil {
		return wrapError(ds, 0, "advise read", err)
	}
	targets, err := ds.selectBands(bands)
	if err != nil {
		return wrapError(ds, 0, "advise read", err)
	}

	ds.prefetchMu.Lock()
	if ds.prefetch == nil {
		ds.prefetch = &errgroup.Group{}
	}
	g := ds.prefetch
	ds.prefetchMu.Unlock()

	for _, b := range targets {
		ds.lock.beginTask()
		g.Go(func() error {
			defer ds.lock.endTask()
			return b.prefetch(dcontext.WithOwner(dcontext.DetachedContext(ctx)), win)
		})
	}
	return nil
}

// WaitAdviseRead waits for pending AdviseRead work and returns its first
// failure.
func (ds *Dataset) WaitAdviseRead() error {
	ds.prefetchMu.Lock()
	g := ds.prefetch
	ds.prefetch = nil
	ds.prefetchMu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

func (ds *Dataset) selectBands(bands []int) ([]*Band, error) {
	if len(bands) == 0 {
		return append([]*Band(nil), ds.bands...), nil
	}
	targets := make([]*Band, 0, len(bands))
	for _, n := range bands {
		b := ds.Band(n)
		if b == nil {
			return nil, illegalArgument("band %d out of range 1..%d", n, len(ds.bands))
		}
		targets = append(targets, b)
	}
	return targets, nil
}

func (ds *Dataset) checkWindow(win Window, fw *FloatWindow) error {
	if win.X < 0 || win.Y < 0 || win.X+win.Width > ds.width || win.Y+win.Height > ds.height {
		return illegalArgument("window %d,%d %dx%d outside raster %dx%d", win.X, win.Y, win.Width, win.Height, ds.width, ds.height)
	}
	if fw != nil {
		if fw.Width <= 0 || fw.Height <= 0 || fw.X < 0 || fw.Y < 0 ||
			fw.X+fw.Width > float64(ds.width)+floatTolerance || fw.Y+fw.Height > float64(ds.height)+floatTolerance {
			return illegalArgument("window %g,%g %gx%g outside raster %dx%d", fw.X, fw.Y, fw.Width, fw.Height, ds.width, ds.height)
		}
	}
	return nil
}
