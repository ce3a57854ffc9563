package raster

import (
	"context"
	"fmt"
	"strings"

	"github.com/distribution/raster/internal/dcontext"
	"github.com/distribution/raster/raster/driver"
)

// OpenFlags select how a dataset is opened.
type OpenFlags int

const (
	// OpenReadOnly opens for reading. It is the zero value.
	OpenReadOnly OpenFlags = 0
	// OpenUpdate opens for reading and writing.
	OpenUpdate OpenFlags = 1 << iota
	// OpenShared returns an already open dataset of the same owner, with
	// the same description and options, when there is one.
	OpenShared
	// OpenConfined promises the dataset is used by one owner only. Its
	// lock is never engaged.
	OpenConfined
)

func (f OpenFlags) String() string {
	var parts []string
	if f&OpenUpdate != 0 {
		parts = append(parts, "update")
	} else {
		parts = append(parts, "readonly")
	}
	if f&OpenShared != 0 {
		parts = append(parts, "shared")
	}
	if f&OpenConfined != 0 {
		parts = append(parts, "confined")
	}
	return strings.Join(parts, "|")
}

func (f OpenFlags) access() driver.Access {
	if f&OpenUpdate != 0 {
		return driver.Update
	}
	return driver.ReadOnly
}

type openOptions struct {
	options []string
	allowed []string
}

// OpenOption tunes one Open call.
type OpenOption func(*openOptions)

// WithOpenOptions passes KEY=VALUE options to the driver.
func WithOpenOptions(options ...string) OpenOption {
	return func(o *openOptions) {
		o.options = append(o.options, options...)
	}
}

// WithAllowedDrivers restricts probing to the named drivers.
func WithAllowedDrivers(names ...string) OpenOption {
	return func(o *openOptions) {
		o.allowed = append(o.allowed, names...)
	}
}

func (e *Engine) driversFor(allowed []string) []driver.Driver {
	if len(allowed) == 0 {
		return e.drivers
	}
	var out []driver.Driver
	for _, d := range e.drivers {
		for _, name := range allowed {
			if strings.EqualFold(d.Name(), name) {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// Open opens description with the first driver recognising it. Drivers
// answering IdentifyNo are skipped; a driver answering IdentifyYes that
// then fails to open ends the search with its error.
//
// With OpenShared, a dataset this owner already has open with the same
// description, options and access is returned with an extra reference;
// a read-only request may be served by an update dataset.
func (e *Engine) Open(ctx context.Context, description string, flags OpenFlags, opts ...OpenOption) (*Dataset, error) {
	ctx, _ = dcontext.EnsureOwner(ctx)
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	if description == "" {
		return nil, illegalArgument("empty description")
	}
	log := dcontext.GetLoggerWithField(ctx, "dataset", description)

	if flags&OpenShared != 0 {
		if ds := e.registry.lookup(ctx, description, flags, o.options); ds != nil {
			log.Debugf("reusing shared dataset, %d references", ds.ReferenceCount())
			return ds, nil
		}
	}

	release, err := e.opens.enter(ctx, guardKey{
		description: description,
		flags:       flags &^ OpenShared,
		drivers:     strings.Join(o.allowed, ","),
	})
	if err != nil {
		log.WithError(err).Warn("open rejected")
		return nil, Error{Dataset: description, Op: "open", Err: err}
	}
	defer release()

	info := &driver.OpenInfo{Description: description, Access: flags.access(), Options: o.options}
	var lastErr error
	for _, d := range e.driversFor(o.allowed) {
		id := d.Identify(ctx, info)
		if id == driver.IdentifyNo {
			continue
		}
		drv, err := d.Open(ctx, info)
		if err != nil {
			if id == driver.IdentifyYes {
				return nil, Error{Dataset: description, Op: "open", Err: err}
			}
			lastErr = err
			continue
		}
		return e.adopt(ctx, drv, d.Name(), info, flags)
	}
	if lastErr != nil {
		return nil, Error{Dataset: description, Op: "open", Err: lastErr}
	}
	return nil, Error{Dataset: description, Op: "open", Err: ErrNoDriver}
}

// Create creates a new resource with the named driver and opens it for
// update.
func (e *Engine) Create(ctx context.Context, driverName, description string, spec driver.CreateSpec) (*Dataset, error) {
	ctx, _ = dcontext.EnsureOwner(ctx)
	d, ok := e.Driver(driverName)
	if !ok {
		return nil, Error{Dataset: description, Op: "create", Err: fmt.Errorf("%w: %s", ErrNoDriver, driverName)}
	}
	creator, ok := d.(driver.Creator)
	if !ok {
		return nil, Error{Dataset: description, Op: "create", Err: fmt.Errorf("%w: driver %s cannot create", ErrNotSupported, driverName)}
	}
	drv, err := creator.Create(ctx, description, spec)
	if err != nil {
		return nil, Error{Dataset: description, Op: "create", Err: err}
	}
	info := &driver.OpenInfo{Description: description, Access: driver.Update}
	return e.adopt(ctx, drv, d.Name(), info, OpenUpdate)
}

// adopt wraps a driver dataset and, for shared opens, registers it.
func (e *Engine) adopt(ctx context.Context, drv driver.Dataset, driverName string, info *driver.OpenInfo, flags OpenFlags) (*Dataset, error) {
	lock := newResourceLock(info.Description, info.Access, flags&OpenConfined != 0, e.policy)
	ds, err := e.newDataset(ctx, drv, driverName, info, flags, lock, false)
	if err != nil {
		_ = drv.Close()
		return nil, Error{Dataset: info.Description, Op: "open", Err: err}
	}
	if flags&OpenShared != 0 {
		if err := e.registry.register(ctx, ds); err != nil {
			_ = drv.Close()
			return nil, Error{Dataset: info.Description, Op: "open", Err: err}
		}
	}
	e.track(ds)

	dcontext.GetLoggerWithFields(ctx, map[any]any{
		"dataset": info.Description,
		"driver":  driverName,
		"flags":   flags.String(),
	}).Debugf("opened %dx%d dataset with %d bands", ds.width, ds.height, len(ds.bands))
	return ds, nil
}
