// Package base provides a base implementation of the raster driver that can
// be used to implement common checks. The goal is to increase the amount of
// code sharing.
//
// The canonical approach to use this package is to embed in the exported
// driver struct such that calls are proxied through this implementation.
// First, declare the internal driver:
//
//	type driver struct { ... internal ...}
//
// The internal driver implements driver.Driver. The exported type embeds
// Base through a private embed struct so the field is not exported:
//
//	type baseEmbed struct {
//		base.Base
//	}
//
//	type Driver struct {
//		baseEmbed
//	}
//
// Every dataset and band handed out through Base is wrapped in turn. The
// wrappers check block coordinates and buffer sizes, bound the number of
// concurrent codec calls, time every call and prefix driver failures with
// the driver name. Optional capabilities are forwarded; a band without its
// own windowed path reports driver.ErrUnsupportedMethod from RasterIO.
package base

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/distribution/raster/internal/dcontext"
	prometheus "github.com/distribution/raster/metrics"
	"github.com/distribution/raster/raster/driver"
	"github.com/docker/go-metrics"
)

// DefaultMaxConcurrency is the codec call limit used when a driver is
// configured without one.
const DefaultMaxConcurrency = 64

// MinMaxConcurrency is the smallest accepted codec call limit.
const MinMaxConcurrency = 1

var (
	// codecTimer times every block codec and windowed I/O call.
	codecTimer = prometheus.DriverNamespace.NewLabeledTimer("calls", "The latency of driver calls", "driver", "operation")
	// codecErrors counts failed driver calls.
	codecErrors = prometheus.DriverNamespace.NewLabeledCounter("errors", "The number of failed driver calls", "driver", "operation")
)

func init() {
	metrics.Register(prometheus.DriverNamespace)
}

// Base provides a wrapper around a driver implementation that provides
// common checks, instrumentation and concurrency limits.
type Base struct {
	driver.Driver
	regulator *regulator
}

// New wraps d. A limit of zero leaves codec calls unbounded.
func New(d driver.Driver, limit uint64) Base {
	b := Base{Driver: d}
	if limit > 0 {
		b.regulator = newRegulator(limit)
	}
	return b
}

// durationDebugLog returns a deferrable function which when invoked produces
// debug logging output with the method name and duration, and records the
// call latency.
func (base *Base) durationDebugLog(ctx context.Context, methodName string) (deferrable func()) {
	startedAt := time.Now()

	return func() {
		codecTimer.WithValues(base.Name(), methodName).UpdateSince(startedAt)
		dcontext.GetLoggerWithField(ctx, "duration", time.Since(startedAt)).Debug("Driver." + base.Name() + "." + methodName)
	}
}

func (base *Base) setDriverName(e error, methodName string) error {
	if e == nil {
		return nil
	}
	codecErrors.WithValues(base.Name(), methodName).Inc(1)
	var driverErr driver.Error
	if errors.As(e, &driverErr) && driverErr.DriverName == base.Name() {
		return e
	}
	switch e.(type) {
	case driver.ErrUnsupportedMethod, driver.InvalidBlockError:
		return e
	}
	return driver.Error{
		DriverName: base.Name(),
		Detail:     e,
	}
}

func (base *Base) enter() {
	if base.regulator != nil {
		base.regulator.enter()
	}
}

func (base *Base) exit() {
	if base.regulator != nil {
		base.regulator.exit()
	}
}

// Open wraps Open of the underlying driver.
func (base *Base) Open(ctx context.Context, info *driver.OpenInfo) (driver.Dataset, error) {
	if info == nil || info.Description == "" {
		return nil, fmt.Errorf("%s: empty description", base.Name())
	}

	defer base.durationDebugLog(ctx, "Open")()

	ds, err := base.Driver.Open(ctx, info)
	if err != nil {
		return nil, base.setDriverName(err, "Open")
	}
	return base.wrapDataset(ds), nil
}

// Create wraps Create of the underlying driver, if it can create.
func (base *Base) Create(ctx context.Context, description string, spec driver.CreateSpec) (driver.Dataset, error) {
	creator, ok := base.Driver.(driver.Creator)
	if !ok {
		return nil, driver.ErrUnsupportedMethod{DriverName: base.Name()}
	}
	if description == "" {
		return nil, fmt.Errorf("%s: empty description", base.Name())
	}
	if spec.Width <= 0 || spec.Height <= 0 || spec.Bands <= 0 || spec.BlockWidth <= 0 || spec.BlockHeight <= 0 {
		return nil, fmt.Errorf("%s: invalid create spec %dx%d, %d bands, blocks %dx%d", base.Name(),
			spec.Width, spec.Height, spec.Bands, spec.BlockWidth, spec.BlockHeight)
	}
	if spec.DataType.Size() == 0 {
		return nil, fmt.Errorf("%s: invalid data type %v", base.Name(), spec.DataType)
	}

	defer base.durationDebugLog(ctx, "Create")()

	ds, err := creator.Create(ctx, description, spec)
	if err != nil {
		return nil, base.setDriverName(err, "Create")
	}
	return base.wrapDataset(ds), nil
}

// CanCreate tells whether the underlying driver implements driver.Creator.
func (base *Base) CanCreate() bool {
	_, ok := base.Driver.(driver.Creator)
	return ok
}

func (base *Base) wrapDataset(ds driver.Dataset) driver.Dataset {
	if ds == nil {
		return nil
	}
	if w, ok := ds.(*dataset); ok && w.base == base {
		return w
	}
	return &dataset{Dataset: ds, base: base}
}

type dataset struct {
	driver.Dataset
	base *Base
}

func (ds *dataset) Band(i int) driver.Band {
	b := ds.Dataset.Band(i)
	if b == nil {
		return nil
	}
	w, h := ds.Dataset.RasterSize()
	return &band{Band: b, base: ds.base, width: w, height: h}
}

func (ds *dataset) Overviews() []driver.Dataset {
	ovs := ds.Dataset.Overviews()
	wrapped := make([]driver.Dataset, 0, len(ovs))
	for _, ov := range ovs {
		wrapped = append(wrapped, ds.base.wrapDataset(ov))
	}
	return wrapped
}

func (ds *dataset) AlphaBand() int {
	if a, ok := ds.Dataset.(driver.AlphaDataset); ok {
		return a.AlphaBand()
	}
	return 0
}

func (ds *dataset) MaskDataset(ctx context.Context) (driver.Dataset, error) {
	m, ok := ds.Dataset.(driver.ExternalMaskDataset)
	if !ok {
		return nil, nil
	}
	mds, err := m.MaskDataset(ctx)
	if err != nil {
		return nil, ds.base.setDriverName(err, "MaskDataset")
	}
	return ds.base.wrapDataset(mds), nil
}

func (ds *dataset) Close() error {
	return ds.base.setDriverName(ds.Dataset.Close(), "Close")
}

type band struct {
	driver.Band
	base          *Base
	width, height int
}

func (b *band) checkBlock(x, y int, buf []byte) error {
	bw, bh := b.Band.BlockSize()
	if bw <= 0 || bh <= 0 {
		return fmt.Errorf("%s: invalid block size %dx%d", b.base.Name(), bw, bh)
	}
	nx, ny := (b.width+bw-1)/bw, (b.height+bh-1)/bh
	if x < 0 || y < 0 || x >= nx || y >= ny {
		return driver.InvalidBlockError{DriverName: b.base.Name(), X: x, Y: y}
	}
	if need := bw * bh * b.Band.DataType().Size(); len(buf) < need {
		return fmt.Errorf("%s: block buffer holds %d bytes, need %d", b.base.Name(), len(buf), need)
	}
	return nil
}

// DecodeBlock wraps DecodeBlock of the underlying band.
func (b *band) DecodeBlock(ctx context.Context, x, y int, buf []byte) error {
	if err := b.checkBlock(x, y, buf); err != nil {
		return err
	}

	b.base.enter()
	defer b.base.exit()
	defer b.base.durationDebugLog(ctx, "DecodeBlock")()

	return b.base.setDriverName(b.Band.DecodeBlock(ctx, x, y, buf), "DecodeBlock")
}

// EncodeBlock wraps EncodeBlock of the underlying band.
func (b *band) EncodeBlock(ctx context.Context, x, y int, buf []byte) error {
	if err := b.checkBlock(x, y, buf); err != nil {
		return err
	}

	b.base.enter()
	defer b.base.exit()
	defer b.base.durationDebugLog(ctx, "EncodeBlock")()

	return b.base.setDriverName(b.Band.EncodeBlock(ctx, x, y, buf), "EncodeBlock")
}

// CanRasterIO reports whether the underlying band has a windowed path
// for req.
func (b *band) CanRasterIO(req *driver.IORequest) bool {
	rio, ok := b.Band.(driver.RasterIOer)
	return ok && rio.CanRasterIO(req)
}

// RasterIO forwards to the underlying band's windowed path.
func (b *band) RasterIO(ctx context.Context, req *driver.IORequest) error {
	rio, ok := b.Band.(driver.RasterIOer)
	if !ok {
		return driver.ErrUnsupportedMethod{DriverName: b.base.Name()}
	}
	if req.X < 0 || req.Y < 0 || req.Width <= 0 || req.Height <= 0 ||
		req.X+req.Width > b.width || req.Y+req.Height > b.height {
		return fmt.Errorf("%s: window %d,%d %dx%d outside raster %dx%d", b.base.Name(),
			req.X, req.Y, req.Width, req.Height, b.width, b.height)
	}

	b.base.enter()
	defer b.base.exit()
	defer b.base.durationDebugLog(ctx, "RasterIO")()

	return b.base.setDriverName(rio.RasterIO(ctx, req), "RasterIO")
}

func (b *band) NoData() (float64, bool) {
	if nd, ok := b.Band.(driver.NoDataBand); ok {
		return nd.NoData()
	}
	return 0, false
}

func (b *band) HasPalette() bool {
	if p, ok := b.Band.(driver.PaletteBand); ok {
		return p.HasPalette()
	}
	return false
}
