// Package inmemory provides a raster driver that keeps every block of every
// resource in process memory. Blocks may be stored compressed and
// checksummed. It is intended for tests, benchmarks and scratch datasets.
package inmemory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	rasterdriver "github.com/distribution/raster/raster/driver"
	"github.com/distribution/raster/raster/driver/base"
	"github.com/distribution/raster/raster/driver/factory"
	"github.com/mitchellh/mapstructure"
)

const driverName = "inmemory"

// Prefix marks descriptions handled by this driver.
const Prefix = "mem://"

func init() {
	factory.Register(driverName, &inMemoryDriverFactory{})
}

// inMemoryDriverFactory implements the factory.DriverFactory interface.
type inMemoryDriverFactory struct{}

func (factory *inMemoryDriverFactory) Create(ctx context.Context, parameters map[string]any) (rasterdriver.Driver, error) {
	return FromParameters(parameters)
}

// Parameters configures the driver.
type Parameters struct {
	// Compression is applied to blocks when they are stored.
	Compression Compression `mapstructure:"compression"`
	// Checksum stores a blake3 sum with every block and verifies it on
	// decode.
	Checksum bool `mapstructure:"checksum"`
	// RasterIO enables the driver's own windowed transfer path.
	RasterIO bool `mapstructure:"rasterio"`
	// MaxConcurrency bounds concurrent block codec calls.
	MaxConcurrency uint64 `mapstructure:"-"`
}

type driver struct {
	mu        sync.RWMutex
	resources map[string]*resource
	codec     blockCodec
	rasterIO  bool
	faults    []Fault
}

type baseEmbed struct {
	base.Base
}

// Driver is a rasterdriver.Driver implementation backed by a local map.
// Intended solely for example and testing purposes.
type Driver struct {
	baseEmbed
	mem *driver
}

var _ rasterdriver.Driver = &Driver{}
var _ rasterdriver.Creator = &Driver{}

// FromParameters constructs a new Driver from a parameters map. Unknown
// keys are ignored.
func FromParameters(parameters map[string]any) (*Driver, error) {
	var params Parameters
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &params,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(parameters); err != nil {
		return nil, fmt.Errorf("inmemory: invalid parameters: %v", err)
	}

	params.MaxConcurrency, err = base.GetLimitFromParameter(parameters["maxconcurrency"], base.MinMaxConcurrency, base.DefaultMaxConcurrency)
	if err != nil {
		return nil, fmt.Errorf("inmemory: maxconcurrency config error: %s", err)
	}

	return New(params)
}

// New constructs a new Driver.
func New(params Parameters) (*Driver, error) {
	compression, err := parseCompression(Compression(strings.ToLower(string(params.Compression))))
	if err != nil {
		return nil, fmt.Errorf("inmemory: %v", err)
	}

	d := &driver{
		resources: make(map[string]*resource),
		codec:     blockCodec{compression: compression, checksum: params.Checksum},
		rasterIO:  params.RasterIO,
	}
	return &Driver{
		baseEmbed: baseEmbed{Base: base.New(d, params.MaxConcurrency)},
		mem:       d,
	}, nil
}

func (d *driver) Name() string {
	return driverName
}

func (d *driver) Identify(ctx context.Context, info *rasterdriver.OpenInfo) rasterdriver.Identification {
	if strings.HasPrefix(info.Description, Prefix) {
		return rasterdriver.IdentifyYes
	}
	return rasterdriver.IdentifyNo
}

func (d *driver) Open(ctx context.Context, info *rasterdriver.OpenInfo) (rasterdriver.Dataset, error) {
	d.mu.RLock()
	r, ok := d.resources[info.Description]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("resource %q not found", info.Description)
	}
	return newDataset(d, r, info.Access), nil
}

func (d *driver) Create(ctx context.Context, description string, spec rasterdriver.CreateSpec) (rasterdriver.Dataset, error) {
	if !strings.HasPrefix(description, Prefix) {
		return nil, fmt.Errorf("description %q lacks the %s prefix", description, Prefix)
	}
	if spec.AlphaBand < 0 || spec.AlphaBand > spec.Bands {
		return nil, fmt.Errorf("alpha band %d out of range", spec.AlphaBand)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.resources[description]; exists {
		return nil, fmt.Errorf("resource %q already exists", description)
	}

	r := newResource(description, spec)
	for _, f := range spec.Overviews {
		if f <= 1 {
			return nil, fmt.Errorf("invalid overview factor %d", f)
		}
		ovSpec := spec
		ovSpec.Width = (spec.Width + f - 1) / f
		ovSpec.Height = (spec.Height + f - 1) / f
		ovSpec.Overviews = nil
		ov := newResource(fmt.Sprintf("%s:ovr%d", description, f), ovSpec)
		ov.files = []string{description + ".ovr"}
		r.overviews = append(r.overviews, ov)
	}
	d.resources[description] = r
	return newDataset(d, r, rasterdriver.Update), nil
}

func (d *driver) lookup(description string) (*resource, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.resources[description]
	if !ok {
		return nil, fmt.Errorf("inmemory: resource %q not found", description)
	}
	return r, nil
}

// Op names a block codec operation.
type Op string

const (
	// OpDecode is a block decode.
	OpDecode Op = "decode"
	// OpEncode is a block encode.
	OpEncode Op = "encode"
)

// Fault makes matching codec calls fail with Err. A negative Band, X or Y
// matches any value; an empty Description matches every resource.
type Fault struct {
	Description string
	Op          Op
	Band        int
	X, Y        int
	Err         error
}

func (f Fault) matches(description string, op Op, band, x, y int) bool {
	return (f.Description == "" || f.Description == description) &&
		f.Op == op &&
		(f.Band < 0 || f.Band == band) &&
		(f.X < 0 || f.X == x) &&
		(f.Y < 0 || f.Y == y)
}

func (d *driver) fault(description string, op Op, band, x, y int) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, f := range d.faults {
		if f.matches(description, op, band, x, y) {
			return f.Err
		}
	}
	return nil
}

// InjectFault adds f to the active faults.
func (d *Driver) InjectFault(f Fault) {
	d.mem.mu.Lock()
	defer d.mem.mu.Unlock()
	d.mem.faults = append(d.mem.faults, f)
}

// ClearFaults removes every injected fault.
func (d *Driver) ClearFaults() {
	d.mem.mu.Lock()
	defer d.mem.mu.Unlock()
	d.mem.faults = nil
}

// Stats counts codec calls against one resource.
type Stats struct {
	Decodes   int64
	Encodes   int64
	RasterIOs int64
}

// Stats returns the codec call counts of a resource.
func (d *Driver) Stats(description string) (Stats, error) {
	r, err := d.mem.lookup(description)
	if err != nil {
		return Stats{}, err
	}
	return r.stats(), nil
}

// BlockDecodes returns how often block (x, y) of the 0-based band was
// decoded.
func (d *Driver) BlockDecodes(description string, band, x, y int) (int, error) {
	r, err := d.mem.lookup(description)
	if err != nil {
		return 0, err
	}
	return r.blockDecodes(band, x, y), nil
}

// SetPalette marks the 0-based band as carrying a colour table.
func (d *Driver) SetPalette(description string, band int, palette bool) error {
	r, err := d.mem.lookup(description)
	if err != nil {
		return err
	}
	if band < 0 || band >= len(r.bands) {
		return fmt.Errorf("inmemory: band %d out of range", band)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bands[band].palette = palette
	return nil
}

// AttachMask makes the resource named mask the external validity mask of
// description. Both must exist and have the same raster size.
func (d *Driver) AttachMask(description, mask string) error {
	r, err := d.mem.lookup(description)
	if err != nil {
		return err
	}
	m, err := d.mem.lookup(mask)
	if err != nil {
		return err
	}
	if r.width != m.width || r.height != m.height {
		return fmt.Errorf("inmemory: mask %s is %dx%d, resource is %dx%d", mask, m.width, m.height, r.width, r.height)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mask = m
	return nil
}

// Corrupt flips one stored byte of block (x, y) of the 0-based band so
// the next decode fails its checksum or decompression.
func (d *Driver) Corrupt(description string, band, x, y int) error {
	r, err := d.mem.lookup(description)
	if err != nil {
		return err
	}
	return r.corrupt(band, x, y)
}

// Remove forgets a resource.
func (d *Driver) Remove(description string) error {
	d.mem.mu.Lock()
	defer d.mem.mu.Unlock()
	if _, ok := d.mem.resources[description]; !ok {
		return fmt.Errorf("inmemory: resource %q not found", description)
	}
	delete(d.mem.resources, description)
	return nil
}
