// Package driver defines the contract between the raster engine and the
// format-specific code that moves blocks of pixels to and from a physical
// resource. The engine owns caching, locking and windowing; a driver only
// answers whether it can open a description, and decodes or encodes one
// natural block at a time.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Version is a string representing the driver API version, of the form
// Major.Minor.
type Version string

// CurrentVersion is the current driver API Version.
const CurrentVersion Version = "0.1"

// Access is the mode a resource is opened with.
type Access int

const (
	// ReadOnly opens a resource for reading only.
	ReadOnly Access = iota
	// Update opens a resource for reading and writing.
	Update
)

func (a Access) String() string {
	if a == Update {
		return "update"
	}
	return "readonly"
}

// Identification is a driver's answer to whether it recognises a
// description.
type Identification int

const (
	// IdentifyNo means the driver cannot open the description.
	IdentifyNo Identification = iota
	// IdentifyYes means the driver recognises the description.
	IdentifyYes
	// IdentifyUnknown means the driver cannot tell without trying to open.
	IdentifyUnknown
)

// Interleaving describes how a resource lays out the bands of a block.
type Interleaving int

const (
	// InterleaveUnknown is reported by drivers with no preference.
	InterleaveUnknown Interleaving = iota
	// InterleavePixel stores all bands of a pixel together, so decoding a
	// block of one band is cheapest when the other bands are read next.
	InterleavePixel
	// InterleaveBand stores each band separately.
	InterleaveBand
)

// Direction is the direction of a windowed transfer.
type Direction int

const (
	// Read copies pixels from the resource into a buffer.
	Read Direction = iota
	// Write copies pixels from a buffer into the resource.
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// OpenInfo describes one open request handed to drivers.
type OpenInfo struct {
	// Description is the identity of the resource, usually a path or URI.
	Description string
	// Access is the requested access mode.
	Access Access
	// Options are KEY=VALUE open options.
	Options []string
}

// Option returns the value of an open option, matching keys case
// insensitively.
func (oi *OpenInfo) Option(key string) (string, bool) {
	for _, opt := range oi.Options {
		k, v, ok := strings.Cut(opt, "=")
		if ok && strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// Driver opens resources of one physical format.
type Driver interface {
	// Name returns the human-readable "name" of the driver, useful in error
	// messages and logging. By convention, this will just be the registration
	// name, but drivers may provide other information here.
	Name() string

	// Identify cheaply tells whether this driver recognises the
	// description. Drivers answering IdentifyNo are not asked to open it.
	Identify(ctx context.Context, info *OpenInfo) Identification

	// Open opens the resource. The context carries the caller's owner, so
	// a driver that opens other resources through the engine while opening
	// this one is subject to the recursion guard.
	Open(ctx context.Context, info *OpenInfo) (Dataset, error)
}

// CreateSpec describes a resource to create.
type CreateSpec struct {
	Width, Height           int
	Bands                   int
	DataType                DataType
	BlockWidth, BlockHeight int
	Interleaving            Interleaving
	// Overviews lists the decimation factors of overview levels to
	// allocate, for example 2, 4 and 8.
	Overviews []int
	// NoData, when set, is the nodata value of every band.
	NoData *float64
	// AlphaBand, when positive, is the 1-based index of the band holding
	// per-dataset alpha.
	AlphaBand int
}

// Creator is implemented by drivers able to create new resources.
type Creator interface {
	Create(ctx context.Context, description string, spec CreateSpec) (Dataset, error)
}

// Dataset is an open resource as seen by the engine.
type Dataset interface {
	// Description returns the identity the resource was opened with.
	Description() string
	// RasterSize returns the width and height in pixels.
	RasterSize() (width, height int)
	// BandCount returns the number of bands.
	BandCount() int
	// Band returns the band with the given 0-based index.
	Band(i int) Band
	// Interleaving reports how bands are laid out.
	Interleaving() Interleaving
	// Overviews returns the reduced resolution versions of this resource,
	// ordered from finest to coarsest. Each has the same band count.
	Overviews() []Dataset
	// FileList returns the physical files backing this resource itself,
	// excluding overviews and side-car masks.
	FileList() []string
	// Close releases driver resources. Dirty blocks have already been
	// written when it is called.
	Close() error
}

// Band is one channel of a Dataset.
type Band interface {
	DataType() DataType
	// BlockSize returns the natural block size of the band.
	BlockSize() (width, height int)
	// DecodeBlock fills buf, which holds exactly one full block, with the
	// pixels of block (x, y). Partial edge blocks are padded.
	DecodeBlock(ctx context.Context, x, y int, buf []byte) error
	// EncodeBlock stores buf as the pixels of block (x, y).
	EncodeBlock(ctx context.Context, x, y int, buf []byte) error
}

// NoDataBand is implemented by bands that declare a nodata value.
type NoDataBand interface {
	NoData() (value float64, ok bool)
}

// PaletteBand is implemented by bands that may carry a colour table.
// Palette bands are never resampled with neighbouring bands.
type PaletteBand interface {
	HasPalette() bool
}

// AlphaDataset is implemented by datasets with a per-dataset alpha band.
type AlphaDataset interface {
	// AlphaBand returns the 1-based index of the alpha band, or 0.
	AlphaBand() int
}

// ExternalMaskDataset is implemented by datasets whose validity mask lives
// in a side-car resource.
type ExternalMaskDataset interface {
	// MaskDataset returns the side-car mask resource, or nil. Its first
	// band is the mask shared by every band.
	MaskDataset(ctx context.Context) (Dataset, error)
}

// IORequest is a windowed transfer handed to a driver's own RasterIO.
type IORequest struct {
	Direction           Direction
	X, Y                int
	Width, Height       int
	Buf                 []byte
	BufType             DataType
	BufWidth, BufHeight int
	// PixelSpace and LineSpace are byte offsets between consecutive
	// pixels and lines of Buf.
	PixelSpace, LineSpace int
	// Resampling names the algorithm for transfers whose buffer and
	// window sizes differ: "nearest", "bilinear", "average" or "mode".
	Resampling string
}

// RasterIOer is implemented by bands that can service a window without
// going through natural blocks. The engine calls both methods while
// holding the dataset lock, and calls RasterIO only after CanRasterIO
// accepted the request.
type RasterIOer interface {
	// CanRasterIO tells whether RasterIO would serve req. It does no I/O.
	CanRasterIO(req *IORequest) bool
	RasterIO(ctx context.Context, req *IORequest) error
}

// Error is a catch-all error type which captures the name of the driver
// along with the underlying error.
type Error struct {
	DriverName string
	Detail     error
}

func (err Error) Error() string {
	return fmt.Sprintf("%s: %s", err.DriverName, err.Detail)
}

// Unwrap returns the underlying error.
func (err Error) Unwrap() error {
	return err.Detail
}

// MarshalJSON implements json.Marshaler.
func (err Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		DriverName string `json:"driver"`
		Detail     string `json:"detail"`
	}{
		DriverName: err.DriverName,
		Detail:     err.Detail.Error(),
	})
}

// Errors collects several errors from one driver call.
type Errors struct {
	DriverName string
	Errs       []error
}

var _ error = Errors{}

func (e Errors) Error() string {
	switch len(e.Errs) {
	case 0:
		return fmt.Sprintf("%s: <nil>", e.DriverName)
	case 1:
		return fmt.Sprintf("%s: %s", e.DriverName, e.Errs[0].Error())
	default:
		msg := "errors:\n"
		for _, err := range e.Errs {
			msg += err.Error() + "\n"
		}
		return fmt.Sprintf("%s: %s", e.DriverName, msg)
	}
}

// Unwrap returns the collected errors.
func (e Errors) Unwrap() []error {
	return e.Errs
}

// MarshalJSON implements json.Marshaler.
func (e Errors) MarshalJSON() ([]byte, error) {
	details := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		details = append(details, err.Error())
	}
	return json.Marshal(struct {
		DriverName string   `json:"driver"`
		Details    []string `json:"details"`
	}{
		DriverName: e.DriverName,
		Details:    details,
	})
}

// InvalidBlockError is returned when a block coordinate lies outside the
// block grid.
type InvalidBlockError struct {
	DriverName string
	X, Y       int
}

func (err InvalidBlockError) Error() string {
	return fmt.Sprintf("%s: invalid block (%d, %d)", err.DriverName, err.X, err.Y)
}

// ErrUnsupportedMethod may be returned when a driver does not implement an
// optional operation.
type ErrUnsupportedMethod struct {
	DriverName string
}

func (err ErrUnsupportedMethod) Error() string {
	return fmt.Sprintf("%s: unsupported method", err.DriverName)
}
