package raster

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrIllegalArgument is returned for bad coordinates, missing buffers
	// and out of range band indices.
	ErrIllegalArgument = errors.New("illegal argument")

	// ErrNotSupported is returned when an operation is not available for
	// a dataset or option.
	ErrNotSupported = errors.New("not supported")

	// ErrNoWriteAccess is returned when writing to a dataset opened
	// read-only.
	ErrNoWriteAccess = errors.New("no write access")

	// ErrIOFailure is matched by every block decode or encode failure.
	ErrIOFailure = errors.New("i/o failure")

	// ErrOutOfMemory is returned when a block cache cannot be set up.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrUserInterrupted is returned when a progress callback asks to stop.
	ErrUserInterrupted = errors.New("interrupted by user")

	// ErrInvariantViolation reports a programming error such as a lock
	// released more often than it was taken.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrRecursiveOpen is returned when opening a description recurses
	// into itself.
	ErrRecursiveOpen = errors.New("recursive open")

	// ErrClosed is returned when using a dataset that was torn down.
	ErrClosed = errors.New("dataset closed")

	// ErrStaleBlock is returned by a block reference used after release.
	ErrStaleBlock = errors.New("stale block reference")

	// ErrNoDriver is returned when no driver recognises a description.
	ErrNoDriver = errors.New("no driver can open description")
)

// Error attributes a failure to the dataset, and optionally the band, it
// happened on.
type Error struct {
	Dataset string
	// Band is the 1-based band index, or 0 for dataset level failures.
	Band int
	Op   string
	Err  error
}

func (err Error) Error() string {
	if err.Band > 0 {
		return fmt.Sprintf("%s: band %d: %s: %v", err.Dataset, err.Band, err.Op, err.Err)
	}
	return fmt.Sprintf("%s: %s: %v", err.Dataset, err.Op, err.Err)
}

// Unwrap returns the underlying error.
func (err Error) Unwrap() error {
	return err.Err
}

// MarshalJSON implements json.Marshaler.
func (err Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Dataset string `json:"dataset"`
		Band    int    `json:"band,omitempty"`
		Op      string `json:"op"`
		Detail  string `json:"detail"`
	}{
		Dataset: err.Dataset,
		Band:    err.Band,
		Op:      err.Op,
		Detail:  err.Err.Error(),
	})
}

// BlockIOError is a failed block decode or encode.
type BlockIOError struct {
	Op     string
	Band   int
	X, Y   int
	Detail error
}

func (err *BlockIOError) Error() string {
	return fmt.Sprintf("%s block (%d, %d) of band %d: %v", err.Op, err.X, err.Y, err.Band, err.Detail)
}

// Is makes every BlockIOError match ErrIOFailure.
func (err *BlockIOError) Is(target error) bool {
	return target == ErrIOFailure
}

// Unwrap returns the driver error.
func (err *BlockIOError) Unwrap() error {
	return err.Detail
}

func illegalArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIllegalArgument, fmt.Sprintf(format, args...))
}

// wrapError attributes err to ds and band unless it already is.
func wrapError(ds *Dataset, band int, op string, err error) error {
	if err == nil {
		return nil
	}
	var e Error
	if errors.As(err, &e) {
		return err
	}
	return Error{Dataset: ds.description, Band: band, Op: op, Err: err}
}
