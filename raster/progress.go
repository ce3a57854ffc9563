package raster

// ProgressFunc is told the completed fraction, between 0 and 1, of a long
// running operation. Returning false stops the operation with
// ErrUserInterrupted; work already done is kept.
type ProgressFunc func(complete float64, message string) bool

func (p ProgressFunc) report(complete float64, message string) bool {
	if p == nil {
		return true
	}
	return p(complete, message)
}

// scaled maps the full range of a sub operation onto [lo, hi] of p.
func (p ProgressFunc) scaled(lo, hi float64) ProgressFunc {
	if p == nil {
		return nil
	}
	return func(complete float64, message string) bool {
		return p(lo+complete*(hi-lo), message)
	}
}
