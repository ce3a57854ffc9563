package raster

import (
	"fmt"
	"math"
	"strings"
)

// Resampling is the algorithm used when a transfer's buffer and window
// differ in size.
type Resampling int

const (
	// Nearest copies the source pixel under each buffer pixel centre.
	Nearest Resampling = iota
	// Bilinear interpolates the four source pixels around each centre.
	Bilinear
	// Average takes the coverage weighted mean of the source pixels under
	// each buffer pixel.
	Average
	// Mode takes the most frequent source value under each buffer pixel.
	Mode
)

func (r Resampling) String() string {
	switch r {
	case Nearest:
		return "nearest"
	case Bilinear:
		return "bilinear"
	case Average:
		return "average"
	case Mode:
		return "mode"
	default:
		return fmt.Sprintf("Resampling(%d)", int(r))
	}
}

func (r Resampling) validate() error {
	if r < Nearest || r > Mode {
		return fmt.Errorf("%w: resampling %v", ErrNotSupported, r)
	}
	return nil
}

// ParseResampling parses an algorithm name such as "bilinear".
func ParseResampling(s string) (Resampling, error) {
	switch strings.ToLower(s) {
	case "", "nearest", "near":
		return Nearest, nil
	case "bilinear":
		return Bilinear, nil
	case "average":
		return Average, nil
	case "mode":
		return Mode, nil
	}
	return Nearest, fmt.Errorf("%w: resampling %q", ErrNotSupported, s)
}

// sampler resamples values of a source window onto an outW x outH grid
// covering fw. valid, when set, holds the source mask; zero entries are
// ignored by every algorithm but Nearest. Output pixels with no valid
// source are reported as not ok.
type sampler struct {
	src   []float64
	valid []byte
	sw    Window
	fw    FloatWindow
	outW  int
	outH  int
}

func (s *sampler) validAt(i int) bool {
	return s.valid == nil || s.valid[i] > 0
}

func (s *sampler) run(alg Resampling) ([]float64, []bool) {
	out := make([]float64, s.outW*s.outH)
	ok := make([]bool, len(out))
	xr := s.fw.Width / float64(s.outW)
	yr := s.fw.Height / float64(s.outH)

	for j := 0; j < s.outH; j++ {
		for i := 0; i < s.outW; i++ {
			var v float64
			var good bool
			switch alg {
			case Bilinear:
				v, good = s.bilinear(s.fw.X+(float64(i)+0.5)*xr, s.fw.Y+(float64(j)+0.5)*yr)
			case Average:
				v, good = s.average(s.fw.X+float64(i)*xr, s.fw.Y+float64(j)*yr, xr, yr)
			case Mode:
				v, good = s.mode(s.fw.X+float64(i)*xr, s.fw.Y+float64(j)*yr, xr, yr)
			default:
				v, good = s.nearest(s.fw.X+(float64(i)+0.5)*xr, s.fw.Y+(float64(j)+0.5)*yr)
			}
			out[j*s.outW+i] = v
			ok[j*s.outW+i] = good
		}
	}
	return out, ok
}

func clampIndex(v, n int) int {
	return max(0, min(n-1, v))
}

func (s *sampler) nearest(x, y float64) (float64, bool) {
	sx := clampIndex(int(math.Floor(x))-s.sw.X, s.sw.Width)
	sy := clampIndex(int(math.Floor(y))-s.sw.Y, s.sw.Height)
	return s.src[sy*s.sw.Width+sx], true
}

func (s *sampler) bilinear(x, y float64) (float64, bool) {
	cx := x - 0.5 - float64(s.sw.X)
	cy := y - 0.5 - float64(s.sw.Y)
	x0, y0 := math.Floor(cx), math.Floor(cy)
	dx, dy := cx-x0, cy-y0

	var sum, weight float64
	for _, p := range [4]struct {
		x, y int
		w    float64
	}{
		{int(x0), int(y0), (1 - dx) * (1 - dy)},
		{int(x0) + 1, int(y0), dx * (1 - dy)},
		{int(x0), int(y0) + 1, (1 - dx) * dy},
		{int(x0) + 1, int(y0) + 1, dx * dy},
	} {
		if p.w == 0 {
			continue
		}
		k := clampIndex(p.y, s.sw.Height)*s.sw.Width + clampIndex(p.x, s.sw.Width)
		if !s.validAt(k) {
			continue
		}
		sum += s.src[k] * p.w
		weight += p.w
	}
	if weight == 0 {
		return 0, false
	}
	return sum / weight, true
}

// box visits the source pixels overlapping [x, x+w) x [y, y+h) with the
// area of their overlap.
func (s *sampler) box(x, y, w, h float64, visit func(k int, area float64)) {
	x0 := int(math.Floor(x))
	x1 := int(math.Ceil(x + w))
	y0 := int(math.Floor(y))
	y1 := int(math.Ceil(y + h))
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	for py := y0; py < y1; py++ {
		ay := math.Min(float64(py+1), y+h) - math.Max(float64(py), y)
		if ay <= 0 {
			continue
		}
		sy := py - s.sw.Y
		if sy < 0 || sy >= s.sw.Height {
			continue
		}
		for px := x0; px < x1; px++ {
			ax := math.Min(float64(px+1), x+w) - math.Max(float64(px), x)
			if ax <= 0 {
				continue
			}
			sx := px - s.sw.X
			if sx < 0 || sx >= s.sw.Width {
				continue
			}
			visit(sy*s.sw.Width+sx, ax*ay)
		}
	}
}

func (s *sampler) average(x, y, w, h float64) (float64, bool) {
	var sum, weight float64
	s.box(x, y, w, h, func(k int, area float64) {
		if !s.validAt(k) {
			return
		}
		sum += s.src[k] * area
		weight += area
	})
	if weight == 0 {
		return 0, false
	}
	return sum / weight, true
}

// mode picks the most frequent value; NaN never counts.
func (s *sampler) mode(x, y, w, h float64) (float64, bool) {
	counts := make(map[float64]int)
	var (
		best  float64
		count int
	)
	s.box(x, y, w, h, func(k int, _ float64) {
		v := s.src[k]
		if !s.validAt(k) || math.IsNaN(v) {
			return
		}
		counts[v]++
		if counts[v] > count {
			best, count = v, counts[v]
		}
	})
	return best, count > 0
}
