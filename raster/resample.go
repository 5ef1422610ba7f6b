package raster

import (
	"fmt"
	"math"
	"strings"

	"github.com/pdok/landform/crs"
)

type Mode int

const (
	Nearest Mode = iota
	Bilinear
	Average
	// Cubic convolves 4x4 samples with the Keys kernel (a = -0.5)
	Cubic
	// CubicSpline convolves 4x4 samples with the cubic B-spline, which smooths
	CubicSpline
)

func (m Mode) String() string {
	switch m {
	case Nearest:
		return "nearest"
	case Bilinear:
		return "bilinear"
	case Average:
		return "average"
	case Cubic:
		return "cubic"
	case CubicSpline:
		return "cubicspline"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "nearest", "near":
		return Nearest, nil
	case "bilinear":
		return Bilinear, nil
	case "average", "area":
		return Average, nil
	case "cubic":
		return Cubic, nil
	case "cubicspline":
		return CubicSpline, nil
	}
	return 0, fmt.Errorf("resample mode %q: %w", s, ErrInvalidOptions)
}

// HaloRows is the number of rows above and below a window's core that mode reads.
// ratio is the target cell size over the source row height, both in target units.
func HaloRows(mode Mode, ratio float64) int {
	switch mode {
	case Nearest:
		return 0
	case Bilinear:
		return 1
	case Cubic, CubicSpline:
		return 2
	case Average:
		if ratio <= 0 || math.IsNaN(ratio) || math.IsInf(ratio, 0) {
			return 1
		}
		return int(math.Ceil(ratio/2)) + 1
	}
	return 1
}

const DefaultNoDataThreshold = 0.5

type Options struct {
	Mode Mode
	// NoDataThreshold is the largest share of no-data in a sample's footprint
	// that still yields a value. 0 means any no-data poisons the sample.
	NoDataThreshold float64
}

func DefaultOptions() Options {
	return Options{Mode: Bilinear, NoDataThreshold: DefaultNoDataThreshold}
}

// Resample maps block onto the target grid. tf must transform from the block's
// reference to the target's. Target samples whose centre falls outside the
// block, outside the block's own rows, or fails to transform become no-data.
// A windowed block fails with ErrHaloExceeded when a sample needs source rows its
// halo does not carry. The input block is not modified.
func Resample(block *Block, tf *crs.Transform, target GridSpec, opts Options) (*Block, error) {
	if block == nil || block.CRS == nil || target.CRS == nil {
		return nil, ErrMissingReference
	}
	if err := block.Validate(); err != nil {
		return nil, err
	}
	if tf == nil || tf.Source().ID != block.CRS.ID || tf.Target().ID != target.CRS.ID {
		return nil, ErrReferenceMismatch
	}
	if opts.NoDataThreshold < 0 || opts.NoDataThreshold > 1 || math.IsNaN(opts.NoDataThreshold) {
		return nil, fmt.Errorf("no-data threshold %v: %w", opts.NoDataThreshold, ErrInvalidOptions)
	}
	if target.Width <= 0 || target.Height <= 0 {
		return nil, fmt.Errorf("target grid %dx%d: %w", target.Width, target.Height, ErrInvalidOptions)
	}
	r := &resampler{src: block, tf: tf, opts: opts, dst: target}
	out := NewBlock(target.CRS, target.Geotransform, target.Width, target.Height, block.NoData)
	for row := 0; row < target.Height; row++ {
		for col := 0; col < target.Width; col++ {
			if v, ok := r.sample(col, row); ok {
				out.Set(col, row, v)
			}
		}
	}
	if r.short > 0 {
		return nil, fmt.Errorf("%d samples: %w", r.short, ErrHaloExceeded)
	}
	return out, nil
}

type resampler struct {
	src  *Block
	tf   *crs.Transform
	dst  GridSpec
	opts Options

	// reads of source rows that exist but lie outside the window
	short int
}

// sourcePixel maps a target pixel position to fractional source pixel coordinates
func (r *resampler) sourcePixel(col, row float64) (float64, float64, bool) {
	x, y := r.dst.Geotransform.PixelToWorld(col, row)
	sx, sy, err := r.tf.InverseXY(x, y)
	if err != nil {
		return 0, 0, false
	}
	return r.src.Geotransform.WorldToPixel(sx, sy)
}

func (r *resampler) sample(col, row int) (float64, bool) {
	fc, fr, ok := r.sourcePixel(float64(col)+0.5, float64(row)+0.5)
	if !ok || !r.src.Owns(int(math.Floor(fr))) {
		return 0, false
	}
	switch r.opts.Mode {
	case Nearest:
		return r.nearest(fc, fr)
	case Average:
		return r.average(col, row)
	case Cubic:
		return r.convolve(fc, fr, keys)
	case CubicSpline:
		return r.convolve(fc, fr, bspline)
	default:
		return r.bilinear(fc, fr)
	}
}

// value returns the sample at (col, row) and whether it is valid
func (r *resampler) value(col, row int) (float64, bool) {
	if col < 0 || row < 0 || col >= r.src.Width || row >= r.src.Height {
		if w := r.src.Window; w != nil && col >= 0 && col < r.src.Width {
			if abs := row + w.RowOffset; abs >= 0 && abs < w.SourceHeight {
				r.short++
			}
		}
		return 0, false
	}
	v := r.src.At(col, row)
	return v, !r.src.IsNoData(v)
}

func (r *resampler) nearest(fc, fr float64) (float64, bool) {
	return r.value(int(math.Floor(fc)), int(math.Floor(fr)))
}

func (r *resampler) bilinear(fc, fr float64) (float64, bool) {
	x, y := fc-0.5, fr-0.5
	c0, r0 := int(math.Floor(x)), int(math.Floor(y))
	dx, dy := x-float64(c0), y-float64(r0)
	var acc weighted
	r.accumulate(&acc, c0, r0, (1-dx)*(1-dy))
	r.accumulate(&acc, c0+1, r0, dx*(1-dy))
	r.accumulate(&acc, c0, r0+1, (1-dx)*dy)
	r.accumulate(&acc, c0+1, r0+1, dx*dy)
	return acc.result(r.opts.NoDataThreshold)
}

// convolve weighs the 4x4 samples around (fc, fr) with kernel. It falls back
// to bilinear when any sample with weight is no-data or off the raster.
func (r *resampler) convolve(fc, fr float64, kernel func(float64) float64) (float64, bool) {
	x, y := fc-0.5, fr-0.5
	c0, r0 := int(math.Floor(x)), int(math.Floor(y))
	dx, dy := x-float64(c0), y-float64(r0)
	var sum, norm float64
	for j := -1; j <= 2; j++ {
		wy := kernel(float64(j) - dy)
		if wy == 0 {
			continue
		}
		for i := -1; i <= 2; i++ {
			w := kernel(float64(i)-dx) * wy
			if w == 0 {
				continue
			}
			v, ok := r.value(c0+i, r0+j)
			if !ok {
				return r.bilinear(fc, fr)
			}
			sum += v * w
			norm += w
		}
	}
	if norm == 0 {
		return r.bilinear(fc, fr)
	}
	return sum / norm, true
}

func keys(t float64) float64 {
	const a = -0.5
	t = math.Abs(t)
	switch {
	case t <= 1:
		return ((a+2)*t-(a+3))*t*t + 1
	case t < 2:
		return ((a*t-5*a)*t+8*a)*t - 4*a
	}
	return 0
}

func bspline(t float64) float64 {
	t = math.Abs(t)
	switch {
	case t < 1:
		return (3*t*t*t - 6*t*t + 4) / 6
	case t < 2:
		u := 2 - t
		return u * u * u / 6
	}
	return 0
}

// average weighs every source pixel by its overlap with the target pixel's footprint,
// approximated by the bounding box of its transformed corners
func (r *resampler) average(col, row int) (float64, bool) {
	minC, minR := math.Inf(1), math.Inf(1)
	maxC, maxR := math.Inf(-1), math.Inf(-1)
	for _, c := range [][2]float64{{0, 0}, {1, 0}, {0, 1}, {1, 1}} {
		fc, fr, ok := r.sourcePixel(float64(col)+c[0], float64(row)+c[1])
		if !ok {
			return 0, false
		}
		minC, maxC = math.Min(minC, fc), math.Max(maxC, fc)
		minR, maxR = math.Min(minR, fr), math.Max(maxR, fr)
	}
	var acc weighted
	for sr := int(math.Floor(minR)); float64(sr) < maxR; sr++ {
		h := overlap(float64(sr), minR, maxR)
		for sc := int(math.Floor(minC)); float64(sc) < maxC; sc++ {
			w := overlap(float64(sc), minC, maxC) * h
			if w <= 0 {
				continue
			}
			r.accumulate(&acc, sc, sr, w)
		}
	}
	return acc.result(r.opts.NoDataThreshold)
}

// overlap is the length of [i, i+1) inside [lo, hi)
func overlap(i, lo, hi float64) float64 {
	return math.Max(0, math.Min(i+1, hi)-math.Max(i, lo))
}

type weighted struct {
	sum, valid, invalid float64
}

func (r *resampler) accumulate(w *weighted, col, row int, weight float64) {
	if weight <= 0 {
		return
	}
	v, ok := r.value(col, row)
	if !ok {
		w.invalid += weight
		return
	}
	w.sum += v * weight
	w.valid += weight
}

func (w *weighted) result(threshold float64) (float64, bool) {
	total := w.valid + w.invalid
	if w.valid == 0 || total == 0 || w.invalid/total > threshold {
		return 0, false
	}
	return w.sum / w.valid, true
}
