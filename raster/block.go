// Package raster holds the in-memory raster block model and resampling between grids.
package raster

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-spatial/geom"

	"github.com/pdok/landform/crs"
)

var (
	ErrMissingReference  = errors.New("raster has no coordinate reference")
	ErrReferenceMismatch = errors.New("transform does not match raster references")
	ErrInvalidOptions    = errors.New("invalid resample options")
	ErrHaloExceeded      = errors.New("sample footprint reaches past the window halo")
)

// Geotransform is an affine pixel-to-world mapping in GDAL order:
// x = gt[0] + col*gt[1] + row*gt[2], y = gt[3] + col*gt[4] + row*gt[5].
// (col, row) = (0, 0) is the top-left corner of the top-left pixel.
type Geotransform [6]float64

// NorthUp returns the geotransform of an unrotated grid with its top-left corner at (minX, maxY)
func NorthUp(minX, maxY, cellWidth, cellHeight float64) Geotransform {
	return Geotransform{minX, cellWidth, 0, maxY, 0, -cellHeight}
}

func (gt Geotransform) PixelToWorld(col, row float64) (x, y float64) {
	return gt[0] + col*gt[1] + row*gt[2], gt[3] + col*gt[4] + row*gt[5]
}

// WorldToPixel returns fractional pixel coordinates. ok is false for a degenerate transform.
func (gt Geotransform) WorldToPixel(x, y float64) (col, row float64, ok bool) {
	det := gt[1]*gt[5] - gt[2]*gt[4]
	if det == 0 {
		return 0, 0, false
	}
	dx, dy := x-gt[0], y-gt[3]
	col = (dx*gt[5] - dy*gt[2]) / det
	row = (dy*gt[1] - dx*gt[4]) / det
	return col, row, true
}

// Offset shifts the origin by whole pixels
func (gt Geotransform) Offset(cols, rows int) Geotransform {
	x, y := gt.PixelToWorld(float64(cols), float64(rows))
	return Geotransform{x, gt[1], gt[2], y, gt[4], gt[5]}
}

// Window places a block inside a taller source raster. The block owns the
// rows [CoreFirst, CoreLast); the remaining rows are halo kept for interpolation.
type Window struct {
	RowOffset    int
	CoreFirst    int
	CoreLast     int
	SourceHeight int
}

// Block is a rectangular grid of samples with an explicit reference
type Block struct {
	CRS          *crs.CoordinateReference
	Geotransform Geotransform
	Width        int
	Height       int
	// Data is row-major, Width*Height long
	Data   []float64
	NoData float64
	// Window is nil when the block holds its whole source
	Window *Window
}

// NewBlock returns a block filled with noData
func NewBlock(ref *crs.CoordinateReference, gt Geotransform, width, height int, noData float64) *Block {
	b := &Block{
		CRS:          ref,
		Geotransform: gt,
		Width:        width,
		Height:       height,
		Data:         make([]float64, width*height),
		NoData:       noData,
	}
	for i := range b.Data {
		b.Data[i] = noData
	}
	return b
}

// IsNoData is true for NaN and for the block's sentinel
func (b *Block) IsNoData(v float64) bool {
	return math.IsNaN(v) || v == b.NoData
}

func (b *Block) At(col, row int) float64 {
	return b.Data[row*b.Width+col]
}

func (b *Block) Set(col, row int, v float64) {
	b.Data[row*b.Width+col] = v
}

// Owns reports whether block row belongs to this block rather than to its halo
func (b *Block) Owns(row int) bool {
	if b.Window == nil {
		return row >= 0 && row < b.Height
	}
	return row >= b.Window.CoreFirst && row < b.Window.CoreLast
}

// ValidCount counts the samples that are not no-data
func (b *Block) ValidCount() int {
	n := 0
	for _, v := range b.Data {
		if !b.IsNoData(v) {
			n++
		}
	}
	return n
}

// Extent is the bounding box of the block in its own reference
func (b *Block) Extent() geom.Extent {
	return gridExtent(b.Geotransform, b.Width, b.Height)
}

func (b *Block) Validate() error {
	if b.CRS == nil {
		return ErrMissingReference
	}
	if b.Width <= 0 || b.Height <= 0 || len(b.Data) != b.Width*b.Height {
		return fmt.Errorf("block %dx%d with %d samples", b.Width, b.Height, len(b.Data))
	}
	return nil
}

// GridSpec describes a target grid
type GridSpec struct {
	CRS          *crs.CoordinateReference
	Geotransform Geotransform
	Width        int
	Height       int
}

func (g GridSpec) Extent() geom.Extent {
	return gridExtent(g.Geotransform, g.Width, g.Height)
}

func gridExtent(gt Geotransform, w, h int) geom.Extent {
	ext := geom.Extent{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	for _, c := range [][2]float64{{0, 0}, {float64(w), 0}, {0, float64(h)}, {float64(w), float64(h)}} {
		x, y := gt.PixelToWorld(c[0], c[1])
		ext.AddPoints([2]float64{x, y})
	}
	return ext
}

// ProjectedExtent estimates the bounding box of ext after transforming it forward,
// by sampling points along its edges. Points that fail to transform are skipped.
func ProjectedExtent(ext geom.Extent, tf *crs.Transform) (geom.Extent, error) {
	if tf.IsIdentity() {
		return ext, nil
	}
	const steps = 16
	out := geom.Extent{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	n := 0
	for i := 0; i <= steps; i++ {
		f := float64(i) / steps
		x := ext.MinX() + f*(ext.MaxX()-ext.MinX())
		y := ext.MinY() + f*(ext.MaxY()-ext.MinY())
		for _, p := range [][2]float64{{x, ext.MinY()}, {x, ext.MaxY()}, {ext.MinX(), y}, {ext.MaxX(), y}} {
			px, py, err := tf.ForwardXY(p[0], p[1])
			if err != nil {
				continue
			}
			out.AddPoints([2]float64{px, py})
			n++
		}
	}
	if n == 0 {
		return out, fmt.Errorf("no point of %v could be transformed to %s: %w", ext, tf.Target(), crs.ErrOutOfDomain)
	}
	return out, nil
}
