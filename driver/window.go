package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-spatial/geom"

	"github.com/pdok/landform/crs"
	"github.com/pdok/landform/raster"
)

const bytesPerSample = 8

// rowReader reads the next n rows of a raster into dst, top to bottom
type rowReader interface {
	readRows(n int, dst []float64) error
	Close() error
}

// rasterHeader is what a raster driver learns before reading samples
type rasterHeader struct {
	width, height int
	gt            raster.Geotransform
	noData        float64
	crsText       string
}

// windowRows returns the number of rows a window owns within budget
func windowRows(width, height, halo int, budget int64) (int, error) {
	if budget <= 0 {
		return height, nil
	}
	perRow := int64(width) * bytesPerSample
	rows := budget/perRow - 2*int64(halo)
	if rows < 1 {
		return 0, fmt.Errorf("%d bytes do not fit one row of %d samples plus %d halo rows: %w",
			budget, width, 2*halo, ErrResourceExhausted)
	}
	if rows > int64(height) {
		return height, nil
	}
	return int(rows), nil
}

var errWindowStarted = errors.New("window size is fixed once reading started")

// Windowed is a raster stream whose window halo can be sized to the resampling
// footprint before the first record is read.
type Windowed interface {
	// CellSize returns the width and height of one source cell in source units
	CellSize() (float64, float64)
	SetHaloRows(n int) error
}

// rasterStream yields a raster as horizontal strips. Each source row is read once:
// rows shared with the next window's halo are carried over.
type rasterStream struct {
	ctx    context.Context
	desc   SourceDescriptor
	ref    *crs.CoordinateReference
	header rasterHeader
	src    rowReader

	budget     int64
	rows, halo int
	next       int // first row of the next window's core

	carry      []float64
	carryStart int
	readUpTo   int

	err error
}

func newRasterStream(ctx context.Context, desc SourceDescriptor, opts OpenOptions, h rasterHeader, src rowReader) (*rasterStream, error) {
	if h.width <= 0 || h.height <= 0 {
		src.Close()
		return nil, corrupt(desc, "raster size %dx%d", h.width, h.height)
	}
	ref, err := resolveReference(opts, h.crsText)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("%s: %w", desc, err)
	}
	halo := opts.HaloRows
	if halo < 0 {
		halo = 0
	}
	rows, err := windowRows(h.width, h.height, halo, opts.MemoryBudget)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("%s: %w", desc, err)
	}
	return &rasterStream{ctx: ctx, desc: desc, ref: ref, header: h, src: src, budget: opts.MemoryBudget, rows: rows, halo: halo}, nil
}

func (s *rasterStream) CellSize() (float64, float64) {
	gt := s.header.gt
	return math.Hypot(gt[1], gt[4]), math.Hypot(gt[2], gt[5])
}

// SetHaloRows resizes the windows to carry n halo rows within the same budget
func (s *rasterStream) SetHaloRows(n int) error {
	if s.readUpTo > 0 {
		return fmt.Errorf("%s: %w", s.desc, errWindowStarted)
	}
	if n < 0 {
		n = 0
	}
	rows, err := windowRows(s.header.width, s.header.height, n, s.budget)
	if err != nil {
		return fmt.Errorf("%s: %w", s.desc, err)
	}
	s.rows, s.halo = rows, n
	return nil
}

func (s *rasterStream) CRS() *crs.CoordinateReference {
	return s.ref
}

func (s *rasterStream) Extent() (geom.Extent, bool) {
	return raster.GridSpec{Geotransform: s.header.gt, Width: s.header.width, Height: s.header.height}.Extent(), true
}

// Resolution is the inverse of the cell width, so finer rasters rank higher
func (s *rasterStream) Resolution() float64 {
	w := s.header.gt[1]
	if w < 0 {
		w = -w
	}
	if w == 0 {
		return 0
	}
	return 1 / w
}

func (s *rasterStream) Next() (Record, error) {
	if s.err != nil {
		return Record{}, s.err
	}
	if s.next >= s.header.height {
		return Record{}, io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		return Record{}, err
	}
	w, h := s.header.width, s.header.height
	start := s.next
	end := min(start+s.rows, h)
	readStart := max(start-s.halo, 0)
	readEnd := min(end+s.halo, h)

	data := make([]float64, w*(readEnd-readStart))
	have := 0
	if s.readUpTo > readStart {
		have = s.readUpTo - readStart
		copy(data, s.carry[(readStart-s.carryStart)*w:(s.readUpTo-s.carryStart)*w])
	}
	if need := readEnd - readStart - have; need > 0 {
		if err := s.src.readRows(need, data[have*w:]); err != nil {
			s.err = err
			return Record{}, err
		}
	}
	s.carry, s.carryStart, s.readUpTo = data, readStart, readEnd
	s.next = end

	block := &raster.Block{
		CRS:          s.ref,
		Geotransform: s.header.gt.Offset(0, readStart),
		Width:        w,
		Height:       readEnd - readStart,
		Data:         data,
		NoData:       s.header.noData,
	}
	if readStart != 0 || readEnd != h || start != 0 || end != h {
		block.Window = &raster.Window{
			RowOffset:    readStart,
			CoreFirst:    start - readStart,
			CoreLast:     end - readStart,
			SourceHeight: h,
		}
	}
	return Record{Raster: block}, nil
}

func (s *rasterStream) Close() error {
	s.carry = nil
	return s.src.Close()
}
