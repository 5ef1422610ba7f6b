// Package tile cuts the target reference into fixed-size tiles and composites
// resampled rasters and extracted features into them.
package tile

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/go-spatial/geom"

	"github.com/pdok/landform/crs"
	"github.com/pdok/landform/intgeom"
	"github.com/pdok/landform/mathhelp"
	"github.com/pdok/landform/morton"
	"github.com/pdok/landform/raster"
	"github.com/pdok/landform/tms20"
)

var ErrInvalidGrid = errors.New("invalid tile grid")

// MaxTilesPerExtent bounds the keys TilesFor returns for one extent
const MaxTilesPerExtent = 1 << 20

// Key addresses a tile by column and row, counted from the grid's top-left origin
type Key struct {
	Col, Row uint
}

// Z is the morton code of the key, used to order tiles
func (k Key) Z() morton.Z {
	return morton.MustToZ(k.Col, k.Row)
}

func (k Key) String() string {
	return strconv.FormatUint(uint64(k.Col), 10) + "/" + strconv.FormatUint(uint64(k.Row), 10)
}

// Grid is a regular tiling of the target reference
type Grid struct {
	CRS *crs.CoordinateReference
	// OriginX and OriginY are the top-left corner of tile 0/0
	OriginX, OriginY float64
	CellSize         float64
	// TileWidth and TileHeight in samples
	TileWidth, TileHeight int
	// MatrixWidth and MatrixHeight bound the grid, 0 is unbounded
	MatrixWidth, MatrixHeight uint
	// BottomLeft grids number rows upwards in MatrixRow
	BottomLeft bool
}

func (g Grid) Validate() error {
	switch {
	case g.CRS == nil:
		return fmt.Errorf("no reference: %w", ErrInvalidGrid)
	case !(g.CellSize > 0) || math.IsInf(g.CellSize, 0):
		return fmt.Errorf("cell size %v: %w", g.CellSize, ErrInvalidGrid)
	case g.TileWidth <= 0 || g.TileHeight <= 0:
		return fmt.Errorf("tile size %dx%d: %w", g.TileWidth, g.TileHeight, ErrInvalidGrid)
	case !intgeom.Fits(g.OriginX) || !intgeom.Fits(g.OriginY):
		return fmt.Errorf("origin %v,%v: %w", g.OriginX, g.OriginY, ErrInvalidGrid)
	}
	return nil
}

// GridFromTileMatrix uses one matrix of a tile matrix set as the grid
func GridFromTileMatrix(tms *tms20.TileMatrixSet, id tms20.TMID, ref *crs.CoordinateReference) (Grid, error) {
	tm, err := tms.TileMatrix(id)
	if err != nil {
		return Grid{}, err
	}
	if tm.VariableMatrixWidths != nil {
		return Grid{}, fmt.Errorf("%s/%d has variable matrix widths: %w", tms.ID, id, ErrInvalidGrid)
	}
	bbox := tm.MatrixBoundingBox()
	g := Grid{
		CRS:          ref,
		OriginX:      bbox[0],
		OriginY:      bbox[3],
		CellSize:     tm.CellSize,
		TileWidth:    int(tm.TileWidth),
		TileHeight:   int(tm.TileHeight),
		MatrixWidth:  tm.MatrixWidth,
		MatrixHeight: tm.MatrixHeight,
		BottomLeft:   tm.CornerOfOrigin == tms20.BottomLeft,
	}
	return g, g.Validate()
}

// String is the grid as logged, ordinates to the millimetre
func (g Grid) String() string {
	ref := "-"
	if g.CRS != nil {
		ref = g.CRS.ID
	}
	mm := func(o float64) string {
		return intgeom.PrintWithDecimals(intgeom.FromGeomOrd(o), 3)
	}
	return fmt.Sprintf("%s origin %s,%s cell %s tile %dx%d", ref, mm(g.OriginX), mm(g.OriginY), mm(g.CellSize), g.TileWidth, g.TileHeight)
}

// TileSpan is the size of one tile in reference units
func (g Grid) TileSpan() (x, y float64) {
	return g.CellSize * float64(g.TileWidth), g.CellSize * float64(g.TileHeight)
}

// TileSpec is the sample grid of tile k
func (g Grid) TileSpec(k Key) raster.GridSpec {
	sx, sy := g.TileSpan()
	return raster.GridSpec{
		CRS:          g.CRS,
		Geotransform: raster.NorthUp(g.OriginX+float64(k.Col)*sx, g.OriginY-float64(k.Row)*sy, g.CellSize, g.CellSize),
		Width:        g.TileWidth,
		Height:       g.TileHeight,
	}
}

func (g Grid) TileExtent(k Key) geom.Extent {
	return g.TileSpec(k).Extent()
}

// MatrixRow is the row of k as numbered by the grid's corner of origin
func (g Grid) MatrixRow(k Key) uint {
	if g.BottomLeft && g.MatrixHeight > 0 {
		return g.MatrixHeight - 1 - k.Row
	}
	return k.Row
}

// TilesFor returns the keys of the tiles sharing area with ext, row by row.
// Tiles left of or above the origin and outside a bounded matrix are left out.
// A zero-area extent selects the tile containing it. Extents covering more
// than MaxTilesPerExtent tiles fail with ErrInvalidGrid.
func (g Grid) TilesFor(ext geom.Extent) ([]Key, error) {
	if !intgeom.ExtentFits(ext) {
		return nil, nil
	}
	sx, sy := g.TileSpan()
	spanX, spanY := intgeom.FromGeomOrd(sx), intgeom.FromGeomOrd(sy)
	if spanX <= 0 || spanY <= 0 {
		return nil, nil
	}
	origin := intgeom.FromGeomPoint(geom.Point{g.OriginX, g.OriginY})
	left, right, top, bottom := intgeom.FromGeomExtent(ext).Offset(origin)

	colMin := mathhelp.FloorDiv(left, spanX)
	colMax := max(mathhelp.CeilDiv(right, spanX)-1, colMin)
	rowMin := mathhelp.FloorDiv(top, spanY)
	rowMax := max(mathhelp.CeilDiv(bottom, spanY)-1, rowMin)

	colMin, rowMin = max(colMin, 0), max(rowMin, 0)
	if g.MatrixWidth > 0 {
		colMax = min(colMax, int64(g.MatrixWidth)-1)
	}
	if g.MatrixHeight > 0 {
		rowMax = min(rowMax, int64(g.MatrixHeight)-1)
	}
	colMax, rowMax = min(colMax, math.MaxUint32), min(rowMax, math.MaxUint32)
	if colMax < colMin || rowMax < rowMin {
		return nil, nil
	}
	cols, rows := colMax-colMin+1, rowMax-rowMin+1
	if cols > MaxTilesPerExtent || rows > MaxTilesPerExtent || cols*rows > MaxTilesPerExtent {
		return nil, fmt.Errorf("extent %v covers %dx%d tiles: %w", ext, cols, rows, ErrInvalidGrid)
	}
	keys := make([]Key, 0, cols*rows)
	for row := rowMin; row <= rowMax; row++ {
		for col := colMin; col <= colMax; col++ {
			keys = append(keys, Key{Col: uint(col), Row: uint(row)})
		}
	}
	return keys, nil
}
