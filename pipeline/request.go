package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pdok/landform/crs"
	"github.com/pdok/landform/driver"
	"github.com/pdok/landform/raster"
	"github.com/pdok/landform/tile"
	"github.com/pdok/landform/tms20"
)

// AutoUTM as target reference picks the WGS84 UTM zone of the first source's centre
const AutoUTM = "auto-utm"

const (
	DefaultWorkers  = 4
	DefaultHaloRows = 1
	// DefaultMemoryBudget bounds a raster window when the request names no budget
	DefaultMemoryBudget int64 = 64 << 20
)

// GridRequest describes the output tiling, either by a tile matrix of a
// Tile Matrix Set or explicitly
type GridRequest struct {
	// TileMatrixSet is the ID of an embedded set or a path to a JSON file
	TileMatrixSet string
	TileMatrix    tms20.TMID

	OriginX, OriginY float64
	CellSize         float64
	TileSize         int
	// MatrixWidth and MatrixHeight bound an explicit grid, 0 is unbounded
	MatrixWidth, MatrixHeight uint
}

// Request is what the host asks to import
type Request struct {
	Sources []driver.SourceDescriptor
	// TargetCRS is any text crs.Resolver parses, or AutoUTM. Empty takes the
	// reference of the tile matrix set.
	TargetCRS string
	Grid      GridRequest
	// Tiles are the blend and tie-break options of the compositor
	Tiles    tile.Options
	Resample raster.Options
	// Workers bounds the sources processed at once
	Workers int
	// MemoryBudget bounds one raster window in bytes, 0 takes DefaultMemoryBudget
	MemoryBudget int64
	HaloRows     int
	// Sieve drops polygons and holes not larger than one Sieve by Sieve cell,
	// in target units. 0 keeps every feature.
	Sieve float64
}

// normalize fills in source IDs and defaults and rejects requests no job can start from
func (r Request) normalize() (Request, error) {
	if len(r.Sources) == 0 {
		return r, fmt.Errorf("no sources: %w", ErrInvalidRequest)
	}
	if r.Workers <= 0 {
		r.Workers = DefaultWorkers
	}
	if r.HaloRows <= 0 {
		r.HaloRows = DefaultHaloRows
	}
	if r.MemoryBudget < 0 {
		return r, fmt.Errorf("memory budget %d: %w", r.MemoryBudget, ErrInvalidRequest)
	}
	if r.MemoryBudget == 0 {
		r.MemoryBudget = DefaultMemoryBudget
	}
	if r.Sieve < 0 {
		return r, fmt.Errorf("sieve %g: %w", r.Sieve, ErrInvalidRequest)
	}
	sources := make([]driver.SourceDescriptor, len(r.Sources))
	seen := make(map[string]struct{}, len(r.Sources))
	for i, src := range r.Sources {
		if strings.TrimSpace(src.Path) == "" {
			return r, fmt.Errorf("source %d has no path: %w", i, ErrInvalidRequest)
		}
		if src.ID == "" {
			src.ID = filepath.Base(src.Path)
		}
		if _, dup := seen[src.ID]; dup {
			return r, fmt.Errorf("source id %q used twice: %w", src.ID, ErrInvalidRequest)
		}
		seen[src.ID] = struct{}{}
		sources[i] = src
	}
	r.Sources = sources
	if r.TargetCRS == "" && r.Grid.TileMatrixSet == "" {
		return r, fmt.Errorf("no target reference: %w", ErrInvalidRequest)
	}
	return r, nil
}

// buildGrid returns the output grid in target. A tile matrix set in another
// reference than target is rejected.
func (r Request) buildGrid(resolver *crs.Resolver, target *crs.CoordinateReference) (tile.Grid, error) {
	if r.Grid.TileMatrixSet == "" {
		g := tile.Grid{
			CRS:          target,
			OriginX:      r.Grid.OriginX,
			OriginY:      r.Grid.OriginY,
			CellSize:     r.Grid.CellSize,
			TileWidth:    r.Grid.TileSize,
			TileHeight:   r.Grid.TileSize,
			MatrixWidth:  r.Grid.MatrixWidth,
			MatrixHeight: r.Grid.MatrixHeight,
		}
		if err := g.Validate(); err != nil {
			return g, fmt.Errorf("%v: %w", err, ErrInvalidRequest)
		}
		return g, nil
	}
	tms, err := tms20.Load(r.Grid.TileMatrixSet)
	if err != nil {
		return tile.Grid{}, fmt.Errorf("%v: %w", err, ErrInvalidRequest)
	}
	ref, err := resolver.Parse(tms.CRS.Reference())
	if err != nil {
		return tile.Grid{}, fmt.Errorf("tile matrix set %s: %w", tms.ID, err)
	}
	if ref.ID != target.ID {
		return tile.Grid{}, fmt.Errorf("tile matrix set %s is in %s, not in %s: %w", tms.ID, ref, target, ErrInvalidRequest)
	}
	g, err := tile.GridFromTileMatrix(tms, r.Grid.TileMatrix, target)
	if err != nil {
		return g, fmt.Errorf("%v: %w", err, ErrInvalidRequest)
	}
	return g, nil
}

// targetText is the reference text of the target, the tile matrix set's when none is given
func (r Request) targetText() (string, error) {
	if r.TargetCRS != "" {
		return r.TargetCRS, nil
	}
	tms, err := tms20.Load(r.Grid.TileMatrixSet)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, ErrInvalidRequest)
	}
	return tms.CRS.Reference(), nil
}
