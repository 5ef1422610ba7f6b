// Package sink writes finalized tiles to a GeoPackage.
package sink

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"syscall"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/gpkg"
	"github.com/mattn/go-sqlite3"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.uber.org/zap"

	"github.com/pdok/landform/crs"
	"github.com/pdok/landform/log"
	gpkgsource "github.com/pdok/landform/pkg/gpkg"
	"github.com/pdok/landform/tile"
	"github.com/pdok/landform/vector"
)

const (
	TilesTable    = "elevation_tiles"
	LayersTable   = "tile_layers"
	FeaturesTable = "features"

	DefaultPageSize = 100

	// customSRSID registers references without an EPSG code
	customSRSID = 100000
)

var (
	ErrTargetExists  = errors.New("target GeoPackage exists")
	ErrDuplicateTile = errors.New("tile written twice")
	ErrTargetClosed  = errors.New("target GeoPackage closed")
	ErrTargetFull    = errors.New("target GeoPackage full")
)

// TargetGeopackage is a tile.Sink. Tiles are buffered and written per page in one transaction.
type TargetGeopackage struct {
	handle   *gpkg.Handle
	srs      gpkg.SpatialReferenceSystem
	pagesize int

	tiles, layers, features gpkgsource.Table

	mu       sync.Mutex
	pending  []*tile.OutputTile
	written  map[string]struct{}
	extents  map[string]*geom.Extent
	count    int
	closed   bool
	firstErr error
}

// NewTargetGeopackage creates the target tables in file, in reference ref.
// An existing file is removed when overwrite is set and refused otherwise.
func NewTargetGeopackage(file string, ref *crs.CoordinateReference, pagesize int, overwrite bool) (*TargetGeopackage, error) {
	if pagesize <= 0 {
		pagesize = DefaultPageSize
	}
	if err := prepareTarget(file, overwrite); err != nil {
		return nil, err
	}
	handle, err := gpkgsource.Open(file)
	if err != nil {
		return nil, err
	}
	t := &TargetGeopackage{
		handle:   handle,
		srs:      spatialReferenceSystem(ref),
		pagesize: pagesize,
		written:  make(map[string]struct{}),
		extents:  make(map[string]*geom.Extent),
	}
	t.tiles = gpkgsource.Table{
		Name: TilesTable,
		Columns: []gpkgsource.Column{
			{Name: "fid", Type: "INTEGER", PK: true},
			{Name: "tile_col", Type: "INTEGER", NotNull: true},
			{Name: "tile_row", Type: "INTEGER", NotNull: true},
			{Name: "width", Type: "INTEGER", NotNull: true},
			{Name: "height", Type: "INTEGER", NotNull: true},
			{Name: "origin_x", Type: "REAL", NotNull: true},
			{Name: "origin_y", Type: "REAL", NotNull: true},
			{Name: "cell_size", Type: "REAL", NotNull: true},
			{Name: "valid", Type: "INTEGER", NotNull: true},
			{Name: "elevation", Type: "BLOB", NotNull: true},
			{Name: "provenance", Type: "TEXT"},
			{Name: "geom", Type: "POLYGON"},
		},
		GeometryColumn: "geom",
		GeometryType:   gpkg.Polygon,
		SRS:            t.srs,
	}
	t.layers = gpkgsource.Table{
		Name: LayersTable,
		Columns: []gpkgsource.Column{
			{Name: "fid", Type: "INTEGER", PK: true},
			{Name: "tile_col", Type: "INTEGER", NotNull: true},
			{Name: "tile_row", Type: "INTEGER", NotNull: true},
			{Name: "class", Type: "TEXT", NotNull: true},
			{Name: "weights", Type: "BLOB", NotNull: true},
			{Name: "geom", Type: "POLYGON"},
		},
		GeometryColumn: "geom",
		GeometryType:   gpkg.Polygon,
		SRS:            t.srs,
	}
	t.features = gpkgsource.Table{
		Name: FeaturesTable,
		Columns: []gpkgsource.Column{
			{Name: "fid", Type: "INTEGER", PK: true},
			{Name: "source", Type: "TEXT", NotNull: true},
			{Name: "feature_id", Type: "TEXT", NotNull: true},
			{Name: "layer", Type: "TEXT"},
			{Name: "flags", Type: "INTEGER"},
			{Name: "attributes", Type: "TEXT"},
			{Name: "geom", Type: "GEOMETRY"},
		},
		GeometryColumn: "geom",
		GeometryType:   gpkg.Geometry,
		SRS:            t.srs,
	}
	for _, tbl := range []gpkgsource.Table{t.tiles, t.layers, t.features} {
		if err := gpkgsource.BuildTable(handle, tbl); err != nil {
			handle.Close()
			return nil, err
		}
	}
	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS "` + TilesTable + `_key" ON "` + TilesTable + `"(tile_col, tile_row);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS "` + LayersTable + `_key" ON "` + LayersTable + `"(tile_col, tile_row, class);`,
	}
	for _, q := range indexes {
		if _, err := handle.Exec(q); err != nil {
			handle.Close()
			return nil, fmt.Errorf("error creating index: %w", err)
		}
	}
	return t, nil
}

func prepareTarget(file string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(file); err == nil {
			return fmt.Errorf("%s: %w", file, ErrTargetExists)
		}
		return nil
	}
	err := os.Remove(file)
	var pathError *os.PathError
	if err != nil && !(errors.As(err, &pathError) && errors.Is(pathError.Err, syscall.ENOENT)) {
		return fmt.Errorf("could not remove target file: %w", err)
	}
	return nil
}

func spatialReferenceSystem(ref *crs.CoordinateReference) gpkg.SpatialReferenceSystem {
	if ref.EPSG != 0 {
		return gpkg.SpatialReferenceSystem{
			Name:                   ref.Name,
			ID:                     ref.EPSG,
			Organization:           "EPSG",
			OrganizationCoordsysID: ref.EPSG,
			Definition:             "undefined",
			Description:            ref.ID,
		}
	}
	return gpkg.SpatialReferenceSystem{
		Name:                   ref.Name,
		ID:                     customSRSID,
		Organization:           "NONE",
		OrganizationCoordsysID: customSRSID,
		Definition:             ref.ID,
		Description:            ref.ID,
	}
}

// Accept buffers t and writes a page once enough tiles are buffered
func (t *TargetGeopackage) Accept(out *tile.OutputTile) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTargetClosed
	}
	if t.firstErr != nil {
		return t.firstErr
	}
	t.pending = append(t.pending, out)
	if len(t.pending) < t.pagesize {
		return nil
	}
	return t.writePendingLocked()
}

// Flush writes the buffered tiles and updates the extents in gpkg_contents
func (t *TargetGeopackage) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTargetClosed
	}
	if err := t.writePendingLocked(); err != nil {
		return err
	}
	for _, name := range []string{TilesTable, LayersTable, FeaturesTable} {
		ext := t.extents[name]
		if ext == nil {
			continue
		}
		if err := t.handle.UpdateGeometryExtent(name, ext); err != nil {
			return fmt.Errorf("failed to update extent of %s: %w", name, err)
		}
	}
	return nil
}

// Close flushes and closes the GeoPackage
func (t *TargetGeopackage) Close() error {
	flushErr := t.Flush()
	if errors.Is(flushErr, ErrTargetClosed) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return errors.Join(flushErr, t.handle.Close())
}

// Written is the number of tiles committed
func (t *TargetGeopackage) Written() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func (t *TargetGeopackage) writePendingLocked() error {
	if len(t.pending) == 0 {
		return nil
	}
	if err := t.writePage(t.pending); err != nil {
		t.firstErr = err
		return err
	}
	t.count += len(t.pending)
	log.Debug("tiles written", zap.Int("page", len(t.pending)), zap.Int("total", t.count))
	t.pending = nil
	return nil
}

func (t *TargetGeopackage) writePage(tiles []*tile.OutputTile) (err error) {
	tx, err := t.handle.Begin()
	if err != nil {
		return fmt.Errorf("could not start a transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				log.Warn("rollback failed", zap.Error(rerr))
			}
		}
	}()
	tileStmt, err := tx.Prepare(t.tiles.InsertSQL())
	if err != nil {
		return fmt.Errorf("could not prepare a statement: %w", err)
	}
	defer tileStmt.Close()
	layerStmt, err := tx.Prepare(t.layers.InsertSQL())
	if err != nil {
		return fmt.Errorf("could not prepare a statement: %w", err)
	}
	defer layerStmt.Close()
	featureStmt, err := tx.Prepare(t.features.InsertSQL())
	if err != nil {
		return fmt.Errorf("could not prepare a statement: %w", err)
	}
	defer featureStmt.Close()

	extents := make(map[string]*geom.Extent)
	newFeatures := make(map[string]struct{})
	for _, out := range tiles {
		ext := out.Spec.Extent()
		footprint, err := gpkg.NewBinary(int32(t.srs.ID), extentPolygon(ext))
		if err != nil {
			return fmt.Errorf("could not create a binary geometry: %w", err)
		}
		provenance, err := json.Marshal(out.Provenance)
		if err != nil {
			return err
		}
		_, err = tileStmt.Exec(out.Key.Col, out.Key.Row, out.Spec.Width, out.Spec.Height,
			out.Spec.Geotransform[0], out.Spec.Geotransform[3], out.Spec.Geotransform[1],
			out.ValidCount(), EncodeElevation(out.Elevation), string(provenance), footprint)
		if err != nil {
			return fmt.Errorf("tile %s: %w", out.Key, classify(err))
		}
		addExtent(extents, TilesTable, ext)

		for pair := out.Layers.Oldest(); pair != nil; pair = pair.Next() {
			if _, err := layerStmt.Exec(out.Key.Col, out.Key.Row, pair.Key, pair.Value, footprint); err != nil {
				return fmt.Errorf("tile %s layer %s: %w", out.Key, pair.Key, classify(err))
			}
			addExtent(extents, LayersTable, ext)
		}

		for _, f := range out.Features {
			key := featureKey(f)
			if _, seen := t.written[key]; seen {
				continue
			}
			if _, seen := newFeatures[key]; seen {
				continue
			}
			if err := t.writeFeature(featureStmt, f); err != nil {
				return err
			}
			newFeatures[key] = struct{}{}
			if fext := f.Extent(); fext != nil {
				addExtent(extents, FeaturesTable, *fext)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	for k := range newFeatures {
		t.written[k] = struct{}{}
	}
	for name, ext := range extents {
		addExtent(t.extents, name, *ext)
	}
	return nil
}

func (t *TargetGeopackage) writeFeature(stmt *sql.Stmt, f *vector.Feature) error {
	var geometry any
	if f.Geometry != nil {
		sb, err := gpkg.NewBinary(int32(t.srs.ID), f.Geometry)
		if err != nil {
			return fmt.Errorf("feature %s: could not create a binary geometry: %w", f.ID, err)
		}
		geometry = sb
	}
	attributes := []byte("{}")
	if f.Attributes != nil {
		var err error
		if attributes, err = json.Marshal(f.Attributes); err != nil {
			return fmt.Errorf("feature %s: %w", f.ID, err)
		}
	}
	_, err := stmt.Exec(f.Source, f.ID, f.Layer, int(f.Flags), string(attributes), geometry)
	if err != nil {
		return fmt.Errorf("feature %s: %w", f.ID, classify(err))
	}
	return nil
}

func featureKey(f *vector.Feature) string {
	return f.Source + "\x00" + f.ID
}

func addExtent(m map[string]*geom.Extent, name string, ext geom.Extent) {
	if cur, ok := m[name]; ok {
		cur.Add(&ext)
		return
	}
	e := ext
	m[name] = &e
}

func extentPolygon(ext geom.Extent) geom.Polygon {
	return geom.Polygon{{
		{ext.MinX(), ext.MinY()},
		{ext.MaxX(), ext.MinY()},
		{ext.MaxX(), ext.MaxY()},
		{ext.MinX(), ext.MaxY()},
	}}
}

// classify maps SQLite failures to the sink's errors
func classify(err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code {
	case sqlite3.ErrConstraint:
		return fmt.Errorf("%w: %w", ErrDuplicateTile, err)
	case sqlite3.ErrFull:
		return fmt.Errorf("%w: %w", ErrTargetFull, err)
	}
	return err
}

// EncodeElevation packs samples as little endian float32, NaN for no-data
func EncodeElevation(samples []float64) []byte {
	b := make([]byte, 4*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(float32(v)))
	}
	return b
}

func DecodeElevation(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("elevation blob of %d bytes", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}

// StoredTile is a tile as read back from a target
type StoredTile struct {
	Key              tile.Key
	Width, Height    int
	OriginX, OriginY float64
	CellSize         float64
	Valid            int
	Elevation        []float32
	Layers           *orderedmap.OrderedMap[string, []uint8]
	Provenance       *orderedmap.OrderedMap[string, *tile.Provenance]
}

// ReadTiles reads every tile of a target GeoPackage in the order they were written
func ReadTiles(ctx context.Context, file string) ([]StoredTile, error) {
	h, err := gpkgsource.Open(file)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	rows, err := h.QueryContext(ctx, `SELECT tile_col, tile_row, width, height, origin_x, origin_y, cell_size, valid, elevation, provenance FROM "`+TilesTable+`" ORDER BY fid;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tiles []StoredTile
	index := make(map[tile.Key]int)
	for rows.Next() {
		var st StoredTile
		var blob []byte
		var provenance sql.NullString
		if err := rows.Scan(&st.Key.Col, &st.Key.Row, &st.Width, &st.Height, &st.OriginX, &st.OriginY,
			&st.CellSize, &st.Valid, &blob, &provenance); err != nil {
			return nil, err
		}
		if st.Elevation, err = DecodeElevation(blob); err != nil {
			return nil, fmt.Errorf("tile %s: %w", st.Key, err)
		}
		st.Provenance = orderedmap.New[string, *tile.Provenance]()
		if provenance.Valid {
			if err := json.Unmarshal([]byte(provenance.String), st.Provenance); err != nil {
				return nil, fmt.Errorf("tile %s provenance: %w", st.Key, err)
			}
		}
		st.Layers = orderedmap.New[string, []uint8]()
		index[st.Key] = len(tiles)
		tiles = append(tiles, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	layerRows, err := h.QueryContext(ctx, `SELECT tile_col, tile_row, class, weights FROM "`+LayersTable+`" ORDER BY fid;`)
	if err != nil {
		return nil, err
	}
	defer layerRows.Close()
	for layerRows.Next() {
		var k tile.Key
		var class string
		var weights []byte
		if err := layerRows.Scan(&k.Col, &k.Row, &class, &weights); err != nil {
			return nil, err
		}
		if i, ok := index[k]; ok {
			tiles[i].Layers.Set(class, weights)
		}
	}
	return tiles, layerRows.Err()
}
