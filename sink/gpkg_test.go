package sink

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/pdok/landform/crs"
	gpkgsource "github.com/pdok/landform/pkg/gpkg"
	"github.com/pdok/landform/raster"
	"github.com/pdok/landform/tile"
	"github.com/pdok/landform/vector"
)

func rdNew(t *testing.T) *crs.CoordinateReference {
	t.Helper()
	r := crs.NewResolver()
	t.Cleanup(r.Close)
	ref, err := r.Parse("EPSG:28992")
	require.NoError(t, err)
	return ref
}

func outputTile(ref *crs.CoordinateReference, col, row uint, features ...*vector.Feature) *tile.OutputTile {
	minX, maxY := float64(col)*20, 1000-float64(row)*20
	elevation := []float64{1.5, math.NaN(), -3, 4}
	layers := orderedmap.New[string, []uint8]()
	layers.Set("water", []uint8{255, 0, 0, 255})
	provenance := orderedmap.New[string, *tile.Provenance]()
	provenance.Set("ahn", &tile.Provenance{Source: "ahn", Order: 0, Resolution: 2, Weight: 1, Samples: 3})
	provenance.Set("bgt", &tile.Provenance{Source: "bgt", Order: 1, Weight: 1, Features: len(features)})
	return &tile.OutputTile{
		Key: tile.Key{Col: col, Row: row},
		Spec: raster.GridSpec{
			CRS:          ref,
			Geotransform: raster.NorthUp(minX, maxY, 10, 10),
			Width:        2,
			Height:       2,
		},
		Elevation:  elevation,
		Layers:     layers,
		Features:   features,
		Provenance: provenance,
	}
}

func TestRoundTrip(t *testing.T) {
	ref := rdNew(t)
	file := filepath.Join(t.TempDir(), "out.gpkg")
	target, err := NewTargetGeopackage(file, ref, 2, false)
	require.NoError(t, err)

	attrs := vector.NewAttributes()
	attrs.Set("name", "lake")
	lake := &vector.Feature{ID: "7", Source: "bgt", Layer: "water",
		Geometry: geom.Polygon{{{0, 990}, {30, 990}, {30, 1000}, {0, 1000}}}, Attributes: attrs, CRS: ref}

	// the lake spans both tiles, it is stored once
	require.NoError(t, target.Accept(outputTile(ref, 0, 0, lake)))
	require.NoError(t, target.Accept(outputTile(ref, 1, 0, lake)))
	assert.Equal(t, 2, target.Written())
	require.NoError(t, target.Accept(outputTile(ref, 0, 1)))
	assert.Equal(t, 2, target.Written(), "third tile waits for the next page")
	require.NoError(t, target.Close())
	require.NoError(t, target.Close())

	tiles, err := ReadTiles(context.Background(), file)
	require.NoError(t, err)
	require.Len(t, tiles, 3)
	assert.Equal(t, []tile.Key{{Col: 0, Row: 0}, {Col: 1, Row: 0}, {Col: 0, Row: 1}},
		[]tile.Key{tiles[0].Key, tiles[1].Key, tiles[2].Key})

	st := tiles[1]
	assert.Equal(t, 2, st.Width)
	assert.Equal(t, 20.0, st.OriginX)
	assert.Equal(t, 1000.0, st.OriginY)
	assert.Equal(t, 10.0, st.CellSize)
	assert.Equal(t, 3, st.Valid)
	require.Len(t, st.Elevation, 4)
	assert.Equal(t, float32(1.5), st.Elevation[0])
	assert.True(t, math.IsNaN(float64(st.Elevation[1])))
	assert.Equal(t, float32(-3), st.Elevation[2])
	weights, ok := st.Layers.Get("water")
	require.True(t, ok)
	assert.Equal(t, []uint8{255, 0, 0, 255}, weights)

	var sources []string
	for pair := st.Provenance.Oldest(); pair != nil; pair = pair.Next() {
		sources = append(sources, pair.Key)
	}
	assert.Equal(t, []string{"ahn", "bgt"}, sources)
	ahn, _ := st.Provenance.Get("ahn")
	assert.Equal(t, tile.Provenance{Source: "ahn", Order: 0, Resolution: 2, Weight: 1, Samples: 3}, *ahn)

	src, err := gpkgsource.OpenSource(file)
	require.NoError(t, err)
	defer src.Close()
	tables, err := src.Tables()
	require.NoError(t, err)
	byName := map[string]gpkgsource.Table{}
	for _, tbl := range tables {
		byName[tbl.Name] = tbl
	}
	require.Contains(t, byName, FeaturesTable)
	assert.Equal(t, "EPSG:28992", byName[TilesTable].Reference())
	require.NotNil(t, byName[TilesTable].Extent)
	assert.Equal(t, geom.Extent{0, 960, 40, 1000}, *byName[TilesTable].Extent)

	rows, err := src.ReadFeatures(context.Background(), byName[FeaturesTable])
	require.NoError(t, err)
	defer rows.Close()
	var ids []string
	for {
		f, err := rows.Next()
		if err != nil {
			break
		}
		ids = append(ids, f.ID)
	}
	assert.Len(t, ids, 1)
}

func TestTargetExists(t *testing.T) {
	ref := rdNew(t)
	file := filepath.Join(t.TempDir(), "out.gpkg")
	target, err := NewTargetGeopackage(file, ref, 0, false)
	require.NoError(t, err)
	require.NoError(t, target.Close())

	_, err = NewTargetGeopackage(file, ref, 0, false)
	require.ErrorIs(t, err, ErrTargetExists)

	target, err = NewTargetGeopackage(file, ref, 0, true)
	require.NoError(t, err)
	require.NoError(t, target.Close())
	require.ErrorIs(t, target.Accept(outputTile(ref, 0, 0)), ErrTargetClosed)
}

func TestDuplicateTile(t *testing.T) {
	ref := rdNew(t)
	target, err := NewTargetGeopackage(filepath.Join(t.TempDir(), "out.gpkg"), ref, 1, false)
	require.NoError(t, err)
	defer target.Close()
	require.NoError(t, target.Accept(outputTile(ref, 3, 4)))
	err = target.Accept(outputTile(ref, 3, 4))
	require.ErrorIs(t, err, ErrDuplicateTile)
	require.ErrorIs(t, target.Accept(outputTile(ref, 5, 5)), ErrDuplicateTile, "a failed target keeps failing")
}

func TestElevationEncoding(t *testing.T) {
	b := EncodeElevation([]float64{0, 1.25, math.Inf(-1)})
	require.Len(t, b, 12)
	got, err := DecodeElevation(b)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1.25, float32(math.Inf(-1))}, got)
	_, err = DecodeElevation(b[:5])
	require.Error(t, err)
}

func TestLazyGeopackage(t *testing.T) {
	ref := rdNew(t)
	file := filepath.Join(t.TempDir(), "out.gpkg")
	lazy := &LazyGeopackage{File: file, PageSize: 10}

	require.NoError(t, lazy.Flush())
	_, err := os.Stat(file)
	require.ErrorIs(t, err, os.ErrNotExist, "nothing is created before the first tile")

	require.NoError(t, lazy.Accept(outputTile(ref, 0, 0)))
	require.NoError(t, lazy.Accept(outputTile(ref, 1, 0)))
	assert.Equal(t, 0, lazy.Written())
	require.NoError(t, lazy.Flush())
	assert.Equal(t, 2, lazy.Written())
	require.NoError(t, lazy.Close())

	stored, err := ReadTiles(context.Background(), file)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}
