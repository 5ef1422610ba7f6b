package tile

import (
	"path/filepath"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/landform/crs"
	"github.com/pdok/landform/raster"
	"github.com/pdok/landform/tms20"
)

func rdNew(t *testing.T) *crs.CoordinateReference {
	t.Helper()
	r := crs.NewResolver()
	t.Cleanup(r.Close)
	ref, err := r.Parse("EPSG:28992")
	require.NoError(t, err)
	return ref
}

// testGrid has 10x10 sample tiles of 100 units, tile 0/0 spanning x 0..100, y 900..1000
func testGrid(t *testing.T) Grid {
	return Grid{CRS: rdNew(t), OriginX: 0, OriginY: 1000, CellSize: 10, TileWidth: 10, TileHeight: 10}
}

func TestKey(t *testing.T) {
	assert.Equal(t, uint(0), Key{}.Z())
	assert.Equal(t, uint(1), Key{Col: 1}.Z())
	assert.Equal(t, uint(2), Key{Row: 1}.Z())
	assert.Equal(t, uint(3), Key{Col: 1, Row: 1}.Z())
	assert.Equal(t, "3/4", Key{Col: 3, Row: 4}.String())
}

func TestGridValidate(t *testing.T) {
	ref := rdNew(t)
	tests := []struct {
		name string
		grid Grid
	}{
		{name: "no reference", grid: Grid{CellSize: 1, TileWidth: 1, TileHeight: 1}},
		{name: "zero cell size", grid: Grid{CRS: ref, TileWidth: 1, TileHeight: 1}},
		{name: "zero tile size", grid: Grid{CRS: ref, CellSize: 1}},
		{name: "origin out of range", grid: Grid{CRS: ref, CellSize: 1, TileWidth: 1, TileHeight: 1, OriginX: 1e300}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.grid.Validate(), ErrInvalidGrid)
		})
	}
	require.NoError(t, testGrid(t).Validate())
}

func TestTilesFor(t *testing.T) {
	g := testGrid(t)
	bounded := g
	bounded.MatrixWidth, bounded.MatrixHeight = 2, 2

	tests := []struct {
		name string
		grid Grid
		ext  geom.Extent
		want []Key
	}{
		{name: "exactly one tile", grid: g, ext: geom.Extent{0, 900, 100, 1000}, want: []Key{{0, 0}}},
		{name: "four tiles", grid: g, ext: geom.Extent{50, 850, 150, 950}, want: []Key{{0, 0}, {1, 0}, {0, 1}, {1, 1}}},
		{name: "point on a corner", grid: g, ext: geom.Extent{100, 900, 100, 900}, want: []Key{{1, 1}}},
		{name: "left of origin", grid: g, ext: geom.Extent{-500, -500, -50, 2000}, want: nil},
		{name: "straddling origin", grid: g, ext: geom.Extent{-50, 950, 50, 1050}, want: []Key{{0, 0}}},
		{name: "clipped to matrix", grid: bounded, ext: geom.Extent{0, 0, 1000, 1000}, want: []Key{{0, 0}, {1, 0}, {0, 1}, {1, 1}}},
		{name: "beyond matrix", grid: bounded, ext: geom.Extent{500, 0, 600, 100}, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys, err := tt.grid.TilesFor(tt.ext)
			require.NoError(t, err)
			assert.Equal(t, tt.want, keys)
		})
	}
}

func TestTilesForTooManyTiles(t *testing.T) {
	g := testGrid(t)
	g.OriginX, g.OriginY = -1e8, 1e8
	// 2e6 x 2e6 tiles of 100 m on an unbounded grid
	_, err := g.TilesFor(geom.Extent{-1e8, -1e8, 1e8, 1e8})
	require.ErrorIs(t, err, ErrInvalidGrid)

	// one long row of tiles is limited the same way
	_, err = g.TilesFor(geom.Extent{-1e8, 1e8 - 50, 1e8, 1e8})
	require.ErrorIs(t, err, ErrInvalidGrid)

	keys, err := g.TilesFor(geom.Extent{-1e8, 1e8 - 50, -1e8 + 1000, 1e8})
	require.NoError(t, err)
	assert.Len(t, keys, 10)
}

func TestGridString(t *testing.T) {
	g := testGrid(t)
	assert.Equal(t, "EPSG:28992 origin 0.000,1000.000 cell 10.000 tile 10x10", g.String())
	g.OriginX, g.CellSize = -285401.92, 3440.64
	assert.Equal(t, "EPSG:28992 origin -285401.920,1000.000 cell 3440.640 tile 10x10", g.String())
}

func TestTileSpec(t *testing.T) {
	g := testGrid(t)
	spec := g.TileSpec(Key{Col: 1, Row: 2})
	assert.Equal(t, raster.NorthUp(100, 800, 10, 10), spec.Geotransform)
	assert.Equal(t, 10, spec.Width)
	assert.Equal(t, geom.Extent{100, 700, 200, 800}, g.TileExtent(Key{Col: 1, Row: 2}))
}

func TestGridFromTileMatrix(t *testing.T) {
	rd, err := tms20.LoadEmbeddedTileMatrixSet("NetherlandsRDNewQuad")
	require.NoError(t, err)
	g, err := GridFromTileMatrix(rd, 0, rdNew(t))
	require.NoError(t, err)
	assert.InDelta(t, -285401.92, g.OriginX, 1e-6)
	assert.InDelta(t, 903401.92, g.OriginY, 1e-6)
	assert.Equal(t, 3440.64, g.CellSize)
	assert.Equal(t, 256, g.TileWidth)
	assert.Equal(t, uint(1), g.MatrixWidth)
	keys, err := g.TilesFor(geom.Extent{155000, 463000, 155001, 463001})
	require.NoError(t, err)
	assert.Equal(t, []Key{{0, 0}}, keys)

	_, err = GridFromTileMatrix(rd, 99, rdNew(t))
	require.ErrorIs(t, err, tms20.ErrUnknownTileMatrix)
}

func TestGridFromBottomLeftTileMatrix(t *testing.T) {
	local, err := tms20.LoadJSONTileMatrixSet(filepath.Join("..", "tms20", "testdata", "LocalBottomLeft.json"))
	require.NoError(t, err)
	g, err := GridFromTileMatrix(local, 0, rdNew(t))
	require.NoError(t, err)
	assert.Equal(t, 500000.0, g.OriginX)
	assert.Equal(t, 6300000.0, g.OriginY)
	assert.True(t, g.BottomLeft)
	assert.Equal(t, uint(7), g.MatrixRow(Key{Row: 0}))
	assert.Equal(t, uint(0), g.MatrixRow(Key{Row: 7}))

	// the tile above the origin corner is row 0 when counted from the bottom
	keys, err := g.TilesFor(geom.Extent{500001, 5500001, 500002, 5500002})
	require.NoError(t, err)
	require.Equal(t, []Key{{0, 7}}, keys)
	assert.Equal(t, uint(0), g.MatrixRow(keys[0]))
}
