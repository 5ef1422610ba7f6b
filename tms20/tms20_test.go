package tms20

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/slippy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmbeddedTileMatrixSet(t *testing.T) {
	tests := []struct {
		id        string
		code      string
		reference string
		zooms     int
	}{
		{id: "NetherlandsRDNewQuad", code: "28992", reference: "EPSG:28992", zooms: 17},
		{id: "WebMercatorQuad", code: "3857", reference: "EPSG:3857", zooms: 25},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, err := LoadEmbeddedTileMatrixSet(tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.code, got.CRS.AuthorityCode)
			assert.Equal(t, tt.reference, got.CRS.Reference())
			assert.Len(t, got.TileMatrices, tt.zooms)

			again, err := LoadEmbeddedTileMatrixSet(tt.id)
			require.NoError(t, err)
			assert.Same(t, got, again)
		})
	}
}

func TestLoadEmbeddedTileMatrixSetUnknown(t *testing.T) {
	_, err := LoadEmbeddedTileMatrixSet("NoSuchQuad")
	require.ErrorIs(t, err, ErrUnknownTileMatrixSet)
}

func TestLoad(t *testing.T) {
	got, err := Load("WebMercatorQuad")
	require.NoError(t, err)
	assert.Equal(t, "WebMercatorQuad", got.ID)

	got, err = Load(filepath.Join("testdata", "LocalBottomLeft.json"))
	require.NoError(t, err)
	assert.Equal(t, "EPSG:32631", got.CRS.Reference())
	assert.Equal(t, BottomLeft, got.TileMatrices[0].CornerOfOrigin)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestParseTileMatrixSetInvalid(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{name: "not json", json: `{`},
		{name: "missing crs", json: `{"tileMatrices": []}`},
		{name: "unparsable crs uri", json: `{"crs": "EPSG:3857", "tileMatrices": []}`},
		{name: "referenceSystem crs", json: `{"crs": {"referenceSystem": {}}, "tileMatrices": []}`},
		{name: "missing tile matrices", json: `{"crs": "http://www.opengis.net/def/crs/EPSG/0/3857"}`},
		{name: "empty tile matrices", json: `{"crs": "http://www.opengis.net/def/crs/EPSG/0/3857", "tileMatrices": []}`},
		{name: "zero cell size", json: `{"crs": "http://www.opengis.net/def/crs/EPSG/0/3857", "tileMatrices": [
			{"id": "0", "scaleDenominator": 1, "cellSize": 0, "pointOfOrigin": [1, 1],
			 "tileWidth": 256, "tileHeight": 256, "matrixWidth": 1, "matrixHeight": 1}]}`},
		{name: "non integer id", json: `{"crs": "http://www.opengis.net/def/crs/EPSG/0/3857", "tileMatrices": [
			{"id": "a", "scaleDenominator": 1, "cellSize": 1, "pointOfOrigin": [1, 1],
			 "tileWidth": 256, "tileHeight": 256, "matrixWidth": 1, "matrixHeight": 1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTileMatrixSet([]byte(tt.json))
			require.Error(t, err)
		})
	}
}

func TestCRSFromURN(t *testing.T) {
	c, err := unmarshalCRS(map[string]any{"uri": "urn:ogc:def:crs:EPSG::4326"})
	require.NoError(t, err)
	assert.Equal(t, "EPSG:4326", c.Reference())
}

func TestTileMatrixTopLeft(t *testing.T) {
	rd, err := LoadEmbeddedTileMatrixSet("NetherlandsRDNewQuad")
	require.NoError(t, err)
	tm, err := rd.TileMatrix(0)
	require.NoError(t, err)

	ext := tm.TileExtent(0, 0)
	assert.InDelta(t, -285401.92, ext[0], 1e-6)
	assert.InDelta(t, 22598.08, ext[1], 1e-6)
	assert.InDelta(t, 595401.92, ext[2], 1e-6)
	assert.InDelta(t, 903401.92, ext[3], 1e-6)

	_, err = rd.TileMatrix(99)
	require.ErrorIs(t, err, ErrUnknownTileMatrix)
}

func TestTileMatrixBottomLeft(t *testing.T) {
	tms, err := LoadJSONTileMatrixSet(filepath.Join("testdata", "LocalBottomLeft.json"))
	require.NoError(t, err)
	tm := tms.TileMatrices[0]

	x, y := tm.TopLeft(1, 2)
	assert.InDelta(t, 600000, x, 1e-9)
	assert.InDelta(t, 5800000, y, 1e-9)
	assert.Equal(t, geom.Extent{600000, 5700000, 700000, 5800000}, tm.TileExtent(1, 2))
	assert.Equal(t, geom.Extent{500000, 5500000, 900000, 6300000}, tm.MatrixBoundingBox())
}

func TestToNative(t *testing.T) {
	webMercator, err := LoadEmbeddedTileMatrixSet("WebMercatorQuad")
	require.NoError(t, err)

	pt, ok := webMercator.ToNative(slippy.NewTile(1, 1, 1))
	require.True(t, ok)
	assert.InDelta(t, 0, pt.X(), 1e-6)
	assert.InDelta(t, 0, pt.Y(), 1e-6)

	pt, ok = webMercator.ToNative(slippy.NewTile(0, 0, 0))
	require.True(t, ok)
	assert.InDelta(t, -20037508.3427892, pt.X(), 1e-6)
	assert.InDelta(t, 20037508.3427892, pt.Y(), 1e-6)

	_, ok = webMercator.ToNative(slippy.NewTile(1, 3, 0))
	assert.False(t, ok)
}

func TestSize(t *testing.T) {
	local, err := LoadJSONTileMatrixSet(filepath.Join("testdata", "LocalBottomLeft.json"))
	require.NoError(t, err)
	size, ok := local.Size(1)
	require.True(t, ok)
	assert.Equal(t, uint(8), size.X)
	assert.Equal(t, uint(16), size.Y)
	_, ok = local.Size(2)
	assert.False(t, ok)
}

func TestLoadJSONTileMatrixSetFromTempDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "urn.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"id": "Tiny",
		"crs": {"uri": "urn:ogc:def:crs:EPSG::28992", "description": "RD"},
		"tileMatrices": [{"id": "3", "scaleDenominator": 1, "cellSize": 2, "pointOfOrigin": [0, 100],
			"tileWidth": 10, "tileHeight": 10, "matrixWidth": 5, "matrixHeight": 5}]
	}`), 0o600))
	tms, err := LoadJSONTileMatrixSet(path)
	require.NoError(t, err)
	assert.Equal(t, "RD", tms.CRS.Description)
	assert.Equal(t, TopLeft, tms.TileMatrices[3].CornerOfOrigin)
	assert.Equal(t, geom.Extent{0, 0, 100, 100}, tms.TileMatrices[3].MatrixBoundingBox())
}
