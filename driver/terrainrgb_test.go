package driver

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/landform/raster"
	"github.com/pdok/landform/tms20"
)

func writeTerrainRGB(t *testing.T, path string, size int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			// 100000 + x*10 + y*100 tenths of a metre above -10000
			v := 100000 + x*10 + y*100
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255})
		}
	}
	img.SetNRGBA(0, 0, color.NRGBA{})
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestTerrainRGBHeight(t *testing.T) {
	assert.InDelta(t, -10000, TerrainRGBHeight(0, 0, 0), 1e-9)
	assert.InDelta(t, 0, TerrainRGBHeight(1, 134, 160), 1e-9)
	assert.InDelta(t, 1677721.5, TerrainRGBHeight(255, 255, 255)+10000, 1e-6)
}

func TestTerrainRGBTilePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "12", "2105", "1346.png")
	writeTerrainRGB(t, path, 4)

	s := openStream(t, SourceDescriptor{Path: path}, OpenOptions{Resolver: newResolver(t)})
	assert.Equal(t, "EPSG:3857", s.CRS().ID)
	records, err := drain(s)
	require.NoError(t, err)
	require.Len(t, records, 1)
	block := records[0].Raster

	tms, err := tms20.LoadEmbeddedTileMatrixSet("WebMercatorQuad")
	require.NoError(t, err)
	ext := tms.TileMatrices[12].TileExtent(2105, 1346)
	cell := (ext[2] - ext[0]) / 4
	want := raster.NorthUp(ext[0], ext[3], cell, cell)
	for i := range want {
		assert.InDelta(t, want[i], block.Geotransform[i], 1e-6)
	}

	assert.True(t, math.IsNaN(block.At(0, 0)))
	assert.True(t, block.IsNoData(block.At(0, 0)))
	assert.InDelta(t, 1, block.At(1, 0), 1e-9)
	assert.InDelta(t, 10+3, block.At(3, 1), 1e-9)
	assert.Equal(t, 15, block.ValidCount())
}

func TestTerrainRGBWorldFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dem.png")
	writeTerrainRGB(t, path, 2)
	writeFile(t, filepath.Join(dir, "dem.pgw"), "10\n0\n0\n-10\n1005\n1995\n")
	writeFile(t, filepath.Join(dir, "dem.prj"), "EPSG:28992")

	s := openStream(t, SourceDescriptor{Path: path}, OpenOptions{Resolver: newResolver(t)})
	assert.Equal(t, "EPSG:28992", s.CRS().ID)
	records, err := drain(s)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, raster.Geotransform{1000, 10, 0, 2000, 0, -10}, records[0].Raster.Geotransform)
}

func TestTerrainRGBTileOutsideMatrix(t *testing.T) {
	for _, zxy := range [][3]string{{"1", "2", "0"}, {"1", "0", "2"}, {"31", "0", "0"}} {
		path := filepath.Join(t.TempDir(), zxy[0], zxy[1], zxy[2]+".png")
		writeTerrainRGB(t, path, 2)
		sess, err := TerrainRGB{}.Acquire()
		require.NoError(t, err)
		_, err = sess.Open(context.Background(), SourceDescriptor{Path: path}, OpenOptions{Resolver: newResolver(t)})
		require.ErrorIs(t, err, ErrCorruptSource, path)
		require.NoError(t, sess.Close())
	}
}

func TestTerrainRGBUngeoreferenced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dem.png")
	writeTerrainRGB(t, path, 2)
	sess, err := TerrainRGB{}.Acquire()
	require.NoError(t, err)
	defer sess.Close()
	_, err = sess.Open(context.Background(), SourceDescriptor{Path: path}, OpenOptions{Resolver: newResolver(t)})
	require.ErrorIs(t, err, ErrMissingReference)
}

func TestTileFromPath(t *testing.T) {
	tile, ok := tileFromPath(filepath.Join("tiles", "3", "4", "5.png"))
	require.True(t, ok)
	assert.Equal(t, [3]uint{3, 4, 5}, [3]uint{tile.Z, tile.X, tile.Y})
	_, ok = tileFromPath(filepath.Join("tiles", "a", "4", "5.png"))
	assert.False(t, ok)
}
