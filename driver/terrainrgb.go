package driver

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-spatial/geom/slippy"

	"github.com/pdok/landform/raster"
	"github.com/pdok/landform/tms20"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

const (
	terrainRGBBase  = -10000
	terrainRGBScale = 0.1
	webMercatorTMS  = "WebMercatorQuad"
)

// TerrainRGB reads Mapbox terrain-RGB PNG tiles. A tile is georeferenced by its
// {z}/{x}/{y}.png path in WebMercatorQuad, or by a .pgw world file next to it.
type TerrainRGB struct{}

func (TerrainRGB) Name() string         { return "terrainrgb" }
func (TerrainRGB) Kind() Kind           { return Raster }
func (TerrainRGB) Extensions() []string { return []string{".png", ".pngraw"} }

func (TerrainRGB) Sniff(header []byte) bool {
	return bytes.HasPrefix(header, pngSignature)
}

func (d TerrainRGB) Acquire() (Session, error) {
	tms, err := tms20.LoadEmbeddedTileMatrixSet(webMercatorTMS)
	if err != nil {
		return nil, err
	}
	return &session{open: func(ctx context.Context, desc SourceDescriptor, opts OpenOptions) (Stream, error) {
		return openTerrainRGB(ctx, tms, desc, opts)
	}}, nil
}

// TerrainRGBHeight decodes one pixel
func TerrainRGBHeight(r, g, b uint8) float64 {
	return terrainRGBBase + float64(uint32(r)<<16|uint32(g)<<8|uint32(b))*terrainRGBScale
}

func openTerrainRGB(ctx context.Context, tms *tms20.TileMatrixSet, desc SourceDescriptor, opts OpenOptions) (Stream, error) {
	f, err := os.Open(desc.Path)
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(f)
	f.Close()
	if err != nil {
		return nil, corrupt(desc, "png: %v", err)
	}
	bounds := img.Bounds()
	h := rasterHeader{width: bounds.Dx(), height: bounds.Dy(), noData: math.NaN()}

	if gt, ok, err := readWorldFile(sidecar(desc.Path, ".pgw")); err != nil {
		return nil, corrupt(desc, "world file: %v", err)
	} else if ok {
		h.gt = gt
		h.crsText = readPrj(desc.Path)
	} else if tile, ok := tileFromPath(desc.Path); ok {
		if h.gt, err = tileGeotransform(tms, tile, h.width, h.height); err != nil {
			return nil, fmt.Errorf("%s: %w", desc, err)
		}
	} else {
		return nil, fmt.Errorf("%s: neither a .pgw world file nor a z/x/y path: %w", desc, ErrMissingReference)
	}
	if h.crsText == "" {
		h.crsText = "EPSG:3857"
	}
	return newRasterStream(ctx, desc, opts, h, &imageRows{img: img})
}

// tileFromPath parses a path ending in {z}/{x}/{y}.png
func tileFromPath(path string) (*slippy.Tile, bool) {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) < 3 {
		return nil, false
	}
	n := len(parts)
	y := strings.TrimSuffix(parts[n-1], extOf(parts[n-1]))
	var zxy [3]uint
	for i, s := range []string{parts[n-3], parts[n-2], y} {
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, false
		}
		zxy[i] = uint(v)
	}
	return slippy.NewTile(zxy[0], zxy[1], zxy[2]), true
}

func tileGeotransform(tms *tms20.TileMatrixSet, tile *slippy.Tile, width, height int) (raster.Geotransform, error) {
	size, ok := tms.Size(tile.Z)
	if !ok || tile.X >= size.X || tile.Y >= size.Y {
		return raster.Geotransform{}, fmt.Errorf("tile %d/%d/%d outside %s: %w", tile.Z, tile.X, tile.Y, tms.ID, ErrCorruptSource)
	}
	topLeft, _ := tms.ToNative(tile)
	bottomRight, _ := tms.ToNative(slippy.NewTile(tile.Z, tile.X+1, tile.Y+1))
	// tiles may be rendered at 512 pixels for a 256 pixel matrix
	return raster.NorthUp(topLeft.X(), topLeft.Y(),
		(bottomRight.X()-topLeft.X())/float64(width), (topLeft.Y()-bottomRight.Y())/float64(height)), nil
}

// readWorldFile reads the six lines of an ESRI world file. The translation
// terms in the file address the centre of the top-left pixel.
func readWorldFile(path string) (raster.Geotransform, bool, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return raster.Geotransform{}, false, nil
	} else if err != nil {
		return raster.Geotransform{}, false, err
	}
	fields := strings.Fields(string(b))
	if len(fields) < 6 {
		return raster.Geotransform{}, false, fmt.Errorf("%d of 6 terms", len(fields))
	}
	var v [6]float64
	for i := range v {
		if v[i], err = strconv.ParseFloat(fields[i], 64); err != nil {
			return raster.Geotransform{}, false, err
		}
	}
	a, d, bb, e, c, f := v[0], v[1], v[2], v[3], v[4], v[5]
	return raster.Geotransform{c - a/2 - bb/2, a, bb, f - d/2 - e/2, d, e}, true, nil
}

// imageRows decodes terrain-RGB pixels row by row; transparent pixels are no-data
type imageRows struct {
	img image.Image
	row int
}

func (r *imageRows) readRows(n int, dst []float64) error {
	b := r.img.Bounds()
	w := b.Dx()
	for i := 0; i < n; i++ {
		y := b.Min.Y + r.row + i
		for x := 0; x < w; x++ {
			cr, cg, cb, ca := r.img.At(b.Min.X+x, y).RGBA()
			if ca == 0 {
				dst[i*w+x] = math.NaN()
				continue
			}
			if ca != 0xffff {
				// RGBA() is alpha premultiplied
				cr, cg, cb = cr*0xffff/ca, cg*0xffff/ca, cb*0xffff/ca
			}
			dst[i*w+x] = TerrainRGBHeight(uint8(cr>>8), uint8(cg>>8), uint8(cb>>8))
		}
	}
	r.row += n
	return nil
}

func (r *imageRows) Close() error {
	r.img = nil
	return nil
}
