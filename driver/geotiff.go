package driver

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// TIFF tags and GeoKeys this reader understands
const (
	tagImageWidth       = 256
	tagImageLength      = 257
	tagBitsPerSample    = 258
	tagCompression      = 259
	tagStripOffsets     = 273
	tagSamplesPerPixel  = 277
	tagRowsPerStrip     = 278
	tagStripByteCounts  = 279
	tagPlanarConfig     = 284
	tagPredictor        = 317
	tagTileWidth        = 322
	tagTileLength       = 323
	tagTileOffsets      = 324
	tagTileByteCounts   = 325
	tagSampleFormat     = 339
	tagModelPixelScale  = 33550
	tagModelTiepoint    = 33922
	tagModelTransform   = 34264
	tagGeoKeyDirectory  = 34735
	tagGDALNoData       = 42113
	keyRasterType       = 1025
	keyGeographicType   = 2048
	keyProjectedCSType  = 3072
	rasterPixelIsPoint  = 2
	geoKeyUserDefined   = 32767
	compressionNone     = 1
	compressionDeflate  = 8
	compressionDeflate2 = 32946
	sampleFormatUint    = 1
	sampleFormatInt     = 2
	sampleFormatFloat   = 3
)

var typeSizes = map[uint16]int{1: 1, 2: 1, 3: 2, 4: 4, 5: 8, 6: 1, 7: 1, 8: 2, 9: 4, 10: 8, 11: 4, 12: 8}

type ifdEntry struct {
	typ   uint16
	count uint32
	raw   []byte
}

// GeoTIFF reads single band GeoTIFFs, striped or tiled, uncompressed or deflated
type GeoTIFF struct{}

func (GeoTIFF) Name() string         { return "geotiff" }
func (GeoTIFF) Kind() Kind           { return Raster }
func (GeoTIFF) Extensions() []string { return []string{".tif", ".tiff"} }

func (GeoTIFF) Sniff(header []byte) bool {
	return bytes.HasPrefix(header, []byte("II*\x00")) || bytes.HasPrefix(header, []byte("MM\x00*"))
}

func (d GeoTIFF) Acquire() (Session, error) {
	return &session{open: d.open}, nil
}

func (GeoTIFF) open(ctx context.Context, desc SourceDescriptor, opts OpenOptions) (Stream, error) {
	f, err := os.Open(desc.Path)
	if err != nil {
		return nil, err
	}
	t, err := readTIFF(desc, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	h, err := t.header()
	if err != nil {
		f.Close()
		return nil, err
	}
	return newRasterStream(ctx, desc, opts, h, t)
}

type tiff struct {
	desc    SourceDescriptor
	f       *os.File
	order   binary.ByteOrder
	entries map[uint16]ifdEntry

	width, height int
	bits, format  int
	compression   int
	predictor     int
	bandWidth     int // tile width, or image width for strips
	bandHeight    int // tile length or rows per strip
	tiled         bool
	offsets       []uint64
	counts        []uint64
	tilesAcross   int

	band      []float64 // decoded rows of the current band, image width wide
	bandIndex int
	row       int // next row readRows returns
}

func readTIFF(desc SourceDescriptor, f *os.File) (*tiff, error) {
	head := make([]byte, 8)
	if _, err := io.ReadFull(f, head); err != nil {
		return nil, corrupt(desc, "tiff header: %v", err)
	}
	t := &tiff{desc: desc, f: f, entries: make(map[uint16]ifdEntry), bandIndex: -1}
	switch string(head[:2]) {
	case "II":
		t.order = binary.LittleEndian
	case "MM":
		t.order = binary.BigEndian
	default:
		return nil, corrupt(desc, "not a tiff")
	}
	if magic := t.order.Uint16(head[2:]); magic != 42 {
		return nil, corrupt(desc, "tiff magic %d (BigTIFF is not supported)", magic)
	}
	off := int64(t.order.Uint32(head[4:]))
	cnt := make([]byte, 2)
	if _, err := f.ReadAt(cnt, off); err != nil {
		return nil, corrupt(desc, "ifd at %d: %v", off, err)
	}
	n := int(t.order.Uint16(cnt))
	buf := make([]byte, 12*n)
	if _, err := f.ReadAt(buf, off+2); err != nil {
		return nil, corrupt(desc, "ifd entries: %v", err)
	}
	for i := 0; i < n; i++ {
		e := buf[i*12 : i*12+12]
		tag := t.order.Uint16(e)
		entry := ifdEntry{typ: t.order.Uint16(e[2:]), count: t.order.Uint32(e[4:])}
		size, ok := typeSizes[entry.typ]
		if !ok {
			continue
		}
		total := size * int(entry.count)
		if total <= 4 {
			entry.raw = e[8 : 8+total]
		} else {
			entry.raw = make([]byte, total)
			if _, err := f.ReadAt(entry.raw, int64(t.order.Uint32(e[8:]))); err != nil {
				return nil, corrupt(desc, "tag %d value: %v", tag, err)
			}
		}
		t.entries[tag] = entry
	}
	return t, nil
}

// uints returns integer tag values, nil when the tag is absent
func (t *tiff) uints(tag uint16) []uint64 {
	e, ok := t.entries[tag]
	if !ok {
		return nil
	}
	out := make([]uint64, e.count)
	for i := range out {
		switch e.typ {
		case 1, 6, 7:
			out[i] = uint64(e.raw[i])
		case 3, 8:
			out[i] = uint64(t.order.Uint16(e.raw[i*2:]))
		case 4, 9:
			out[i] = uint64(t.order.Uint32(e.raw[i*4:]))
		default:
			return nil
		}
	}
	return out
}

func (t *tiff) uintOr(tag uint16, def int) int {
	if v := t.uints(tag); len(v) > 0 {
		return int(v[0])
	}
	return def
}

func (t *tiff) doubles(tag uint16) []float64 {
	e, ok := t.entries[tag]
	if !ok || e.typ != 12 {
		return nil
	}
	out := make([]float64, e.count)
	for i := range out {
		out[i] = math.Float64frombits(t.order.Uint64(e.raw[i*8:]))
	}
	return out
}

func (t *tiff) ascii(tag uint16) string {
	e, ok := t.entries[tag]
	if !ok || e.typ != 2 {
		return ""
	}
	return strings.TrimRight(string(e.raw), "\x00 ")
}

func (t *tiff) header() (rasterHeader, error) {
	var h rasterHeader
	t.width = t.uintOr(tagImageWidth, 0)
	t.height = t.uintOr(tagImageLength, 0)
	t.bits = t.uintOr(tagBitsPerSample, 1)
	t.format = t.uintOr(tagSampleFormat, sampleFormatUint)
	t.compression = t.uintOr(tagCompression, compressionNone)
	t.predictor = t.uintOr(tagPredictor, 1)
	if spp := t.uintOr(tagSamplesPerPixel, 1); spp != 1 {
		return h, corrupt(t.desc, "%d samples per pixel, only single band rasters are read", spp)
	}
	if pc := t.uintOr(tagPlanarConfig, 1); pc != 1 {
		return h, corrupt(t.desc, "planar configuration %d", pc)
	}
	switch t.compression {
	case compressionNone, compressionDeflate, compressionDeflate2:
	default:
		return h, corrupt(t.desc, "compression %d", t.compression)
	}
	if t.predictor != 1 && !(t.predictor == 2 && t.format != sampleFormatFloat) {
		return h, corrupt(t.desc, "predictor %d for sample format %d", t.predictor, t.format)
	}
	if _, err := t.sampleAt(make([]byte, 8), 0); err != nil {
		return h, err
	}
	if tw := t.uintOr(tagTileWidth, 0); tw > 0 {
		t.tiled = true
		t.bandWidth = tw
		t.bandHeight = t.uintOr(tagTileLength, 0)
		t.offsets, t.counts = t.uints(tagTileOffsets), t.uints(tagTileByteCounts)
		if t.bandHeight <= 0 {
			return h, corrupt(t.desc, "tile length missing")
		}
		t.tilesAcross = (t.width + tw - 1) / tw
		tilesDown := (t.height + t.bandHeight - 1) / t.bandHeight
		if len(t.offsets) < t.tilesAcross*tilesDown || len(t.counts) < len(t.offsets) {
			return h, corrupt(t.desc, "%d tile offsets for %dx%d tiles", len(t.offsets), t.tilesAcross, tilesDown)
		}
	} else {
		t.bandWidth = t.width
		t.bandHeight = min(t.uintOr(tagRowsPerStrip, t.height), t.height)
		t.offsets, t.counts = t.uints(tagStripOffsets), t.uints(tagStripByteCounts)
		if t.bandHeight <= 0 {
			return h, corrupt(t.desc, "rows per strip %d", t.bandHeight)
		}
		strips := (t.height + t.bandHeight - 1) / t.bandHeight
		if len(t.offsets) < strips || len(t.counts) < strips {
			return h, corrupt(t.desc, "%d strip offsets for %d strips", len(t.offsets), strips)
		}
	}

	h.width, h.height = t.width, t.height
	if m := t.doubles(tagModelTransform); len(m) >= 8 {
		h.gt = [6]float64{m[3], m[0], m[1], m[7], m[4], m[5]}
	} else {
		scale, tie := t.doubles(tagModelPixelScale), t.doubles(tagModelTiepoint)
		if len(scale) < 2 || len(tie) < 6 {
			return h, corrupt(t.desc, "no georeferencing tags")
		}
		h.gt = [6]float64{tie[3] - tie[0]*scale[0], scale[0], 0, tie[4] + tie[1]*scale[1], 0, -scale[1]}
	}
	keys := t.geoKeys()
	if keys[keyRasterType] == rasterPixelIsPoint {
		h.gt[0] -= h.gt[1] / 2
		h.gt[3] -= h.gt[5] / 2
	}
	if code := keys[keyProjectedCSType]; code != 0 && code != geoKeyUserDefined {
		h.crsText = fmt.Sprintf("EPSG:%d", code)
	} else if code := keys[keyGeographicType]; code != 0 && code != geoKeyUserDefined {
		h.crsText = fmt.Sprintf("EPSG:%d", code)
	}
	h.noData = math.NaN()
	if nd := t.ascii(tagGDALNoData); nd != "" {
		v, err := strconv.ParseFloat(strings.TrimSpace(nd), 64)
		if err != nil {
			return h, corrupt(t.desc, "GDAL_NODATA %q", nd)
		}
		h.noData = v
	}
	return h, nil
}

// geoKeys returns the short valued GeoKeys stored inline in the directory
func (t *tiff) geoKeys() map[int]int {
	keys := make(map[int]int)
	dir := t.uints(tagGeoKeyDirectory)
	if len(dir) < 4 {
		return keys
	}
	n := int(dir[3])
	for i := 0; i < n && 4+i*4+3 < len(dir); i++ {
		k := dir[4+i*4 : 8+i*4]
		if k[1] == 0 && k[2] == 1 {
			keys[int(k[0])] = int(k[3])
		}
	}
	return keys
}

func (t *tiff) bytesPerSample() int {
	return t.bits / 8
}

// sampleAt decodes sample i of buf according to the sample format
func (t *tiff) sampleAt(buf []byte, i int) (float64, error) {
	switch {
	case t.format == sampleFormatUint && t.bits == 8:
		return float64(buf[i]), nil
	case t.format == sampleFormatUint && t.bits == 16:
		return float64(t.order.Uint16(buf[i*2:])), nil
	case t.format == sampleFormatInt && t.bits == 16:
		return float64(int16(t.order.Uint16(buf[i*2:]))), nil
	case t.format == sampleFormatUint && t.bits == 32:
		return float64(t.order.Uint32(buf[i*4:])), nil
	case t.format == sampleFormatInt && t.bits == 32:
		return float64(int32(t.order.Uint32(buf[i*4:]))), nil
	case t.format == sampleFormatFloat && t.bits == 32:
		return float64(math.Float32frombits(t.order.Uint32(buf[i*4:]))), nil
	case t.format == sampleFormatFloat && t.bits == 64:
		return math.Float64frombits(t.order.Uint64(buf[i*8:])), nil
	}
	return 0, corrupt(t.desc, "sample format %d with %d bits", t.format, t.bits)
}

// chunk reads and decompresses strip or tile i
func (t *tiff) chunk(i int) ([]byte, error) {
	raw := make([]byte, t.counts[i])
	if _, err := t.f.ReadAt(raw, int64(t.offsets[i])); err != nil {
		return nil, corrupt(t.desc, "chunk %d: %v", i, err)
	}
	if t.compression == compressionNone {
		return raw, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, corrupt(t.desc, "chunk %d: %v", i, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, corrupt(t.desc, "chunk %d: %v", i, err)
	}
	return out, nil
}

// undoPredictor reverses horizontal differencing, row by row of width samples
func (t *tiff) undoPredictor(buf []byte, width int) {
	bps := t.bytesPerSample()
	rowBytes := width * bps
	for r := 0; r+rowBytes <= len(buf); r += rowBytes {
		row := buf[r : r+rowBytes]
		for i := 1; i < width; i++ {
			switch bps {
			case 1:
				row[i] += row[i-1]
			case 2:
				t.order.PutUint16(row[i*2:], t.order.Uint16(row[i*2:])+t.order.Uint16(row[(i-1)*2:]))
			case 4:
				t.order.PutUint32(row[i*4:], t.order.Uint32(row[i*4:])+t.order.Uint32(row[(i-1)*4:]))
			}
		}
	}
}

// loadBand decodes band b (a strip, or a row of tiles) into t.band
func (t *tiff) loadBand(b int) error {
	rows := min(t.bandHeight, t.height-b*t.bandHeight)
	band := make([]float64, t.width*rows)
	bps := t.bytesPerSample()
	chunks := 1
	if t.tiled {
		chunks = t.tilesAcross
	}
	for c := 0; c < chunks; c++ {
		idx := b
		if t.tiled {
			idx = b*t.tilesAcross + c
		}
		buf, err := t.chunk(idx)
		if err != nil {
			return err
		}
		if t.predictor == 2 {
			t.undoPredictor(buf, t.bandWidth)
		}
		x0 := c * t.bandWidth
		cols := min(t.bandWidth, t.width-x0)
		for r := 0; r < rows; r++ {
			for col := 0; col < cols; col++ {
				i := r*t.bandWidth + col
				if (i+1)*bps > len(buf) {
					return corrupt(t.desc, "chunk %d holds %d bytes", idx, len(buf))
				}
				v, err := t.sampleAt(buf, i)
				if err != nil {
					return err
				}
				band[r*t.width+x0+col] = v
			}
		}
	}
	t.band, t.bandIndex = band, b
	return nil
}

func (t *tiff) readRows(n int, dst []float64) error {
	for i := 0; i < n; i++ {
		if t.row >= t.height {
			return corrupt(t.desc, "read past last row")
		}
		b := t.row / t.bandHeight
		if b != t.bandIndex {
			if err := t.loadBand(b); err != nil {
				return err
			}
		}
		r := t.row - b*t.bandHeight
		copy(dst[i*t.width:(i+1)*t.width], t.band[r*t.width:(r+1)*t.width])
		t.row++
	}
	return nil
}

func (t *tiff) Close() error {
	t.band = nil
	return t.f.Close()
}
