package driver

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pdok/landform/crs"
)

func newResolver(t *testing.T) *crs.Resolver {
	t.Helper()
	r := crs.NewResolver()
	t.Cleanup(r.Close)
	return r
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// writeASCIIGrid writes rows of samples as an ESRI ASCII grid with lower left corner (x, y)
func writeASCIIGrid(t *testing.T, path string, x, y, cell float64, noData string, rows [][]float64, declaredRows int) string {
	t.Helper()
	var sb strings.Builder
	fmt.Fprintf(&sb, "ncols %d\nnrows %d\nxllcorner %g\nyllcorner %g\ncellsize %g\n", len(rows[0]), declaredRows, x, y, cell)
	if noData != "" {
		fmt.Fprintf(&sb, "NODATA_value %s\n", noData)
	}
	for _, row := range rows {
		for i, v := range row {
			if i > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%g", v)
		}
		sb.WriteByte('\n')
	}
	return writeFile(t, path, sb.String())
}

// openStream resolves desc against the default registry and opens it in a fresh session
func openStream(t *testing.T, desc SourceDescriptor, opts OpenOptions) Stream {
	t.Helper()
	d, err := DefaultRegistry().Resolve(desc)
	require.NoError(t, err)
	sess, err := d.Acquire()
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	s, err := sess.Open(context.Background(), desc, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// drain reads records until the stream ends or fails
func drain(s Stream) ([]Record, error) {
	var out []Record
	for {
		rec, err := s.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

type tiffFixture struct {
	width, height int
	rowsPerStrip  int
	tileSize      int
	deflate       bool
	data          []float32
	minX, maxY    float64
	cell          float64
	epsg          uint16
	noData        string
}

type tiffTag struct {
	tag   uint16
	typ   uint16
	count uint32
	value []byte
}

// writeTIFF encodes fx as a little endian float32 GeoTIFF
func writeTIFF(t *testing.T, path string, fx tiffFixture) string {
	t.Helper()
	le := binary.LittleEndian
	var buf bytes.Buffer
	buf.Write([]byte("II*\x00\x00\x00\x00\x00"))

	encode := func(samples []float32) []byte {
		raw := make([]byte, 4*len(samples))
		for i, v := range samples {
			le.PutUint32(raw[i*4:], math.Float32bits(v))
		}
		if !fx.deflate {
			return raw
		}
		var z bytes.Buffer
		zw := zlib.NewWriter(&z)
		_, err := zw.Write(raw)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		return z.Bytes()
	}
	var chunks [][]float32
	if fx.tileSize > 0 {
		across := (fx.width + fx.tileSize - 1) / fx.tileSize
		down := (fx.height + fx.tileSize - 1) / fx.tileSize
		for ty := 0; ty < down; ty++ {
			for tx := 0; tx < across; tx++ {
				tile := make([]float32, fx.tileSize*fx.tileSize)
				for r := 0; r < fx.tileSize; r++ {
					for c := 0; c < fx.tileSize; c++ {
						x, y := tx*fx.tileSize+c, ty*fx.tileSize+r
						if x < fx.width && y < fx.height {
							tile[r*fx.tileSize+c] = fx.data[y*fx.width+x]
						}
					}
				}
				chunks = append(chunks, tile)
			}
		}
	} else {
		rps := fx.rowsPerStrip
		if rps == 0 {
			rps = fx.height
		}
		for r := 0; r < fx.height; r += rps {
			end := min(r+rps, fx.height)
			chunks = append(chunks, fx.data[r*fx.width:end*fx.width])
		}
	}
	var offsets, counts []uint32
	for _, c := range chunks {
		enc := encode(c)
		offsets = append(offsets, uint32(buf.Len()))
		counts = append(counts, uint32(len(enc)))
		buf.Write(enc)
	}

	longs := func(v ...uint32) []byte {
		b := make([]byte, 4*len(v))
		for i, x := range v {
			le.PutUint32(b[i*4:], x)
		}
		return b
	}
	shorts := func(v ...uint16) []byte {
		b := make([]byte, 2*len(v))
		for i, x := range v {
			le.PutUint16(b[i*2:], x)
		}
		return b
	}
	doubles := func(v ...float64) []byte {
		b := make([]byte, 8*len(v))
		for i, x := range v {
			le.PutUint64(b[i*8:], math.Float64bits(x))
		}
		return b
	}
	tags := []tiffTag{
		{tagImageWidth, 4, 1, longs(uint32(fx.width))},
		{tagImageLength, 4, 1, longs(uint32(fx.height))},
		{tagBitsPerSample, 3, 1, shorts(32)},
		{tagSamplesPerPixel, 3, 1, shorts(1)},
		{tagSampleFormat, 3, 1, shorts(sampleFormatFloat)},
		{tagModelPixelScale, 12, 3, doubles(fx.cell, fx.cell, 0)},
		{tagModelTiepoint, 12, 6, doubles(0, 0, 0, fx.minX, fx.maxY, 0)},
	}
	compression := uint16(compressionNone)
	if fx.deflate {
		compression = compressionDeflate
	}
	tags = append(tags, tiffTag{tagCompression, 3, 1, shorts(compression)})
	if fx.tileSize > 0 {
		tags = append(tags,
			tiffTag{tagTileWidth, 4, 1, longs(uint32(fx.tileSize))},
			tiffTag{tagTileLength, 4, 1, longs(uint32(fx.tileSize))},
			tiffTag{tagTileOffsets, 4, uint32(len(offsets)), longs(offsets...)},
			tiffTag{tagTileByteCounts, 4, uint32(len(counts)), longs(counts...)},
		)
	} else {
		rps := fx.rowsPerStrip
		if rps == 0 {
			rps = fx.height
		}
		tags = append(tags,
			tiffTag{tagRowsPerStrip, 4, 1, longs(uint32(rps))},
			tiffTag{tagStripOffsets, 4, uint32(len(offsets)), longs(offsets...)},
			tiffTag{tagStripByteCounts, 4, uint32(len(counts)), longs(counts...)},
		)
	}
	if fx.epsg != 0 {
		tags = append(tags, tiffTag{tagGeoKeyDirectory, 3, 8, shorts(1, 1, 0, 1, keyProjectedCSType, 0, 1, fx.epsg)})
	}
	if fx.noData != "" {
		tags = append(tags, tiffTag{tagGDALNoData, 2, uint32(len(fx.noData) + 1), []byte(fx.noData + "\x00")})
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].tag < tags[j].tag })

	// out of line values go before the directory
	valueOffsets := make([]uint32, len(tags))
	for i, tg := range tags {
		if len(tg.value) > 4 {
			if buf.Len()%2 == 1 {
				buf.WriteByte(0)
			}
			valueOffsets[i] = uint32(buf.Len())
			buf.Write(tg.value)
		}
	}
	if buf.Len()%2 == 1 {
		buf.WriteByte(0)
	}
	ifd := uint32(buf.Len())
	buf.Write(shorts(uint16(len(tags))))
	for i, tg := range tags {
		entry := make([]byte, 12)
		le.PutUint16(entry, tg.tag)
		le.PutUint16(entry[2:], tg.typ)
		le.PutUint32(entry[4:], tg.count)
		if len(tg.value) > 4 {
			le.PutUint32(entry[8:], valueOffsets[i])
		} else {
			copy(entry[8:], tg.value)
		}
		buf.Write(entry)
	}
	buf.Write(longs(0))

	out := buf.Bytes()
	le.PutUint32(out[4:], ifd)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, out, 0o600))
	return path
}

func mustParse(t *testing.T, text string) *crs.CoordinateReference {
	t.Helper()
	ref, err := newResolver(t).Parse(text)
	require.NoError(t, err)
	return ref
}
