package driver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pdok/landform/raster"
)

var esriHeaderKeys = map[string]bool{
	"ncols": true, "nrows": true,
	"xllcorner": true, "xllcenter": true, "yllcorner": true, "yllcenter": true,
	"cellsize": true, "dx": true, "dy": true,
	"nodata_value": true, "byteorder": true,
}

// esriHeader turns ESRI grid header keys (lower case) into a raster header
func esriHeader(desc SourceDescriptor, kv map[string]string) (rasterHeader, error) {
	var h rasterHeader
	num := func(key string) (float64, bool, error) {
		v, ok := kv[key]
		if !ok {
			return 0, false, nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, true, corrupt(desc, "header %s=%q", key, v)
		}
		return f, true, nil
	}
	ncols, okc, err := num("ncols")
	if err != nil {
		return h, err
	}
	nrows, okr, err := num("nrows")
	if err != nil {
		return h, err
	}
	if !okc || !okr {
		return h, corrupt(desc, "header lacks ncols/nrows")
	}
	dx, okdx, err := num("cellsize")
	if err != nil {
		return h, err
	}
	dy := dx
	if !okdx {
		if dx, okdx, err = num("dx"); err != nil {
			return h, err
		}
		if dy, _, err = num("dy"); err != nil {
			return h, err
		}
	}
	if !okdx || dx <= 0 || dy <= 0 {
		return h, corrupt(desc, "header lacks a positive cell size")
	}
	x, xCorner, err := num("xllcorner")
	if err != nil {
		return h, err
	}
	if !xCorner {
		var ok bool
		if x, ok, err = num("xllcenter"); err != nil || !ok {
			return h, corrupt(desc, "header lacks xllcorner/xllcenter")
		}
		x -= dx / 2
	}
	y, yCorner, err := num("yllcorner")
	if err != nil {
		return h, err
	}
	if !yCorner {
		var ok bool
		if y, ok, err = num("yllcenter"); err != nil || !ok {
			return h, corrupt(desc, "header lacks yllcorner/yllcenter")
		}
		y -= dy / 2
	}
	h.width, h.height = int(ncols), int(nrows)
	h.gt = raster.NorthUp(x, y+nrows*dy, dx, dy)
	h.noData = math.NaN()
	if nd, ok, err := num("nodata_value"); err != nil {
		return h, err
	} else if ok {
		h.noData = nd
	}
	return h, nil
}

// sidecar returns the path with its extension replaced
func sidecar(path, ext string) string {
	base := strings.TrimSuffix(path, extOf(path))
	return base + ext
}

func extOf(path string) string {
	i := strings.LastIndexByte(path, '.')
	if i < 0 || strings.ContainsAny(path[i:], `/\`) {
		return ""
	}
	return path[i:]
}

// readPrj returns the contents of the .prj next to path, "" when there is none
func readPrj(path string) string {
	b, err := os.ReadFile(sidecar(path, ".prj"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// AsciiGrid reads ESRI ASCII grids (.asc) with an optional .prj sidecar
type AsciiGrid struct{}

func (AsciiGrid) Name() string         { return "asciigrid" }
func (AsciiGrid) Kind() Kind           { return Raster }
func (AsciiGrid) Extensions() []string { return []string{".asc", ".grd"} }

func (AsciiGrid) Sniff(header []byte) bool {
	h := bytes.ToLower(bytes.TrimLeft(header, " \t\r\n"))
	return bytes.HasPrefix(h, []byte("ncols")) || bytes.HasPrefix(h, []byte("nrows"))
}

func (a AsciiGrid) Acquire() (Session, error) {
	return &session{open: a.open}, nil
}

func (AsciiGrid) open(ctx context.Context, desc SourceDescriptor, opts OpenOptions) (Stream, error) {
	f, err := os.Open(desc.Path)
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(bufio.ScanWords)

	kv := make(map[string]string)
	var pending *string
	for scanner.Scan() {
		key := strings.ToLower(scanner.Text())
		if !esriHeaderKeys[key] {
			first := scanner.Text()
			pending = &first
			break
		}
		if !scanner.Scan() {
			break
		}
		kv[key] = scanner.Text()
	}
	h, err := esriHeader(desc, kv)
	if err != nil {
		f.Close()
		return nil, err
	}
	h.crsText = readPrj(desc.Path)
	rr := &asciiRows{desc: desc, f: f, scanner: scanner, pending: pending}
	return newRasterStream(ctx, desc, opts, h, rr)
}

type asciiRows struct {
	desc    SourceDescriptor
	f       *os.File
	scanner *bufio.Scanner
	pending *string
}

func (r *asciiRows) readRows(n int, dst []float64) error {
	for i := range dst {
		var tok string
		if r.pending != nil {
			tok, r.pending = *r.pending, nil
		} else if r.scanner.Scan() {
			tok = r.scanner.Text()
		} else {
			if err := r.scanner.Err(); err != nil {
				return corrupt(r.desc, "reading samples: %v", err)
			}
			return corrupt(r.desc, "truncated after %d of %d samples in this window", i, len(dst))
		}
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return corrupt(r.desc, "sample %q", tok)
		}
		dst[i] = v
	}
	return nil
}

func (r *asciiRows) Close() error {
	return r.f.Close()
}

// FLT reads ESRI binary float grids: a .flt with 32-bit floats and a .hdr header
type FLT struct{}

func (FLT) Name() string         { return "flt" }
func (FLT) Kind() Kind           { return Raster }
func (FLT) Extensions() []string { return []string{".flt"} }
func (FLT) Sniff([]byte) bool    { return false }

func (d FLT) Acquire() (Session, error) {
	return &session{open: d.open}, nil
}

func (FLT) open(ctx context.Context, desc SourceDescriptor, opts OpenOptions) (Stream, error) {
	hdr, err := os.ReadFile(sidecar(desc.Path, ".hdr"))
	if err != nil {
		return nil, fmt.Errorf("%s: header: %w", desc, err)
	}
	kv := make(map[string]string)
	for _, line := range strings.Split(string(hdr), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			kv[strings.ToLower(fields[0])] = fields[1]
		}
	}
	h, err := esriHeader(desc, kv)
	if err != nil {
		return nil, err
	}
	var order binary.ByteOrder = binary.LittleEndian
	if bo := strings.ToUpper(kv["byteorder"]); bo == "MSBFIRST" || bo == "M" {
		order = binary.BigEndian
	}
	h.crsText = readPrj(desc.Path)
	f, err := os.Open(desc.Path)
	if err != nil {
		return nil, err
	}
	rr := &fltRows{desc: desc, f: f, r: bufio.NewReader(f), order: order}
	return newRasterStream(ctx, desc, opts, h, rr)
}

type fltRows struct {
	desc  SourceDescriptor
	f     *os.File
	r     *bufio.Reader
	order binary.ByteOrder
	buf   []byte
}

func (r *fltRows) readRows(_ int, dst []float64) error {
	if cap(r.buf) < len(dst)*4 {
		r.buf = make([]byte, len(dst)*4)
	}
	buf := r.buf[:len(dst)*4]
	if _, err := io.ReadFull(r.r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return corrupt(r.desc, "truncated sample data")
		}
		return err
	}
	for i := range dst {
		dst[i] = float64(math.Float32frombits(r.order.Uint32(buf[i*4:])))
	}
	return nil
}

func (r *fltRows) Close() error {
	return r.f.Close()
}
