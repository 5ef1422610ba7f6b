// Package driver turns source files into streams of raster blocks and vector features.
//
// Drivers are plain values collected in a Registry table. A driver is used through a
// Session acquired per job, so driver state never outlives the job that needed it.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/go-spatial/geom"

	"github.com/pdok/landform/crs"
	"github.com/pdok/landform/raster"
	"github.com/pdok/landform/vector"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrAmbiguousFormat   = errors.New("ambiguous format")
	ErrCorruptSource     = errors.New("corrupt source")
	ErrResourceExhausted = errors.New("memory budget exhausted")
	ErrMissingReference  = errors.New("source has no coordinate reference")
	ErrSessionClosed     = errors.New("driver session closed")
)

// headerSize is how many leading bytes Sniff gets to see
const headerSize = 512

type Kind int

const (
	Raster Kind = iota
	Vector
)

func (k Kind) String() string {
	if k == Vector {
		return "vector"
	}
	return "raster"
}

// SourceDescriptor names one input of a job. It is not modified once the job starts.
type SourceDescriptor struct {
	ID   string
	Path string
	// Format is an optional hint: a driver name or a file extension
	Format string
	// CRS overrides the reference found in the source itself
	CRS string
	// Resolution ranks overlapping sources, higher is finer. 0 derives it from the source.
	Resolution float64
	// Weight is the blend weight in average mode
	Weight float64
	// Layer restricts vector sources to one table or collection
	Layer string
	// ClassAttribute names the attribute holding a feature's class; the layer name is used when empty
	ClassAttribute string
	// Extent is an optional declared bounding box in the source's reference
	Extent *geom.Extent
}

func (d SourceDescriptor) String() string {
	if d.ID != "" {
		return d.ID
	}
	return d.Path
}

// Record is either a raster block or a vector feature
type Record struct {
	Raster  *raster.Block
	Feature *vector.Feature
}

type OpenOptions struct {
	// MemoryBudget bounds the bytes of one raster window; 0 reads whole rasters
	MemoryBudget int64
	// HaloRows are read on both sides of a window for interpolation
	HaloRows int
	// Declared is the parsed desc.CRS, nil when the source must provide its own
	Declared *crs.CoordinateReference
	// Resolver parses references found in source headers
	Resolver *crs.Resolver
}

// Stream is a lazy, finite, non-restartable sequence of records.
// Next returns io.EOF after the last record. A corrupt source yields an error
// wrapping ErrCorruptSource; records returned before stay valid.
type Stream interface {
	Next() (Record, error)
	// CRS is the reference every record of the stream carries
	CRS() *crs.CoordinateReference
	// Extent is known from the header for rasters and most vector containers
	Extent() (geom.Extent, bool)
	// Resolution derived from the source, higher is finer; 0 when unknown
	Resolution() float64
	Close() error
}

// Session is a driver environment scoped to one job
type Session interface {
	Open(ctx context.Context, desc SourceDescriptor, opts OpenOptions) (Stream, error)
	Close() error
}

type Driver interface {
	Name() string
	Kind() Kind
	// Extensions lists lower case file extensions including the dot
	Extensions() []string
	// Sniff reports whether header starts with the format's signature.
	// Formats without a signature never match.
	Sniff(header []byte) bool
	Acquire() (Session, error)
}

// Registry selects drivers from an explicit table
type Registry struct {
	drivers []Driver
}

func NewRegistry(drivers ...Driver) *Registry {
	return &Registry{drivers: drivers}
}

// DefaultRegistry holds every driver of this package
func DefaultRegistry() *Registry {
	return NewRegistry(
		GeoTIFF{},
		AsciiGrid{},
		FLT{},
		TerrainRGB{},
		GeoJSON{},
		GeoPackage{},
	)
}

func (r *Registry) Drivers() []Driver {
	return r.drivers
}

// ByName returns the driver with the given name
func (r *Registry) ByName(name string) (Driver, bool) {
	for _, d := range r.drivers {
		if strings.EqualFold(d.Name(), name) {
			return d, true
		}
	}
	return nil, false
}

// Resolve picks the driver for desc: content signature first, then the
// extension of the path or the format hint. It never guesses between candidates.
func (r *Registry) Resolve(desc SourceDescriptor) (Driver, error) {
	header, err := readHeader(desc.Path)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", desc, err)
	}
	var bySignature []Driver
	for _, d := range r.drivers {
		if d.Sniff(header) {
			bySignature = append(bySignature, d)
		}
	}
	switch len(bySignature) {
	case 1:
		return bySignature[0], nil
	case 0:
		byHint := filterByHint(r.drivers, desc)
		switch len(byHint) {
		case 1:
			return byHint[0], nil
		case 0:
			return nil, fmt.Errorf("source %s: %w", desc, ErrUnsupportedFormat)
		}
		return nil, fmt.Errorf("source %s matches %s by extension: %w", desc, names(byHint), ErrAmbiguousFormat)
	}
	narrowed := filterByHint(bySignature, desc)
	if len(narrowed) == 1 {
		return narrowed[0], nil
	}
	return nil, fmt.Errorf("source %s matches %s by signature: %w", desc, names(bySignature), ErrAmbiguousFormat)
}

func filterByHint(drivers []Driver, desc SourceDescriptor) []Driver {
	ext := strings.ToLower(filepath.Ext(desc.Path))
	hint := strings.ToLower(strings.TrimSpace(desc.Format))
	var out []Driver
	for _, d := range drivers {
		if hint != "" {
			if strings.EqualFold(d.Name(), hint) || hasExtension(d, "."+strings.TrimPrefix(hint, ".")) {
				out = append(out, d)
			}
			continue
		}
		if ext != "" && hasExtension(d, ext) {
			out = append(out, d)
		}
	}
	return out
}

func hasExtension(d Driver, ext string) bool {
	for _, e := range d.Extensions() {
		if e == ext {
			return true
		}
	}
	return false
}

func names(drivers []Driver) string {
	n := make([]string, len(drivers))
	for i, d := range drivers {
		n[i] = d.Name()
	}
	return strings.Join(n, ",")
}

func readHeader(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, headerSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

// resolveReference returns the declared reference, or parses the one the source carries
func resolveReference(opts OpenOptions, fromSource string) (*crs.CoordinateReference, error) {
	if opts.Declared != nil {
		return opts.Declared, nil
	}
	if fromSource == "" {
		return nil, ErrMissingReference
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("no resolver for %q: %w", fromSource, ErrMissingReference)
	}
	return opts.Resolver.Parse(fromSource)
}

// session is the shared Session implementation; drivers differ only in how they open a source
type session struct {
	open   func(ctx context.Context, desc SourceDescriptor, opts OpenOptions) (Stream, error)
	closed atomic.Bool
}

func (s *session) Open(ctx context.Context, desc SourceDescriptor, opts OpenOptions) (Stream, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	return s.open(ctx, desc, opts)
}

func (s *session) Close() error {
	s.closed.Store(true)
	return nil
}

func corrupt(desc SourceDescriptor, format string, args ...any) error {
	return fmt.Errorf("%s: %s: %w", desc, fmt.Sprintf(format, args...), ErrCorruptSource)
}
