package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-spatial/geom"
	"go.uber.org/zap"

	"github.com/pdok/landform/crs"
	"github.com/pdok/landform/log"
	gpkgsource "github.com/pdok/landform/pkg/gpkg"
	"github.com/pdok/landform/vector"
)

var (
	sqliteSignature = []byte("SQLite format 3\x00")
	// application_id at byte 68 of the SQLite header
	gpkgApplicationIDs = [][]byte{[]byte("GPKG"), []byte("GP10"), []byte("GP11")}
)

// GeoPackage streams the features of every table in gpkg_geometry_columns,
// or only the table named by the descriptor's Layer
type GeoPackage struct{}

func (GeoPackage) Name() string         { return "gpkg" }
func (GeoPackage) Kind() Kind           { return Vector }
func (GeoPackage) Extensions() []string { return []string{".gpkg"} }

func (GeoPackage) Sniff(header []byte) bool {
	if !bytes.HasPrefix(header, sqliteSignature) || len(header) < 72 {
		return false
	}
	for _, id := range gpkgApplicationIDs {
		if bytes.Equal(header[68:72], id) {
			return true
		}
	}
	return false
}

func (d GeoPackage) Acquire() (Session, error) {
	return &session{open: d.open}, nil
}

func (GeoPackage) open(ctx context.Context, desc SourceDescriptor, opts OpenOptions) (Stream, error) {
	source, err := gpkgsource.OpenSource(desc.Path)
	if err != nil {
		return nil, corrupt(desc, "%v", err)
	}
	tables, err := source.Tables()
	if err != nil {
		source.Close()
		return nil, corrupt(desc, "%v", err)
	}
	if desc.Layer != "" {
		var selected []gpkgsource.Table
		for _, t := range tables {
			if strings.EqualFold(t.Name, desc.Layer) {
				selected = append(selected, t)
			}
		}
		if len(selected) == 0 {
			source.Close()
			return nil, corrupt(desc, "no feature table %q", desc.Layer)
		}
		tables = selected
	}
	s := &gpkgStream{ctx: ctx, desc: desc, source: source, tables: tables}
	for _, t := range tables {
		ref, err := resolveReference(opts, t.Reference())
		if err != nil {
			source.Close()
			return nil, fmt.Errorf("%s table %s: %w", desc, t.Name, err)
		}
		s.refs = append(s.refs, ref)
	}
	return s, nil
}

type gpkgStream struct {
	ctx    context.Context
	desc   SourceDescriptor
	source *gpkgsource.SourceGeopackage
	tables []gpkgsource.Table
	refs   []*crs.CoordinateReference

	current int
	rows    *gpkgsource.FeatureRows
	err     error
}

func (s *gpkgStream) Next() (Record, error) {
	if s.err != nil {
		return Record{}, s.err
	}
	for s.current < len(s.tables) {
		if err := s.ctx.Err(); err != nil {
			return Record{}, err
		}
		table := s.tables[s.current]
		if s.rows == nil {
			rows, err := s.source.ReadFeatures(s.ctx, table)
			if err != nil {
				s.err = corrupt(s.desc, "%v", err)
				return Record{}, s.err
			}
			s.rows = rows
		}
		f, err := s.rows.Next()
		if errors.Is(err, io.EOF) {
			s.rows.Close()
			s.rows = nil
			s.current++
			continue
		} else if err != nil {
			s.err = corrupt(s.desc, "table %s: %v", table.Name, err)
			return Record{}, s.err
		}
		attrs := vector.NewAttributes()
		for i, c := range f.Columns {
			attrs.Set(c, f.Values[i])
		}
		return Record{Feature: &vector.Feature{
			ID:         table.Name + "." + f.ID,
			Layer:      table.Name,
			Geometry:   f.Geometry,
			Attributes: attrs,
			CRS:        s.refs[s.current],
		}}, nil
	}
	return Record{}, io.EOF
}

// CRS is the reference of the first table; features of other tables carry their own
func (s *gpkgStream) CRS() *crs.CoordinateReference {
	if len(s.refs) == 0 {
		return nil
	}
	return s.refs[0]
}

// Extent is the union of the gpkg_contents extents, known only when every
// table has one and all tables share a reference
func (s *gpkgStream) Extent() (geom.Extent, bool) {
	var ext *geom.Extent
	for i, t := range s.tables {
		if t.Extent == nil || s.refs[i].ID != s.refs[0].ID {
			return geom.Extent{}, false
		}
		if ext == nil {
			e := *t.Extent
			ext = &e
			continue
		}
		ext.Add(t.Extent)
	}
	if ext == nil {
		return geom.Extent{}, false
	}
	return *ext, true
}

func (s *gpkgStream) Resolution() float64 {
	return 0
}

func (s *gpkgStream) Close() error {
	if s.rows != nil {
		if err := s.rows.Close(); err != nil {
			log.Warn("closing gpkg rows", zap.String("source", s.desc.String()), zap.Error(err))
		}
		s.rows = nil
	}
	return s.source.Close()
}
