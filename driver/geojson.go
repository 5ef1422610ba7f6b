package driver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/geojson"

	"github.com/pdok/landform/crs"
	"github.com/pdok/landform/vector"
)

const (
	geoJSONDefaultCRS = "EPSG:4326"
	geoJSONSniffBytes = headerSize
)

// GeoJSON streams the features of a FeatureCollection one at a time.
// A legacy "crs" member is honoured when it precedes "features"; WGS84 otherwise.
type GeoJSON struct{}

func (GeoJSON) Name() string         { return "geojson" }
func (GeoJSON) Kind() Kind           { return Vector }
func (GeoJSON) Extensions() []string { return []string{".geojson", ".json"} }

func (GeoJSON) Sniff(header []byte) bool {
	h := bytes.TrimLeft(header, " \t\r\n\xef\xbb\xbf")
	if len(h) == 0 || h[0] != '{' {
		return false
	}
	if len(h) > geoJSONSniffBytes {
		h = h[:geoJSONSniffBytes]
	}
	return bytes.Contains(h, []byte(`"FeatureCollection"`))
}

func (d GeoJSON) Acquire() (Session, error) {
	return &session{open: d.open}, nil
}

type legacyCRS struct {
	Type       string `json:"type"`
	Properties struct {
		Name string `json:"name"`
		Href string `json:"href"`
	} `json:"properties"`
}

func (c legacyCRS) reference() string {
	name := strings.TrimSpace(c.Properties.Name)
	switch strings.ToUpper(name) {
	case "URN:OGC:DEF:CRS:OGC:1.3:CRS84", "URN:OGC:DEF:CRS:OGC::CRS84", "CRS:84", "OGC:CRS84":
		return geoJSONDefaultCRS
	}
	return name
}

func (GeoJSON) open(ctx context.Context, desc SourceDescriptor, opts OpenOptions) (Stream, error) {
	f, err := os.Open(desc.Path)
	if err != nil {
		return nil, err
	}
	s := &geoJSONStream{ctx: ctx, desc: desc, f: f, dec: json.NewDecoder(bufio.NewReader(f))}
	crsText, err := s.readUntilFeatures()
	if err != nil {
		f.Close()
		return nil, err
	}
	if opts.Declared == nil && crsText == "" {
		crsText = geoJSONDefaultCRS
	}
	if s.ref, err = resolveReference(opts, crsText); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", desc, err)
	}
	s.layer = desc.Layer
	if s.layer == "" {
		s.layer = strings.TrimSuffix(baseName(desc.Path), extOf(desc.Path))
	}
	return s, nil
}

type geoJSONStream struct {
	ctx   context.Context
	desc  SourceDescriptor
	f     *os.File
	dec   *json.Decoder
	ref   *crs.CoordinateReference
	layer string

	bbox  *geom.Extent
	index int
	done  bool
	err   error
}

// readUntilFeatures consumes the collection's members up to the opening
// bracket of "features" and returns the legacy crs name, if any
func (s *geoJSONStream) readUntilFeatures() (string, error) {
	tok, err := s.dec.Token()
	if err != nil || tok != json.Delim('{') {
		return "", corrupt(s.desc, "not a JSON object")
	}
	var crsText, typ string
	for s.dec.More() {
		keyTok, err := s.dec.Token()
		if err != nil {
			return "", corrupt(s.desc, "%v", err)
		}
		switch keyTok.(string) {
		case "type":
			if err := s.dec.Decode(&typ); err != nil {
				return "", corrupt(s.desc, "type: %v", err)
			}
			if typ != "FeatureCollection" {
				return "", corrupt(s.desc, "type %q is not a FeatureCollection", typ)
			}
		case "crs":
			var c legacyCRS
			if err := s.dec.Decode(&c); err != nil {
				return "", corrupt(s.desc, "crs: %v", err)
			}
			crsText = c.reference()
		case "bbox":
			var bbox []float64
			if err := s.dec.Decode(&bbox); err != nil {
				return "", corrupt(s.desc, "bbox: %v", err)
			}
			if len(bbox) == 4 {
				s.bbox = &geom.Extent{bbox[0], bbox[1], bbox[2], bbox[3]}
			} else if len(bbox) == 6 {
				s.bbox = &geom.Extent{bbox[0], bbox[1], bbox[3], bbox[4]}
			}
		case "features":
			tok, err := s.dec.Token()
			if err != nil || tok != json.Delim('[') {
				return "", corrupt(s.desc, "features is not an array")
			}
			return crsText, nil
		default:
			var skip json.RawMessage
			if err := s.dec.Decode(&skip); err != nil {
				return "", corrupt(s.desc, "%v", err)
			}
		}
	}
	// a collection without features is empty, not corrupt
	s.done = true
	return crsText, nil
}

type geoJSONFeature struct {
	Type       string          `json:"type"`
	ID         json.RawMessage `json:"id"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties json.RawMessage `json:"properties"`
}

func (s *geoJSONStream) Next() (Record, error) {
	if s.err != nil {
		return Record{}, s.err
	}
	if s.done {
		return Record{}, io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		return Record{}, err
	}
	if !s.dec.More() {
		s.done = true
		return Record{}, io.EOF
	}
	var raw geoJSONFeature
	if err := s.dec.Decode(&raw); err != nil {
		s.err = corrupt(s.desc, "feature %d: %v", s.index, err)
		return Record{}, s.err
	}
	s.index++
	if raw.Type != "Feature" {
		s.err = corrupt(s.desc, "feature %d has type %q", s.index-1, raw.Type)
		return Record{}, s.err
	}
	var geometry geojson.Geometry
	if len(raw.Geometry) > 0 && string(raw.Geometry) != "null" {
		if err := json.Unmarshal(raw.Geometry, &geometry); err != nil {
			s.err = corrupt(s.desc, "feature %d geometry: %v", s.index-1, err)
			return Record{}, s.err
		}
	}
	attrs, err := decodeProperties(raw.Properties)
	if err != nil {
		s.err = corrupt(s.desc, "feature %d properties: %v", s.index-1, err)
		return Record{}, s.err
	}
	feature := &vector.Feature{
		ID:         featureID(raw.ID, s.index-1),
		Layer:      s.layer,
		Geometry:   geometry.Geometry,
		Attributes: attrs,
		CRS:        s.ref,
	}
	return Record{Feature: feature}, nil
}

func featureID(raw json.RawMessage, index int) string {
	var id any
	if len(raw) == 0 || json.Unmarshal(raw, &id) != nil || id == nil {
		return strconv.Itoa(index)
	}
	if s, ok := id.(string); ok {
		return s
	}
	return string(raw)
}

// decodeProperties keeps the member order of the properties object. Nested
// objects and arrays are kept as their JSON text.
func decodeProperties(raw json.RawMessage) (*vector.Attributes, error) {
	attrs := vector.NewAttributes()
	if len(raw) == 0 || string(raw) == "null" {
		return attrs, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if tok != json.Delim('{') {
		return nil, errors.New("properties is not an object")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		attrs.Set(keyTok.(string), propertyValue(value))
	}
	return attrs, nil
}

func propertyValue(raw json.RawMessage) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	switch trimmed[0] {
	case '{', '[':
		return string(trimmed)
	case 'n':
		return nil
	case 't':
		return true
	case 'f':
		return false
	case '"':
		var s string
		if json.Unmarshal(trimmed, &s) == nil {
			return s
		}
		return string(trimmed)
	}
	if i, err := strconv.ParseInt(string(trimmed), 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(string(trimmed), 64); err == nil {
		return f
	}
	return string(trimmed)
}

func (s *geoJSONStream) CRS() *crs.CoordinateReference {
	return s.ref
}

func (s *geoJSONStream) Extent() (geom.Extent, bool) {
	if s.bbox == nil {
		return geom.Extent{}, false
	}
	return *s.bbox, true
}

func (s *geoJSONStream) Resolution() float64 {
	return 0
}

func (s *geoJSONStream) Close() error {
	return s.f.Close()
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
