// Package config loads import requests from YAML or JSON files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/go-spatial/geom"
	"gopkg.in/yaml.v3"

	"github.com/pdok/landform/driver"
	"github.com/pdok/landform/pipeline"
	"github.com/pdok/landform/raster"
	"github.com/pdok/landform/tile"
)

var ErrInvalidConfig = errors.New("invalid request file")

// File is the request file. JSON documents parse as YAML, so one decoder serves both.
type File struct {
	Target           Target   `yaml:"target" validate:"required"`
	Blend            string   `yaml:"blend" default:"replace" validate:"oneof=replace average"`
	IgnoreResolution bool     `yaml:"ignoreResolution"`
	LastWins         bool     `yaml:"lastWins"`
	SmoothSteps      int      `yaml:"smoothSteps" validate:"gte=0,lte=16"`
	Resample         Resample `yaml:"resample"`
	Workers          int      `yaml:"workers" default:"4" validate:"gte=1,lte=256"`
	// MemoryBudget bounds one raster window in bytes
	MemoryBudget int64    `yaml:"memoryBudget" default:"67108864" validate:"gte=0"`
	HaloRows     int      `yaml:"haloRows" default:"1" validate:"gte=0,lte=64"`
	PageSize     int      `yaml:"pageSize" default:"100" validate:"gte=1"`
	Sieve        float64  `yaml:"sieve" validate:"gte=0"`
	Sources      []Source `yaml:"sources" validate:"required,min=1,dive"`
}

type Target struct {
	// CRS is an EPSG code, URN, PROJ string or auto-utm
	CRS           string `yaml:"crs" validate:"required_without=TileMatrixSet"`
	TileMatrixSet string `yaml:"tileMatrixSet"`
	TileMatrix    int    `yaml:"tileMatrix" validate:"gte=0"`

	Origin       []float64 `yaml:"origin" validate:"omitempty,len=2"`
	CellSize     float64   `yaml:"cellSize" validate:"required_without=TileMatrixSet,gte=0"`
	TileSize     int       `yaml:"tileSize" default:"256" validate:"gte=1,lte=4096"`
	MatrixWidth  uint      `yaml:"matrixWidth"`
	MatrixHeight uint      `yaml:"matrixHeight"`
}

type Resample struct {
	Mode            string  `yaml:"mode" default:"bilinear" validate:"oneof=nearest bilinear average cubic cubicspline"`
	NoDataThreshold float64 `yaml:"noDataThreshold" default:"0.5" validate:"gte=0,lte=1"`
}

type Source struct {
	ID     string `yaml:"id"`
	Path   string `yaml:"path" validate:"required"`
	Format string `yaml:"format"`
	CRS    string `yaml:"crs"`
	// Resolution ranks overlapping sources, higher is finer, 0 derives it from the data
	Resolution     float64   `yaml:"resolution" validate:"gte=0"`
	Weight         float64   `yaml:"weight" default:"1" validate:"gte=0"`
	Layer          string    `yaml:"layer"`
	ClassAttribute string    `yaml:"classAttribute"`
	Extent         []float64 `yaml:"extent" validate:"omitempty,len=4"`
}

// Load reads and validates a request file. Relative source paths are taken
// relative to the file's directory.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for i := range f.Sources {
		if !filepath.IsAbs(f.Sources[i].Path) {
			f.Sources[i].Path = filepath.Join(dir, f.Sources[i].Path)
		}
	}
	return f, nil
}

// Parse decodes a request document over the defaults and validates it
func Parse(data []byte) (*File, error) {
	f := &File{}
	if err := defaults.Set(f); err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidConfig)
	}
	for i := range f.Sources {
		if err := defaults.Set(&f.Sources[i]); err != nil {
			return nil, err
		}
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(f); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidConfig)
	}
	if f.Target.TileMatrixSet == "" && len(f.Target.Origin) != 2 {
		return nil, fmt.Errorf("target needs an origin or a tile matrix set: %w", ErrInvalidConfig)
	}
	return f, nil
}

// Request converts the file into a pipeline request
func (f *File) Request() (pipeline.Request, error) {
	blend, err := tile.ParseBlend(f.Blend)
	if err != nil {
		return pipeline.Request{}, err
	}
	mode, err := raster.ParseMode(f.Resample.Mode)
	if err != nil {
		return pipeline.Request{}, err
	}
	req := pipeline.Request{
		TargetCRS: f.Target.CRS,
		Grid: pipeline.GridRequest{
			TileMatrixSet: f.Target.TileMatrixSet,
			TileMatrix:    f.Target.TileMatrix,
			CellSize:      f.Target.CellSize,
			TileSize:      f.Target.TileSize,
			MatrixWidth:   f.Target.MatrixWidth,
			MatrixHeight:  f.Target.MatrixHeight,
		},
		Tiles: tile.Options{
			Blend:            blend,
			IgnoreResolution: f.IgnoreResolution,
			LastWins:         f.LastWins,
			SmoothSteps:      f.SmoothSteps,
		},
		Resample:     raster.Options{Mode: mode, NoDataThreshold: f.Resample.NoDataThreshold},
		Workers:      f.Workers,
		MemoryBudget: f.MemoryBudget,
		HaloRows:     f.HaloRows,
		Sieve:        f.Sieve,
	}
	if len(f.Target.Origin) == 2 {
		req.Grid.OriginX, req.Grid.OriginY = f.Target.Origin[0], f.Target.Origin[1]
	}
	for _, s := range f.Sources {
		desc := driver.SourceDescriptor{
			ID:             s.ID,
			Path:           s.Path,
			Format:         s.Format,
			CRS:            s.CRS,
			Resolution:     s.Resolution,
			Weight:         s.Weight,
			Layer:          s.Layer,
			ClassAttribute: s.ClassAttribute,
		}
		if len(s.Extent) == 4 {
			desc.Extent = &geom.Extent{s.Extent[0], s.Extent[1], s.Extent[2], s.Extent[3]}
		}
		req.Sources = append(req.Sources, desc)
	}
	return req, nil
}
