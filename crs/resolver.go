package crs

import (
	"fmt"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/pdok/landform/log"
	"go.uber.org/zap"
)

const (
	defaultCacheSize = 1024
	referenceTTL     = 24 * time.Hour
)

type shiftBuilderFunc func(src, dst *CoordinateReference) (*datumShift, error)

// Resolver parses references and builds transforms, caching both.
// A Resolver is safe for concurrent use and meant to be shared between jobs.
type Resolver struct {
	refs   *ccache.Cache[*CoordinateReference]
	parses singleflight.Group

	mu         sync.RWMutex
	transforms map[string]*Transform
	builds     singleflight.Group

	shiftBuilder shiftBuilderFunc
}

func NewResolver() *Resolver {
	return &Resolver{
		refs:         ccache.New(ccache.Configure[*CoordinateReference]().MaxSize(defaultCacheSize)),
		transforms:   make(map[string]*Transform),
		shiftBuilder: newDatumShift,
	}
}

// Close stops the reference cache's background worker
func (r *Resolver) Close() {
	r.refs.Stop()
}

// Parse accepts EPSG codes ("EPSG:28992"), OGC URNs and URIs, PROJ strings and
// WKT carrying an EPSG authority. Equivalent spellings return the same instance.
func (r *Resolver) Parse(text string) (*CoordinateReference, error) {
	id, err := canonicalize(text)
	if err != nil {
		return nil, err
	}
	if item := r.refs.Get(id); item != nil && !item.Expired() {
		return item.Value(), nil
	}
	v, err, _ := r.parses.Do(id, func() (any, error) {
		if item := r.refs.Get(id); item != nil && !item.Expired() {
			return item.Value(), nil
		}
		ref, err := build(id)
		if err != nil {
			return nil, err
		}
		r.refs.Set(id, ref, referenceTTL)
		log.Debug("parsed coordinate reference", zap.String("id", id), zap.String("projection", ref.projName))
		return ref, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CoordinateReference), nil
}

// BuildTransform returns the transform from src to dst. Repeated calls for the
// same pair return the same *Transform.
func (r *Resolver) BuildTransform(src, dst *CoordinateReference) (*Transform, error) {
	if src == nil || dst == nil {
		return nil, fmt.Errorf("transform needs both references: %w", ErrInvalidReference)
	}
	key := src.ID + "|" + dst.ID
	r.mu.RLock()
	t, ok := r.transforms[key]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}
	v, err, _ := r.builds.Do(key, func() (any, error) {
		r.mu.RLock()
		t, ok := r.transforms[key]
		r.mu.RUnlock()
		if ok {
			return t, nil
		}
		t, err := r.newTransform(src, dst)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.transforms[key] = t
		r.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Transform), nil
}

func (r *Resolver) newTransform(src, dst *CoordinateReference) (*Transform, error) {
	if src == dst || src.ID == dst.ID {
		return identityTransform(src), nil
	}
	t := &Transform{src: src, dst: dst}
	if !src.Datum.sameAs(dst.Datum) {
		shift, err := r.shiftBuilder(src, dst)
		if err != nil {
			return nil, err
		}
		t.shift = shift
	}
	if src.HasVertical() && dst.HasVertical() {
		t.vertical = true
		t.vscale = src.VerticalToMeter / dst.VerticalToMeter
	}
	log.Debug("built transform", zap.String("src", src.ID), zap.String("dst", dst.ID),
		zap.Bool("datumShift", t.shift != nil), zap.Bool("vertical", t.vertical))
	return t, nil
}
