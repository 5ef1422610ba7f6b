// Package pipeline runs import jobs: it resolves drivers and references,
// streams every source through the resampler or extractor into the tile
// compositor and reports progress and diagnostics.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pdok/landform/crs"
	"github.com/pdok/landform/driver"
	"github.com/pdok/landform/log"
	"github.com/pdok/landform/raster"
	"github.com/pdok/landform/tile"
)

// Importer starts import jobs. The registry and resolver are shared by its jobs.
type Importer struct {
	registry *driver.Registry
	resolver *crs.Resolver
}

func NewImporter(registry *driver.Registry, resolver *crs.Resolver) *Importer {
	return &Importer{registry: registry, resolver: resolver}
}

// Status is a snapshot of a job
type Status struct {
	ID    uuid.UUID
	State State
	// Target is the ID of the target reference once resolved
	Target string
	// Processed counts the sources that are finished, in whatever way
	Processed int
	Total     int
	// Started counts the sources that were opened
	Started        int
	TilesFinalized int
	Diagnostics    []Diagnostic
	// Err is the terminal cause of a failed job
	Err error
}

// Percent estimates completion from the sources processed
func (s Status) Percent() float64 {
	if s.Total == 0 {
		return 0
	}
	return 100 * float64(s.Processed) / float64(s.Total)
}

// Job is one running import
type Job struct {
	id       uuid.UUID
	importer *Importer
	req      Request
	sink     tile.Sink

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	env    *environment

	mu          sync.Mutex
	state       State
	target      string
	processed   int
	diagnostics []Diagnostic
	cause       error
	compositor  *tile.Compositor

	started atomic.Int64
}

// Start begins an import in the background. Finalized tiles are handed to sink
// while the job runs.
func (im *Importer) Start(ctx context.Context, req Request, sink tile.Sink) *Job {
	ctx, cancel := context.WithCancel(ctx)
	j := &Job{
		id:       uuid.New(),
		importer: im,
		req:      req,
		sink:     sink,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		env:      &environment{sessions: make(map[string]driver.Session)},
	}
	go j.run()
	return j
}

// Run imports and waits for the job to end
func (im *Importer) Run(ctx context.Context, req Request, sink tile.Sink) Status {
	return im.Start(ctx, req, sink).Wait()
}

func (j *Job) ID() uuid.UUID {
	return j.id
}

// Cancel stops the job: records being processed complete, no further record
// is read and no further source is started.
func (j *Job) Cancel() {
	j.cancel()
}

// Wait blocks until the job is Done or Failed
func (j *Job) Wait() Status {
	<-j.done
	return j.Status()
}

// Done is closed when the job has ended
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := Status{
		ID:          j.id,
		State:       j.state,
		Target:      j.target,
		Processed:   j.processed,
		Total:       len(j.req.Sources),
		Started:     int(j.started.Load()),
		Diagnostics: append([]Diagnostic(nil), j.diagnostics...),
		Err:         j.cause,
	}
	if j.compositor != nil {
		s.TilesFinalized = j.compositor.Finalized()
	}
	return s
}

func (j *Job) transition(to State) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !CanTransition(j.state, to) {
		return fmt.Errorf("%s to %s: %w", j.state, to, ErrIllegalTransition)
	}
	if j.state != to {
		log.Debug("job state", zap.Stringer("job", j.id), zap.Stringer("from", j.state), zap.Stringer("to", to))
	}
	j.state = to
	return nil
}

func (j *Job) fail(cause error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	log.Error("job failed", zap.Stringer("job", j.id), zap.Stringer("state", j.state),
		zap.Error(cause), zap.Int("diagnostics", len(j.diagnostics)))
	j.state = Failed
	j.cause = cause
}

func (j *Job) run() {
	defer close(j.done)
	defer j.cancel()
	defer func() {
		if err := j.env.release(); err != nil {
			log.Warn("releasing driver sessions", zap.Stringer("job", j.id), zap.Error(err))
		}
	}()
	if err := j.execute(); err != nil {
		j.fail(err)
	}
}

func (j *Job) execute() error {
	if err := j.transition(Resolving); err != nil {
		return err
	}
	p, err := j.resolve()
	if err != nil {
		return err
	}
	if err := j.transition(Streaming); err != nil {
		return err
	}
	if err := j.stream(p); err != nil {
		return err
	}

	if err := j.transition(Compositing); err != nil {
		return err
	}
	if err := p.compositor.Flush(); err != nil {
		return fmt.Errorf("%w: %w", ErrSinkFailed, err)
	}

	if err := j.transition(Finalizing); err != nil {
		return err
	}
	if f, ok := j.sink.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("%w: %w", ErrSinkFailed, err)
		}
	}
	if err := j.env.release(); err != nil {
		log.Warn("releasing driver sessions", zap.Stringer("job", j.id), zap.Error(err))
	}
	log.Info("job done", zap.Stringer("job", j.id), zap.Int("tiles", p.compositor.Finalized()),
		zap.Int("diagnostics", len(j.Status().Diagnostics)))
	return j.transition(Done)
}

// plan is the outcome of Resolving
type plan struct {
	target     *crs.CoordinateReference
	grid       tile.Grid
	compositor *tile.Compositor
	sources    []source
}

type source struct {
	order    int
	desc     driver.SourceDescriptor
	driver   driver.Driver
	declared *crs.CoordinateReference
	// declaredTf is built up front for sources with a declared reference
	declaredTf *crs.Transform
}

// resolve does all work that may fail before any source starts
func (j *Job) resolve() (*plan, error) {
	req, err := j.req.normalize()
	if err != nil {
		return nil, err
	}
	j.req = req
	resolver := j.importer.resolver

	p := &plan{sources: make([]source, len(req.Sources))}
	for i, desc := range req.Sources {
		d, err := j.importer.registry.Resolve(desc)
		if err != nil {
			return nil, err
		}
		s := source{order: i, desc: desc, driver: d}
		if desc.CRS != "" {
			if s.declared, err = resolver.Parse(desc.CRS); err != nil {
				return nil, fmt.Errorf("source %s: %w", desc, err)
			}
		}
		if _, err := j.env.acquire(d); err != nil {
			return nil, fmt.Errorf("driver %s: %w", d.Name(), err)
		}
		p.sources[i] = s
	}

	text, err := req.targetText()
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(text, AutoUTM) {
		p.target, err = j.autoUTM(p.sources[0])
	} else {
		p.target, err = resolver.Parse(text)
	}
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	if p.grid, err = req.buildGrid(resolver, p.target); err != nil {
		return nil, err
	}
	if p.compositor, err = tile.NewCompositor(p.grid, req.Tiles, j.sink); err != nil {
		return nil, err
	}

	for i := range p.sources {
		s := &p.sources[i]
		if s.declared != nil {
			if s.declaredTf, err = resolver.BuildTransform(s.declared, p.target); err != nil {
				return nil, fmt.Errorf("source %s: %w", s.desc, err)
			}
		}
		if s.desc.Extent != nil && s.declaredTf != nil {
			if ext, err := raster.ProjectedExtent(*s.desc.Extent, s.declaredTf); err == nil {
				if keys, err := p.grid.TilesFor(ext); err == nil {
					p.compositor.Expect(s.order, keys)
					continue
				}
			}
		}
		p.compositor.ExpectAnywhere(s.order)
	}

	j.mu.Lock()
	j.target = p.target.ID
	j.compositor = p.compositor
	j.mu.Unlock()
	log.Info("job resolved", zap.Stringer("job", j.id), zap.Stringer("target", p.target),
		zap.Stringer("grid", p.grid), zap.Int("sources", len(p.sources)), zap.Stringer("blend", req.Tiles.Blend))
	return p, nil
}

// autoUTM picks the WGS84 UTM zone containing the centre of s
func (j *Job) autoUTM(s source) (*crs.CoordinateReference, error) {
	resolver := j.importer.resolver
	ref, ext := s.declared, s.desc.Extent
	if ref == nil || ext == nil {
		stream, err := j.env.session(s.driver.Name()).Open(j.ctx, s.desc, j.openOptions(s))
		if err != nil {
			return nil, err
		}
		ref = stream.CRS()
		e, ok := stream.Extent()
		if err := stream.Close(); err != nil {
			log.Warn("closing source", zap.Stringer("source", s.desc), zap.Error(err))
		}
		if !ok {
			return nil, fmt.Errorf("%s needs the extent of source %s: %w", AutoUTM, s.desc, ErrInvalidRequest)
		}
		ext = &e
	}
	wgs84, err := resolver.Parse("EPSG:4326")
	if err != nil {
		return nil, err
	}
	tf, err := resolver.BuildTransform(ref, wgs84)
	if err != nil {
		return nil, err
	}
	lon, lat, err := tf.ForwardXY((ext.MinX()+ext.MaxX())/2, (ext.MinY()+ext.MaxY())/2)
	if err != nil {
		return nil, err
	}
	return resolver.Parse(fmt.Sprintf("EPSG:%d", crs.UTMZoneFor(lon, lat)))
}

func (j *Job) openOptions(s source) driver.OpenOptions {
	return driver.OpenOptions{
		MemoryBudget: j.req.MemoryBudget,
		HaloRows:     j.req.HaloRows,
		Declared:     s.declared,
		Resolver:     j.importer.resolver,
	}
}

func (j *Job) diagnose(desc driver.SourceDescriptor, kind DiagnosticKind, err error) {
	d := Diagnostic{Source: desc.ID, Kind: kind, Err: err, Time: timeNow()}
	j.mu.Lock()
	j.diagnostics = append(j.diagnostics, d)
	j.mu.Unlock()
	log.Warn("source diagnostic", zap.Stringer("job", j.id), zap.String("source", d.Source),
		zap.Stringer("kind", kind), zap.Error(err))
}

func (j *Job) sourceFinished() {
	j.mu.Lock()
	j.processed++
	j.mu.Unlock()
}

// environment holds the driver sessions of one job
type environment struct {
	mu       sync.Mutex
	sessions map[string]driver.Session
}

func (e *environment) acquire(d driver.Driver) (driver.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[d.Name()]; ok {
		return s, nil
	}
	s, err := d.Acquire()
	if err != nil {
		return nil, err
	}
	e.sessions[d.Name()] = s
	return s, nil
}

func (e *environment) session(name string) driver.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[name]
}

// release closes every session; it is safe to call more than once
func (e *environment) release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for name, s := range e.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		delete(e.sessions, name)
	}
	return errors.Join(errs...)
}
