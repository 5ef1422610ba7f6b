package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pdok/landform/crs"
	"github.com/pdok/landform/driver"
	"github.com/pdok/landform/geomhelp"
	"github.com/pdok/landform/log"
	"github.com/pdok/landform/raster"
	"github.com/pdok/landform/sieve"
	"github.com/pdok/landform/tile"
	"github.com/pdok/landform/vector"
)

var timeNow = time.Now

// stream processes the sources on a bounded pool, one source per worker.
// It returns only errors that fail the whole job.
func (j *Job) stream(p *plan) error {
	g, ctx := errgroup.WithContext(j.ctx)
	g.SetLimit(j.req.Workers)
	for _, s := range p.sources {
		s := s
		g.Go(func() error {
			return j.processSource(ctx, p, s)
		})
	}
	err := g.Wait()
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		return err
	case j.ctx.Err() != nil:
		return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(j.ctx))
	}
	return err
}

// skipped counts records and tile writes dropped from an otherwise healthy source
type skipped struct {
	n     int
	first error
}

func (s *skipped) add(err error) {
	if s.n == 0 {
		s.first = err
	}
	s.n++
}

// processSource streams one source end to end. Recoverable problems become
// diagnostics; the returned error fails the job.
func (j *Job) processSource(ctx context.Context, p *plan, s source) (err error) {
	defer j.sourceFinished()
	defer func() {
		if doneErr := p.compositor.SourceDone(s.order); doneErr != nil && err == nil {
			err = fmt.Errorf("%w: %w", ErrSinkFailed, doneErr)
		}
	}()
	if ctx.Err() != nil {
		j.diagnose(s.desc, Cancelled, fmt.Errorf("not started: %w", ErrCancelled))
		return nil
	}
	j.started.Add(1)
	log.Info("source started", zap.Stringer("job", j.id), zap.Stringer("source", s.desc),
		zap.String("driver", s.driver.Name()))

	session := j.env.session(s.driver.Name())
	if session == nil {
		return fmt.Errorf("source %s: %w", s.desc, driver.ErrSessionClosed)
	}
	stream, err := session.Open(ctx, s.desc, j.openOptions(s))
	if err != nil {
		return j.sourceError(s, Unreadable, err)
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			log.Warn("closing source", zap.Stringer("source", s.desc), zap.Error(cerr))
		}
	}()

	tf, err := j.transformFor(p, s, stream.CRS())
	if err != nil {
		return j.sourceError(s, Unreadable, err)
	}
	ct := tile.Contribution{
		Source:         s.desc.ID,
		Order:          s.order,
		Resolution:     s.desc.Resolution,
		Weight:         s.desc.Weight,
		ClassAttribute: s.desc.ClassAttribute,
	}
	if ext, ok := stream.Extent(); ok {
		if projected, perr := raster.ProjectedExtent(ext, tf); perr == nil {
			if s.desc.Extent == nil || s.declaredTf == nil {
				if keys, kerr := p.grid.TilesFor(projected); kerr == nil {
					p.compositor.Expect(s.order, keys)
				} else {
					log.Warn("source tiles not announced", zap.Stringer("source", s.desc), zap.Error(kerr))
				}
			}
			if ct.Resolution <= 0 {
				ct.Resolution = targetResolution(stream.Resolution(), ext, projected)
			}
			if w, ok := stream.(driver.Windowed); ok {
				if err := j.sizeHalo(p, s, w, ext, projected); err != nil {
					return j.sourceError(s, Unreadable, err)
				}
			}
		}
	}

	var skips skipped
	defer func() {
		if skips.n > 0 {
			j.diagnose(s.desc, Skipped, fmt.Errorf("%d records or tile writes skipped, first: %w", skips.n, skips.first))
		}
	}()
	records := 0
	for {
		if ctx.Err() != nil {
			j.diagnose(s.desc, Cancelled, fmt.Errorf("stopped after %d records: %w", records, ErrCancelled))
			return nil
		}
		rec, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return j.sourceError(s, Corrupt, err)
		}
		records++
		j.composite(p, s, ct, rec, &skips)
	}
	log.Info("source done", zap.Stringer("job", j.id), zap.Stringer("source", s.desc), zap.Int("records", records))
	return nil
}

// sourceError turns a per-source error into a diagnostic, unless it is fatal for the job
func (j *Job) sourceError(s source, kind DiagnosticKind, err error) error {
	if errors.Is(err, driver.ErrResourceExhausted) {
		return fmt.Errorf("source %s: %w", s.desc, err)
	}
	if errors.Is(err, context.Canceled) {
		j.diagnose(s.desc, Cancelled, fmt.Errorf("%w: %w", ErrCancelled, err))
		return nil
	}
	j.diagnose(s.desc, kind, err)
	// back to streaming the next source
	return j.transition(Streaming)
}

// transformFor returns the transform from ref to the target, the prebuilt one for declared references
func (j *Job) transformFor(p *plan, s source, ref *crs.CoordinateReference) (*crs.Transform, error) {
	if ref == nil {
		return nil, driver.ErrMissingReference
	}
	if s.declaredTf != nil && ref.ID == s.declared.ID {
		return s.declaredTf, nil
	}
	return j.importer.resolver.BuildTransform(ref, p.target)
}

// composite feeds one record to the compositor. Records that cannot be placed are skipped.
func (j *Job) composite(p *plan, s source, ct tile.Contribution, rec driver.Record, skips *skipped) {
	switch {
	case rec.Raster != nil:
		block := rec.Raster
		tf, err := j.transformFor(p, s, block.CRS)
		if err != nil {
			skips.add(err)
			return
		}
		ext, err := raster.ProjectedExtent(block.Extent(), tf)
		if err != nil {
			skips.add(err)
			return
		}
		keys, err := p.grid.TilesFor(ext)
		if err != nil {
			skips.add(err)
			return
		}
		for _, k := range keys {
			out, err := raster.Resample(block, tf, p.grid.TileSpec(k), j.req.Resample)
			if err != nil {
				skips.add(fmt.Errorf("tile %s: %w", k, err))
				continue
			}
			if err := p.compositor.Composite(k, ct, out); err != nil {
				skips.add(err)
			}
		}
	case rec.Feature != nil:
		tf, err := j.transformFor(p, s, rec.Feature.CRS)
		if err != nil {
			skips.add(err)
			return
		}
		f, err := vector.Extract(rec.Feature, tf)
		if err != nil {
			skips.add(err)
			return
		}
		f.Source = s.desc.ID
		if !sieve.Feature(f, j.req.Sieve) {
			log.Debug("feature sieved", zap.Stringer("source", s.desc), zap.String("feature", f.ID))
			return
		}
		if f.Flags != 0 {
			log.Debug("feature flagged", zap.Stringer("source", s.desc), zap.String("feature", f.ID),
				zap.Stringer("flags", f.Flags))
		}
		if err := p.compositor.CompositeFeature(ct, f); err != nil {
			skips.add(fmt.Errorf("feature %s %s: %w", f.ID, geomhelp.WktMustEncode(f.Geometry, 60), err))
		}
	}
}

// sizeHalo widens the stream's window halo to the rows one target sample reads,
// given the target cell size over the source row height in target units
func (j *Job) sizeHalo(p *plan, s source, w driver.Windowed, ext, projected [4]float64) error {
	_, cellH := w.CellSize()
	srcHeight, dstHeight := ext[3]-ext[1], projected[3]-projected[1]
	if cellH <= 0 || srcHeight <= 0 || dstHeight <= 0 {
		return nil
	}
	ratio := p.grid.CellSize / (cellH * dstHeight / srcHeight)
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return nil
	}
	halo := max(j.req.HaloRows, raster.HaloRows(j.req.Resample.Mode, ratio))
	if halo == j.req.HaloRows {
		return nil
	}
	log.Debug("window halo widened", zap.Stringer("source", s.desc), zap.Int("rows", halo),
		zap.Stringer("mode", j.req.Resample.Mode))
	return w.SetHaloRows(halo)
}

// targetResolution converts a resolution in source units to target units,
// by the ratio of the extent's width before and after projection
func targetResolution(res float64, ext, projected [4]float64) float64 {
	srcWidth, dstWidth := ext[2]-ext[0], projected[2]-projected[0]
	if res <= 0 || srcWidth <= 0 || dstWidth <= 0 {
		return res
	}
	return res * srcWidth / dstWidth
}
