package sink

import (
	"sync"

	"go.uber.org/zap"

	"github.com/pdok/landform/log"
	"github.com/pdok/landform/tile"
)

// LazyGeopackage opens its TargetGeopackage on the first tile, in that tile's
// reference. Jobs targeting auto-utm only know their reference once resolved.
type LazyGeopackage struct {
	File      string
	PageSize  int
	Overwrite bool

	mu     sync.Mutex
	target *TargetGeopackage
}

func (l *LazyGeopackage) Accept(out *tile.OutputTile) error {
	l.mu.Lock()
	if l.target == nil {
		target, err := NewTargetGeopackage(l.File, out.Spec.CRS, l.PageSize, l.Overwrite)
		if err != nil {
			l.mu.Unlock()
			return err
		}
		log.Info("opened target", zap.String("file", l.File), zap.String("crs", out.Spec.CRS.ID))
		l.target = target
	}
	target := l.target
	l.mu.Unlock()
	return target.Accept(out)
}

// Flush is a no-op until a tile was accepted
func (l *LazyGeopackage) Flush() error {
	if t := l.opened(); t != nil {
		return t.Flush()
	}
	return nil
}

func (l *LazyGeopackage) Close() error {
	if t := l.opened(); t != nil {
		return t.Close()
	}
	return nil
}

func (l *LazyGeopackage) Written() int {
	if t := l.opened(); t != nil {
		return t.Written()
	}
	return 0
}

func (l *LazyGeopackage) opened() *TargetGeopackage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.target
}
