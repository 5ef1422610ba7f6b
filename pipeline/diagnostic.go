package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/pdok/landform/crs"
	"github.com/pdok/landform/driver"
	"github.com/pdok/landform/tile"
)

var (
	ErrCancelled         = errors.New("job cancelled")
	ErrSinkFailed        = errors.New("tile sink failed")
	ErrInvalidRequest    = errors.New("invalid import request")
	ErrIllegalTransition = errors.New("illegal state transition")

	// errors of the packages underneath, for callers matching job causes
	ErrResourceExhausted     = driver.ErrResourceExhausted
	ErrUnsupportedFormat     = driver.ErrUnsupportedFormat
	ErrAmbiguousFormat       = driver.ErrAmbiguousFormat
	ErrCorruptSource         = driver.ErrCorruptSource
	ErrInvalidReference      = crs.ErrInvalidReference
	ErrUnsupportedDatumShift = crs.ErrUnsupportedDatumShift
	ErrTileFinalized         = tile.ErrTileFinalized
)

// DiagnosticKind classifies what went wrong with a source
type DiagnosticKind int

const (
	// Corrupt sources stopped yielding records part way
	Corrupt DiagnosticKind = iota
	// Unreadable sources could not be opened or referenced
	Unreadable
	// Skipped records were dropped while the source went on
	Skipped
	// Cancelled sources were cut short or never started
	Cancelled
)

func (k DiagnosticKind) String() string {
	switch k {
	case Corrupt:
		return "corrupt"
	case Unreadable:
		return "unreadable"
	case Skipped:
		return "skipped"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Diagnostic is a recoverable problem with one source
type Diagnostic struct {
	Source string
	Kind   DiagnosticKind
	Err    error
	Time   time.Time
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s: %v", d.Source, d.Kind, d.Err)
}
