// Package errs defines the codec's error-kind taxonomy and the
// tile-abandonment error type used to surface failures at the tile
// boundary.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a codec failure. The HT block coder itself never
// returns a Kind — invalid input at its boundary is a programmer error —
// but every other pipeline stage reports through one of these.
type Kind int

const (
	// MalformedMarker indicates a marker layout or length violates the
	// codestream syntax.
	MalformedMarker Kind = iota
	// UnsupportedFeature indicates a valid feature this codec does not
	// implement (e.g. a Part-2 extension).
	UnsupportedFeature
	// ResourceExhausted indicates an allocation failure or a size-cap
	// breach.
	ResourceExhausted
	// InvalidParameter indicates a caller-supplied configuration value
	// outside its allowed range.
	InvalidParameter
	// StreamIO indicates the underlying byte source or sink failed.
	StreamIO
	// ColorInvariant indicates a cdef/cmap/pclr internal inconsistency.
	ColorInvariant
	// Truncated indicates a packet header or segment ended prematurely.
	Truncated
)

// String returns a short name for the error kind.
func (k Kind) String() string {
	switch k {
	case MalformedMarker:
		return "malformed_marker"
	case UnsupportedFeature:
		return "unsupported_feature"
	case ResourceExhausted:
		return "resource_exhausted"
	case InvalidParameter:
		return "invalid_parameter"
	case StreamIO:
		return "stream_io"
	case ColorInvariant:
		return "color_invariant"
	case Truncated:
		return "truncated"
	default:
		return "unknown"
	}
}

// Position locates a failure within a codestream: a byte offset and,
// once tiling has begun, the tile index that was being processed.
type Position struct {
	Offset   int64
	TileIdx  int
	HasTile  bool
}

// Error wraps an underlying cause with a Kind and an optional Position.
// The underlying cause retains its pkg/errors stack trace.
type Error struct {
	Kind Kind
	Pos  Position
	Err  error
}

func (e *Error) Error() string {
	if e.Pos.HasTile {
		return fmt.Sprintf("%s: tile %d, offset %d: %v", e.Kind, e.Pos.TileIdx, e.Pos.Offset, e.Err)
	}
	if e.Pos.Offset != 0 {
		return fmt.Sprintf("%s: offset %d: %v", e.Kind, e.Pos.Offset, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err (attaching a stack trace if it doesn't already carry
// one) with the given kind at offset 0.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: errors.WithStack(err)}
}

// Newf formats a new error of the given kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: errors.Errorf(format, args...)}
}

// AtOffset attaches a codestream byte offset to the error.
func (e *Error) AtOffset(offset int64) *Error {
	e.Pos.Offset = offset
	return e
}

// AtTile attaches a tile index to the error, marking the tile as
// abandoned per the error handling design: the composite image is left
// unmodified for that region.
func (e *Error) AtTile(idx int) *Error {
	e.Pos.TileIdx = idx
	e.Pos.HasTile = true
	return e
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// otherwise returns StreamIO as the conservative default.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return StreamIO
}
