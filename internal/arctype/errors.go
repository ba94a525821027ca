// Package arctype defines shared types used across the arc package and its
// internal packages. This avoids circular imports between the handler, the
// update engine and the container formats.
package arctype

import (
	"errors"
	"fmt"
)

// Sentinel errors for archive operations.
var (
	// ErrInvalidArgument is returned for malformed or contradictory host input.
	// It is always reported before any bytes are written for the offending call.
	ErrInvalidArgument = errors.New("arc: invalid argument")

	// ErrStructural is returned when an update is attempted on a database
	// that recorded structural issues while it was parsed.
	ErrStructural = errors.New("arc: structural error")

	// ErrCodec is returned when a stream transform fails. The output of the
	// whole rewrite is invalid.
	ErrCodec = errors.New("arc: codec failure")

	// ErrAborted is returned when the host requested cancellation.
	ErrAborted = errors.New("arc: aborted")

	// ErrUnsupportedFormat is returned when no container format recognizes a source.
	ErrUnsupportedFormat = errors.New("arc: unsupported format")

	// ErrSizeOverflow is returned when byte counts exceed supported limits.
	ErrSizeOverflow = errors.New("arc: size overflow")
)

// Invalid returns an ErrInvalidArgument carrying a formatted reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
