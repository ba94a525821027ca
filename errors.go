package arc

import (
	"github.com/meigma/arc/internal/arctype"
	"github.com/meigma/arc/internal/prop"
)

// Errors re-exported from arctype.
var (
	// ErrInvalidArgument is returned for malformed or contradictory host input.
	// No output bytes are written for the offending call.
	ErrInvalidArgument = arctype.ErrInvalidArgument

	// ErrStructural is returned when an update or extraction touches a
	// database or entry with recorded structural issues.
	ErrStructural = arctype.ErrStructural

	// ErrCodec is returned when a stream transform fails or decoded content
	// does not match its recorded size and checksum.
	ErrCodec = arctype.ErrCodec

	// ErrAborted is returned when the host requested cancellation.
	ErrAborted = arctype.ErrAborted

	// ErrUnsupportedFormat is returned when no container format recognizes a source.
	ErrUnsupportedFormat = arctype.ErrUnsupportedFormat

	// ErrSizeOverflow is returned when a size value overflows.
	ErrSizeOverflow = arctype.ErrSizeOverflow
)

// ErrTypeMismatch is returned when a property value has the wrong kind.
var ErrTypeMismatch = prop.ErrTypeMismatch
