package arc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/meigma/arc/internal/arctype"
	"github.com/meigma/arc/internal/format/gz"
	"github.com/meigma/arc/internal/format/img"
)

// Container format names.
const (
	FormatGz  = gz.Format
	FormatImg = img.Format
)

// sniffSize covers the longest magic checked by any format.
const sniffSize = 16

// Sniff returns the format of the container starting in src, or
// ErrUnsupportedFormat.
func Sniff(src ByteSource) (string, error) {
	head := make([]byte, min(src.Size(), sniffSize))
	if _, err := src.ReadAt(head, 0); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read magic: %w", err)
	}
	switch {
	case img.Sniff(head):
		return FormatImg, nil
	case gz.Sniff(head):
		return FormatGz, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Parse reads a container without a handler or cache. Structural problems
// are recorded in the returned database; only unrecognized input fails.
func Parse(parts []ByteSource, logger *slog.Logger) (*Database, error) {
	if len(parts) == 0 {
		return nil, arctype.Invalid("no container parts")
	}
	format, err := Sniff(parts[0])
	if err != nil {
		return nil, err
	}
	return parseFormat(format, parts, logger)
}

func parseFormat(format string, parts []ByteSource, logger *slog.Logger) (*Database, error) {
	switch format {
	case FormatGz:
		if len(parts) != 1 {
			return nil, arctype.Invalid("gz containers have a single part, got %d", len(parts))
		}
		return gz.Parse(parts[0], gz.WithLogger(logger))
	case FormatImg:
		return img.Parse(asSources(parts), img.WithLogger(logger))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func asSources(parts []ByteSource) []arctype.Source {
	if parts == nil {
		return nil
	}
	out := make([]arctype.Source, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out
}
