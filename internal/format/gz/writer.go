package gz

import (
	"fmt"
	"log/slog"

	"github.com/meigma/arc/internal/arctype"
	"github.com/meigma/arc/internal/update"
)

// Writer is the update.Container for gzip. Unchanged and properties-only
// entries are copied from src, the prior gzip file.
type Writer struct {
	src    arctype.Source
	logger *slog.Logger
}

var _ update.Container = (*Writer)(nil)

// NewWriter returns a container writer. src may be nil when no prior file
// exists.
func NewWriter(src arctype.Source, opts ...Option) *Writer {
	cfg := newConfig(opts)
	return &Writer{src: src, logger: cfg.logger}
}

// Traits implements update.Container.
func (w *Writer) Traits() update.Traits {
	return update.Traits{Flat: true, SingleEntry: true}
}

// Prepare implements update.Container. Folders cannot be stored and the
// mtime must fit the 32-bit field.
func (w *Writer) Prepare(next, prior *arctype.Entry) error {
	if next.IsDir || next.Attributes&arctype.AttrDirectory != 0 {
		return arctype.Invalid("gz: cannot store folder %q", next.Name)
	}
	if _, err := unixTime(next.ModTime); err != nil {
		return err
	}
	if prior == nil {
		next.HostOS = OSUnknown
	} else if w.src == nil {
		return arctype.Invalid("gz: entry reuses a prior file that was not supplied")
	}
	next.Method = arctype.MethodDeflate
	// Header encoding validates the extra field.
	if _, err := encodeHeader(next); err != nil {
		return err
	}
	return nil
}

// Begin implements update.Container.
func (w *Writer) Begin(*update.Output) error { return nil }

// CopyEntry implements update.Container. The whole prior file is copied,
// trailing bytes included.
func (w *Writer) CopyEntry(out *update.Output, _, next *arctype.Entry) error {
	next.Offset = out.Offset()
	size := uint64(w.src.Size()) //nolint:gosec // sizes are non-negative
	return out.CopyRange(w.src, 0, size)
}

// RewriteHeader implements update.Container. Everything after the prior
// header is copied as is.
func (w *Writer) RewriteHeader(out *update.Output, prior, next *arctype.Entry) error {
	hdr, err := encodeHeader(next)
	if err != nil {
		return err
	}
	next.Offset = out.Offset()
	next.HeaderSize = uint64(len(hdr))
	if _, err := out.Write(hdr); err != nil {
		return err
	}
	size := uint64(w.src.Size()) //nolint:gosec // sizes are non-negative
	from := prior.DataOffset()
	if from > size {
		return fmt.Errorf("gz: prior data offset %d beyond source size %d", from, size)
	}
	return out.CopyRange(w.src, from, size-from)
}

// WriteEntry implements update.Container.
func (w *Writer) WriteEntry(out *update.Output, next *arctype.Entry, body *update.Body) error {
	hdr, err := encodeHeader(next)
	if err != nil {
		return err
	}
	next.Offset = out.Offset()
	next.HeaderSize = uint64(len(hdr))
	if _, err := out.Write(hdr); err != nil {
		return err
	}
	if _, err := out.Write(body.Data); err != nil {
		return err
	}
	_, err = out.Write(encodeTrailer(body.CRC, body.Size))
	return err
}

// Finish implements update.Container.
func (w *Writer) Finish(_ *update.Output, db *arctype.Database) error {
	db.Format = Format
	w.logger.Debug("gzip member written", "entries", len(db.Entries))
	return nil
}
