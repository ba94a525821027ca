package img

import (
	"fmt"
	"log/slog"

	"github.com/zeebo/blake3"

	"github.com/meigma/arc/internal/arctype"
	"github.com/meigma/arc/internal/update"
	"github.com/meigma/arc/internal/xmlmeta"
)

// Writer is the update.Container for image containers. Output is always a
// single part holding a single volume; prior entries are copied out of
// whichever part and volume held them.
type Writer struct {
	parts  []arctype.Source
	prior  *arctype.Database
	cfg    config
	logger *slog.Logger

	defaultImage int
	createImage  bool

	// security is the deduplicated output table; remap maps prior indices
	// into it.
	security [][]byte
	remap    []int
}

var _ update.Container = (*Writer)(nil)

// NewWriter returns a container writer. parts and prior may be nil when a
// new container is created.
func NewWriter(parts []arctype.Source, prior *arctype.Database, opts ...Option) *Writer {
	cfg := newConfig(opts)
	w := &Writer{
		parts:  parts,
		prior:  prior,
		cfg:    cfg,
		logger: cfg.logger,
	}

	if prior != nil {
		seen := make(map[[32]byte]int, len(prior.Security))
		w.remap = make([]int, len(prior.Security))
		for i, block := range prior.Security {
			sum := blake3.Sum256(block)
			if j, ok := seen[sum]; ok {
				w.remap[i] = j
				continue
			}
			seen[sum] = len(w.security)
			w.remap[i] = len(w.security)
			w.security = append(w.security, block)
		}
		if n := len(prior.Security) - len(w.security); n > 0 {
			w.logger.Debug("duplicate security blocks merged", "merged", n)
		}
	}

	if prior != nil && len(prior.Images) > 0 {
		w.defaultImage = prior.ResolveDefaultImage(cfg.sessionDefault)
	} else {
		w.defaultImage = 1
		w.createImage = true
	}
	return w
}

// Traits implements update.Container.
func (w *Writer) Traits() update.Traits {
	return update.Traits{}
}

// Prepare implements update.Container. New entries join the default image
// and carry no security descriptor; reused entries have their security
// index mapped into the deduplicated table.
func (w *Writer) Prepare(next, prior *arctype.Entry) error {
	if prior == nil {
		next.Image = w.defaultImage
		next.Security = arctype.NoSecurity
	} else {
		if w.parts == nil {
			return arctype.Invalid("img: entry reuses a prior container that was not supplied")
		}
		next.Security = w.mapSecurity(prior.Security)
	}
	if next.Name == "" {
		return arctype.Invalid("img: entry without a name")
	}
	_, err := encodeRecordHeader(next)
	return err
}

func (w *Writer) mapSecurity(i int) int {
	if i < 0 || i >= len(w.remap) {
		return i
	}
	return w.remap[i]
}

// Begin implements update.Container.
func (w *Writer) Begin(out *update.Output) error {
	_, err := out.Write(partHeader{part: 0, parts: 1}.encode())
	return err
}

// source returns the part holding a prior entry.
func (w *Writer) source(e *arctype.Entry) (arctype.Source, error) {
	if w.prior == nil || e.Volume < 0 || e.Volume >= len(w.prior.Volumes) {
		return nil, fmt.Errorf("img: entry %q has no volume", e.Name)
	}
	part := w.prior.Volumes[e.Volume].Part
	if part < 0 || part >= len(w.parts) {
		return nil, fmt.Errorf("img: entry %q lives in missing part %d", e.Name, part)
	}
	return w.parts[part], nil
}

// CopyEntry implements update.Container. A record whose security index
// moved in the deduplicated table gets a fresh header.
func (w *Writer) CopyEntry(out *update.Output, prior, next *arctype.Entry) error {
	next.Security = w.mapSecurity(prior.Security)
	if next.Security != prior.Security {
		return w.RewriteHeader(out, prior, next)
	}
	src, err := w.source(prior)
	if err != nil {
		return err
	}
	next.Offset = out.Offset()
	return out.CopyRange(src, prior.Offset, prior.HeaderSize+prior.PackedSize)
}

// RewriteHeader implements update.Container. prior is nil for new folders.
func (w *Writer) RewriteHeader(out *update.Output, prior, next *arctype.Entry) error {
	if err := w.writeHeader(out, next); err != nil {
		return err
	}
	if prior == nil || prior.PackedSize == 0 {
		return nil
	}
	src, err := w.source(prior)
	if err != nil {
		return err
	}
	return out.CopyRange(src, prior.DataOffset(), prior.PackedSize)
}

// WriteEntry implements update.Container.
func (w *Writer) WriteEntry(out *update.Output, next *arctype.Entry, body *update.Body) error {
	if err := w.writeHeader(out, next); err != nil {
		return err
	}
	_, err := out.Write(body.Data)
	return err
}

func (w *Writer) writeHeader(out *update.Output, next *arctype.Entry) error {
	hdr, err := encodeRecordHeader(next)
	if err != nil {
		return err
	}
	next.Offset = out.Offset()
	next.HeaderSize = uint64(len(hdr))
	_, err = out.Write(hdr)
	return err
}

// Finish implements update.Container. It writes the directory and trailer.
func (w *Writer) Finish(out *update.Output, db *arctype.Database) error {
	dataEnd := out.Offset()
	db.Format = Format
	db.Volumes = []arctype.Volume{{Part: 0, Offset: partHeaderSize, Length: dataEnd - partHeaderSize, Next: -1}}
	db.Security = w.security
	if w.createImage && len(db.Images) == 0 && len(db.Entries) > 0 {
		blob, err := xmlmeta.Encode(xmlmeta.Info{Index: 1, Name: w.cfg.imageName})
		if err != nil {
			return fmt.Errorf("img: image metadata: %w", err)
		}
		db.Images = []arctype.Image{{Index: 1, Name: w.cfg.imageName, XML: blob}}
	}
	if w.cfg.show != nil {
		v := *w.cfg.show
		db.ShowImageNumber = &v
	}

	dir, err := buildDirectory(db)
	if err != nil {
		return err
	}
	if _, err := out.Write(dir); err != nil {
		return err
	}
	if _, err := out.Write(trailer{dirOffset: dataEnd, dirSize: uint64(len(dir))}.encode()); err != nil {
		return err
	}
	w.logger.Debug("image container written",
		"entries", len(db.Entries), "security", len(db.Security), "directory", len(dir))
	return nil
}
