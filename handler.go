package arc

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"

	"github.com/meigma/arc/internal/arctype"
	"github.com/meigma/arc/internal/codec"
	"github.com/meigma/arc/internal/format/gz"
	"github.com/meigma/arc/internal/format/img"
	"github.com/meigma/arc/internal/sizing"
	"github.com/meigma/arc/internal/tuning"
	"github.com/meigma/arc/internal/update"
)

// Handler is one host session over a container: it opens an archive,
// exposes its entries, extracts bodies and runs update passes.
//
// A Handler is reusable across opens but is not safe for concurrent use.
// Update passes over the same archive must be serialized by the caller.
type Handler struct {
	logger           *slog.Logger
	cache            *Cache
	registry         *codec.Registry
	format           string
	imageName        string
	workers          int
	budget           uint64
	maxDecoderMemory uint64
	decoderLowmem    bool

	cfg  tuning.Config
	keep bool

	parts  []ByteSource
	db     *Database
	reused bool
}

// NewHandler returns a Handler with no archive open.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		format:           FormatImg,
		maxDecoderMemory: codec.DefaultMaxDecoderMemory,
		cfg:              tuning.New(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	pool := codec.NewDecoderPool(h.maxDecoderMemory, codec.WithDecoderLowmem(h.decoderLowmem))
	h.registry = codec.NewRegistry(codec.WithDecoderPool(pool))
	return h
}

func (h *Handler) log() *slog.Logger {
	if h.logger != nil {
		return h.logger
	}
	return slog.New(slog.DiscardHandler)
}

// Open parses the container spread over parts, closing any archive already
// open. Structural problems do not fail the open; see Database().Issues.
//
// With a cache configured, a database kept for the same source is reused
// when the source bytes are unchanged.
func (h *Handler) Open(ctx context.Context, parts ...ByteSource) error {
	if len(parts) == 0 {
		return arctype.Invalid("no container parts")
	}
	h.Close()

	format, err := Sniff(parts[0])
	if err != nil {
		return err
	}
	parse := func() (*Database, error) {
		return parseFormat(format, parts, h.log())
	}

	var db *Database
	var reused bool
	if h.cache != nil {
		db, reused, err = h.cache.Load(ctx, parts[0], parse)
	} else {
		db, err = parse()
	}
	if err != nil {
		return err
	}

	h.parts = parts
	h.db = db
	h.reused = reused
	h.log().Info("archive opened",
		"format", db.Format,
		"entries", len(db.Entries),
		"issues", len(db.Issues),
		"reused", reused)
	return nil
}

// Close releases the open archive. Unless keep-mode is set, the cached
// database for the archive is invalidated. Close does not close the parts.
func (h *Handler) Close() {
	if h.db == nil {
		return
	}
	if h.cache != nil && !h.keep {
		h.cache.Invalidate(h.parts[0].SourceID())
	}
	h.parts = nil
	h.db = nil
	h.reused = false
}

// Database returns the open database, or nil.
func (h *Handler) Database() *Database {
	return h.db
}

// Reused reports whether the open database came from the cache.
func (h *Handler) Reused() bool {
	return h.reused
}

// Entries returns the entries of the open archive in on-disk order.
func (h *Handler) Entries() []Entry {
	if h.db == nil {
		return nil
	}
	return h.db.Entries
}

// SetProperties replaces the session configuration with the given key/value
// properties. Keys are validated against the open format: gz accepts the
// method keys only, image containers also accept M, IM and IMAGE.
func (h *Handler) SetProperties(names []string, values []Value) error {
	keys := tuning.KeysMethod
	if h.currentFormat() == FormatImg {
		keys |= tuning.KeysImage
	}
	cfg, err := tuning.Parse(names, values, keys)
	if err != nil {
		return err
	}
	h.cfg = cfg
	return nil
}

// KeepModeForNextOpen controls whether the database is retained for the
// next open of the same archive. In keep-mode a pinned IM property takes
// precedence over the show-image-number default stored in the archive.
func (h *Handler) KeepModeForNextOpen(keep bool) {
	h.keep = keep
}

func (h *Handler) currentFormat() string {
	if h.db != nil {
		return h.db.Format
	}
	return h.format
}

// ShowImageNumber reports whether item paths carry an image prefix.
//
// Precedence: a pinned IM property in keep-mode, then the archive's stored
// default, then a pinned IM property, then whether the archive has more
// than one image.
func (h *Handler) ShowImageNumber() bool {
	if h.db == nil {
		return false
	}
	pinned := h.cfg.ShowImageNumber
	switch {
	case pinned != nil && h.keep:
		return *pinned
	case h.db.ShowImageNumber != nil:
		return *h.db.ShowImageNumber
	case pinned != nil:
		return *pinned
	default:
		return len(h.db.Images) > 1
	}
}

// DefaultImage returns the image presented by default, or 0 when the
// archive has no images.
func (h *Handler) DefaultImage() int {
	if h.db == nil {
		return 0
	}
	return h.db.ResolveDefaultImage(h.cfg.DefaultImage)
}

// ItemPath returns the display path of entry i.
func (h *Handler) ItemPath(i int) (string, error) {
	e, err := h.entry(i)
	if err != nil {
		return "", err
	}
	if e.Image > 0 && h.ShowImageNumber() {
		return fmt.Sprintf("%d/%s", e.Image, e.Name), nil
	}
	return e.Name, nil
}

func (h *Handler) entry(i int) (*Entry, error) {
	if h.db == nil {
		return nil, arctype.Invalid("no archive open")
	}
	if i < 0 || i >= len(h.db.Entries) {
		return nil, arctype.Invalid("entry %d out of range (%d entries)", i, len(h.db.Entries))
	}
	return &h.db.Entries[i], nil
}

// Extract decodes the body of entry i into w and verifies its size and
// checksum. Directories write nothing. Entries with recorded structural
// issues fail with ErrStructural; the rest of the archive stays readable.
func (h *Handler) Extract(ctx context.Context, i int, w io.Writer) error {
	e, err := h.entry(i)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	if e.IsDir {
		return nil
	}
	if !h.db.EntryOK(i) {
		return fmt.Errorf("%w: entry %d (%s)", ErrStructural, i, e.Name)
	}
	src, err := h.entrySource(e)
	if err != nil {
		return err
	}
	off, err := sizing.ToInt64(e.DataOffset(), ErrSizeOverflow)
	if err != nil {
		return err
	}
	n, err := sizing.ToInt64(e.PackedSize, ErrSizeOverflow)
	if err != nil {
		return err
	}
	dec, err := h.registry.Decoder(e.Method)
	if err != nil {
		return err
	}

	crc := crc32.NewIEEE()
	cw := &countingWriter{w: io.MultiWriter(w, crc)}
	if err := dec.Transform(io.NewSectionReader(src, off, n), cw); err != nil {
		return fmt.Errorf("%w: entry %s: %w", ErrCodec, e.Name, err)
	}
	if cw.n != e.Size {
		return fmt.Errorf("%w: entry %s: decoded %d bytes, expected %d", ErrCodec, e.Name, cw.n, e.Size)
	}
	if got := crc.Sum32(); got != e.CRC {
		return fmt.Errorf("%w: entry %s: crc %08x, expected %08x", ErrCodec, e.Name, got, e.CRC)
	}
	return nil
}

// entrySource returns the part holding the body of e.
func (h *Handler) entrySource(e *Entry) (ByteSource, error) {
	if len(h.db.Volumes) == 0 {
		return h.parts[0], nil
	}
	if e.Volume < 0 || e.Volume >= len(h.db.Volumes) {
		return nil, fmt.Errorf("%w: entry %s: volume %d", ErrStructural, e.Name, e.Volume)
	}
	part := h.db.Volumes[e.Volume].Part
	if part < 0 || part >= len(h.parts) {
		return nil, fmt.Errorf("%w: entry %s: part %d missing", ErrStructural, e.Name, part)
	}
	return h.parts[part], nil
}

// Update runs one update pass over the open archive, or creates a new
// archive in the configured format when none is open. n is the number of
// output items cb describes. The new container is written to out and its
// database returned; the open archive is left unchanged.
//
// In keep-mode with WithOutputID, the returned database is cached so the
// next open of the written archive reuses it.
func (h *Handler) Update(ctx context.Context, n int, cb Callback, out io.Writer, opts ...UpdateOption) (*Database, error) {
	var ucfg updateConfig
	for _, opt := range opts {
		opt(&ucfg)
	}

	container, method, err := h.container()
	if err != nil {
		return nil, err
	}
	engOpts := []update.Option{
		update.WithMethod(method),
		update.WithParams(h.cfg.Resolve()),
		update.WithWorkers(h.workers),
		update.WithLogger(h.log()),
	}
	if h.budget > 0 {
		engOpts = append(engOpts, update.WithBufferBudget(h.budget))
	}
	eng := update.New(h.registry, engOpts...)

	db, err := eng.Run(ctx, container, h.db, n, cb, out)
	if err != nil {
		return nil, err
	}
	if h.keep && h.cache != nil && ucfg.outputID != "" {
		h.cache.Store(ucfg.outputID, db)
		h.log().Debug("database kept for next open", "output", ucfg.outputID)
	}
	return db, nil
}

// container builds the format writer and picks the encoding method.
func (h *Handler) container() (update.Container, arctype.Method, error) {
	switch format := h.currentFormat(); format {
	case FormatGz:
		var src arctype.Source
		if h.db != nil {
			src = h.parts[0]
		}
		return gz.NewWriter(src, gz.WithLogger(h.log())), arctype.MethodDeflate, nil
	case FormatImg:
		opts := []img.Option{
			img.WithLogger(h.log()),
			img.WithSessionDefaultImage(h.cfg.DefaultImage),
		}
		if h.imageName != "" {
			opts = append(opts, img.WithImageName(h.imageName))
		}
		if h.keep && h.cfg.ShowImageNumber != nil {
			opts = append(opts, img.WithShowImageNumber(h.cfg.ShowImageNumber))
		}
		var parts []arctype.Source
		if h.db != nil {
			parts = asSources(h.parts)
		}
		return img.NewWriter(parts, h.db, opts...), h.imageMethod(), nil
	default:
		return nil, 0, fmt.Errorf("%w: cannot write %q", ErrUnsupportedFormat, format)
	}
}

// imageMethod resolves the method for new image bodies: an explicit M
// wins, otherwise a non-zero level selects deflate and anything else
// stores.
func (h *Handler) imageMethod() arctype.Method {
	switch {
	case h.cfg.MethodSet:
		return h.cfg.Method
	case h.cfg.LevelSet() && h.cfg.Level > 0:
		return arctype.MethodDeflate
	default:
		return arctype.MethodCopy
	}
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n) //nolint:gosec // n is non-negative
	return n, err
}
