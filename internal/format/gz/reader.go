package gz

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/meigma/arc/internal/arctype"
	"github.com/meigma/arc/internal/sizing"
)

// Option configures parsing and writing.
type Option func(*config)

type config struct {
	logger *slog.Logger
}

// WithLogger sets the logger for format diagnostics.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func newConfig(opts []Option) config {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Parse reads the member in src into a database.
//
// Parsing is tolerant: a damaged body or trailer is recorded as an issue and
// the entry is still listed. Only a source that is not gzip at all fails
// with arctype.ErrUnsupportedFormat.
func Parse(src arctype.Source, opts ...Option) (*arctype.Database, error) {
	cfg := newConfig(opts)
	size := src.Size()
	fp, err := arctype.SourceFingerprint(src)
	if err != nil {
		return nil, err
	}
	db := &arctype.Database{Format: Format, PhySize: size, Fingerprint: fp}

	h, err := readHeader(io.NewSectionReader(src, 0, size))
	switch {
	case errors.Is(err, errBadMagic):
		return nil, fmt.Errorf("%w: %w", arctype.ErrUnsupportedFormat, err)
	case err != nil:
		db.AddIssue(arctype.IssueHeader, -1, "%v", err)
		cfg.logger.Warn("gzip header unreadable", "error", err)
		return db, nil
	}

	e := arctype.Entry{
		Name:       h.name,
		Flags:      uint32(h.flags),
		Extra:      h.extra,
		Comment:    h.comment,
		Method:     arctype.MethodDeflate,
		HeaderSize: h.size,
		HostOS:     h.os,
		Security:   arctype.NoSecurity,
	}
	if h.mtime != 0 {
		e.ModTime = time.Unix(int64(h.mtime), 0).UTC()
	}

	packed, raw, crc, bodyErr := scanBody(src, h.size, size)
	e.PackedSize = packed
	e.Size = raw
	e.CRC = crc
	if bodyErr != nil {
		db.AddIssue(arctype.IssueEntry, 0, "body: %v", bodyErr)
		cfg.logger.Warn("gzip body damaged", "error", bodyErr)
		db.Entries = append(db.Entries, e)
		return db, nil
	}

	trailerAt := h.size + packed
	if !sizing.Within(trailerAt, trailerSize, size) {
		db.AddIssue(arctype.IssueEntry, 0, "truncated trailer")
		db.Entries = append(db.Entries, e)
		return db, nil
	}
	var tr [trailerSize]byte
	if _, err := src.ReadAt(tr[:], int64(trailerAt)); err != nil && !errors.Is(err, io.EOF) { //nolint:gosec // checked by Within
		return nil, fmt.Errorf("gz: read trailer: %w", err)
	}
	if got := binary.LittleEndian.Uint32(tr[0:4]); got != crc {
		db.AddIssue(arctype.IssueEntry, 0, "crc mismatch: stored %08x, computed %08x", got, crc)
	}
	isize := uint32(raw) //nolint:gosec // ISIZE is size modulo 2^32
	if got := binary.LittleEndian.Uint32(tr[4:8]); got != isize {
		db.AddIssue(arctype.IssueEntry, 0, "size mismatch: stored %d, computed %d", got, isize)
	}

	end := trailerAt + trailerSize
	db.PhySize = int64(end) //nolint:gosec // bounded by size
	if db.PhySize < size {
		cfg.logger.Debug("gzip member followed by trailing bytes", "member", db.PhySize, "source", size)
	}
	db.Entries = append(db.Entries, e)
	return db, nil
}

// scanBody inflates the deflate stream at off, returning the packed length,
// the raw length and the raw CRC-32. On error the lengths cover what was
// decoded so far.
func scanBody(src arctype.Source, off uint64, size int64) (packed, raw uint64, crc uint32, err error) {
	start, err := sizing.ToInt64(off, arctype.ErrSizeOverflow)
	if err != nil {
		return 0, 0, 0, err
	}
	// flate consumes exactly the stream when given an io.ByteReader, so the
	// counter ends on the first trailer byte.
	cr := &countingReader{r: bufio.NewReader(io.NewSectionReader(src, start, size-start))}
	fr := flate.NewReader(cr)
	defer fr.Close()

	h := crc32.NewIEEE()
	n, err := io.Copy(h, fr)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = errors.New("truncated deflate stream")
	}
	return cr.n, uint64(n), h.Sum32(), err //nolint:gosec // n is non-negative
}
