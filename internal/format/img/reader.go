package img

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/meigma/arc/internal/arctype"
	"github.com/meigma/arc/internal/sizing"
	"github.com/meigma/arc/internal/xmlmeta"
)

// Option configures parsing and writing.
type Option func(*config)

type config struct {
	logger         *slog.Logger
	skipVerify     bool
	imageName      string
	sessionDefault int
	show           *bool
}

// WithLogger sets the logger for format diagnostics.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithoutRecordVerify skips cross-checking directory records against the
// local headers they point to.
func WithoutRecordVerify() Option {
	return func(c *config) {
		c.skipVerify = true
	}
}

// WithImageName sets the name of the image created when entries are
// written into a container that has none.
func WithImageName(name string) Option {
	return func(c *config) {
		c.imageName = name
	}
}

// WithSessionDefaultImage sets the image new entries join when the
// container stores no valid default.
func WithSessionDefaultImage(n int) Option {
	return func(c *config) {
		c.sessionDefault = n
	}
}

// WithShowImageNumber overrides the stored show-image-number default.
func WithShowImageNumber(show *bool) Option {
	return func(c *config) {
		c.show = show
	}
}

func newConfig(opts []Option) config {
	c := config{imageName: "arc"}
	for _, opt := range opts {
		opt(&c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Parse reads a container spread over parts, in part order.
//
// Parsing is tolerant: every directory section is decoded on its own and a
// failure is recorded as an issue while the other sections still load. When
// the directory cannot be located at all, entry records are recovered by
// scanning part 0. Only a part 0 without a part header fails, with
// arctype.ErrUnsupportedFormat.
func Parse(parts []arctype.Source, opts ...Option) (*arctype.Database, error) {
	if len(parts) == 0 {
		return nil, arctype.Invalid("img: no parts")
	}
	cfg := newConfig(opts)
	db := &arctype.Database{Format: Format}

	var total int64
	for i, p := range parts {
		total += p.Size()
		var buf [partHeaderSize]byte
		_, err := p.ReadAt(buf[:], 0)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("img: part %d: %w", i, err)
		}
		hdr, err := decodePartHeader(buf[:])
		if err != nil {
			if i == 0 {
				return nil, fmt.Errorf("%w: %w", arctype.ErrUnsupportedFormat, err)
			}
			db.AddIssue(arctype.IssueVolume, -1, "part %d: %v", i, err)
			continue
		}
		if int(hdr.part) != i || int(hdr.parts) != len(parts) {
			db.AddIssue(arctype.IssueVolume, -1, "part %d: header claims part %d of %d", i, hdr.part, hdr.parts)
		}
	}
	db.PhySize = total

	fp, err := arctype.SourceFingerprint(parts[0])
	if err != nil {
		return nil, err
	}
	db.Fingerprint = fp

	dir, err := readDirectory(parts[0])
	if err != nil {
		db.AddIssue(arctype.IssueHeader, -1, "%v", err)
		cfg.logger.Warn("image directory unreadable, scanning records", "error", err)
		scanRecords(db, parts[0])
		db.Validate()
		return db, nil
	}

	section(db, arctype.IssueVolume, "volumes", func() { db.Volumes = dir.volumes() })
	section(db, arctype.IssueHeader, "security", func() { db.Security = dir.security() })
	section(db, arctype.IssueMetadata, "images", func() { db.Images = decodeImages(db, dir.images()) })
	section(db, arctype.IssueHeader, "selectors", func() {
		db.DefaultImage, db.BootImage, db.ShowImageNumber = dir.selectors()
	})

	var n int
	section(db, arctype.IssueEntry, "entries", func() { n = dir.entryCount() })
	for i := range n {
		e, err := dir.entry(i)
		if err != nil {
			db.AddIssue(arctype.IssueEntry, -1, "directory record %d: %v", i, err)
			continue
		}
		db.Entries = append(db.Entries, e)
	}

	damaged := checkVolumes(db, parts)
	db.Validate()
	checkEntries(db, parts, damaged, !cfg.skipVerify)

	if db.HasError() {
		cfg.logger.Warn("image container has structural issues", "issues", len(db.Issues))
	}
	cfg.logger.Debug("image container parsed",
		"entries", len(db.Entries), "volumes", len(db.Volumes), "images", len(db.Images))
	return db, nil
}

// section runs one directory section decoder, recording a panic from a
// corrupt buffer as an issue.
func section(db *arctype.Database, kind arctype.IssueKind, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			db.AddIssue(kind, -1, "%s: corrupt directory section: %v", name, r)
		}
	}()
	fn()
}

func readDirectory(p arctype.Source) (*directory, error) {
	size := p.Size()
	if size < partHeaderSize+trailerSize {
		return nil, errors.New("img: part 0 too small for a trailer")
	}
	buf := make([]byte, trailerSize)
	if _, err := p.ReadAt(buf, size-trailerSize); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("img: read trailer: %w", err)
	}
	tr, err := decodeTrailer(buf)
	if err != nil {
		return nil, err
	}
	if tr.dirOffset < partHeaderSize || !sizing.Within(tr.dirOffset, tr.dirSize, size-trailerSize) {
		return nil, fmt.Errorf("img: directory [%d, +%d) outside part 0", tr.dirOffset, tr.dirSize)
	}
	n, err := sizing.ToInt(tr.dirSize, arctype.ErrSizeOverflow)
	if err != nil {
		return nil, err
	}
	data := make([]byte, n)
	if _, err := p.ReadAt(data, int64(tr.dirOffset)); err != nil && !errors.Is(err, io.EOF) { //nolint:gosec // checked by Within
		return nil, fmt.Errorf("img: read directory: %w", err)
	}
	return loadDirectory(data)
}

// decodeImages pairs each image row with its parsed metadata. Rows are kept
// even when their metadata is malformed.
func decodeImages(db *arctype.Database, rows []imageRecord) []arctype.Image {
	images := make([]arctype.Image, 0, len(rows))
	for i, row := range rows {
		img := arctype.Image{Index: row.index, XML: row.xml}
		if row.index != i+1 {
			db.AddIssue(arctype.IssueMetadata, -1, "image row %d has index %d", i, row.index)
		}
		info, err := xmlmeta.Decode(row.xml)
		switch {
		case err != nil:
			db.AddIssue(arctype.IssueMetadata, -1, "image %d: %v", row.index, err)
		case info.Index != row.index:
			db.AddIssue(arctype.IssueMetadata, -1, "image %d: metadata claims index %d", row.index, info.Index)
		default:
			img.Name = info.Name
			img.Description = info.Description
		}
		images = append(images, img)
	}
	return images
}

// checkVolumes validates every volume range and the volume chain.
// It returns the set of damaged volumes.
func checkVolumes(db *arctype.Database, parts []arctype.Source) map[int]bool {
	damaged := make(map[int]bool)
	for i, v := range db.Volumes {
		switch {
		case v.Part < 0 || v.Part >= len(parts):
			db.AddIssue(arctype.IssueVolume, -1, "volume %d: part %d missing", i, v.Part)
			damaged[i] = true
		case !sizing.Within(v.Offset, v.Length, parts[v.Part].Size()):
			db.AddIssue(arctype.IssueVolume, -1, "volume %d: truncated (part %d holds %d bytes)", i, v.Part, parts[v.Part].Size())
			damaged[i] = true
		}
	}
	if len(db.Volumes) == 0 {
		return damaged
	}

	seen := make(map[int]bool, len(db.Volumes))
	for cur := 0; cur != -1; {
		if cur < 0 || cur >= len(db.Volumes) {
			db.AddIssue(arctype.IssueVolume, -1, "volume chain points at missing volume %d", cur)
			break
		}
		if seen[cur] {
			db.AddIssue(arctype.IssueVolume, -1, "volume chain loops at volume %d", cur)
			break
		}
		seen[cur] = true
		cur = db.Volumes[cur].Next
	}
	for i := range db.Volumes {
		if !seen[i] {
			db.AddIssue(arctype.IssueVolume, -1, "volume %d unreachable from the chain", i)
			damaged[i] = true
		}
	}
	return damaged
}

// checkEntries places every entry inside its volume and, when verify is
// set, compares it with its local header.
func checkEntries(db *arctype.Database, parts []arctype.Source, damaged map[int]bool, verify bool) {
	for i := range db.Entries {
		e := &db.Entries[i]
		if e.Volume < 0 || e.Volume >= len(db.Volumes) {
			continue // reported by Validate
		}
		if damaged[e.Volume] {
			db.AddIssue(arctype.IssueEntry, i, "lies in damaged volume %d", e.Volume)
			continue
		}
		v := db.Volumes[e.Volume]
		span, ok := sizing.AddUint64(e.HeaderSize, e.PackedSize)
		if !ok || e.Offset < v.Offset || !sizing.Within(e.Offset-v.Offset, span, int64(min(v.Length, 1<<63-1))) { //nolint:gosec // clamped
			db.AddIssue(arctype.IssueEntry, i, "record outside volume %d", e.Volume)
			continue
		}
		if verify {
			if err := verifyLocal(parts[v.Part], e); err != nil {
				db.AddIssue(arctype.IssueEntry, i, "%v", err)
			}
		}
	}
}

// verifyLocal compares a directory record with its local header.
func verifyLocal(p arctype.Source, e *arctype.Entry) error {
	n, err := sizing.ToInt(e.HeaderSize, arctype.ErrSizeOverflow)
	if err != nil {
		return err
	}
	if n < localHeaderSize {
		return fmt.Errorf("header size %d below minimum", n)
	}
	buf := make([]byte, n)
	if _, err := p.ReadAt(buf, int64(e.Offset)); err != nil && !errors.Is(err, io.EOF) { //nolint:gosec // placed inside its volume
		return fmt.Errorf("read local header: %w", err)
	}
	h, err := decodeLocalHeader(buf)
	if err != nil {
		return err
	}
	var local arctype.Entry
	if err := applyLocal(&local, h, buf[localHeaderSize:]); err != nil {
		return err
	}
	switch {
	case local.HeaderSize != e.HeaderSize:
		return fmt.Errorf("local header size %d, directory says %d", local.HeaderSize, e.HeaderSize)
	case local.Name != e.Name:
		return fmt.Errorf("local name %q, directory says %q", local.Name, e.Name)
	case local.PackedSize != e.PackedSize || local.Size != e.Size:
		return fmt.Errorf("local sizes %d/%d, directory says %d/%d", local.PackedSize, local.Size, e.PackedSize, e.Size)
	}
	return nil
}

// scanRecords recovers entries from the local headers of part 0 when the
// directory is lost.
func scanRecords(db *arctype.Database, p arctype.Source) {
	size := p.Size()
	off := uint64(partHeaderSize)
	buf := make([]byte, localHeaderSize)
	for sizing.Within(off, localHeaderSize, size) {
		if _, err := p.ReadAt(buf, int64(off)); err != nil && !errors.Is(err, io.EOF) { //nolint:gosec // checked by Within
			break
		}
		h, err := decodeLocalHeader(buf)
		if err != nil {
			break
		}
		span, ok := sizing.AddUint64(h.recordSize(), h.packed)
		if !ok || !sizing.Within(off, span, size) {
			db.AddIssue(arctype.IssueEntry, -1, "record at %d truncated", off)
			break
		}
		tail := make([]byte, h.recordSize()-localHeaderSize)
		if _, err := p.ReadAt(tail, int64(off)+localHeaderSize); err != nil && !errors.Is(err, io.EOF) { //nolint:gosec // checked by Within
			break
		}
		e := arctype.Entry{Offset: off}
		if err := applyLocal(&e, h, tail); err != nil {
			db.AddIssue(arctype.IssueEntry, -1, "record at %d: %v", off, err)
			break
		}
		db.Entries = append(db.Entries, e)
		off += span
	}
	db.Volumes = []arctype.Volume{{Part: 0, Offset: partHeaderSize, Length: off - partHeaderSize, Next: -1}}
}
