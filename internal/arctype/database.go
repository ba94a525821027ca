package arctype

import (
	"fmt"
	"slices"

	"github.com/opencontainers/go-digest"
)

// IssueKind classifies a structural problem found while parsing a container.
type IssueKind uint8

const (
	// IssueHeader covers unreadable or truncated container headers and trailers.
	IssueHeader IssueKind = iota + 1
	// IssueEntry covers entry records that failed to parse.
	IssueEntry
	// IssueVolume covers truncated volumes and broken volume chains.
	IssueVolume
	// IssueMetadata covers malformed descriptive-metadata blobs.
	IssueMetadata
	// IssueSecurityRef covers entries referencing a missing security block.
	IssueSecurityRef
	// IssueImageRef covers entries or selectors referencing a missing image.
	IssueImageRef
	// IssueVolumeRef covers entries referencing a missing or damaged volume.
	IssueVolumeRef
)

// String returns the issue kind name.
func (k IssueKind) String() string {
	switch k {
	case IssueHeader:
		return "header"
	case IssueEntry:
		return "entry"
	case IssueVolume:
		return "volume"
	case IssueMetadata:
		return "metadata"
	case IssueSecurityRef:
		return "security_ref"
	case IssueImageRef:
		return "image_ref"
	case IssueVolumeRef:
		return "volume_ref"
	default:
		return "unknown"
	}
}

// reference reports whether the issue is derived from cross-table references
// and can therefore be recomputed by Validate.
func (k IssueKind) reference() bool {
	return k == IssueSecurityRef || k == IssueImageRef || k == IssueVolumeRef
}

// Issue describes one structural problem. Issues never prevent listing the
// entries that did parse.
type Issue struct {
	Kind IssueKind
	// Entry is the affected entry index, or -1 when not entry-specific.
	Entry   int
	Message string
}

func (i Issue) String() string {
	if i.Entry >= 0 {
		return fmt.Sprintf("%s: entry %d: %s", i.Kind, i.Entry, i.Message)
	}
	return fmt.Sprintf("%s: %s", i.Kind, i.Message)
}

// Volume locates one physical chunk of a container's byte stream.
type Volume struct {
	// Part is the index of the source part holding this volume.
	Part int
	// Offset and Length delimit the volume within its part.
	Offset uint64
	Length uint64
	// Next is the index of the successor volume, or -1 for the last one.
	Next int
}

// Image is one descriptive-metadata record.
type Image struct {
	// Index is the 1-based image number.
	Index int
	// Name is the optional free-text image name.
	Name string
	// Description is the optional free-text description.
	Description string
	// XML is the raw metadata blob as stored.
	XML []byte
}

// Database is the parsed representation of an archive. Entry order is the
// on-disk order and determines output layout.
type Database struct {
	// Format names the container format ("gz", "img").
	Format string

	Entries []Entry

	// Multi-volume structures. Empty for simple formats.
	Volumes  []Volume
	Images   []Image
	Security [][]byte

	// DefaultImage and BootImage are 1-based; 0 means absent.
	DefaultImage int
	BootImage    int

	// ShowImageNumber is the stored per-archive display default; nil when absent.
	ShowImageNumber *bool

	// Issues lists structural problems found while parsing.
	Issues []Issue

	// PhySize is the number of source bytes the database describes.
	PhySize int64

	// Fingerprint identifies the physical bytes the database was built from.
	Fingerprint digest.Digest
}

// HasError reports whether any structural issue was recorded.
func (db *Database) HasError() bool {
	return db != nil && len(db.Issues) > 0
}

// AddIssue records a structural problem.
func (db *Database) AddIssue(kind IssueKind, entry int, format string, args ...any) {
	db.Issues = append(db.Issues, Issue{Kind: kind, Entry: entry, Message: fmt.Sprintf(format, args...)})
}

// Validate recomputes reference issues: every entry's security, image and
// volume reference, and the default and boot selectors. Issues recorded
// during parsing are kept.
func (db *Database) Validate() {
	db.Issues = slices.DeleteFunc(db.Issues, func(i Issue) bool { return i.Kind.reference() })
	for i := range db.Entries {
		e := &db.Entries[i]
		if e.Security != NoSecurity && (e.Security < 0 || e.Security >= len(db.Security)) {
			db.AddIssue(IssueSecurityRef, i, "security index %d out of range (%d blocks)", e.Security, len(db.Security))
		}
		if e.Image < 0 || e.Image > len(db.Images) {
			db.AddIssue(IssueImageRef, i, "image %d out of range (%d images)", e.Image, len(db.Images))
		}
		if len(db.Volumes) > 0 && (e.Volume < 0 || e.Volume >= len(db.Volumes)) {
			db.AddIssue(IssueVolumeRef, i, "volume %d out of range (%d volumes)", e.Volume, len(db.Volumes))
		}
	}
	if db.DefaultImage < 0 || db.DefaultImage > len(db.Images) {
		db.AddIssue(IssueImageRef, -1, "default image %d out of range", db.DefaultImage)
	}
	if db.BootImage < 0 || db.BootImage > len(db.Images) {
		db.AddIssue(IssueImageRef, -1, "boot image %d out of range", db.BootImage)
	}
}

// EntryOK reports whether entry i has no recorded issue.
func (db *Database) EntryOK(i int) bool {
	for _, is := range db.Issues {
		if is.Entry == i {
			return false
		}
	}
	return true
}

// ResolveDefaultImage returns the image to present by default: the stored
// selector when valid, else fallback when valid, else the first image.
// Returns 0 when the database has no images.
func (db *Database) ResolveDefaultImage(fallback int) int {
	n := len(db.Images)
	switch {
	case n == 0:
		return 0
	case db.DefaultImage >= 1 && db.DefaultImage <= n:
		return db.DefaultImage
	case fallback >= 1 && fallback <= n:
		return fallback
	default:
		return 1
	}
}

// Clone returns a deep copy of db.
func (db *Database) Clone() *Database {
	c := *db
	c.Entries = make([]Entry, len(db.Entries))
	for i := range db.Entries {
		c.Entries[i] = db.Entries[i].Clone()
	}
	c.Volumes = slices.Clone(db.Volumes)
	c.Images = make([]Image, len(db.Images))
	for i, img := range db.Images {
		img.XML = slices.Clone(img.XML)
		c.Images[i] = img
	}
	c.Security = make([][]byte, len(db.Security))
	for i, s := range db.Security {
		c.Security[i] = slices.Clone(s)
	}
	c.Issues = slices.Clone(db.Issues)
	if db.ShowImageNumber != nil {
		v := *db.ShowImageNumber
		c.ShowImageNumber = &v
	}
	return &c
}
