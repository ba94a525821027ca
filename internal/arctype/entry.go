package arctype

import (
	"io"
	"maps"
	"path"
	"strings"
	"time"
)

// AttrDirectory is the Windows directory attribute bit. Hosts that only
// report attributes are still recognized as presenting a folder.
const AttrDirectory = 0x10

// NoSecurity marks an entry without a security descriptor.
const NoSecurity = -1

// Entry represents one file or directory record in an archive.
type Entry struct {
	// Name is the stored entry name. Flat formats hold a single path segment;
	// hierarchical formats hold a slash-separated relative path.
	Name string

	// Size is the uncompressed size in bytes. Always zero for directories.
	Size uint64

	// ModTime is the modification time at second precision.
	// The zero time means the format recorded no time.
	ModTime time.Time

	// Flags holds format-specific flag bits as stored on disk.
	Flags uint32

	// Attributes holds host file attributes.
	Attributes uint32

	// IsDir reports whether the entry is a directory.
	IsDir bool

	// Extra holds format-specific extension fields keyed by tag.
	Extra map[uint16][]byte

	// Comment is a free-text comment, for formats that store one.
	Comment string

	// Method is the transform the body was encoded with.
	Method Method

	// Offset is the byte offset of the entry header within the part holding
	// its volume.
	Offset uint64

	// HeaderSize is the size of the on-disk entry header.
	// The body starts at Offset+HeaderSize.
	HeaderSize uint64

	// PackedSize is the size of the stored body in bytes.
	PackedSize uint64

	// CRC is the CRC-32 of the uncompressed content, when the format stores one.
	CRC uint32

	// Volume is the index into Database.Volumes holding the entry.
	Volume int

	// Image is the 1-based image the entry belongs to (0 = none).
	Image int

	// Security is the index into Database.Security, or NoSecurity.
	Security int

	// HostOS is the originating operating system, for formats that record it.
	HostOS uint8
}

// DataOffset returns the byte offset of the entry body within its part.
func (e *Entry) DataOffset() uint64 {
	return e.Offset + e.HeaderSize
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() Entry {
	c := *e
	if e.Extra != nil {
		c.Extra = make(map[uint16][]byte, len(e.Extra))
		for k, v := range e.Extra {
			c.Extra[k] = append([]byte(nil), v...)
		}
	}
	return c
}

// SameExtra reports whether two extra maps hold identical fields.
func SameExtra(a, b map[uint16][]byte) bool {
	return maps.EqualFunc(a, b, func(x, y []byte) bool { return string(x) == string(y) })
}

// BaseName strips a path to its last segment. Both '\' and '/' are
// treated as separators, so "a\\b\\c.txt" becomes "c.txt".
func BaseName(name string) string {
	if i := strings.LastIndexAny(name, `\/`); i >= 0 {
		return name[i+1:]
	}
	return name
}

// CleanPath normalizes a hierarchical entry name: backslashes become
// slashes, the result is cleaned and has no leading slash.
// The empty name and "." both clean to "".
func CleanPath(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Clean("/" + name)
	name = strings.TrimPrefix(name, "/")
	return name
}

// Source is random access to one container part.
type Source interface {
	io.ReaderAt
	Size() int64
}
