// Package gz reads and writes single-member gzip files (RFC 1952) as a
// single-entry container.
package gz

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"slices"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"github.com/meigma/arc/internal/arctype"
)

// Format is the database format name.
const Format = "gz"

// Header flag bits.
const (
	FlagText    = 1 << 0
	FlagHCRC    = 1 << 1
	FlagExtra   = 1 << 2
	FlagName    = 1 << 3
	FlagComment = 1 << 4

	flagReserved = 0xe0
)

const (
	magic1 = 0x1f
	magic2 = 0x8b
	// methodDeflate is the only compression method RFC 1952 defines.
	methodDeflate = 8

	fixedHeaderSize = 10
	trailerSize     = 8

	// OSUnknown is the OS byte written for entries with no recorded host.
	OSUnknown = 255

	// maxFieldLen bounds zero-terminated header strings.
	maxFieldLen = 1 << 16
)

var (
	errBadMagic = errors.New("gz: bad magic")
	errTooLong  = errors.New("gz: header string too long")
)

// Sniff reports whether head starts with the gzip magic.
func Sniff(head []byte) bool {
	return len(head) >= 2 && head[0] == magic1 && head[1] == magic2
}

// header is the decoded member header.
type header struct {
	flags   byte
	mtime   uint32
	xfl     byte
	os      byte
	extra   map[uint16][]byte
	name    string
	comment string
	size    uint64
}

// countingReader tracks how many bytes the header decoder consumed.
type countingReader struct {
	r *bufio.Reader
	n uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += uint64(n) //nolint:gosec // n is non-negative
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

// readHeader decodes a member header. A bad magic is reported as errBadMagic;
// any other error means the header is damaged.
func readHeader(r io.Reader) (*header, error) {
	cr := &countingReader{r: bufio.NewReader(r)}
	digest := crc32.NewIEEE()
	tr := io.TeeReader(cr, digest)

	var fixed [fixedHeaderSize]byte
	if _, err := io.ReadFull(tr, fixed[:]); err != nil {
		return nil, fmt.Errorf("gz: fixed header: %w", err)
	}
	if fixed[0] != magic1 || fixed[1] != magic2 {
		return nil, errBadMagic
	}
	if fixed[2] != methodDeflate {
		return nil, fmt.Errorf("gz: unsupported method %d", fixed[2])
	}
	h := &header{
		flags: fixed[3],
		mtime: binary.LittleEndian.Uint32(fixed[4:8]),
		xfl:   fixed[8],
		os:    fixed[9],
	}
	if h.flags&flagReserved != 0 {
		return nil, fmt.Errorf("gz: reserved flag bits set (%#x)", h.flags)
	}

	if h.flags&FlagExtra != 0 {
		var xlen [2]byte
		if _, err := io.ReadFull(tr, xlen[:]); err != nil {
			return nil, fmt.Errorf("gz: extra length: %w", err)
		}
		raw := make([]byte, binary.LittleEndian.Uint16(xlen[:]))
		if _, err := io.ReadFull(tr, raw); err != nil {
			return nil, fmt.Errorf("gz: extra field: %w", err)
		}
		extra, err := parseExtra(raw)
		if err != nil {
			return nil, err
		}
		h.extra = extra
	}
	if h.flags&FlagName != 0 {
		s, err := readString(tr)
		if err != nil {
			return nil, fmt.Errorf("gz: name: %w", err)
		}
		h.name = s
	}
	if h.flags&FlagComment != 0 {
		s, err := readString(tr)
		if err != nil {
			return nil, fmt.Errorf("gz: comment: %w", err)
		}
		h.comment = s
	}
	if h.flags&FlagHCRC != 0 {
		want := uint16(digest.Sum32()) //nolint:gosec // low 16 bits by definition
		var got [2]byte
		if _, err := io.ReadFull(cr, got[:]); err != nil {
			return nil, fmt.Errorf("gz: header crc: %w", err)
		}
		if binary.LittleEndian.Uint16(got[:]) != want {
			return nil, errors.New("gz: header crc mismatch")
		}
	}
	h.size = cr.n
	return h, nil
}

// readString reads a zero-terminated ISO 8859-1 string.
func readString(r io.Reader) (string, error) {
	var (
		buf []byte
		b   [1]byte
	)
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return "", err
		}
		if b[0] == 0 {
			break
		}
		if len(buf) >= maxFieldLen {
			return "", errTooLong
		}
		buf = append(buf, b[0])
	}
	return charmap.ISO8859_1.NewDecoder().String(string(buf))
}

// parseExtra splits the FEXTRA payload into subfields keyed by SI1<<8|SI2.
func parseExtra(raw []byte) (map[uint16][]byte, error) {
	extra := make(map[uint16][]byte)
	for len(raw) > 0 {
		if len(raw) < 4 {
			return nil, errors.New("gz: truncated extra subfield header")
		}
		id := uint16(raw[0])<<8 | uint16(raw[1])
		n := int(binary.LittleEndian.Uint16(raw[2:4]))
		raw = raw[4:]
		if n > len(raw) {
			return nil, fmt.Errorf("gz: extra subfield %#04x overruns field", id)
		}
		extra[id] = append([]byte(nil), raw[:n]...)
		raw = raw[n:]
	}
	return extra, nil
}

// appendExtra encodes subfields in ascending key order.
func appendExtra(dst []byte, extra map[uint16][]byte) ([]byte, error) {
	keys := make([]uint16, 0, len(extra))
	total := 0
	for k, v := range extra {
		if len(v) > math.MaxUint16 {
			return nil, arctype.Invalid("gz: extra subfield %#04x too long", k)
		}
		keys = append(keys, k)
		total += 4 + len(v)
	}
	if total > math.MaxUint16 {
		return nil, arctype.Invalid("gz: extra field too long (%d bytes)", total)
	}
	slices.Sort(keys)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(total)) //nolint:gosec // checked above
	for _, k := range keys {
		v := extra[k]
		dst = append(dst, byte(k>>8), byte(k))
		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(v))) //nolint:gosec // checked above
		dst = append(dst, v...)
	}
	return dst, nil
}

// latin1 encodes s for a header string; runes outside ISO 8859-1 are replaced.
func latin1(s string) (string, error) {
	enc := encoding.ReplaceUnsupported(charmap.ISO8859_1.NewEncoder())
	out, err := enc.String(s)
	if err != nil {
		return "", arctype.Invalid("gz: encode %q: %v", s, err)
	}
	return out, nil
}

// unixTime converts an entry time to the gzip mtime field.
// The zero time is stored as 0, meaning no time.
func unixTime(t time.Time) (uint32, error) {
	if t.IsZero() {
		return 0, nil
	}
	sec := t.Unix()
	if sec < 0 || sec > math.MaxUint32 {
		return 0, arctype.Invalid("gz: mtime %s outside the representable range", t.UTC().Format(time.RFC3339))
	}
	return uint32(sec), nil
}

// encodeHeader builds the member header for e. The name flag is set only
// for a non-empty name. Text and header-CRC flags are kept from e.Flags.
func encodeHeader(e *arctype.Entry) ([]byte, error) {
	mtime, err := unixTime(e.ModTime)
	if err != nil {
		return nil, err
	}
	flags := byte(e.Flags) & (FlagText | FlagHCRC)
	if e.Name != "" {
		flags |= FlagName
	}
	if len(e.Extra) > 0 {
		flags |= FlagExtra
	}
	if e.Comment != "" {
		flags |= FlagComment
	}

	buf := make([]byte, 0, fixedHeaderSize+len(e.Name)+1)
	buf = append(buf, magic1, magic2, methodDeflate, flags)
	buf = binary.LittleEndian.AppendUint32(buf, mtime)
	buf = append(buf, 0, e.HostOS)

	if flags&FlagExtra != 0 {
		if buf, err = appendExtra(buf, e.Extra); err != nil {
			return nil, err
		}
	}
	if flags&FlagName != 0 {
		name, err := latin1(e.Name)
		if err != nil {
			return nil, err
		}
		buf = append(buf, name...)
		buf = append(buf, 0)
	}
	if flags&FlagComment != 0 {
		comment, err := latin1(e.Comment)
		if err != nil {
			return nil, err
		}
		buf = append(buf, comment...)
		buf = append(buf, 0)
	}
	if flags&FlagHCRC != 0 {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(crc32.ChecksumIEEE(buf))) //nolint:gosec // low 16 bits by definition
	}
	return buf, nil
}

// encodeTrailer builds the CRC32/ISIZE trailer.
func encodeTrailer(crc uint32, size uint64) []byte {
	buf := make([]byte, 0, trailerSize)
	buf = binary.LittleEndian.AppendUint32(buf, crc)
	return binary.LittleEndian.AppendUint32(buf, uint32(size)) //nolint:gosec // ISIZE is size modulo 2^32
}
