// Package img reads and writes the image container: a multi-part,
// multi-volume format with a shared security table, per-image descriptive
// metadata and a FlatBuffers central directory.
//
// Every part starts with a part header. Part 0 ends with the directory and
// a fixed trailer locating it. Entry records are a local header, the entry
// name, a CBOR extra map and the encoded body.
package img

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/meigma/arc/internal/arctype"
)

// Format is the database format name.
const Format = "img"

const (
	partMagic    = "ARCIMG\x00\x01"
	trailerMagic = "ARCDIR\x00\x01"
	localMagic   = "ENTR"

	partHeaderSize  = 16
	trailerSize     = 24
	localHeaderSize = 56

	// directoryVersion is written into every directory.
	directoryVersion = 1
)

// Local header flag bits. Higher bits are carried through untouched.
const (
	FlagDir   = 1 << 0
	FlagMTime = 1 << 1

	flagsDerived = FlagDir | FlagMTime
)

var (
	errBadMagic   = errors.New("img: bad part magic")
	errBadTrailer = errors.New("img: bad trailer")
	errBadLocal   = errors.New("img: bad local header signature")
)

// Sniff reports whether head starts with a part header.
func Sniff(head []byte) bool {
	return bytes.HasPrefix(head, []byte(partMagic))
}

// partHeader opens every part.
type partHeader struct {
	part  uint16
	parts uint16
	flags uint32
}

func (h partHeader) encode() []byte {
	buf := make([]byte, 0, partHeaderSize)
	buf = append(buf, partMagic...)
	buf = binary.LittleEndian.AppendUint16(buf, h.part)
	buf = binary.LittleEndian.AppendUint16(buf, h.parts)
	return binary.LittleEndian.AppendUint32(buf, h.flags)
}

func decodePartHeader(b []byte) (partHeader, error) {
	if len(b) < partHeaderSize || string(b[:8]) != partMagic {
		return partHeader{}, errBadMagic
	}
	return partHeader{
		part:  binary.LittleEndian.Uint16(b[8:10]),
		parts: binary.LittleEndian.Uint16(b[10:12]),
		flags: binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

// trailer locates the directory within part 0.
type trailer struct {
	dirOffset uint64
	dirSize   uint64
}

func (t trailer) encode() []byte {
	buf := make([]byte, 0, trailerSize)
	buf = append(buf, trailerMagic...)
	buf = binary.LittleEndian.AppendUint64(buf, t.dirOffset)
	return binary.LittleEndian.AppendUint64(buf, t.dirSize)
}

func decodeTrailer(b []byte) (trailer, error) {
	if len(b) != trailerSize || string(b[:8]) != trailerMagic {
		return trailer{}, errBadTrailer
	}
	return trailer{
		dirOffset: binary.LittleEndian.Uint64(b[8:16]),
		dirSize:   binary.LittleEndian.Uint64(b[16:24]),
	}, nil
}

// localHeader is the fixed part of an entry record.
//
//	0  "ENTR"        4  flags u32     8  method u16   10 name len u16
//	12 extra len u16 14 reserved u16  16 attrs u32    20 security i32
//	24 image u32     28 crc u32       32 mtime i64    40 size u64
//	48 packed u64
type localHeader struct {
	flags    uint32
	method   uint16
	nameLen  uint16
	extraLen uint16
	attrs    uint32
	security int32
	image    uint32
	crc      uint32
	mtime    int64
	size     uint64
	packed   uint64
}

func decodeLocalHeader(b []byte) (localHeader, error) {
	if len(b) < localHeaderSize || string(b[:4]) != localMagic {
		return localHeader{}, errBadLocal
	}
	le := binary.LittleEndian
	return localHeader{
		flags:    le.Uint32(b[4:8]),
		method:   le.Uint16(b[8:10]),
		nameLen:  le.Uint16(b[10:12]),
		extraLen: le.Uint16(b[12:14]),
		attrs:    le.Uint32(b[16:20]),
		security: int32(le.Uint32(b[20:24])), //nolint:gosec // two's complement on disk
		image:    le.Uint32(b[24:28]),
		crc:      le.Uint32(b[28:32]),
		mtime:    int64(le.Uint64(b[32:40])), //nolint:gosec // two's complement on disk
		size:     le.Uint64(b[40:48]),
		packed:   le.Uint64(b[48:56]),
	}, nil
}

// recordSize returns the header size of the record, name and extra included.
func (h localHeader) recordSize() uint64 {
	return localHeaderSize + uint64(h.nameLen) + uint64(h.extraLen)
}

// entryFlags derives the stored flag word from e.
func entryFlags(e *arctype.Entry) uint32 {
	flags := e.Flags &^ flagsDerived
	if e.IsDir {
		flags |= FlagDir
	}
	if !e.ModTime.IsZero() {
		flags |= FlagMTime
	}
	return flags
}

// encodeRecordHeader renders the header, name and extra of e.
func encodeRecordHeader(e *arctype.Entry) ([]byte, error) {
	if len(e.Name) > math.MaxUint16 {
		return nil, arctype.Invalid("img: name too long (%d bytes)", len(e.Name))
	}
	extra, err := encodeExtra(e.Extra)
	if err != nil {
		return nil, err
	}
	if e.Security < arctype.NoSecurity || e.Security > math.MaxInt32 {
		return nil, arctype.Invalid("img: security index %d", e.Security)
	}
	if e.Image < 0 || uint64(e.Image) > math.MaxUint32 {
		return nil, arctype.Invalid("img: image index %d", e.Image)
	}
	var mtime int64
	if !e.ModTime.IsZero() {
		mtime = e.ModTime.Unix()
	}

	//nolint:gosec // lengths and indices are range-checked above
	var (
		nameLen  = uint16(len(e.Name))
		extraLen = uint16(len(extra))
		security = uint32(int32(e.Security))
		image    = uint32(e.Image)
	)

	le := binary.LittleEndian
	buf := make([]byte, 0, localHeaderSize+len(e.Name)+len(extra))
	buf = append(buf, localMagic...)
	buf = le.AppendUint32(buf, entryFlags(e))
	buf = le.AppendUint16(buf, uint16(e.Method))
	buf = le.AppendUint16(buf, nameLen)
	buf = le.AppendUint16(buf, extraLen)
	buf = le.AppendUint16(buf, 0)
	buf = le.AppendUint32(buf, e.Attributes)
	buf = le.AppendUint32(buf, security)
	buf = le.AppendUint32(buf, image)
	buf = le.AppendUint32(buf, e.CRC)
	buf = le.AppendUint64(buf, uint64(mtime)) //nolint:gosec // two's complement on disk
	buf = le.AppendUint64(buf, e.Size)
	buf = le.AppendUint64(buf, e.PackedSize)
	buf = append(buf, e.Name...)
	return append(buf, extra...), nil
}

// applyLocal fills e from a decoded local header and its trailing bytes.
func applyLocal(e *arctype.Entry, h localHeader, tail []byte) error {
	if uint64(len(tail)) < uint64(h.nameLen)+uint64(h.extraLen) {
		return errors.New("img: record truncated")
	}
	e.Name = string(tail[:h.nameLen])
	extra, err := decodeExtra(tail[h.nameLen : int(h.nameLen)+int(h.extraLen)])
	if err != nil {
		return err
	}
	e.Extra = extra
	e.Flags = h.flags
	e.IsDir = h.flags&FlagDir != 0
	e.Method = arctype.Method(h.method)
	e.Attributes = h.attrs
	e.Security = int(h.security)
	e.Image = int(h.image)
	e.CRC = h.crc
	e.Size = h.size
	e.PackedSize = h.packed
	e.HeaderSize = h.recordSize()
	e.ModTime = time.Time{}
	if h.flags&FlagMTime != 0 {
		e.ModTime = time.Unix(h.mtime, 0).UTC()
	}
	return nil
}

var (
	extraEnc cbor.EncMode
	extraDec cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding sorts map keys, so re-emitted headers are
	// byte-stable.
	extraEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("img: CBOR encoder initialization failed: " + err.Error())
	}
	extraDec, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("img: CBOR decoder initialization failed: " + err.Error())
	}
}

// encodeExtra renders the extra map. An empty map encodes to no bytes.
func encodeExtra(extra map[uint16][]byte) ([]byte, error) {
	if len(extra) == 0 {
		return nil, nil
	}
	b, err := extraEnc.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("img: encode extra: %w", err)
	}
	if len(b) > math.MaxUint16 {
		return nil, arctype.Invalid("img: extra field too long (%d bytes)", len(b))
	}
	return b, nil
}

func decodeExtra(b []byte) (map[uint16][]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var extra map[uint16][]byte
	if err := extraDec.Unmarshal(b, &extra); err != nil {
		return nil, fmt.Errorf("img: decode extra: %w", err)
	}
	return extra, nil
}
