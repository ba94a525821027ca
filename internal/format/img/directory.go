package img

import (
	"errors"
	"fmt"
	"math"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/meigma/arc/internal/arctype"
	"github.com/meigma/arc/internal/fb"
)

// Stored encoding of the tri-state show-image-number default.
const (
	showAbsent uint8 = iota
	showOff
	showOn
)

// buildDirectory serializes the tables of db. The output depends only on
// db, so an unchanged database yields identical bytes.
func buildDirectory(db *arctype.Database) ([]byte, error) {
	builder := flatbuffers.NewBuilder(1024)

	volumes := make([]flatbuffers.UOffsetT, len(db.Volumes))
	for i, v := range db.Volumes {
		if v.Part < 0 || v.Part > math.MaxUint16 || v.Next < -1 || v.Next > math.MaxInt32 {
			return nil, fmt.Errorf("img: volume %d out of range", i)
		}
		fb.VolumeStart(builder)
		fb.VolumeAddPart(builder, uint16(v.Part)) //nolint:gosec // checked above
		fb.VolumeAddOffset(builder, v.Offset)
		fb.VolumeAddLength(builder, v.Length)
		fb.VolumeAddNext(builder, int32(v.Next)) //nolint:gosec // checked above
		volumes[i] = fb.VolumeEnd(builder)
	}
	volumesVec := tableVector(builder, volumes)

	images := make([]flatbuffers.UOffsetT, len(db.Images))
	for i, img := range db.Images {
		xml := builder.CreateByteVector(img.XML)
		fb.ImageStart(builder)
		fb.ImageAddIndex(builder, uint32(img.Index)) //nolint:gosec // image indices are small and positive
		fb.ImageAddXml(builder, xml)
		images[i] = fb.ImageEnd(builder)
	}
	imagesVec := tableVector(builder, images)

	blocks := make([]flatbuffers.UOffsetT, len(db.Security))
	for i, block := range db.Security {
		data := builder.CreateByteVector(block)
		fb.BlobStart(builder)
		fb.BlobAddData(builder, data)
		blocks[i] = fb.BlobEnd(builder)
	}
	securityVec := tableVector(builder, blocks)

	entries := make([]flatbuffers.UOffsetT, len(db.Entries))
	for i := range db.Entries {
		off, err := buildEntry(builder, &db.Entries[i])
		if err != nil {
			return nil, fmt.Errorf("img: entry %d: %w", i, err)
		}
		entries[i] = off
	}
	entriesVec := tableVector(builder, entries)

	show := showAbsent
	if db.ShowImageNumber != nil {
		show = showOff
		if *db.ShowImageNumber {
			show = showOn
		}
	}

	fb.DirectoryStart(builder)
	fb.DirectoryAddVersion(builder, directoryVersion)
	fb.DirectoryAddVolumes(builder, volumesVec)
	fb.DirectoryAddImages(builder, imagesVec)
	fb.DirectoryAddSecurity(builder, securityVec)
	fb.DirectoryAddEntries(builder, entriesVec)
	fb.DirectoryAddDefaultImage(builder, uint32(max(db.DefaultImage, 0))) //nolint:gosec // non-negative
	fb.DirectoryAddBootImage(builder, uint32(max(db.BootImage, 0)))       //nolint:gosec // non-negative
	fb.DirectoryAddShowImageNumber(builder, show)
	root := fb.DirectoryEnd(builder)
	builder.FinishWithFileIdentifier(root, []byte(fb.Identifier))
	return builder.FinishedBytes(), nil
}

// tableVector writes a vector of table offsets, preserving order.
func tableVector(builder *flatbuffers.Builder, offsets []flatbuffers.UOffsetT) flatbuffers.UOffsetT {
	builder.StartVector(flatbuffers.SizeUOffsetT, len(offsets), flatbuffers.SizeUOffsetT)
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	return builder.EndVector(len(offsets))
}

func buildEntry(builder *flatbuffers.Builder, e *arctype.Entry) (flatbuffers.UOffsetT, error) {
	if e.HeaderSize > math.MaxUint32 || e.Volume < 0 || uint64(e.Volume) > math.MaxUint32 {
		return 0, errors.New("layout fields out of range")
	}
	extra, err := encodeExtra(e.Extra)
	if err != nil {
		return 0, err
	}
	name := builder.CreateString(e.Name)
	var extraVec flatbuffers.UOffsetT
	if len(extra) > 0 {
		extraVec = builder.CreateByteVector(extra)
	}

	fb.EntryStart(builder)
	fb.EntryAddName(builder, name)
	fb.EntryAddFlags(builder, entryFlags(e))
	fb.EntryAddMethod(builder, uint16(e.Method))
	fb.EntryAddAttributes(builder, e.Attributes)
	if !e.ModTime.IsZero() {
		fb.EntryAddMtime(builder, e.ModTime.Unix())
		fb.EntryAddHasMtime(builder, true)
	}
	fb.EntryAddSize(builder, e.Size)
	fb.EntryAddPacked(builder, e.PackedSize)
	fb.EntryAddCrc(builder, e.CRC)
	fb.EntryAddSecurity(builder, int32(e.Security)) //nolint:gosec // validated when the header was encoded
	fb.EntryAddImage(builder, uint32(e.Image))      //nolint:gosec // validated when the header was encoded
	fb.EntryAddVolume(builder, uint32(e.Volume))    //nolint:gosec // checked above
	fb.EntryAddOffset(builder, e.Offset)
	fb.EntryAddHeaderSize(builder, uint32(e.HeaderSize)) //nolint:gosec // checked above
	if len(extra) > 0 {
		fb.EntryAddExtra(builder, extraVec)
	}
	fb.EntryAddIsDir(builder, e.IsDir)
	return fb.EntryEnd(builder), nil
}

// directory is a parsed directory buffer. Accessors panic on corrupt
// buffers; callers recover per section.
type directory struct {
	root *fb.Directory
}

func loadDirectory(data []byte) (d *directory, err error) {
	defer func() {
		if r := recover(); r != nil {
			d = nil
			err = fmt.Errorf("img: failed to parse directory: %v", r)
		}
	}()
	idEnd := flatbuffers.SizeUOffsetT + len(fb.Identifier)
	if len(data) < idEnd || string(data[flatbuffers.SizeUOffsetT:idEnd]) != fb.Identifier {
		return nil, errors.New("img: directory identifier missing")
	}
	root := fb.GetRootAsDirectory(data, 0)
	if v := root.Version(); v != directoryVersion {
		return nil, fmt.Errorf("img: unsupported directory version %d", v)
	}
	return &directory{root: root}, nil
}

func (d *directory) volumes() []arctype.Volume {
	n := d.root.VolumesLength()
	out := make([]arctype.Volume, 0, n)
	var v fb.Volume
	for i := range n {
		if !d.root.Volumes(&v, i) {
			break
		}
		out = append(out, arctype.Volume{
			Part:   int(v.Part()),
			Offset: v.Offset(),
			Length: v.Length(),
			Next:   int(v.Next()),
		})
	}
	return out
}

func (d *directory) security() [][]byte {
	n := d.root.SecurityLength()
	out := make([][]byte, 0, n)
	var b fb.Blob
	for i := range n {
		if !d.root.Security(&b, i) {
			break
		}
		out = append(out, append([]byte(nil), b.DataBytes()...))
	}
	return out
}

// imageRecord is a raw image table row.
type imageRecord struct {
	index int
	xml   []byte
}

func (d *directory) images() []imageRecord {
	n := d.root.ImagesLength()
	out := make([]imageRecord, 0, n)
	var img fb.Image
	for i := range n {
		if !d.root.Images(&img, i) {
			break
		}
		out = append(out, imageRecord{
			index: int(img.Index()),
			xml:   append([]byte(nil), img.XmlBytes()...),
		})
	}
	return out
}

func (d *directory) entryCount() int {
	return d.root.EntriesLength()
}

// entry decodes directory record i.
func (d *directory) entry(i int) (e arctype.Entry, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("corrupt directory record: %v", r)
		}
	}()
	var rec fb.Entry
	if !d.root.Entries(&rec, i) {
		return e, errors.New("missing directory record")
	}
	extra, err := decodeExtra(rec.ExtraBytes())
	if err != nil {
		return e, err
	}
	e = arctype.Entry{
		Name:       string(rec.Name()),
		Flags:      rec.Flags(),
		IsDir:      rec.IsDir(),
		Extra:      extra,
		Method:     arctype.Method(rec.Method()),
		Attributes: rec.Attributes(),
		Size:       rec.Size(),
		PackedSize: rec.Packed(),
		CRC:        rec.Crc(),
		Security:   int(rec.Security()),
		Image:      int(rec.Image()),
		Volume:     int(rec.Volume()),
		Offset:     rec.Offset(),
		HeaderSize: uint64(rec.HeaderSize()),
	}
	if rec.HasMtime() {
		e.ModTime = time.Unix(rec.Mtime(), 0).UTC()
	}
	return e, nil
}

// selectors returns the stored default image, boot image and show-image-number.
func (d *directory) selectors() (defaultImage, bootImage int, show *bool) {
	defaultImage = int(d.root.DefaultImage())
	bootImage = int(d.root.BootImage())
	switch d.root.ShowImageNumber() {
	case showOff:
		show = new(bool)
	case showOn:
		v := true
		show = &v
	}
	return defaultImage, bootImage, show
}
