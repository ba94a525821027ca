package img

import (
	"bytes"
	"context"
	"hash/crc32"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/arc/internal/arctype"
	"github.com/meigma/arc/internal/codec"
	"github.com/meigma/arc/internal/testutil"
	"github.com/meigma/arc/internal/update"
	"github.com/meigma/arc/internal/xmlmeta"
)

var mtime = time.Date(2024, 2, 29, 12, 30, 0, 0, time.UTC)

func run(t *testing.T, w *Writer, prior *arctype.Database, items ...testutil.Item) ([]byte, *arctype.Database, error) {
	t.Helper()
	cb := testutil.NewCallback(items...)
	var out bytes.Buffer
	eng := update.New(codec.NewRegistry())
	db, err := eng.Run(context.Background(), w, prior, len(items), cb, &out)
	return out.Bytes(), db, err
}

func sources(parts ...[]byte) []arctype.Source {
	out := make([]arctype.Source, len(parts))
	for i, p := range parts {
		out[i] = testutil.NewMockByteSource(p)
	}
	return out
}

func parse(t *testing.T, parts [][]byte, opts ...Option) *arctype.Database {
	t.Helper()
	db, err := Parse(sources(parts...), opts...)
	require.NoError(t, err)
	return db
}

func imageXML(t *testing.T, index int, name string) []byte {
	t.Helper()
	blob, err := xmlmeta.Encode(xmlmeta.Info{Index: index, Name: name})
	require.NoError(t, err)
	return blob
}

// readBody decodes the body of e out of data.
func readBody(t *testing.T, data []byte, e arctype.Entry) []byte {
	t.Helper()
	dec, err := codec.NewRegistry().Decoder(e.Method)
	require.NoError(t, err)
	var buf bytes.Buffer
	packed := data[e.DataOffset() : e.DataOffset()+e.PackedSize]
	require.NoError(t, dec.Transform(bytes.NewReader(packed), &buf))
	return buf.Bytes()
}

// record returns the raw record bytes of e.
func record(data []byte, e arctype.Entry) []byte {
	return data[e.Offset : e.DataOffset()+e.PackedSize]
}

// assemble lays db out over nparts parts, entry i going to part partOf[i]
// with stored body bodies[i]. tweak, when set, edits the database just
// before the directory is written.
func assemble(t *testing.T, db *arctype.Database, bodies [][]byte, partOf []int, nparts int, tweak func(*arctype.Database)) [][]byte {
	t.Helper()
	bufs := make([][]byte, nparts)
	for p := range bufs {
		bufs[p] = partHeader{part: uint16(p), parts: uint16(nparts)}.encode()
	}
	for i := range db.Entries {
		e := &db.Entries[i]
		p := partOf[i]
		body := bodies[i]
		e.Method = arctype.MethodCopy
		e.Size = uint64(len(body))
		e.PackedSize = uint64(len(body))
		e.CRC = crc32.ChecksumIEEE(body)
		e.Volume = p
		e.Offset = uint64(len(bufs[p]))
		hdr, err := encodeRecordHeader(e)
		require.NoError(t, err)
		e.HeaderSize = uint64(len(hdr))
		bufs[p] = append(append(bufs[p], hdr...), body...)
	}
	db.Volumes = make([]arctype.Volume, nparts)
	for p := range nparts {
		next := p + 1
		if next == nparts {
			next = -1
		}
		db.Volumes[p] = arctype.Volume{Part: p, Offset: partHeaderSize, Length: uint64(len(bufs[p])) - partHeaderSize, Next: next}
	}
	if tweak != nil {
		tweak(db)
	}
	dirOffset := uint64(len(bufs[0]))
	dir, err := buildDirectory(db)
	require.NoError(t, err)
	bufs[0] = append(bufs[0], dir...)
	bufs[0] = append(bufs[0], trailer{dirOffset: dirOffset, dirSize: uint64(len(dir))}.encode()...)
	return bufs
}

// sample is a three-entry database with two images and one security block.
func sample(t *testing.T) (*arctype.Database, [][]byte) {
	t.Helper()
	db := &arctype.Database{
		Format: Format,
		Entries: []arctype.Entry{
			{Name: "boot/loader.bin", ModTime: mtime, Image: 1, Security: 0},
			{Name: "etc/motd", ModTime: mtime, Image: 2, Security: arctype.NoSecurity, Extra: map[uint16][]byte{7: []byte("seven")}},
			{Name: "etc", IsDir: true, ModTime: mtime, Image: 2, Security: arctype.NoSecurity},
		},
		Images: []arctype.Image{
			{Index: 1, XML: imageXML(t, 1, "base")},
			{Index: 2, XML: imageXML(t, 2, "extra")},
		},
		Security:     [][]byte{[]byte("O:BAG:BAD:P")},
		DefaultImage: 2,
	}
	bodies := [][]byte{[]byte("loader bytes"), []byte("welcome\n"), nil}
	return db, bodies
}

func build(t *testing.T, items ...testutil.Item) []byte {
	t.Helper()
	out, _, err := run(t, NewWriter(nil, nil), nil, items...)
	require.NoError(t, err)
	return out
}

func TestCreate_NewContainer(t *testing.T) {
	t.Parallel()

	content := bytes.Repeat([]byte("image body "), 500)
	out, db, err := run(t, NewWriter(nil, nil, WithImageName("base")), nil,
		testutil.NewFile(`docs\readme.txt`, content, mtime),
		testutil.NewDir("docs", mtime),
	)
	require.NoError(t, err)
	require.Len(t, db.Entries, 2)
	assert.Equal(t, "docs/readme.txt", db.Entries[0].Name)

	reparsed := parse(t, [][]byte{out})
	assert.False(t, reparsed.HasError(), "%v", reparsed.Issues)
	require.Len(t, reparsed.Entries, 2)
	require.Len(t, reparsed.Images, 1)
	assert.Equal(t, "base", reparsed.Images[0].Name)
	assert.Equal(t, 1, reparsed.Entries[0].Image)
	assert.Equal(t, arctype.NoSecurity, reparsed.Entries[0].Security)
	assert.Equal(t, mtime, reparsed.Entries[0].ModTime)
	assert.True(t, reparsed.Entries[1].IsDir)
	assert.Equal(t, content, readBody(t, out, reparsed.Entries[0]))
	assert.Equal(t, int64(len(out)), reparsed.PhySize)
	assert.Equal(t, db.Fingerprint, reparsed.Fingerprint)
}

func TestCreate_Empty(t *testing.T) {
	t.Parallel()

	out := build(t)
	db := parse(t, [][]byte{out})
	assert.False(t, db.HasError(), "%v", db.Issues)
	assert.Empty(t, db.Entries)
	assert.Empty(t, db.Images)
}

func TestUpdate_KeepAllIsIdentity(t *testing.T) {
	t.Parallel()

	data := build(t,
		testutil.NewFile("a.txt", []byte("alpha"), mtime),
		testutil.NewFile("b.txt", bytes.Repeat([]byte("b"), 4096), mtime),
		testutil.NewDir("c", mtime),
	)
	prior := parse(t, [][]byte{data})
	require.False(t, prior.HasError(), "%v", prior.Issues)

	out, _, err := run(t, NewWriter(sources(data), prior), prior,
		testutil.Keep(0), testutil.Keep(1), testutil.Keep(2))
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestUpdate_KeepAllIsIdentityWithExtras(t *testing.T) {
	t.Parallel()

	db, bodies := sample(t)
	data := assemble(t, db, bodies, []int{0, 0, 0}, 1, nil)[0]
	prior := parse(t, [][]byte{data})
	require.False(t, prior.HasError(), "%v", prior.Issues)

	out, _, err := run(t, NewWriter(sources(data), prior), prior,
		testutil.Keep(0), testutil.Keep(1), testutil.Keep(2))
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestUpdate_ReplaceLeavesOthersByteIdentical(t *testing.T) {
	t.Parallel()

	data := build(t,
		testutil.NewFile("a.txt", []byte("alpha"), mtime),
		testutil.NewFile("b.txt", []byte("bravo"), mtime),
		testutil.NewFile("c.txt", []byte("charlie"), mtime),
	)
	prior := parse(t, [][]byte{data})

	out, db, err := run(t, NewWriter(sources(data), prior), prior,
		testutil.Keep(0), testutil.Replace(1, []byte("bravo, replaced")), testutil.Keep(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(15), db.Entries[1].Size)

	reparsed := parse(t, [][]byte{out})
	require.False(t, reparsed.HasError(), "%v", reparsed.Issues)
	assert.Equal(t, record(data, prior.Entries[0]), record(out, reparsed.Entries[0]))
	assert.Equal(t, record(data, prior.Entries[2]), record(out, reparsed.Entries[2]))
	assert.Equal(t, []byte("bravo, replaced"), readBody(t, out, reparsed.Entries[1]))
	assert.Equal(t, "b.txt", reparsed.Entries[1].Name)
}

func TestUpdate_RenameKeepsBody(t *testing.T) {
	t.Parallel()

	data := build(t, testutil.NewFile("old/name.txt", []byte("same body"), mtime))
	prior := parse(t, [][]byte{data})

	later := mtime.Add(24 * time.Hour)
	out, _, err := run(t, NewWriter(sources(data), prior), prior, testutil.Rename(0, `new\name.txt`, later))
	require.NoError(t, err)

	reparsed := parse(t, [][]byte{out})
	require.False(t, reparsed.HasError(), "%v", reparsed.Issues)
	e := reparsed.Entries[0]
	assert.Equal(t, "new/name.txt", e.Name)
	assert.Equal(t, later, e.ModTime)
	assert.Equal(t, prior.Entries[0].CRC, e.CRC)
	assert.Equal(t, []byte("same body"), readBody(t, out, e))
}

func TestUpdate_NewDataAndPropertiesOnPriorEntry(t *testing.T) {
	t.Parallel()

	data := build(t,
		testutil.NewFile("a.txt", []byte("alpha"), mtime),
		testutil.NewFile("b.txt", []byte("bravo"), mtime),
		testutil.NewFile("c.txt", []byte("charlie"), mtime),
	)
	prior := parse(t, [][]byte{data})

	later := mtime.Add(72 * time.Hour)
	next := testutil.NewFile(`x\y\new.txt`, []byte("NEW BODY"), later)
	next.Request.Source = 1
	out, db, err := run(t, NewWriter(sources(data), prior), prior,
		testutil.Keep(0), next, testutil.Keep(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(8), db.Entries[1].Size)

	reparsed := parse(t, [][]byte{out})
	require.False(t, reparsed.HasError(), "%v", reparsed.Issues)
	assert.Equal(t, record(data, prior.Entries[0]), record(out, reparsed.Entries[0]))
	assert.Equal(t, record(data, prior.Entries[2]), record(out, reparsed.Entries[2]))
	e := reparsed.Entries[1]
	assert.Equal(t, "x/y/new.txt", e.Name)
	assert.Equal(t, later, e.ModTime)
	assert.Equal(t, uint64(8), e.Size)
	assert.Equal(t, []byte("NEW BODY"), readBody(t, out, e))
}

func TestUpdate_MergesDuplicateSecurityBlocks(t *testing.T) {
	t.Parallel()

	db, bodies := sample(t)
	data := assemble(t, db, bodies, []int{0, 0, 0}, 1, func(db *arctype.Database) {
		db.Security = [][]byte{[]byte("A"), []byte("A"), []byte("B")}
		db.Entries[0].Security = 0
		db.Entries[1].Security = 1
		db.Entries[2].Security = 2
	})[0]
	prior := parse(t, [][]byte{data})
	require.False(t, prior.HasError(), "%v", prior.Issues)

	out, _, err := run(t, NewWriter(sources(data), prior), prior,
		testutil.Keep(0), testutil.Keep(1), testutil.Keep(2))
	require.NoError(t, err)

	reparsed := parse(t, [][]byte{out})
	require.False(t, reparsed.HasError(), "%v", reparsed.Issues)
	assert.Equal(t, [][]byte{[]byte("A"), []byte("B")}, reparsed.Security)
	assert.Equal(t, 0, reparsed.Entries[0].Security)
	assert.Equal(t, 0, reparsed.Entries[1].Security)
	assert.Equal(t, 1, reparsed.Entries[2].Security)
	assert.Equal(t, []byte("welcome\n"), readBody(t, out, reparsed.Entries[1]))
}

func TestUpdate_NewEntryJoinsDefaultImage(t *testing.T) {
	t.Parallel()

	db, bodies := sample(t)
	data := assemble(t, db, bodies, []int{0, 0, 0}, 1, nil)
	prior := parse(t, data)

	_, out, err := run(t, NewWriter(sources(data...), prior), prior,
		testutil.Keep(0), testutil.NewFile("new.txt", []byte("n"), mtime))
	require.NoError(t, err)
	assert.Equal(t, 2, out.Entries[1].Image)
	assert.Len(t, out.Images, 2)

	// Without a stored default the session default applies.
	data = assemble(t, db, bodies, []int{0, 0, 0}, 1, func(db *arctype.Database) { db.DefaultImage = 0 })
	prior = parse(t, data)
	_, out, err = run(t, NewWriter(sources(data...), prior, WithSessionDefaultImage(2)), prior,
		testutil.NewFile("new.txt", []byte("n"), mtime))
	require.NoError(t, err)
	assert.Equal(t, 2, out.Entries[0].Image)

	prior = parse(t, data)
	_, out, err = run(t, NewWriter(sources(data...), prior), prior,
		testutil.NewFile("new.txt", []byte("n"), mtime))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Entries[0].Image)
}

func TestUpdate_ShowImageNumberOverride(t *testing.T) {
	t.Parallel()

	show := true
	out, _, err := run(t, NewWriter(nil, nil, WithShowImageNumber(&show)), nil,
		testutil.NewFile("a", []byte("a"), mtime))
	require.NoError(t, err)
	db := parse(t, [][]byte{out})
	require.NotNil(t, db.ShowImageNumber)
	assert.True(t, *db.ShowImageNumber)

	prior := db
	out, _, err = run(t, NewWriter(sources(out), prior), prior, testutil.Keep(0))
	require.NoError(t, err)
	db = parse(t, [][]byte{out})
	require.NotNil(t, db.ShowImageNumber)
	assert.True(t, *db.ShowImageNumber)
}

func TestUpdate_RefusesDamagedPrior(t *testing.T) {
	t.Parallel()

	db, bodies := sample(t)
	data := assemble(t, db, bodies, []int{0, 0, 0}, 1, func(db *arctype.Database) { db.Entries[0].Security = 9 })
	prior := parse(t, data)
	require.True(t, prior.HasError())

	out, _, err := run(t, NewWriter(sources(data...), prior), prior, testutil.Keep(0))
	require.ErrorIs(t, err, arctype.ErrStructural)
	assert.Empty(t, out)
}

func TestUpdate_RejectsReuseWithoutParts(t *testing.T) {
	t.Parallel()

	data := build(t, testutil.NewFile("a", []byte("a"), mtime))
	prior := parse(t, [][]byte{data})
	out, _, err := run(t, NewWriter(nil, prior), prior, testutil.Keep(0))
	require.ErrorIs(t, err, arctype.ErrInvalidArgument)
	assert.Empty(t, out)
}

func TestParse_MultiVolume(t *testing.T) {
	t.Parallel()

	db, bodies := sample(t)
	parts := assemble(t, db, bodies, []int{0, 1, 1}, 2, nil)
	prior := parse(t, parts)
	require.False(t, prior.HasError(), "%v", prior.Issues)
	require.Len(t, prior.Volumes, 2)
	assert.Equal(t, 1, prior.Volumes[0].Next)
	assert.Equal(t, -1, prior.Volumes[1].Next)
	assert.Equal(t, int64(len(parts[0])+len(parts[1])), prior.PhySize)
	assert.Equal(t, 1, prior.Entries[1].Volume)
	assert.Equal(t, []byte("welcome\n"), readBody(t, parts[1], prior.Entries[1]))
	assert.Equal(t, "extra", prior.Images[1].Name)
	assert.True(t, arctype.SameExtra(map[uint16][]byte{7: []byte("seven")}, prior.Entries[1].Extra))

	// Rewriting joins all volumes into one part.
	out, _, err := run(t, NewWriter(sources(parts...), prior), prior,
		testutil.Keep(0), testutil.Keep(1), testutil.Keep(2))
	require.NoError(t, err)
	joined := parse(t, [][]byte{out})
	require.False(t, joined.HasError(), "%v", joined.Issues)
	require.Len(t, joined.Volumes, 1)
	assert.Equal(t, []byte("loader bytes"), readBody(t, out, joined.Entries[0]))
	assert.Equal(t, []byte("welcome\n"), readBody(t, out, joined.Entries[1]))
	assert.Equal(t, record(parts[1], prior.Entries[1]), record(out, joined.Entries[1]))
}

func TestParse_TruncatedVolume(t *testing.T) {
	t.Parallel()

	db, bodies := sample(t)
	parts := assemble(t, db, bodies, []int{0, 1, 1}, 2, nil)
	parts[1] = parts[1][:len(parts[1])-4]

	prior := parse(t, parts)
	require.True(t, prior.HasError())
	require.Len(t, prior.Entries, 3)
	assert.True(t, prior.EntryOK(0))
	assert.False(t, prior.EntryOK(1))
	assert.False(t, prior.EntryOK(2))
	assert.True(t, hasIssue(prior, arctype.IssueVolume))
}

func TestParse_BrokenVolumeChain(t *testing.T) {
	t.Parallel()

	db, bodies := sample(t)
	parts := assemble(t, db, bodies, []int{0, 1, 1}, 2, func(db *arctype.Database) { db.Volumes[1].Next = 0 })
	prior := parse(t, parts)
	assert.True(t, hasIssue(prior, arctype.IssueVolume))
	assert.Len(t, prior.Entries, 3)

	parts = assemble(t, db, bodies, []int{0, 1, 1}, 2, func(db *arctype.Database) { db.Volumes[0].Next = -1 })
	prior = parse(t, parts)
	assert.True(t, hasIssue(prior, arctype.IssueVolume))
	assert.False(t, prior.EntryOK(1))
}

func TestParse_DanglingReferences(t *testing.T) {
	t.Parallel()

	db, bodies := sample(t)
	parts := assemble(t, db, bodies, []int{0, 0, 0}, 1, func(db *arctype.Database) {
		db.Entries[0].Security = 3
		db.Entries[1].Image = 5
		db.BootImage = 9
	})
	prior := parse(t, parts)
	assert.True(t, hasIssue(prior, arctype.IssueSecurityRef))
	assert.True(t, hasIssue(prior, arctype.IssueImageRef))
	assert.False(t, prior.EntryOK(0))
	assert.False(t, prior.EntryOK(1))
	assert.True(t, prior.EntryOK(2))
}

func TestParse_MalformedImageKeepsRawMetadata(t *testing.T) {
	t.Parallel()

	db, bodies := sample(t)
	raw := []byte("<IMAGE INDEX=")
	parts := assemble(t, db, bodies, []int{0, 0, 0}, 1, func(db *arctype.Database) { db.Images[0].XML = raw })
	prior := parse(t, parts)
	assert.True(t, hasIssue(prior, arctype.IssueMetadata))
	require.Len(t, prior.Images, 2)
	assert.Equal(t, raw, prior.Images[0].XML)
	assert.Equal(t, "extra", prior.Images[1].Name)
	assert.Len(t, prior.Entries, 3)
}

func TestParse_RecoversRecordsWithoutDirectory(t *testing.T) {
	t.Parallel()

	data := build(t,
		testutil.NewFile("a.txt", []byte("alpha"), mtime),
		testutil.NewFile("b.txt", []byte("bravo"), mtime),
	)
	data[len(data)-trailerSize] ^= 0xff

	db := parse(t, [][]byte{data})
	assert.True(t, hasIssue(db, arctype.IssueHeader))
	require.Len(t, db.Entries, 2)
	assert.Equal(t, "a.txt", db.Entries[0].Name)
	assert.Equal(t, "b.txt", db.Entries[1].Name)
	assert.Equal(t, []byte("bravo"), readBody(t, data, db.Entries[1]))
}

func TestParse_LocalHeaderMismatch(t *testing.T) {
	t.Parallel()

	data := build(t, testutil.NewFile("a.txt", []byte("alpha"), mtime))
	prior := parse(t, [][]byte{data})
	data[prior.Entries[0].Offset+localHeaderSize] = 'z'

	db := parse(t, [][]byte{data})
	assert.False(t, db.EntryOK(0))

	db = parse(t, [][]byte{data}, WithoutRecordVerify())
	assert.False(t, db.HasError(), "%v", db.Issues)
}

func TestParse_NotImage(t *testing.T) {
	t.Parallel()

	_, err := Parse(sources([]byte("PK\x03\x04 definitely not ours")))
	require.ErrorIs(t, err, arctype.ErrUnsupportedFormat)

	_, err = Parse(nil)
	require.ErrorIs(t, err, arctype.ErrInvalidArgument)
}

func TestParse_WrongPartHeader(t *testing.T) {
	t.Parallel()

	db, bodies := sample(t)
	parts := assemble(t, db, bodies, []int{0, 1, 1}, 2, nil)
	prior := parse(t, [][]byte{parts[0], parts[1], parts[1]})
	assert.True(t, hasIssue(prior, arctype.IssueVolume))
}

func TestExtra_Deterministic(t *testing.T) {
	t.Parallel()

	a := map[uint16][]byte{}
	b := map[uint16][]byte{}
	for _, k := range []uint16{9, 1, 300, 42} {
		a[k] = []byte{byte(k)}
	}
	for _, k := range []uint16{42, 300, 1, 9} {
		b[k] = []byte{byte(k)}
	}
	ea, err := encodeExtra(a)
	require.NoError(t, err)
	eb, err := encodeExtra(b)
	require.NoError(t, err)
	assert.Equal(t, ea, eb)

	got, err := decodeExtra(ea)
	require.NoError(t, err)
	assert.True(t, arctype.SameExtra(a, got))

	empty, err := encodeExtra(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestRecordHeader_RejectsOversizeName(t *testing.T) {
	t.Parallel()

	e := &arctype.Entry{Name: string(bytes.Repeat([]byte("n"), 1<<16)), Security: arctype.NoSecurity}
	_, err := encodeRecordHeader(e)
	require.ErrorIs(t, err, arctype.ErrInvalidArgument)
}

func hasIssue(db *arctype.Database, kind arctype.IssueKind) bool {
	for _, is := range db.Issues {
		if is.Kind == kind {
			return true
		}
	}
	return false
}
