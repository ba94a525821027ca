package update_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/arc/internal/arctype"
	"github.com/meigma/arc/internal/codec"
	"github.com/meigma/arc/internal/prop"
	"github.com/meigma/arc/internal/testutil"
	"github.com/meigma/arc/internal/tuning"
	"github.com/meigma/arc/internal/update"
)

// lineContainer renders each engine decision as one text line.
type lineContainer struct {
	traits update.Traits
}

func (c *lineContainer) Traits() update.Traits { return c.traits }

func (c *lineContainer) Prepare(next, _ *arctype.Entry) error {
	if next.Name == "reject" {
		return arctype.Invalid("name %q refused", next.Name)
	}
	return nil
}

func (c *lineContainer) Begin(w *update.Output) error {
	_, err := io.WriteString(w, "BEGIN\n")
	return err
}

func (c *lineContainer) CopyEntry(w *update.Output, prior, next *arctype.Entry) error {
	next.Offset = w.Offset()
	_, err := fmt.Fprintf(w, "C %s\n", prior.Name)
	return err
}

func (c *lineContainer) RewriteHeader(w *update.Output, _, next *arctype.Entry) error {
	next.Offset = w.Offset()
	_, err := fmt.Fprintf(w, "H %s\n", next.Name)
	return err
}

func (c *lineContainer) WriteEntry(w *update.Output, next *arctype.Entry, body *update.Body) error {
	next.Offset = w.Offset()
	_, err := fmt.Fprintf(w, "E %s %d %s\n", next.Name, body.Size, body.Data)
	return err
}

func (c *lineContainer) Finish(w *update.Output, _ *arctype.Database) error {
	_, err := io.WriteString(w, "END\n")
	return err
}

func priorDB() *arctype.Database {
	return &arctype.Database{
		Format: "line",
		Entries: []arctype.Entry{
			{Name: "a.txt", Size: 3, Security: arctype.NoSecurity},
			{Name: "b.txt", Size: 4, Security: arctype.NoSecurity},
			{Name: "sub", IsDir: true, Security: arctype.NoSecurity},
		},
	}
}

func newEngine(opts ...update.Option) *update.Engine {
	opts = append([]update.Option{update.WithMethod(arctype.MethodCopy)}, opts...)
	return update.New(codec.NewRegistry(), opts...)
}

var mtime = time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)

func TestRun_MixedPass(t *testing.T) {
	t.Parallel()

	cb := testutil.NewCallback(
		testutil.Keep(0),
		testutil.Rename(1, "c.txt", mtime),
		testutil.NewFile("d.txt", []byte("hello"), mtime),
		testutil.NewDir("docs", mtime),
		testutil.Replace(0, []byte("fresh")),
	)

	var out bytes.Buffer
	db, err := newEngine().Run(context.Background(), &lineContainer{}, priorDB(), len(cb.Items), cb, &out)
	require.NoError(t, err)

	assert.Equal(t, "BEGIN\nC a.txt\nH c.txt\nE d.txt 5 hello\nH docs\nE a.txt 5 fresh\nEND\n", out.String())

	require.Len(t, db.Entries, 5)
	assert.Equal(t, "a.txt", db.Entries[0].Name)
	assert.Equal(t, "c.txt", db.Entries[1].Name)
	assert.Equal(t, uint64(4), db.Entries[1].Size, "rename keeps the prior size")
	assert.Equal(t, mtime, db.Entries[1].ModTime)

	d := db.Entries[2]
	assert.Equal(t, uint64(5), d.Size)
	assert.Equal(t, crc32.ChecksumIEEE([]byte("hello")), d.CRC)
	assert.Equal(t, uint64(5), d.PackedSize)
	assert.Equal(t, arctype.NoSecurity, d.Security)

	assert.True(t, db.Entries[3].IsDir)
	assert.Equal(t, uint64(5), db.Entries[4].Size)
	assert.Equal(t, []int{2, 4}, cb.Opened())
	assert.Equal(t, 2, cb.Closed())
	assert.False(t, db.HasError())

	assert.Equal(t, int64(out.Len()), db.PhySize)
	assert.Equal(t, arctype.Fingerprint(int64(out.Len()), out.Bytes()), db.Fingerprint)
}

func TestRun_InvalidArgumentWritesNothing(t *testing.T) {
	t.Parallel()

	withProp := func(it testutil.Item, id prop.ID, v prop.Value) testutil.Item {
		it.Props[id] = v
		return it
	}

	tests := []struct {
		name   string
		traits update.Traits
		items  []testutil.Item
	}{
		{
			name:  "source out of range",
			items: []testutil.Item{testutil.Keep(3)},
		},
		{
			name:  "unchanged without source",
			items: []testutil.Item{testutil.Keep(update.NewEntry)},
		},
		{
			name:  "new entry without properties",
			items: []testutil.Item{testutil.Replace(update.NewEntry, []byte("x"))},
		},
		{
			name: "folder as new data",
			items: []testutil.Item{
				withProp(testutil.NewFile("f", []byte("x"), mtime), prop.IsDir, prop.Bool(true)),
			},
		},
		{
			name: "directory attribute as new data",
			items: []testutil.Item{
				withProp(testutil.NewFile("f", []byte("x"), mtime), prop.Attributes, prop.U32(arctype.AttrDirectory)),
			},
		},
		{
			name: "new file without data",
			items: []testutil.Item{
				withProp(testutil.NewDir("f", mtime), prop.IsDir, prop.Empty()),
			},
		},
		{
			name:  "directory flag flip without data",
			items: []testutil.Item{withProp(testutil.Rename(2, "sub", mtime), prop.IsDir, prop.Bool(false))},
		},
		{
			name: "attributes wrong kind",
			items: []testutil.Item{
				withProp(testutil.NewFile("f", nil, mtime), prop.Attributes, prop.U64(1)),
			},
		},
		{
			name: "mtime wrong kind",
			items: []testutil.Item{
				withProp(testutil.NewFile("f", nil, mtime), prop.MTime, prop.U64(1)),
			},
		},
		{
			name: "path wrong kind",
			items: []testutil.Item{
				withProp(testutil.NewFile("f", nil, mtime), prop.Path, prop.U32(1)),
			},
		},
		{
			name: "path as bool",
			items: []testutil.Item{
				withProp(testutil.NewFile("f", nil, mtime), prop.Path, prop.Bool(true)),
			},
		},
		{
			name: "is-dir wrong kind",
			items: []testutil.Item{
				withProp(testutil.NewFile("f", nil, mtime), prop.IsDir, prop.U32(1)),
			},
		},
		{
			name: "size not u64",
			items: []testutil.Item{
				withProp(testutil.NewFile("f", []byte("x"), mtime), prop.Size, prop.U32(1)),
			},
		},
		{
			name: "container refuses",
			items: []testutil.Item{
				testutil.Keep(0),
				testutil.NewFile("reject", []byte("x"), mtime),
			},
		},
		{
			name:   "single entry with two items",
			traits: update.Traits{SingleEntry: true},
			items:  []testutil.Item{testutil.Keep(0), testutil.Keep(0)},
		},
		{
			name:   "single entry reusing another source",
			traits: update.Traits{SingleEntry: true},
			items:  []testutil.Item{testutil.Keep(1)},
		},
		{
			name:   "single entry with no items",
			traits: update.Traits{SingleEntry: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cb := testutil.NewCallback(tt.items...)
			var out bytes.Buffer
			_, err := newEngine().Run(context.Background(), &lineContainer{traits: tt.traits}, priorDB(), len(tt.items), cb, &out)
			require.ErrorIs(t, err, arctype.ErrInvalidArgument)
			assert.Zero(t, out.Len())
			assert.Empty(t, cb.Opened())
		})
	}
}

func TestRun_StructuralPriorRefused(t *testing.T) {
	t.Parallel()

	prior := priorDB()
	prior.AddIssue(arctype.IssueVolume, -1, "volume 2 truncated")
	cb := testutil.NewCallback(testutil.Keep(0))

	var out bytes.Buffer
	_, err := newEngine().Run(context.Background(), &lineContainer{}, prior, 1, cb, &out)
	require.ErrorIs(t, err, arctype.ErrStructural)
	assert.Zero(t, out.Len())
}

func TestRun_Abort(t *testing.T) {
	t.Parallel()

	cb := testutil.NewCallback(testutil.Keep(0), testutil.Keep(1), testutil.Keep(2))
	cb.AbortAt = 2

	var out bytes.Buffer
	_, err := newEngine().Run(context.Background(), &lineContainer{}, priorDB(), 3, cb, &out)
	require.ErrorIs(t, err, arctype.ErrAborted)
	assert.Equal(t, "BEGIN\nC a.txt\nC b.txt\n", out.String())
	assert.Equal(t, [][2]uint64{{0, 3}, {1, 3}, {2, 3}}, cb.Progress())
}

func TestRun_ProgressErrorIgnored(t *testing.T) {
	t.Parallel()

	cb := testutil.NewCallback(testutil.Keep(0))
	cb.ProgressErr = errors.New("display gone")

	var out bytes.Buffer
	db, err := newEngine().Run(context.Background(), &lineContainer{}, priorDB(), 1, cb, &out)
	require.NoError(t, err)
	assert.Len(t, db.Entries, 1)
	assert.Equal(t, [][2]uint64{{0, 1}, {1, 1}}, cb.Progress())
}

func TestRun_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cb := testutil.NewCallback(testutil.Keep(0))

	_, err := newEngine().Run(ctx, &lineContainer{}, priorDB(), 1, cb, io.Discard)
	require.ErrorIs(t, err, arctype.ErrAborted)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRun_OpenInputFailure(t *testing.T) {
	t.Parallel()

	item := testutil.NewFile("f", []byte("x"), mtime)
	item.OpenErr = testutil.ErrInjected
	cb := testutil.NewCallback(item)

	_, err := newEngine().Run(context.Background(), &lineContainer{}, nil, 1, cb, io.Discard)
	require.ErrorIs(t, err, testutil.ErrInjected)
	assert.NotErrorIs(t, err, arctype.ErrInvalidArgument)
}

func TestRun_CodecFailure(t *testing.T) {
	t.Parallel()

	reg := codec.NewRegistry()
	reg.Register(arctype.MethodCopy, func(tuning.Params) (codec.Transform, error) {
		return codec.TransformFunc(func(io.Reader, io.Writer) error { return testutil.ErrInjected }), nil
	}, nil)
	eng := update.New(reg, update.WithMethod(arctype.MethodCopy))

	cb := testutil.NewCallback(testutil.NewFile("f", []byte("x"), mtime))
	_, err := eng.Run(context.Background(), &lineContainer{}, nil, 1, cb, io.Discard)
	require.ErrorIs(t, err, arctype.ErrCodec)
	require.ErrorIs(t, err, testutil.ErrInjected)
	assert.Equal(t, 1, cb.Closed())
}

func TestRun_ReadFailure(t *testing.T) {
	t.Parallel()

	item := testutil.NewFile("f", []byte("partial"), mtime)
	item.ReadErr = testutil.ErrInjected
	cb := testutil.NewCallback(item)

	_, err := newEngine().Run(context.Background(), &lineContainer{}, nil, 1, cb, io.Discard)
	require.ErrorIs(t, err, testutil.ErrInjected)
}

func TestRun_UnknownMethodIsInvalid(t *testing.T) {
	t.Parallel()

	eng := update.New(codec.NewRegistry(), update.WithMethod(arctype.Method(42)))
	cb := testutil.NewCallback(testutil.NewFile("f", []byte("x"), mtime))

	var out bytes.Buffer
	_, err := eng.Run(context.Background(), &lineContainer{}, nil, 1, cb, &out)
	require.ErrorIs(t, err, arctype.ErrInvalidArgument)
	assert.Zero(t, out.Len())
}

func TestRun_DeclaredSizeMismatchUsesActual(t *testing.T) {
	t.Parallel()

	item := testutil.NewFile("f", []byte("twelve bytes"), mtime)
	item.Props[prop.Size] = prop.U64(3)
	cb := testutil.NewCallback(item)

	db, err := newEngine().Run(context.Background(), &lineContainer{}, nil, 1, cb, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), db.Entries[0].Size)
}

func TestRun_NameNormalization(t *testing.T) {
	t.Parallel()

	tests := []struct {
		flat bool
		in   string
		want string
	}{
		{flat: true, in: `dir\sub\x.txt`, want: "x.txt"},
		{flat: true, in: "dir/x.txt", want: "x.txt"},
		{flat: false, in: `a\b/../c.txt`, want: "a/c.txt"},
		{flat: false, in: "/abs/x", want: "abs/x"},
	}
	for _, tt := range tests {
		cb := testutil.NewCallback(testutil.NewFile(tt.in, nil, mtime))
		db, err := newEngine().Run(context.Background(), &lineContainer{traits: update.Traits{Flat: tt.flat}}, nil, 1, cb, io.Discard)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, db.Entries[0].Name, tt.in)
	}
}

func TestRun_HeaderDefaults(t *testing.T) {
	t.Parallel()

	item := testutil.NewFile("f", []byte("x"), mtime.Add(750*time.Millisecond))
	delete(item.Props, prop.Path)
	cb := testutil.NewCallback(
		item,
		testutil.Item{
			Request: update.Request{NewProperties: true, Source: update.NewEntry},
			Props: map[prop.ID]prop.Value{
				prop.Path:       prop.Text("dir"),
				prop.Attributes: prop.U32(arctype.AttrDirectory),
			},
		},
	)

	db, err := newEngine().Run(context.Background(), &lineContainer{}, nil, 2, cb, io.Discard)
	require.NoError(t, err)
	assert.Empty(t, db.Entries[0].Name)
	assert.Equal(t, mtime, db.Entries[0].ModTime, "mtime is truncated to seconds")
	assert.True(t, db.Entries[1].IsDir, "directory attribute marks a folder")
	assert.True(t, db.Entries[1].ModTime.IsZero())
}

func TestRun_PipelinedKeepsOrder(t *testing.T) {
	t.Parallel()

	const n = 24
	items := make([]testutil.Item, 0, n)
	var want strings.Builder
	want.WriteString("BEGIN\n")
	for i := range n {
		name := fmt.Sprintf("f%02d", i)
		if i%5 == 0 {
			items = append(items, testutil.Keep(i%2))
			fmt.Fprintf(&want, "C %s\n", priorDB().Entries[i%2].Name)
			continue
		}
		data := strings.Repeat(string(rune('a'+i%26)), 1+i*37)
		items = append(items, testutil.NewFile(name, []byte(data), mtime))
		fmt.Fprintf(&want, "E %s %d %s\n", name, len(data), data)
	}
	want.WriteString("END\n")

	for _, budget := range []uint64{0, 64} {
		cb := testutil.NewCallback(items...)
		var out bytes.Buffer
		eng := newEngine(update.WithWorkers(4), update.WithBufferBudget(budget))
		db, err := eng.Run(context.Background(), &lineContainer{}, priorDB(), n, cb, &out)
		require.NoError(t, err)
		assert.Equal(t, want.String(), out.String())
		assert.Len(t, db.Entries, n)

		opened := cb.Opened()
		assert.IsIncreasing(t, opened, "inputs are opened in output order")
		assert.Equal(t, len(opened), cb.Closed())
		assert.False(t, cb.Overlapped(), "callback calls are serialized")
	}
}

func TestRun_PipelinedFailureClosesInputs(t *testing.T) {
	t.Parallel()

	items := make([]testutil.Item, 0, 10)
	for i := range 10 {
		it := testutil.NewFile(fmt.Sprintf("f%d", i), bytes.Repeat([]byte{'x'}, 100), mtime)
		if i == 6 {
			it.ReadErr = testutil.ErrInjected
		}
		items = append(items, it)
	}
	cb := testutil.NewCallback(items...)

	eng := newEngine(update.WithWorkers(3))
	_, err := eng.Run(context.Background(), &lineContainer{}, nil, len(items), cb, io.Discard)
	require.ErrorIs(t, err, testutil.ErrInjected)
	assert.Equal(t, len(cb.Opened()), cb.Closed())
}

func TestRun_NewContainer(t *testing.T) {
	t.Parallel()

	cb := testutil.NewCallback()
	var out bytes.Buffer
	db, err := newEngine().Run(context.Background(), &lineContainer{}, nil, 0, cb, &out)
	require.NoError(t, err)
	assert.Empty(t, db.Entries)
	assert.Equal(t, "BEGIN\nEND\n", out.String())
}
