// Package testutil provides in-memory sources and a scripted host callback
// for tests of the update engine and the container formats.
package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/meigma/arc/internal/arctype"
	"github.com/meigma/arc/internal/prop"
	"github.com/meigma/arc/internal/update"
)

// MockByteSource implements a simple in-memory byte source for tests.
type MockByteSource struct {
	data []byte
	id   string
}

// NewMockByteSource returns a byte source backed by the provided data.
func NewMockByteSource(data []byte) *MockByteSource {
	return &MockByteSource{data: data, id: "mock"}
}

// WithID sets the source identity.
func (m *MockByteSource) WithID(id string) *MockByteSource {
	m.id = id
	return m
}

// ReadAt implements io.ReaderAt semantics over the backing slice.
func (m *MockByteSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if off+int64(n) >= int64(len(m.data)) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the total size of the backing data.
func (m *MockByteSource) Size() int64 {
	return int64(len(m.data))
}

// SourceID returns the configured identity.
func (m *MockByteSource) SourceID() string {
	return m.id
}

// Bytes returns the backing slice for tests that need to mutate data.
func (m *MockByteSource) Bytes() []byte {
	return m.data
}

// Item scripts the host side of one output position.
type Item struct {
	Request update.Request
	Props   map[prop.ID]prop.Value
	Data    []byte

	// OpenErr, when set, is returned by OpenInput.
	OpenErr error
	// ReadErr, when set, is returned by the input reader after Data.
	ReadErr error
}

// NewFile scripts a brand new file entry.
func NewFile(name string, data []byte, mtime time.Time) Item {
	return Item{
		Request: update.Request{NewData: true, NewProperties: true, Source: update.NewEntry},
		Props: map[prop.ID]prop.Value{
			prop.Path:  prop.Text(name),
			prop.MTime: prop.Time(mtime),
			prop.Size:  prop.U64(uint64(len(data))),
		},
		Data: data,
	}
}

// NewDir scripts a brand new directory entry.
func NewDir(name string, mtime time.Time) Item {
	return Item{
		Request: update.Request{NewProperties: true, Source: update.NewEntry},
		Props: map[prop.ID]prop.Value{
			prop.Path:  prop.Text(name),
			prop.MTime: prop.Time(mtime),
			prop.IsDir: prop.Bool(true),
		},
	}
}

// Keep scripts an unchanged prior entry.
func Keep(source int) Item {
	return Item{Request: update.Request{Source: source}}
}

// Rename scripts a properties-only change of a prior entry.
func Rename(source int, name string, mtime time.Time) Item {
	return Item{
		Request: update.Request{NewProperties: true, Source: source},
		Props: map[prop.ID]prop.Value{
			prop.Path:  prop.Text(name),
			prop.MTime: prop.Time(mtime),
		},
	}
}

// Replace scripts new content under a prior entry's header.
func Replace(source int, data []byte) Item {
	return Item{
		Request: update.Request{NewData: true, Source: source},
		Props:   map[prop.ID]prop.Value{prop.Size: prop.U64(uint64(len(data)))},
		Data:    data,
	}
}

// Callback is a scripted update.Callback that records how it was driven.
type Callback struct {
	Items []Item

	// AbortAt aborts the pass when progress reaches this completed count.
	// Negative disables.
	AbortAt int
	// ProgressErr, when set, is returned by every SetProgress call.
	ProgressErr error

	mu       sync.Mutex
	opened   []int
	progress [][2]uint64
	closed   int
	active   int
	overlap  bool
}

// NewCallback scripts the given items.
func NewCallback(items ...Item) *Callback {
	return &Callback{Items: items, AbortAt: -1}
}

func (c *Callback) enter() {
	c.mu.Lock()
	c.active++
	if c.active > 1 {
		c.overlap = true
	}
	c.mu.Unlock()
}

func (c *Callback) leave() {
	c.mu.Lock()
	c.active--
	c.mu.Unlock()
}

func (c *Callback) item(index int) (*Item, error) {
	if index < 0 || index >= len(c.Items) {
		return nil, fmt.Errorf("testutil: no item %d", index)
	}
	return &c.Items[index], nil
}

// UpdateItemInfo implements update.Callback.
func (c *Callback) UpdateItemInfo(index int) (update.Request, error) {
	c.enter()
	defer c.leave()
	it, err := c.item(index)
	if err != nil {
		return update.Request{}, err
	}
	return it.Request, nil
}

// Property implements update.Callback.
func (c *Callback) Property(index int, id prop.ID) (prop.Value, error) {
	c.enter()
	defer c.leave()
	it, err := c.item(index)
	if err != nil {
		return prop.Value{}, err
	}
	return it.Props[id], nil
}

// OpenInput implements update.Callback.
func (c *Callback) OpenInput(index int) (io.ReadCloser, error) {
	c.enter()
	defer c.leave()
	it, err := c.item(index)
	if err != nil {
		return nil, err
	}
	if it.OpenErr != nil {
		return nil, it.OpenErr
	}
	c.mu.Lock()
	c.opened = append(c.opened, index)
	c.mu.Unlock()
	var r io.Reader = bytes.NewReader(it.Data)
	if it.ReadErr != nil {
		r = io.MultiReader(r, errReader{it.ReadErr})
	}
	return &trackedReader{Reader: r, cb: c}, nil
}

// SetProgress implements update.Callback.
func (c *Callback) SetProgress(completed, total uint64) error {
	c.enter()
	defer c.leave()
	c.mu.Lock()
	c.progress = append(c.progress, [2]uint64{completed, total})
	c.mu.Unlock()
	if c.AbortAt >= 0 && completed >= uint64(c.AbortAt) {
		return arctype.ErrAborted
	}
	return c.ProgressErr
}

// Opened returns the item indices passed to OpenInput, in call order.
func (c *Callback) Opened() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.opened...)
}

// Progress returns every (completed, total) pair reported.
func (c *Callback) Progress() [][2]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][2]uint64(nil), c.progress...)
}

// Closed returns how many opened inputs were closed.
func (c *Callback) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Overlapped reports whether two callback methods ever ran concurrently.
func (c *Callback) Overlapped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overlap
}

type trackedReader struct {
	io.Reader
	cb   *Callback
	once sync.Once
}

func (r *trackedReader) Close() error {
	r.once.Do(func() {
		r.cb.mu.Lock()
		r.cb.closed++
		r.cb.mu.Unlock()
	})
	return nil
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// ErrInjected is a generic failure for scripted items.
var ErrInjected = errors.New("testutil: injected failure")
