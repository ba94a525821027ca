package update

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"sync"

	"github.com/meigma/arc/internal/arctype"
	"github.com/meigma/arc/internal/prop"
	"github.com/meigma/arc/internal/sizing"
	"github.com/meigma/arc/internal/tuning"
)

// DefaultBufferBudget bounds the encoded bytes held between the encode
// workers and the ordered commit (64MB).
const DefaultBufferBudget = 64 << 20

// Engine reconciles a prior database with a host change set.
// An Engine is safe for concurrent use by separate Run calls.
type Engine struct {
	registry Registry
	method   arctype.Method
	params   tuning.Params
	workers  int // 0 = auto, <0 = serial, >0 = fixed count
	budget   uint64
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMethod sets the method new entry bodies are encoded with.
// Containers may override it for formats with a fixed method.
func WithMethod(m arctype.Method) Option {
	return func(e *Engine) {
		e.method = m
	}
}

// WithParams sets the encoder tuning.
func WithParams(p tuning.Params) Option {
	return func(e *Engine) {
		e.params = p
	}
}

// WithWorkers sets the number of encode workers.
// Values < 0 force serial encoding. Zero uses one worker per CPU.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		e.workers = n
	}
}

// WithBufferBudget caps encoded bytes buffered ahead of the commit.
// Zero uses DefaultBufferBudget.
func WithBufferBudget(n uint64) Option {
	return func(e *Engine) {
		e.budget = n
	}
}

// WithLogger sets the logger for update passes.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates an engine encoding through registry.
func New(registry Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		method:   arctype.MethodDeflate,
		params:   tuning.New().Resolve(),
		budget:   DefaultBufferBudget,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.budget == 0 {
		e.budget = DefaultBufferBudget
	}
	return e
}

// log returns the logger, falling back to a discard logger if nil.
func (e *Engine) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.logger
}

// Run writes a new container of n items to out.
//
// prior is the database of the container being updated, or nil when a new
// container is created. A prior database with structural issues is refused
// with arctype.ErrStructural. Invalid host input is reported as
// arctype.ErrInvalidArgument before any byte reaches out. Once the commit
// phase has started, a failure leaves out holding a partial container that
// the caller must discard.
//
// The returned database describes the written container.
func (e *Engine) Run(ctx context.Context, c Container, prior *arctype.Database, n int, cb Callback, out io.Writer) (*arctype.Database, error) {
	if prior.HasError() {
		return nil, fmt.Errorf("%w: %d issues recorded, first: %s", arctype.ErrStructural, len(prior.Issues), prior.Issues[0])
	}
	if n < 0 {
		return nil, arctype.Invalid("negative item count %d", n)
	}
	cb = &lockedCallback{cb: cb}

	steps, err := e.plan(c, prior, n, cb)
	if err != nil {
		return nil, err
	}
	e.log().Debug("update planned", "items", n, "encode", countEncode(steps), "method", e.method.String())

	db := newDatabase(prior)
	w := NewOutput(out)
	if err := c.Begin(w); err != nil {
		return nil, err
	}

	commit := func(s *step, body *Body) error {
		if err := e.checkpoint(ctx, cb, s.index, len(steps)); err != nil {
			return err
		}
		if err := e.commit(c, w, s, body); err != nil {
			return err
		}
		db.Entries = append(db.Entries, s.next)
		return nil
	}

	if workers := e.workerCount(steps); workers < 2 {
		err = e.runSequential(steps, cb, commit)
	} else {
		err = e.runPipelined(ctx, steps, cb, commit, workers)
	}
	if err != nil {
		return nil, err
	}
	if err := e.checkpoint(ctx, cb, len(steps), len(steps)); err != nil {
		return nil, err
	}

	if err := c.Finish(w, db); err != nil {
		return nil, err
	}
	size, err := sizing.ToInt64(w.Offset(), arctype.ErrSizeOverflow)
	if err != nil {
		return nil, err
	}
	db.PhySize = size
	db.Fingerprint = arctype.Fingerprint(size, w.Tail())
	db.Validate()

	e.log().Info("update complete", "items", len(db.Entries), "bytes", size)
	return db, nil
}

// newDatabase seeds the output database with the prior auxiliary tables.
func newDatabase(prior *arctype.Database) *arctype.Database {
	if prior == nil {
		return &arctype.Database{}
	}
	c := prior.Clone()
	c.Entries = nil
	c.Volumes = nil
	c.Issues = nil
	c.PhySize = 0
	c.Fingerprint = ""
	return c
}

func countEncode(steps []step) int {
	n := 0
	for i := range steps {
		if steps[i].action == actionEncode {
			n++
		}
	}
	return n
}

// checkpoint reports progress and honors cancellation between entries.
func (e *Engine) checkpoint(ctx context.Context, cb Callback, done, total int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", arctype.ErrAborted, err)
	}
	err := cb.SetProgress(uint64(done), uint64(total)) //nolint:gosec // counts are non-negative
	switch {
	case err == nil:
		return nil
	case errors.Is(err, arctype.ErrAborted):
		return err
	default:
		e.log().Warn("progress callback failed", "error", err)
		return nil
	}
}

// commit writes one planned step.
func (e *Engine) commit(c Container, w *Output, s *step, body *Body) error {
	s.next.Volume = 0
	var err error
	switch s.action {
	case actionCopy:
		err = c.CopyEntry(w, s.prior, &s.next)
	case actionHeader:
		err = c.RewriteHeader(w, s.prior, &s.next)
	case actionEncode:
		s.next.Size = body.Size
		s.next.CRC = body.CRC
		s.next.PackedSize = uint64(len(body.Data))
		if body.Size != s.declared {
			e.log().Warn("content size differs from declared size",
				"item", s.index, "declared", s.declared, "actual", body.Size)
		}
		err = c.WriteEntry(w, &s.next, body)
	}
	if err != nil {
		return fmt.Errorf("item %d (%s): %w", s.index, s.next.Name, err)
	}
	e.log().Debug("entry written", "item", s.index, "action", s.action.String(), "name", s.next.Name)
	return nil
}

// encode reads one host input through the step's transform.
func (e *Engine) encode(s *step, r io.Reader) (*Body, error) {
	cr := &crcReader{r: r}
	var buf bytes.Buffer
	if err := s.transform.Transform(cr, &buf); err != nil {
		return nil, fmt.Errorf("%w: entry %s: %w", arctype.ErrCodec, s.next.Name, err)
	}
	return &Body{Data: buf.Bytes(), Size: cr.n, CRC: cr.crc}, nil
}

// openEncode opens and encodes the input of step s.
func (e *Engine) openEncode(cb Callback, s *step) (*Body, error) {
	rc, err := cb.OpenInput(s.index)
	if err != nil {
		return nil, fmt.Errorf("item %d: open input: %w", s.index, err)
	}
	defer rc.Close()
	return e.encode(s, rc)
}

// runSequential encodes and commits one step at a time.
func (e *Engine) runSequential(steps []step, cb Callback, commit func(*step, *Body) error) error {
	for i := range steps {
		s := &steps[i]
		var body *Body
		if s.action == actionEncode {
			b, err := e.openEncode(cb, s)
			if err != nil {
				return err
			}
			body = b
		}
		if err := commit(s, body); err != nil {
			return err
		}
	}
	return nil
}

// lockedCallback serializes access to a host callback.
type lockedCallback struct {
	mu sync.Mutex
	cb Callback
}

func (l *lockedCallback) UpdateItemInfo(index int) (Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cb.UpdateItemInfo(index)
}

func (l *lockedCallback) Property(index int, id prop.ID) (prop.Value, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cb.Property(index, id)
}

func (l *lockedCallback) OpenInput(index int) (io.ReadCloser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cb.OpenInput(index)
}

func (l *lockedCallback) SetProgress(completed, total uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cb.SetProgress(completed, total)
}

// crcReader counts and checksums the raw bytes read from host input.
type crcReader struct {
	r   io.Reader
	n   uint64
	crc uint32
}

func (c *crcReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += uint64(n)
		c.crc = crc32.Update(c.crc, crc32.IEEETable, p[:n])
	}
	return n, err
}
