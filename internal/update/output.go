package update

import (
	"fmt"
	"io"

	"github.com/meigma/arc/internal/arctype"
	"github.com/meigma/arc/internal/sizing"
)

// Output counts bytes written to the sink and keeps the trailing bytes
// needed to fingerprint the finished container.
type Output struct {
	w    io.Writer
	n    uint64
	tail []byte
	buf  []byte
}

// NewOutput wraps w.
func NewOutput(w io.Writer) *Output {
	return &Output{
		w:    w,
		tail: make([]byte, 0, arctype.FingerprintTail),
	}
}

// Write implements io.Writer.
func (o *Output) Write(p []byte) (int, error) {
	n, err := o.w.Write(p)
	if n > 0 {
		if o.n > ^uint64(0)-uint64(n) {
			return n, arctype.ErrSizeOverflow
		}
		o.n += uint64(n)
		o.keepTail(p[:n])
	}
	return n, err
}

// Offset returns the number of bytes written so far.
func (o *Output) Offset() uint64 {
	return o.n
}

// Tail returns up to arctype.FingerprintTail trailing bytes written.
// The slice aliases internal state.
func (o *Output) Tail() []byte {
	return o.tail
}

// CopyRange streams length bytes at off from src into the output.
func (o *Output) CopyRange(src io.ReaderAt, off, length uint64) error {
	start, err := sizing.ToInt64(off, arctype.ErrSizeOverflow)
	if err != nil {
		return err
	}
	n, err := sizing.ToInt64(length, arctype.ErrSizeOverflow)
	if err != nil {
		return err
	}
	if o.buf == nil {
		o.buf = make([]byte, 32*1024)
	}
	copied, err := io.CopyBuffer(o, io.NewSectionReader(src, start, n), o.buf)
	if err != nil {
		return err
	}
	if copied != n {
		return fmt.Errorf("copy range at %d: short read (%d of %d bytes): %w", off, copied, n, io.ErrUnexpectedEOF)
	}
	return nil
}

func (o *Output) keepTail(p []byte) {
	limit := arctype.FingerprintTail
	if len(p) >= limit {
		o.tail = append(o.tail[:0], p[len(p)-limit:]...)
		return
	}
	if over := len(o.tail) + len(p) - limit; over > 0 {
		o.tail = append(o.tail[:0], o.tail[over:]...)
	}
	o.tail = append(o.tail, p...)
}
