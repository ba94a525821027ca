// Package codec provides the stream transforms used to encode and decode
// entry bodies, keyed by method.
//
// The update engine only wires a source to a sink through a Transform; it
// never looks inside one. Copy is the identity transform and is always
// registered.
package codec

import (
	"fmt"
	"io"
	"sync"

	"github.com/meigma/arc/internal/arctype"
	"github.com/meigma/arc/internal/tuning"
)

// Transform moves bytes from src to dst, encoding or decoding on the way.
// Implementations must be safe for concurrent use by separate calls.
type Transform interface {
	Transform(src io.Reader, dst io.Writer) error
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(src io.Reader, dst io.Writer) error

// Transform implements Transform.
func (f TransformFunc) Transform(src io.Reader, dst io.Writer) error {
	return f(src, dst)
}

// EncoderFactory builds an encoding transform for the given tuning.
type EncoderFactory func(p tuning.Params) (Transform, error)

// Registry maps methods to encoders and decoders.
// A Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	encoders map[arctype.Method]EncoderFactory
	decoders map[arctype.Method]Transform
	pool     *DecoderPool
}

// Option configures a Registry.
type Option func(*Registry)

// WithDecoderPool sets the zstd decoder pool used for reads.
func WithDecoderPool(pool *DecoderPool) Option {
	return func(r *Registry) {
		r.pool = pool
	}
}

// NewRegistry returns a registry with the built-in methods registered:
// copy, deflate, zstd and lz4.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		encoders: make(map[arctype.Method]EncoderFactory),
		decoders: make(map[arctype.Method]Transform),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.pool == nil {
		r.pool = NewDecoderPool(DefaultMaxDecoderMemory)
	}

	r.Register(arctype.MethodCopy, newCopy, TransformFunc(copyStream))
	r.Register(arctype.MethodDeflate, newDeflate, TransformFunc(inflate))
	r.Register(arctype.MethodZstd, newZstd, zstdDecoder{pool: r.pool})
	r.Register(arctype.MethodLZ4, newLZ4, TransformFunc(unLZ4))
	return r
}

// Register installs or replaces the encoder and decoder for a method.
// A nil decoder leaves the method encode-only.
func (r *Registry) Register(m arctype.Method, enc EncoderFactory, dec Transform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.encoders[m] = enc
	if dec != nil {
		r.decoders[m] = dec
	} else {
		delete(r.decoders, m)
	}
}

// Lookup returns the encoding transform for m tuned by p.
// An unknown method is an invalid argument.
func (r *Registry) Lookup(m arctype.Method, p tuning.Params) (Transform, error) {
	r.mu.RLock()
	factory, ok := r.encoders[m]
	r.mu.RUnlock()
	if !ok {
		return nil, arctype.Invalid("no encoder for method %s", m)
	}
	t, err := factory(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", arctype.ErrCodec, m, err)
	}
	return t, nil
}

// Decoder returns the decoding transform for m.
func (r *Registry) Decoder(m arctype.Method) (Transform, error) {
	r.mu.RLock()
	dec, ok := r.decoders[m]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no decoder for method %s", arctype.ErrCodec, m)
	}
	return dec, nil
}

func newCopy(tuning.Params) (Transform, error) {
	return TransformFunc(copyStream), nil
}

// copyStream is the identity transform.
func copyStream(src io.Reader, dst io.Writer) error {
	buf := make([]byte, 32*1024)
	_, err := io.CopyBuffer(dst, src, buf)
	return err
}
