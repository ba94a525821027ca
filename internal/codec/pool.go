package codec

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// DefaultMaxDecoderMemory is the default maximum zstd decoder memory (256MB).
const DefaultMaxDecoderMemory = 256 << 20

// DecoderPool manages reusable zstd decoders so repeated entry reads do not
// reallocate decoder state.
type DecoderPool struct {
	pool      sync.Pool
	maxMemory uint64
	lowmem    bool
}

// PoolOption configures a DecoderPool.
type PoolOption func(*DecoderPool)

// WithDecoderLowmem enables or disables low-memory mode for decoders.
func WithDecoderLowmem(enabled bool) PoolOption {
	return func(p *DecoderPool) {
		p.lowmem = enabled
	}
}

// NewDecoderPool creates a pool of zstd decoders.
// If maxMemory is 0, no memory limit is applied.
func NewDecoderPool(maxMemory uint64, opts ...PoolOption) *DecoderPool {
	p := &DecoderPool{maxMemory: maxMemory}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns a decoder reading from r and a release function the caller
// must call when done. If an error is returned, nothing needs releasing.
func (p *DecoderPool) Get(r io.Reader) (*zstd.Decoder, func(), error) {
	if dec, ok := p.pool.Get().(*zstd.Decoder); ok {
		if err := dec.Reset(r); err == nil {
			return dec, func() {
				_ = dec.Reset(nil) //nolint:errcheck // clearing state before pool return
				p.pool.Put(dec)
			}, nil
		}
		dec.Close()
	}

	dec, err := p.newDecoder(r)
	if err != nil {
		return nil, nil, err
	}
	return dec, func() {
		_ = dec.Reset(nil) //nolint:errcheck // clearing state before pool return
		p.pool.Put(dec)
	}, nil
}

func (p *DecoderPool) newDecoder(r io.Reader) (*zstd.Decoder, error) {
	opts := []zstd.DOption{
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(p.lowmem),
	}
	if p.maxMemory != 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(p.maxMemory))
	}
	return zstd.NewReader(r, opts...)
}
