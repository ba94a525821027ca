package arc

import "log/slog"

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger for handler, format and engine diagnostics.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithCache shares a database cache between handlers. Without a cache
// every open reparses its source and keep-mode has no effect.
func WithCache(c *Cache) Option {
	return func(h *Handler) {
		h.cache = c
	}
}

// WithFormat sets the container format written by Update when no archive
// is open. The default is FormatImg.
func WithFormat(format string) Option {
	return func(h *Handler) {
		h.format = format
	}
}

// WithImageName sets the name of the image created when entries are added
// to an image container that has none.
func WithImageName(name string) Option {
	return func(h *Handler) {
		h.imageName = name
	}
}

// WithWorkers sets the number of encoder workers used by Update.
// Values < 0 force serial encoding. Zero uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(h *Handler) {
		h.workers = n
	}
}

// WithBufferBudget bounds the bytes buffered by in-flight encoders.
// Zero uses the engine default.
func WithBufferBudget(n uint64) Option {
	return func(h *Handler) {
		h.budget = n
	}
}

// WithMaxDecoderMemory limits the memory used by each zstd decoder during
// extraction. Set limit to 0 to disable the limit.
func WithMaxDecoderMemory(limit uint64) Option {
	return func(h *Handler) {
		h.maxDecoderMemory = limit
	}
}

// WithDecoderLowmem makes zstd decoders trade speed for a smaller memory
// footprint during extraction.
func WithDecoderLowmem(enabled bool) Option {
	return func(h *Handler) {
		h.decoderLowmem = enabled
	}
}

// UpdateOption configures a single Update call.
type UpdateOption func(*updateConfig)

type updateConfig struct {
	outputID string
}

// WithOutputID names the archive being written. In keep-mode the produced
// database is cached under id, so the next open of id skips parsing.
func WithOutputID(id string) UpdateOption {
	return func(c *updateConfig) {
		c.outputID = id
	}
}
