// Package update implements the archive rewrite pass: it reconciles a prior
// container database with a host-supplied change set and streams a new
// container image to a sink.
//
// The host side is consumed through Callback; stream transforms through
// Registry; the byte layout of a concrete format through Container.
package update

import (
	"io"

	"github.com/meigma/arc/internal/arctype"
	"github.com/meigma/arc/internal/codec"
	"github.com/meigma/arc/internal/prop"
	"github.com/meigma/arc/internal/tuning"
)

// NewEntry is the Request.Source value for an entry with no prior counterpart.
const NewEntry = -1

// Request describes one output position of an update pass.
type Request struct {
	// NewData is set when the entry body must be read from the host.
	NewData bool
	// NewProperties is set when header fields must be queried from the host.
	NewProperties bool
	// Source is the index of the prior entry, or NewEntry.
	Source int
}

// Callback is implemented by whatever embeds the engine. Every method may
// fail; failures other than those of SetProgress abort the pass.
//
// The engine never calls Callback methods concurrently.
type Callback interface {
	// UpdateItemInfo describes output position index.
	UpdateItemInfo(index int) (Request, error)

	// Property returns one property of the item. Properties that do not
	// apply to the item are returned as an Empty value.
	Property(index int, id prop.ID) (prop.Value, error)

	// OpenInput opens the item's content. Only called when NewData is set.
	OpenInput(index int) (io.ReadCloser, error)

	// SetProgress reports completed and total items. It is advisory: an
	// error wrapping arctype.ErrAborted cancels the pass between entries,
	// any other error is logged and ignored.
	SetProgress(completed, total uint64) error
}

// Registry resolves a method and tuning into an encoding transform.
type Registry interface {
	Lookup(m arctype.Method, p tuning.Params) (codec.Transform, error)
}

// Traits describe format constraints the engine enforces while planning.
type Traits struct {
	// Flat formats store only the last path segment of entry names.
	Flat bool
	// SingleEntry formats hold exactly one entry.
	SingleEntry bool
}

// Body is an encoded entry payload.
type Body struct {
	// Data holds the encoded bytes.
	Data []byte
	// Size is the number of raw bytes consumed from the host.
	Size uint64
	// CRC is the CRC-32 (IEEE) of the raw bytes.
	CRC uint32
}

// Container writes one concrete container layout. The engine drives it in
// output order: Begin, then one of CopyEntry, RewriteHeader or WriteEntry
// per item, then Finish.
//
// Implementations set the layout fields (Offset, HeaderSize, PackedSize) of
// the next entry they are handed.
type Container interface {
	Traits() Traits

	// Prepare validates a planned entry and fills format defaults. prior is
	// nil for brand new entries. Returning an error wrapping
	// arctype.ErrInvalidArgument rejects the pass before anything is written.
	Prepare(next, prior *arctype.Entry) error

	// Begin writes the container prologue.
	Begin(w *Output) error

	// CopyEntry copies the prior entry's header and body verbatim.
	CopyEntry(w *Output, prior, next *arctype.Entry) error

	// RewriteHeader writes a fresh header for next, then copies the prior body.
	RewriteHeader(w *Output, prior, next *arctype.Entry) error

	// WriteEntry writes a fresh header and the encoded body.
	WriteEntry(w *Output, next *arctype.Entry, body *Body) error

	// Finish writes the container epilogue and completes db, which already
	// holds the written entries.
	Finish(w *Output, db *arctype.Database) error
}
