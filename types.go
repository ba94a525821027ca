package arc

import (
	"github.com/meigma/arc/internal/arctype"
	"github.com/meigma/arc/internal/prop"
	"github.com/meigma/arc/internal/update"
)

// --- Re-exports from arctype ---

// Entry is one file or directory record of a container.
type Entry = arctype.Entry

// Database is the parsed representation of a container.
type Database = arctype.Database

// Issue describes one structural problem found while parsing.
type Issue = arctype.Issue

// IssueKind classifies an Issue.
type IssueKind = arctype.IssueKind

// Volume locates one physical chunk of a container.
type Volume = arctype.Volume

// Image is one descriptive-metadata record.
type Image = arctype.Image

// Method identifies the stream transform used for an entry body.
type Method = arctype.Method

// Method constants.
const (
	MethodCopy    = arctype.MethodCopy
	MethodDeflate = arctype.MethodDeflate
	MethodZstd    = arctype.MethodZstd
	MethodLZ4     = arctype.MethodLZ4
)

// NoSecurity marks an entry without a security descriptor.
const NoSecurity = arctype.NoSecurity

// --- Re-exports from prop and update ---

// Value is a typed property value exchanged with the host.
type Value = prop.Value

// PropID names a property the update engine requests.
type PropID = prop.ID

// Property IDs.
const (
	PropAttributes = prop.Attributes
	PropMTime      = prop.MTime
	PropPath       = prop.Path
	PropIsDir      = prop.IsDir
	PropSize       = prop.Size
)

// Value constructors.
var (
	Empty = prop.Empty
	Bool  = prop.Bool
	U32   = prop.U32
	U64   = prop.U64
	Time  = prop.Time
	Text  = prop.Text
	Blob  = prop.Blob
)

// Callback is the host side of an update pass.
type Callback = update.Callback

// Request describes what changed for one output position.
type Request = update.Request

// NewEntry is the Request.Source of an entry with no prior counterpart.
const NewEntry = update.NewEntry
