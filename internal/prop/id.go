package prop

// ID names a property the engine can request from its host.
type ID uint32

// Canonical property set queried during an update pass.
const (
	Attributes ID = iota + 1
	MTime
	Path
	IsDir
	Size
)

// String returns the property name.
func (id ID) String() string {
	switch id {
	case Attributes:
		return "attributes"
	case MTime:
		return "mtime"
	case Path:
		return "path"
	case IsDir:
		return "is_dir"
	case Size:
		return "size"
	default:
		return "unknown"
	}
}
