package arctype

import (
	"fmt"
	"strings"
)

// Method identifies the stream transform used for an entry body.
type Method uint16

const (
	MethodCopy Method = iota
	MethodDeflate
	MethodZstd
	MethodLZ4
)

// String returns the human-readable name of the method.
func (m Method) String() string {
	switch m {
	case MethodCopy:
		return "copy"
	case MethodDeflate:
		return "deflate"
	case MethodZstd:
		return "zstd"
	case MethodLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(m))
	}
}

// ParseMethod parses a method from its name. Matching is case-insensitive.
func ParseMethod(name string) (Method, error) {
	switch strings.ToLower(name) {
	case "copy", "store":
		return MethodCopy, nil
	case "deflate":
		return MethodDeflate, nil
	case "zstd":
		return MethodZstd, nil
	case "lz4":
		return MethodLZ4, nil
	default:
		return 0, Invalid("unknown method %q", name)
	}
}
