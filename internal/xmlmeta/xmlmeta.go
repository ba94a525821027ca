// Package xmlmeta decodes and encodes the descriptive metadata stored with
// each image of an image container.
//
// Blobs are UTF-16 with a byte order mark, or UTF-8 with or without one.
// Blobs are always written as UTF-16LE with a byte order mark.
package xmlmeta

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ErrMalformed is returned for blobs that do not decode to an image record.
var ErrMalformed = errors.New("xmlmeta: malformed metadata")

// Info is the decoded content of one metadata blob.
type Info struct {
	// Index is the 1-based image number the blob claims.
	Index       int
	Name        string
	Description string
}

type imageXML struct {
	XMLName     xml.Name `xml:"IMAGE"`
	Index       int      `xml:"INDEX,attr"`
	Name        string   `xml:"NAME,omitempty"`
	Description string   `xml:"DESCRIPTION,omitempty"`
}

// Decode parses a metadata blob.
func Decode(blob []byte) (Info, error) {
	if len(blob) == 0 {
		return Info{}, fmt.Errorf("%w: empty blob", ErrMalformed)
	}
	text, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), blob)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	dec := xml.NewDecoder(bytes.NewReader(text))
	// The text is already UTF-8 whatever the declaration says.
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	var v imageXML
	if err := dec.Decode(&v); err != nil {
		return Info{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if v.Index < 1 {
		return Info{}, fmt.Errorf("%w: image index %d", ErrMalformed, v.Index)
	}
	return Info{Index: v.Index, Name: v.Name, Description: v.Description}, nil
}

// Encode renders info as a UTF-16LE blob with a byte order mark.
func Encode(info Info) ([]byte, error) {
	text, err := xml.Marshal(imageXML{Index: info.Index, Name: info.Name, Description: info.Description})
	if err != nil {
		return nil, err
	}
	enc := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder()
	out, _, err := transform.Bytes(enc, text)
	if err != nil {
		return nil, err
	}
	return out, nil
}
