// Package prop defines the tagged property values exchanged between the
// update engine and its host.
//
// A Value carries exactly one payload whose type is named by its Kind.
// Consumers must check the kind before reading; the typed accessors never
// coerce between kinds and return ErrTypeMismatch instead.
package prop

import (
	"errors"
	"fmt"
	"time"
)

// ErrTypeMismatch is returned when a value is read as the wrong kind.
var ErrTypeMismatch = errors.New("prop: type mismatch")

// Kind identifies the payload carried by a Value.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindBool
	KindU32
	KindU64
	KindTime
	KindText
	KindBlob
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindBool:
		return "bool"
	case KindU32:
		return "u32"
	case KindU64:
		return "u64"
	case KindTime:
		return "timestamp"
	case KindText:
		return "text"
	case KindBlob:
		return "blob"
	default:
		return "unknown"
	}
}

// MismatchError describes a read of the wrong kind.
type MismatchError struct {
	Want Kind
	Got  Kind
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("prop: type mismatch: want %s, got %s", e.Want, e.Got)
}

// Is reports ErrTypeMismatch equivalence for errors.Is.
func (e *MismatchError) Is(target error) bool {
	return target == ErrTypeMismatch
}

// Value is a tagged property value. The zero Value is Empty.
type Value struct {
	kind Kind
	num  uint64
	t    time.Time
	text string
	blob []byte
}

// Empty returns a value with no payload.
func Empty() Value { return Value{} }

// Bool returns a boolean value.
func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.num = 1
	}
	return v
}

// U32 returns a 32-bit unsigned value.
func U32(n uint32) Value { return Value{kind: KindU32, num: uint64(n)} }

// U64 returns a 64-bit unsigned value.
func U64(n uint64) Value { return Value{kind: KindU64, num: n} }

// Time returns a timestamp value.
func Time(t time.Time) Value { return Value{kind: KindTime, t: t} }

// Text returns a text value.
func Text(s string) Value { return Value{kind: KindText, text: s} }

// Blob returns a byte-string value. The slice is retained, not copied.
func Blob(b []byte) Value { return Value{kind: KindBlob, blob: b} }

// Kind returns the kind of payload carried by v.
func (v Value) Kind() Kind { return v.kind }

// IsEmpty reports whether v carries no payload.
func (v Value) IsEmpty() bool { return v.kind == KindEmpty }

func (v Value) check(want Kind) error {
	if v.kind != want {
		return &MismatchError{Want: want, Got: v.kind}
	}
	return nil
}

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, error) {
	if err := v.check(KindBool); err != nil {
		return false, err
	}
	return v.num != 0, nil
}

// AsU32 returns the 32-bit payload.
func (v Value) AsU32() (uint32, error) {
	if err := v.check(KindU32); err != nil {
		return 0, err
	}
	return uint32(v.num), nil //nolint:gosec // constructed from uint32
}

// AsU64 returns the 64-bit payload.
func (v Value) AsU64() (uint64, error) {
	if err := v.check(KindU64); err != nil {
		return 0, err
	}
	return v.num, nil
}

// AsTime returns the timestamp payload.
func (v Value) AsTime() (time.Time, error) {
	if err := v.check(KindTime); err != nil {
		return time.Time{}, err
	}
	return v.t, nil
}

// AsText returns the text payload.
func (v Value) AsText() (string, error) {
	if err := v.check(KindText); err != nil {
		return "", err
	}
	return v.text, nil
}

// AsBlob returns the byte-string payload. The slice aliases the value.
func (v Value) AsBlob() ([]byte, error) {
	if err := v.check(KindBlob); err != nil {
		return nil, err
	}
	return v.blob, nil
}

// String formats the value for logs.
func (v Value) String() string {
	switch v.kind {
	case KindEmpty:
		return "<empty>"
	case KindBool:
		return fmt.Sprintf("%t", v.num != 0)
	case KindU32, KindU64:
		return fmt.Sprintf("%d", v.num)
	case KindTime:
		return v.t.UTC().Format(time.RFC3339)
	case KindText:
		return fmt.Sprintf("%q", v.text)
	case KindBlob:
		return fmt.Sprintf("<%d bytes>", len(v.blob))
	default:
		return "<invalid>"
	}
}
