// Package tuning parses the key/value method properties a host sets on a
// handler and resolves them into codec parameters.
//
// Recognized keys (case-insensitive):
//
//	X, X<level>  compression level 0-9 (bare X means 9)
//	PASS         explicit pass count, >= 1
//	FB           explicit fast-bytes (match lookahead), >= 1
//	M            method name (image containers only)
//	IM           show image number in item paths (image containers only)
//	IMAGE        default image number (image containers only)
//
// Any other key, or a value of the wrong kind for its key, is rejected with
// arctype.ErrInvalidArgument.
package tuning

import (
	"strconv"
	"strings"

	"github.com/meigma/arc/internal/arctype"
	"github.com/meigma/arc/internal/prop"
)

const (
	// DefaultLevel is used when no level was set by any option.
	DefaultLevel = 5
	// MaxLevel is the highest accepted level.
	MaxLevel = 9
	// unsetLevel marks a level not set by any option.
	unsetLevel = -1
)

// Step table for deriving passes and fast-bytes from the level knob.
const (
	passesX1 = 1
	passesX7 = 3
	passesX9 = 10

	fastBytesX1 = 32
	fastBytesX7 = 64
	fastBytesX9 = 128
)

// Keys selects which property groups a handler accepts.
type Keys uint8

const (
	// KeysMethod accepts X, PASS and FB.
	KeysMethod Keys = 1 << iota
	// KeysImage accepts M, IM and IMAGE.
	KeysImage
)

// Config is the parsed property set. Unset fields keep their zero markers
// until Resolve applies the defaults.
type Config struct {
	Level     int
	Passes    uint32
	FastBytes uint32

	Method    arctype.Method
	MethodSet bool

	// ShowImageNumber is nil unless IM was set.
	ShowImageNumber *bool
	// DefaultImage is 0 unless IMAGE was set.
	DefaultImage int
}

// Params are resolved codec tuning parameters.
type Params struct {
	Level     int
	Passes    uint32
	FastBytes uint32
}

// New returns a Config with nothing set.
func New() Config {
	return Config{Level: unsetLevel}
}

// LevelSet reports whether any option set the level.
func (c Config) LevelSet() bool {
	return c.Level != unsetLevel
}

// Step returns the passes and fast-bytes derived from a level.
// The table is monotone: a higher level never yields a smaller pair.
func Step(level int) (passes, fastBytes uint32) {
	switch {
	case level >= 9:
		return passesX9, fastBytesX9
	case level >= 7:
		return passesX7, fastBytesX7
	default:
		return passesX1, fastBytesX1
	}
}

// Resolve applies the default level and fills passes and fast-bytes from the
// step table unless they were set explicitly.
func (c Config) Resolve() Params {
	level := c.Level
	if level == unsetLevel {
		level = DefaultLevel
	}
	passes, fastBytes := Step(level)
	if c.Passes != 0 {
		passes = c.Passes
	}
	if c.FastBytes != 0 {
		fastBytes = c.FastBytes
	}
	return Params{Level: level, Passes: passes, FastBytes: fastBytes}
}

// Parse parses names and values into a fresh Config. Names and values are
// matched by position.
func Parse(names []string, values []prop.Value, keys Keys) (Config, error) {
	if len(names) != len(values) {
		return Config{}, arctype.Invalid("%d property names for %d values", len(names), len(values))
	}
	cfg := New()
	for i, raw := range names {
		if err := cfg.set(strings.ToUpper(raw), values[i], keys); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func (c *Config) set(name string, v prop.Value, keys Keys) error {
	if keys&KeysMethod != 0 {
		switch {
		case strings.HasPrefix(name, "X"):
			level, err := parseLevel(name[1:], v)
			if err != nil {
				return err
			}
			c.Level = level
			return nil
		case name == "PASS":
			n, err := positiveU32(name, v)
			if err != nil {
				return err
			}
			c.Passes = n
			return nil
		case name == "FB":
			n, err := positiveU32(name, v)
			if err != nil {
				return err
			}
			c.FastBytes = n
			return nil
		}
	}
	if keys&KeysImage != 0 {
		switch name {
		case "M":
			s, err := v.AsText()
			if err != nil {
				return arctype.Invalid("property %s: %v", name, err)
			}
			m, err := arctype.ParseMethod(s)
			if err != nil {
				return err
			}
			c.Method, c.MethodSet = m, true
			return nil
		case "IM":
			show := true
			if !v.IsEmpty() {
				b, err := v.AsBool()
				if err != nil {
					return arctype.Invalid("property %s: %v", name, err)
				}
				show = b
			}
			c.ShowImageNumber = &show
			return nil
		case "IMAGE":
			n, err := positiveU32(name, v)
			if err != nil {
				return err
			}
			c.DefaultImage = int(n)
			return nil
		}
	}
	return arctype.Invalid("unknown property %q", name)
}

// parseLevel handles both "X=<n>" (U32 value, empty suffix) and "X<n>"
// (Empty value, digits in the suffix). A bare "X" selects the maximum level.
func parseLevel(suffix string, v prop.Value) (int, error) {
	level := MaxLevel
	switch v.Kind() {
	case prop.KindU32:
		if suffix != "" {
			return 0, arctype.Invalid("property X%s: level given twice", suffix)
		}
		n, _ := v.AsU32() //nolint:errcheck // kind checked above
		if n > MaxLevel {
			return 0, arctype.Invalid("level %d out of range 0-%d", n, MaxLevel)
		}
		level = int(n)
	case prop.KindEmpty:
		if suffix != "" {
			n, err := strconv.ParseUint(suffix, 10, 32)
			if err != nil || n > MaxLevel {
				return 0, arctype.Invalid("bad level %q", suffix)
			}
			level = int(n)
		}
	default:
		return 0, arctype.Invalid("property X: %v", &prop.MismatchError{Want: prop.KindU32, Got: v.Kind()})
	}
	return level, nil
}

func positiveU32(name string, v prop.Value) (uint32, error) {
	n, err := v.AsU32()
	if err != nil {
		return 0, arctype.Invalid("property %s: %v", name, err)
	}
	if n < 1 {
		return 0, arctype.Invalid("property %s must be >= 1", name)
	}
	return n, nil
}
