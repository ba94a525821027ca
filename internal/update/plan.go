package update

import (
	"fmt"

	"github.com/meigma/arc/internal/arctype"
	"github.com/meigma/arc/internal/codec"
)

// action is what the commit phase does for one output position.
type action uint8

const (
	// actionCopy copies the prior header and body verbatim.
	actionCopy action = iota
	// actionHeader writes a new header over the prior body, or a bodyless
	// header for a new directory.
	actionHeader
	// actionEncode writes a new header and a body encoded from host input.
	actionEncode
)

func (a action) String() string {
	switch a {
	case actionCopy:
		return "copy"
	case actionHeader:
		return "header"
	case actionEncode:
		return "encode"
	default:
		return "unknown"
	}
}

// step is one planned output position.
type step struct {
	index    int
	action   action
	prior    *arctype.Entry
	next     arctype.Entry
	declared uint64

	// transform encodes the body of actionEncode steps.
	transform codec.Transform
}

// plan validates every item and decides its action. No bytes are written
// while planning, so an invalid argument leaves the sink untouched.
func (e *Engine) plan(c Container, prior *arctype.Database, n int, cb Callback) ([]step, error) {
	traits := c.Traits()
	if traits.SingleEntry && n != 1 {
		return nil, arctype.Invalid("format holds exactly one entry, got %d items", n)
	}

	var priorEntries []arctype.Entry
	if prior != nil {
		priorEntries = prior.Entries
	}

	steps := make([]step, 0, n)
	for i := range n {
		req, err := cb.UpdateItemInfo(i)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		if req.Source < NewEntry || req.Source >= len(priorEntries) {
			return nil, arctype.Invalid("item %d: source index %d out of range (%d entries)", i, req.Source, len(priorEntries))
		}
		if traits.SingleEntry && !req.NewData && req.Source != 0 {
			return nil, arctype.Invalid("item %d: reuse of source index %d", i, req.Source)
		}

		s := step{index: i}
		if req.Source != NewEntry {
			s.prior = &priorEntries[req.Source]
		}

		switch {
		case !req.NewData && !req.NewProperties:
			if s.prior == nil {
				return nil, arctype.Invalid("item %d: unchanged item has no source", i)
			}
			s.action = actionCopy
			s.next = s.prior.Clone()
			steps = append(steps, s)
			continue
		case req.NewProperties:
			if s.prior != nil {
				s.next = s.prior.Clone()
			} else {
				s.next = arctype.Entry{Security: arctype.NoSecurity}
			}
			if err := readHeader(cb, i, &s.next, traits.Flat); err != nil {
				return nil, err
			}
		default:
			// New data under the prior header.
			if s.prior == nil {
				return nil, arctype.Invalid("item %d: new entry without properties", i)
			}
			s.next = s.prior.Clone()
		}

		if req.NewData {
			if s.next.IsDir {
				return nil, arctype.Invalid("item %d: folder presented as new data", i)
			}
			declared, err := readSize(cb, i)
			if err != nil {
				return nil, err
			}
			s.action = actionEncode
			s.declared = declared
			s.next.Method = e.method
		} else {
			if s.prior == nil && !s.next.IsDir {
				return nil, arctype.Invalid("item %d: new file without data", i)
			}
			if s.prior != nil && s.prior.IsDir != s.next.IsDir {
				return nil, arctype.Invalid("item %d: directory flag changed without new data", i)
			}
			s.action = actionHeader
		}
		if s.next.IsDir {
			s.next.Size = 0
			s.next.PackedSize = 0
			s.next.CRC = 0
		}

		if err := c.Prepare(&s.next, s.prior); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		if s.action == actionEncode {
			t, err := e.registry.Lookup(s.next.Method, e.params)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			s.transform = t
		}
		steps = append(steps, s)
	}
	return steps, nil
}
