package update

import (
	"fmt"
	"time"

	"github.com/meigma/arc/internal/arctype"
	"github.com/meigma/arc/internal/prop"
)

// query fetches one property, separating host failures from type errors.
func query(cb Callback, index int, id prop.ID) (prop.Value, error) {
	v, err := cb.Property(index, id)
	if err != nil {
		return prop.Value{}, fmt.Errorf("item %d: property %s: %w", index, id, err)
	}
	return v, nil
}

func mismatch(index int, id prop.ID, err error) error {
	return arctype.Invalid("item %d: property %s: %v", index, id, err)
}

// readHeader queries the header properties of an item into next.
// Every property follows the same shape: Empty takes the default, one
// specific kind is accepted, anything else is an invalid argument.
func readHeader(cb Callback, index int, next *arctype.Entry, flat bool) error {
	v, err := query(cb, index, prop.Attributes)
	if err != nil {
		return err
	}
	var attrs uint32
	if !v.IsEmpty() {
		if attrs, err = v.AsU32(); err != nil {
			return mismatch(index, prop.Attributes, err)
		}
	}

	if v, err = query(cb, index, prop.MTime); err != nil {
		return err
	}
	var mtime time.Time
	if !v.IsEmpty() {
		if mtime, err = v.AsTime(); err != nil {
			return mismatch(index, prop.MTime, err)
		}
	}

	if v, err = query(cb, index, prop.Path); err != nil {
		return err
	}
	var name string
	if !v.IsEmpty() {
		if name, err = v.AsText(); err != nil {
			return mismatch(index, prop.Path, err)
		}
	}

	if v, err = query(cb, index, prop.IsDir); err != nil {
		return err
	}
	var isDir bool
	if !v.IsEmpty() {
		if isDir, err = v.AsBool(); err != nil {
			return mismatch(index, prop.IsDir, err)
		}
	}

	if flat {
		name = arctype.BaseName(name)
	} else {
		name = arctype.CleanPath(name)
	}

	next.Name = name
	next.Attributes = attrs
	if !mtime.IsZero() {
		mtime = mtime.Truncate(time.Second)
	}
	next.ModTime = mtime
	next.IsDir = isDir || attrs&arctype.AttrDirectory != 0
	return nil
}

// readSize queries the declared content size, which must be a U64.
func readSize(cb Callback, index int) (uint64, error) {
	v, err := query(cb, index, prop.Size)
	if err != nil {
		return 0, err
	}
	n, err := v.AsU64()
	if err != nil {
		return 0, mismatch(index, prop.Size, err)
	}
	return n, nil
}
