package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/meigma/arc"
)

// fsCallback answers the update engine from a plan over the filesystem.
type fsCallback struct {
	items  []item
	logger *slog.Logger
}

var _ arc.Callback = (*fsCallback)(nil)

func newFSCallback(items []item, logger *slog.Logger) *fsCallback {
	return &fsCallback{items: items, logger: logger}
}

func (c *fsCallback) item(i int) (*item, error) {
	if i < 0 || i >= len(c.items) {
		return nil, fmt.Errorf("item %d out of range", i)
	}
	return &c.items[i], nil
}

func (c *fsCallback) UpdateItemInfo(i int) (arc.Request, error) {
	it, err := c.item(i)
	if err != nil {
		return arc.Request{}, err
	}
	return it.req, nil
}

// Property answers from the file being added, falling back to the prior
// entry so a rename keeps its time, attributes and kind.
func (c *fsCallback) Property(i int, id arc.PropID) (arc.Value, error) {
	it, err := c.item(i)
	if err != nil {
		return arc.Value{}, err
	}
	switch id {
	case arc.PropPath:
		return arc.Text(it.name), nil
	case arc.PropMTime:
		switch {
		case it.info != nil:
			return arc.Time(it.info.ModTime().UTC()), nil
		case it.prior != nil && !it.prior.ModTime.IsZero():
			return arc.Time(it.prior.ModTime), nil
		}
	case arc.PropIsDir:
		switch {
		case it.info != nil:
			return arc.Bool(it.info.IsDir()), nil
		case it.prior != nil:
			return arc.Bool(it.prior.IsDir), nil
		}
	case arc.PropSize:
		if it.info != nil {
			return arc.U64(uint64(it.info.Size())), nil //nolint:gosec // file sizes are non-negative
		}
	case arc.PropAttributes:
		if it.prior != nil {
			return arc.U32(it.prior.Attributes), nil
		}
	}
	return arc.Empty(), nil
}

func (c *fsCallback) OpenInput(i int) (io.ReadCloser, error) {
	it, err := c.item(i)
	if err != nil {
		return nil, err
	}
	return os.Open(it.file) //nolint:gosec // paths come from the command line
}

func (c *fsCallback) SetProgress(completed, total uint64) error {
	c.logger.Debug("update progress", "completed", completed, "total", total)
	return nil
}
