package main

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/meigma/arc"
)

// item is one output position of an update pass.
type item struct {
	req arc.Request
	// name is the stored name for items with new properties.
	name string
	// file is the filesystem path of new data, and info its metadata.
	file string
	info fs.FileInfo
	// prior is the entry the item reuses, if any.
	prior *arc.Entry
}

// addition is a filesystem object to store under name.
type addition struct {
	name string
	file string
	info fs.FileInfo
}

// collectAdds expands the --add paths. Directories are walked; every
// object is stored relative to the parent of the path given.
func collectAdds(paths []string) ([]addition, error) {
	var adds []addition
	for _, root := range paths {
		root = filepath.Clean(root)
		base := filepath.Dir(root)
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.Type()&fs.ModeSymlink != 0 {
				return fmt.Errorf("%s: symlinks are not stored", p)
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(base, p)
			if err != nil {
				return err
			}
			adds = append(adds, addition{name: filepath.ToSlash(rel), file: p, info: info})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return adds, nil
}

func parseRenames(raw []string) (map[string]string, error) {
	renames := make(map[string]string, len(raw))
	for _, r := range raw {
		from, to, ok := strings.Cut(r, "=")
		if !ok || from == "" || to == "" {
			return nil, fmt.Errorf("bad rename %q: want old=new", r)
		}
		renames[from] = to
	}
	return renames, nil
}

// buildPlan reconciles the prior entries with the requested changes. Prior
// order is kept; new entries follow. In single mode the one prior entry is
// replaced by the one addition regardless of names.
func buildPlan(entries []arc.Entry, adds []addition, deletes []string, renames map[string]string, single bool) ([]item, error) {
	byName := make(map[string]addition, len(adds))
	for _, a := range adds {
		byName[a.name] = a
	}
	deleted := make(map[string]bool, len(deletes))
	for _, d := range deletes {
		deleted[d] = true
	}
	if single && len(entries) == 1 && len(adds) == 1 && !deleted[entries[0].Name] {
		a := adds[0]
		return []item{{
			req:   arc.Request{NewData: true, NewProperties: true, Source: 0},
			name:  a.name,
			file:  a.file,
			info:  a.info,
			prior: &entries[0],
		}}, nil
	}

	seen := make(map[string]bool, len(entries))
	var items []item
	for i := range entries {
		e := &entries[i]
		seen[e.Name] = true
		switch a, replaced := byName[e.Name]; {
		case deleted[e.Name]:
		case replaced && a.info.IsDir() == e.IsDir:
			delete(byName, e.Name)
			items = append(items, item{
				req:   arc.Request{NewData: !a.info.IsDir(), NewProperties: true, Source: i},
				name:  a.name,
				file:  a.file,
				info:  a.info,
				prior: e,
			})
		case renames[e.Name] != "":
			items = append(items, item{
				req:   arc.Request{NewProperties: true, Source: i},
				name:  renames[e.Name],
				prior: e,
			})
		default:
			items = append(items, item{req: arc.Request{Source: i}, prior: e})
		}
	}
	for name := range deleted {
		if !seen[name] {
			return nil, fmt.Errorf("delete %s: no such entry", name)
		}
	}
	for name := range renames {
		if !seen[name] {
			return nil, fmt.Errorf("rename %s: no such entry", name)
		}
	}

	for _, a := range adds {
		if _, pending := byName[a.name]; !pending {
			continue
		}
		if seen[a.name] {
			return nil, fmt.Errorf("add %s: type differs from the existing entry", a.name)
		}
		items = append(items, item{
			req:  arc.Request{NewData: !a.info.IsDir(), NewProperties: true, Source: arc.NewEntry},
			name: a.name,
			file: a.file,
			info: a.info,
		})
	}
	return items, nil
}
