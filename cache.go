package arc

import (
	"context"
	"log/slog"
	"sync"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/arc/internal/arctype"
)

// Cache keeps parsed databases across opens, keyed by ByteSource.SourceID.
//
// An entry is only reused while the fingerprint of the source's bytes still
// matches the database; a source changed out of band is reparsed. Concurrent
// opens of the same source share a single parse. Cache is safe for
// concurrent use, and a reused database is the exact cached instance.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Database
	group   singleflight.Group
	logger  *slog.Logger
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// CacheWithLogger sets the logger for cache diagnostics.
// If not set, logging is disabled.
func CacheWithLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

// NewCache returns an empty cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{entries: make(map[string]*Database)}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	return c
}

func (c *Cache) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.New(slog.DiscardHandler)
}

// Load returns the database cached for src, or parses it with parse and
// caches the result. reused reports whether the cached instance was
// returned.
func (c *Cache) Load(ctx context.Context, src ByteSource, parse func() (*Database, error)) (db *Database, reused bool, err error) {
	id := src.SourceID()
	if id == "" {
		db, err = parse()
		return db, false, err
	}
	fp, err := arctype.SourceFingerprint(src)
	if err != nil {
		return nil, false, err
	}
	if db, ok := c.lookup(id, fp); ok {
		c.log().Debug("database reused", "source", id)
		return db, true, nil
	}

	ch := c.group.DoChan(id+"@"+fp.String(), func() (any, error) {
		if db, ok := c.lookup(id, fp); ok {
			return db, nil
		}
		db, err := parse()
		if err != nil {
			return nil, err
		}
		c.Store(id, db)
		return db, nil
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		db, _ := res.Val.(*Database) //nolint:errcheck // type assertion always succeeds when err is nil
		return db, false, nil
	}
}

// lookup returns the entry for id if its fingerprint still matches.
// A stale entry is dropped.
func (c *Cache) lookup(id string, fp digest.Digest) (*Database, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	db, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	if db.Fingerprint != fp {
		delete(c.entries, id)
		c.log().Debug("cached database stale", "source", id, "cached", db.Fingerprint, "current", fp)
		return nil, false
	}
	return db, true
}

// Store caches db under id, replacing any previous entry.
func (c *Cache) Store(id string, db *Database) {
	if id == "" || db == nil {
		return
	}
	c.mu.Lock()
	c.entries[id] = db
	c.mu.Unlock()
}

// Invalidate drops the entry for id.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Len returns the number of cached databases.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
