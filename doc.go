// Package arc reads and rewrites archive containers.
//
// Two container formats are supported: single-member gzip files and the
// multi-part image container, which adds volumes, a deduplicated security
// table and per-image descriptive metadata.
//
// Opening a container is tolerant. Structural problems such as a truncated
// volume, a dangling security index or malformed image metadata are
// recorded as issues on the [Database] instead of failing the open, so the
// entries that did parse stay listable and extractable.
//
// # Updating
//
// An update pass rewrites a container from a change set supplied by the
// host through [Callback]. For every output position the host says whether
// the item is unchanged, has new properties, has new data, or is new:
//
//	h := arc.NewHandler(arc.WithCache(cache))
//	if err := h.Open(ctx, src); err != nil {
//	    return err
//	}
//	db, err := h.Update(ctx, n, callback, out)
//
// Unchanged entries are copied byte for byte, so a pass that changes
// nothing reproduces its input exactly. Entries with new properties get a
// fresh header over their existing body. New data is encoded through the
// configured method (copy, deflate, zstd or lz4) on a bounded worker pool
// and committed strictly in request order.
//
// # Configuration
//
// Tuning is set with [Handler.SetProperties] using key/value properties:
// X or X<n> for the level (0-9), PASS and FB for explicit encoder knobs,
// and for image containers M (method), IM (show image number) and IMAGE
// (default image).
//
// # Keep-mode
//
// With a [Cache] and [Handler.KeepModeForNextOpen], the database produced by
// an update is retained and reused by the next open of the written archive.
// Reuse is validated against a fingerprint of the archive bytes; an archive
// changed out of band is reparsed.
package arc
