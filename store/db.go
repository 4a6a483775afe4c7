// Package store is an embeddable document store persisting collections as
// JSON lines files.
//
// Every collection is backed by one file "<dir>/<name>.jsonl" and is fully
// loaded in memory. Reads are served from memory. Mutations rewrite the file
// atomically and only then update memory, so a failed write never leaves the
// two out of sync.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/maruel/jsondoc/dberr"
	"github.com/maruel/jsondoc/entity"
	"github.com/maruel/jsondoc/fieldcrypto"
	"github.com/maruel/jsondoc/internal/atomicfile"
	"github.com/maruel/jsondoc/watch"
)

// FileExt is the extension of collection files.
const FileExt = atomicfile.Ext

// DB is an open store.
//
// It is safe for concurrent use.
type DB struct {
	dir     string
	opts    options
	files   *atomicfile.Store
	log     *slog.Logger
	metrics *Metrics

	mu     sync.RWMutex
	cols   map[string]*collection
	cipher fieldcrypto.Cipher
	closed bool
}

// Open opens the store in dir with the collections known to provider.
//
// Existing collection files are loaded. A missing file leaves its collection
// unloaded until Create is called, unless WithAutoCreate is set.
func Open(dir string, provider entity.SchemaProvider, opts ...Option) (*DB, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if provider == nil {
		return nil, dberr.Usage("schema provider is nil")
	}
	enc, err := atomicfile.LookupCharset(o.charset)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, dberr.IO("failed to create directory "+dir, err)
	}
	descs, err := provider.Discover()
	if err != nil {
		return nil, fmt.Errorf("failed to discover collections: %w", err)
	}
	if o.lockDir == "" {
		o.lockDir = filepath.Join(dir, atomicfile.LockDirName)
	}
	db := &DB{
		dir:     dir,
		opts:    o,
		log:     o.logger,
		metrics: o.metrics,
		cols:    make(map[string]*collection, len(descs)),
		cipher:  o.cipher,
	}
	db.files = &atomicfile.Store{
		LockDir:     o.lockDir,
		Encoding:    enc,
		Mode:        o.mode,
		LockTimeout: o.lockTimeout,
		Observe:     db.observeRewrite,
	}
	for name, d := range descs {
		if name != d.Name() {
			return nil, dberr.Usage("collection %q is registered under %q", d.Name(), name)
		}
		db.cols[name] = &collection{desc: d, path: filepath.Join(dir, name+FileExt)}
	}
	if err := db.ReloadAll(); err != nil {
		return nil, err
	}
	if o.autoCreate {
		for _, c := range db.sorted() {
			if err := db.Create(c.desc.Name()); err != nil && !dberr.Is(err, dberr.CodeConflict) {
				return nil, err
			}
		}
	}
	return db, nil
}

// Close releases the store. Further calls fail.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	for name := range db.cols {
		db.metrics.documents(name, -1)
	}
	return nil
}

// Dir returns the data directory.
func (db *DB) Dir() string {
	return db.dir
}

func (db *DB) observeRewrite(kind, path string, lines int, elapsed time.Duration, err error) {
	db.metrics.rewrite(kind, elapsed)
	if err != nil {
		db.log.Debug("Rewrite failed", "kind", kind, "path", path, "lines", lines, "err", err)
		return
	}
	db.log.Debug("Rewrote collection file", "kind", kind, "path", path, "lines", lines, "duration", elapsed)
}

func (db *DB) checkOpen() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return dberr.Usage("store is closed")
	}
	return nil
}

// lookup returns the collection named name.
func (db *DB) lookup(name string) (*collection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, dberr.Usage("store is closed")
	}
	c, ok := db.cols[name]
	if !ok {
		return nil, dberr.NotFound(fmt.Sprintf("collection %q", name)).WithDetail("collection", name)
	}
	return c, nil
}

func (db *DB) activeCipher() fieldcrypto.Cipher {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.cipher
}

func (db *DB) sorted() []*collection {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]*collection, 0, len(db.cols))
	for _, c := range db.cols {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *collection) int { return strings.Compare(a.desc.Name(), b.desc.Name()) })
	return out
}

// ReloadAll reloads every collection from disk.
//
// It stops at the first failure; collections already reloaded keep their new
// state, the failing one keeps its prior state.
func (db *DB) ReloadAll() error {
	for _, c := range db.sorted() {
		if err := db.Reload(c.desc.Name()); err != nil {
			return err
		}
	}
	return nil
}

// Reload reloads one collection from disk.
//
// If the file disappeared since it was loaded, the collection is evicted from
// memory. Decoding failures leave the prior in-memory state untouched.
func (db *DB) Reload(name string) (err error) {
	defer func() { db.metrics.op(name, "reload", err) }()
	c, err := db.lookup(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return db.reloadLocked(c)
}

func (db *DB) reloadLocked(c *collection) error {
	r, err := db.files.Open(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		if c.state == loaded {
			db.log.Warn("Collection file disappeared, evicting", "collection", c.desc.Name(), "path", c.path)
			c.evict()
			db.metrics.documents(c.desc.Name(), -1)
		}
		return nil
	}
	if err != nil {
		return err
	}
	lines, docs, err := db.decodeAll(c, r)
	if err2 := r.Close(); err == nil && err2 != nil {
		err = err2
	}
	if err != nil {
		return err
	}
	c.desc.SetObservedVersion(r.Version())
	c.install(lines, docs)
	c.state = loaded
	db.metrics.documents(c.desc.Name(), lines.Len())
	if c.desc.IsReadonly() {
		db.log.Warn("Collection is readonly", "collection", c.desc.Name(),
			"declared", c.desc.DeclaredVersion(), "observed", r.Version())
	}
	db.log.Debug("Loaded collection", "collection", c.desc.Name(), "count", lines.Len())
	return nil
}

// decodeAll decodes every document line. Lines are stored re-encoded so that
// fields unknown to the type are dropped at the next rewrite.
func (db *DB) decodeAll(c *collection, r *atomicfile.Reader) (*atomicfile.Lines, map[string]any, error) {
	acc := c.desc.Accessors()
	lines := atomicfile.NewLines()
	docs := make(map[string]any)
	for n, b := range r.Lines() {
		doc := acc.New()
		if err := db.opts.codec.Decode(b, doc); err != nil {
			return nil, nil, dberr.Decode(c.path, n, err).WithDetail("collection", c.desc.Name())
		}
		c.desc.TrimUndeclared(doc)
		key, ok := acc.GetID(doc)
		if !ok {
			key = entity.NewKey()
			if c.desc.HasID() {
				if err := acc.SetID(doc, key); err != nil {
					return nil, nil, dberr.Decode(c.path, n, err)
				}
			}
		}
		enc, err := db.opts.codec.Encode(doc)
		if err != nil {
			return nil, nil, dberr.Decode(c.path, n, err)
		}
		lines.Put(key, enc)
		docs[key] = doc
	}
	if err := r.Err(); err != nil {
		return nil, nil, err
	}
	return lines, docs, nil
}

// Create creates the file of a registered collection that is not loaded.
func (db *DB) Create(name string) (err error) {
	defer func() { db.metrics.op(name, "create", err) }()
	c, err := db.lookup(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == loaded {
		return dberr.Conflict("collection %q already exists", name).WithDetail("collection", name)
	}
	version := c.desc.DeclaredVersion()
	if err := db.files.CreateEmpty(c.path, version); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return dberr.Conflict("file %s already exists, reload it instead", c.path).WithDetail("collection", name)
		}
		return err
	}
	c.install(atomicfile.NewLines(), map[string]any{})
	c.state = loaded
	c.desc.SetObservedVersion(version)
	db.metrics.documents(name, 0)
	db.log.Info("Created collection", "collection", name, "version", version)
	return nil
}

// Drop deletes the file of a loaded collection and evicts it from memory. The
// collection stays registered and can be created again.
func (db *DB) Drop(name string) (err error) {
	defer func() { db.metrics.op(name, "drop", err) }()
	c, err := db.lookup(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != loaded {
		return dberr.Usage("collection %q is not loaded", name).WithDetail("collection", name)
	}
	if err := db.files.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	c.evict()
	db.metrics.documents(name, -1)
	db.log.Info("Dropped collection", "collection", name)
	return nil
}

// Collections returns the names of the loaded collections, sorted.
func (db *DB) Collections() []string {
	var out []string
	for _, c := range db.sorted() {
		c.mu.RLock()
		if c.state == loaded {
			out = append(out, c.desc.Name())
		}
		c.mu.RUnlock()
	}
	return out
}

// Exists reports whether the collection is loaded.
func (db *DB) Exists(name string) bool {
	c, err := db.lookup(name)
	if err != nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == loaded
}

// IsReadonly reports whether the collection rejects writes because its file
// was written with another schema version.
func (db *DB) IsReadonly(name string) (bool, error) {
	c, err := db.lookup(name)
	if err != nil {
		return false, err
	}
	return c.desc.IsReadonly(), nil
}

// Descriptor returns the descriptor of a registered collection.
func (db *DB) Descriptor(name string) (*entity.Descriptor, error) {
	c, err := db.lookup(name)
	if err != nil {
		return nil, err
	}
	return c.desc, nil
}

// Backup is not implemented.
func (db *DB) Backup(io.Writer) error {
	return dberr.NotImplemented("backup")
}

// Restore is not implemented.
func (db *DB) Restore(io.Reader) error {
	return dberr.NotImplemented("restore")
}

// Watch reloads collections as change events arrive, until ctx is done or
// events is closed. Events for unknown collections are ignored. Reload
// failures are logged and do not stop the loop.
func (db *DB) Watch(ctx context.Context, events <-chan watch.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if _, err := db.lookup(ev.Collection); err != nil {
				continue
			}
			db.log.DebugContext(ctx, "Collection changed", "collection", ev.Collection, "kind", ev.Kind)
			if err := db.Reload(ev.Collection); err != nil {
				db.log.WarnContext(ctx, "Failed to reload collection", "collection", ev.Collection, "err", err)
			}
		}
	}
}
