package store

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/maruel/jsondoc/dberr"
	"github.com/maruel/jsondoc/entity"
	"github.com/maruel/jsondoc/fieldcrypto"
	"github.com/maruel/jsondoc/internal/atomicfile"
	"github.com/maruel/jsondoc/query"
)

type state int

const (
	absent state = iota
	loaded
	dropped
)

func (s state) String() string {
	switch s {
	case absent:
		return "absent"
	case loaded:
		return "loaded"
	case dropped:
		return "dropped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// collection is the in-memory state of one collection file.
//
// docs holds the stored form of every document, with secret fields
// encrypted. lines holds their encoded form in file order. Both are only
// replaced after a successful rewrite.
type collection struct {
	desc *entity.Descriptor
	path string

	mu    sync.RWMutex
	state state
	lines *atomicfile.Lines
	docs  map[string]any
}

func (c *collection) install(lines *atomicfile.Lines, docs map[string]any) {
	c.lines = lines
	c.docs = docs
}

func (c *collection) evict() {
	c.lines = nil
	c.docs = nil
	c.state = dropped
}

// Keys implements query.View.
func (c *collection) Keys() []string {
	return c.lines.Keys()
}

// Get implements query.View.
func (c *collection) Get(key string) (any, bool) {
	d, ok := c.docs[key]
	return d, ok
}

// Len implements query.View.
func (c *collection) Len() int {
	return c.lines.Len()
}

// staged is a document ready to be written: its stored form, key and line.
type staged struct {
	key  string
	doc  any
	line []byte
	// orig is the caller's document, which receives a generated key.
	orig any
}

// checkWritable fails for readonly collections. It is called before taking
// any lock and again once the lock is held.
func (c *collection) checkWritable() error {
	if c.desc.IsReadonly() {
		return dberr.Readonly(c.desc.Name(), c.desc.DeclaredVersion(), c.desc.ObservedVersion())
	}
	return nil
}

func (c *collection) checkLoaded() error {
	if c.state != loaded {
		return dberr.Usage("collection %q is %s", c.desc.Name(), c.state).WithDetail("collection", c.desc.Name())
	}
	return nil
}

// lockWrite takes the write lock of a loaded, writable collection. The caller
// must call c.mu.Unlock when err is nil.
func (c *collection) lockWrite() error {
	if err := c.checkWritable(); err != nil {
		return err
	}
	c.mu.Lock()
	if err := c.checkLoaded(); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.checkWritable(); err != nil {
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *collection) lockRead() error {
	c.mu.RLock()
	if err := c.checkLoaded(); err != nil {
		c.mu.RUnlock()
		return err
	}
	return nil
}

// export returns a decrypted deep copy of a stored document.
func (db *DB) export(c *collection, doc any) (any, error) {
	out, err := c.desc.Accessors().Clone(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to copy document: %w", err)
	}
	if c.desc.HasSecrets() {
		if err := fieldcrypto.DecryptFields(out, c.desc, db.activeCipher()); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// stage clones, trims and encrypts a caller document and resolves its key. A key is
// generated when the document has none.
func (db *DB) stage(c *collection, doc any) (*staged, error) {
	if err := c.desc.Check(doc); err != nil {
		return nil, err
	}
	acc := c.desc.Accessors()
	clone, err := acc.Clone(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to copy document: %w", err)
	}
	c.desc.TrimUndeclared(clone)
	if c.desc.HasSecrets() {
		if err := fieldcrypto.EncryptFields(clone, c.desc, db.activeCipher()); err != nil {
			return nil, err
		}
	}
	s := &staged{doc: clone, orig: doc}
	if key, ok := acc.GetID(clone); ok {
		s.key = key
	} else {
		s.key = entity.NewKey()
		if c.desc.HasID() {
			if err := acc.SetID(clone, s.key); err != nil {
				return nil, err
			}
		}
	}
	return s, db.encode(s)
}

func (db *DB) encode(s *staged) error {
	b, err := db.opts.codec.Encode(s.doc)
	if err != nil {
		return dberr.Usage("cannot encode document %q", s.key).Wrap(err)
	}
	s.line = b
	return nil
}

func lineSet(items []*staged) []atomicfile.Line {
	out := make([]atomicfile.Line, len(items))
	for i, s := range items {
		out[i] = atomicfile.Line{Key: s.key, Data: s.line}
	}
	return out
}

// commit installs staged documents once their rewrite succeeded.
func (db *DB) commit(c *collection, next *atomicfile.Lines, items []*staged) {
	docs := c.docs
	for _, s := range items {
		docs[s.key] = s.doc
	}
	c.lines = next
	db.metrics.documents(c.desc.Name(), next.Len())
}

// writeBack stores generated keys in the caller's documents. It runs after
// the commit: on error the documents are stored, only the callers' copies
// miss their key.
func (c *collection) writeBack(items []*staged) error {
	if !c.desc.HasID() {
		return nil
	}
	acc := c.desc.Accessors()
	var errs []error
	for _, s := range items {
		if _, ok := acc.GetID(s.orig); !ok {
			if err := acc.SetID(s.orig, s.key); err != nil {
				errs = append(errs, fmt.Errorf("document %q: %w", s.key, err))
			}
		}
	}
	if len(errs) != 0 {
		return dberr.Usage("stored documents in collection %q, but could not set their generated key", c.desc.Name()).Wrap(errors.Join(errs...))
	}
	return nil
}

func (db *DB) find(c *collection, q query.Query, limit int) ([]any, error) {
	if q == nil {
		return nil, dberr.Usage("query is nil")
	}
	if err := c.lockRead(); err != nil {
		return nil, err
	}
	defer c.mu.RUnlock()
	keys, err := db.match(c, q, limit)
	if err != nil {
		return nil, err
	}
	return db.exportKeys(c, keys)
}

// match runs q over c, which must be locked. limit <= 0 means no limit.
func (db *DB) match(c *collection, q query.Query, limit int) ([]string, error) {
	var keys []string
	for key, err := range db.opts.evaluator.Iterate(q, c) {
		if err != nil {
			return nil, dberr.Usage("query failed on collection %q", c.desc.Name()).Wrap(err)
		}
		keys = append(keys, key)
		if limit > 0 && len(keys) == limit {
			break
		}
	}
	return keys, nil
}

func (db *DB) exportKeys(c *collection, keys []string) ([]any, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		d, err := db.export(c, c.docs[k])
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (db *DB) findByID(c *collection, key string) (any, error) {
	if err := c.lockRead(); err != nil {
		return nil, err
	}
	defer c.mu.RUnlock()
	doc, ok := c.docs[key]
	if !ok {
		return nil, dberr.NotFound(fmt.Sprintf("document %q in collection %q", key, c.desc.Name())).WithDetail("key", key)
	}
	return db.export(c, doc)
}

func (db *DB) count(c *collection) (int, error) {
	if err := c.lockRead(); err != nil {
		return 0, err
	}
	defer c.mu.RUnlock()
	return c.lines.Len(), nil
}

// insert appends new documents. Every key must be new and distinct; nothing
// is written otherwise.
func (db *DB) insert(c *collection, docs []any) ([]string, error) {
	if err := c.lockWrite(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	items := make([]*staged, 0, len(docs))
	seen := make(map[string]bool, len(docs))
	for _, d := range docs {
		s, err := db.stage(c, d)
		if err != nil {
			return nil, err
		}
		if _, ok := c.docs[s.key]; ok {
			return nil, dberr.Conflict("document %q already exists in collection %q, use Save or Upsert instead", s.key, c.desc.Name()).WithDetail("key", s.key)
		}
		if seen[s.key] {
			return nil, dberr.Conflict("duplicate key %q in batch", s.key).WithDetail("key", s.key)
		}
		seen[s.key] = true
		items = append(items, s)
	}
	next, err := db.files.AppendMany(c.path, c.desc.DeclaredVersion(), c.lines, lineSet(items))
	if err != nil {
		return nil, err
	}
	db.commit(c, next, items)
	return keysOf(items), c.writeBack(items)
}

func keysOf(items []*staged) []string {
	keys := make([]string, len(items))
	for i, s := range items {
		keys[i] = s.key
	}
	return keys
}

// save replaces an existing document. It never generates a key.
func (db *DB) save(c *collection, doc any) error {
	if err := c.desc.Check(doc); err != nil {
		return err
	}
	if !c.desc.HasID() {
		return dberr.Usage("collection %q has no primary key, documents cannot be saved", c.desc.Name())
	}
	if key, ok := c.desc.Accessors().GetID(doc); !ok || key == "" {
		return dberr.Usage("document has no key, insert or upsert it first")
	}
	if err := c.lockWrite(); err != nil {
		return err
	}
	defer c.mu.Unlock()
	s, err := db.stage(c, doc)
	if err != nil {
		return err
	}
	if _, ok := c.docs[s.key]; !ok {
		return dberr.NotFound(fmt.Sprintf("document %q in collection %q", s.key, c.desc.Name())).
			WithDetail("key", s.key).WithDetail("hint", "insert or upsert it first")
	}
	next, err := db.files.ReplaceOne(c.path, c.desc.DeclaredVersion(), c.lines, atomicfile.Line{Key: s.key, Data: s.line})
	if err != nil {
		return err
	}
	db.commit(c, next, []*staged{s})
	return nil
}

// upsert inserts new documents and replaces existing ones, with at most one
// append and one replace rewrite.
func (db *DB) upsert(c *collection, docs []any) ([]string, error) {
	if err := c.lockWrite(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	var inserts, updates []*staged
	seen := make(map[string]bool, len(docs))
	for _, d := range docs {
		s, err := db.stage(c, d)
		if err != nil {
			return nil, err
		}
		if seen[s.key] {
			return nil, dberr.Conflict("duplicate key %q in batch", s.key).WithDetail("key", s.key)
		}
		seen[s.key] = true
		if _, ok := c.docs[s.key]; ok {
			updates = append(updates, s)
		} else {
			inserts = append(inserts, s)
		}
	}
	version := c.desc.DeclaredVersion()
	if len(inserts) != 0 {
		next, err := db.files.AppendMany(c.path, version, c.lines, lineSet(inserts))
		if err != nil {
			return nil, err
		}
		db.commit(c, next, inserts)
		if err := c.writeBack(inserts); err != nil {
			return keysOf(inserts), err
		}
	}
	if len(updates) != 0 {
		next, err := db.files.ReplaceMany(c.path, version, c.lines, lineSet(updates))
		if err != nil {
			return nil, err
		}
		db.commit(c, next, updates)
	}
	keys := make([]string, 0, len(docs))
	for _, d := range docs {
		k, _ := c.desc.Accessors().GetID(d)
		keys = append(keys, k)
	}
	if !c.desc.HasID() {
		keys = append(keysOf(inserts), keysOf(updates)...)
	}
	return keys, nil
}

// resolveKeys returns the keys of docs, failing for documents without one.
func (c *collection) resolveKeys(docs []any) ([]string, error) {
	if !c.desc.HasID() {
		return nil, dberr.Usage("collection %q has no primary key, use FindAndRemove", c.desc.Name())
	}
	keys := make([]string, 0, len(docs))
	for _, d := range docs {
		if err := c.desc.Check(d); err != nil {
			return nil, err
		}
		k, ok := c.desc.Accessors().GetID(d)
		if !ok {
			return nil, dberr.Usage("document has no key")
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// removeKeys deletes keys and returns the removed documents decrypted. With
// strict, a missing key fails the call.
func (db *DB) removeKeys(c *collection, keys []string, strict bool) ([]any, error) {
	if strict {
		for _, k := range keys {
			if _, ok := c.docs[k]; !ok {
				return nil, dberr.NotFound(fmt.Sprintf("document %q in collection %q", k, c.desc.Name())).WithDetail("key", k)
			}
		}
	}
	next, removed, err := db.files.RemoveMany(c.path, c.desc.DeclaredVersion(), c.lines, keys)
	if err != nil {
		return nil, err
	}
	if len(removed) == 0 {
		return nil, nil
	}
	out := make([]any, 0, len(removed))
	for _, k := range removed {
		out = append(out, c.docs[k])
		delete(c.docs, k)
	}
	c.lines = next
	db.metrics.documents(c.desc.Name(), next.Len())
	// The removed documents are no longer reachable; decrypt them in place.
	if c.desc.HasSecrets() {
		cipher := db.activeCipher()
		for _, d := range out {
			if err := fieldcrypto.DecryptFields(d, c.desc, cipher); err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

func (db *DB) remove(c *collection, docs []any, strict bool) ([]any, error) {
	keys, err := c.resolveKeys(docs)
	if err != nil {
		return nil, err
	}
	if err := c.lockWrite(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	return db.removeKeys(c, keys, strict)
}

func (db *DB) removeIDs(c *collection, keys []string, strict bool) ([]any, error) {
	if err := c.lockWrite(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	return db.removeKeys(c, keys, strict)
}

func (db *DB) findAndRemove(c *collection, q query.Query, limit int) ([]any, error) {
	if q == nil {
		return nil, dberr.Usage("query is nil")
	}
	if err := c.lockWrite(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	keys, err := db.match(c, q, limit)
	if err != nil || len(keys) == 0 {
		return nil, err
	}
	return db.removeKeys(c, keys, false)
}

// findAndModify applies patch to the matching documents with a single
// rewrite and returns them decrypted. An invalid patch aborts before any
// write.
func (db *DB) findAndModify(c *collection, q query.Query, patch map[string]any, limit int) ([]any, error) {
	if q == nil {
		return nil, dberr.Usage("query is nil")
	}
	if len(patch) == 0 {
		return nil, dberr.Usage("patch is empty")
	}
	acc := c.desc.Accessors()
	if id := acc.IDField(); id != "" {
		if _, ok := patch[id]; ok {
			return nil, dberr.Usage("primary key %q cannot be modified", id)
		}
	}
	if err := c.lockWrite(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	keys, err := db.match(c, q, limit)
	if err != nil || len(keys) == 0 {
		return nil, err
	}
	// Encrypt patched secrets once; every document gets the same ciphertext
	// of the same value.
	fields := make([]string, 0, len(patch))
	for f := range patch {
		fields = append(fields, f)
	}
	slices.Sort(fields)
	values := make(map[string]any, len(patch))
	cipher := db.activeCipher()
	for _, f := range fields {
		v := patch[f]
		if c.desc.IsSecret(f) && v != nil {
			s, ok := v.(string)
			if !ok {
				return nil, dberr.Usage("secret field %q must be a string, got %T", f, v)
			}
			ct, err := cipher.Encrypt(s)
			if err != nil {
				return nil, dberr.Crypto(fmt.Sprintf("failed to encrypt field %q", f), err)
			}
			v = ct
		}
		values[f] = v
	}
	items := make([]*staged, 0, len(keys))
	for _, k := range keys {
		clone, err := acc.Clone(c.docs[k])
		if err != nil {
			return nil, fmt.Errorf("failed to copy document: %w", err)
		}
		for _, f := range fields {
			if err := acc.Set(clone, f, values[f]); err != nil {
				return nil, dberr.Usage("cannot patch collection %q", c.desc.Name()).Wrap(err).WithDetail("field", f)
			}
		}
		s := &staged{key: k, doc: clone}
		if err := db.encode(s); err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	next, err := db.files.ReplaceMany(c.path, c.desc.DeclaredVersion(), c.lines, lineSet(items))
	if err != nil {
		return nil, err
	}
	db.commit(c, next, items)
	return db.exportKeys(c, keys)
}
