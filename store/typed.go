package store

import (
	"reflect"

	"github.com/maruel/jsondoc/dberr"
	"github.com/maruel/jsondoc/entity"
	"github.com/maruel/jsondoc/query"
)

var recordType = reflect.TypeFor[entity.Record]()

// Collection is a typed handle on a collection of documents of type T.
//
// Documents passed in are copied; documents returned are copies with their
// secret fields decrypted. Modifying either never affects the store.
type Collection[T any] struct {
	db *DB
	c  *collection
}

// Use returns the handle of the collection name, which must be registered
// with type T.
func Use[T any](db *DB, name string) (*Collection[T], error) {
	c, err := db.lookup(name)
	if err != nil {
		return nil, err
	}
	if t := reflect.TypeFor[T](); t != c.desc.Type() {
		return nil, dberr.Usage("collection %q stores %s, not %s", name, c.desc.Type(), t)
	}
	return &Collection[T]{db: db, c: c}, nil
}

// Name returns the collection name.
func (h *Collection[T]) Name() string {
	return h.c.desc.Name()
}

// Descriptor returns the collection descriptor.
func (h *Collection[T]) Descriptor() *entity.Descriptor {
	return h.c.desc
}

func (h *Collection[T]) record(op string, err error) {
	h.db.metrics.op(h.c.desc.Name(), op, err)
}

func cast[T any](docs []any) []T {
	if len(docs) == 0 {
		return nil
	}
	out := make([]T, len(docs))
	for i, d := range docs {
		out[i] = d.(T)
	}
	return out
}

func first[T any](docs []any) T {
	var zero T
	if len(docs) == 0 {
		return zero
	}
	return docs[0].(T)
}

func toAny[T any](docs []T) []any {
	out := make([]any, len(docs))
	for i, d := range docs {
		out[i] = d
	}
	return out
}

// Find returns the documents matching q in collection order, or nil.
func (h *Collection[T]) Find(q query.Query) (_ []T, err error) {
	defer func() { h.record("find", err) }()
	docs, err := h.db.find(h.c, q, 0)
	return cast[T](docs), err
}

// FindAll returns every document in collection order.
func (h *Collection[T]) FindAll() ([]T, error) {
	return h.Find(query.All())
}

// FindOne returns the first document matching q. It returns the zero value
// and no error when nothing matches.
func (h *Collection[T]) FindOne(q query.Query) (_ T, err error) {
	defer func() { h.record("find_one", err) }()
	docs, err := h.db.find(h.c, q, 1)
	return first[T](docs), err
}

// FindByID returns the document with primary key id. It fails with
// dberr.CodeNotFound when there is none.
func (h *Collection[T]) FindByID(id string) (_ T, err error) {
	defer func() { h.record("find_by_id", err) }()
	doc, err := h.db.findByID(h.c, id)
	if err != nil {
		var zero T
		return zero, err
	}
	return doc.(T), nil
}

// Len returns the number of documents.
func (h *Collection[T]) Len() (int, error) {
	return h.db.count(h.c)
}

// Insert stores a new document and returns its key. When doc has no key, one
// is generated and set on doc. It fails with dberr.CodeConflict if the key
// already exists.
func (h *Collection[T]) Insert(doc T) (_ string, err error) {
	defer func() { h.record("insert", err) }()
	keys, err := h.db.insert(h.c, []any{doc})
	if len(keys) == 0 {
		return "", err
	}
	return keys[0], err
}

// InsertAll stores new documents with a single append. If any key already
// exists or two documents share a key, nothing is written.
func (h *Collection[T]) InsertAll(docs []T) (_ []string, err error) {
	defer func() { h.record("insert", err) }()
	if len(docs) == 0 {
		return nil, nil
	}
	return h.db.insert(h.c, toAny(docs))
}

// Save replaces an existing document. It fails with dberr.CodeNotFound when
// the key does not exist yet.
func (h *Collection[T]) Save(doc T) (err error) {
	defer func() { h.record("save", err) }()
	return h.db.save(h.c, doc)
}

// Upsert inserts doc or replaces the existing document with the same key.
func (h *Collection[T]) Upsert(doc T) (_ string, err error) {
	defer func() { h.record("upsert", err) }()
	keys, err := h.db.upsert(h.c, []any{doc})
	if len(keys) == 0 {
		return "", err
	}
	return keys[0], err
}

// UpsertAll inserts the new documents with one append and replaces the
// existing ones with one rewrite.
//
// The two steps commit separately. If the replace fails, the appended
// documents stay stored, on disk and in memory, and the error is returned;
// calling UpsertAll again with the same documents completes it.
func (h *Collection[T]) UpsertAll(docs []T) (_ []string, err error) {
	defer func() { h.record("upsert", err) }()
	if len(docs) == 0 {
		return nil, nil
	}
	return h.db.upsert(h.c, toAny(docs))
}

// Remove deletes the document with the key of doc and returns the stored
// document. It fails with dberr.CodeNotFound when there is none.
func (h *Collection[T]) Remove(doc T) (_ T, err error) {
	defer func() { h.record("remove", err) }()
	docs, err := h.db.remove(h.c, []any{doc}, true)
	return first[T](docs), err
}

// RemoveByID is like Remove with a key.
func (h *Collection[T]) RemoveByID(id string) (_ T, err error) {
	defer func() { h.record("remove", err) }()
	docs, err := h.db.removeIDs(h.c, []string{id}, true)
	return first[T](docs), err
}

// RemoveAll deletes the documents with the keys of docs. Keys that do not
// exist are skipped; when none exist, nothing is written and nil is returned.
func (h *Collection[T]) RemoveAll(docs []T) (_ []T, err error) {
	defer func() { h.record("remove", err) }()
	removed, err := h.db.remove(h.c, toAny(docs), false)
	return cast[T](removed), err
}

// FindAndRemove deletes the first document matching q and returns it.
func (h *Collection[T]) FindAndRemove(q query.Query) (_ T, err error) {
	defer func() { h.record("find_and_remove", err) }()
	docs, err := h.db.findAndRemove(h.c, q, 1)
	return first[T](docs), err
}

// FindAllAndRemove deletes every document matching q and returns them.
func (h *Collection[T]) FindAllAndRemove(q query.Query) (_ []T, err error) {
	defer func() { h.record("find_and_remove", err) }()
	docs, err := h.db.findAndRemove(h.c, q, 0)
	return cast[T](docs), err
}

// FindAndModify sets the fields of patch on the first document matching q
// and returns the updated document.
func (h *Collection[T]) FindAndModify(q query.Query, patch map[string]any) (_ T, err error) {
	defer func() { h.record("find_and_modify", err) }()
	docs, err := h.db.findAndModify(h.c, q, patch, 1)
	return first[T](docs), err
}

// FindAllAndModify sets the fields of patch on every document matching q
// with a single rewrite and returns the updated documents. An unknown field
// aborts the call before anything is written.
func (h *Collection[T]) FindAllAndModify(q query.Query, patch map[string]any) (_ []T, err error) {
	defer func() { h.record("find_and_modify", err) }()
	docs, err := h.db.findAndModify(h.c, q, patch, 0)
	return cast[T](docs), err
}
