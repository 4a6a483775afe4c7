// Package entity describes the document types stored in collections.
//
// A [Descriptor] carries everything the store needs to know about one
// collection: its name, the declared and observed schema versions, and an
// accessor table to read and write the primary key and arbitrary fields
// without knowing the concrete Go type.
//
// Descriptors are built once at startup, either from a struct type with
// [Register] or from a dynamic field list with [Registry.RegisterRecord], and
// handed to the store through a [SchemaProvider].
package entity

import (
	"reflect"
	"slices"
	"sync"

	"github.com/invopop/jsonschema"
)

// Accessors is the per-type accessor table used by the store.
//
// Documents are passed as `any`; the concrete value is always the type the
// accessors were built for (a pointer to struct, or a Record).
type Accessors interface {
	// New returns a new empty document to decode into.
	New() any
	// IDField returns the JSON name of the primary key field, or "" if the
	// type has none.
	IDField() string
	// GetID returns the primary key and whether it is set (non-empty).
	GetID(doc any) (string, bool)
	// SetID assigns the primary key.
	SetID(doc any, id string) error
	// Get returns the value of a field by JSON name.
	Get(doc any, field string) (any, error)
	// Set assigns a field by JSON name, converting v as needed.
	Set(doc any, field string, v any) error
	// Delete clears a field. It returns false if the field does not exist.
	Delete(doc any, field string) (bool, error)
	// Fields returns the known JSON field names in declaration order.
	Fields() []string
	// Clone returns a deep copy of doc.
	Clone(doc any) (any, error)
}

// Option configures a Descriptor.
type Option func(*Descriptor)

// WithComparator sets the schema version comparator.
func WithComparator(c Comparator) Option {
	return func(d *Descriptor) {
		d.compare = c
	}
}

// Descriptor is the schema metadata of one collection.
type Descriptor struct {
	name     string
	typ      reflect.Type
	acc      Accessors
	declared string
	secrets  []string
	schema   *jsonschema.Schema
	compare  Comparator

	mu       sync.Mutex
	observed string
	readonly bool
}

func newDescriptor(name, version string, typ reflect.Type, acc Accessors, secrets []string, schema *jsonschema.Schema, opts []Option) *Descriptor {
	d := &Descriptor{
		name:     name,
		typ:      typ,
		acc:      acc,
		declared: version,
		secrets:  secrets,
		schema:   schema,
		compare:  DottedComparator,
		observed: version,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the collection name.
func (d *Descriptor) Name() string {
	return d.name
}

// Type returns the Go type of documents.
func (d *Descriptor) Type() reflect.Type {
	return d.typ
}

// DeclaredVersion returns the schema version the application was built for.
func (d *Descriptor) DeclaredVersion() string {
	return d.declared
}

// ObservedVersion returns the schema version found in the collection file
// during the last load.
func (d *Descriptor) ObservedVersion() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.observed
}

// SetObservedVersion records the version read from disk and recomputes the
// readonly flag.
func (d *Descriptor) SetObservedVersion(v string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observed = v
	d.readonly = d.compare(d.declared, v) != 0
}

// IsReadonly reports whether the declared and observed versions differ.
func (d *Descriptor) IsReadonly() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readonly
}

// Accessors returns the accessor table.
func (d *Descriptor) Accessors() Accessors {
	return d.acc
}

// HasID reports whether the type declares a primary key field. Documents of
// types without one always get generated keys.
func (d *Descriptor) HasID() bool {
	return d.acc.IDField() != ""
}

// Secrets returns the JSON names of fields stored encrypted.
func (d *Descriptor) Secrets() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.secrets)
}

// HasSecrets reports whether any field is stored encrypted.
func (d *Descriptor) HasSecrets() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.secrets) != 0
}

// IsSecret reports whether field is stored encrypted.
func (d *Descriptor) IsSecret(field string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Contains(d.secrets, field)
}

// JSONSchema returns the JSON schema of the document type.
func (d *Descriptor) JSONSchema() *jsonschema.Schema {
	return d.schema
}

// FieldEvolver is implemented by accessors whose field set follows schema
// updates at runtime. Struct accessors do not implement it: their field set is
// the Go type.
type FieldEvolver interface {
	AddField(name string)
	RenameField(from, to string)
	DeleteField(name string)
}

// FieldAdded records that a field was added to every document.
func (d *Descriptor) FieldAdded(name string, secret bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if secret && !slices.Contains(d.secrets, name) {
		d.secrets = append(d.secrets, name)
	}
	if e, ok := d.acc.(FieldEvolver); ok {
		e.AddField(name)
	}
}

// FieldRenamed records that a field was renamed in every document.
func (d *Descriptor) FieldRenamed(from, to string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := slices.Index(d.secrets, from); i >= 0 {
		d.secrets[i] = to
	}
	if e, ok := d.acc.(FieldEvolver); ok {
		e.RenameField(from, to)
	}
}

// FieldDeleted records that a field was removed from every document.
func (d *Descriptor) FieldDeleted(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.secrets = slices.DeleteFunc(d.secrets, func(s string) bool { return s == name })
	if e, ok := d.acc.(FieldEvolver); ok {
		e.DeleteField(name)
	}
}

// FieldSet is a snapshot of the evolving part of a Descriptor: its secret
// fields and, for records, the declared field list.
type FieldSet struct {
	secrets []string
	fields  []string
}

// FieldSnapshot returns the current field set, to hand back to Restore.
func (d *Descriptor) FieldSnapshot() FieldSet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return FieldSet{secrets: slices.Clone(d.secrets), fields: d.acc.Fields()}
}

// Restore reverts the field changes made since prev was taken.
func (d *Descriptor) Restore(prev FieldSet) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.secrets = slices.Clone(prev.secrets)
	if a, ok := d.acc.(*recordAccessors); ok {
		a.setFields(slices.Clone(prev.fields))
	}
}

// IsNil reports whether doc is a nil interface, pointer or map.
func IsNil(doc any) bool {
	if doc == nil {
		return true
	}
	v := reflect.ValueOf(doc)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return v.IsNil()
	default:
		return false
	}
}
