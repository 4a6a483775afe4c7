package entity

import (
	"fmt"
	"maps"
	"reflect"
	"regexp"
	"slices"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/maruel/jsondoc/dberr"
	"github.com/maruel/ksid"
)

// SchemaProvider discovers the collections known to the application.
type SchemaProvider interface {
	Discover() (map[string]*Descriptor, error)
}

// validName restricts collection names to safe file name characters.
var validName = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

// Registry is a SchemaProvider populated explicitly at startup.
//
// It is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	descs map[string]*Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{descs: make(map[string]*Descriptor)}
}

// Register derives the descriptor of T and registers it under name.
//
// T must be a pointer to struct. The primary key is the string field tagged
// `jsondoc:"id"`, or else the field serialized as "id". Fields tagged
// `jsondoc:"secret"` are stored encrypted. Ambiguous declarations (two
// primary keys, two fields with the same JSON name) are rejected.
func Register[T any](r *Registry, name, version string, opts ...Option) (*Descriptor, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	acc, secrets, schema, err := derive[T]()
	if err != nil {
		return nil, dberr.Usage("cannot register collection %q", name).Wrap(err)
	}
	d := newDescriptor(name, version, reflect.TypeFor[T](), acc, secrets, schema, opts)
	if err := r.add(d); err != nil {
		return nil, err
	}
	return d, nil
}

// MustRegister is like Register but panics on error. It is meant for package
// level registration.
func MustRegister[T any](r *Registry, name, version string, opts ...Option) *Descriptor {
	d, err := Register[T](r, name, version, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

// RegisterRecord registers a collection of dynamically typed Record
// documents.
//
// idField may be empty, in which case every document gets a generated key
// that is not stored in the document. fields lists the known fields; when
// empty, any field is accepted. secrets must be a subset of fields when
// fields is not empty.
func (r *Registry) RegisterRecord(name, version, idField string, fields, secrets []string, opts ...Option) (*Descriptor, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if slices.Contains(secrets, idField) && idField != "" {
		return nil, dberr.Usage("collection %q: primary key %q cannot be secret", name, idField)
	}
	if len(fields) != 0 {
		for _, s := range secrets {
			if !slices.Contains(fields, s) {
				return nil, dberr.Usage("collection %q: secret field %q is not declared", name, s)
			}
		}
		if idField != "" && !slices.Contains(fields, idField) {
			fields = append([]string{idField}, fields...)
		}
	}
	acc := &recordAccessors{idField: idField, fields: slices.Clone(fields)}
	d := newDescriptor(name, version, recordType, acc, slices.Clone(secrets), recordSchema(idField, fields), opts)
	if err := r.add(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Discover implements SchemaProvider.
func (r *Registry) Discover() (map[string]*Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.descs), nil
}

func (r *Registry) add(d *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descs[d.name]; ok {
		return dberr.Conflict("collection %q is already registered", d.name)
	}
	r.descs[d.name] = d
	return nil
}

func validateName(name string) error {
	if !validName.MatchString(name) {
		return dberr.Usage("invalid collection name %q", name)
	}
	return nil
}

func recordSchema(idField string, fields []string) *jsonschema.Schema {
	s := &jsonschema.Schema{
		Type:       "object",
		Properties: jsonschema.NewProperties(),
	}
	for _, f := range fields {
		s.Properties.Set(f, &jsonschema.Schema{})
	}
	if idField != "" {
		s.Properties.Set(idField, &jsonschema.Schema{Type: "string"})
		s.Required = []string{idField}
	}
	return s
}

// NewKey returns a new unique, time sortable primary key.
func NewKey() string {
	return ksid.NewID().String()
}

// Check validates that doc can be stored in the collection described by d.
func (d *Descriptor) Check(doc any) error {
	if IsNil(doc) {
		return dberr.Usage("collection %q: document is nil", d.name)
	}
	t := reflect.TypeOf(doc)
	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		return dberr.Usage("collection %q: got %s, use the batch form to store several documents", d.name, t)
	}
	if t != d.typ {
		return dberr.Usage("collection %q stores %s, got %s", d.name, d.typ, t)
	}
	return nil
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s(%s@%s)", d.name, d.typ, d.declared)
}
