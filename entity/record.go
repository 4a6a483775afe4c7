package entity

import (
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/tiendc/go-deepcopy"
)

// Record is a dynamically typed document. Values are the generic JSON
// representation: string, float64, bool, nil, []any and map[string]any.
type Record map[string]any

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	var dst Record
	if err := deepcopy.Copy(&dst, r); err != nil {
		// Records only hold JSON values, which are always copyable.
		panic(fmt.Sprintf("failed to copy record: %v", err))
	}
	return dst
}

var recordType = reflect.TypeFor[Record]()

// recordAccessors implements Accessors for Record.
type recordAccessors struct {
	idField string

	mu     sync.RWMutex
	fields []string
}

func (a *recordAccessors) New() any {
	return Record{}
}

func (a *recordAccessors) IDField() string {
	return a.idField
}

func (a *recordAccessors) GetID(doc any) (string, bool) {
	if a.idField == "" {
		return "", false
	}
	r, err := asRecord(doc)
	if err != nil {
		return "", false
	}
	id, _ := r[a.idField].(string)
	return id, id != ""
}

func (a *recordAccessors) SetID(doc any, id string) error {
	if a.idField == "" {
		return fmt.Errorf("record has no primary key field")
	}
	r, err := asRecord(doc)
	if err != nil {
		return err
	}
	r[a.idField] = id
	return nil
}

func (a *recordAccessors) Get(doc any, field string) (any, error) {
	r, err := asRecord(doc)
	if err != nil {
		return nil, err
	}
	return r[field], nil
}

func (a *recordAccessors) Set(doc any, field string, v any) error {
	if !a.known(field) {
		return fmt.Errorf("record has no field %q", field)
	}
	r, err := asRecord(doc)
	if err != nil {
		return err
	}
	r[field] = v
	return nil
}

func (a *recordAccessors) Delete(doc any, field string) (bool, error) {
	r, err := asRecord(doc)
	if err != nil {
		return false, err
	}
	_, ok := r[field]
	delete(r, field)
	return ok, nil
}

func (a *recordAccessors) Fields() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.fields)
}

// known reports whether field may be set. A record declared without a field
// list accepts any field.
func (a *recordAccessors) known(field string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.fields) == 0 || field == a.idField || slices.Contains(a.fields, field)
}

func (a *recordAccessors) AddField(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.fields) != 0 && !slices.Contains(a.fields, name) {
		a.fields = append(a.fields, name)
	}
}

func (a *recordAccessors) RenameField(from, to string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i := slices.Index(a.fields, from); i >= 0 {
		a.fields[i] = to
	}
}

func (a *recordAccessors) DeleteField(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fields = slices.DeleteFunc(a.fields, func(s string) bool { return s == name })
}

func (a *recordAccessors) Clone(doc any) (any, error) {
	r, err := asRecord(doc)
	if err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

func asRecord(doc any) (Record, error) {
	r, ok := doc.(Record)
	if !ok {
		return nil, fmt.Errorf("expected entity.Record, got %T", doc)
	}
	if r == nil {
		return nil, errNilDocument
	}
	return r, nil
}

// TrimUndeclared drops the fields of a Record that its collection does not
// declare. Records declared without a field list and struct documents are
// left alone.
func (d *Descriptor) TrimUndeclared(doc any) {
	a, ok := d.acc.(*recordAccessors)
	if !ok {
		return
	}
	r, ok := doc.(Record)
	if !ok {
		return
	}
	for k := range r {
		if !a.known(k) {
			delete(r, k)
		}
	}
}

func (a *recordAccessors) setFields(fields []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fields = fields
}
