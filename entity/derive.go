// Derives accessor tables from struct types using reflection and JSON Schema.

package entity

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
	"github.com/tiendc/go-deepcopy"
)

// tagName is the struct tag carrying document annotations.
//
//	ID     string `json:"id" jsondoc:"id"`
//	APIKey string `json:"apiKey" jsondoc:"secret"`
const tagName = "jsondoc"

var errNilDocument = errors.New("document is nil")

// Cloner is implemented by types that can clone themselves. Types that do not
// implement it are deep copied generically.
type Cloner[T any] interface {
	Clone() T
}

type structField struct {
	name  string
	index []int
	typ   reflect.Type
}

// structAccessors implements Accessors for pointers to struct.
type structAccessors struct {
	typ    reflect.Type // struct type, not the pointer
	fields []*structField
	byName map[string]*structField
	id     *structField
	clone  func(doc any) (any, error)
}

// derive builds the accessor table of T, which must be a pointer to struct.
//
// It returns the accessors, the secret field names and the JSON schema of the
// struct.
func derive[T any]() (*structAccessors, []string, *jsonschema.Schema, error) {
	t := reflect.TypeFor[T]()
	if t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct {
		return nil, nil, nil, fmt.Errorf("type must be a pointer to struct, got %s", t)
	}
	st := t.Elem()

	// Generate JSON Schema from type with inline properties (no $ref).
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	schema := r.ReflectFromType(st)

	a := &structAccessors{
		typ:    st,
		byName: make(map[string]*structField),
	}
	var declared []*structField
	var secrets []string
	var tagged []*structField
	var opaque [][]int
	for _, f := range reflect.VisibleFields(st) {
		if hasPrefix(f.Index, opaque) {
			// Promoted from an embedded struct serialized under its own name.
			continue
		}
		if f.Anonymous {
			if f.Type.Kind() == reflect.Pointer && f.Type.Elem().Kind() == reflect.Struct {
				return nil, nil, nil, fmt.Errorf("%s: embedded pointer %s is not supported", st, f.Name)
			}
			switch f.Tag.Get("json") {
			case "":
				// Flattened by encoding/json; its promoted fields follow.
				continue
			case "-":
				opaque = append(opaque, f.Index)
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		name, ok := jsonFieldName(&f)
		if !ok {
			continue
		}
		if prev, dup := a.byName[name]; dup {
			return nil, nil, nil, fmt.Errorf("%s: ambiguous field %q declared by both %v and %v", st, name, prev.index, f.Index)
		}
		if f.Anonymous {
			opaque = append(opaque, f.Index)
		}
		sf := &structField{name: name, index: f.Index, typ: f.Type}
		a.byName[name] = sf
		declared = append(declared, sf)

		isID, isSecret := false, false
		if tag := f.Tag.Get(tagName); tag != "" {
			for opt := range strings.SplitSeq(tag, ",") {
				switch strings.TrimSpace(opt) {
				case "id":
					isID = true
				case "secret":
					isSecret = true
				case "":
				default:
					return nil, nil, nil, fmt.Errorf("%s.%s: unknown %s tag option %q", st, f.Name, tagName, opt)
				}
			}
		}
		if isID && isSecret {
			return nil, nil, nil, fmt.Errorf("%s.%s: primary key cannot be secret", st, f.Name)
		}
		if isID {
			tagged = append(tagged, sf)
		}
		if isSecret {
			if !isStringField(f.Type) {
				return nil, nil, nil, fmt.Errorf("%s.%s: secret field must be a string, got %s", st, f.Name, f.Type)
			}
			secrets = append(secrets, name)
		}
	}

	switch len(tagged) {
	case 0:
		// Fall back to the conventional "id" JSON name.
		a.id = a.byName["id"]
	case 1:
		a.id = tagged[0]
	default:
		names := make([]string, len(tagged))
		for i, sf := range tagged {
			names[i] = sf.name
		}
		return nil, nil, nil, fmt.Errorf("%s: ambiguous primary key, fields %s are all tagged id", st, strings.Join(names, ", "))
	}
	if a.id != nil && a.id.typ.Kind() != reflect.String {
		return nil, nil, nil, fmt.Errorf("%s: primary key %q must be a string, got %s", st, a.id.name, a.id.typ)
	}

	// Follow the schema property order, then anything the schema skipped.
	seen := make(map[string]bool, len(declared))
	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		if sf, ok := a.byName[pair.Key]; ok && !seen[pair.Key] {
			a.fields = append(a.fields, sf)
			seen[pair.Key] = true
		}
	}
	for _, sf := range declared {
		if !seen[sf.name] {
			a.fields = append(a.fields, sf)
		}
	}

	if _, ok := any(*new(T)).(Cloner[T]); ok {
		a.clone = func(doc any) (any, error) {
			return doc.(Cloner[T]).Clone(), nil
		}
	} else {
		a.clone = func(doc any) (any, error) {
			dst := reflect.New(st)
			if err := deepcopy.Copy(dst.Interface(), doc); err != nil {
				return nil, fmt.Errorf("failed to copy %s: %w", st, err)
			}
			return dst.Interface(), nil
		}
	}
	return a, secrets, schema, nil
}

// jsonFieldName returns the JSON field name for a struct field, and false if
// the field is not serialized.
func jsonFieldName(field *reflect.StructField) (string, bool) {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", false
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return field.Name, true
	}
	return name, true
}

func hasPrefix(index []int, prefixes [][]int) bool {
	for _, p := range prefixes {
		if len(index) > len(p) && slices.Equal(index[:len(p)], p) {
			return true
		}
	}
	return false
}

func isStringField(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.String
}

func (a *structAccessors) New() any {
	return reflect.New(a.typ).Interface()
}

func (a *structAccessors) IDField() string {
	if a.id == nil {
		return ""
	}
	return a.id.name
}

func (a *structAccessors) GetID(doc any) (string, bool) {
	if a.id == nil {
		return "", false
	}
	v, err := a.value(doc)
	if err != nil {
		return "", false
	}
	id := v.FieldByIndex(a.id.index).String()
	return id, id != ""
}

func (a *structAccessors) SetID(doc any, id string) error {
	if a.id == nil {
		return fmt.Errorf("%s has no primary key field", a.typ)
	}
	v, err := a.value(doc)
	if err != nil {
		return err
	}
	v.FieldByIndex(a.id.index).SetString(id)
	return nil
}

func (a *structAccessors) Get(doc any, field string) (any, error) {
	sf, ok := a.byName[field]
	if !ok {
		return nil, fmt.Errorf("%s has no field %q", a.typ, field)
	}
	v, err := a.value(doc)
	if err != nil {
		return nil, err
	}
	fv := v.FieldByIndex(sf.index)
	if fv.Kind() == reflect.Pointer {
		if fv.IsNil() {
			return nil, nil
		}
		fv = fv.Elem()
	}
	return fv.Interface(), nil
}

func (a *structAccessors) Set(doc any, field string, val any) error {
	sf, ok := a.byName[field]
	if !ok {
		return fmt.Errorf("%s has no field %q", a.typ, field)
	}
	v, err := a.value(doc)
	if err != nil {
		return err
	}
	if err := assign(v.FieldByIndex(sf.index), val); err != nil {
		return fmt.Errorf("field %q: %w", field, err)
	}
	return nil
}

func (a *structAccessors) Delete(doc any, field string) (bool, error) {
	sf, ok := a.byName[field]
	if !ok {
		return false, nil
	}
	v, err := a.value(doc)
	if err != nil {
		return false, err
	}
	v.FieldByIndex(sf.index).SetZero()
	return true, nil
}

func (a *structAccessors) Fields() []string {
	names := make([]string, len(a.fields))
	for i, sf := range a.fields {
		names[i] = sf.name
	}
	return names
}

func (a *structAccessors) Clone(doc any) (any, error) {
	if _, err := a.value(doc); err != nil {
		return nil, err
	}
	return a.clone(doc)
}

// value returns the addressable struct behind doc.
func (a *structAccessors) value(doc any) (reflect.Value, error) {
	v := reflect.ValueOf(doc)
	if !v.IsValid() {
		return reflect.Value{}, errNilDocument
	}
	if v.Type() != reflect.PointerTo(a.typ) {
		return reflect.Value{}, fmt.Errorf("expected *%s, got %T", a.typ, doc)
	}
	if v.IsNil() {
		return reflect.Value{}, errNilDocument
	}
	return v.Elem(), nil
}

// assign stores val into dst, converting between compatible representations.
//
// Values coming from JSON (float64, map[string]any, []any) are converted
// through a JSON round trip when they are not directly assignable.
func assign(dst reflect.Value, val any) error {
	if val == nil {
		dst.SetZero()
		return nil
	}
	src := reflect.ValueOf(val)
	t := dst.Type()
	switch {
	case src.Type().AssignableTo(t):
		dst.Set(src)
		return nil
	case t.Kind() == reflect.Pointer && src.Type().AssignableTo(t.Elem()):
		p := reflect.New(t.Elem())
		p.Elem().Set(src)
		dst.Set(p)
		return nil
	case isNumber(src.Kind()) && isNumber(t.Kind()):
		dst.Set(src.Convert(t))
		return nil
	case src.Kind() == reflect.String && t.Kind() == reflect.String:
		dst.Set(src.Convert(t))
		return nil
	}
	b, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("cannot convert %T to %s: %w", val, t, err)
	}
	p := reflect.New(t)
	if err := json.Unmarshal(b, p.Interface()); err != nil {
		return fmt.Errorf("cannot convert %T to %s: %w", val, t, err)
	}
	dst.Set(p.Elem())
	return nil
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}
