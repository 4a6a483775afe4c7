// Package codec converts documents to and from single JSON lines.
package codec

import (
	"bytes"
	"fmt"
	"maps"
	"reflect"

	"github.com/goccy/go-json"

	"github.com/maruel/jsondoc/entity"
)

// Codec encodes a document to one line and decodes it back.
type Codec interface {
	// Encode returns the serialized document. It must not contain a newline.
	Encode(doc any) ([]byte, error)
	// Decode parses line into dst, which is either a pointer or an
	// entity.Record.
	Decode(line []byte, dst any) error
}

// JSON is the default Codec.
//
// Strict rejects fields unknown to the destination type. Loads use the
// relaxed mode so that fields dropped from a type are silently discarded on
// the next rewrite.
type JSON struct {
	Strict bool
}

// Encode implements Codec. HTML characters are kept as is.
func (j JSON) Encode(doc any) ([]byte, error) {
	var buf bytes.Buffer
	e := json.NewEncoder(&buf)
	e.SetEscapeHTML(false)
	if err := e.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", doc, err)
	}
	b := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	if bytes.IndexByte(b, '\n') >= 0 {
		// Only possible with a custom MarshalJSON emitting raw newlines.
		var out bytes.Buffer
		if err := json.Compact(&out, b); err != nil {
			return nil, fmt.Errorf("failed to compact %T: %w", doc, err)
		}
		b = out.Bytes()
	}
	return b, nil
}

// Decode implements Codec.
func (j JSON) Decode(line []byte, dst any) error {
	if r, ok := dst.(entity.Record); ok {
		if r == nil {
			return fmt.Errorf("cannot decode into a nil record")
		}
		var tmp map[string]any
		if err := j.decode(line, &tmp); err != nil {
			return err
		}
		maps.Copy(r, tmp)
		return nil
	}
	if v := reflect.ValueOf(dst); v.Kind() != reflect.Pointer || v.IsNil() {
		return fmt.Errorf("cannot decode into %T", dst)
	}
	return j.decode(line, dst)
}

func (j JSON) decode(line []byte, dst any) error {
	d := json.NewDecoder(bytes.NewReader(line))
	if j.Strict {
		d.DisallowUnknownFields()
	}
	if err := d.Decode(dst); err != nil {
		return err
	}
	if d.More() {
		return fmt.Errorf("trailing data after document")
	}
	return nil
}

// ToGeneric returns doc in its generic JSON form, as produced by decoding
// into an any: map[string]any, []any, string, float64, bool or nil.
func ToGeneric(c Codec, doc any) (any, error) {
	b, err := c.Encode(doc)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("failed to project %T: %w", doc, err)
	}
	return v, nil
}
