// Package query evaluates predicates over the documents of a collection.
//
// Documents seen by a predicate are in their stored form: secret fields hold
// ciphertext. Predicates must not modify the documents they are given.
package query

import (
	"fmt"
	"iter"
	"reflect"

	"github.com/goccy/go-json"
	"github.com/jmespath/go-jmespath"

	"github.com/maruel/jsondoc/codec"
)

// Query selects documents.
type Query interface {
	Match(doc any) (bool, error)
}

// View is a read-only snapshot of a collection, in collection order.
type View interface {
	Keys() []string
	Get(key string) (any, bool)
	Len() int
}

// Evaluator runs a Query over a View.
//
// It is only called while the caller holds the collection lock, so the view
// is stable for the duration of the iteration.
type Evaluator interface {
	// Iterate yields the keys of the matching documents in view order. On
	// failure it yields a single non-nil error and stops.
	Iterate(q Query, view View) iter.Seq2[string, error]
}

// Linear is the default Evaluator. It tests every document in turn.
type Linear struct{}

// Iterate implements Evaluator.
func (Linear) Iterate(q Query, view View) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, key := range view.Keys() {
			doc, ok := view.Get(key)
			if !ok {
				continue
			}
			match, err := q.Match(doc)
			if err != nil {
				yield(key, fmt.Errorf("document %q: %w", key, err))
				return
			}
			if match && !yield(key, nil) {
				return
			}
		}
	}
}

// Func adapts a typed Go predicate.
//
// Documents of another type never match.
func Func[T any](fn func(T) bool) Query {
	return funcQuery[T](fn)
}

type funcQuery[T any] func(T) bool

func (f funcQuery[T]) Match(doc any) (bool, error) {
	d, ok := doc.(T)
	if !ok {
		return false, nil
	}
	return f(d), nil
}

// All matches every document.
func All() Query {
	return allQuery{}
}

type allQuery struct{}

func (allQuery) Match(any) (bool, error) {
	return true, nil
}

// Eq matches documents whose top level field is equal to value once both are
// in their JSON form, so that Eq("port", 22) matches a float64 22 in a
// Record.
func Eq(field string, value any) Query {
	q := &eqQuery{field: field}
	b, err := json.Marshal(value)
	if err == nil {
		err = json.Unmarshal(b, &q.want)
	}
	if err != nil {
		q.err = fmt.Errorf("invalid value for %q: %w", field, err)
	}
	return q
}

type eqQuery struct {
	field string
	want  any
	err   error
}

func (q *eqQuery) Match(doc any) (bool, error) {
	if q.err != nil {
		return false, q.err
	}
	g, err := codec.ToGeneric(codec.JSON{}, doc)
	if err != nil {
		return false, err
	}
	m, ok := g.(map[string]any)
	if !ok {
		return false, nil
	}
	v, ok := m[q.field]
	if !ok {
		return false, nil
	}
	return reflect.DeepEqual(v, q.want), nil
}

// Expr compiles a JMESPath expression. A document matches when the
// expression evaluates to a truthy value: anything but false, null, an empty
// string, an empty array or an empty object.
//
//	id == '02'
//	port > `1024` && contains(tags, 'prod')
func Expr(expr string) (Query, error) {
	p, err := jmespath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid query %q: %w", expr, err)
	}
	return &exprQuery{expr: expr, p: p}, nil
}

// MustExpr is like Expr but panics on error.
func MustExpr(expr string) Query {
	q, err := Expr(expr)
	if err != nil {
		panic(err)
	}
	return q
}

type exprQuery struct {
	expr string
	p    *jmespath.JMESPath
}

func (q *exprQuery) Match(doc any) (bool, error) {
	g, err := codec.ToGeneric(codec.JSON{}, doc)
	if err != nil {
		return false, err
	}
	v, err := q.p.Search(g)
	if err != nil {
		return false, fmt.Errorf("query %q: %w", q.expr, err)
	}
	return truthy(v), nil
}

func (q *exprQuery) String() string {
	return q.expr
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) != 0
	case map[string]any:
		return len(t) != 0
	default:
		return true
	}
}
