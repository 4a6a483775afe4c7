package entity

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/maruel/jsondoc/dberr"
)

type instance struct {
	ID         string   `json:"id"`
	PublicKey  string   `json:"publicKey"`
	PrivateKey string   `json:"privateKey" jsondoc:"secret"`
	Token      *string  `json:"token,omitempty" jsondoc:"secret"`
	Port       int      `json:"port"`
	Tags       []string `json:"tags,omitempty"`
	Internal   string   `json:"-"`
}

type taggedKey struct {
	Name string `json:"name" jsondoc:"id"`
	ID   string `json:"id"`
}

type noKey struct {
	Message string `json:"message"`
}

type twoKeys struct {
	A string `json:"a" jsondoc:"id"`
	B string `json:"b" jsondoc:"id"`
}

type dupName struct {
	A string `json:"x"`
	B string `json:"x"`
}

type intKey struct {
	ID int `json:"id"`
}

type secretInt struct {
	ID  string `json:"id"`
	Pin int    `json:"pin" jsondoc:"secret"`
}

type Audit struct {
	Created string `json:"created"`
}

type embedded struct {
	Audit
	ID string `json:"id"`
}

type cloned struct {
	ID     string `json:"id"`
	calls  *int
	Values []int `json:"values"`
}

func (c *cloned) Clone() *cloned {
	*c.calls++
	n := *c
	n.Values = append([]int(nil), c.Values...)
	return &n
}

func TestRegister(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		r := NewRegistry()
		d, err := Register[*instance](r, "instances", "1.0")
		if err != nil {
			t.Fatal(err)
		}
		if d.Name() != "instances" || d.DeclaredVersion() != "1.0" {
			t.Errorf("descriptor = %s", d)
		}
		if !d.HasID() || d.Accessors().IDField() != "id" {
			t.Errorf("IDField() = %q, want id", d.Accessors().IDField())
		}
		if diff := cmp.Diff([]string{"privateKey", "token"}, d.Secrets()); diff != "" {
			t.Errorf("Secrets() mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"id", "publicKey", "privateKey", "token", "port", "tags"}, d.Accessors().Fields()); diff != "" {
			t.Errorf("Fields() mismatch (-want +got):\n%s", diff)
		}
		if d.JSONSchema() == nil {
			t.Error("JSONSchema() = nil")
		}
		descs, err := r.Discover()
		if err != nil {
			t.Fatal(err)
		}
		if descs["instances"] != d {
			t.Error("Discover() did not return the registered descriptor")
		}
	})

	t.Run("tagged key wins over id", func(t *testing.T) {
		d, err := Register[*taggedKey](NewRegistry(), "tagged", "1")
		if err != nil {
			t.Fatal(err)
		}
		if got := d.Accessors().IDField(); got != "name" {
			t.Errorf("IDField() = %q, want name", got)
		}
	})

	t.Run("no key", func(t *testing.T) {
		d, err := Register[*noKey](NewRegistry(), "logs", "1")
		if err != nil {
			t.Fatal(err)
		}
		if d.HasID() {
			t.Error("HasID() = true, want false")
		}
		if _, ok := d.Accessors().GetID(&noKey{}); ok {
			t.Error("GetID() reported a key on a type without one")
		}
	})

	t.Run("embedded fields are flattened", func(t *testing.T) {
		d, err := Register[*embedded](NewRegistry(), "embedded", "1")
		if err != nil {
			t.Fatal(err)
		}
		doc := &embedded{ID: "a"}
		if err := d.Accessors().Set(doc, "created", "today"); err != nil {
			t.Fatal(err)
		}
		if doc.Created != "today" {
			t.Errorf("Created = %q, want today", doc.Created)
		}
	})

	t.Run("errors", func(t *testing.T) {
		r := NewRegistry()
		if _, err := Register[*instance](r, "instances", "1.0"); err != nil {
			t.Fatal(err)
		}
		tests := []struct {
			name string
			fn   func() error
			code dberr.Code
		}{
			{"duplicate collection", func() error { _, err := Register[*instance](r, "instances", "1.0"); return err }, dberr.CodeConflict},
			{"bad name", func() error { _, err := Register[*instance](r, "../etc", "1.0"); return err }, dberr.CodeUsage},
			{"hidden name", func() error { _, err := Register[*instance](r, ".locks", "1.0"); return err }, dberr.CodeUsage},
			{"not a pointer", func() error { _, err := Register[instance](r, "v", "1.0"); return err }, dberr.CodeUsage},
			{"two keys", func() error { _, err := Register[*twoKeys](r, "k", "1.0"); return err }, dberr.CodeUsage},
			{"duplicate json name", func() error { _, err := Register[*dupName](r, "d", "1.0"); return err }, dberr.CodeUsage},
			{"non string key", func() error { _, err := Register[*intKey](r, "i", "1.0"); return err }, dberr.CodeUsage},
			{"non string secret", func() error { _, err := Register[*secretInt](r, "s", "1.0"); return err }, dberr.CodeUsage},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := tt.fn()
				if !dberr.Is(err, tt.code) {
					t.Errorf("error = %v, want code %s", err, tt.code)
				}
			})
		}
	})
}

func TestStructAccessors(t *testing.T) {
	d := MustRegister[*instance](NewRegistry(), "instances", "1.0")
	acc := d.Accessors()

	t.Run("id", func(t *testing.T) {
		doc := &instance{}
		if _, ok := acc.GetID(doc); ok {
			t.Error("GetID() on empty key reported present")
		}
		if err := acc.SetID(doc, "01"); err != nil {
			t.Fatal(err)
		}
		if id, ok := acc.GetID(doc); !ok || id != "01" {
			t.Errorf("GetID() = %q, %v", id, ok)
		}
	})

	t.Run("get set", func(t *testing.T) {
		doc := &instance{ID: "01"}
		tests := []struct {
			field string
			in    any
			want  any
		}{
			{"publicKey", "X", "X"},
			{"port", float64(8080), 8080},
			{"token", "t", "t"},
			{"token", nil, nil},
			{"tags", []any{"a", "b"}, []string{"a", "b"}},
		}
		for _, tt := range tests {
			t.Run(tt.field, func(t *testing.T) {
				if err := acc.Set(doc, tt.field, tt.in); err != nil {
					t.Fatal(err)
				}
				got, err := acc.Get(doc, tt.field)
				if err != nil {
					t.Fatal(err)
				}
				if diff := cmp.Diff(tt.want, got); diff != "" {
					t.Errorf("Get(%q) mismatch (-want +got):\n%s", tt.field, diff)
				}
			})
		}
	})

	t.Run("errors", func(t *testing.T) {
		if err := acc.Set(&instance{}, "missing", 1); err == nil {
			t.Error("Set() of unknown field succeeded")
		}
		if err := acc.Set(&instance{}, "port", "not a number"); err == nil {
			t.Error("Set() of mismatched type succeeded")
		}
		if _, err := acc.Get(&noKey{}, "id"); err == nil {
			t.Error("Get() on the wrong type succeeded")
		}
		if _, err := acc.Get((*instance)(nil), "id"); err == nil {
			t.Error("Get() on nil succeeded")
		}
	})

	t.Run("delete", func(t *testing.T) {
		doc := &instance{ID: "01", PublicKey: "X"}
		ok, err := acc.Delete(doc, "publicKey")
		if err != nil || !ok {
			t.Fatalf("Delete() = %v, %v", ok, err)
		}
		if doc.PublicKey != "" {
			t.Errorf("PublicKey = %q after Delete", doc.PublicKey)
		}
		if ok, _ := acc.Delete(doc, "gone"); ok {
			t.Error("Delete() of unknown field reported true")
		}
	})

	t.Run("clone", func(t *testing.T) {
		tok := "t"
		doc := &instance{ID: "01", Token: &tok, Tags: []string{"a"}}
		c, err := acc.Clone(doc)
		if err != nil {
			t.Fatal(err)
		}
		got := c.(*instance)
		if diff := cmp.Diff(doc, got); diff != "" {
			t.Errorf("Clone() mismatch (-want +got):\n%s", diff)
		}
		got.Tags[0] = "b"
		*got.Token = "u"
		if doc.Tags[0] != "a" || *doc.Token != "t" {
			t.Error("Clone() shares memory with the original")
		}
	})

	t.Run("clone uses Cloner", func(t *testing.T) {
		d := MustRegister[*cloned](NewRegistry(), "cloned", "1")
		calls := 0
		c, err := d.Accessors().Clone(&cloned{ID: "a", calls: &calls, Values: []int{1}})
		if err != nil {
			t.Fatal(err)
		}
		if calls != 1 || c.(*cloned).ID != "a" {
			t.Errorf("Clone() calls = %d, doc = %+v", calls, c)
		}
	})
}

func TestRecord(t *testing.T) {
	r := NewRegistry()
	d, err := r.RegisterRecord("instances", "1.0", "id", []string{"publicKey", "privateKey"}, []string{"privateKey"})
	if err != nil {
		t.Fatal(err)
	}
	acc := d.Accessors()
	if diff := cmp.Diff([]string{"id", "publicKey", "privateKey"}, acc.Fields()); diff != "" {
		t.Errorf("Fields() mismatch (-want +got):\n%s", diff)
	}

	doc := Record{"id": "01", "publicKey": "X"}
	if id, ok := acc.GetID(doc); !ok || id != "01" {
		t.Errorf("GetID() = %q, %v", id, ok)
	}
	if err := acc.Set(doc, "unknown", 1); err == nil {
		t.Error("Set() of undeclared field succeeded")
	}
	c, err := acc.Clone(doc)
	if err != nil {
		t.Fatal(err)
	}
	c.(Record)["publicKey"] = "Y"
	if doc["publicKey"] != "X" {
		t.Error("Clone() shares memory with the original")
	}

	d.FieldAdded("extra", true)
	if err := acc.Set(doc, "extra", "v"); err != nil {
		t.Errorf("Set() after FieldAdded: %v", err)
	}
	if !d.IsSecret("extra") {
		t.Error("FieldAdded(secret) did not mark the field secret")
	}
	d.FieldRenamed("extra", "renamed")
	if d.IsSecret("extra") || !d.IsSecret("renamed") {
		t.Errorf("Secrets() = %v after rename", d.Secrets())
	}
	d.FieldDeleted("renamed")
	if d.IsSecret("renamed") {
		t.Errorf("Secrets() = %v after delete", d.Secrets())
	}

	t.Run("trim undeclared", func(t *testing.T) {
		doc := Record{"id": "01", "publicKey": "X", "stray": 1}
		d.TrimUndeclared(doc)
		if diff := cmp.Diff(Record{"id": "01", "publicKey": "X"}, doc); diff != "" {
			t.Errorf("TrimUndeclared() mismatch (-want +got):\n%s", diff)
		}
		loose, err := r.RegisterRecord("loose", "1", "", nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		doc = Record{"stray": 1}
		loose.TrimUndeclared(doc)
		if len(doc) != 1 {
			t.Errorf("record without field list trimmed: %v", doc)
		}
	})
	t.Run("restore", func(t *testing.T) {
		prev := d.FieldSnapshot()
		d.FieldAdded("pin", true)
		d.FieldDeleted("privateKey")
		d.Restore(prev)
		if !d.IsSecret("privateKey") || d.IsSecret("pin") {
			t.Errorf("Secrets() = %v", d.Secrets())
		}
		if diff := cmp.Diff([]string{"id", "publicKey", "privateKey"}, acc.Fields()); diff != "" {
			t.Errorf("Fields() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("errors", func(t *testing.T) {
		if _, err := r.RegisterRecord("bad", "1", "id", nil, []string{"id"}); !dberr.IsUsage(err) {
			t.Errorf("secret key: %v", err)
		}
		if _, err := r.RegisterRecord("bad", "1", "id", []string{"a"}, []string{"b"}); !dberr.IsUsage(err) {
			t.Errorf("undeclared secret: %v", err)
		}
	})
}

func TestCheck(t *testing.T) {
	d := MustRegister[*instance](NewRegistry(), "instances", "1.0")
	tests := []struct {
		name string
		doc  any
		ok   bool
	}{
		{"valid", &instance{}, true},
		{"nil interface", nil, false},
		{"nil pointer", (*instance)(nil), false},
		{"slice", []*instance{{}}, false},
		{"array", [1]*instance{{}}, false},
		{"wrong type", &noKey{}, false},
		{"value", instance{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.Check(tt.doc)
			if (err == nil) != tt.ok {
				t.Errorf("Check() = %v, want ok=%v", err, tt.ok)
			}
			if err != nil && !dberr.Is(err, dberr.CodeUsage) {
				t.Errorf("Check() code = %s, want %s", dberr.CodeOf(err), dberr.CodeUsage)
			}
		})
	}
}

func TestVersion(t *testing.T) {
	t.Run("DottedComparator", func(t *testing.T) {
		tests := []struct {
			a, b string
			want int
		}{
			{"1.0", "1.0", 0},
			{"1.0", "1.1", -1},
			{"1.10", "1.9", 1},
			{"2", "10", -1},
			{"1.0", "1.0.0", -1},
			{"1.0.0", "1.0", 1},
			{"", "1", -1},
			{"", "", 0},
			{"1.a", "1.b", -1},
		}
		for _, tt := range tests {
			t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
				if got := DottedComparator(tt.a, tt.b); got != tt.want {
					t.Errorf("DottedComparator(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
				}
			})
		}
	})

	t.Run("SemverComparator", func(t *testing.T) {
		tests := []struct {
			a, b string
			want int
		}{
			{"1.0", "1.0.0", 0},
			{"1.2.0", "1.10.0", -1},
			{"v2.0.0", "1.9.9", 1},
			{"1.0.0-beta", "1.0.0", -1},
			{"not.a.version!", "not.a.version!", 0},
		}
		for _, tt := range tests {
			t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
				if got := SemverComparator(tt.a, tt.b); got != tt.want {
					t.Errorf("SemverComparator(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
				}
			})
		}
	})

	t.Run("readonly", func(t *testing.T) {
		d := MustRegister[*instance](NewRegistry(), "instances", "1.0")
		if d.IsReadonly() {
			t.Error("fresh descriptor is readonly")
		}
		d.SetObservedVersion("1.1")
		if !d.IsReadonly() || d.ObservedVersion() != "1.1" {
			t.Errorf("IsReadonly() = %v after observing 1.1", d.IsReadonly())
		}
		d.SetObservedVersion("1.0")
		if d.IsReadonly() {
			t.Error("IsReadonly() = true after observing the declared version")
		}

		s := MustRegister[*instance](NewRegistry(), "instances", "1.0", WithComparator(SemverComparator))
		s.SetObservedVersion("1.0.0")
		if s.IsReadonly() {
			t.Error("semver comparator treats 1.0 and 1.0.0 as different")
		}
	})
}

func TestNewKey(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		k := NewKey()
		if k == "" || seen[k] {
			t.Fatalf("NewKey() = %q (duplicate or empty)", k)
		}
		seen[k] = true
	}
}
