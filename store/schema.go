package store

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/maruel/jsondoc/dberr"
	"github.com/maruel/jsondoc/internal/atomicfile"
)

type schemaOpKind int

const (
	opAdd schemaOpKind = iota
	opRename
	opDelete
)

// SchemaOp is one field change applied to every document of a collection by
// UpdateSchema.
type SchemaOp struct {
	kind   schemaOpKind
	field  string
	to     string
	def    any
	secret bool
}

// AddField sets field to def on every document. A nil def only declares the
// field. When secret is true the field is stored encrypted and def must be a
// string.
func AddField(field string, def any, secret bool) SchemaOp {
	return SchemaOp{kind: opAdd, field: field, def: def, secret: secret}
}

// RenameField renames the JSON key from to to in every document.
func RenameField(from, to string) SchemaOp {
	return SchemaOp{kind: opRename, field: from, to: to}
}

// DeleteField removes field from every document.
func DeleteField(field string) SchemaOp {
	return SchemaOp{kind: opDelete, field: field}
}

func (op SchemaOp) String() string {
	switch op.kind {
	case opAdd:
		return fmt.Sprintf("add(%s)", op.field)
	case opRename:
		return fmt.Sprintf("rename(%s->%s)", op.field, op.to)
	default:
		return fmt.Sprintf("delete(%s)", op.field)
	}
}

// UpdateSchema applies field changes to a whole collection.
//
// Renames are applied first, textually on the encoded lines, in one rewrite
// that also drops the deleted fields. Adds with a non-nil default are then
// set on every document in one rewrite. Deletes alone cost one rewrite. The
// descriptor only changes once the rewrite carrying the change succeeded;
// the collection is reloaded after.
func (db *DB) UpdateSchema(name string, ops ...SchemaOp) (err error) {
	defer func() { db.metrics.op(name, "update_schema", err) }()
	if len(ops) == 0 {
		return nil
	}
	c, err := db.lookup(name)
	if err != nil {
		return err
	}
	var renames, adds, deletes []SchemaOp
	for _, op := range ops {
		if err := db.validateOp(c, op); err != nil {
			return err
		}
		switch op.kind {
		case opRename:
			renames = append(renames, op)
		case opAdd:
			adds = append(adds, op)
		case opDelete:
			deletes = append(deletes, op)
		}
	}
	if err := c.lockWrite(); err != nil {
		return err
	}
	defer c.mu.Unlock()
	version := c.desc.DeclaredVersion()

	if len(renames) != 0 {
		next, err := renameLines(c.lines, renames)
		if err != nil {
			return err
		}
		if len(deletes) != 0 {
			if next, err = db.dropFields(c, next, deletes); err != nil {
				return err
			}
		}
		if err := db.files.Rewrite(c.path, version, next); err != nil {
			return err
		}
		for _, op := range renames {
			c.desc.FieldRenamed(op.field, op.to)
		}
		for _, op := range deletes {
			c.desc.FieldDeleted(op.field)
		}
		deletes = nil
		if err := db.reloadLocked(c); err != nil {
			return err
		}
	}

	materialize := len(deletes) != 0
	for _, op := range adds {
		if op.def != nil {
			materialize = true
		}
	}
	prev := c.desc.FieldSnapshot()
	for _, op := range adds {
		c.desc.FieldAdded(op.field, op.secret)
	}
	for _, op := range deletes {
		c.desc.FieldDeleted(op.field)
	}
	if materialize {
		if err := db.applyFields(c, adds, deletes); err != nil {
			c.desc.Restore(prev)
			return err
		}
	}
	if len(renames) != 0 || materialize {
		if err := db.reloadLocked(c); err != nil {
			return err
		}
	}
	db.log.Info("Updated collection schema", "collection", name, "ops", fmt.Sprint(ops))
	return nil
}

func (db *DB) validateOp(c *collection, op SchemaOp) error {
	acc := c.desc.Accessors()
	if op.field == "" || (op.kind == opRename && op.to == "") {
		return dberr.Usage("%s: empty field name", op)
	}
	if id := acc.IDField(); id != "" && (op.field == id || op.to == id) && op.kind != opAdd {
		return dberr.Usage("%s: the primary key cannot be renamed or deleted", op)
	}
	if op.kind == opAdd && op.secret && op.def != nil {
		if _, ok := op.def.(string); !ok {
			return dberr.Usage("%s: secret default must be a string, got %T", op, op.def)
		}
	}
	if c.desc.Type() != recordType && op.kind == opAdd {
		if !slices.Contains(acc.Fields(), op.field) {
			return dberr.Usage("%s: %s has no such field", op, c.desc.Type())
		}
		if op.secret != c.desc.IsSecret(op.field) {
			return dberr.Usage("%s: secret fields of %s are declared by its struct tags", op, c.desc.Type())
		}
	}
	return nil
}

// renameLines rewrites the JSON keys of every line. It only matches a quoted
// key following '{' or ',', which cannot occur inside a JSON string since
// quotes there are escaped.
func renameLines(prior *atomicfile.Lines, renames []SchemaOp) (*atomicfile.Lines, error) {
	type rule struct {
		re   *regexp.Regexp
		repl []byte
	}
	rules := make([]rule, len(renames))
	for i, op := range renames {
		re, err := regexp.Compile(`([{,]\s*)"` + regexp.QuoteMeta(op.field) + `"(\s*:)`)
		if err != nil {
			return nil, dberr.Usage("%s: invalid field name", op).Wrap(err)
		}
		to, err := quoteKey(op.to)
		if err != nil {
			return nil, dberr.Usage("%s: invalid field name", op).Wrap(err)
		}
		rules[i] = rule{re: re, repl: []byte("${1}" + to + "${2}")}
	}
	next := atomicfile.NewLines()
	for _, k := range prior.Keys() {
		b, _ := prior.Get(k)
		for _, r := range rules {
			b = r.re.ReplaceAll(b, r.repl)
		}
		next.Put(k, b)
	}
	return next, nil
}

// dropFields removes the deleted fields from every line.
func (db *DB) dropFields(c *collection, prior *atomicfile.Lines, deletes []SchemaOp) (*atomicfile.Lines, error) {
	acc := c.desc.Accessors()
	next := atomicfile.NewLines()
	for i, k := range prior.Keys() {
		b, _ := prior.Get(k)
		doc := acc.New()
		if err := db.opts.codec.Decode(b, doc); err != nil {
			// Line 1 is the schema version.
			return nil, dberr.Decode(c.path, i+2, err).WithDetail("key", k)
		}
		for _, op := range deletes {
			if _, err := acc.Delete(doc, op.field); err != nil {
				return nil, dberr.Usage("%s: cannot delete field", op).Wrap(err)
			}
		}
		line, err := db.opts.codec.Encode(doc)
		if err != nil {
			return nil, dberr.Usage("cannot encode document %q", k).Wrap(err)
		}
		next.Put(k, line)
	}
	return next, nil
}

var simpleKey = regexp.MustCompile(`^"[^"\\$]*"$`)

// quoteKey returns the JSON string of key. Keys needing an escape or holding
// a '$', which would be read as a regexp template, are rejected.
func quoteKey(key string) (string, error) {
	q := fmt.Sprintf("%q", key)
	if !simpleKey.MatchString(q) {
		return "", fmt.Errorf("unsupported field name %q", key)
	}
	return q, nil
}

// applyFields sets the added defaults and removes the deleted fields on a
// copy of every document, then rewrites the collection once.
func (db *DB) applyFields(c *collection, adds, deletes []SchemaOp) error {
	acc := c.desc.Accessors()
	cipher := db.activeCipher()
	items := make([]*staged, 0, c.lines.Len())
	for _, k := range c.lines.Keys() {
		clone, err := acc.Clone(c.docs[k])
		if err != nil {
			return fmt.Errorf("failed to copy document: %w", err)
		}
		for _, op := range adds {
			if op.def == nil {
				continue
			}
			v := op.def
			if op.secret {
				if v, err = cipher.Encrypt(op.def.(string)); err != nil {
					return dberr.Crypto(fmt.Sprintf("failed to encrypt field %q", op.field), err)
				}
			}
			if err := acc.Set(clone, op.field, v); err != nil {
				return dberr.Usage("%s: cannot set default", op).Wrap(err)
			}
		}
		for _, op := range deletes {
			if _, err := acc.Delete(clone, op.field); err != nil {
				return dberr.Usage("%s: cannot delete field", op).Wrap(err)
			}
		}
		s := &staged{key: k, doc: clone}
		if err := db.encode(s); err != nil {
			return err
		}
		items = append(items, s)
	}
	next := atomicfile.NewLines()
	for _, s := range items {
		next.Put(s.key, s.line)
	}
	if err := db.files.Rewrite(c.path, c.desc.DeclaredVersion(), next); err != nil {
		return err
	}
	db.commit(c, next, items)
	return nil
}
