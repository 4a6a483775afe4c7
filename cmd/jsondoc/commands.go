package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maruel/jsondoc/codec"
	"github.com/maruel/jsondoc/entity"
	"github.com/maruel/jsondoc/fieldcrypto"
	"github.com/maruel/jsondoc/query"
	"github.com/maruel/jsondoc/store"
	"github.com/maruel/jsondoc/watch"
)

type listCmd struct{}

type collectionInfo struct {
	Name     string `json:"name"`
	Loaded   bool   `json:"loaded"`
	Readonly bool   `json:"readonly,omitempty"`
	Version  string `json:"version"`
	Count    int    `json:"count"`
}

func (listCmd) Run(a *app) error {
	db, err := a.open()
	if err != nil {
		return err
	}
	for _, cc := range a.cfg.Collections {
		info := collectionInfo{Name: cc.Name, Loaded: db.Exists(cc.Name), Version: cc.Version}
		if info.Loaded {
			d, err := db.Descriptor(cc.Name)
			if err != nil {
				return err
			}
			info.Readonly = d.IsReadonly()
			info.Version = d.ObservedVersion()
			c, err := store.Use[entity.Record](db, cc.Name)
			if err != nil {
				return err
			}
			if info.Count, err = c.Len(); err != nil {
				return err
			}
		}
		if err := a.print(info); err != nil {
			return err
		}
	}
	return nil
}

type createCmd struct {
	Name string `arg:"" help:"Collection name."`
}

func (c *createCmd) Run(a *app) error {
	db, err := a.open()
	if err != nil {
		return err
	}
	return db.Create(c.Name)
}

type dropCmd struct {
	Name string `arg:"" help:"Collection name."`
}

func (c *dropCmd) Run(a *app) error {
	db, err := a.open()
	if err != nil {
		return err
	}
	return db.Drop(c.Name)
}

type findCmd struct {
	Name  string `arg:"" help:"Collection name."`
	Query string `short:"q" help:"JMESPath expression selecting documents, e.g. \"name == 'web'\"."`
	ID    string `help:"Key of the document to print."`
	One   bool   `help:"Print the first match only."`
}

func (c *findCmd) Run(a *app) error {
	col, err := a.collection(c.Name)
	if err != nil {
		return err
	}
	if c.ID != "" {
		doc, err := col.FindByID(c.ID)
		if err != nil {
			return err
		}
		return a.print(doc)
	}
	q, err := parseQuery(c.Query)
	if err != nil {
		return err
	}
	if c.One {
		doc, err := col.FindOne(q)
		if err != nil || doc == nil {
			return err
		}
		return a.print(doc)
	}
	docs, err := col.Find(q)
	if err != nil {
		return err
	}
	return a.print(toAny(docs)...)
}

func parseQuery(s string) (query.Query, error) {
	if s == "" {
		return query.All(), nil
	}
	return query.Expr(s)
}

func toAny(docs []entity.Record) []any {
	out := make([]any, len(docs))
	for i, d := range docs {
		out[i] = d
	}
	return out
}

// readDocs decodes the documents given as arguments, or one per line from in
// when there are none.
func (a *app) readDocs(args []string) ([]entity.Record, error) {
	dec := codec.JSON{}
	var docs []entity.Record
	add := func(line []byte, where string) error {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			return nil
		}
		doc := entity.Record{}
		if err := dec.Decode(line, doc); err != nil {
			return fmt.Errorf("%s: %w", where, err)
		}
		docs = append(docs, doc)
		return nil
	}
	if len(args) != 0 {
		for i, s := range args {
			if err := add([]byte(s), fmt.Sprintf("argument %d", i+1)); err != nil {
				return nil, err
			}
		}
		return docs, nil
	}
	s := bufio.NewScanner(a.in)
	s.Buffer(nil, 16<<20)
	for n := 1; s.Scan(); n++ {
		if err := add(s.Bytes(), fmt.Sprintf("stdin line %d", n)); err != nil {
			return nil, err
		}
	}
	return docs, s.Err()
}

type insertCmd struct {
	Name string   `arg:"" help:"Collection name."`
	Docs []string `arg:"" optional:"" help:"JSON documents. Read from stdin when omitted."`
}

func (c *insertCmd) Run(a *app) error {
	col, err := a.collection(c.Name)
	if err != nil {
		return err
	}
	docs, err := a.readDocs(c.Docs)
	if err != nil {
		return err
	}
	keys, err := col.InsertAll(docs)
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Fprintln(a.out, k)
	}
	return nil
}

type upsertCmd struct {
	Name string   `arg:"" help:"Collection name."`
	Docs []string `arg:"" optional:"" help:"JSON documents. Read from stdin when omitted."`
}

func (c *upsertCmd) Run(a *app) error {
	col, err := a.collection(c.Name)
	if err != nil {
		return err
	}
	docs, err := a.readDocs(c.Docs)
	if err != nil {
		return err
	}
	keys, err := col.UpsertAll(docs)
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Fprintln(a.out, k)
	}
	return nil
}

type removeCmd struct {
	Name   string   `arg:"" help:"Collection name."`
	IDs    []string `arg:"" name:"id" help:"Keys of the documents to remove."`
	Strict bool     `help:"Fail if a key does not exist."`
}

func (c *removeCmd) Run(a *app) error {
	col, err := a.collection(c.Name)
	if err != nil {
		return err
	}
	if c.Strict {
		for _, id := range c.IDs {
			doc, err := col.RemoveByID(id)
			if err != nil {
				return err
			}
			if err := a.print(doc); err != nil {
				return err
			}
		}
		return nil
	}
	idField := col.Descriptor().Accessors().IDField()
	docs := make([]entity.Record, len(c.IDs))
	for i, id := range c.IDs {
		docs[i] = entity.Record{idField: id}
	}
	removed, err := col.RemoveAll(docs)
	if err != nil {
		return err
	}
	return a.print(toAny(removed)...)
}

type modifyCmd struct {
	Name  string   `arg:"" help:"Collection name."`
	Query string   `short:"q" help:"JMESPath expression selecting documents. Every document when omitted."`
	Set   []string `required:"" sep:"none" placeholder:"FIELD=VALUE" help:"Field to set. VALUE is JSON, or a plain string."`
	All   bool     `help:"Modify every match instead of the first one."`
}

func (c *modifyCmd) Run(a *app) error {
	col, err := a.collection(c.Name)
	if err != nil {
		return err
	}
	q, err := parseQuery(c.Query)
	if err != nil {
		return err
	}
	patch := make(map[string]any, len(c.Set))
	for _, s := range c.Set {
		k, v, err := parseAssignment(s)
		if err != nil {
			return err
		}
		patch[k] = v
	}
	if !c.All {
		doc, err := col.FindAndModify(q, patch)
		if err != nil || doc == nil {
			return err
		}
		return a.print(doc)
	}
	docs, err := col.FindAllAndModify(q, patch)
	if err != nil {
		return err
	}
	return a.print(toAny(docs)...)
}

// parseAssignment parses FIELD=VALUE. VALUE is decoded as JSON when it is
// valid JSON and kept as a string otherwise. An empty VALUE is null.
func parseAssignment(s string) (string, any, error) {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return "", nil, fmt.Errorf("invalid assignment %q, want FIELD=VALUE", s)
	}
	return k, parseValue(v), nil
}

func parseValue(s string) any {
	if s == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

type reloadCmd struct{}

func (reloadCmd) Run(a *app) error {
	db, err := a.open()
	if err != nil {
		return err
	}
	// Open already loaded everything; a second pass checks it is stable.
	return db.ReloadAll()
}

type rekeyCmd struct {
	NewPassphrase string `required:"" help:"New passphrase."`
}

// Run writes the new salt next to the current one, converts the
// collections, then swaps the salt in.
func (c *rekeyCmd) Run(a *app) error {
	db, err := a.open()
	if err != nil {
		return err
	}
	salt, err := fieldcrypto.NewSalt()
	if err != nil {
		return err
	}
	next, err := fieldcrypto.NewAESGCMFromPassphrase(c.NewPassphrase, salt)
	if err != nil {
		return err
	}
	path := filepath.Join(a.flags.Dir, saltFile)
	pending := path + ".new"
	if err := writeFileAtomic(pending, fmt.Appendf(nil, "%x\n", salt), 0o600); err != nil {
		return err
	}
	if err := db.ChangeEncryption(next); err != nil {
		return errors.Join(err, os.Remove(pending))
	}
	if err := os.Rename(pending, path); err != nil {
		return fmt.Errorf("collections were re-encrypted but the salt could not be saved, it is in %s: %w", pending, err)
	}
	a.log.Info("Changed passphrase")
	return nil
}

type schemaCmd struct {
	Name      string   `arg:"" help:"Collection name."`
	Add       []string `sep:"none" placeholder:"FIELD[=VALUE]" help:"Add a field, set to VALUE (JSON or string) on every document."`
	AddSecret []string `sep:"none" placeholder:"FIELD[=VALUE]" help:"Add a secret field."`
	Rename    []string `sep:"none" placeholder:"OLD=NEW" help:"Rename a field."`
	Delete    []string `sep:"none" placeholder:"FIELD" help:"Delete a field."`
}

// Run applies the changes and updates the collections file to match.
func (c *schemaCmd) Run(a *app) error {
	db, err := a.open()
	if err != nil {
		return err
	}
	cc := a.cfg.collection(c.Name)
	if cc == nil {
		return fmt.Errorf("collection %q is not declared in %s", c.Name, a.flags.Config)
	}
	var ops []store.SchemaOp
	var edits []func()
	for _, r := range c.Rename {
		from, to, ok := strings.Cut(r, "=")
		if !ok || from == "" || to == "" {
			return fmt.Errorf("invalid rename %q, want OLD=NEW", r)
		}
		ops = append(ops, store.RenameField(from, to))
		edits = append(edits, func() { cc.renameField(from, to) })
	}
	for _, secret := range []bool{false, true} {
		list := c.Add
		if secret {
			list = c.AddSecret
		}
		for _, s := range list {
			k, v, _ := strings.Cut(s, "=")
			if k == "" {
				return fmt.Errorf("invalid field %q", s)
			}
			ops = append(ops, store.AddField(k, parseValue(v), secret))
			edits = append(edits, func() { cc.addField(k, secret) })
		}
	}
	for _, f := range c.Delete {
		ops = append(ops, store.DeleteField(f))
		edits = append(edits, func() { cc.deleteField(f) })
	}
	if len(ops) == 0 {
		return errors.New("nothing to do, use --add, --add-secret, --rename or --delete")
	}
	if err := db.UpdateSchema(c.Name, ops...); err != nil {
		return err
	}
	for _, e := range edits {
		e()
	}
	return a.cfg.save(a.flags.Config)
}

type watchCmd struct {
	Metrics string `help:"Serve Prometheus metrics on this address, e.g. localhost:9090."`
}

func (c *watchCmd) Run(a *app) error {
	m := store.NewMetrics()
	db, err := a.open(store.WithMetrics(m))
	if err != nil {
		return err
	}
	n, err := watch.New(a.flags.Dir, a.log)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", a.flags.Dir, err)
	}
	defer func() { _ = n.Close() }()

	if c.Metrics != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(m)
		srv := &http.Server{
			Addr:              c.Metrics,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			BaseContext:       func(_ net.Listener) context.Context { return a.ctx },
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("Metrics server failed", "err", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
		a.log.Info("Serving metrics", "addr", c.Metrics)
	}
	a.log.Info("Watching collections", "dir", a.flags.Dir, "collections", len(db.Collections()))
	return db.Watch(a.ctx, n.Events())
}
