package store

import (
	"fmt"

	"github.com/maruel/jsondoc/dberr"
	"github.com/maruel/jsondoc/fieldcrypto"
)

// ChangeEncryption re-encrypts the secret fields of every loaded collection
// with next, then makes next the active cipher.
//
// All the collections holding secrets are write locked for the whole
// operation. If a collection fails, the operation stops: collections
// rewritten before it are encrypted with next while the active cipher is still
// the old one. Callers must retry or restore from the files in that case.
// Collections whose file is not loaded are not converted.
func (db *DB) ChangeEncryption(next fieldcrypto.Cipher) (err error) {
	defer func() { db.metrics.op("", "change_encryption", err) }()
	if next == nil {
		return dberr.Usage("cipher is nil")
	}
	if err := db.checkOpen(); err != nil {
		return err
	}
	var cols []*collection
	for _, c := range db.sorted() {
		if c.desc.HasSecrets() {
			cols = append(cols, c)
		}
	}
	for _, c := range cols {
		c.mu.Lock()
	}
	defer func() {
		for _, c := range cols {
			c.mu.Unlock()
		}
	}()
	var targets []*collection
	for _, c := range cols {
		if c.state != loaded {
			continue
		}
		if err := c.checkWritable(); err != nil {
			return err
		}
		targets = append(targets, c)
	}
	prev := db.activeCipher()
	for _, c := range targets {
		if err := db.reencrypt(c, prev, next); err != nil {
			return fmt.Errorf("failed to re-encrypt collection %q: %w", c.desc.Name(), err)
		}
	}
	db.mu.Lock()
	db.cipher = next
	db.mu.Unlock()
	db.log.Info("Changed encryption", "collections", len(targets))
	return nil
}

func (db *DB) reencrypt(c *collection, prev, next fieldcrypto.Cipher) error {
	acc := c.desc.Accessors()
	items := make([]*staged, 0, c.lines.Len())
	for _, k := range c.lines.Keys() {
		clone, err := acc.Clone(c.docs[k])
		if err != nil {
			return fmt.Errorf("failed to copy document: %w", err)
		}
		if err := fieldcrypto.DecryptFields(clone, c.desc, prev); err != nil {
			return err
		}
		if err := fieldcrypto.EncryptFields(clone, c.desc, next); err != nil {
			return err
		}
		s := &staged{key: k, doc: clone}
		if err := db.encode(s); err != nil {
			return err
		}
		items = append(items, s)
	}
	m := make(map[string][]byte, len(items))
	for _, s := range items {
		m[s.key] = s.line
	}
	lines, err := db.files.ReplaceAll(c.path, c.desc.DeclaredVersion(), c.lines, m)
	if err != nil {
		return err
	}
	db.commit(c, lines, items)
	return nil
}
