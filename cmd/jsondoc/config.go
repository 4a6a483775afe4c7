package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/maruel/jsondoc/entity"
	"github.com/maruel/jsondoc/fieldcrypto"
)

// config is the collections file.
//
//	charset: utf-8
//	collections:
//	  - name: instances
//	    id: id
//	    version: "1.0"
//	    secret: [privateKey]
//	    fields: [id, publicKey, privateKey]
type config struct {
	Charset     string             `yaml:"charset,omitempty"`
	LockDir     string             `yaml:"lockDir,omitempty"`
	Collections []collectionConfig `yaml:"collections"`
}

type collectionConfig struct {
	Name    string `yaml:"name"`
	ID      string `yaml:"id,omitempty"`
	Version string `yaml:"version"`
	// Comparator is "dotted" (default) or "semver".
	Comparator string   `yaml:"comparator,omitempty"`
	Secret     []string `yaml:"secret,omitempty"`
	Fields     []string `yaml:"fields,omitempty"`
}

func loadConfig(path string) (*config, error) {
	b, err := os.ReadFile(path) //nolint:gosec // G304: path is a CLI flag
	if err != nil {
		return nil, err
	}
	d := yaml.NewDecoder(bytes.NewReader(b))
	d.KnownFields(true)
	cfg := &config{}
	if err := d.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	seen := map[string]bool{}
	for i := range cfg.Collections {
		cc := &cfg.Collections[i]
		if cc.Name == "" {
			return nil, fmt.Errorf("%s: collection #%d has no name", path, i+1)
		}
		if seen[cc.Name] {
			return nil, fmt.Errorf("%s: collection %q declared twice", path, cc.Name)
		}
		seen[cc.Name] = true
		if cc.Version == "" {
			return nil, fmt.Errorf("%s: collection %q has no version", path, cc.Name)
		}
	}
	return cfg, nil
}

// save writes cfg to path atomically.
func (cfg *config) save(path string) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, b, 0o644)
}

// registry registers every collection as a Record collection.
func (cfg *config) registry() (*entity.Registry, error) {
	r := entity.NewRegistry()
	for _, cc := range cfg.Collections {
		var opts []entity.Option
		switch strings.ToLower(cc.Comparator) {
		case "", "dotted":
		case "semver":
			opts = append(opts, entity.WithComparator(entity.SemverComparator))
		default:
			return nil, fmt.Errorf("collection %q: unknown comparator %q", cc.Name, cc.Comparator)
		}
		if _, err := r.RegisterRecord(cc.Name, cc.Version, cc.ID, cc.Fields, cc.Secret, opts...); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (cfg *config) collection(name string) *collectionConfig {
	for i := range cfg.Collections {
		if cfg.Collections[i].Name == name {
			return &cfg.Collections[i]
		}
	}
	return nil
}

// Mirror schema changes so the next run declares the same fields.

func (cc *collectionConfig) addField(name string, secret bool) {
	if len(cc.Fields) != 0 && !slices.Contains(cc.Fields, name) {
		cc.Fields = append(cc.Fields, name)
	}
	if secret && !slices.Contains(cc.Secret, name) {
		cc.Secret = append(cc.Secret, name)
	}
}

func (cc *collectionConfig) renameField(from, to string) {
	for _, l := range [][]string{cc.Fields, cc.Secret} {
		if i := slices.Index(l, from); i >= 0 {
			l[i] = to
		}
	}
}

func (cc *collectionConfig) deleteField(name string) {
	cc.Fields = slices.DeleteFunc(cc.Fields, func(s string) bool { return s == name })
	cc.Secret = slices.DeleteFunc(cc.Secret, func(s string) bool { return s == name })
}

const saltFile = ".jsondoc-salt"

// loadSalt reads the salt of dir, creating it on first use.
func loadSalt(dir string) ([]byte, error) {
	path := filepath.Join(dir, saltFile)
	b, err := os.ReadFile(path) //nolint:gosec // G304: path is built from the data directory
	if err == nil {
		salt, err := hex.DecodeString(strings.TrimSpace(string(b)))
		if err != nil {
			return nil, fmt.Errorf("invalid salt in %s: %w", path, err)
		}
		return salt, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	salt, err := fieldcrypto.NewSalt()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, err
	}
	if err := writeFileAtomic(path, []byte(hex.EncodeToString(salt)+"\n"), 0o600); err != nil {
		return nil, err
	}
	return salt, nil
}

func writeFileAtomic(path string, data []byte, mode fs.FileMode) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()
	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}
