// Package atomicfile reads and rewrites collection files.
//
// A collection file is text in a configured charset. The first line is the
// version record {"schemaVersion":"<version>"}, every following line is one
// encoded document. Reads and rewrites hold an advisory lock on a sidecar
// file. Rewrites go to a temporary file in the same directory which is then
// renamed over the target, so the file is always either the complete old
// version or the complete new one.
package atomicfile

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/maruel/jsondoc/dberr"
	"github.com/maruel/jsondoc/internal/flock"
)

// DefaultLockTimeout is how long a read or a rewrite waits for the sidecar
// lock before failing with a lock error.
const DefaultLockTimeout = 10 * time.Second

// LockDirName is the default sidecar directory, relative to the data file.
const LockDirName = ".locks"

// Ext is the extension of collection files.
const Ext = ".jsonl"

// Store reads and atomically rewrites collection files.
//
// The zero value uses UTF-8, mode 0o644 and a ".locks" directory next to each
// data file. A Store is safe for concurrent use but does not serialize access
// to the same file within a process; callers do that.
type Store struct {
	// LockDir holds the "<file>.lock" sidecars.
	LockDir string
	// Encoding is the on-disk charset. nil means UTF-8.
	Encoding encoding.Encoding
	// Mode is the permission of newly written files.
	Mode fs.FileMode
	// LockTimeout bounds the wait for a contended lock.
	LockTimeout time.Duration
	// Observe, when set, is called after every rewrite attempt.
	Observe func(kind, path string, lines int, elapsed time.Duration, err error)

	rename func(oldpath, newpath string) error
}

// LookupCharset resolves an IANA charset name. The empty string is UTF-8.
func LookupCharset(name string) (encoding.Encoding, error) {
	if name == "" {
		return unicode.UTF8, nil
	}
	e, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, dberr.Usage("unknown charset %q", name).Wrap(err)
	}
	if e == nil {
		return nil, dberr.Usage("unsupported charset %q", name)
	}
	return e, nil
}

// VersionLine returns the version record stamped on line 1.
func VersionLine(version string) []byte {
	b, _ := json.Marshal(versionRecord{SchemaVersion: &version})
	return b
}

type versionRecord struct {
	SchemaVersion *string `json:"schemaVersion"`
}

func parseVersion(line []byte) (string, error) {
	var v versionRecord
	if err := json.Unmarshal(line, &v); err != nil {
		return "", err
	}
	if v.SchemaVersion == nil {
		return "", errors.New("missing schemaVersion record")
	}
	return *v.SchemaVersion, nil
}

// LockPath returns the sidecar lock file guarding path.
func (s *Store) LockPath(path string) string {
	dir := s.LockDir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(path), LockDirName)
	}
	return filepath.Join(dir, filepath.Base(path)+".lock")
}

func (s *Store) isUTF8() bool {
	return s.Encoding == nil || s.Encoding == unicode.UTF8
}

func (s *Store) mode() fs.FileMode {
	if s.Mode == 0 {
		return 0o644
	}
	return s.Mode
}

func (s *Store) lock(path string, exclusive bool) (*flock.Lock, error) {
	timeout := s.LockTimeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	l, err := flock.Acquire(ctx, s.LockPath(path), exclusive)
	if err != nil {
		return nil, dberr.Lock(path, err)
	}
	return l, nil
}

// Reader streams the lines of a collection file while holding a shared lock.
type Reader struct {
	path    string
	f       *os.File
	lock    *flock.Lock
	dec     *bufio.Reader
	strict  bool
	version string
	line    int
	err     error
}

// Open locks path and reads its version record.
//
// The returned error wraps fs.ErrNotExist when the file is absent. The caller
// must Close the Reader.
func (s *Store) Open(path string) (*Reader, error) {
	l, err := s.lock(path, false)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		_ = l.Release()
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, dberr.IO("failed to open "+path, err)
	}
	r := &Reader{path: path, f: f, lock: l}
	if s.isUTF8() {
		r.dec = bufio.NewReader(transform.NewReader(f, encoding.UTF8Validator))
	} else {
		r.dec = bufio.NewReader(transform.NewReader(f, s.Encoding.NewDecoder()))
		r.strict = true
	}
	first, ok := r.next()
	if !ok {
		err := r.err
		if err == nil {
			err = dberr.Decode(path, 1, errors.New("missing schemaVersion record"))
		}
		return nil, errors.Join(err, r.Close())
	}
	if r.version, err = parseVersion(first); err != nil {
		return nil, errors.Join(dberr.Decode(path, r.line, err), r.Close())
	}
	return r, nil
}

// Version returns the schema version stamped on line 1.
func (r *Reader) Version() string {
	return r.version
}

// Lines yields the 1-based line number and content of every non empty
// document line. The slice is only valid until the next iteration. On failure
// iteration stops and Err reports the cause.
func (r *Reader) Lines() iter.Seq2[int, []byte] {
	return func(yield func(int, []byte) bool) {
		for {
			b, ok := r.next()
			if !ok || !yield(r.line, b) {
				return
			}
		}
	}
}

// Err returns the error that stopped Lines, if any.
func (r *Reader) Err() error {
	return r.err
}

// next returns the next non empty line.
func (r *Reader) next() ([]byte, bool) {
	if r.err != nil || r.dec == nil {
		return nil, false
	}
	for {
		b, err := r.dec.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			r.err = dberr.Decode(r.path, r.line+1, err)
			return nil, false
		}
		if len(b) != 0 {
			r.line++
		}
		b = bytes.TrimRight(b, "\r\n")
		if len(b) != 0 {
			if r.strict && bytes.ContainsRune(b, utf8.RuneError) {
				r.err = dberr.Decode(r.path, r.line, errors.New("unmappable character in input"))
				return nil, false
			}
			return b, true
		}
		if err != nil {
			return nil, false
		}
	}
}

// Close releases the decoder, then the lock, then the file handle.
func (r *Reader) Close() error {
	r.dec = nil
	var errs []error
	if r.lock != nil {
		if err := r.lock.Release(); err != nil {
			errs = append(errs, dberr.Lock(r.path, err))
		}
		r.lock = nil
	}
	if r.f != nil {
		if err := r.f.Close(); err != nil {
			errs = append(errs, dberr.IO("failed to close "+r.path, err))
		}
		r.f = nil
	}
	return errors.Join(errs...)
}

// ReadAll returns the version and every document line of path.
func (s *Store) ReadAll(path string) (string, [][]byte, error) {
	r, err := s.Open(path)
	if err != nil {
		return "", nil, err
	}
	var lines [][]byte
	for _, b := range r.Lines() {
		lines = append(lines, bytes.Clone(b))
	}
	err = r.Err()
	return r.version, lines, errors.Join(err, r.Close())
}

// WriteLines atomically replaces path with the version record followed by
// lines.
func (s *Store) WriteLines(path, version string, lines [][]byte) error {
	return s.write("full", path, version, lines)
}

func (s *Store) write(kind, path, version string, lines [][]byte) (err error) {
	start := time.Now()
	if s.Observe != nil {
		defer func() { s.Observe(kind, path, len(lines), time.Since(start), err) }()
	}
	for i, l := range lines {
		if bytes.ContainsAny(l, "\r\n") {
			return dberr.Usage("line %d for %s contains a newline", i+2, path)
		}
	}
	l, err := s.lock(path, true)
	if err != nil {
		return err
	}
	defer func() {
		if err2 := l.Release(); err2 != nil && err == nil {
			err = dberr.Lock(path, err2)
		}
	}()
	return s.writeLocked(path, version, lines)
}

func (s *Store) writeLocked(path, version string, lines [][]byte) error {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return dberr.IO("failed to create temp file for "+path, err)
	}
	tmpPath := tmp.Name()
	abandon := func(msg string, err error) error {
		_ = tmp.Close()
		return dberr.IO(msg, errors.Join(err, os.Remove(tmpPath)))
	}
	if err := tmp.Chmod(s.mode()); err != nil && !errors.Is(err, errors.ErrUnsupported) {
		return abandon("failed to set mode of "+tmpPath, err)
	}
	var w io.Writer = tmp
	var tw *transform.Writer
	if !s.isUTF8() {
		tw = transform.NewWriter(tmp, s.Encoding.NewEncoder())
		w = tw
	}
	bw := bufio.NewWriter(w)
	_, _ = bw.Write(VersionLine(version))
	_ = bw.WriteByte('\n')
	for _, l := range lines {
		_, _ = bw.Write(l)
		if err := bw.WriteByte('\n'); err != nil {
			break
		}
	}
	if err := bw.Flush(); err != nil {
		return abandon("failed to write "+tmpPath, err)
	}
	if tw != nil {
		if err := tw.Close(); err != nil {
			return abandon("failed to encode "+tmpPath, err)
		}
	}
	if err := tmp.Sync(); err != nil {
		return abandon("failed to sync "+tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return dberr.IO("failed to close "+tmpPath, errors.Join(err, os.Remove(tmpPath)))
	}
	rename := s.rename
	if rename == nil {
		rename = os.Rename
	}
	if err := rename(tmpPath, path); err != nil {
		return dberr.IO("failed to rename "+tmpPath, errors.Join(err, os.Remove(tmpPath)))
	}
	return nil
}

// CreateEmpty creates path holding only the version record. It fails with
// fs.ErrExist if path already exists. When the stamp cannot be written the
// just created file is removed.
func (s *Store) CreateEmpty(path, version string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, s.mode())
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return err
		}
		return dberr.IO("failed to create "+path, err)
	}
	if err := f.Close(); err != nil {
		return dberr.IO("failed to create "+path, errors.Join(err, os.Remove(path)))
	}
	if err := s.write("create", path, version, nil); err != nil {
		if err2 := os.Remove(path); err2 != nil && !errors.Is(err2, fs.ErrNotExist) {
			return errors.Join(err, err2)
		}
		return err
	}
	return nil
}

// Remove deletes path under the exclusive lock. The sidecar is kept.
func (s *Store) Remove(path string) error {
	l, err := s.lock(path, true)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if err2 := l.Release(); err2 != nil && err == nil {
		return dberr.Lock(path, err2)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return dberr.IO("failed to remove "+path, err)
	}
	return err
}

// IsTemp reports whether name is a temporary file left by a rewrite.
func IsTemp(name string) bool {
	name = filepath.Base(name)
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".tmp")
}

