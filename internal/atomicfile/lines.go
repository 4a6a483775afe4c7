package atomicfile

import (
	"maps"
	"slices"

	"github.com/maruel/jsondoc/dberr"
)

// Line is one encoded document and its primary key.
type Line struct {
	Key  string
	Data []byte
}

// Lines is the ordered set of encoded documents of a collection file, keyed
// by primary key.
//
// Projections never modify their input; they return a new Lines that callers
// install only once the rewrite succeeded.
type Lines struct {
	keys []string
	data map[string][]byte
}

// NewLines returns an empty set.
func NewLines() *Lines {
	return &Lines{data: map[string][]byte{}}
}

// Put sets the line for key. A new key goes last; an existing key keeps its
// position, so when loading a file with duplicate keys the last line wins.
func (l *Lines) Put(key string, data []byte) {
	if _, ok := l.data[key]; !ok {
		l.keys = append(l.keys, key)
	}
	l.data[key] = data
}

// Len returns the number of lines.
func (l *Lines) Len() int {
	return len(l.keys)
}

// Keys returns the keys in file order. The slice must not be modified.
func (l *Lines) Keys() []string {
	return l.keys
}

// Get returns the line for key.
func (l *Lines) Get(key string) ([]byte, bool) {
	b, ok := l.data[key]
	return b, ok
}

// Has reports whether key is present.
func (l *Lines) Has(key string) bool {
	_, ok := l.data[key]
	return ok
}

// Bytes returns the lines in file order.
func (l *Lines) Bytes() [][]byte {
	out := make([][]byte, len(l.keys))
	for i, k := range l.keys {
		out[i] = l.data[k]
	}
	return out
}

func (l *Lines) clone(extra int) *Lines {
	n := &Lines{
		keys: make([]string, len(l.keys), len(l.keys)+extra),
		data: make(map[string][]byte, len(l.data)+extra),
	}
	copy(n.keys, l.keys)
	maps.Copy(n.data, l.data)
	return n
}

// AppendOne rewrites path with line added at the end.
func (s *Store) AppendOne(path, version string, prior *Lines, line Line) (*Lines, error) {
	return s.AppendMany(path, version, prior, []Line{line})
}

// AppendMany rewrites path with lines added at the end, in order. Keys must
// be new and distinct.
func (s *Store) AppendMany(path, version string, prior *Lines, lines []Line) (*Lines, error) {
	n := prior.clone(len(lines))
	for _, ln := range lines {
		if n.Has(ln.Key) {
			return nil, dberr.Conflict("key %q already exists", ln.Key).WithDetail("key", ln.Key)
		}
		n.Put(ln.Key, ln.Data)
	}
	if err := s.commit("append", path, version, n); err != nil {
		return nil, err
	}
	return n, nil
}

// ReplaceOne rewrites path substituting the line of an existing key.
func (s *Store) ReplaceOne(path, version string, prior *Lines, line Line) (*Lines, error) {
	return s.ReplaceMany(path, version, prior, []Line{line})
}

// ReplaceMany rewrites path substituting the lines of existing keys, in
// place.
func (s *Store) ReplaceMany(path, version string, prior *Lines, lines []Line) (*Lines, error) {
	n := prior.clone(0)
	for _, ln := range lines {
		if !n.Has(ln.Key) {
			return nil, dberr.NotFound("key " + ln.Key).WithDetail("key", ln.Key)
		}
		n.data[ln.Key] = ln.Data
	}
	if err := s.commit("replace", path, version, n); err != nil {
		return nil, err
	}
	return n, nil
}

// ReplaceAll rewrites path substituting every key present in m. Keys of m
// absent from prior are ignored.
func (s *Store) ReplaceAll(path, version string, prior *Lines, m map[string][]byte) (*Lines, error) {
	n := prior.clone(0)
	for k, b := range m {
		if n.Has(k) {
			n.data[k] = b
		}
	}
	if err := s.commit("replace_all", path, version, n); err != nil {
		return nil, err
	}
	return n, nil
}

// RemoveOne rewrites path without key. It reports whether key was present;
// when it was not, the file is not touched.
func (s *Store) RemoveOne(path, version string, prior *Lines, key string) (*Lines, bool, error) {
	n, removed, err := s.RemoveMany(path, version, prior, []string{key})
	return n, len(removed) == 1, err
}

// RemoveMany rewrites path without keys. It returns the keys that were
// present and removed. When none were present, the file is not touched.
func (s *Store) RemoveMany(path, version string, prior *Lines, keys []string) (*Lines, []string, error) {
	var removed []string
	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		if prior.Has(k) && !drop[k] {
			drop[k] = true
			removed = append(removed, k)
		}
	}
	if len(removed) == 0 {
		return prior, nil, nil
	}
	n := &Lines{
		keys: slices.DeleteFunc(slices.Clone(prior.keys), func(k string) bool { return drop[k] }),
		data: make(map[string][]byte, len(prior.data)-len(removed)),
	}
	for _, k := range n.keys {
		n.data[k] = prior.data[k]
	}
	if err := s.commit("remove", path, version, n); err != nil {
		return nil, nil, err
	}
	return n, removed, nil
}

// Rewrite rewrites path with exactly the lines of l.
func (s *Store) Rewrite(path, version string, l *Lines) error {
	return s.commit("full", path, version, l)
}

func (s *Store) commit(kind, path, version string, l *Lines) error {
	return s.write(kind, path, version, l.Bytes())
}
