package atomicfile

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/maruel/jsondoc/dberr"
	"github.com/maruel/jsondoc/internal/flock"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	return &Store{LockDir: filepath.Join(dir, ".locks"), LockTimeout: 100 * time.Millisecond}, filepath.Join(dir, "instances.jsonl")
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func lines(keys ...string) (*Lines, []Line) {
	l := NewLines()
	var out []Line
	for _, k := range keys {
		ln := Line{Key: k, Data: []byte(`{"id":"` + k + `"}`)}
		l.Put(ln.Key, ln.Data)
		out = append(out, ln)
	}
	return l, out
}

func TestReadWrite(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		s, path := newStore(t)
		in := [][]byte{[]byte(`{"id":"01"}`), []byte(`{"id":"02","v":"é"}`)}
		if err := s.WriteLines(path, "1.0", in); err != nil {
			t.Fatal(err)
		}
		want := "{\"schemaVersion\":\"1.0\"}\n{\"id\":\"01\"}\n{\"id\":\"02\",\"v\":\"é\"}\n"
		if got := readFile(t, path); got != want {
			t.Errorf("file = %q, want %q", got, want)
		}
		version, got, err := s.ReadAll(path)
		if err != nil {
			t.Fatal(err)
		}
		if version != "1.0" {
			t.Errorf("version = %q", version)
		}
		if diff := cmp.Diff(in, got); diff != "" {
			t.Errorf("ReadAll() mismatch (-want +got):\n%s", diff)
		}
		if _, err := os.Stat(s.LockPath(path)); err != nil {
			t.Errorf("lock file: %v", err)
		}
	})

	t.Run("line numbers", func(t *testing.T) {
		s, path := newStore(t)
		content := "{\"schemaVersion\":\"2\"}\r\n\n{\"id\":\"a\"}\r\n\n{\"id\":\"b\"}"
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		r, err := s.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		var nums []int
		var docs []string
		for n, b := range r.Lines() {
			nums = append(nums, n)
			docs = append(docs, string(b))
		}
		if err := r.Err(); err != nil {
			t.Fatal(err)
		}
		if err := r.Close(); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]int{3, 5}, nums); diff != "" {
			t.Errorf("line numbers mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{`{"id":"a"}`, `{"id":"b"}`}, docs); diff != "" {
			t.Errorf("lines mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("errors", func(t *testing.T) {
		tests := []struct {
			name    string
			content string
			code    dberr.Code
			line    int
		}{
			{"empty", "", dberr.CodeDecode, 1},
			{"no version", "{\"id\":\"a\"}\n", dberr.CodeDecode, 1},
			{"bad version", "not json\n", dberr.CodeDecode, 1},
			{"invalid utf-8", "{\"schemaVersion\":\"1\"}\n{\"id\":\"\xff\"}\n", dberr.CodeDecode, 2},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				s, path := newStore(t)
				if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
					t.Fatal(err)
				}
				_, _, err := s.ReadAll(path)
				if !dberr.Is(err, tt.code) {
					t.Fatalf("ReadAll() = %v, want code %s", err, tt.code)
				}
				var e *dberr.Error
				if errors.As(err, &e) && e.Details()["line"] != tt.line {
					t.Errorf("line = %v, want %d", e.Details()["line"], tt.line)
				}
				// The lock must have been released.
				l, err := flock.TryAcquire(s.LockPath(path), true)
				if err != nil {
					t.Fatalf("lock still held: %v", err)
				}
				_ = l.Release()
			})
		}
	})

	t.Run("missing", func(t *testing.T) {
		s, path := newStore(t)
		if _, err := s.Open(path); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("Open() = %v, want fs.ErrNotExist", err)
		}
	})

	t.Run("newline in line", func(t *testing.T) {
		s, path := newStore(t)
		if err := s.WriteLines(path, "1", [][]byte{[]byte("a\nb")}); !dberr.IsUsage(err) {
			t.Errorf("WriteLines() = %v", err)
		}
		if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("file was written: %v", err)
		}
	})
}

func TestCharset(t *testing.T) {
	enc, err := LookupCharset("ISO-8859-1")
	if err != nil {
		t.Fatal(err)
	}
	s, path := newStore(t)
	s.Encoding = enc
	if err := s.WriteLines(path, "1", [][]byte{[]byte(`{"v":"café"}`)}); err != nil {
		t.Fatal(err)
	}
	raw := readFile(t, path)
	if !strings.Contains(raw, "caf\xe9") {
		t.Errorf("file = %q, want latin-1 bytes", raw)
	}
	_, got, err := s.ReadAll(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got[0]) != `{"v":"café"}` {
		t.Errorf("ReadAll() = %q", got[0])
	}

	t.Run("unmappable", func(t *testing.T) {
		err := s.WriteLines(path, "2", [][]byte{[]byte(`{"v":"日本"}`)})
		if !dberr.Is(err, dberr.CodeIO) {
			t.Errorf("WriteLines() = %v", err)
		}
		if got := readFile(t, path); got != raw {
			t.Errorf("file changed after a failed rewrite: %q", got)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if _, err := LookupCharset("klingon"); !dberr.IsUsage(err) {
			t.Errorf("LookupCharset() = %v", err)
		}
		if e, err := LookupCharset(""); err != nil || e == nil {
			t.Errorf("LookupCharset(\"\") = %v, %v", e, err)
		}
	})
}

func TestAtomicity(t *testing.T) {
	s, path := newStore(t)
	prior, _ := lines("01", "02", "03")
	if err := s.Rewrite(path, "1.0", prior); err != nil {
		t.Fatal(err)
	}
	before := readFile(t, path)

	boom := errors.New("power cut")
	s.rename = func(string, string) error { return boom }
	_, extra := lines("04")
	if _, err := s.AppendMany(path, "1.0", prior, extra); !errors.Is(err, boom) || !dberr.Is(err, dberr.CodeIO) {
		t.Fatalf("AppendMany() = %v", err)
	}
	if got := readFile(t, path); got != before {
		t.Errorf("file changed after a failed rename:\n%s", got)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if IsTemp(e.Name()) {
			t.Errorf("temp file %s left behind", e.Name())
		}
	}
	if prior.Len() != 3 {
		t.Errorf("prior was modified: %v", prior.Keys())
	}
}

func TestLock(t *testing.T) {
	s, path := newStore(t)
	if err := s.CreateEmpty(path, "1"); err != nil {
		t.Fatal(err)
	}
	l, err := flock.TryAcquire(s.LockPath(path), true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Open(path); !dberr.Is(err, dberr.CodeLock) {
		t.Errorf("Open() = %v, want a lock error", err)
	}
	if err := s.WriteLines(path, "1", nil); !dberr.Is(err, dberr.CodeLock) {
		t.Errorf("WriteLines() = %v, want a lock error", err)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	r, err := s.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	// A reader blocks writers.
	if err := s.WriteLines(path, "1", nil); !dberr.Is(err, dberr.CodeLock) {
		t.Errorf("WriteLines() while reading = %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateRemove(t *testing.T) {
	s, path := newStore(t)
	if err := s.CreateEmpty(path, "1.0"); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, path); got != "{\"schemaVersion\":\"1.0\"}\n" {
		t.Errorf("file = %q", got)
	}
	if err := s.CreateEmpty(path, "1.0"); !errors.Is(err, fs.ErrExist) {
		t.Errorf("second CreateEmpty() = %v", err)
	}
	if err := s.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(path); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("second Remove() = %v", err)
	}
	if _, err := os.Stat(s.LockPath(path)); err != nil {
		t.Errorf("lock file removed: %v", err)
	}

	t.Run("stamp failure", func(t *testing.T) {
		s, path := newStore(t)
		s.rename = func(string, string) error { return errors.New("disk full") }
		if err := s.CreateEmpty(path, "1.0"); !dberr.Is(err, dberr.CodeIO) {
			t.Errorf("CreateEmpty() = %v", err)
		}
		if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("file kept after failed stamp: %v", err)
		}
	})
}

func TestProjections(t *testing.T) {
	s, path := newStore(t)
	var kinds []string
	s.Observe = func(kind, _ string, _ int, _ time.Duration, err error) {
		if err == nil {
			kinds = append(kinds, kind)
		}
	}
	l, _ := lines("01", "02", "03")
	if err := s.Rewrite(path, "1", l); err != nil {
		t.Fatal(err)
	}
	check := func(t *testing.T, l *Lines, want ...string) {
		t.Helper()
		if diff := cmp.Diff(want, l.Keys()); diff != "" {
			t.Errorf("keys mismatch (-want +got):\n%s", diff)
		}
		_, got, err := s.ReadAll(path)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(l.Bytes(), got); diff != "" {
			t.Errorf("file mismatch (-want +got):\n%s", diff)
		}
	}

	var err error
	t.Run("append", func(t *testing.T) {
		if l, err = s.AppendOne(path, "1", l, Line{Key: "04", Data: []byte(`{"id":"04"}`)}); err != nil {
			t.Fatal(err)
		}
		check(t, l, "01", "02", "03", "04")
		_, more := lines("05", "06")
		if l, err = s.AppendMany(path, "1", l, more); err != nil {
			t.Fatal(err)
		}
		check(t, l, "01", "02", "03", "04", "05", "06")
		_, dup := lines("07", "07")
		if _, err := s.AppendMany(path, "1", l, dup); !dberr.Is(err, dberr.CodeConflict) {
			t.Errorf("AppendMany() duplicate = %v", err)
		}
		_, existing := lines("01")
		if _, err := s.AppendMany(path, "1", l, existing); !dberr.Is(err, dberr.CodeConflict) {
			t.Errorf("AppendMany() existing = %v", err)
		}
	})

	t.Run("replace", func(t *testing.T) {
		if l, err = s.ReplaceOne(path, "1", l, Line{Key: "02", Data: []byte(`{"id":"02","x":1}`)}); err != nil {
			t.Fatal(err)
		}
		check(t, l, "01", "02", "03", "04", "05", "06")
		if b, _ := l.Get("02"); string(b) != `{"id":"02","x":1}` {
			t.Errorf("02 = %s", b)
		}
		if _, err := s.ReplaceOne(path, "1", l, Line{Key: "zz"}); !dberr.Is(err, dberr.CodeNotFound) {
			t.Errorf("ReplaceOne() missing = %v", err)
		}
		m := map[string][]byte{"01": []byte(`{"id":"01","x":2}`), "zz": []byte(`{}`)}
		if l, err = s.ReplaceAll(path, "1", l, m); err != nil {
			t.Fatal(err)
		}
		check(t, l, "01", "02", "03", "04", "05", "06")
	})

	t.Run("remove", func(t *testing.T) {
		var ok bool
		if l, ok, err = s.RemoveOne(path, "1", l, "03"); err != nil || !ok {
			t.Fatalf("RemoveOne() = %v, %v", ok, err)
		}
		check(t, l, "01", "02", "04", "05", "06")
		var removed []string
		if l, removed, err = s.RemoveMany(path, "1", l, []string{"06", "zz", "01", "06"}); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"06", "01"}, removed); diff != "" {
			t.Errorf("removed mismatch (-want +got):\n%s", diff)
		}
		check(t, l, "02", "04", "05")
		before := len(kinds)
		if _, removed, err = s.RemoveMany(path, "1", l, []string{"zz"}); err != nil || removed != nil {
			t.Errorf("RemoveMany() of missing = %v, %v", removed, err)
		}
		if len(kinds) != before {
			t.Error("RemoveMany() of missing keys rewrote the file")
		}
	})

	want := []string{"full", "append", "append", "replace", "replace_all", "remove", "remove"}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("rewrite kinds mismatch (-want +got):\n%s", diff)
	}
}
