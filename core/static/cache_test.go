package static

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFileCache_AcquireHitAndMiss(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.html")
	writeFile(t, path, "<h1>hi</h1>")

	fc := NewFileCache(4, nil)
	defer fc.Close()

	f, err := fc.Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	if f.Size() != 11 {
		t.Errorf("Expected size 11, got %d", f.Size())
	}
	if f.ContentType() != "text/html" {
		t.Errorf("Expected text/html, got %q", f.ContentType())
	}

	buf := make([]byte, 4)
	if n, err := f.ReadAt(buf, 1); err != nil || string(buf[:n]) != "h1>h" {
		t.Errorf("Unexpected ReadAt result %q (%v)", buf[:n], err)
	}

	g, err := fc.Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	if g != f {
		t.Error("Expected the cached file on the second acquire")
	}
	fc.Release(f)
	fc.Release(g)

	st := fc.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Entries != 1 {
		t.Errorf("Unexpected stats %+v", st)
	}
}

func TestFileCache_Errors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "sub", "a.txt"), "a")
	writeFile(t, filepath.Join(dir, "private.txt"), "p")
	if err := os.Chmod(filepath.Join(dir, "private.txt"), 0o044); err != nil {
		t.Fatal(err)
	}

	fc := NewFileCache(4, nil)
	defer fc.Close()

	tests := []struct {
		path string
		want error
	}{
		{filepath.Join(dir, "missing.html"), ErrNotFound},
		{filepath.Join(dir, "sub", "a.txt", "x"), ErrNotFound},
		{filepath.Join(dir, "sub"), ErrForbidden},
		{filepath.Join(dir, "private.txt"), ErrForbidden},
	}
	for _, tt := range tests {
		if _, err := fc.Acquire(tt.path); !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.path, tt.want, err)
		}
	}
	if fc.Len() != 0 {
		t.Errorf("Failed opens must not be cached, got %d entries", fc.Len())
	}
}

func TestFileCache_EvictionKeepsHeldFilesOpen(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	writeFile(t, a, "aaaa")
	writeFile(t, b, "bbbb")

	fc := NewFileCache(1, nil)
	defer fc.Close()

	fa, err := fc.Acquire(a)
	if err != nil {
		t.Fatal(err)
	}
	fb, err := fc.Acquire(b)
	if err != nil {
		t.Fatal(err)
	}
	defer fc.Release(fb)

	if fc.Len() != 1 || fc.Stats().Evictions != 1 {
		t.Fatalf("Expected one entry after eviction, got %+v", fc.Stats())
	}

	// Evicted but still held: reads keep working
	buf := make([]byte, 4)
	if _, err := fa.ReadAt(buf, 0); err != nil || string(buf) != "aaaa" {
		t.Errorf("Expected held file readable after eviction, got %q (%v)", buf, err)
	}

	fc.Release(fa)
	if _, err := fa.ReadAt(buf, 0); err == nil {
		t.Error("Expected evicted file closed after its last release")
	}
}

func TestFileCache_Invalidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	writeFile(t, path, "old")

	fc := NewFileCache(4, nil)
	defer fc.Close()

	f, err := fc.Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	fc.Release(f)

	writeFile(t, path, "newer")
	if !fc.Invalidate(path) {
		t.Fatal("Expected cached entry to be invalidated")
	}
	if fc.Invalidate(path) {
		t.Error("Expected second invalidate to find nothing")
	}

	g, err := fc.Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	defer fc.Release(g)
	if g.Size() != 5 {
		t.Errorf("Expected fresh size 5, got %d", g.Size())
	}
}

func TestFileCache_RevalidatesOnAcquire(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	writeFile(t, path, "old")

	fc := NewFileCache(4, nil)
	defer fc.Close()

	f, err := fc.Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	fc.Release(f)

	writeFile(t, path, "changed")
	g, err := fc.Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	if g == f || g.Size() != 7 {
		t.Errorf("Expected a reopened file of size 7, got size %d", g.Size())
	}
	fc.Release(g)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if _, err := fc.Acquire(path); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for a removed file, got %v", err)
	}

	st := fc.Stats()
	if st.Entries != 0 || st.Invalidations != 2 || st.Hits != 0 {
		t.Errorf("Unexpected stats %+v", st)
	}
}

func TestFileCache_WatchInvalidatesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	writeFile(t, path, "old")

	fc := NewFileCache(4, nil)
	defer fc.Close()
	if err := fc.Watch(dir); err != nil {
		t.Skipf("file watching unavailable: %v", err)
	}

	f, err := fc.Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	fc.Release(f)

	writeFile(t, path, "changed")

	deadline := time.Now().Add(5 * time.Second)
	for fc.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Expected the watcher to invalidate the changed file")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
