package fsutil

import (
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"testing"
)

func TestOSFileSystem(t *testing.T) {
	fsys := OSFileSystem{}
	dir := filepath.Join(t.TempDir(), "a", "b")

	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if !fsys.Exists(dir) {
		t.Errorf("expected %s to exist", dir)
	}

	name := filepath.Join(dir, "roads.geojson")
	if err := fsys.WriteFile(name, []byte(`{"type":"FeatureCollection"}`), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	data, err := fsys.ReadFile(name)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != `{"type":"FeatureCollection"}` {
		t.Errorf("ReadFile = %q", data)
	}

	f, err := fsys.Open(name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()
	if b, _ := io.ReadAll(f); len(b) != len(data) {
		t.Errorf("Open read %d bytes, want %d", len(b), len(data))
	}

	if fsys.Exists(filepath.Join(dir, "missing")) {
		t.Error("expected missing file to not exist")
	}
}

func TestMemoryFileSystem(t *testing.T) {
	m := NewMemoryFileSystem()

	if err := m.MkdirAll("/out/tm", 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	for _, d := range []string{"/out/tm", "/out", "/"} {
		if !m.Exists(d) {
			t.Errorf("expected dir %s to exist", d)
		}
	}

	src := []byte("hello")
	if err := m.WriteFile("/out/tm/../tm/a.txt", src, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	src[0] = 'j'

	data, err := m.ReadFile("/out/tm/a.txt")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("stored data aliases caller buffer: %q", data)
	}
	data[0] = 'y'
	again, _ := m.ReadFile("/out/tm/a.txt")
	if string(again) != "hello" {
		t.Errorf("returned data aliases stored file: %q", again)
	}

	f, err := m.Open("/out/tm/a.txt")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if b, _ := io.ReadAll(f); string(b) != "hello" {
		t.Errorf("Open read %q", b)
	}
	f.Close()

	if got := m.Files(); len(got) != 1 || got[0] != "/out/tm/a.txt" {
		t.Errorf("Files() = %v", got)
	}
}

func TestMemoryFileSystemMissing(t *testing.T) {
	m := NewMemoryFileSystem()
	if _, err := m.ReadFile("/nope"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("ReadFile error = %v, want ErrNotExist", err)
	}
	if _, err := m.Open("/nope"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Open error = %v, want ErrNotExist", err)
	}
	if m.Exists("/nope") {
		t.Error("expected /nope to not exist")
	}
}
