// Package fsutil abstracts the file operations of the loaders and report
// writer so they can run against memory in tests.
package fsutil

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileSystem is the subset of file operations the CLI and report writer use.
type FileSystem interface {
	// Open opens the named file for reading.
	Open(name string) (io.ReadCloser, error)
	ReadFile(name string) ([]byte, error)
	// WriteFile creates or truncates the named file.
	WriteFile(name string, data []byte, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
	Exists(name string) bool
}

// OSFileSystem is the real filesystem.
type OSFileSystem struct{}

func (OSFileSystem) Open(name string) (io.ReadCloser, error) { return os.Open(name) }
func (OSFileSystem) ReadFile(name string) ([]byte, error)    { return os.ReadFile(name) }

func (OSFileSystem) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}

func (OSFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (OSFileSystem) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// MemoryFileSystem keeps files in memory. Paths are cleaned before use;
// writing a file does not require its directory to exist.
type MemoryFileSystem struct {
	mu    sync.RWMutex
	files map[string][]byte
	dirs  map[string]bool
}

// NewMemoryFileSystem returns an empty in-memory filesystem.
func NewMemoryFileSystem() *MemoryFileSystem {
	return &MemoryFileSystem{
		files: make(map[string][]byte),
		dirs:  make(map[string]bool),
	}
}

// Open returns a reader over a copy of the file.
func (m *MemoryFileSystem) Open(name string) (io.ReadCloser, error) {
	data, err := m.read("open", name)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// ReadFile returns a copy of the file.
func (m *MemoryFileSystem) ReadFile(name string) ([]byte, error) {
	return m.read("read", name)
}

func (m *MemoryFileSystem) read(op, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name = filepath.Clean(name)
	data, ok := m.files[name]
	if !ok {
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
	}
	return bytes.Clone(data), nil
}

// WriteFile stores a copy of data.
func (m *MemoryFileSystem) WriteFile(name string, data []byte, _ os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[filepath.Clean(name)] = bytes.Clone(data)
	return nil
}

// MkdirAll records path and its parents as directories.
func (m *MemoryFileSystem) MkdirAll(path string, _ os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := filepath.Clean(path); ; p = filepath.Dir(p) {
		m.dirs[p] = true
		if parent := filepath.Dir(p); parent == p {
			break
		}
	}
	return nil
}

// Exists reports whether name is a file or directory.
func (m *MemoryFileSystem) Exists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name = filepath.Clean(name)
	_, ok := m.files[name]
	return ok || m.dirs[name]
}

// Files lists every stored file path in order.
func (m *MemoryFileSystem) Files() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.files))
	for name := range m.files {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
