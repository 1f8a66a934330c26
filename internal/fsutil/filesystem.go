// Package fsutil provides filesystem abstractions for testability.
package fsutil

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileSystem is the set of filesystem operations the log writers need.
// Use OSFileSystem in production and MemoryFileSystem in tests.
type FileSystem interface {
	// CreateExclusive creates name for writing and fails if it exists.
	CreateExclusive(name string, perm os.FileMode) (io.WriteCloser, error)

	// Chmod changes the mode of the named file.
	Chmod(name string, mode os.FileMode) error

	// MkdirAll creates a directory and all necessary parents.
	MkdirAll(path string, perm os.FileMode) error

	// Exists reports whether a file or directory exists.
	Exists(name string) bool
}

// OSFileSystem implements FileSystem using the os package.
type OSFileSystem struct{}

func (OSFileSystem) CreateExclusive(name string, perm os.FileMode) (io.WriteCloser, error) {
	return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
}

func (OSFileSystem) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(name, mode)
}

func (OSFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (OSFileSystem) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// Faults makes MemoryFileSystem operations fail. A nil field means the
// operation succeeds.
type Faults struct {
	Create error
	Write  error
	Close  error
	Chmod  error
}

// MemoryFileSystem is an in-memory FileSystem. Writes are visible
// immediately, before the file is closed.
type MemoryFileSystem struct {
	mu     sync.RWMutex
	files  map[string]*memFile
	dirs   map[string]bool
	faults Faults
}

type memFile struct {
	data   []byte
	mode   os.FileMode
	closed bool
}

// NewMemoryFileSystem creates an empty in-memory filesystem.
func NewMemoryFileSystem() *MemoryFileSystem {
	return &MemoryFileSystem{
		files: make(map[string]*memFile),
		dirs:  make(map[string]bool),
	}
}

// SetFaults replaces the injected failures.
func (m *MemoryFileSystem) SetFaults(f Faults) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = f
}

func (m *MemoryFileSystem) CreateExclusive(name string, perm os.FileMode) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.faults.Create != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: m.faults.Create}
	}
	name = filepath.Clean(name)
	if _, ok := m.files[name]; ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrExist}
	}
	f := &memFile{mode: perm}
	m.files[name] = f
	return &memFileWriter{fs: m, name: name, file: f}, nil
}

func (m *MemoryFileSystem) Chmod(name string, mode os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.faults.Chmod != nil {
		return &fs.PathError{Op: "chmod", Path: name, Err: m.faults.Chmod}
	}
	f, ok := m.files[filepath.Clean(name)]
	if !ok {
		return &fs.PathError{Op: "chmod", Path: name, Err: fs.ErrNotExist}
	}
	f.mode = mode
	return nil
}

func (m *MemoryFileSystem) MkdirAll(path string, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path = filepath.Clean(path)
	m.dirs[path] = true
	for p := filepath.Dir(path); p != "." && p != "/" && p != path; p = filepath.Dir(p) {
		m.dirs[p] = true
	}
	return nil
}

func (m *MemoryFileSystem) Exists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name = filepath.Clean(name)
	if _, ok := m.files[name]; ok {
		return true
	}
	return m.dirs[name]
}

// ReadFile returns a copy of the named file's contents.
func (m *MemoryFileSystem) ReadFile(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[filepath.Clean(name)]
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: name, Err: fs.ErrNotExist}
	}
	out := make([]byte, len(f.data))
	copy(out, f.data)
	return out, nil
}

// Mode returns the permission bits of the named file.
func (m *MemoryFileSystem) Mode(name string) (os.FileMode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[filepath.Clean(name)]
	if !ok {
		return 0, false
	}
	return f.mode, true
}

// Files returns every file name in sorted order.
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

var errClosed = errors.New("file already closed")

type memFileWriter struct {
	fs   *MemoryFileSystem
	name string
	file *memFile
}

func (w *memFileWriter) Write(p []byte) (int, error) {
	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()

	if w.file.closed {
		return 0, &fs.PathError{Op: "write", Path: w.name, Err: errClosed}
	}
	if w.fs.faults.Write != nil {
		return 0, &fs.PathError{Op: "write", Path: w.name, Err: w.fs.faults.Write}
	}
	w.file.data = append(w.file.data, p...)
	return len(p), nil
}

func (w *memFileWriter) Close() error {
	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()

	if w.file.closed {
		return &fs.PathError{Op: "close", Path: w.name, Err: errClosed}
	}
	w.file.closed = true
	if w.fs.faults.Close != nil {
		return &fs.PathError{Op: "close", Path: w.name, Err: w.fs.faults.Close}
	}
	return nil
}
