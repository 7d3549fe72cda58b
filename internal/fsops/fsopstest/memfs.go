// Package fsopstest provides an in-memory fsops.FS with failure injection
// for tests.
package fsopstest

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/danieljhkim/plugkit/internal/fsops"
)

// MemFS is an in-memory fsops.FS. Directories are implicit.
type MemFS struct {
	mu         sync.Mutex
	files      map[string][]byte
	modes      map[string]os.FileMode
	failWrite  map[string]error
	failRemove map[string]error

	// Writes lists every successful AtomicWrite path in call order.
	Writes []string

	// Removes lists every successful Remove path in call order.
	Removes []string
}

var _ fsops.FS = (*MemFS)(nil)

// NewMemFS creates an empty MemFS.
func NewMemFS() *MemFS {
	return &MemFS{
		files:      make(map[string][]byte),
		modes:      make(map[string]os.FileMode),
		failWrite:  make(map[string]error),
		failRemove: make(map[string]error),
	}
}

// SetFile seeds a file without recording a write.
func (m *MemFS) SetFile(path, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = filepath.Clean(path)
	m.files[path] = []byte(content)
	m.modes[path] = 0644
}

// File returns the content at path.
func (m *MemFS) File(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[filepath.Clean(path)]
	return string(data), ok
}

// Paths returns every file path, sorted.
func (m *MemFS) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.files))
	for p := range m.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// FailWrite makes every AtomicWrite to path fail with err. A nil err clears
// the failure.
func (m *MemFS) FailWrite(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failWrite, filepath.Clean(path))
		return
	}
	m.failWrite[filepath.Clean(path)] = err
}

// FailRemove makes every Remove of path fail with err.
func (m *MemFS) FailRemove(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failRemove[filepath.Clean(path)] = err
}

func (m *MemFS) Stat(path string) (os.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = filepath.Clean(path)
	data, ok := m.files[path]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: path, Err: fs.ErrNotExist}
	}
	return fileInfo{name: filepath.Base(path), size: int64(len(data)), mode: m.modes[path]}, nil
}

func (m *MemFS) MkdirAll(path string, perm os.FileMode) error {
	return nil
}

func (m *MemFS) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = filepath.Clean(path)
	if err, ok := m.failRemove[path]; ok {
		return &fs.PathError{Op: "remove", Path: path, Err: err}
	}
	if _, ok := m.files[path]; !ok {
		return &fs.PathError{Op: "remove", Path: path, Err: fs.ErrNotExist}
	}
	delete(m.files, path)
	delete(m.modes, path)
	m.Removes = append(m.Removes, path)
	return nil
}

func (m *MemFS) AtomicWrite(path string, data []byte, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = filepath.Clean(path)
	if err, ok := m.failWrite[path]; ok {
		return &fs.PathError{Op: "write", Path: path, Err: err}
	}
	if _, ok := m.modes[path]; !ok {
		m.modes[path] = perm
	}
	m.files[path] = append([]byte(nil), data...)
	m.Writes = append(m.Writes, path)
	return nil
}

func (m *MemFS) ReadFile(path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = filepath.Clean(path)
	data, ok := m.files[path]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	return append([]byte(nil), data...), nil
}

func (m *MemFS) Exists(path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[filepath.Clean(path)]
	return ok, nil
}

func (m *MemFS) ValidateRelPath(relPath string) error {
	return (&fsops.RealFS{}).ValidateRelPath(relPath)
}

func (m *MemFS) ValidateIdentifier(id string) error {
	return (&fsops.RealFS{}).ValidateIdentifier(id)
}

type fileInfo struct {
	name string
	size int64
	mode os.FileMode
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return fi.size }
func (fi fileInfo) Mode() os.FileMode  { return fi.mode }
func (fi fileInfo) ModTime() time.Time { return time.Time{} }
func (fi fileInfo) IsDir() bool        { return false }
func (fi fileInfo) Sys() any           { return nil }
