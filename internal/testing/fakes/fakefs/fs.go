// Package fakefs provides an in-memory FileSystem implementation for testing.
package fakefs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/whit3rabbit/manus-open/internal/ports"
)

// FS is an in-memory filesystem for testing.
type FS struct {
	mu    sync.RWMutex
	files map[string]*fakeFile
	dirs  map[string]bool

	// FailOpen makes OpenFile return this error when set.
	FailOpen error
}

type fakeFile struct {
	data []byte
	mode fs.FileMode
}

// New creates a new in-memory filesystem.
func New() *FS {
	return &FS{
		files: make(map[string]*fakeFile),
		dirs:  map[string]bool{"/": true},
	}
}

// ReadFile reads the named file and returns its contents.
func (f *FS) ReadFile(name string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	file, ok := f.files[filepath.Clean(name)]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return append([]byte(nil), file.data...), nil
}

// WriteFile writes data to the named file, creating parent directories.
func (f *FS) WriteFile(name string, data []byte, perm fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	name = filepath.Clean(name)
	f.mkdirAllLocked(filepath.Dir(name))
	f.files[name] = &fakeFile{data: append([]byte(nil), data...), mode: perm}
	return nil
}

// MkdirAll creates a directory and all parent directories.
func (f *FS) MkdirAll(path string, perm fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirAllLocked(path)
	return nil
}

func (f *FS) mkdirAllLocked(path string) {
	path = filepath.Clean(path)
	for path != "/" && path != "." {
		f.dirs[path] = true
		path = filepath.Dir(path)
	}
}

// OpenFile supports O_CREATE, O_EXCL, O_TRUNC and O_APPEND for writing.
// The parent directory must exist.
func (f *FS) OpenFile(name string, flag int, perm fs.FileMode) (ports.FileHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailOpen != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: f.FailOpen}
	}

	name = filepath.Clean(name)
	if !f.dirs[filepath.Dir(name)] {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}

	file, exists := f.files[name]
	switch {
	case exists && flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0:
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrExist}
	case !exists && flag&os.O_CREATE == 0:
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	case !exists:
		file = &fakeFile{mode: perm}
		f.files[name] = file
	case flag&os.O_TRUNC != 0:
		file.data = nil
	}

	return &handle{fs: f, name: name, file: file}, nil
}

// Remove removes the named file or empty directory.
func (f *FS) Remove(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	name = filepath.Clean(name)
	if _, ok := f.files[name]; ok {
		delete(f.files, name)
		return nil
	}
	if f.dirs[name] {
		for p := range f.files {
			if strings.HasPrefix(p, name+"/") {
				return &fs.PathError{Op: "remove", Path: name, Err: errors.New("directory not empty")}
			}
		}
		delete(f.dirs, name)
		return nil
	}
	return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrNotExist}
}

// --- Test helpers ---

// AddFile adds a file to the fake filesystem.
func (f *FS) AddFile(name string, data []byte, mode fs.FileMode) {
	_ = f.WriteFile(name, data, mode)
}

// Files returns a sorted list of all file paths.
func (f *FS) Files() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	paths := make([]string, 0, len(f.files))
	for path := range f.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// IsDir reports whether path was created as a directory.
func (f *FS) IsDir(path string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dirs[filepath.Clean(path)]
}

// handle appends writes to a fakeFile.
type handle struct {
	fs     *FS
	name   string
	file   *fakeFile
	closed bool
}

func (h *handle) Write(p []byte) (int, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	if h.closed {
		return 0, fs.ErrClosed
	}
	h.file.data = append(h.file.data, p...)
	return len(p), nil
}

func (h *handle) Close() error {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	if h.closed {
		return fs.ErrClosed
	}
	h.closed = true
	return nil
}

func (h *handle) Name() string {
	return h.name
}

// Ensure FS implements ports.FileSystem.
var _ ports.FileSystem = (*FS)(nil)
