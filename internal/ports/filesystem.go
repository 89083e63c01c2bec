package ports

import (
	"io"
	"io/fs"
)

// FileHandle is an open file that is written sequentially.
type FileHandle interface {
	io.WriteCloser

	// Name returns the path the file was opened with.
	Name() string
}

// FileSystem abstracts the file operations used by config and recording.
type FileSystem interface {
	// ReadFile reads the named file and returns its contents.
	ReadFile(name string) ([]byte, error)

	// WriteFile writes data to the named file, creating it if necessary.
	WriteFile(name string, data []byte, perm fs.FileMode) error

	// MkdirAll creates a directory and all parent directories.
	MkdirAll(path string, perm fs.FileMode) error

	// OpenFile opens a file for writing with os.OpenFile flag semantics.
	OpenFile(name string, flag int, perm fs.FileMode) (FileHandle, error)

	// Remove removes the named file or empty directory.
	Remove(name string) error
}
