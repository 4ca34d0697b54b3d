// Package tmp has a temporary file implementation for the rest of the
// module.
package tmp

import "os"

// File wraps an *os.File and also removes the file from the filesystem when
// it's closed.
type File struct {
	*os.File
}

// NewFile creates a temporary file the way os.CreateTemp does.
func NewFile(dir, pattern string) (*File, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	return &File{f}, nil
}

// Close closes the file handle and removes the file from the filesystem.
func (t *File) Close() error {
	if err := t.File.Close(); err != nil {
		return err
	}
	return os.Remove(t.File.Name())
}
