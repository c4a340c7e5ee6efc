// Package fileio provides the absolute-offset read/write facade that the
// node and data allocators are built on. Every write is flushed before
// the call returns; file position is never relied on across calls. This
// is the single-threaded counterpart of the teacher's storage.Storage:
// concurrent access from multiple threads is a stated non-goal of the
// store built on top of it, so no mutex is carried here.
package fileio

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// File wraps a single on-disk file, opened for the lifetime of the
// store. A closed File must not be reused.
type File struct {
	f *os.File
}

// Open opens path for read/write, creating it (and its parent
// directories) if it does not already exist.
func Open(path string) (*File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "fileio: create directory for %s", path)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "fileio: open %s", path)
	}
	return &File{f: f}, nil
}

// Size returns the current file size in bytes.
func (fl *File) Size() (int64, error) {
	st, err := fl.f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "fileio: stat")
	}
	return st.Size(), nil
}

// ReadAt reads exactly n bytes starting at off.
func (fl *File) ReadAt(off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := fl.f.ReadAt(buf, off); err != nil {
		return nil, errors.Wrapf(err, "fileio: read %d bytes at %d", n, off)
	}
	return buf, nil
}

// WriteAt writes data at off and flushes before returning.
func (fl *File) WriteAt(off int64, data []byte) error {
	if _, err := fl.f.WriteAt(data, off); err != nil {
		return errors.Wrapf(err, "fileio: write %d bytes at %d", len(data), off)
	}
	return fl.flush()
}

// Append writes data at the current end of file and returns the offset
// it was written at. It flushes before returning.
func (fl *File) Append(data []byte) (int64, error) {
	off, err := fl.Size()
	if err != nil {
		return 0, err
	}
	if err := fl.WriteAt(off, data); err != nil {
		return 0, err
	}
	return off, nil
}

func (fl *File) flush() error {
	if err := fl.f.Sync(); err != nil {
		return errors.Wrap(err, "fileio: flush")
	}
	return nil
}

// Close closes the underlying file descriptor.
func (fl *File) Close() error {
	if err := fl.f.Close(); err != nil {
		return errors.Wrap(err, "fileio: close")
	}
	return nil
}
