package stream

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// File is one payload queued for upload.
type File struct {
	Name   string
	Size   int64
	Source io.ReaderAt

	closer io.Closer
}

// Open opens the file at path for upload. The caller closes it once the upload is done or abandoned;
// the same File may be queued again after an abandoned session.
func Open(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, errors.Wrapf(err, "open %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return File{}, errors.Wrapf(err, "stat %s", path)
	}
	if info.IsDir() {
		_ = f.Close()
		return File{}, errors.Errorf("%s is a directory", path)
	}
	return File{
		Name:   filepath.Base(path),
		Size:   info.Size(),
		Source: f,
		closer: f,
	}, nil
}

// Bytes wraps an in-memory payload
func Bytes(name string, b []byte) File {
	return File{Name: name, Size: int64(len(b)), Source: bytes.NewReader(b)}
}

// Close releases the source opened by Open. It is a no-op for other files.
func (f File) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
