// Package output persists encoded images.
package output

import (
	"context"
	"os"
	"path/filepath"

	"skyplate/internal/errors"
)

// Writer persists encoded bytes under a path.
type Writer interface {
	Write(ctx context.Context, path string, data []byte) error
}

// FileWriter writes files atomically: bytes go to a temporary file in the
// destination directory which is then renamed over path.
type FileWriter struct {
	Perm os.FileMode
}

// NewFileWriter returns a FileWriter producing 0644 files.
func NewFileWriter() *FileWriter {
	return &FileWriter{Perm: 0o644}
}

// Write stores data at path. Every failure is classified as errors.ErrIO.
func (w *FileWriter) Write(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.MarkIO(errors.Wrapf(err, "write %s", path))
	}
	if path == "" {
		return errors.MarkIO(errors.New("output path is empty"))
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.MarkIO(errors.Wrapf(err, "create output directory %s", dir))
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.MarkIO(errors.Wrapf(err, "create temp file for %s", path))
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return errors.MarkIO(errors.Wrapf(err, "write %s", path))
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.MarkIO(errors.Wrapf(err, "close %s", path))
	}

	perm := w.Perm
	if perm == 0 {
		perm = 0o644
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return errors.MarkIO(errors.Wrapf(err, "chmod %s", path))
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return errors.MarkIO(errors.Wrapf(err, "rename into %s", path))
	}
	return nil
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, path string, data []byte) error

func (f WriterFunc) Write(ctx context.Context, path string, data []byte) error {
	return f(ctx, path, data)
}
