package fs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
)

// LocalConfig is the storage configuration for the local file system backend.
type LocalConfig struct {
	DataDir string `toml:"data_dir"`
}

// Local stores artifacts under a root data directory and can serve them over
// HTTP.
type Local struct {
	rootDir string
}

var (
	_ Storage = (*Local)(nil)
	_ Opener  = (*Local)(nil)
)

func NewLocal(rootDir string) (*Local, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &Local{rootDir: rootDir}, nil
}

func (l *Local) Open(name string) (http.File, error) {
	return os.Open(filepath.Join(l.rootDir, name))
}

func (l *Local) Delete(_ context.Context, name string) error {
	path := filepath.Join(l.rootDir, name)
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete file %s: %w", path, err)
	}
	return nil
}

// Create streams the reader to a temp file next to the destination, then
// renames it in place so readers never observe a partial artifact.
func (l *Local) Create(_ context.Context, name string, reader io.Reader) (int64, error) {
	path := filepath.Join(l.rootDir, name)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to mkdir %s: %w", filepath.Dir(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	written, err := io.Copy(tmp, reader)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to copy data: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to finalize file: %w", err)
	}

	slog.Debug("created file", "path", path, "bytes", written)
	return written, nil
}

func (l *Local) Size(_ context.Context, name string) (int64, error) {
	stat, err := os.Stat(filepath.Join(l.rootDir, name))
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}
