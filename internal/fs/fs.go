package fs

import (
	"context"
	"io"
	"net/http"
)

// Config is the [storage] configuration section.
type Config struct {
	// Type selects the backend: "local" or "s3".
	Type  string      `toml:"type"`
	Local LocalConfig `toml:"local"`
	S3    S3Config    `toml:"s3"`
}

// Storage abstracts where downloaded artifacts and feed documents live.
type Storage interface {
	// Create streams the reader to the given path and returns the number of
	// bytes written.
	Create(ctx context.Context, name string, reader io.Reader) (int64, error)

	// Delete removes the file. A missing file surfaces an error satisfying
	// os.IsNotExist so callers can treat deletion as idempotent.
	Delete(ctx context.Context, name string) error

	// Size returns the stored size in bytes, or an os.IsNotExist error.
	Size(ctx context.Context, name string) (int64, error)
}

// Opener is implemented by backends that can also serve files over HTTP.
type Opener interface {
	Open(name string) (http.File, error)
}
