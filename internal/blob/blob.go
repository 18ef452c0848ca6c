// Package blob persists encrypted file content outside the metadata row.
// References are derived from the whisp id plus a sanitized display name,
// so a reference never escapes the configured storage root.
package blob

import (
	"context"
	"errors"
	"path"
	"strings"
)

var (
	ErrNotFound = errors.New("blob not found")
	ErrTooLarge = errors.New("blob exceeds maximum size")
	ErrWrite    = errors.New("blob write failed")
)

type Store interface {
	// Put stores data and returns an opaque reference. No partial blob
	// survives a failed Put.
	Put(ctx context.Context, id, name string, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	// Delete is idempotent; a missing blob is not an error.
	Delete(ctx context.Context, ref string) error
	Exists(ctx context.Context, ref string) (bool, error)
	Close() error
}

// SanitizeName strips path separators and parent-directory components from
// a client-supplied filename so it can be embedded in a blob reference.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "unnamed"
	}
	return name
}

func refFor(id, name string) string {
	return id + "_" + SanitizeName(name) + ".enc"
}
