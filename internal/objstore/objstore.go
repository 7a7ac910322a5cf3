// Package objstore is the object store used for raw batches, Silver
// snapshots and watermark state. Objects written with Put are immutable;
// state objects are updated through versioned compare-and-swap.
package objstore

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
)

// Version identifies one revision of a versioned object. NoVersion means
// "the object must not exist yet".
type Version int64

// NoVersion is the expected version when creating a state object.
const NoVersion Version = 0

var (
	// ErrExists is returned by Put when the key is already present.
	ErrExists = eris.New("objstore: object already exists")
	// ErrNotFound is returned when the key is absent.
	ErrNotFound = eris.New("objstore: object not found")
	// ErrVersionConflict is returned by CompareAndSwap when the stored
	// version differs from the expected one.
	ErrVersionConflict = eris.New("objstore: version conflict")
)

// Object is a versioned object and the revision it was read at.
type Object struct {
	Data    []byte
	Version Version
}

// Store is implemented by every driver.
type Store interface {
	// Put writes data under key only if key is absent. The object becomes
	// visible in full or not at all.
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the bytes stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns every key starting with prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	// GetVersioned returns a state object with its current version.
	GetVersioned(ctx context.Context, key string) (*Object, error)
	// CompareAndSwap replaces a state object if its stored version equals
	// expected, returning the new version.
	CompareAndSwap(ctx context.Context, key string, data []byte, expected Version) (Version, error)
	// Close releases driver resources.
	Close() error
}

// ValidateKey rejects keys that could escape a namespace.
func ValidateKey(key string) error {
	if key == "" {
		return eris.New("objstore: empty key")
	}
	if key[0] == '/' {
		return eris.Errorf("objstore: key %q must be relative", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return eris.Errorf("objstore: invalid key %q", key)
		}
		if part[0] == '.' {
			return eris.Errorf("objstore: key segment %q may not start with a dot", part)
		}
	}
	return nil
}
