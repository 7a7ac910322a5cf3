package objstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// versionsSuffix marks the directory holding the revisions of a state object.
const versionsSuffix = ".versions"

// FSStore stores objects as files under a root directory.
//
// Immutable objects are written to a hidden temp file and hard-linked into
// place, so the final name appears atomically and never overwrites. State
// objects live in "<key>.versions/" as one file per revision; a swap links the
// next revision number, which fails if a concurrent writer got there first.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, eris.New("objstore: fs root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrapf(err, "objstore: create root %s", root)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, eris.Wrap(err, "objstore: resolve root")
	}
	return &FSStore{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *FSStore) Root() string { return s.root }

func (s *FSStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put implements Store.
func (s *FSStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	final := s.path(key)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return eris.Wrapf(err, "objstore: mkdir for %s", key)
	}
	if err := linkNew(filepath.Dir(final), final, data); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return eris.Wrapf(ErrExists, "put %s", key)
		}
		return eris.Wrapf(err, "objstore: put %s", key)
	}
	return nil
}

// linkNew writes data to a temp file in dir and links it to final.
func linkNew(dir, final string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Link(tmp.Name(), final)
}

// Get implements Store.
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	switch {
	case err == nil:
		return data, nil
	case errors.Is(err, fs.ErrNotExist):
		obj, verr := s.GetVersioned(ctx, key)
		if verr != nil {
			return nil, verr
		}
		return obj.Data, nil
	default:
		return nil, eris.Wrapf(err, "objstore: get %s", key)
	}
}

// List implements Store.
func (s *FSStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := ""
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		base = prefix[:i]
	}
	start := filepath.Join(s.root, filepath.FromSlash(base))

	var keys []string
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if p == start {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if d.IsDir() {
			if strings.HasSuffix(name, versionsSuffix) {
				key = strings.TrimSuffix(key, versionsSuffix)
				if strings.HasPrefix(key, prefix) {
					keys = append(keys, key)
				}
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "objstore: list %s", prefix)
	}
	slices.Sort(keys)
	return slices.Compact(keys), nil
}

// GetVersioned implements Store.
func (s *FSStore) GetVersioned(ctx context.Context, key string) (*Object, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	dir := s.path(key) + versionsSuffix
	// A concurrent swap may prune the revision between listing and reading.
	for range 3 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := latestVersion(dir)
		if err != nil {
			return nil, eris.Wrapf(err, "objstore: versions of %s", key)
		}
		if v == NoVersion {
			return nil, eris.Wrapf(ErrNotFound, "get %s", key)
		}
		data, err := os.ReadFile(filepath.Join(dir, versionName(v)))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "objstore: read %s@%d", key, v)
		}
		return &Object{Data: data, Version: v}, nil
	}
	return nil, eris.Wrapf(ErrVersionConflict, "get %s: revisions churned during read", key)
}

// CompareAndSwap implements Store.
func (s *FSStore) CompareAndSwap(ctx context.Context, key string, data []byte, expected Version) (Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if _, err := os.Stat(s.path(key)); err == nil {
		return 0, eris.Wrapf(ErrVersionConflict, "cas %s: key holds an immutable object", key)
	}

	dir := s.path(key) + versionsSuffix
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, eris.Wrapf(err, "objstore: mkdir %s", dir)
	}
	current, err := latestVersion(dir)
	if err != nil {
		return 0, eris.Wrapf(err, "objstore: versions of %s", key)
	}
	if current != expected {
		return 0, eris.Wrapf(ErrVersionConflict, "cas %s: stored %d, expected %d", key, current, expected)
	}

	next := expected + 1
	if err := linkNew(dir, filepath.Join(dir, versionName(next)), data); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return 0, eris.Wrapf(ErrVersionConflict, "cas %s: revision %d taken", key, next)
		}
		return 0, eris.Wrapf(err, "objstore: cas %s", key)
	}

	if current > NoVersion {
		_ = os.Remove(filepath.Join(dir, versionName(current)))
	}
	return next, nil
}

// Close implements Store.
func (s *FSStore) Close() error { return nil }

func versionName(v Version) string {
	return fmt.Sprintf("%020d", int64(v))
}

func latestVersion(dir string) (Version, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return NoVersion, nil
	}
	if err != nil {
		return NoVersion, err
	}
	latest := NoVersion
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		n, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		if Version(n) > latest {
			latest = Version(n)
		}
	}
	return latest, nil
}
