package objstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/crash-pipeline/internal/db"
)

// PostgresStore keeps objects in the pipeline.objects table created by the
// embedded migrations. Rows written by Put carry immutable = true and are
// never updated.
type PostgresStore struct {
	pool  db.Pool
	close func()
}

// NewPostgresStore wraps an open pool. closeFn, if set, runs on Close.
func NewPostgresStore(pool db.Pool, closeFn func()) *PostgresStore {
	return &PostgresStore{pool: pool, close: closeFn}
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO pipeline.objects (key, data, version, immutable) VALUES ($1, $2, 1, true)
		 ON CONFLICT (key) DO NOTHING`,
		key, data)
	if err != nil {
		return eris.Wrapf(err, "objstore: put %s", key)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrExists, "put %s", key)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.GetVersioned(ctx, key)
	if err != nil {
		return nil, err
	}
	return obj.Data, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM pipeline.objects WHERE starts_with(key, $1) ORDER BY key COLLATE "C"`,
		prefix)
	if err != nil {
		return nil, eris.Wrapf(err, "objstore: list %s", prefix)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, eris.Wrapf(err, "objstore: scan list %s", prefix)
	}
	return keys, nil
}

// GetVersioned implements Store.
func (s *PostgresStore) GetVersioned(ctx context.Context, key string) (*Object, error) {
	var (
		data    []byte
		version int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT data, version FROM pipeline.objects WHERE key = $1`, key,
	).Scan(&data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "get %s", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "objstore: get %s", key)
	}
	return &Object{Data: data, Version: Version(version)}, nil
}

// CompareAndSwap implements Store.
func (s *PostgresStore) CompareAndSwap(ctx context.Context, key string, data []byte, expected Version) (Version, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if expected == NoVersion {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO pipeline.objects (key, data, version) VALUES ($1, $2, 1)
			 ON CONFLICT (key) DO NOTHING`,
			key, data)
		if err != nil {
			return 0, eris.Wrapf(err, "objstore: cas create %s", key)
		}
		if tag.RowsAffected() == 0 {
			return 0, eris.Wrapf(ErrVersionConflict, "cas %s: already exists", key)
		}
		return 1, nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline.objects SET data = $2, version = version + 1, updated_at = now()
		 WHERE key = $1 AND version = $3 AND NOT immutable`,
		key, data, int64(expected))
	if err != nil {
		return 0, eris.Wrapf(err, "objstore: cas %s", key)
	}
	if tag.RowsAffected() == 0 {
		return 0, eris.Wrapf(ErrVersionConflict, "cas %s: expected %d on a mutable object", key, expected)
	}
	return expected + 1, nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
