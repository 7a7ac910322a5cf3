package gold

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/crash-pipeline/internal/db"
	"github.com/sells-group/crash-pipeline/internal/model"
)

// Schema holds every Gold object in Postgres. The bookkeeping tables are
// created by db.Migrate.
const Schema = "gold"

var postgresTypes = map[model.ColumnType]string{
	model.TypeText:      "TEXT",
	model.TypeInteger:   "BIGINT",
	model.TypeReal:      "DOUBLE PRECISION",
	model.TypeTimestamp: "TIMESTAMPTZ",
}

// crashDateIndex is the position of crash_date in GoldRow.Values.
const crashDateIndex = 1

// PostgresStore is the Postgres Gold driver.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres wraps a pool. closeFn, when set, is called by Close.
func NewPostgres(pool db.Pool, closeFn func()) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: closeFn}
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Replace implements Store. Rows are loaded with COPY into the new table,
// and the view switch, old-table drop and audit rows share one transaction.
func (s *PostgresStore) Replace(ctx context.Context, t *Table) (string, error) {
	name := PhysicalName(t.RunID)
	qualified := Schema + "." + name

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	old, err := pgActiveTable(ctx, tx)
	if err != nil {
		return "", err
	}
	if _, err := tx.Exec(ctx, createTableSQL(qualified, postgresTypes)); err != nil {
		return "", eris.Wrapf(err, "postgres: create %s", qualified)
	}

	rows := make([][]any, len(t.Rows))
	for i, r := range t.Rows {
		vals := r.Values()
		vals[crashDateIndex] = r.CrashDate.UTC()
		rows[i] = vals
	}
	if _, err := db.CopyFrom(ctx, tx, qualified, model.GoldColumnNames(), rows); err != nil {
		return "", err
	}

	if _, err := tx.Exec(ctx, "CREATE OR REPLACE VIEW "+Schema+"."+ViewName+" AS SELECT * FROM "+qualified); err != nil {
		return "", eris.Wrap(err, "postgres: switch view")
	}
	if old != "" && old != name {
		if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+Schema+"."+old); err != nil {
			return "", eris.Wrapf(err, "postgres: drop %s", old)
		}
	}

	rej := make([][]any, len(t.Rejections))
	for i, r := range t.Rejections {
		rej[i] = []any{t.RunID, r.CrashRecordID, r.Reason, r.Field, r.Value}
	}
	if _, err := db.CopyFrom(ctx, tx, Schema+".gold_rejections",
		[]string{"run_id", "crash_record_id", "reason", "field", "value"}, rej); err != nil {
		return "", err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO gold.gold_runs (run_id, snapshot_id, table_name, rows_in, rows_out, rows_rejected, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.RunID, t.SnapshotID, name, t.RowsIn, int64(len(t.Rows)), rowsRejected(t), t.StartedAt.UTC(), time.Now().UTC(),
	); err != nil {
		return "", eris.Wrap(err, "postgres: insert run")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO gold.gold_meta (key, value) VALUES ('active_table', $1)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		name,
	); err != nil {
		return "", eris.Wrap(err, "postgres: record active table")
	}

	if err := tx.Commit(ctx); err != nil {
		return "", eris.Wrap(err, "postgres: commit")
	}
	return name, nil
}

type pgRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgActiveTable(ctx context.Context, q pgRower) (string, error) {
	var name string
	err := q.QueryRow(ctx, `SELECT value FROM gold.gold_meta WHERE key = 'active_table'`).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "postgres: read active table")
	}
	return name, nil
}

// Active implements Store.
func (s *PostgresStore) Active(ctx context.Context) (string, error) {
	name, err := pgActiveTable(ctx, s.pool)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", ErrNoTable
	}
	return name, nil
}

// Count implements Store.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	if _, err := s.Active(ctx); err != nil {
		return 0, err
	}
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+Schema+"."+ViewName).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: count")
	}
	return n, nil
}

// Sample implements Store.
func (s *PostgresStore) Sample(ctx context.Context, n int) ([]map[string]any, error) {
	if _, err := s.Active(ctx); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, "SELECT * FROM "+Schema+"."+ViewName+" ORDER BY crash_record_id LIMIT $1", n)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: sample")
	}
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: collect sample")
	}
	return out, nil
}
