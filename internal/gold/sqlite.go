package gold

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/crash-pipeline/internal/model"
)

var sqliteTypes = map[model.ColumnType]string{
	model.TypeText:      "TEXT",
	model.TypeInteger:   "INTEGER",
	model.TypeReal:      "REAL",
	model.TypeTimestamp: "TEXT",
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS gold_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS gold_runs (
	run_id        TEXT PRIMARY KEY,
	snapshot_id   TEXT NOT NULL,
	table_name    TEXT NOT NULL,
	rows_in       INTEGER NOT NULL,
	rows_out      INTEGER NOT NULL,
	rows_rejected INTEGER NOT NULL,
	started_at    TEXT NOT NULL,
	finished_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS gold_rejections (
	run_id          TEXT NOT NULL,
	crash_record_id TEXT NOT NULL,
	reason          TEXT NOT NULL,
	field           TEXT NOT NULL,
	value           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_gold_rejections_run_id ON gold_rejections(run_id);
`

// SQLiteStore is the default Gold driver, backed by modernc.org/sqlite.
type SQLiteStore struct {
	db       *sql.DB
	readOnly bool
}

// NewSQLite opens the Gold database at path. Writers get WAL mode and the
// bookkeeping tables; readers open the file with mode=ro.
func NewSQLite(ctx context.Context, path string, readOnly bool) (*SQLiteStore, error) {
	dsn := path
	if readOnly {
		dsn = "file:" + path + "?mode=ro"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	pragmas := []string{"PRAGMA busy_timeout=5000"}
	if !readOnly {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	s := &SQLiteStore{db: db, readOnly: readOnly}
	if !readOnly {
		if _, err := db.ExecContext(ctx, sqliteMigration); err != nil {
			db.Close()
			return nil, eris.Wrap(err, "sqlite: migrate")
		}
	}
	return s, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Replace implements Store.
func (s *SQLiteStore) Replace(ctx context.Context, t *Table) (string, error) {
	if s.readOnly {
		return "", eris.New("sqlite: store opened read-only")
	}
	name := PhysicalName(t.RunID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	old, err := activeTable(ctx, tx)
	if err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, createTableSQL(name, sqliteTypes)); err != nil {
		return "", eris.Wrapf(err, "sqlite: create %s", name)
	}

	cols := model.GoldColumnNames()
	insert := "INSERT INTO " + name + " (" + strings.Join(cols, ", ") + ") VALUES (?" + strings.Repeat(", ?", len(cols)-1) + ")"
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: prepare insert")
	}
	for _, r := range t.Rows {
		if _, err := stmt.ExecContext(ctx, r.Values()...); err != nil {
			stmt.Close()
			return "", eris.Wrapf(err, "sqlite: insert %s", r.CrashRecordID)
		}
	}
	stmt.Close()

	stmts := []string{
		"DROP VIEW IF EXISTS " + ViewName,
		"CREATE VIEW " + ViewName + " AS SELECT * FROM " + name,
	}
	if old != "" && old != name {
		stmts = append(stmts, "DROP TABLE IF EXISTS "+old)
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return "", eris.Wrapf(err, "sqlite: %s", q)
		}
	}

	for _, rej := range t.Rejections {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO gold_rejections (run_id, crash_record_id, reason, field, value) VALUES (?, ?, ?, ?, ?)`,
			t.RunID, rej.CrashRecordID, rej.Reason, rej.Field, rej.Value,
		); err != nil {
			return "", eris.Wrap(err, "sqlite: insert rejection")
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gold_runs (run_id, snapshot_id, table_name, rows_in, rows_out, rows_rejected, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.RunID, t.SnapshotID, name, t.RowsIn, len(t.Rows), rowsRejected(t),
		t.StartedAt.UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return "", eris.Wrap(err, "sqlite: insert run")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gold_meta (key, value) VALUES ('active_table', ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		name,
	); err != nil {
		return "", eris.Wrap(err, "sqlite: record active table")
	}

	if err := tx.Commit(); err != nil {
		return "", eris.Wrap(err, "sqlite: commit")
	}
	return name, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func activeTable(ctx context.Context, q queryRower) (string, error) {
	var name string
	err := q.QueryRowContext(ctx, `SELECT value FROM gold_meta WHERE key = 'active_table'`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "sqlite: read active table")
	}
	return name, nil
}

// Active implements Store.
func (s *SQLiteStore) Active(ctx context.Context) (string, error) {
	name, err := activeTable(ctx, s.db)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", ErrNoTable
	}
	return name, nil
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	if _, err := s.Active(ctx); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+ViewName).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: count")
	}
	return n, nil
}

// Sample implements Store.
func (s *SQLiteStore) Sample(ctx context.Context, n int) ([]map[string]any, error) {
	if _, err := s.Active(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+ViewName+" ORDER BY crash_record_id LIMIT ?", n)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: sample")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: sample columns")
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sample")
		}
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			m[c] = vals[i]
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate sample")
}
