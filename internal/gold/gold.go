// Package gold stores the validated crash table. Every run builds a new
// physical table and then re-points the gold_crashes view at it inside one
// transaction, so readers see either the old table or the new one.
package gold

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crash-pipeline/internal/model"
)

// ViewName is the stable name consumers query.
const ViewName = "gold_crashes"

// ErrNoTable is returned by readers before the first Replace.
var ErrNoTable = eris.New("gold: no active table")

// Table is the full content of one Gold build.
type Table struct {
	RunID      string
	SnapshotID string
	Rows       []*model.GoldRow
	Rejections []model.Rejection
	RowsIn     int64
	StartedAt  time.Time
}

// Store is implemented by every Gold driver.
type Store interface {
	// Replace builds a new physical table from t, switches the view to it
	// and drops the previous table. It returns the new table's name.
	Replace(ctx context.Context, t *Table) (string, error)
	// Count returns the number of rows behind the view.
	Count(ctx context.Context) (int64, error)
	// Active returns the physical table the view points at.
	Active(ctx context.Context) (string, error)
	// Sample returns up to n rows ordered by crash_record_id.
	Sample(ctx context.Context, n int) ([]map[string]any, error)
	Close() error
}

// PhysicalName derives the table name for a run.
func PhysicalName(runID string) string {
	var b strings.Builder
	b.WriteString(ViewName)
	b.WriteByte('_')
	for _, r := range strings.ToLower(runID) {
		if b.Len() >= 63 {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteByte('_')
		}
	}
	return b.String()
}

// createTableSQL renders the gold.v1 schema with the driver's type names.
func createTableSQL(name string, types map[model.ColumnType]string) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(name)
	b.WriteString(" (\n")
	for i, c := range model.GoldColumns {
		if i > 0 {
			b.WriteString(",\n")
		}
		b.WriteString("\t")
		b.WriteString(c.Name)
		b.WriteString(" ")
		b.WriteString(types[c.Type])
		if !c.Nullable {
			b.WriteString(" NOT NULL")
		}
		if c.Name == "crash_record_id" {
			b.WriteString(" PRIMARY KEY")
		}
	}
	b.WriteString("\n)")
	return b.String()
}

func rowsRejected(t *Table) int64 {
	var n int64
	for _, r := range t.Rejections {
		if r.Reason != ReasonDuplicate {
			n++
		}
	}
	return n
}

// ReasonDuplicate marks a rejection that records a resolved duplicate key
// rather than a failed row.
const ReasonDuplicate = "duplicate_key"
