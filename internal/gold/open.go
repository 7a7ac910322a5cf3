package gold

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crash-pipeline/internal/db"
)

// Drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and configures a driver.
type Options struct {
	Driver      string
	Path        string
	DatabaseURL string
	MaxConns    int32
	// ReadOnly opens the store for consumers. Only the sqlite driver
	// enforces it.
	ReadOnly bool
}

// Open returns the Store for opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverSQLite, "":
		if opts.Path == "" {
			return nil, eris.New("gold: sqlite path is empty")
		}
		return NewSQLite(ctx, opts.Path, opts.ReadOnly)
	case DriverPostgres:
		pool, err := db.Connect(ctx, opts.DatabaseURL, opts.MaxConns)
		if err != nil {
			return nil, eris.Wrap(err, "gold: connect")
		}
		return NewPostgres(pool, pool.Close), nil
	default:
		return nil, eris.Errorf("gold: unknown driver %q (valid: sqlite, postgres)", opts.Driver)
	}
}
