package objstore

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crash-pipeline/internal/db"
)

// Drivers.
const (
	DriverFS       = "fs"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Options selects and configures a driver.
type Options struct {
	Driver      string
	Root        string
	DatabaseURL string
	MaxConns    int32
}

// Open returns the Store for opts.Driver. The postgres driver expects the
// schema created by db.Migrate.
func Open(ctx context.Context, opts Options) (Store, error) {
	log := zap.L().With(zap.String("component", "objstore"))
	switch opts.Driver {
	case DriverFS, "":
		s, err := NewFSStore(opts.Root)
		if err != nil {
			return nil, err
		}
		log.Debug("opened fs object store", zap.String("root", s.Root()))
		return s, nil
	case DriverPostgres:
		pool, err := db.Connect(ctx, opts.DatabaseURL, opts.MaxConns)
		if err != nil {
			return nil, eris.Wrap(err, "objstore: connect")
		}
		log.Debug("opened postgres object store")
		return NewPostgresStore(pool, pool.Close), nil
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, eris.Errorf("objstore: unknown driver %q (valid: fs, postgres, memory)", opts.Driver)
	}
}
