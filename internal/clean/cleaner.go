// Package clean turns the latest Silver snapshot into the Gold table. Rows
// are validated against fixed required-field, range and domain tables, one
// row is kept per crash, and severity labels are derived.
package clean

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crash-pipeline/internal/gold"
	"github.com/sells-group/crash-pipeline/internal/metrics"
	"github.com/sells-group/crash-pipeline/internal/model"
	"github.com/sells-group/crash-pipeline/internal/objstore"
	"github.com/sells-group/crash-pipeline/internal/resilience"
	"github.com/sells-group/crash-pipeline/internal/transform"
)

// Cleaner builds Gold tables.
type Cleaner struct {
	store   objstore.Store
	gold    gold.Store
	metrics *metrics.Stage
	v       validator
}

// New creates a Cleaner. A nil domains table loads the embedded one.
func New(store objstore.Store, g gold.Store, m *metrics.Stage, domains Domains) (*Cleaner, error) {
	if domains == nil {
		d, err := LoadDomains()
		if err != nil {
			return nil, err
		}
		domains = d
	}
	return &Cleaner{store: store, gold: g, metrics: m, v: validator{domains: domains}}, nil
}

// Run validates the latest committed Silver snapshot and replaces the Gold
// table. A missing snapshot or a contract mismatch aborts before anything is
// written. Rejected rows never abort the run.
func (c *Cleaner) Run(ctx context.Context, req model.RunRequest) (*model.RunSummary, error) {
	req, err := req.Normalize()
	if err != nil {
		return nil, resilience.E(resilience.KindValidation, "clean", err)
	}
	sum := model.NewRunSummary(model.StageClean, req.Mode)
	log := zap.L().With(zap.String("component", "clean"), zap.String("run_id", sum.RunID))

	table, err := c.build(ctx, sum, log)
	if err == nil {
		if err = ctx.Err(); err != nil {
			err = resilience.E(resilience.KindCancelled, "clean", err)
		}
	}
	if err == nil {
		start := time.Now()
		sum.Artifact, err = c.gold.Replace(ctx, table)
		c.metrics.ObserveCall("gold_replace", start)
		if err != nil {
			err = resilience.E(resilience.KindStorage, "gold_replace", err)
		}
	}
	if err != nil {
		kind := resilience.KindOf(err)
		if kind == resilience.KindUnknown {
			err = resilience.E(resilience.KindStorage, "clean", err)
			kind = resilience.KindStorage
		}
		c.metrics.Error(string(kind))
		sum.Error = err.Error()
		sum.Finish(model.RunStatusFailed)
		c.metrics.FinishRun(sum)
		log.Error("clean failed", zap.Error(err))
		return sum, eris.Wrap(err, "clean: run")
	}

	c.metrics.RowsOut.Add(float64(sum.RowsOut))
	sum.Finish(model.RunStatusSuccess)
	c.metrics.FinishRun(sum)
	log.Info("gold table replaced",
		zap.String("table", sum.Artifact),
		zap.String("snapshot_id", table.SnapshotID),
		zap.Int64("rows_in", sum.RowsIn),
		zap.Int64("rows_out", sum.RowsOut),
		zap.Int64("rows_rejected", sum.RowsRejected),
		zap.Duration("elapsed", sum.Duration),
	)
	return sum, nil
}

func (c *Cleaner) build(ctx context.Context, sum *model.RunSummary, log *zap.Logger) (*gold.Table, error) {
	m, err := transform.LatestSnapshot(ctx, c.store)
	if errors.Is(err, transform.ErrNoSnapshot) {
		return nil, resilience.E(resilience.KindValidation, "clean", err)
	}
	if err != nil {
		return nil, resilience.E(resilience.KindStorage, "read_manifest", err)
	}
	if err := model.CheckContract(model.SilverSchema, model.SilverColumns, m.Schema, m.Columns); err != nil {
		c.metrics.Quality("schema_mismatch", 1)
		return nil, resilience.E(resilience.KindValidation, "clean", err)
	}
	log.Info("cleaning snapshot", zap.String("snapshot_id", m.SnapshotID), zap.Int("rows", m.RowCount))

	t := &gold.Table{RunID: sum.RunID, SnapshotID: m.SnapshotID, StartedAt: sum.StartedAt}
	seen := make(map[string]struct{}, m.RowCount)

	rejectRow := func(r model.Rejection) {
		t.Rejections = append(t.Rejections, r)
		sum.RowsRejected++
		sum.AddDetail("rejected_"+r.Reason, 1)
		c.metrics.Reject(r.Reason)
	}

	err = transform.ReadRecords(ctx, c.store, m, func(rec []string) error {
		if err := ctx.Err(); err != nil {
			return resilience.E(resilience.KindCancelled, "clean", err)
		}
		sum.RowsIn++
		c.metrics.RowsIn.Inc()

		row, perr := model.ParseSilverRecord(rec)
		if perr != nil {
			r := model.Rejection{Reason: "malformed_record", Value: perr.Error()}
			var fe *model.FieldError
			if errors.As(perr, &fe) {
				r = model.Rejection{Reason: "malformed_" + fe.Field, Field: fe.Field, Value: fe.Value}
			}
			if len(rec) > 0 {
				r.CrashRecordID = strings.TrimSpace(rec[0])
			}
			rejectRow(r)
			return nil
		}
		if row.CrashRecordID == "" {
			rejectRow(model.Rejection{Reason: "missing_crash_record_id", Field: "crash_record_id"})
			return nil
		}
		if _, dup := seen[row.CrashRecordID]; dup {
			c.metrics.Quality("duplicate_key", 1)
			sum.AddDetail("duplicate_key", 1)
			log.Warn("duplicate crash_record_id in snapshot, keeping first",
				zap.String("crash_record_id", row.CrashRecordID),
				zap.Int64("source_watermark", int64(row.SourceWatermark)),
				zap.Int("source_batch_seq", row.SourceBatchSeq))
			t.Rejections = append(t.Rejections, model.Rejection{
				CrashRecordID: row.CrashRecordID,
				Reason:        gold.ReasonDuplicate,
				Field:         "crash_record_id",
				Value:         row.CrashRecordID,
			})
			return nil
		}
		seen[row.CrashRecordID] = struct{}{}

		out := c.v.validate(row)
		if out.rejection != nil {
			rejectRow(*out.rejection)
			return nil
		}
		for _, f := range out.clamped {
			c.metrics.Quality("clamped_"+f, 1)
			sum.AddDetail("clamped_"+f, 1)
		}
		for _, d := range out.unknown {
			c.metrics.Quality("unknown_"+d, 1)
			sum.AddDetail("unknown_"+d, 1)
		}
		t.Rows = append(t.Rows, out.row)
		return nil
	})
	if err != nil {
		if resilience.KindOf(err) == resilience.KindUnknown {
			if errors.Is(err, model.ErrSchemaMismatch) {
				c.metrics.Quality("schema_mismatch", 1)
				return nil, resilience.E(resilience.KindValidation, "read_part", err)
			}
			return nil, resilience.E(resilience.KindStorage, "read_part", err)
		}
		return nil, err
	}

	t.RowsIn = sum.RowsIn
	sum.RowsOut = int64(len(t.Rows))
	return t, nil
}
