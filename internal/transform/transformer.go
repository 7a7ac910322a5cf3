// Package transform builds Silver snapshots from the raw layer: it dedups
// every entity by natural key, joins vehicles and people onto their crash
// and writes one immutable CSV snapshot per run.
package transform

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crash-pipeline/internal/extract"
	"github.com/sells-group/crash-pipeline/internal/metrics"
	"github.com/sells-group/crash-pipeline/internal/model"
	"github.com/sells-group/crash-pipeline/internal/objstore"
	"github.com/sells-group/crash-pipeline/internal/resilience"
)

// Options tunes a Transformer.
type Options struct {
	// PartRows is the number of rows per CSV part. Default 50000.
	PartRows int
}

// Transformer produces Silver snapshots.
type Transformer struct {
	store   objstore.Store
	wm      *extract.WatermarkStore
	metrics *metrics.Stage
	opts    Options
	now     func() time.Time
}

// New creates a Transformer.
func New(store objstore.Store, m *metrics.Stage, opts Options) *Transformer {
	return &Transformer{
		store:   store,
		wm:      extract.NewWatermarkStore(store),
		metrics: m,
		opts:    opts,
		now:     time.Now,
	}
}

// run carries the per-invocation tables and counters.
type run struct {
	*Transformer
	sum      *model.RunSummary
	log      *zap.Logger
	crashes  *table[model.Crash]
	vehicles *table[model.Vehicle]
	persons  *table[model.Person]
}

// Run reads every raw batch below the cutoff and writes a full Silver
// snapshot. Without an explicit cutoff each entity is read up to its
// persisted watermark. Malformed records are skipped and counted; storage
// failures abort the run before the snapshot is committed.
func (t *Transformer) Run(ctx context.Context, req model.RunRequest) (*model.RunSummary, error) {
	req, err := req.Normalize()
	if err != nil {
		return nil, resilience.E(resilience.KindValidation, "transform", err)
	}
	r := &run{
		Transformer: t,
		sum:         model.NewRunSummary(model.StageTransform, req.Mode),
		crashes:     newTable[model.Crash](),
		vehicles:    newTable[model.Vehicle](),
		persons:     newTable[model.Person](),
	}
	r.log = zap.L().With(zap.String("component", "transform"), zap.String("run_id", r.sum.RunID))

	m, err := r.execute(ctx, req)
	if err != nil {
		kind := resilience.KindOf(err)
		if kind == resilience.KindUnknown {
			err = resilience.E(resilience.KindStorage, "transform", err)
			kind = resilience.KindStorage
		}
		t.metrics.Error(string(kind))
		r.sum.Error = err.Error()
		r.sum.Finish(model.RunStatusFailed)
		t.metrics.FinishRun(r.sum)
		r.log.Error("transform failed", zap.Error(err))
		return r.sum, eris.Wrap(err, "transform: run")
	}

	r.sum.Artifact = m.SnapshotID
	r.sum.Finish(model.RunStatusSuccess)
	t.metrics.FinishRun(r.sum)
	r.log.Info("silver snapshot committed",
		zap.String("snapshot_id", m.SnapshotID),
		zap.Int("rows", m.RowCount),
		zap.Int("parts", len(m.Parts)),
		zap.Int64("rows_in", r.sum.RowsIn),
		zap.Int64("rows_rejected", r.sum.RowsRejected),
		zap.Duration("elapsed", r.sum.Duration),
	)
	return r.sum, nil
}

func (r *run) execute(ctx context.Context, req model.RunRequest) (*Manifest, error) {
	cutoffs, err := r.cutoffs(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, entity := range model.AllEntities {
		if err := r.readEntity(ctx, entity, cutoffs[entity]); err != nil {
			return nil, err
		}
	}

	res := join(r.crashes, r.vehicles, r.persons)
	r.metrics.Quality("orphan_vehicle", res.OrphanVehicles)
	r.metrics.Quality("orphan_person", res.OrphanPersons)
	r.sum.AddDetail("orphan_vehicle", int64(res.OrphanVehicles))
	r.sum.AddDetail("orphan_person", int64(res.OrphanPersons))
	dups := r.crashes.replaced + r.vehicles.replaced + r.persons.replaced
	r.metrics.Quality("duplicate_resolved", dups)
	r.sum.AddDetail("duplicate_resolved", int64(dups))
	if res.OrphanVehicles+res.OrphanPersons > 0 {
		r.log.Warn("dropped records without a crash",
			zap.Int("vehicles", res.OrphanVehicles),
			zap.Int("persons", res.OrphanPersons))
	}

	w := NewSnapshotWriter(r.store, NewSnapshotID(r.now()), r.opts.PartRows)
	w.onPut = func(start time.Time) { r.metrics.ObserveCall("put_part", start) }
	for _, row := range res.Rows {
		if err := ctx.Err(); err != nil {
			return nil, resilience.E(resilience.KindCancelled, "transform", err)
		}
		if err := w.Write(ctx, row); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, resilience.E(resilience.KindCancelled, "transform", err)
	}
	m, err := w.Commit(ctx, Manifest{Cutoffs: cutoffs, RunID: r.sum.RunID})
	if err != nil {
		return nil, err
	}
	r.sum.RowsOut = int64(m.RowCount)
	r.metrics.RowsOut.Add(float64(m.RowCount))
	return m, nil
}

func (r *run) cutoffs(ctx context.Context, req model.RunRequest) (map[model.EntityType]model.Watermark, error) {
	out := make(map[model.EntityType]model.Watermark, len(model.AllEntities))
	for _, e := range model.AllEntities {
		if req.Cutoff != nil {
			out[e] = *req.Cutoff
			continue
		}
		st, err := r.wm.Load(ctx, e)
		if err != nil {
			return nil, err
		}
		out[e] = st.Value
	}
	return out, nil
}

// readEntity offers every record of the entity's batches below cutoff to
// the entity's table, oldest batch first.
func (r *run) readEntity(ctx context.Context, entity model.EntityType, cutoff model.Watermark) error {
	refs, err := extract.ListBatches(ctx, r.store, entity)
	if err != nil {
		return err
	}
	read := 0
	for _, ref := range refs {
		if ref.Watermark >= cutoff {
			break
		}
		if err := ctx.Err(); err != nil {
			return resilience.E(resilience.KindCancelled, "transform", err)
		}
		start := time.Now()
		data, err := r.store.Get(ctx, ref.Key)
		r.metrics.ObserveCall("get_batch", start)
		if err != nil {
			return eris.Wrapf(err, "transform: get %s", ref.Key)
		}
		env, err := extract.DecodeBatch(data)
		if err != nil {
			r.quality("corrupt_batch", ref, err)
			continue
		}
		if env.Schema != model.RawSchema || env.Entity != entity {
			r.quality("schema_drift", ref, eris.Errorf("batch carries schema %q for %q", env.Schema, env.Entity))
			continue
		}
		for _, raw := range env.Records {
			r.offer(entity, origin{watermark: ref.Watermark, seq: ref.Seq, raw: raw})
		}
		read++
	}
	r.sum.AddDetail("batches_"+string(entity), int64(read))
	r.log.Debug("entity read", zap.String("entity", string(entity)), zap.Int("batches", read), zap.Int64("cutoff", int64(cutoff)))
	return nil
}

func (r *run) offer(entity model.EntityType, o origin) {
	r.sum.RowsIn++
	r.metrics.RowsIn.Inc()

	var err error
	switch entity {
	case model.EntityCrash:
		var c *model.Crash
		if c, err = ParseCrash(o.raw); err == nil {
			r.crashes.offer(c.CrashRecordID, o, c)
		}
	case model.EntityVehicle:
		var v *model.Vehicle
		if v, err = ParseVehicle(o.raw); err == nil {
			r.vehicles.offer(vehicleKey(v), o, v)
		}
	case model.EntityPerson:
		var p *model.Person
		if p, err = ParsePerson(o.raw); err == nil {
			r.persons.offer(personKey(p), o, p)
		}
	}
	if err == nil {
		return
	}

	reason := "malformed_record"
	var pe *ParseError
	if errors.As(err, &pe) {
		reason = pe.Reason
	}
	r.sum.RowsRejected++
	r.sum.AddDetail("rejected_"+reason, 1)
	r.metrics.Reject(reason)
	r.log.Debug("record rejected",
		zap.String("entity", string(entity)),
		zap.Int64("watermark", int64(o.watermark)),
		zap.Int("batch_seq", o.seq),
		zap.Error(err))
}

func (r *run) quality(check string, ref extract.BatchRef, err error) {
	r.metrics.Quality(check, 1)
	r.metrics.Error(string(resilience.KindParse))
	r.sum.AddDetail(check, 1)
	r.sum.Errors++
	r.log.Warn("batch skipped", zap.String("check", check), zap.String("key", ref.Key), zap.Error(err))
}
