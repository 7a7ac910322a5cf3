// Package extract drives the source client across the entity types and
// commits every page as an immutable raw batch before advancing the
// entity's watermark.
package extract

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/crash-pipeline/internal/metrics"
	"github.com/sells-group/crash-pipeline/internal/model"
	"github.com/sells-group/crash-pipeline/internal/objstore"
	"github.com/sells-group/crash-pipeline/internal/resilience"
	"github.com/sells-group/crash-pipeline/internal/source"
)

// kindVersionConflict marks an entity that lost a write race to another run.
const kindVersionConflict = "version_conflict"

// Options tunes an Extractor.
type Options struct {
	// Entities to extract; defaults to model.AllEntities.
	Entities []model.EntityType
	// Concurrency bounds how many entities are fetched at once. Default 3.
	Concurrency int
	// BatchRetries is how many more times a page is requested after the
	// client exhausted its own retries.
	BatchRetries int
	// MaxPages stops an entity after that many pages per run. 0 = unlimited.
	MaxPages int
}

// Extractor writes raw batches and advances watermarks.
type Extractor struct {
	store   objstore.Store
	fetcher source.Fetcher
	wm      *WatermarkStore
	metrics *metrics.Stage
	opts    Options
}

// New creates an Extractor.
func New(store objstore.Store, fetcher source.Fetcher, m *metrics.Stage, opts Options) *Extractor {
	if len(opts.Entities) == 0 {
		opts.Entities = model.AllEntities
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.BatchRetries < 0 {
		opts.BatchRetries = 0
	}
	return &Extractor{
		store:   store,
		fetcher: fetcher,
		wm:      NewWatermarkStore(store),
		metrics: m,
		opts:    opts,
	}
}

// Watermarks exposes the extractor's watermark store.
func (e *Extractor) Watermarks() *WatermarkStore {
	return e.wm
}

// Run extracts every configured entity. A fatal fetch failure or a lost
// watermark race fails only that entity and yields a partial run. Storage
// failures and cancellation abort the run and are returned as errors.
func (e *Extractor) Run(ctx context.Context, req model.RunRequest) (*model.RunSummary, error) {
	req, err := req.Normalize()
	if err != nil {
		return nil, resilience.E(resilience.KindValidation, "extract", err)
	}
	sum := model.NewRunSummary(model.StageExtract, req.Mode)
	log := zap.L().With(zap.String("component", "extract"), zap.String("run_id", sum.RunID), zap.String("mode", string(req.Mode)))
	log.Info("extraction started", zap.Int("entities", len(e.opts.Entities)))

	results := make([]model.EntitySummary, len(e.opts.Entities))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i, entity := range e.opts.Entities {
		g.Go(func() error {
			er := &entityRun{
				Extractor: e,
				runID:     sum.RunID,
				mode:      req.Mode,
				sum:       model.EntitySummary{Entity: entity},
				log:       log.With(zap.String("entity", string(entity))),
			}
			err := er.run(gctx)
			results[i] = er.sum
			return err
		})
	}
	runErr := g.Wait()

	status := model.RunStatusSuccess
	for _, es := range results {
		sum.RowsIn += es.RowsFetched
		sum.RowsOut += es.RowsWritten
		sum.Errors += es.TransientErrors
		sum.AddDetail("transient_errors", es.TransientErrors)
		sum.AddDetail("pages", int64(es.Pages))
		if es.Status != model.RunStatusSuccess {
			status = model.RunStatusPartial
			sum.Errors++
			sum.AddDetail("entities_failed", 1)
		}
	}
	sum.Entities = results
	if runErr != nil {
		status = model.RunStatusFailed
		sum.Error = runErr.Error()
		e.metrics.Error(string(resilience.KindOf(runErr)))
	}
	sum.Finish(status)
	e.metrics.FinishRun(sum)

	log.Info("extraction finished",
		zap.String("status", string(status)),
		zap.Int64("rows_in", sum.RowsIn),
		zap.Int64("rows_out", sum.RowsOut),
		zap.Int64("errors", sum.Errors),
		zap.Duration("elapsed", sum.Duration),
	)
	if runErr != nil {
		return sum, eris.Wrap(runErr, "extract: run")
	}
	return sum, nil
}

// entityRun is the state of one entity's page loop.
type entityRun struct {
	*Extractor
	runID string
	mode  model.Mode
	sum   model.EntitySummary
	log   *zap.Logger
}

func (r *entityRun) run(ctx context.Context) error {
	entity := r.sum.Entity
	state, err := r.wm.Load(ctx, entity)
	if err != nil {
		r.fail(resilience.KindStorage, err)
		return resilience.EntityError(resilience.KindStorage, "load_watermark", string(entity), 0, err)
	}
	r.sum.StartWatermark = state.Value
	r.sum.EndWatermark = state.Value

	since := model.Beginning
	if r.mode == model.ModeIncremental {
		since = state.Value
	}
	seq, err := NextSeq(ctx, r.store, entity, since)
	if err != nil {
		r.fail(resilience.KindStorage, err)
		return resilience.EntityError(resilience.KindStorage, "list_batches", string(entity), int64(since), err)
	}

	ctx = source.WithRetryHook(ctx, func(int, error) { r.transient() })
	high := state.Value
	token := ""
	for {
		if err := ctx.Err(); err != nil {
			return r.cancelled(err, since)
		}
		if r.opts.MaxPages > 0 && r.sum.Pages >= r.opts.MaxPages {
			r.log.Info("page limit reached", zap.Int("pages", r.sum.Pages))
			break
		}

		page, err := r.fetchPage(ctx, since, token)
		if err != nil {
			if ctx.Err() != nil {
				return r.cancelled(ctx.Err(), since)
			}
			r.fail(resilience.KindOf(err), err)
			return nil
		}
		r.sum.Pages++

		n := int64(len(page.Records))
		r.sum.RowsFetched += n
		r.metrics.RowsIn.Add(float64(n))
		if n > 0 {
			env := &Envelope{
				Schema:      model.RawSchema,
				Entity:      entity,
				Watermark:   since,
				BatchSeq:    seq,
				RunID:       r.runID,
				FetchedAt:   time.Now().UTC(),
				HighWater:   page.HighWater,
				RecordCount: len(page.Records),
				Records:     page.Records,
			}
			if err := r.writeBatch(ctx, env); err != nil {
				if errors.Is(err, objstore.ErrExists) {
					r.fail(kindVersionConflict, err)
					return nil
				}
				if ctx.Err() != nil {
					return r.cancelled(ctx.Err(), since)
				}
				r.fail(resilience.KindStorage, err)
				return resilience.EntityError(resilience.KindStorage, "put_batch", string(entity), int64(since), err)
			}
			seq++
			r.sum.RowsWritten += n
			r.metrics.RowsOut.Add(float64(n))
			high = max(high, page.HighWater)

			if err := ctx.Err(); err != nil {
				return r.cancelled(err, since)
			}
			next, err := r.wm.Advance(ctx, state, high, r.runID)
			if err != nil {
				if errors.Is(err, objstore.ErrVersionConflict) {
					r.fail(kindVersionConflict, err)
					return nil
				}
				r.fail(resilience.KindStorage, err)
				return resilience.EntityError(resilience.KindStorage, "advance_watermark", string(entity), int64(high), err)
			}
			state = next
			r.sum.EndWatermark = state.Value
		}

		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}

	r.sum.Status = model.RunStatusSuccess
	r.log.Info("entity extracted",
		zap.Int("pages", r.sum.Pages),
		zap.Int64("rows", r.sum.RowsWritten),
		zap.Int64("watermark", int64(r.sum.EndWatermark)),
	)
	return nil
}

// fetchPage asks the source for one page, re-requesting it up to
// BatchRetries times when the client gave up on transient errors.
func (r *entityRun) fetchPage(ctx context.Context, since model.Watermark, token string) (*source.Page, error) {
	for attempt := 0; ; attempt++ {
		start := time.Now()
		page, err := r.fetcher.Fetch(ctx, r.sum.Entity, since, token)
		r.metrics.ObserveCall("fetch_page", start)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		kind := resilience.KindOf(err)
		if kind == resilience.KindTransientFetch {
			r.transient()
		} else {
			r.metrics.Error(string(kind))
		}
		if kind != resilience.KindTransientFetch || attempt >= r.opts.BatchRetries {
			return nil, err
		}
		r.log.Warn("page fetch exhausted retries, retrying batch",
			zap.String("page_token", token),
			zap.Int("batch_attempt", attempt+1),
			zap.Error(err))
	}
}

func (r *entityRun) writeBatch(ctx context.Context, env *Envelope) error {
	data, err := EncodeBatch(env)
	if err != nil {
		return err
	}
	start := time.Now()
	err = r.store.Put(ctx, BatchKey(env.Entity, env.Watermark, env.BatchSeq), data)
	r.metrics.ObserveCall("put_batch", start)
	return err
}

// transient counts one failed attempt that the client retried or gave up on.
func (r *entityRun) transient() {
	r.sum.TransientErrors++
	r.metrics.Error(string(resilience.KindTransientFetch))
}

func (r *entityRun) fail(kind resilience.Kind, err error) {
	r.sum.Status = model.RunStatusFailed
	r.sum.ErrorKind = string(kind)
	r.sum.Error = err.Error()
	if kind == kindVersionConflict {
		r.metrics.Error(kindVersionConflict)
	}
	r.log.Error("entity extraction failed", zap.String("kind", string(kind)), zap.Error(err))
}

func (r *entityRun) cancelled(err error, since model.Watermark) error {
	r.sum.Status = model.RunStatusFailed
	r.sum.ErrorKind = string(resilience.KindCancelled)
	r.sum.Error = err.Error()
	r.log.Warn("entity extraction cancelled", zap.Int64("watermark", int64(r.sum.EndWatermark)))
	return resilience.EntityError(resilience.KindCancelled, "extract", string(r.sum.Entity), int64(since), err)
}
