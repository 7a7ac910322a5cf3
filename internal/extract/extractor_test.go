package extract

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/crash-pipeline/internal/metrics"
	"github.com/sells-group/crash-pipeline/internal/model"
	"github.com/sells-group/crash-pipeline/internal/objstore"
	"github.com/sells-group/crash-pipeline/internal/resilience"
	"github.com/sells-group/crash-pipeline/internal/source"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func crashRecord(i int) string {
	return fmt.Sprintf(`{"crash_record_id":"C%04d","crash_date":%q}`, i, base.Add(time.Duration(i)*time.Minute).Format("2006-01-02T15:04:05.000"))
}

// fetchFunc adapts a closure to source.Fetcher.
type fetchFunc func(ctx context.Context, entity model.EntityType, since model.Watermark, token string) (*source.Page, error)

func (f fetchFunc) Fetch(ctx context.Context, entity model.EntityType, since model.Watermark, token string) (*source.Page, error) {
	return f(ctx, entity, since, token)
}

func onePage(hw model.Watermark, records ...string) *source.Page {
	p := &source.Page{HighWater: hw}
	for _, r := range records {
		p.Records = append(p.Records, []byte(r))
	}
	return p
}

func newStage() *metrics.Stage {
	return metrics.NewRegistry().Stage(model.StageExtract)
}

func TestRun_ThreePagesWithTransientFailures(t *testing.T) {
	var page2Failures atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("$offset"))
		if offset == 100 && page2Failures.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var recs []string
		for i := offset; i < min(offset+100, 300); i++ {
			recs = append(recs, crashRecord(i))
		}
		fmt.Fprintf(w, "[%s]", strings.Join(recs, ","))
	}))
	defer srv.Close()

	client := source.NewClient(source.Options{
		BaseURL:  srv.URL,
		PageSize: 100,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
	})
	store := objstore.NewMemoryStore()
	stage := newStage()
	ex := New(store, client, stage, Options{Entities: []model.EntityType{model.EntityCrash}})

	sum, err := ex.Run(context.Background(), model.RunRequest{Mode: model.ModeBackfill})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, sum.Status)
	assert.Equal(t, int64(300), sum.RowsOut)
	assert.Equal(t, int64(300), sum.RowsIn)
	require.Len(t, sum.Entities, 1)
	assert.Equal(t, int64(2), sum.Entities[0].TransientErrors)
	assert.Equal(t, int64(2), sum.Details["transient_errors"])
	assert.Equal(t, 2.0, testutil.ToFloat64(stage.Errors.WithLabelValues("transient_fetch")))
	assert.Equal(t, 300.0, testutil.ToFloat64(stage.RowsOut))
	assert.NotZero(t, testutil.ToFloat64(stage.LastSuccess))

	page3High := model.WatermarkFromTime(base.Add(299 * time.Minute))
	st, err := ex.Watermarks().Load(context.Background(), model.EntityCrash)
	require.NoError(t, err)
	assert.Equal(t, page3High, st.Value)
	assert.Equal(t, page3High, sum.Entities[0].EndWatermark)

	refs, err := ListBatches(context.Background(), store, model.EntityCrash)
	require.NoError(t, err)
	require.Len(t, refs, 3, "the empty fourth page is not written")
	data, err := store.Get(context.Background(), refs[2].Key)
	require.NoError(t, err)
	env, err := DecodeBatch(data)
	require.NoError(t, err)
	assert.Equal(t, 100, env.RecordCount)
	assert.Equal(t, page3High, env.HighWater)
	assert.Equal(t, sum.RunID, env.RunID)
}

func TestRun_FatalEntityIsPartial(t *testing.T) {
	store := objstore.NewMemoryStore()
	stage := newStage()
	f := fetchFunc(func(_ context.Context, e model.EntityType, _ model.Watermark, _ string) (*source.Page, error) {
		if e == model.EntityCrash {
			return nil, resilience.EntityError(resilience.KindFatalFetch, "fetch_page", string(e), 0, eris.New("HTTP 403"))
		}
		return onePage(500, `{"crash_record_id":"A","crash_date":"2024-01-01T00:00:00"}`), nil
	})
	ex := New(store, f, stage, Options{})

	sum, err := ex.Run(context.Background(), model.RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, sum.Status)
	assert.Equal(t, model.ModeIncremental, sum.Mode)

	byEntity := map[model.EntityType]model.EntitySummary{}
	for _, es := range sum.Entities {
		byEntity[es.Entity] = es
	}
	assert.Equal(t, model.RunStatusFailed, byEntity[model.EntityCrash].Status)
	assert.Equal(t, "fatal_fetch", byEntity[model.EntityCrash].ErrorKind)
	assert.Equal(t, model.RunStatusSuccess, byEntity[model.EntityPerson].Status)

	crash, err := ex.Watermarks().Load(context.Background(), model.EntityCrash)
	require.NoError(t, err)
	assert.Equal(t, model.Beginning, crash.Value)
	person, err := ex.Watermarks().Load(context.Background(), model.EntityPerson)
	require.NoError(t, err)
	assert.Equal(t, model.Watermark(500), person.Value)

	assert.Equal(t, 1.0, testutil.ToFloat64(stage.Errors.WithLabelValues("fatal_fetch")))
	assert.Zero(t, testutil.ToFloat64(stage.LastSuccess))
	assert.Equal(t, 1.0, testutil.ToFloat64(stage.Runs.WithLabelValues("partial")))
}

func TestRun_BatchRetryAfterExhaustion(t *testing.T) {
	var calls atomic.Int32
	f := fetchFunc(func(_ context.Context, e model.EntityType, _ model.Watermark, _ string) (*source.Page, error) {
		if calls.Add(1) == 1 {
			return nil, resilience.EntityError(resilience.KindTransientFetch, "fetch_page", string(e), 0, eris.New("HTTP 503"))
		}
		return onePage(10, crashRecord(1)), nil
	})
	ex := New(objstore.NewMemoryStore(), f, newStage(), Options{
		Entities:     []model.EntityType{model.EntityCrash},
		BatchRetries: 1,
	})

	sum, err := ex.Run(context.Background(), model.RunRequest{Mode: model.ModeBackfill})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, sum.Status)
	assert.Equal(t, int64(1), sum.Entities[0].TransientErrors)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRun_TransientExhaustionWithoutBatchRetryFailsEntity(t *testing.T) {
	f := fetchFunc(func(_ context.Context, e model.EntityType, _ model.Watermark, _ string) (*source.Page, error) {
		return nil, resilience.EntityError(resilience.KindTransientFetch, "fetch_page", string(e), 0, eris.New("HTTP 503"))
	})
	ex := New(objstore.NewMemoryStore(), f, newStage(), Options{Entities: []model.EntityType{model.EntityCrash}})
	sum, err := ex.Run(context.Background(), model.RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, sum.Status)
	assert.Equal(t, "transient_fetch", sum.Entities[0].ErrorKind)
}

func TestRun_IncrementalStartsFromWatermark(t *testing.T) {
	store := objstore.NewMemoryStore()
	var mu sync.Mutex
	var seen []model.Watermark
	f := fetchFunc(func(_ context.Context, _ model.EntityType, since model.Watermark, _ string) (*source.Page, error) {
		mu.Lock()
		seen = append(seen, since)
		mu.Unlock()
		return onePage(since+100, crashRecord(int(since))), nil
	})
	ex := New(store, f, newStage(), Options{Entities: []model.EntityType{model.EntityCrash}})
	ctx := context.Background()

	_, err := ex.Run(ctx, model.RunRequest{Mode: model.ModeBackfill})
	require.NoError(t, err)
	_, err = ex.Run(ctx, model.RunRequest{Mode: model.ModeIncremental})
	require.NoError(t, err)
	_, err = ex.Run(ctx, model.RunRequest{Mode: model.ModeBackfill})
	require.NoError(t, err)

	assert.Equal(t, []model.Watermark{0, 100, 0}, seen)

	refs, err := ListBatches(ctx, store, model.EntityCrash)
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, BatchRef{Key: BatchKey(model.EntityCrash, 0, 0), Entity: model.EntityCrash, Watermark: 0, Seq: 0}, refs[0])
	assert.Equal(t, 1, refs[1].Seq, "re-extraction of a window appends a new batch")
	assert.Equal(t, model.Watermark(100), refs[2].Watermark)

	st, err := ex.Watermarks().Load(ctx, model.EntityCrash)
	require.NoError(t, err)
	assert.Equal(t, model.Watermark(200), st.Value, "a backfill never moves the watermark backwards")
}

func TestRun_CancelledDoesNotAdvance(t *testing.T) {
	store := objstore.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	f := fetchFunc(func(_ context.Context, _ model.EntityType, _ model.Watermark, _ string) (*source.Page, error) {
		cancel()
		return onePage(999, crashRecord(1)), nil
	})
	ex := New(store, f, newStage(), Options{Entities: []model.EntityType{model.EntityCrash}})

	sum, err := ex.Run(ctx, model.RunRequest{})
	require.Error(t, err)
	assert.Equal(t, resilience.KindCancelled, resilience.KindOf(err))
	assert.Equal(t, model.RunStatusFailed, sum.Status)

	st, err := ex.Watermarks().Load(context.Background(), model.EntityCrash)
	require.NoError(t, err)
	assert.Equal(t, model.Beginning, st.Value)
}

// faultyStore fails selected operations of the wrapped store.
type faultyStore struct {
	objstore.Store
	putErr error
	casErr error
}

func (s *faultyStore) Put(ctx context.Context, key string, data []byte) error {
	if s.putErr != nil {
		return s.putErr
	}
	return s.Store.Put(ctx, key, data)
}

func (s *faultyStore) CompareAndSwap(ctx context.Context, key string, data []byte, v objstore.Version) (objstore.Version, error) {
	if s.casErr != nil {
		return 0, s.casErr
	}
	return s.Store.CompareAndSwap(ctx, key, data, v)
}

func TestRun_StorageFailureAbortsRun(t *testing.T) {
	store := &faultyStore{Store: objstore.NewMemoryStore(), putErr: eris.New("disk full")}
	stage := newStage()
	f := fetchFunc(func(_ context.Context, _ model.EntityType, _ model.Watermark, _ string) (*source.Page, error) {
		return onePage(10, crashRecord(1)), nil
	})
	ex := New(store, f, stage, Options{Entities: []model.EntityType{model.EntityCrash}})

	sum, err := ex.Run(context.Background(), model.RunRequest{})
	require.Error(t, err)
	assert.Equal(t, resilience.KindStorage, resilience.KindOf(err))
	assert.Contains(t, err.Error(), "crash")
	assert.Equal(t, model.RunStatusFailed, sum.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(stage.Errors.WithLabelValues("storage")))
	assert.Equal(t, 1.0, testutil.ToFloat64(stage.Runs.WithLabelValues("failed")))
}

func TestRun_LostWatermarkRaceFailsEntity(t *testing.T) {
	store := &faultyStore{Store: objstore.NewMemoryStore(), casErr: objstore.ErrVersionConflict}
	stage := newStage()
	f := fetchFunc(func(_ context.Context, _ model.EntityType, _ model.Watermark, _ string) (*source.Page, error) {
		return onePage(10, crashRecord(1)), nil
	})
	ex := New(store, f, stage, Options{Entities: []model.EntityType{model.EntityCrash}})

	sum, err := ex.Run(context.Background(), model.RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, sum.Status)
	assert.Equal(t, kindVersionConflict, sum.Entities[0].ErrorKind)
	assert.Equal(t, 1.0, testutil.ToFloat64(stage.Errors.WithLabelValues(kindVersionConflict)))
}

func TestRun_MaxPages(t *testing.T) {
	var calls atomic.Int32
	f := fetchFunc(func(_ context.Context, _ model.EntityType, _ model.Watermark, token string) (*source.Page, error) {
		n := calls.Add(1)
		p := onePage(model.Watermark(n), crashRecord(int(n)))
		p.NextPageToken = strconv.Itoa(int(n))
		return p, nil
	})
	ex := New(objstore.NewMemoryStore(), f, newStage(), Options{Entities: []model.EntityType{model.EntityCrash}, MaxPages: 2})
	sum, err := ex.Run(context.Background(), model.RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Entities[0].Pages)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRun_InvalidRequest(t *testing.T) {
	ex := New(objstore.NewMemoryStore(), fetchFunc(nil), newStage(), Options{})
	_, err := ex.Run(context.Background(), model.RunRequest{Mode: "sideways"})
	assert.Equal(t, resilience.KindValidation, resilience.KindOf(err))
}
