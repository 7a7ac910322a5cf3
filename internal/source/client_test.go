package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/crash-pipeline/internal/model"
	"github.com/sells-group/crash-pipeline/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func testOptions(url string) Options {
	return Options{
		BaseURL:  url,
		PageSize: 2,
		Timeout:  time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
	}
}

func crashJSON(id, date string) string {
	return fmt.Sprintf(`{"crash_record_id":%q,"crash_date":%q}`, id, date)
}

func TestFetch_QueryAndPagination(t *testing.T) {
	queries := make(chan url.Values, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/85ca-t3if.json", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-App-Token"))
		queries <- r.URL.Query()
		fmt.Fprintf(w, "[%s,%s]",
			crashJSON("A", "2023-10-01T00:00:00.000"),
			crashJSON("B", "2023-10-02T12:00:00.000"))
	}))
	defer srv.Close()

	opts := testOptions(srv.URL)
	opts.AppToken = "secret"
	c := NewClient(opts)

	since := model.Watermark(1696118400)
	page, err := c.Fetch(context.Background(), model.EntityCrash, since, "4")
	require.NoError(t, err)

	q := <-queries
	assert.Equal(t, "crash_date >= '2023-10-01T00:00:00.000'", q.Get("$where"))
	assert.Equal(t, "crash_date ASC, crash_record_id ASC", q.Get("$order"))
	assert.Equal(t, "2", q.Get("$limit"))
	assert.Equal(t, "4", q.Get("$offset"))

	require.Len(t, page.Records, 2)
	assert.JSONEq(t, crashJSON("A", "2023-10-01T00:00:00.000"), string(page.Records[0]))
	assert.Equal(t, "6", page.NextPageToken)
	assert.Equal(t, model.WatermarkFromTime(time.Date(2023, 10, 2, 12, 0, 0, 0, time.UTC)), page.HighWater)
}

func TestFetch_LastPageAndBeginning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("$where"))
		assert.Equal(t, "0", r.URL.Query().Get("$offset"))
		assert.Equal(t, "crash_date ASC, crash_record_id ASC, person_id ASC", r.URL.Query().Get("$order"))
		fmt.Fprintf(w, `[{"crash_record_id":"A","person_id":"P1","crash_date":"bogus"}]`)
	}))
	defer srv.Close()

	c := NewClient(testOptions(srv.URL))
	page, err := c.Fetch(context.Background(), model.EntityPerson, model.Beginning, "")
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)
	assert.Empty(t, page.NextPageToken)
	assert.Equal(t, model.Beginning, page.HighWater, "unparseable cursor does not move high water")
}

func TestFetch_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	var retries atomic.Int32
	opts := testOptions(srv.URL)
	opts.OnRetry = func(e model.EntityType, _ int, _ error) {
		assert.Equal(t, model.EntityVehicle, e)
		retries.Add(1)
	}
	c := NewClient(opts)

	page, err := c.Fetch(context.Background(), model.EntityVehicle, 0, "")
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(2), retries.Load())
}

func TestFetch_ExhaustedRetriesAreTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(testOptions(srv.URL))
	_, err := c.Fetch(context.Background(), model.EntityCrash, 0, "")
	require.Error(t, err)
	assert.Equal(t, resilience.KindTransientFetch, resilience.KindOf(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_ClientErrorIsFatal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"message":"no such dataset"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(testOptions(srv.URL))
	_, err := c.Fetch(context.Background(), model.EntityCrash, 0, "")
	require.Error(t, err)
	assert.Equal(t, resilience.KindFatalFetch, resilience.KindOf(err))
	assert.Contains(t, err.Error(), "HTTP 404")
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_UndecodableBodyIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"not":"an array"}`)
	}))
	defer srv.Close()

	c := NewClient(testOptions(srv.URL))
	_, err := c.Fetch(context.Background(), model.EntityCrash, 0, "")
	assert.Equal(t, resilience.KindFatalFetch, resilience.KindOf(err))
}

func TestFetch_TimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-time.After(500 * time.Millisecond):
			case <-r.Context().Done():
			}
			return
		}
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	opts := testOptions(srv.URL)
	opts.Timeout = 30 * time.Millisecond
	c := NewClient(opts)

	_, err := c.Fetch(context.Background(), model.EntityCrash, 0, "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetch_InvalidTokenAndUnknownEntity(t *testing.T) {
	c := NewClient(testOptions("http://127.0.0.1:1"))
	_, err := c.Fetch(context.Background(), model.EntityCrash, 0, "page-two")
	assert.Equal(t, resilience.KindFatalFetch, resilience.KindOf(err))

	_, err = c.Fetch(context.Background(), model.EntityType("bicycle"), 0, "")
	assert.Equal(t, resilience.KindFatalFetch, resilience.KindOf(err))
	assert.Contains(t, err.Error(), "no dataset configured")
}

func TestFetch_DatasetOverrideKeepsDefaults(t *testing.T) {
	paths := make(chan string, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	opts := testOptions(srv.URL)
	opts.Datasets = map[model.EntityType]string{model.EntityCrash: "abcd-1234"}
	c := NewClient(opts)

	for _, e := range model.AllEntities {
		_, err := c.Fetch(context.Background(), e, 0, "")
		require.NoError(t, err, "entity %s", e)
	}
	assert.Equal(t, "/abcd-1234.json", <-paths)
	assert.Equal(t, "/68nd-jvt3.json", <-paths)
	assert.Equal(t, "/u6pd-qa9d.json", <-paths)
	assert.Equal(t, "85ca-t3if", DefaultDatasets[model.EntityCrash], "defaults are not mutated")
}

func TestFetch_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewClient(testOptions(srv.URL))
	_, err := c.Fetch(ctx, model.EntityCrash, 0, "")
	assert.Equal(t, resilience.KindCancelled, resilience.KindOf(err))
}

func TestFetch_MaxInFlightBound(t *testing.T) {
	var cur, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	opts := testOptions(srv.URL)
	opts.MaxInFlight = 2
	c := NewClient(opts)

	done := make(chan struct{})
	for i := range 6 {
		go func() {
			_, _ = c.Fetch(context.Background(), model.EntityCrash, 0, strconv.Itoa(i))
			done <- struct{}{}
		}()
	}
	for range 6 {
		<-done
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestAdaptiveLimiter(t *testing.T) {
	l := NewAdaptiveLimiter(8, 1)
	l.OnRateLimit()
	assert.Equal(t, rate.Limit(4), l.Limit())
	l.OnRateLimit()
	l.OnRateLimit()
	assert.Equal(t, rate.Limit(2), l.Limit(), "floor is a quarter of the initial rate")
	for range 20 {
		l.OnSuccess()
	}
	assert.Equal(t, rate.Limit(8), l.Limit())

	unlimited := NewAdaptiveLimiter(0, 0)
	unlimited.OnRateLimit()
	assert.Equal(t, rate.Inf, unlimited.Limit())
}

func TestRateLimitedResponseSlowsClient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	opts := testOptions(srv.URL)
	opts.RequestsPerSecond = 1000
	opts.Burst = 10
	c := NewClient(opts)
	_, err := c.Fetch(context.Background(), model.EntityCrash, 0, "")
	require.NoError(t, err)
	assert.Less(t, float64(c.limiter.Limit()), 1000.0)
}

func TestFetch_ContextRetryHook(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	var hooked []int
	ctx := WithRetryHook(context.Background(), func(attempt int, _ error) { hooked = append(hooked, attempt) })
	_, err := NewClient(testOptions(srv.URL)).Fetch(ctx, model.EntityCrash, 0, "")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, hooked)
}
