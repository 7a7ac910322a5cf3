// Package source is the client for the paginated Socrata (SODA) endpoints
// that publish the crash, vehicle and person datasets.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/crash-pipeline/internal/model"
	"github.com/sells-group/crash-pipeline/internal/resilience"
)

// DefaultDatasets maps entity types to the Chicago open data dataset ids.
var DefaultDatasets = map[model.EntityType]string{
	model.EntityCrash:   "85ca-t3if",
	model.EntityVehicle: "68nd-jvt3",
	model.EntityPerson:  "u6pd-qa9d",
}

// socrataTimestamp is the floating timestamp format used in SoQL literals.
const socrataTimestamp = "2006-01-02T15:04:05.000"

// Page is one page of source records.
type Page struct {
	// Records are the raw JSON objects in source order.
	Records []json.RawMessage
	// NextPageToken is empty on the last page.
	NextPageToken string
	// HighWater is the greatest cursor value in the page, or the since
	// watermark when no record carries a parseable cursor.
	HighWater model.Watermark
}

// Fetcher returns one page of records for an entity type.
type Fetcher interface {
	Fetch(ctx context.Context, entity model.EntityType, since model.Watermark, pageToken string) (*Page, error)
}

// Options configures a Client.
type Options struct {
	BaseURL           string
	AppToken          string
	UserAgent         string
	PageSize          int
	// Datasets overrides entries of DefaultDatasets.
	Datasets          map[model.EntityType]string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxInFlight       int64
	Retry             resilience.RetryConfig
	// OnRetry is called once per retried attempt.
	OnRetry    func(entity model.EntityType, attempt int, err error)
	HTTPClient *http.Client
}

// Client implements Fetcher against a Socrata endpoint. It is safe for
// concurrent use.
type Client struct {
	opts     Options
	http     *http.Client
	limiter  *AdaptiveLimiter
	inFlight *semaphore.Weighted
}

// NewClient applies defaults to opts and returns a Client.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://data.cityofchicago.org/resource"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 4
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "crash-pipeline/1.0"
	}
	datasets := maps.Clone(DefaultDatasets)
	maps.Copy(datasets, opts.Datasets)
	opts.Datasets = datasets
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: &http.Transport{
			MaxIdleConnsPerHost: int(opts.MaxInFlight),
			IdleConnTimeout:     90 * time.Second,
		}}
	}
	return &Client{
		opts:     opts,
		http:     hc,
		limiter:  NewAdaptiveLimiter(opts.RequestsPerSecond, opts.Burst),
		inFlight: semaphore.NewWeighted(opts.MaxInFlight),
	}
}

// PageSize returns the effective page size.
func (c *Client) PageSize() int { return c.opts.PageSize }

// Fetch returns the page at pageToken of records whose cursor is at or after
// since, ordered by cursor then natural key. Transient failures are retried
// per the retry policy; exhaustion yields a KindTransientFetch error and any
// other failure a KindFatalFetch error.
func (c *Client) Fetch(ctx context.Context, entity model.EntityType, since model.Watermark, pageToken string) (*Page, error) {
	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return nil, resilience.EntityError(resilience.KindFatalFetch, "fetch_page", string(entity), int64(since),
				eris.Errorf("invalid page token %q", pageToken))
		}
		offset = n
	}
	reqURL, err := c.pageURL(entity, since, offset)
	if err != nil {
		return nil, resilience.EntityError(resilience.KindFatalFetch, "fetch_page", string(entity), int64(since), err)
	}

	policy := c.opts.Retry
	policy.OnRetry = resilience.Chain(
		resilience.LogRetries("source", "fetch_page",
			zap.String("entity", string(entity)),
			zap.Int("offset", offset)),
		func(attempt int, err error) {
			if c.opts.OnRetry != nil {
				c.opts.OnRetry(entity, attempt, err)
			}
		},
		retryHookFrom(ctx),
	)

	records, err := resilience.DoVal(ctx, policy, func(ctx context.Context) ([]json.RawMessage, error) {
		return c.attempt(ctx, reqURL)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "fetch cancelled")
		}
		kind := resilience.KindFatalFetch
		if resilience.IsTransient(err) {
			kind = resilience.KindTransientFetch
		}
		return nil, resilience.EntityError(kind, "fetch_page", string(entity), int64(since), err)
	}

	page := &Page{Records: records, HighWater: since}
	for _, rec := range records {
		if w, ok := cursorOf(rec); ok && w > page.HighWater {
			page.HighWater = w
		}
	}
	if len(records) >= c.opts.PageSize {
		page.NextPageToken = strconv.Itoa(offset + len(records))
	}
	return page, nil
}

func (c *Client) pageURL(entity model.EntityType, since model.Watermark, offset int) (string, error) {
	dataset, ok := c.opts.Datasets[entity]
	if !ok {
		return "", eris.Errorf("no dataset configured for entity %q", entity)
	}
	order := make([]string, 0, 3)
	order = append(order, model.CursorField+" ASC")
	for _, k := range entity.KeyFields() {
		order = append(order, k+" ASC")
	}

	q := url.Values{}
	q.Set("$order", strings.Join(order, ", "))
	q.Set("$limit", strconv.Itoa(c.opts.PageSize))
	q.Set("$offset", strconv.Itoa(offset))
	if since > model.Beginning {
		q.Set("$where", fmt.Sprintf("%s >= '%s'", model.CursorField, since.Time().Format(socrataTimestamp)))
	}
	return c.opts.BaseURL + "/" + dataset + ".json?" + q.Encode(), nil
}

// attempt performs one bounded, rate-limited request.
func (c *Client) attempt(ctx context.Context, reqURL string) ([]json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limiter wait")
	}
	if err := c.inFlight.Acquire(ctx, 1); err != nil {
		return nil, eris.Wrap(err, "acquire request slot")
	}
	defer c.inFlight.Release(1)

	actx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if c.opts.AppToken != "" {
		req.Header.Set("X-App-Token", c.opts.AppToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if actx.Err() != nil && ctx.Err() == nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "request timed out"), 0)
		}
		return nil, eris.Wrap(err, "request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "read body"), resp.StatusCode)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.limiter.OnRateLimit()
	}
	if resp.StatusCode != http.StatusOK {
		statusErr := eris.Errorf("source returned HTTP %d: %s", resp.StatusCode, truncate(body, 200))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, statusErr
	}
	c.limiter.OnSuccess()

	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, eris.Wrap(err, "decode page")
	}
	return records, nil
}

type retryHookKey struct{}

// WithRetryHook returns a context under which Fetch reports every retried
// attempt to fn, in addition to Options.OnRetry.
func WithRetryHook(ctx context.Context, fn func(attempt int, err error)) context.Context {
	return context.WithValue(ctx, retryHookKey{}, fn)
}

func retryHookFrom(ctx context.Context) func(int, error) {
	fn, _ := ctx.Value(retryHookKey{}).(func(int, error))
	return fn
}

// cursorOf extracts the cursor field from a raw record.
func cursorOf(rec json.RawMessage) (model.Watermark, bool) {
	var probe map[string]any
	if err := json.Unmarshal(rec, &probe); err != nil {
		return 0, false
	}
	s, ok := probe[model.CursorField].(string)
	if !ok {
		return 0, false
	}
	t, err := model.ParseTimestamp(s)
	if err != nil {
		return 0, false
	}
	return model.WatermarkFromTime(t), true
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
