//go:build !integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/crash-pipeline/internal/config"
	"github.com/sells-group/crash-pipeline/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"extract", "transform", "clean", "run", "serve", "watermarks", "migrate", "schema", "gold"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "crash-pipeline", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestStageCommands_Flags(t *testing.T) {
	for _, c := range []*struct {
		name string
		flag string
		def  string
	}{
		{"extract", "mode", "incremental"},
		{"transform", "cutoff", ""},
		{"run", "mode", "incremental"},
	} {
		cmd, _, err := rootCmd.Find([]string{c.name})
		require.NoError(t, err)
		f := cmd.Flags().Lookup(c.flag)
		require.NotNil(t, f, "%s --%s", c.name, c.flag)
		assert.Equal(t, c.def, f.DefValue)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
	require.NotNil(t, serveCmd.Flags().Lookup("schedule"))
}

// slowScheduler keeps working for a while after its context is cancelled,
// like a chain that is midway through a stage.
type slowScheduler struct {
	finished atomic.Bool
}

func (s *slowScheduler) Schedule(ctx context.Context, _ time.Duration) {
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	s.finished.Store(true)
}

func TestServeUntilDone_WaitsForScheduler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler(), ReadHeaderTimeout: time.Second}
	sched := &slowScheduler{}

	time.AfterFunc(20*time.Millisecond, cancel)
	require.NoError(t, serveUntilDone(ctx, cancel, srv, sched, time.Hour))
	assert.True(t, sched.finished.Load(), "returned before the scheduled chain finished")
}

func TestServeUntilDone_ListenFailureStopsScheduler(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := &http.Server{Addr: ln.Addr().String(), Handler: http.NotFoundHandler(), ReadHeaderTimeout: time.Second}
	sched := &slowScheduler{}

	err = serveUntilDone(ctx, cancel, srv, sched, time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server listen")
	assert.True(t, sched.finished.Load())
}

func TestServeUntilDone_NoSchedule(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler(), ReadHeaderTimeout: time.Second}
	sched := &slowScheduler{}

	time.AfterFunc(10*time.Millisecond, cancel)
	require.NoError(t, serveUntilDone(ctx, cancel, srv, sched, 0))
	assert.False(t, sched.finished.Load(), "scheduler must not start without an interval")
}

func TestGoldCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range goldCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["count"])
	assert.True(t, names["sample"])
}

func TestParseCutoff(t *testing.T) {
	w, err := parseCutoff("1709251200")
	require.NoError(t, err)
	assert.Equal(t, model.Watermark(1709251200), w)

	w, err = parseCutoff("2024-03-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, model.Watermark(1709251200), w)

	_, err = parseCutoff("last tuesday")
	assert.Error(t, err)
}

func TestStageFlags_Request(t *testing.T) {
	f := stageFlags{mode: "backfill", cutoff: "10"}
	req, err := f.request()
	require.NoError(t, err)
	assert.Equal(t, model.ModeBackfill, req.Mode)
	require.NotNil(t, req.Cutoff)
	assert.Equal(t, model.Watermark(10), *req.Cutoff)

	f = stageFlags{mode: "weekly"}
	_, err = f.request()
	assert.Error(t, err)
}

func TestSchemaCommand_Output(t *testing.T) {
	var out bytes.Buffer
	schemaCmd.SetOut(&out)
	t.Cleanup(func() { schemaCmd.SetOut(nil) })
	require.NoError(t, schemaCmd.RunE(schemaCmd, []string{"gold"}))

	var s layerSchema
	require.NoError(t, json.Unmarshal(out.Bytes(), &s))
	assert.Equal(t, model.GoldSchema, s.Schema)
	assert.Len(t, s.Columns, len(model.GoldColumns))
}

func TestPipelineEnv_Close_Nil(t *testing.T) {
	pe := &pipelineEnv{}
	assert.NotPanics(t, func() {
		pe.Close()
	})
}

func TestInitPipeline_FailsOnBadDriver(t *testing.T) {
	cfg = testConfig(t, "http://127.0.0.1:1")
	cfg.Gold.Driver = "duckdb"

	env, err := initPipeline(context.Background(), "pipeline")
	assert.Nil(t, env)
	assert.ErrorContains(t, err, "unknown gold.driver")
}

// sodaServer serves every dataset from a fixed record list, honoring
// $offset and $limit.
func sodaServer(t *testing.T, datasets map[string][]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".json")
		recs, ok := datasets[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		offset, _ := strconv.Atoi(r.URL.Query().Get("$offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("$limit"))
		end := min(offset+limit, len(recs))
		if offset > end {
			offset = end
		}
		fmt.Fprintf(w, "[%s]", strings.Join(recs[offset:end], ","))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	c := &config.Config{}
	c.Source.BaseURL = baseURL
	c.Source.PageSize = 2
	c.Source.TimeoutSecs = 5
	c.Source.MaxAttempts = 2
	c.Source.InitialBackoffMS = 1
	c.Source.MaxBackoffMS = 2
	c.Extract.Concurrency = 3
	c.Transform.PartRows = 2
	c.ObjStore.Driver = "fs"
	c.ObjStore.Root = filepath.Join(dir, "objects")
	c.Gold.Driver = "sqlite"
	c.Gold.Path = filepath.Join(dir, "gold.db")
	c.Server.Port = 8080
	return c
}

func TestRunChain_EndToEnd(t *testing.T) {
	srv := sodaServer(t, map[string][]string{
		"85ca-t3if": {
			`{"crash_record_id":"C1","crash_date":"2024-03-01T10:00:00.000","weather_condition":"CLEAR","latitude":"41.9","longitude":"-87.6","injuries_total":"1"}`,
			`{"crash_record_id":"C2","crash_date":"2024-03-01T11:00:00.000","latitude":"41.8","longitude":"-87.7"}`,
			`{"crash_record_id":"C3","crash_date":"2024-03-01T12:00:00.000","latitude":"41.7"}`,
		},
		"68nd-jvt3": {
			`{"crash_record_id":"C1","vehicle_id":"V1","crash_date":"2024-03-01T10:00:00.000","vehicle_type":"PASSENGER","maneuver":"STRAIGHT AHEAD"}`,
			`{"crash_record_id":"C2","vehicle_id":"V2","crash_date":"2024-03-01T11:00:00.000","vehicle_type":"BUS","maneuver":"TURNING LEFT"}`,
		},
		"u6pd-qa9d": {
			`{"crash_record_id":"C1","person_id":"P1","crash_date":"2024-03-01T10:00:00.000","person_type":"DRIVER","injury_classification":"NONINCAPACITATING INJURY"}`,
		},
	})
	cfg = testConfig(t, srv.URL)
	ctx := context.Background()

	env, err := initPipeline(ctx, "pipeline")
	require.NoError(t, err)
	defer env.Close()

	sums, err := env.Runner.RunChain(ctx, model.RunRequest{})
	require.NoError(t, err)
	require.Len(t, sums, 3)
	for _, s := range sums {
		assert.Equal(t, model.RunStatusSuccess, s.Status, "stage %s", s.Stage)
	}
	assert.Equal(t, int64(6), sums[0].RowsOut)
	assert.Equal(t, int64(3), sums[1].RowsOut)
	assert.Equal(t, int64(2), sums[2].RowsOut)
	assert.Equal(t, int64(1), sums[2].RowsRejected, "C3 has no longitude")

	n, err := env.Gold.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rows, err := env.Gold.Sample(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "C1", rows[0]["crash_record_id"])
	assert.Equal(t, "injury", rows[0]["severity"])
	assert.Equal(t, int64(1), rows[0]["driver_count"])

	states, err := env.Extractor.Watermarks().List(ctx)
	require.NoError(t, err)
	for _, s := range states {
		assert.Positive(t, int64(s.Value), "%s watermark advanced", s.Entity)
	}

	// A second incremental chain refetches the boundary records and
	// converges on the same Gold content.
	sums, err = env.Runner.RunChain(ctx, model.RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), sums[2].RowsOut)
	n, err = env.Gold.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
