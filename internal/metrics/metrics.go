// Package metrics exposes per-stage Prometheus metrics for the pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/crash-pipeline/internal/model"
)

// Registry owns the metric set of one process.
type Registry struct {
	reg    *prometheus.Registry
	stages map[model.Stage]*Stage
}

// NewRegistry registers the metric families of every stage plus the Go
// runtime and process collectors.
func NewRegistry() *Registry {
	r := &Registry{
		reg:    prometheus.NewRegistry(),
		stages: make(map[model.Stage]*Stage),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, s := range []model.Stage{model.StageExtract, model.StageTransform, model.StageClean} {
		st := newStage(s.MetricName())
		st.register(r.reg)
		r.stages[s] = st
	}
	return r
}

// Stage returns the metrics of one stage.
func (r *Registry) Stage(s model.Stage) *Stage {
	return r.stages[s]
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Stage groups the metrics emitted by one pipeline stage.
type Stage struct {
	RowsIn       prometheus.Counter
	RowsOut      prometheus.Counter
	RowsRejected *prometheus.CounterVec
	Errors       *prometheus.CounterVec
	LastSuccess  prometheus.Gauge
	CallDuration *prometheus.HistogramVec
	RunDuration  prometheus.Histogram
	Runs         *prometheus.CounterVec
	DataQuality  *prometheus.CounterVec
}

func newStage(ns string) *Stage {
	return &Stage{
		RowsIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "rows_in_total",
			Help: "Records read by the stage.",
		}),
		RowsOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "rows_out_total",
			Help: "Records written by the stage.",
		}),
		RowsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "rows_rejected_total",
			Help: "Records rejected by the stage, by reason.",
		}, []string{"reason"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "errors_total",
			Help: "Errors observed by the stage, by kind.",
		}, []string{"kind"}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "last_success_timestamp",
			Help: "Unix time of the last fully successful run.",
		}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "call_duration_seconds",
			Help:    "Latency of external calls made by the stage.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"call"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "run_duration_seconds",
			Help:    "Wall time of stage runs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "runs_total",
			Help: "Completed runs, by status.",
		}, []string{"status"}),
		DataQuality: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "data_quality_total",
			Help: "Data quality events, by check.",
		}, []string{"check"}),
	}
}

func (s *Stage) register(reg prometheus.Registerer) {
	reg.MustRegister(s.RowsIn, s.RowsOut, s.RowsRejected, s.Errors, s.LastSuccess,
		s.CallDuration, s.RunDuration, s.Runs, s.DataQuality)
}

// ObserveCall records the latency of a call that started at start.
func (s *Stage) ObserveCall(call string, start time.Time) {
	s.CallDuration.WithLabelValues(call).Observe(time.Since(start).Seconds())
}

// Error counts one error of the given kind.
func (s *Stage) Error(kind string) {
	s.Errors.WithLabelValues(kind).Inc()
}

// Reject counts one rejected record.
func (s *Stage) Reject(reason string) {
	s.RowsRejected.WithLabelValues(reason).Inc()
}

// Quality adds n to a data quality check.
func (s *Stage) Quality(check string, n int) {
	if n > 0 {
		s.DataQuality.WithLabelValues(check).Add(float64(n))
	}
}

// FinishRun records the outcome of a run.
func (s *Stage) FinishRun(sum *model.RunSummary) {
	s.RunDuration.Observe(sum.Duration.Seconds())
	s.Runs.WithLabelValues(string(sum.Status)).Inc()
	if sum.Status == model.RunStatusSuccess {
		s.LastSuccess.Set(float64(sum.FinishedAt.Unix()))
	}
}
