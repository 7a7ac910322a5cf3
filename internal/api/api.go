// Package api is the HTTP trigger interface: run requests, watermark
// inspection, health and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/crash-pipeline/internal/extract"
	"github.com/sells-group/crash-pipeline/internal/model"
	"github.com/sells-group/crash-pipeline/internal/resilience"
	"github.com/sells-group/crash-pipeline/internal/runner"
)

// Runner is the subset of *runner.Runner the API drives.
type Runner interface {
	Run(ctx context.Context, stage model.Stage, req model.RunRequest) (*model.RunSummary, error)
	RunChain(ctx context.Context, req model.RunRequest) ([]*model.RunSummary, error)
}

// WatermarkLister reports the persisted watermarks.
type WatermarkLister interface {
	List(ctx context.Context) ([]extract.WatermarkState, error)
}

// Options configures the router.
type Options struct {
	Runner     Runner
	Watermarks WatermarkLister
	Metrics    http.Handler
	// AllowedOrigins feeds the CORS middleware. Empty allows any origin.
	AllowedOrigins []string
}

// NewRouter returns the HTTP handler.
func NewRouter(opts Options) http.Handler {
	h := &handler{opts: opts, log: zap.L().With(zap.String("component", "api"))}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	r.Post("/runs/{stage}", h.run)
	r.Get("/watermarks", h.watermarks)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	return r
}

type handler struct {
	opts Options
	log  *zap.Logger
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// runResponse is the body of POST /runs/{stage}.
type runResponse struct {
	Runs  []*model.RunSummary `json:"runs,omitempty"`
	Error string              `json:"error,omitempty"`
}

func (h *handler) run(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "stage")

	var req model.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, runResponse{Error: "invalid request body"})
		return
	}
	req, err := req.Normalize()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, runResponse{Error: err.Error()})
		return
	}

	var sums []*model.RunSummary
	if name == "all" {
		sums, err = h.opts.Runner.RunChain(r.Context(), req)
	} else {
		stage, perr := model.ParseStage(name)
		if perr != nil {
			writeJSON(w, http.StatusBadRequest, runResponse{Error: perr.Error()})
			return
		}
		var sum *model.RunSummary
		sum, err = h.opts.Runner.Run(r.Context(), stage, req)
		if sum != nil {
			sums = append(sums, sum)
		}
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, runResponse{Runs: sums})
	case errors.Is(err, runner.ErrStageBusy):
		writeJSON(w, http.StatusConflict, runResponse{Runs: sums, Error: err.Error()})
	case errors.Is(err, runner.ErrUnknownStage):
		writeJSON(w, http.StatusBadRequest, runResponse{Error: err.Error()})
	case len(sums) == 0 && resilience.KindOf(err) == resilience.KindValidation:
		writeJSON(w, http.StatusBadRequest, runResponse{Error: err.Error()})
	default:
		h.log.Error("run failed", zap.String("stage", name), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, runResponse{Runs: sums, Error: err.Error()})
	}
}

func (h *handler) watermarks(w http.ResponseWriter, r *http.Request) {
	states, err := h.opts.Watermarks.List(r.Context())
	if err != nil {
		h.log.Error("list watermarks", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list watermarks failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"watermarks": states})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}
