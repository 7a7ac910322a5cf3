package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// Mode selects how the Extractor picks its starting watermark.
type Mode string

const (
	ModeBackfill    Mode = "backfill"
	ModeIncremental Mode = "incremental"
)

// ParseMode converts "backfill" or "incremental" into a Mode. An empty
// string means incremental.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeIncremental, nil
	case ModeBackfill, ModeIncremental:
		return Mode(s), nil
	default:
		return "", eris.Errorf("unknown mode: %q (valid: backfill, incremental)", s)
	}
}

// Stage identifies a pipeline stage.
type Stage string

const (
	StageExtract   Stage = "extract"
	StageTransform Stage = "transform"
	StageClean     Stage = "clean"
)

// ParseStage converts a string into a Stage.
func ParseStage(s string) (Stage, error) {
	switch Stage(s) {
	case StageExtract, StageTransform, StageClean:
		return Stage(s), nil
	default:
		return "", eris.Errorf("unknown stage: %q (valid: extract, transform, clean)", s)
	}
}

// MetricName returns the metric namespace for the stage
// (extractor, transformer, cleaner).
func (s Stage) MetricName() string {
	switch s {
	case StageExtract:
		return "extractor"
	case StageTransform:
		return "transformer"
	case StageClean:
		return "cleaner"
	default:
		return string(s)
	}
}

// RunRequest is the trigger payload accepted by every stage.
type RunRequest struct {
	Mode   Mode       `json:"mode"`
	Cutoff *Watermark `json:"cutoff,omitempty"`
}

// Normalize fills defaults and validates the request.
func (r RunRequest) Normalize() (RunRequest, error) {
	m, err := ParseMode(string(r.Mode))
	if err != nil {
		return RunRequest{}, err
	}
	r.Mode = m
	if r.Cutoff != nil && *r.Cutoff < 0 {
		return RunRequest{}, eris.Errorf("cutoff must be non-negative, got %d", *r.Cutoff)
	}
	return r, nil
}

// RunStatus is the outcome of a stage invocation.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
)

// EntitySummary describes one entity type's share of an extraction run.
type EntitySummary struct {
	Entity          EntityType `json:"entity"`
	Status          RunStatus  `json:"status"`
	Pages           int        `json:"pages"`
	RowsFetched     int64      `json:"rows_fetched"`
	RowsWritten     int64      `json:"rows_written"`
	StartWatermark  Watermark  `json:"start_watermark"`
	EndWatermark    Watermark  `json:"end_watermark"`
	TransientErrors int64      `json:"transient_errors"`
	ErrorKind       string     `json:"error_kind,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// RunSummary is the ephemeral record of one stage invocation.
type RunSummary struct {
	RunID        string           `json:"run_id"`
	Stage        Stage            `json:"stage"`
	Mode         Mode             `json:"mode,omitempty"`
	Status       RunStatus        `json:"status"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
	Duration     time.Duration    `json:"-"`
	DurationSecs float64          `json:"duration_secs"`
	RowsIn       int64            `json:"rows_in"`
	RowsOut      int64            `json:"rows_out"`
	RowsRejected int64            `json:"rows_rejected"`
	Errors       int64            `json:"errors"`
	Entities     []EntitySummary  `json:"entities,omitempty"`
	Details      map[string]int64 `json:"details,omitempty"`
	Artifact     string           `json:"artifact,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// NewRunSummary starts a summary with a fresh run ID.
func NewRunSummary(stage Stage, mode Mode) *RunSummary {
	return &RunSummary{
		RunID:     uuid.New().String(),
		Stage:     stage,
		Mode:      mode,
		StartedAt: time.Now().UTC(),
		Details:   make(map[string]int64),
	}
}

// Finish stamps the end time and status.
func (s *RunSummary) Finish(status RunStatus) {
	s.FinishedAt = time.Now().UTC()
	s.Duration = s.FinishedAt.Sub(s.StartedAt)
	s.DurationSecs = s.Duration.Seconds()
	s.Status = status
}

// AddDetail increments a named counter in the summary's detail map.
func (s *RunSummary) AddDetail(name string, n int64) {
	if n == 0 {
		return
	}
	if s.Details == nil {
		s.Details = make(map[string]int64)
	}
	s.Details[name] += n
}
