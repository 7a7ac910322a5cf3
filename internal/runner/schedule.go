package runner

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/crash-pipeline/internal/model"
)

// Schedule runs the incremental chain every interval until ctx is
// cancelled. A tick that finds a stage still busy is skipped.
func (r *Runner) Schedule(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	log := r.log.With(zap.String("component", "runner.schedule"))
	log.Info("starting scheduler", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return
		case <-ticker.C:
			r.tick(ctx, log)
		}
	}
}

func (r *Runner) tick(ctx context.Context, log *zap.Logger) {
	sums, err := r.RunChain(ctx, model.RunRequest{Mode: model.ModeIncremental})
	switch {
	case errors.Is(err, ErrStageBusy):
		log.Warn("scheduled run skipped, stage busy", zap.Error(err))
	case err != nil:
		log.Error("scheduled run failed", zap.Error(err))
	default:
		log.Info("scheduled run complete", zap.Int("stages", len(sums)))
	}
}
