package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/crash-pipeline/internal/api"
)

var (
	servePort     int
	serveSchedule time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP trigger server",
	Long:  "Serves run triggers, watermarks, health and Prometheus metrics. With --schedule the incremental chain also runs on a fixed interval.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		interval := serveSchedule
		if interval == 0 && cfg.Server.ScheduleMinutes > 0 {
			interval = time.Duration(cfg.Server.ScheduleMinutes) * time.Minute
		}

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: api.NewRouter(api.Options{
				Runner:         env.Runner,
				Watermarks:     env.Extractor.Watermarks(),
				Metrics:        env.Metrics.Handler(),
				AllowedOrigins: cfg.Server.AllowedOrigins,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		return serveUntilDone(ctx, stop, srv, env.Runner, interval)
	},
}

// scheduler runs the incremental chain on an interval until ctx is done.
type scheduler interface {
	Schedule(ctx context.Context, interval time.Duration)
}

// serveUntilDone serves srv and, when interval is positive, runs the
// scheduler beside it. It returns after ctx is done, once the server has
// drained and the scheduled chain in flight has finished, so callers may
// close the stores afterwards. stop cancels ctx when the listener fails.
func serveUntilDone(ctx context.Context, stop context.CancelFunc, srv *http.Server, sched scheduler, interval time.Duration) error {
	var wg sync.WaitGroup
	if interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Schedule(ctx, interval)
		}()
	}

	// Graceful shutdown
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.String("addr", srv.Addr), zap.Duration("schedule", interval))
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	stop()
	wg.Wait()
	return eris.Wrap(err, "server listen")
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().DurationVar(&serveSchedule, "schedule", 0, "run the incremental chain every interval, e.g. 1h (0 disables)")
	rootCmd.AddCommand(serveCmd)
}
