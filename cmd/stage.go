package main

import (
	"encoding/json"
	"io"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/crash-pipeline/internal/model"
)

// stageFlags are shared by the single-stage commands and run.
type stageFlags struct {
	mode   string
	cutoff string
}

func (f *stageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.mode, "mode", "incremental", "backfill or incremental")
	cmd.Flags().StringVar(&f.cutoff, "cutoff", "", "exclusive upper watermark (unix seconds or RFC 3339) for transform")
}

func (f *stageFlags) request() (model.RunRequest, error) {
	req := model.RunRequest{Mode: model.Mode(f.mode)}
	if f.cutoff != "" {
		w, err := parseCutoff(f.cutoff)
		if err != nil {
			return model.RunRequest{}, err
		}
		req.Cutoff = &w
	}
	return req.Normalize()
}

// parseCutoff accepts unix seconds or a timestamp.
func parseCutoff(s string) (model.Watermark, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return model.Watermark(n), nil
	}
	t, err := model.ParseTimestamp(s)
	if err != nil {
		return 0, eris.Errorf("invalid --cutoff %q: want unix seconds or a timestamp", s)
	}
	return model.WatermarkFromTime(t), nil
}

func newStageCmd(stage model.Stage, short string) *cobra.Command {
	var flags stageFlags
	cmd := &cobra.Command{
		Use:   string(stage),
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			env, err := initPipeline(ctx, "pipeline")
			if err != nil {
				return err
			}
			defer env.Close()

			sum, err := env.Runner.Run(ctx, stage, req)
			if sum != nil {
				if perr := printJSON(cmd.OutOrStdout(), sum); perr != nil {
					return perr
				}
			}
			if err != nil {
				return eris.Wrapf(err, "%s", stage)
			}
			if sum.Status == model.RunStatusPartial {
				return eris.Errorf("%s finished with status partial", stage)
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "write output")
}

var (
	extractCmd   = newStageCmd(model.StageExtract, "Fetch new source pages into raw batches")
	transformCmd = newStageCmd(model.StageTransform, "Build a Silver snapshot from raw batches")
	cleanCmd     = newStageCmd(model.StageClean, "Validate the latest Silver snapshot into the Gold table")
)

func init() {
	rootCmd.AddCommand(extractCmd, transformCmd, cleanCmd)
}
