package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/crash-pipeline/internal/model"
)

var runFlags stageFlags

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run extract, transform and clean in order",
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := runFlags.request()
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

		sums, err := env.Runner.RunChain(ctx, req)
		if perr := printJSON(cmd.OutOrStdout(), sums); perr != nil {
			return perr
		}
		if err != nil {
			return err
		}
		for _, s := range sums {
			if s.Status == model.RunStatusPartial {
				return eris.Errorf("%s finished with status partial", s.Stage)
			}
		}
		return nil
	},
}

func init() {
	runFlags.register(runCmd)
	rootCmd.AddCommand(runCmd)
}
