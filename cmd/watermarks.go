package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/crash-pipeline/internal/extract"
)

var watermarksCmd = &cobra.Command{
	Use:   "watermarks",
	Short: "Print the persisted watermark of every entity",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("pipeline"); err != nil {
			return err
		}
		st, err := initObjStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		states, err := extract.NewWatermarkStore(st).List(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), states)
	},
}

func init() {
	rootCmd.AddCommand(watermarksCmd)
}
