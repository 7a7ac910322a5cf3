package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var goldSampleLimit int

var goldCmd = &cobra.Command{
	Use:   "gold",
	Short: "Inspect the Gold table",
}

var goldCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of rows behind the gold_crashes view",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("gold"); err != nil {
			return err
		}
		g, err := initGold(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer g.Close()

		n, err := g.Count(cmd.Context())
		if err != nil {
			return err
		}
		table, err := g.Active(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d rows in %s\n", n, table)
		return nil
	},
}

var goldSampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Print sample Gold rows as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("gold"); err != nil {
			return err
		}
		g, err := initGold(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer g.Close()

		rows, err := g.Sample(cmd.Context(), goldSampleLimit)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rows)
	},
}

func init() {
	goldSampleCmd.Flags().IntVar(&goldSampleLimit, "limit", 5, "rows to print")
	goldCmd.AddCommand(goldCountCmd, goldSampleCmd)
	rootCmd.AddCommand(goldCmd)
}
