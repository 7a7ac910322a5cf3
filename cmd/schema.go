package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/crash-pipeline/internal/model"
)

// layerSchema documents one layer contract.
type layerSchema struct {
	Schema  string             `json:"schema"`
	Columns []model.ColumnSpec `json:"columns"`
}

var schemaCmd = &cobra.Command{
	Use:       "schema [silver|gold]",
	Short:     "Print a layer contract",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"silver", "gold"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] == "gold" {
			return printJSON(cmd.OutOrStdout(), layerSchema{Schema: model.GoldSchema, Columns: model.GoldColumns})
		}
		cols := make([]model.ColumnSpec, len(model.SilverColumns))
		for i, name := range model.SilverColumns {
			cols[i] = model.ColumnSpec{Name: name, Type: model.TypeText, Nullable: true}
		}
		return printJSON(cmd.OutOrStdout(), layerSchema{Schema: model.SilverSchema, Columns: cols})
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
