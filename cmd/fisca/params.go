package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/warp/microsim/api"
)

var paramsCmd = &cobra.Command{
	Use:   "params [path]",
	Short: "Show a parameter, node or scale",
	Long: `Show the legislation item at a dotted path (the root when omitted).
With --at, a parameter is also evaluated on that date.

  fisca params taxes.income_tax_rate --at 2017-01-01`,
	Args: cobra.MaximumNArgs(1),
	RunE: runParams,
}

func init() {
	paramsCmd.Flags().String("at", "", "instant to evaluate the parameter at (YYYY-MM-DD)")
	rootCmd.AddCommand(paramsCmd)
}

func runParams(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	var path string
	if len(args) == 1 {
		path = args[0]
	}
	at, _ := cmd.Flags().GetString("at")

	dto, err := api.DescribeParameter(a.pkg.System.Legislation(), path, at)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(dto)
}
