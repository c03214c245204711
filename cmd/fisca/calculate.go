package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/microsim/api"
	"github.com/warp/microsim/scenario"
)

var calculateCmd = &cobra.Command{
	Use:   "calculate",
	Short: "Evaluate variables over a situation file",
	Long: `Evaluate variables over a situation read from a YAML or JSON file ("-" for stdin).

  fisca calculate -i household.yaml -p 2017-01 -v income_tax -v household_income
  fisca calculate -i household.yaml -p 2017 -v income_tax -r demo.flat_tax --trace`,
	Args: cobra.NoArgs,
	RunE: runCalculate,
}

func init() {
	f := calculateCmd.Flags()
	f.StringP("input", "i", "", "situation file (YAML or JSON, - for stdin)")
	f.StringP("period", "p", "", "period to calculate, e.g. 2017, 2017-01")
	f.StringSliceP("var", "v", nil, "variable to calculate (repeatable)")
	f.StringSliceP("reform", "r", nil, "reform to apply (repeatable, applied in order)")
	f.Bool("trace", false, "print the calculation tree")
	_ = calculateCmd.MarkFlagRequired("input")
	_ = calculateCmd.MarkFlagRequired("period")
	_ = calculateCmd.MarkFlagRequired("var")
	rootCmd.AddCommand(calculateCmd)
}

func runCalculate(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	path, _ := cmd.Flags().GetString("input")
	input, err := readInput(cmd.InOrStdin(), path)
	if err != nil {
		return err
	}
	req := api.CalculateRequest{Input: input}
	req.Period, _ = cmd.Flags().GetString("period")
	req.Variables, _ = cmd.Flags().GetStringSlice("var")
	req.Reforms, _ = cmd.Flags().GetStringSlice("reform")

	opts := a.runOptions()
	trace, _ := cmd.Flags().GetBool("trace")
	opts.Trace = opts.Trace || trace

	sim, period, err := api.NewSimulation(a.pkg.System, req, opts)
	if err != nil {
		return err
	}
	results, err := api.Calculate(sim, period, req.Variables)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(api.CalculateResponse{Period: period.String(), Results: results}); err != nil {
		return err
	}
	if trace {
		return sim.Traceback().Print(out)
	}
	return nil
}

func readInput(stdin io.Reader, path string) (map[string]any, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading situation: %w", err)
	}
	return scenario.DecodeInput(data)
}
