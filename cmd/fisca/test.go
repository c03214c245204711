package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/microsim/scenario"
)

var errTestsFailed = errors.New("tests failed")

var testCmd = &cobra.Command{
	Use:   "test [path...]",
	Short: "Run YAML test cases against the country package",
	Long: `Run YAML test cases. Without arguments, the package's own tests/ directory
is used; otherwise every file or directory given is loaded.`,
	RunE: runTest,
}

func init() {
	rootCmd.AddCommand(testCmd)
}

func runTest(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	cases := a.pkg.Tests
	if len(args) > 0 {
		cases = nil
		for _, path := range args {
			loaded, err := scenario.LoadPath(path)
			if err != nil {
				return err
			}
			cases = append(cases, loaded...)
		}
	}

	results := scenario.RunAll(a.pkg.System, cases)
	fmt.Fprint(cmd.OutOrStdout(), scenario.Summary(results))

	failed := 0
	for _, r := range results {
		if !r.Passed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", errTestsFailed, failed, len(results))
	}
	return nil
}
