package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/microsim/api"
	"github.com/warp/microsim/periods"
	"github.com/warp/microsim/scenario"
	"github.com/warp/microsim/store/sqlite"
)

// =============================================================================
// DATASET COMMANDS
// =============================================================================

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Manage stored datasets and calculation runs",
}

var datasetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored datasets",
	Args:  cobra.NoArgs,
	RunE: withStore(func(cmd *cobra.Command, a *app, store *sqlite.Store, args []string) error {
		list, err := store.ListDatasets(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tPERIOD\tPERSONS\tUPDATED\tDESCRIPTION")
		for _, ds := range list {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
				ds.Name, periodOrDash(ds.Period), ds.Persons, ds.UpdatedAt.Format(time.DateTime), ds.Description)
		}
		return tw.Flush()
	}),
}

var datasetImportCmd = &cobra.Command{
	Use:   "import NAME",
	Short: "Store a situation file as a dataset",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(cmd *cobra.Command, a *app, store *sqlite.Store, args []string) error {
		path, _ := cmd.Flags().GetString("input")
		input, err := readInput(cmd.InOrStdin(), path)
		if err != nil {
			return err
		}
		ds := sqlite.Dataset{Name: args[0]}
		ds.Description, _ = cmd.Flags().GetString("description")
		if s, _ := cmd.Flags().GetString("period"); s != "" {
			if ds.Period, err = periods.Parse(s); err != nil {
				return err
			}
		}

		sys := a.pkg.System
		situation, err := scenario.Expand(sys, input)
		if err != nil {
			return err
		}
		built, err := situation.Build(sys, ds.Period)
		if err != nil {
			return err
		}
		if err := store.SaveDataset(cmd.Context(), ds, built, sys); err != nil {
			return err
		}
		a.logger.Info("dataset imported", "dataset", ds.Name, "persons", built.Populations.Persons.Count())
		return nil
	}),
}

var datasetSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Store every test case of the country package as a dataset",
	Args:  cobra.NoArgs,
	RunE: withStore(func(cmd *cobra.Command, a *app, store *sqlite.Store, args []string) error {
		names, err := api.SeedScenarios(cmd.Context(), store, a.pkg)
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return err
	}),
}

var datasetCalculateCmd = &cobra.Command{
	Use:   "calculate NAME",
	Short: "Compute variable totals over a dataset and record the run",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(cmd *cobra.Command, a *app, store *sqlite.Store, args []string) error {
		var req api.DatasetCalculateRequest
		req.Period, _ = cmd.Flags().GetString("period")
		req.Variables, _ = cmd.Flags().GetStringSlice("var")
		req.Reforms, _ = cmd.Flags().GetStringSlice("reform")

		run, err := api.RunDataset(cmd.Context(), store, a.pkg.System, args[0], req, a.runOptions())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "run\t%s\nperiod\t%s\nduration\t%s\n", run.ID, run.Period, run.Duration)
		for _, name := range req.Variables {
			if total, ok := run.Totals[name]; ok {
				fmt.Fprintf(tw, "%s\t%g\n", name, total)
			}
		}
		return tw.Flush()
	}),
}

var datasetRunsCmd = &cobra.Command{
	Use:   "runs [NAME]",
	Short: "List recorded runs, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: withStore(func(cmd *cobra.Command, a *app, store *sqlite.Store, args []string) error {
		var name string
		if len(args) == 1 {
			name = args[0]
		}
		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := store.ListRuns(cmd.Context(), name, limit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tDATASET\tPERIOD\tSTATUS\tCREATED\tERROR")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.Dataset, r.Period, r.Status, r.CreatedAt.Format(time.DateTime), r.Error)
		}
		return tw.Flush()
	}),
}

var datasetDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a dataset",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(cmd *cobra.Command, a *app, store *sqlite.Store, args []string) error {
		return store.DeleteDataset(cmd.Context(), args[0])
	}),
}

var datasetResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every dataset and run",
	Args:  cobra.NoArgs,
	RunE: withStore(func(cmd *cobra.Command, a *app, store *sqlite.Store, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("reset deletes every dataset and run; pass --yes to confirm")
		}
		return store.Reset(cmd.Context())
	}),
}

func init() {
	datasetImportCmd.Flags().StringP("input", "i", "", "situation file (YAML or JSON, - for stdin)")
	datasetImportCmd.Flags().StringP("period", "p", "", "default period of the dataset")
	datasetImportCmd.Flags().String("description", "", "dataset description")
	_ = datasetImportCmd.MarkFlagRequired("input")

	datasetCalculateCmd.Flags().StringP("period", "p", "", "period (defaults to the dataset's)")
	datasetCalculateCmd.Flags().StringSliceP("var", "v", nil, "variable to total (repeatable)")
	datasetCalculateCmd.Flags().StringSliceP("reform", "r", nil, "reform to apply (repeatable)")
	_ = datasetCalculateCmd.MarkFlagRequired("var")

	datasetRunsCmd.Flags().Int("limit", 20, "maximum number of runs (0 for all)")
	datasetResetCmd.Flags().Bool("yes", false, "confirm the reset")

	datasetCmd.AddCommand(datasetListCmd, datasetImportCmd, datasetSeedCmd,
		datasetCalculateCmd, datasetRunsCmd, datasetDeleteCmd, datasetResetCmd)
	rootCmd.AddCommand(datasetCmd)
}

// withStore loads the app and opens the store around fn.
func withStore(fn func(cmd *cobra.Command, a *app, store *sqlite.Store, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		store, err := a.openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(cmd, a, store, args)
	}
}

func periodOrDash(p periods.Period) string {
	if p.IsZero() {
		return "-"
	}
	return p.String()
}
