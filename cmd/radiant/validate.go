package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/mkoziy/radiant/pipeline/internal/models"
	"github.com/mkoziy/radiant/pipeline/internal/repositories"
	"github.com/mkoziy/radiant/pipeline/internal/sources/brim"
	"github.com/mkoziy/radiant/pipeline/internal/validation"
)

const defaultThreshold = 0.8

func validateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Score extracted values against a gold standard",
		Long: "Score extracted values against a gold standard. Actual values come from a YAML or JSON " +
			"dataset, a BRIM results CSV, the extractions of one run (--run) or the latest extraction " +
			"of every gold patient (--latest). The command fails when accuracy is below the threshold.",
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			goldPath, _ := cmd.Flags().GetString("gold")
			actualPath, _ := cmd.Flags().GetString("actual")
			runID, _ := cmd.Flags().GetString("run")
			threshold, _ := cmd.Flags().GetFloat64("threshold")
			format, _ := cmd.Flags().GetString("format")
			out, _ := cmd.Flags().GetString("out")

			if format != "text" && format != "json" {
				return usageErrorf("--format must be text or json, got %q", format)
			}

			gold, err := validation.LoadGoldStandard(goldPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("threshold") {
				threshold = lo.Ternary(gold.Threshold > 0, gold.Threshold, defaultThreshold)
			}
			if threshold < 0 || threshold > 1 {
				return usageErrorf("--threshold %v outside [0,1]", threshold)
			}

			var actual validation.Dataset
			switch {
			case actualPath != "":
				actual, err = loadActual(actualPath)
			case runID != "":
				actual, err = a.storedDataset(cmd.Context(), func(ctx context.Context) ([]*models.Extraction, error) {
					return repositories.RunExtractions(ctx, a.db, runID)
				})
			default:
				actual, err = a.storedDataset(cmd.Context(), func(ctx context.Context) ([]*models.Extraction, error) {
					var rows []*models.Extraction
					for _, patientID := range lo.Keys(gold.Patients) {
						latest, err := repositories.LatestExtractions(ctx, a.db, patientID)
						if err != nil {
							return nil, err
						}
						rows = append(rows, latest...)
					}
					return rows, nil
				})
			}
			if err != nil {
				return err
			}

			report := validation.Compare(gold.Patients, actual)
			if err := output(cmd, out, func(w io.Writer) error {
				if format == "json" {
					return report.WriteJSON(w)
				}
				return report.WriteText(w)
			}); err != nil {
				return err
			}

			if !report.Passed(threshold) {
				return fmt.Errorf("accuracy %.1f%% over %d values is below the %.1f%% threshold",
					report.Accuracy*100, report.Total, threshold*100)
			}
			return nil
		},
	}
	cmd.Flags().String("gold", "", "gold standard YAML file")
	cmd.Flags().String("actual", "", "extracted values: YAML, JSON or a BRIM results CSV")
	cmd.Flags().String("run", "", "score the extractions stored by this run")
	cmd.Flags().Bool("latest", false, "score the latest stored extraction of every gold patient")
	cmd.Flags().Float64("threshold", defaultThreshold, "pass mark in [0,1] (default: the gold file's, else 0.8)")
	cmd.Flags().String("format", "text", "report format: text or json")
	cmd.Flags().String("out", "", "write the report to this file")
	_ = cmd.MarkFlagRequired("gold")
	cmd.MarkFlagsOneRequired("actual", "run", "latest")
	cmd.MarkFlagsMutuallyExclusive("actual", "run", "latest")
	return cmd
}

// loadActual reads a dataset file. CSV files are BRIM results exports.
func loadActual(path string) (validation.Dataset, error) {
	if !strings.EqualFold(filepath.Ext(path), ".csv") {
		return validation.LoadDataset(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := brim.ParseResults(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	ds := validation.Dataset{}
	for patient, vars := range brim.Aggregate(rows) {
		ds[patient] = map[string]validation.Values{}
		for name, values := range vars {
			ds[patient][name] = values
		}
	}
	return ds, nil
}

func (a *app) storedDataset(ctx context.Context, load func(context.Context) ([]*models.Extraction, error)) (validation.Dataset, error) {
	if _, err := a.store(ctx); err != nil {
		return nil, err
	}
	rows, err := load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load extractions: %w", err)
	}
	return validation.FromExtractions(rows), nil
}

func migrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the run store",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.store(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "run store up to date")
			return nil
		},
	}
}

func runsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded pipeline runs",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			command, _ := cmd.Flags().GetString("command")
			limit, _ := cmd.Flags().GetInt("limit")

			db, err := a.store(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := repositories.RecentRuns(cmd.Context(), db, command, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tCOMMAND\tSTATUS\tSTARTED\tDURATION")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.RunID, r.Command, r.Status,
					r.StartTime.Format(time.RFC3339), r.Duration().Round(time.Millisecond))
			}
			return tw.Flush()
		},
	}
	listCmd.Flags().String("command", "", "only runs of this command")
	listCmd.Flags().Int("limit", 20, "number of runs")

	showCmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run with its Athena executions and extractions",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := a.store(ctx)
			if err != nil {
				return err
			}
			run, err := repositories.GetRun(ctx, db, args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			queries, err := repositories.QueryAudits(ctx, db, args[0])
			if err != nil {
				return err
			}
			extractions, err := repositories.RunExtractions(ctx, db, args[0])
			if err != nil {
				return err
			}

			run.ConfigSnapshot = nil
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"run":         run,
				"queries":     queries,
				"extractions": extractions,
			})
		},
	}

	cmd.AddCommand(listCmd, showCmd)
	return cmd
}
