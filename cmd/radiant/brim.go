package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mkoziy/radiant/pipeline/internal/sources/brim"
	"github.com/mkoziy/radiant/pipeline/internal/sources/fhir"
	"github.com/mkoziy/radiant/pipeline/internal/timeline"
)

var uploadKinds = []string{"project", "variables", "decisions"}

func brimCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "brim",
		Short: "Prepare, upload and export BRIM abstraction projects",
	}

	uploadCmd := &cobra.Command{
		Use:   "upload KIND FILE",
		Short: "Upload a project, variables or decisions CSV",
		Args:  usageArgs(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, path := args[0], args[1]
			generate, _ := cmd.Flags().GetBool("generate")
			if !lo.Contains(uploadKinds, kind) {
				return usageErrorf("KIND must be one of %s, got %q", strings.Join(uploadKinds, ", "), kind)
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			if kind == "variables" {
				if _, err := brim.ValidateVariables(bytes.NewReader(data)); err != nil {
					return err
				}
			}

			client, err := a.brimClient()
			if err != nil {
				return err
			}
			res, err := client.UploadCSV(cmd.Context(), a.cfg.BRIM.ProjectID, filepath.Base(path), bytes.NewReader(data), brim.UploadOptions{
				GenerateAfterUpload: generate,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", lo.CoalesceOrEmpty(res.Status, "uploaded"), res.Message)
			return nil
		},
	}
	uploadCmd.Flags().Bool("generate", false, "start abstraction once the upload is processed")

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export project results and wait for the CSV",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			var opts brim.ExportOptions
			opts.Detailed, _ = cmd.Flags().GetBool("detailed")
			opts.PatientLevel, _ = cmd.Flags().GetBool("patient-level")
			opts.IncludeNull, _ = cmd.Flags().GetBool("include-null")

			client, err := a.brimClient()
			if err != nil {
				return err
			}
			data, err := client.Export(cmd.Context(), a.cfg.BRIM.ProjectID, opts, a.cfg.BRIM.PollInterval, a.cfg.BRIM.ExportTimeout)
			if err != nil {
				return err
			}
			return output(cmd, out, func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			})
		},
	}
	exportCmd.Flags().String("out", "", "write the export CSV to this file")
	exportCmd.Flags().Bool("detailed", true, "include per-note rows")
	exportCmd.Flags().Bool("patient-level", false, "export patient level decisions")
	exportCmd.Flags().Bool("include-null", false, "include empty values")

	validateVarsCmd := &cobra.Command{
		Use:   "validate-variables FILE",
		Short: "Check a variables CSV before upload",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := readVariables(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d variables ok\n", args[0], len(vars))
			return nil
		},
	}

	validateDecisionsCmd := &cobra.Command{
		Use:   "validate-decisions FILE",
		Short: "Check a decisions CSV against its variables CSV",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			varsPath, _ := cmd.Flags().GetString("variables")
			vars, err := readVariables(varsPath)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			decisions, err := brim.ValidateDecisions(f, vars)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d decisions ok\n", args[0], len(decisions))
			return nil
		},
	}
	validateDecisionsCmd.Flags().String("variables", "", "variables CSV the decisions refer to")
	_ = validateDecisionsCmd.MarkFlagRequired("variables")

	projectCmd := &cobra.Command{
		Use:   "project",
		Short: "Build a project CSV from a patient's clinical documents",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			patientID, _ := cmd.Flags().GetString("patient")
			out, _ := cmd.Flags().GetString("out")
			types, _ := cmd.Flags().GetStringSlice("type")

			ctx := cmd.Context()
			return a.track(ctx, "brim project", patientID, func(runID string) error {
				client, err := a.athenaClient(ctx, runID)
				if err != nil {
					return err
				}
				store, err := a.documentStore(ctx)
				if err != nil {
					return err
				}
				refs, err := a.fetcher(client).Documents(ctx, patientID)
				if err != nil {
					return err
				}
				refs = filterDocuments(refs, types)

				rows, err := projectRows(ctx, store, patientID, refs, a.cfg.Timeline.FetchWorkers, a.logger)
				if err != nil {
					return err
				}
				a.logger.Info().Int("documents", len(refs)).Int("notes", len(rows)).Msg("project built")
				return output(cmd, out, func(w io.Writer) error {
					return brim.WriteProject(w, rows)
				})
			})
		},
	}
	projectCmd.Flags().String("patient", "", "patient FHIR id")
	projectCmd.Flags().String("out", "", "write the project CSV to this file")
	projectCmd.Flags().StringSlice("type", nil, "keep only documents whose type or title contains one of these terms")
	_ = projectCmd.MarkFlagRequired("patient")

	cmd.AddCommand(uploadCmd, exportCmd, validateVarsCmd, validateDecisionsCmd, projectCmd)
	return cmd
}

func readVariables(path string) ([]brim.Variable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return brim.ValidateVariables(f)
}

func filterDocuments(refs []fhir.DocumentRef, terms []string) []fhir.DocumentRef {
	if len(terms) == 0 {
		return refs
	}
	terms = lo.Map(terms, func(t string, _ int) string { return strings.ToLower(t) })
	return lo.Filter(refs, func(d fhir.DocumentRef, _ int) bool {
		hay := strings.ToLower(d.Type + " " + d.Title)
		return lo.SomeBy(terms, func(t string) bool { return strings.Contains(hay, t) })
	})
}

// projectRows converts documents to project notes, fetching at most workers
// at a time. Documents that cannot be read or have no text are skipped.
func projectRows(ctx context.Context, src timeline.DocumentSource, patientID string, refs []fhir.DocumentRef, workers int, logger zerolog.Logger) ([]brim.ProjectRow, error) {
	refs = lo.UniqBy(lo.Filter(refs, func(d fhir.DocumentRef, _ int) bool { return d.BinaryID != "" }),
		func(d fhir.DocumentRef) string { return d.BinaryID })
	rows := make([]*brim.ProjectRow, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i, d := range refs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			bin, err := src.Fetch(gctx, d.BinaryID)
			if err == nil {
				var text string
				if text, err = src.Text(gctx, bin); err == nil && strings.TrimSpace(text) != "" {
					row := brim.ProjectRow{NoteID: d.BinaryID, PersonID: patientID, Text: text, Title: lo.CoalesceOrEmpty(d.Title, d.Type)}
					if d.Date != nil {
						row.Date = *d.Date
					}
					rows[i] = &row
					return nil
				}
			}
			if gctx.Err() != nil {
				return gctx.Err()
			}
			logger.Warn().Err(err).Str("binary_id", d.BinaryID).Msg("document skipped")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return lo.FilterMap(rows, func(r *brim.ProjectRow, _ int) (brim.ProjectRow, bool) {
		if r == nil {
			return brim.ProjectRow{}, false
		}
		return *r, true
	}), nil
}
