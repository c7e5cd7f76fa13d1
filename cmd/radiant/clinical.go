package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mkoziy/radiant/pipeline/internal/chemo"
	"github.com/mkoziy/radiant/pipeline/internal/repositories"
	"github.com/mkoziy/radiant/pipeline/internal/timeline"
	"github.com/mkoziy/radiant/pipeline/internal/who"
)

func whoCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "who",
		Short: "Translate diagnoses to the WHO CNS5 (2021) classification",
	}

	translateCmd := &cobra.Command{
		Use:   "translate",
		Short: "Translate one diagnosis",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			diagnosis, _ := cmd.Flags().GetString("diagnosis")
			rawMarkers, _ := cmd.Flags().GetStringArray("marker")
			age, _ := cmd.Flags().GetInt("age")
			location, _ := cmd.Flags().GetString("location")
			useModel, _ := cmd.Flags().GetBool("model")

			markers, err := parseMarkers(rawMarkers)
			if err != nil {
				return err
			}

			opts := []who.Option{who.WithLogger(a.logger)}
			if useModel {
				model, err := a.extractor()
				if err != nil {
					return err
				}
				opts = append(opts, who.WithModel(model))
			}

			res, err := who.New(opts...).Translate(cmd.Context(), who.Input{
				Diagnosis: diagnosis,
				Markers:   markers,
				Age:       age,
				Location:  location,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	translateCmd.Flags().String("diagnosis", "", "diagnosis text as recorded")
	translateCmd.Flags().StringArray("marker", nil, "molecular marker as NAME=STATUS (repeatable)")
	translateCmd.Flags().Int("age", -1, "age at diagnosis in years")
	translateCmd.Flags().String("location", "", "tumor location")
	translateCmd.Flags().Bool("model", false, "ask the local model when no rule matches")
	_ = translateCmd.MarkFlagRequired("diagnosis")

	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "List translation rules in evaluation order",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range who.New().Rules() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}

	cmd.AddCommand(translateCmd, rulesCmd)
	return cmd
}

// parseMarkers turns NAME=STATUS pairs into a marker map.
func parseMarkers(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	markers := make(map[string]string, len(raw))
	for _, kv := range raw {
		name, status, ok := strings.Cut(kv, "=")
		name, status = strings.TrimSpace(name), strings.TrimSpace(status)
		if !ok || name == "" || status == "" {
			return nil, usageErrorf("--marker %q: want NAME=STATUS", kv)
		}
		markers[name] = status
	}
	return markers, nil
}

// chemoReport is what the chemo command prints.
type chemoReport struct {
	Courses  []chemo.Course  `json:"courses"`
	Episodes []chemo.Episode `json:"episodes"`
	Undated  []chemo.Course  `json:"undated,omitempty"`
}

func chemoCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chemo",
		Short: "Adjudicate chemotherapy dates and episodes for a patient",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			patientID, _ := cmd.Flags().GetString("patient")
			vocabPath, _ := cmd.Flags().GetString("vocabulary")
			out, _ := cmd.Flags().GetString("out")

			vocab := chemo.DefaultVocabulary()
			if vocabPath != "" {
				var err error
				if vocab, err = chemo.LoadVocabulary(vocabPath); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			return a.track(ctx, "chemo", patientID, func(runID string) error {
				client, err := a.athenaClient(ctx, runID)
				if err != nil {
					return err
				}
				orders, err := a.fetcher(client).Medications(ctx, patientID)
				if err != nil {
					return err
				}

				courses := chemo.Courses(orders, vocab)
				rep := chemoReport{
					Courses:  courses,
					Episodes: chemo.Episodes(courses, a.cfg.Timeline.ChemoEpisodeGap),
					Undated:  chemo.Undated(courses),
				}
				a.logger.Info().
					Int("orders", len(orders)).
					Int("courses", len(rep.Courses)).
					Int("episodes", len(rep.Episodes)).
					Int("undated", len(rep.Undated)).
					Msg("chemotherapy adjudicated")
				return output(cmd, out, func(w io.Writer) error { return writeJSON(w, rep) })
			})
		},
	}
	cmd.Flags().String("patient", "", "patient FHIR id")
	cmd.Flags().String("vocabulary", "", "YAML chemotherapy vocabulary replacing the built-in one")
	cmd.Flags().String("out", "", "write the report to this file")
	_ = cmd.MarkFlagRequired("patient")
	return cmd
}

func timelineCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Build and inspect patient treatment timelines",
	}

	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Build the timeline of a patient and fill gaps from documents",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			patientID, _ := cmd.Flags().GetString("patient")
			out, _ := cmd.Flags().GetString("out")
			vocabPath, _ := cmd.Flags().GetString("vocabulary")
			noModel, _ := cmd.Flags().GetBool("no-model")
			noDocs, _ := cmd.Flags().GetBool("no-documents")

			opts := timeline.OptionsFromConfig(a.cfg.Timeline, a.cfg.Ollama)
			if vocabPath != "" {
				vocab, err := chemo.LoadVocabulary(vocabPath)
				if err != nil {
					return err
				}
				opts.Vocabulary = vocab
			}

			ctx := cmd.Context()
			return a.track(ctx, "timeline build", patientID, func(runID string) error {
				client, err := a.athenaClient(ctx, runID)
				if err != nil {
					return err
				}
				b := timeline.NewBuilder(a.fetcher(client), opts, a.logger)

				if !noDocs {
					store, err := a.documentStore(ctx)
					if err != nil {
						a.logger.Warn().Err(err).Msg("building without documents")
					} else {
						b.WithDocuments(store)
					}
				}
				if !noModel {
					model, err := a.extractor()
					if err != nil {
						a.logger.Warn().Err(err).Msg("building without a model")
					} else {
						b.WithModel(model).WithTranslator(who.New(who.WithModel(model), who.WithLogger(a.logger)))
					}
				}
				if a.db != nil {
					b.WithStore(a.db)
				}

				tl, runErr := b.Run(ctx, runID, patientID)
				if _, built := tl.Phase(timeline.PhaseEvents); !built {
					return runErr
				}
				if err := output(cmd, out, tl.WriteJSON); err != nil {
					return errors.Join(runErr, err)
				}
				return runErr
			})
		},
	}
	buildCmd.Flags().String("patient", "", "patient FHIR id")
	buildCmd.Flags().String("out", "", "write the timeline JSON to this file")
	buildCmd.Flags().String("vocabulary", "", "YAML chemotherapy vocabulary replacing the built-in one")
	buildCmd.Flags().Bool("no-model", false, "skip model extraction")
	buildCmd.Flags().Bool("no-documents", false, "skip document selection")
	_ = buildCmd.MarkFlagRequired("patient")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print a timeline stored by an earlier build",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, _ := cmd.Flags().GetString("run")
			patientID, _ := cmd.Flags().GetString("patient")

			db, err := a.store(cmd.Context())
			if err != nil {
				return err
			}
			events, err := repositories.GetTimeline(cmd.Context(), db, runID, patientID)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				return fmt.Errorf("no timeline stored for run %s", runID)
			}
			return writeJSON(cmd.OutOrStdout(), events)
		},
	}
	showCmd.Flags().String("run", "", "run id of the build")
	showCmd.Flags().String("patient", "", "patient FHIR id")
	_ = showCmd.MarkFlagRequired("run")
	_ = showCmd.MarkFlagRequired("patient")

	cmd.AddCommand(buildCmd, showCmd)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
