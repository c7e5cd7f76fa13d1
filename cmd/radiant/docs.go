package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkoziy/radiant/pipeline/internal/llm"
	"github.com/mkoziy/radiant/pipeline/internal/timeline"
)

func docsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "Read clinical documents from the FHIR Binary store",
	}

	fetchCmd := &cobra.Command{
		Use:   "fetch BINARY_ID",
		Short: "Print a document, raw or as text",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			asText, _ := cmd.Flags().GetBool("text")
			out, _ := cmd.Flags().GetString("out")

			store, err := a.documentStore(cmd.Context())
			if err != nil {
				return err
			}
			bin, err := store.Fetch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.logger.Debug().Str("content_type", bin.ContentType).Int("bytes", len(bin.Data)).Msg("document fetched")

			data := bin.Data
			if asText {
				text, err := store.Text(cmd.Context(), bin)
				if err != nil {
					return err
				}
				data = []byte(text + "\n")
			}
			return output(cmd, out, func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			})
		},
	}
	fetchCmd.Flags().Bool("text", false, "convert the document to plain text")
	fetchCmd.Flags().String("out", "", "write the document to this file")

	existsCmd := &cobra.Command{
		Use:   "exists BINARY_ID",
		Short: "Report whether a document is stored",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.documentStore(cmd.Context())
			if err != nil {
				return err
			}
			ok, err := store.Exists(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%t\t%s\n", args[0], ok, store.Key(args[0]))
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored documents under the configured prefix",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("max")
			store, err := a.documentStore(cmd.Context())
			if err != nil {
				return err
			}
			objects, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, o := range objects {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", o.BinaryID, o.Size, o.LastModified.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	listCmd.Flags().Int("max", 100, "maximum number of objects")

	cmd.AddCommand(fetchCmd, existsCmd, listCmd)
	return cmd
}

// extraction is what the extract command prints.
type extraction struct {
	BinaryID   string         `json:"binary_id"`
	Field      string         `json:"field"`
	Value      string         `json:"value"`
	Status     string         `json:"status"`
	Votes      int            `json:"votes"`
	Cast       int            `json:"cast"`
	Confidence float64        `json:"confidence,omitempty"`
	Evidence   string         `json:"evidence,omitempty"`
	Tally      map[string]int `json:"tally,omitempty"`
	Error      string         `json:"error,omitempty"`
}

func extractCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Ask the local model for one field of one document, with voting",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			binaryID, _ := cmd.Flags().GetString("binary")
			field, _ := cmd.Flags().GetString("field")
			instruction, _ := cmd.Flags().GetString("instruction")
			votes, _ := cmd.Flags().GetInt("votes")
			if votes <= 0 {
				votes = a.cfg.Ollama.Votes
			}

			ctx := cmd.Context()
			return a.track(ctx, "extract", "", func(runID string) error {
				store, err := a.documentStore(ctx)
				if err != nil {
					return err
				}
				model, err := a.extractor()
				if err != nil {
					return err
				}
				bin, err := store.Fetch(ctx, binaryID)
				if err != nil {
					return err
				}
				text, err := store.Text(ctx, bin)
				if err != nil {
					return err
				}

				ballot, voteErr := model.Vote(ctx, llm.Prompt{
					System:      "You are a clinical data abstractor. Only report what the document states.",
					Instruction: instruction,
					Document:    text,
					Schema:      []string{"evidence", "confidence"},
				}, field, votes, min(a.cfg.Ollama.MinAgreement, votes))

				res := extraction{BinaryID: binaryID, Field: field, Status: string(timeline.StatusFor(voteErr))}
				if ballot != nil {
					res.Value, res.Votes, res.Cast, res.Tally = ballot.Value, ballot.Votes, ballot.Cast, ballot.Tally
					res.Confidence = max(ballot.Confidence, 0)
					if ballot.Source != nil {
						res.Evidence = ballot.Source.String("evidence")
					}
				}
				if voteErr != nil {
					res.Error = voteErr.Error()
				}

				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
				// Unanswerable documents are a result, not a failure.
				if errors.Is(voteErr, llm.ErrModelUnavailable) || ctx.Err() != nil {
					return voteErr
				}
				return nil
			})
		},
	}
	cmd.Flags().String("binary", "", "Binary id of the document")
	cmd.Flags().String("field", "", "name of the value to extract")
	cmd.Flags().String("instruction", "", "question put to the model")
	cmd.Flags().Int("votes", 0, "number of model calls (default ollama.votes)")
	_ = cmd.MarkFlagRequired("binary")
	_ = cmd.MarkFlagRequired("field")
	_ = cmd.MarkFlagRequired("instruction")
	return cmd
}
