package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/mkoziy/radiant/pipeline/internal/athena"
	"github.com/mkoziy/radiant/pipeline/internal/schema"
	"github.com/mkoziy/radiant/pipeline/internal/sqlfile"
)

func queryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query [SQL]",
		Short: "Run one SQL statement on Athena and print the rows",
		Long: "Run one SQL statement on Athena. The statement comes from the argument or from --file. " +
			"Each --param binds the next ? placeholder; integers and YYYY-MM-DD dates are bound as such, " +
			"everything else as a string.",
		Args: usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			params, _ := cmd.Flags().GetStringArray("param")
			format, _ := cmd.Flags().GetString("format")
			out, _ := cmd.Flags().GetString("out")

			if format != "csv" && format != "json" {
				return usageErrorf("--format must be csv or json, got %q", format)
			}
			sql, err := querySQL(args, file)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			return a.track(ctx, "query", "", func(runID string) error {
				client, err := a.athenaClient(ctx, runID)
				if err != nil {
					return err
				}
				res, err := client.Execute(ctx, athena.Query{SQL: sql, Params: athena.Params(paramValues(params)...)})
				if err != nil {
					return err
				}
				a.logger.Info().Int("rows", res.Len()).Msg("query complete")
				return output(cmd, out, func(w io.Writer) error {
					if format == "json" {
						return res.WriteJSON(w)
					}
					return res.WriteCSV(w)
				})
			})
		},
	}

	cmd.Flags().String("file", "", "read the statement from a SQL file")
	cmd.Flags().StringArray("param", nil, "execution parameter for the next ? placeholder (repeatable)")
	cmd.Flags().String("format", "csv", "output format: csv or json")
	cmd.Flags().String("out", "", "write rows to this file instead of stdout")
	return cmd
}

// querySQL takes the statement from exactly one of the argument or file.
// A file must hold a single statement.
func querySQL(args []string, file string) (string, error) {
	switch {
	case file != "" && len(args) > 0:
		return "", usageErrorf("give either a SQL argument or --file, not both")
	case file == "" && len(args) == 0:
		return "", usageErrorf("a SQL argument or --file is required")
	case file == "":
		return strings.TrimSuffix(strings.TrimSpace(args[0]), ";"), nil
	}

	src, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", file, err)
	}
	stmts := lo.Filter(sqlfile.Parse(string(src)).Statements(), func(st sqlfile.Statement, _ int) bool {
		return st.Kind != sqlfile.KindEmpty
	})
	if len(stmts) != 1 {
		return "", fmt.Errorf("%s holds %d statements, query runs exactly one", file, len(stmts))
	}
	return stmts[0].SQL(), nil
}

func paramValues(raw []string) []any {
	return lo.Map(raw, func(s string, _ int) any {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		if t, err := time.Parse("2006-01-02", s); err == nil {
			return t
		}
		return s
	})
}

func schemaCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Explore the Athena database",
	}

	discoverer := func(cmd *cobra.Command) (*schema.Discoverer, error) {
		client, err := a.athenaClient(cmd.Context(), "")
		if err != nil {
			return nil, err
		}
		return schema.NewDiscoverer(client, a.cfg.Athena.Database, a.logger), nil
	}

	tablesCmd := &cobra.Command{
		Use:   "tables [PATTERN]",
		Short: "List tables and views matching a LIKE pattern",
		Args:  usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := discoverer(cmd)
			if err != nil {
				return err
			}
			tables, err := d.ListTables(cmd.Context(), lo.FirstOr(args, ""))
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, t := range tables {
				fmt.Fprintf(tw, "%s\t%s\n", t.Name, strings.ToLower(t.Type))
			}
			return tw.Flush()
		},
	}

	describeCmd := &cobra.Command{
		Use:   "describe TABLE",
		Short: "Show the columns of a table",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := discoverer(cmd)
			if err != nil {
				return err
			}
			cols, err := d.Describe(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tCOLUMN\tTYPE\tNULLABLE")
			for _, c := range cols {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", c.Ordinal, c.Name, c.Type, lo.Ternary(c.Nullable, "yes", "no"))
			}
			return tw.Flush()
		},
	}

	sampleCmd := &cobra.Command{
		Use:   "sample TABLE",
		Short: "Print a few rows with PHI columns redacted",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			mode, _ := cmd.Flags().GetString("redact")
			columns, _ := cmd.Flags().GetStringSlice("phi-column")
			format, _ := cmd.Flags().GetString("format")

			var redactor *schema.Redactor
			switch schema.RedactMode(mode) {
			case schema.RedactMask, schema.RedactOmit:
				redactor = schema.NewRedactor(schema.RedactMode(mode), columns...)
			case "none":
			default:
				return usageErrorf("--redact must be mask, omit or none, got %q", mode)
			}

			d, err := discoverer(cmd)
			if err != nil {
				return err
			}
			res, err := d.Sample(cmd.Context(), args[0], limit, redactor)
			if err != nil {
				return err
			}
			if format == "json" {
				return res.WriteJSON(cmd.OutOrStdout())
			}
			return res.WriteCSV(cmd.OutOrStdout())
		},
	}
	sampleCmd.Flags().Int("limit", 10, "number of rows")
	sampleCmd.Flags().String("redact", string(schema.RedactMask), "PHI handling: mask, omit or none")
	sampleCmd.Flags().StringSlice("phi-column", nil, "column treated as PHI (replaces the default list)")
	sampleCmd.Flags().String("format", "csv", "output format: csv or json")

	catalogCmd := &cobra.Command{
		Use:   "catalog [PATTERN]",
		Short: "Describe every table matching a pattern",
		Args:  usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			markdown, _ := cmd.Flags().GetBool("markdown")
			out, _ := cmd.Flags().GetString("out")

			d, err := discoverer(cmd)
			if err != nil {
				return err
			}
			cat, err := d.Catalog(cmd.Context(), lo.FirstOr(args, ""))
			if err != nil {
				return err
			}
			return output(cmd, out, func(w io.Writer) error {
				if markdown {
					return cat.WriteMarkdown(w)
				}
				return cat.WriteJSON(w)
			})
		},
	}
	catalogCmd.Flags().Bool("markdown", false, "write Markdown instead of JSON")
	catalogCmd.Flags().String("out", "", "write the catalog to this file")

	cmd.AddCommand(tablesCmd, describeCmd, sampleCmd, catalogCmd)
	return cmd
}
