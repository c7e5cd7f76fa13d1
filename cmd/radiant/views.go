package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mkoziy/radiant/pipeline/internal/sqlfile"
)

func viewsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "views",
		Short: "Edit and deploy a file of Athena view definitions",
	}

	listCmd := &cobra.Command{
		Use:   "list FILE",
		Short: "List the views created by a SQL file",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := sqlfile.Load(args[0])
			if err != nil {
				return err
			}
			for _, name := range f.Views() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show FILE NAME",
		Short: "Print the definition of one view",
		Args:  usageArgs(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := sqlfile.Load(args[0])
			if err != nil {
				return err
			}
			st, err := f.Get(args[1])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), st.SQL()+";")
			return err
		},
	}

	replaceCmd := &cobra.Command{
		Use:   "replace FILE NAME",
		Short: "Replace a view definition with the CREATE VIEW in --from",
		Args:  usageArgs(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("from")
			create, _ := cmd.Flags().GetBool("create")

			sql, err := os.ReadFile(from)
			if err != nil {
				return fmt.Errorf("read %s: %w", from, err)
			}
			f, err := sqlfile.Load(args[0])
			if err != nil {
				return err
			}

			if create {
				replaced, err := f.Upsert(args[1], string(sql))
				if err != nil {
					return err
				}
				if !replaced {
					a.logger.Info().Str("view", args[1]).Msg("view appended")
				}
			} else if err := f.Replace(args[1], string(sql)); err != nil {
				return err
			}

			if err := f.Save(args[0]); err != nil {
				return err
			}
			a.logger.Info().Str("view", args[1]).Str("file", args[0]).Msg("view definition saved")
			return nil
		},
	}
	replaceCmd.Flags().String("from", "", "file holding the new CREATE VIEW statement")
	replaceCmd.Flags().Bool("create", false, "append the view when the file does not define it")
	_ = replaceCmd.MarkFlagRequired("from")

	removeCmd := &cobra.Command{
		Use:   "remove FILE NAME",
		Short: "Remove every definition of a view from the file",
		Args:  usageArgs(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := sqlfile.Load(args[0])
			if err != nil {
				return err
			}
			if err := f.Remove(args[1]); err != nil {
				return err
			}
			return f.Save(args[0])
		},
	}

	deployCmd := &cobra.Command{
		Use:   "deploy FILE",
		Short: "Run the statements of a SQL file on Athena in order",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts sqlfile.DeployOptions
			opts.Only, _ = cmd.Flags().GetStringSlice("only")
			opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
			opts.Verify, _ = cmd.Flags().GetBool("verify")
			opts.ContinueOnError, _ = cmd.Flags().GetBool("continue-on-error")

			f, err := sqlfile.Load(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			return a.track(ctx, "views deploy", "", func(runID string) error {
				// A dry run never reaches the runner.
				var runner sqlfile.Runner
				if !opts.DryRun {
					client, err := a.athenaClient(ctx, runID)
					if err != nil {
						return err
					}
					runner = client
				}
				results, deployErr := sqlfile.NewDeployer(runner, a.logger).Deploy(ctx, f.Statements(), opts)
				if err := writeDeployResults(cmd, results); err != nil {
					return err
				}
				return deployErr
			})
		},
	}
	deployCmd.Flags().StringSlice("only", nil, "deploy only these views (repeatable or comma separated)")
	deployCmd.Flags().Bool("dry-run", false, "list what would run without executing")
	deployCmd.Flags().Bool("verify", false, "select from each created view after creating it")
	deployCmd.Flags().Bool("continue-on-error", false, "keep going after a failed statement")

	cmd.AddCommand(listCmd, showCmd, replaceCmd, removeCmd, deployCmd)
	return cmd
}

func writeDeployResults(cmd *cobra.Command, results []sqlfile.DeployResult) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LINE\tKIND\tNAME\tRESULT")
	for _, r := range results {
		status := "ok"
		switch {
		case r.Err != nil:
			status = "failed: " + r.Err.Error()
		case r.Skipped:
			status = "skipped"
		case r.Verified:
			status = "ok, verified"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.Line, r.Kind, r.Name, status)
	}
	return tw.Flush()
}
