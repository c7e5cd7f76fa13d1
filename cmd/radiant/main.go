package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{}
	rootCmd := newRootCmd(a)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(ctx)
	a.close()
	if err == nil {
		return exitOK
	}

	fmt.Fprintln(stderr, "Error:", err)
	if isUsageError(err) {
		fmt.Fprintln(stderr, "Run 'radiant --help' for usage.")
		return exitUsage
	}
	return exitError
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "radiant",
		Short:         "Clinical research data pipeline for the RADIANT pediatric cohort",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "radiant.yaml", "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the command runs")
	rootCmd.PersistentFlags().String("log-level", "", "override log.level")

	rootCmd.AddCommand(queryCmd(a))
	rootCmd.AddCommand(schemaCmd(a))
	rootCmd.AddCommand(viewsCmd(a))
	rootCmd.AddCommand(brimCmd(a))
	rootCmd.AddCommand(docsCmd(a))
	rootCmd.AddCommand(extractCmd(a))
	rootCmd.AddCommand(whoCmd(a))
	rootCmd.AddCommand(chemoCmd(a))
	rootCmd.AddCommand(timelineCmd(a))
	rootCmd.AddCommand(validateCmd(a))
	rootCmd.AddCommand(migrateCmd(a))
	rootCmd.AddCommand(runsCmd(a))

	return rootCmd
}

// usageError marks a bad command line, reported with exit code 2.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

// usageArgs wraps a positional argument check so its failures are usage
// errors.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

func isUsageError(err error) bool {
	var ue usageError
	if errors.As(err, &ue) {
		return true
	}
	// Cobra reports these without going through the flag error func.
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown command") ||
		strings.HasPrefix(msg, "required flag(s)") ||
		strings.HasPrefix(msg, "if any flags in the group") ||
		strings.HasPrefix(msg, "at least one of the flags in the group")
}
