package sqlfile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/mkoziy/radiant/pipeline/internal/athena"
)

// Runner is the subset of the Athena client used for deployment.
type Runner interface {
	Exec(ctx context.Context, q athena.Query) (*athena.Execution, error)
	Execute(ctx context.Context, q athena.Query) (*athena.Result, error)
}

// DeployOptions controls a deployment.
type DeployOptions struct {
	DryRun          bool
	ContinueOnError bool
	Only            []string
	Verify          bool
}

// DeployResult reports what happened to one statement.
type DeployResult struct {
	Name      string
	Kind      Kind
	Line      int
	Execution *athena.Execution
	Err       error
	Skipped   bool
	Verified  bool
}

// Deployer executes SQL statements in file order.
type Deployer struct {
	runner Runner
	logger zerolog.Logger
}

// NewDeployer creates a Deployer.
func NewDeployer(runner Runner, logger zerolog.Logger) *Deployer {
	return &Deployer{runner: runner, logger: logger.With().Str("component", "deploy").Logger()}
}

// Deploy runs stmts in order. It stops at the first failure unless
// ContinueOnError is set; the returned error joins every failure.
func (d *Deployer) Deploy(ctx context.Context, stmts []Statement, opts DeployOptions) ([]DeployResult, error) {
	only := lo.SliceToMap(opts.Only, func(n string) (string, struct{}) { return bareName(n), struct{}{} })

	var (
		results []DeployResult
		errs    []error
	)
	for _, st := range stmts {
		if st.Kind == KindEmpty {
			continue
		}
		res := DeployResult{Name: st.Name, Kind: st.Kind, Line: st.Line}

		if len(only) > 0 {
			if _, ok := only[st.Name]; !ok || st.Name == "" {
				res.Skipped = true
				results = append(results, res)
				continue
			}
		}

		log := d.logger.With().Str("kind", string(st.Kind)).Str("name", st.Name).Int("line", st.Line).Logger()
		if opts.DryRun {
			log.Info().Msg("dry run, not executed")
			res.Skipped = true
			results = append(results, res)
			continue
		}

		if err := ctx.Err(); err != nil {
			return results, errors.Join(append(errs, err)...)
		}

		res.Execution, res.Err = d.runner.Exec(ctx, athena.Query{SQL: st.SQL()})
		if res.Err == nil && opts.Verify && st.Kind == KindCreateView {
			res.Err = d.verify(ctx, st)
			res.Verified = res.Err == nil
		}

		results = append(results, res)
		if res.Err != nil {
			log.Error().Err(res.Err).Msg("statement failed")
			errs = append(errs, fmt.Errorf("line %d %s %s: %w", st.Line, st.Kind, st.Name, res.Err))
			if !opts.ContinueOnError {
				break
			}
			continue
		}
		log.Info().Msg("statement applied")
	}
	return results, errors.Join(errs...)
}

func (d *Deployer) verify(ctx context.Context, st Statement) error {
	parts := strings.Split(st.Qualified, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	if _, err := d.runner.Execute(ctx, athena.Query{SQL: "SELECT * FROM " + strings.Join(parts, ".") + " LIMIT 1"}); err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	return nil
}
