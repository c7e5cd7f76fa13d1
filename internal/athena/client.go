// Package athena runs SQL against Amazon Athena: submit, poll to a terminal
// state, and page through the results into a typed Result.
package athena

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sdk "github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mkoziy/radiant/pipeline/internal/metrics"
	"github.com/mkoziy/radiant/pipeline/internal/ratelimit"
)

const (
	stateSucceeded = string(types.QueryExecutionStateSucceeded)
	stateFailed    = string(types.QueryExecutionStateFailed)
	stateCancelled = string(types.QueryExecutionStateCancelled)

	maxPageSize = 1000
	stopTimeout = 10 * time.Second
)

// API is the subset of the Athena SDK client used here.
type API interface {
	StartQueryExecution(ctx context.Context, params *sdk.StartQueryExecutionInput, optFns ...func(*sdk.Options)) (*sdk.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, params *sdk.GetQueryExecutionInput, optFns ...func(*sdk.Options)) (*sdk.GetQueryExecutionOutput, error)
	GetQueryResults(ctx context.Context, params *sdk.GetQueryResultsInput, optFns ...func(*sdk.Options)) (*sdk.GetQueryResultsOutput, error)
	StopQueryExecution(ctx context.Context, params *sdk.StopQueryExecutionInput, optFns ...func(*sdk.Options)) (*sdk.StopQueryExecutionOutput, error)
}

// Options configures a Client.
type Options struct {
	Database       string
	Catalog        string
	Workgroup      string
	OutputLocation string
	PollInterval   time.Duration
	Timeout        time.Duration
	PageSize       int32
	Retry          ratelimit.Config
}

// AuditFunc observes every execution that reached a terminal state or
// was abandoned.
type AuditFunc func(ctx context.Context, exec Execution, sql string)

// Query is a SQL statement with positional execution parameters. Params
// are Athena literals, see Params.
type Query struct {
	SQL      string
	Params   []string
	Database string
}

// NewQuery builds a Query, converting values with Params.
func NewQuery(sql string, values ...any) Query {
	return Query{SQL: sql, Params: Params(values...)}
}

// Execution describes one Athena query execution.
type Execution struct {
	ID             string
	State          string
	Reason         string
	StatementType  string
	BytesScanned   int64
	EngineTime     time.Duration
	Submitted      time.Time
	Completed      time.Time
	OutputLocation string
}

// Client executes queries against one Athena database.
type Client struct {
	api    API
	opts   Options
	logger zerolog.Logger
	audit  AuditFunc
}

// New creates a Client. Zero-valued options fall back to defaults.
func New(api API, opts Options, logger zerolog.Logger) *Client {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.PageSize <= 0 || opts.PageSize > maxPageSize {
		opts.PageSize = maxPageSize
	}
	return &Client{
		api:    api,
		opts:   opts,
		logger: logger.With().Str("component", "athena").Logger(),
	}
}

// WithAudit registers a hook called once per finished execution.
func (c *Client) WithAudit(fn AuditFunc) *Client {
	c.audit = fn
	return c
}

// Database returns the default database for unqualified queries.
func (c *Client) Database() string {
	return c.opts.Database
}

// Execute runs a query to completion and returns all result rows.
func (c *Client) Execute(ctx context.Context, q Query) (*Result, error) {
	var result *Result
	err := ratelimit.Retry(ctx, c.opts.Retry, isRetryableFailure, func(attempt int) error {
		if attempt > 0 {
			c.logger.Warn().Int("attempt", attempt).Msg("retrying throttled query")
		}
		exec, err := c.Exec(ctx, q)
		if err != nil {
			return err
		}
		result, err = c.Results(ctx, exec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Exec runs a query to a terminal state without reading results. DDL and
// view deployment use it.
func (c *Client) Exec(ctx context.Context, q Query) (*Execution, error) {
	id, err := c.Start(ctx, q)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	exec, err := c.Wait(ctx, id)

	if exec != nil {
		metrics.RecordAthenaQuery(exec.State, time.Since(started), exec.BytesScanned)
		if c.audit != nil {
			c.audit(ctx, *exec, q.SQL)
		}
	}
	return exec, err
}

// Start submits a query and returns its execution ID. Throttled
// submissions are retried with the same client request token.
func (c *Client) Start(ctx context.Context, q Query) (string, error) {
	if strings.TrimSpace(q.SQL) == "" {
		return "", ErrEmptyQuery
	}

	database := q.Database
	if database == "" {
		database = c.opts.Database
	}

	input := &sdk.StartQueryExecutionInput{
		QueryString:        aws.String(q.SQL),
		ClientRequestToken: aws.String(uuid.NewString()),
	}
	if database != "" || c.opts.Catalog != "" {
		input.QueryExecutionContext = &types.QueryExecutionContext{}
		if database != "" {
			input.QueryExecutionContext.Database = aws.String(database)
		}
		if c.opts.Catalog != "" {
			input.QueryExecutionContext.Catalog = aws.String(c.opts.Catalog)
		}
	}
	if len(q.Params) > 0 {
		input.ExecutionParameters = q.Params
	}
	if c.opts.Workgroup != "" {
		input.WorkGroup = aws.String(c.opts.Workgroup)
	}
	if c.opts.OutputLocation != "" {
		input.ResultConfiguration = &types.ResultConfiguration{OutputLocation: aws.String(c.opts.OutputLocation)}
	}

	c.logger.Debug().Str("database", database).Int("params", len(q.Params)).Str("sql", q.SQL).Msg("starting query")

	var id string
	err := ratelimit.Retry(ctx, c.opts.Retry, IsThrottle, func(int) error {
		out, err := c.api.StartQueryExecution(ctx, input)
		if err != nil {
			return err
		}
		id = aws.ToString(out.QueryExecutionId)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("start query execution: %w", err)
	}
	if id == "" {
		return "", fmt.Errorf("start query execution: empty execution id")
	}
	return id, nil
}

// Wait polls a query until it finishes, fails, is cancelled, or the
// configured timeout passes. Abandoned queries are stopped.
func (c *Client) Wait(ctx context.Context, id string) (*Execution, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	poll := ratelimit.NewFixedDelayLimiter(ratelimit.PollConfig(c.opts.PollInterval))
	throttled := 0
	var last *Execution

	for {
		if err := poll.Wait(waitCtx); err != nil {
			return c.abandon(ctx, id, last)
		}

		out, err := c.api.GetQueryExecution(waitCtx, &sdk.GetQueryExecutionInput{QueryExecutionId: aws.String(id)})
		if err != nil {
			if waitCtx.Err() != nil {
				return c.abandon(ctx, id, last)
			}
			if IsThrottle(err) {
				throttled++
				poll.Reset()
				if err := sleepCtx(waitCtx, poll.RetryAfter(throttled)); err != nil {
					return c.abandon(ctx, id, last)
				}
				continue
			}
			return last, fmt.Errorf("get query execution %s: %w", id, err)
		}
		throttled = 0

		exec := toExecution(out.QueryExecution)
		if exec.ID == "" {
			exec.ID = id
		}
		last = exec

		switch exec.State {
		case stateSucceeded:
			c.logger.Debug().Str("query_id", id).Int64("bytes_scanned", exec.BytesScanned).Dur("engine_time", exec.EngineTime).Msg("query succeeded")
			return exec, nil
		case stateFailed:
			c.logger.Error().Str("query_id", id).Str("reason", exec.Reason).Msg("query failed")
			return exec, &QueryError{ID: id, State: exec.State, Reason: exec.Reason, err: ErrQueryFailed}
		case stateCancelled:
			return exec, &QueryError{ID: id, State: exec.State, Reason: exec.Reason, err: ErrQueryCancelled}
		}
	}
}

// abandon stops a query whose wait ended early and maps the cause.
func (c *Client) abandon(ctx context.Context, id string, last *Execution) (*Execution, error) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()

	if _, err := c.api.StopQueryExecution(stopCtx, &sdk.StopQueryExecutionInput{QueryExecutionId: aws.String(id)}); err != nil {
		c.logger.Warn().Err(err).Str("query_id", id).Msg("failed to stop abandoned query")
	}

	if last == nil {
		last = &Execution{ID: id}
	}
	last.State = stateCancelled

	if err := ctx.Err(); err != nil {
		return last, fmt.Errorf("wait for query %s: %w", id, err)
	}
	return last, fmt.Errorf("query %s after %s: %w", id, c.opts.Timeout, ErrQueryTimeout)
}

// Results pages through the output of a finished execution.
func (c *Client) Results(ctx context.Context, exec *Execution) (*Result, error) {
	if exec == nil || exec.ID == "" {
		return nil, errors.New("results: execution id is required")
	}

	result := &Result{Execution: *exec}
	input := &sdk.GetQueryResultsInput{
		QueryExecutionId: aws.String(exec.ID),
		MaxResults:       aws.Int32(c.opts.PageSize),
	}

	for page := 0; ; page++ {
		var out *sdk.GetQueryResultsOutput
		err := ratelimit.Retry(ctx, c.opts.Retry, IsThrottle, func(int) error {
			var err error
			out, err = c.api.GetQueryResults(ctx, input)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("get query results %s page %d: %w", exec.ID, page, err)
		}

		if out.ResultSet != nil {
			rows := out.ResultSet.Rows
			if page == 0 {
				result.Columns = toColumns(out.ResultSet.ResultSetMetadata)
				if len(rows) > 0 && exec.StatementType != string(types.StatementTypeDdl) && isHeaderRow(rows[0], result.Columns) {
					rows = rows[1:]
				}
			}
			for _, row := range rows {
				result.Rows = append(result.Rows, toValues(row, len(result.Columns)))
			}
		}

		if aws.ToString(out.NextToken) == "" {
			break
		}
		input.NextToken = out.NextToken
	}

	c.logger.Debug().Str("query_id", exec.ID).Int("rows", len(result.Rows)).Msg("fetched results")
	return result, nil
}

func toExecution(qe *types.QueryExecution) *Execution {
	exec := &Execution{}
	if qe == nil {
		return exec
	}

	exec.ID = aws.ToString(qe.QueryExecutionId)
	exec.StatementType = string(qe.StatementType)
	if qe.Status != nil {
		exec.State = string(qe.Status.State)
		exec.Reason = aws.ToString(qe.Status.StateChangeReason)
		exec.Submitted = aws.ToTime(qe.Status.SubmissionDateTime)
		exec.Completed = aws.ToTime(qe.Status.CompletionDateTime)
	}
	if qe.Statistics != nil {
		exec.BytesScanned = aws.ToInt64(qe.Statistics.DataScannedInBytes)
		exec.EngineTime = time.Duration(aws.ToInt64(qe.Statistics.EngineExecutionTimeInMillis)) * time.Millisecond
	}
	if qe.ResultConfiguration != nil {
		exec.OutputLocation = aws.ToString(qe.ResultConfiguration.OutputLocation)
	}
	return exec
}

func toColumns(meta *types.ResultSetMetadata) []Column {
	if meta == nil {
		return nil
	}
	cols := make([]Column, 0, len(meta.ColumnInfo))
	for _, info := range meta.ColumnInfo {
		name := aws.ToString(info.Label)
		if name == "" {
			name = aws.ToString(info.Name)
		}
		cols = append(cols, Column{Name: name, Type: aws.ToString(info.Type)})
	}
	return cols
}

// isHeaderRow detects the column-label row Athena prepends to the first
// page of SELECT results.
func isHeaderRow(row types.Row, cols []Column) bool {
	if len(cols) == 0 || len(row.Data) != len(cols) {
		return false
	}
	for i, d := range row.Data {
		if d.VarCharValue == nil || *d.VarCharValue != cols[i].Name {
			return false
		}
	}
	return true
}

func toValues(row types.Row, width int) []string {
	n := len(row.Data)
	if width > n {
		n = width
	}
	values := make([]string, n)
	for i, d := range row.Data {
		values[i] = aws.ToString(d.VarCharValue)
	}
	return values
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
