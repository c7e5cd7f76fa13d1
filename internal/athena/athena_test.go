package athena

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sdk "github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/mkoziy/radiant/pipeline/internal/ratelimit"
)

// fakeAPI scripts Athena responses for one query at a time.
type fakeAPI struct {
	mu            sync.Mutex
	startErrs     []error
	states        []types.QueryExecutionState
	statementType types.StatementType
	reason        string
	pages         map[string]*sdk.GetQueryResultsOutput
	starts        []*sdk.StartQueryExecutionInput
	getCalls      int
	stopped       []string
}

func (f *fakeAPI) StartQueryExecution(_ context.Context, in *sdk.StartQueryExecutionInput, _ ...func(*sdk.Options)) (*sdk.StartQueryExecutionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, in)
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		return nil, err
	}
	return &sdk.StartQueryExecutionOutput{QueryExecutionId: aws.String("q-1")}, nil
}

func (f *fakeAPI) GetQueryExecution(_ context.Context, in *sdk.GetQueryExecutionInput, _ ...func(*sdk.Options)) (*sdk.GetQueryExecutionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.getCalls
	if idx >= len(f.states) {
		idx = len(f.states) - 1
	}
	f.getCalls++
	return &sdk.GetQueryExecutionOutput{QueryExecution: &types.QueryExecution{
		QueryExecutionId: in.QueryExecutionId,
		StatementType:    f.statementType,
		Status: &types.QueryExecutionStatus{
			State:             f.states[idx],
			StateChangeReason: aws.String(f.reason),
		},
		Statistics: &types.QueryExecutionStatistics{DataScannedInBytes: aws.Int64(4096)},
	}}, nil
}

func (f *fakeAPI) GetQueryResults(_ context.Context, in *sdk.GetQueryResultsInput, _ ...func(*sdk.Options)) (*sdk.GetQueryResultsOutput, error) {
	page, ok := f.pages[aws.ToString(in.NextToken)]
	if !ok {
		return nil, errors.New("unknown page token")
	}
	return page, nil
}

func (f *fakeAPI) StopQueryExecution(_ context.Context, in *sdk.StopQueryExecutionInput, _ ...func(*sdk.Options)) (*sdk.StopQueryExecutionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, aws.ToString(in.QueryExecutionId))
	return &sdk.StopQueryExecutionOutput{}, nil
}

func row(values ...string) types.Row {
	data := make([]types.Datum, len(values))
	for i, v := range values {
		if v == "<null>" {
			continue
		}
		data[i] = types.Datum{VarCharValue: aws.String(v)}
	}
	return types.Row{Data: data}
}

func twoPageResults() map[string]*sdk.GetQueryResultsOutput {
	meta := &types.ResultSetMetadata{ColumnInfo: []types.ColumnInfo{
		{Name: aws.String("patient_fhir_id"), Type: aws.String("varchar")},
		{Name: aws.String("birth_date"), Type: aws.String("date")},
	}}
	return map[string]*sdk.GetQueryResultsOutput{
		"": {
			ResultSet: &types.ResultSet{
				ResultSetMetadata: meta,
				Rows:              []types.Row{row("patient_fhir_id", "birth_date"), row("p1", "2005-05-13")},
			},
			NextToken: aws.String("page-2"),
		},
		"page-2": {
			ResultSet: &types.ResultSet{
				ResultSetMetadata: meta,
				Rows:              []types.Row{row("p2", "<null>")},
			},
		},
	}
}

func testOptions() Options {
	return Options{
		Database:       "fhir_prd_db",
		Workgroup:      "primary",
		OutputLocation: "s3://results/",
		PollInterval:   time.Millisecond,
		Timeout:        time.Second,
		Retry:          ratelimit.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	}
}

func TestExecuteSucceeds(t *testing.T) {
	api := &fakeAPI{
		states:        []types.QueryExecutionState{types.QueryExecutionStateQueued, types.QueryExecutionStateRunning, types.QueryExecutionStateSucceeded},
		statementType: types.StatementTypeDml,
		pages:         twoPageResults(),
	}

	var audited []Execution
	client := New(api, testOptions(), zerolog.Nop()).WithAudit(func(_ context.Context, exec Execution, _ string) {
		audited = append(audited, exec)
	})

	res, err := client.Execute(context.Background(), NewQuery("SELECT patient_fhir_id, birth_date FROM v_patient_demographics WHERE patient_fhir_id = ?", "p'1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Len() != 2 {
		t.Fatalf("expected 2 rows after header strip, got %d: %v", res.Len(), res.Rows)
	}
	if got := res.Value(0, "PATIENT_FHIR_ID"); got != "p1" {
		t.Fatalf("expected p1, got %q", got)
	}
	if got := res.Value(1, "birth_date"); got != "" {
		t.Fatalf("expected NULL as empty string, got %q", got)
	}
	if res.Execution.BytesScanned != 4096 {
		t.Fatalf("expected bytes scanned to carry through, got %d", res.Execution.BytesScanned)
	}

	in := api.starts[0]
	if aws.ToString(in.QueryExecutionContext.Database) != "fhir_prd_db" || aws.ToString(in.WorkGroup) != "primary" {
		t.Fatalf("unexpected start input: %+v", in)
	}
	if len(in.ExecutionParameters) != 1 || in.ExecutionParameters[0] != "'p''1'" {
		t.Fatalf("expected quoted execution parameter, got %v", in.ExecutionParameters)
	}
	if strings.Contains(aws.ToString(in.QueryString), "p'1") {
		t.Fatalf("parameter value must not be interpolated into SQL")
	}
	if len(audited) != 1 || audited[0].State != stateSucceeded {
		t.Fatalf("expected one audited success, got %+v", audited)
	}
}

func TestExecDDLKeepsFirstRow(t *testing.T) {
	api := &fakeAPI{
		states:        []types.QueryExecutionState{types.QueryExecutionStateSucceeded},
		statementType: types.StatementTypeDdl,
		pages: map[string]*sdk.GetQueryResultsOutput{"": {ResultSet: &types.ResultSet{
			ResultSetMetadata: &types.ResultSetMetadata{ColumnInfo: []types.ColumnInfo{{Name: aws.String("tab_name")}}},
			Rows:              []types.Row{row("tab_name"), row("patient")},
		}}},
	}
	res, err := New(api, testOptions(), zerolog.Nop()).Execute(context.Background(), Query{SQL: "SHOW TABLES"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Len() != 2 {
		t.Fatalf("expected DDL rows untouched, got %v", res.Rows)
	}
}

func TestWaitFailed(t *testing.T) {
	api := &fakeAPI{
		states: []types.QueryExecutionState{types.QueryExecutionStateRunning, types.QueryExecutionStateFailed},
		reason: "SYNTAX_ERROR: line 1:8: Column 'x' cannot be resolved",
	}
	_, err := New(api, testOptions(), zerolog.Nop()).Execute(context.Background(), Query{SQL: "SELECT x"})
	if !errors.Is(err, ErrQueryFailed) {
		t.Fatalf("expected ErrQueryFailed, got %v", err)
	}
	var qerr *QueryError
	if !errors.As(err, &qerr) || !strings.Contains(qerr.Reason, "SYNTAX_ERROR") {
		t.Fatalf("expected QueryError with reason, got %v", err)
	}
	if qerr.Retryable() {
		t.Fatalf("syntax errors are not retryable")
	}
}

func TestExecuteRetriesThrottledFailure(t *testing.T) {
	api := &fakeAPI{
		states:        []types.QueryExecutionState{types.QueryExecutionStateFailed, types.QueryExecutionStateSucceeded},
		statementType: types.StatementTypeDml,
		reason:        "ThrottlingException: Rate exceeded",
		pages:         twoPageResults(),
	}

	res, err := New(api, testOptions(), zerolog.Nop()).Execute(context.Background(), Query{SQL: "SELECT patient_fhir_id, birth_date FROM v_patient_demographics"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(api.starts) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(api.starts))
	}
	first, second := aws.ToString(api.starts[0].ClientRequestToken), aws.ToString(api.starts[1].ClientRequestToken)
	if first == "" || first == second {
		t.Fatalf("resubmission must use a new request token, got %q and %q", first, second)
	}
	if res.Len() != 2 || res.Rows[0][0] != "p1" {
		t.Fatalf("unexpected rows %v", res.Rows)
	}
}

func TestExecuteDoesNotRetryQueryFailure(t *testing.T) {
	api := &fakeAPI{
		states: []types.QueryExecutionState{types.QueryExecutionStateFailed, types.QueryExecutionStateSucceeded},
		reason: "HIVE_BAD_DATA: Error parsing field value",
		pages:  twoPageResults(),
	}

	_, err := New(api, testOptions(), zerolog.Nop()).Execute(context.Background(), Query{SQL: "SELECT 1"})
	if !errors.Is(err, ErrQueryFailed) {
		t.Fatalf("expected ErrQueryFailed, got %v", err)
	}
	if len(api.starts) != 1 {
		t.Fatalf("expected a single submission, got %d", len(api.starts))
	}
}

func TestWaitCancelled(t *testing.T) {
	api := &fakeAPI{states: []types.QueryExecutionState{types.QueryExecutionStateCancelled}}
	_, err := New(api, testOptions(), zerolog.Nop()).Exec(context.Background(), Query{SQL: "SELECT 1"})
	if !errors.Is(err, ErrQueryCancelled) {
		t.Fatalf("expected ErrQueryCancelled, got %v", err)
	}
}

func TestWaitTimeoutStopsQuery(t *testing.T) {
	api := &fakeAPI{states: []types.QueryExecutionState{types.QueryExecutionStateRunning}}
	opts := testOptions()
	opts.Timeout = 20 * time.Millisecond

	exec, err := New(api, opts, zerolog.Nop()).Exec(context.Background(), Query{SQL: "SELECT 1"})
	if !errors.Is(err, ErrQueryTimeout) {
		t.Fatalf("expected ErrQueryTimeout, got %v", err)
	}
	if exec == nil || exec.State != stateCancelled {
		t.Fatalf("expected abandoned execution marked cancelled, got %+v", exec)
	}
	if len(api.stopped) != 1 || api.stopped[0] != "q-1" {
		t.Fatalf("expected query to be stopped, got %v", api.stopped)
	}
}

func TestWaitContextCancelStopsQuery(t *testing.T) {
	api := &fakeAPI{states: []types.QueryExecutionState{types.QueryExecutionStateRunning}}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()

	_, err := New(api, testOptions(), zerolog.Nop()).Exec(ctx, Query{SQL: "SELECT 1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline, got %v", err)
	}
	if errors.Is(err, ErrQueryTimeout) {
		t.Fatalf("caller cancellation must not be reported as query timeout")
	}
	if len(api.stopped) != 1 {
		t.Fatalf("expected query to be stopped")
	}
}

func TestStartRetriesThrottleWithSameToken(t *testing.T) {
	api := &fakeAPI{
		startErrs: []error{&smithy.GenericAPIError{Code: "ThrottlingException", Message: "Rate exceeded"}},
		states:    []types.QueryExecutionState{types.QueryExecutionStateSucceeded},
	}
	id, err := New(api, testOptions(), zerolog.Nop()).Start(context.Background(), Query{SQL: "SELECT 1"})
	if err != nil || id != "q-1" {
		t.Fatalf("expected q-1 after retry, got %q, %v", id, err)
	}
	if len(api.starts) != 2 {
		t.Fatalf("expected two submissions, got %d", len(api.starts))
	}
	if aws.ToString(api.starts[0].ClientRequestToken) != aws.ToString(api.starts[1].ClientRequestToken) {
		t.Fatalf("retries must reuse the client request token")
	}
}

func TestStartDoesNotRetryInvalidRequest(t *testing.T) {
	api := &fakeAPI{startErrs: []error{&smithy.GenericAPIError{Code: "InvalidRequestException"}}}
	if _, err := New(api, testOptions(), zerolog.Nop()).Start(context.Background(), Query{SQL: "SELECT 1"}); err == nil {
		t.Fatalf("expected error")
	}
	if len(api.starts) != 1 {
		t.Fatalf("expected a single submission, got %d", len(api.starts))
	}
}

func TestStartRejectsEmptyQuery(t *testing.T) {
	if _, err := New(&fakeAPI{}, testOptions(), zerolog.Nop()).Start(context.Background(), Query{SQL: "  "}); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
}

func TestQueryErrorRetryable(t *testing.T) {
	qerr := &QueryError{State: stateFailed, Reason: "com.amazonaws.services.s3.model.AmazonS3Exception: Please reduce your request rate. SlowDown"}
	if !qerr.Retryable() {
		t.Fatalf("expected SlowDown failure to be retryable")
	}
	if (&QueryError{State: stateCancelled, Reason: "SlowDown"}).Retryable() {
		t.Fatalf("cancelled queries are not retryable")
	}
}

func TestParams(t *testing.T) {
	day := time.Date(2019, 3, 4, 0, 0, 0, 0, time.UTC)
	got := Params("O'Brien", 42, int64(7), 1.5, true, nil, day)
	want := []string{"'O''Brien'", "42", "7", "1.5", "true", "NULL", "DATE '2019-03-04'"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("param %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestResultHelpers(t *testing.T) {
	res := &Result{
		Columns: []Column{{Name: "table_name"}, {Name: "column_count"}},
		Rows:    [][]string{{"patient", "12"}, {"procedure", "30"}},
	}

	if cols := res.Column("table_name"); len(cols) != 2 || cols[1] != "procedure" {
		t.Fatalf("unexpected column values %v", cols)
	}
	if res.Column("missing") != nil {
		t.Fatalf("expected nil for missing column")
	}
	if recs := res.Records(); recs[0]["column_count"] != "12" {
		t.Fatalf("unexpected records %v", recs)
	}

	var buf bytes.Buffer
	if err := res.WriteCSV(&buf); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if want := "table_name,column_count\npatient,12\nprocedure,30\n"; buf.String() != want {
		t.Fatalf("unexpected csv %q", buf.String())
	}
}
