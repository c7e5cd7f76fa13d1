package sqlfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mkoziy/radiant/pipeline/internal/athena"
)

const viewsSQL = `-- Views for the clinical timeline
-- owner: data engineering

/* demographics */
CREATE OR REPLACE VIEW fhir_prd_db.v_patient_demographics AS
SELECT id AS patient_fhir_id, gender, birth_date
FROM patient_access
WHERE name <> 'O''Neil; test';

-- imaging; keep in sync with radiology
CREATE OR REPLACE VIEW "v_imaging" AS
SELECT subject_reference AS patient_fhir_id, result_datetime
FROM diagnostic_report /* ; not a split */ ;

DROP VIEW IF EXISTS v_old;
-- end of file
`

func TestSplitRoundTrip(t *testing.T) {
	stmts := Split(viewsSQL)

	var b strings.Builder
	for _, st := range stmts {
		b.WriteString(st.String())
	}
	if b.String() != viewsSQL {
		t.Fatalf("round trip changed the source:\n%s", b.String())
	}

	kinds := make([]Kind, 0, len(stmts))
	for _, st := range stmts {
		kinds = append(kinds, st.Kind)
	}
	want := []Kind{KindCreateView, KindCreateView, KindDropView, KindEmpty}
	if len(kinds) != len(want) {
		t.Fatalf("expected kinds %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected kinds %v, got %v", want, kinds)
		}
	}

	if stmts[0].Name != "v_patient_demographics" || stmts[0].Qualified != "fhir_prd_db.v_patient_demographics" {
		t.Fatalf("unexpected name %q / %q", stmts[0].Name, stmts[0].Qualified)
	}
	if stmts[0].Line != 5 {
		t.Fatalf("expected first statement on line 5, got %d", stmts[0].Line)
	}
	if stmts[1].Name != "v_imaging" || !strings.Contains(stmts[1].Leading, "keep in sync") {
		t.Fatalf("expected comment to lead v_imaging, got %+v", stmts[1])
	}
	if stmts[2].Name != "v_old" {
		t.Fatalf("unexpected drop name %q", stmts[2].Name)
	}
}

func TestSplitEdgeCases(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		count int
	}{
		{"no terminator", "SELECT 1", 1},
		{"double quoted semicolon", `SELECT "a;b" FROM t; SELECT 2;`, 2},
		{"backtick semicolon", "CREATE EXTERNAL TABLE `x;y` (a int); SELECT 1", 2},
		{"line comment semicolon", "SELECT 1 -- a;b\n;", 1},
		{"unterminated string", "SELECT 'abc; def", 1},
		{"only comments", "-- nothing here\n/* really */\n", 1},
		{"empty", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmts := Split(tt.src)
			if len(stmts) != tt.count {
				t.Fatalf("expected %d statements, got %d: %+v", tt.count, len(stmts), stmts)
			}
			var b strings.Builder
			for _, st := range stmts {
				b.WriteString(st.String())
			}
			if b.String() != tt.src {
				t.Fatalf("round trip mismatch: %q", b.String())
			}
		})
	}
}

func TestSplitTableKinds(t *testing.T) {
	stmts := Split("CREATE EXTERNAL TABLE IF NOT EXISTS `db`.`raw` (a int); DROP TABLE raw; MSCK REPAIR TABLE raw")
	if stmts[0].Kind != KindCreateTable || stmts[0].Qualified != "db.raw" {
		t.Fatalf("unexpected create table %+v", stmts[0])
	}
	if stmts[1].Kind != KindDropTable || stmts[2].Kind != KindOther {
		t.Fatalf("unexpected kinds %s, %s", stmts[1].Kind, stmts[2].Kind)
	}
}

func TestFileViewsAndGet(t *testing.T) {
	f := Parse(viewsSQL)

	views := f.Views()
	if len(views) != 2 || views[0] != "v_patient_demographics" || views[1] != "v_imaging" {
		t.Fatalf("unexpected views %v", views)
	}

	st, err := f.Get("FHIR_PRD_DB.V_IMAGING")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(st.SQL(), "diagnostic_report") {
		t.Fatalf("unexpected view text %q", st.SQL())
	}

	if _, err := f.Get("v_missing"); !errors.Is(err, ErrViewNotFound) {
		t.Fatalf("expected ErrViewNotFound, got %v", err)
	}
}

func TestFileReplaceKeepsSurroundings(t *testing.T) {
	f := Parse(viewsSQL)

	err := f.Replace("v_imaging", "CREATE OR REPLACE VIEW v_imaging AS\nSELECT 1 AS patient_fhir_id;\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := f.String()
	want := strings.Replace(viewsSQL,
		"CREATE OR REPLACE VIEW \"v_imaging\" AS\nSELECT subject_reference AS patient_fhir_id, result_datetime\nFROM diagnostic_report /* ; not a split */ ;",
		"CREATE OR REPLACE VIEW v_imaging AS\nSELECT 1 AS patient_fhir_id;", 1)
	if out != want {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestFileReplaceValidation(t *testing.T) {
	f := Parse(viewsSQL)

	if err := f.Replace("v_imaging", "CREATE VIEW v_other AS SELECT 1"); !errors.Is(err, ErrNameMismatch) {
		t.Fatalf("expected ErrNameMismatch, got %v", err)
	}
	if err := f.Replace("v_imaging", "SELECT 1"); !errors.Is(err, ErrNotAView) {
		t.Fatalf("expected ErrNotAView, got %v", err)
	}
	if err := f.Replace("v_imaging", "CREATE VIEW v_imaging AS SELECT 1; CREATE VIEW v_imaging AS SELECT 2"); !errors.Is(err, ErrNotAView) {
		t.Fatalf("expected ErrNotAView for two views, got %v", err)
	}
	if err := f.Replace("v_nope", "CREATE VIEW v_nope AS SELECT 1"); !errors.Is(err, ErrViewNotFound) {
		t.Fatalf("expected ErrViewNotFound, got %v", err)
	}
	if f.String() != viewsSQL {
		t.Fatalf("failed replacements must not modify the file")
	}
}

func TestFileUpsertAndRemove(t *testing.T) {
	f := Parse(viewsSQL)

	replaced, err := f.Upsert("v_radiation", "CREATE OR REPLACE VIEW v_radiation AS SELECT 1")
	if err != nil || replaced {
		t.Fatalf("expected append, got replaced=%v err=%v", replaced, err)
	}
	out := f.String()
	if !strings.HasSuffix(out, "CREATE OR REPLACE VIEW v_radiation AS SELECT 1;\n-- end of file\n") {
		t.Fatalf("expected new view before trailing comment, got:\n%s", out)
	}

	st, err := f.Get("v_radiation")
	if err != nil || st.Line != 17 {
		t.Fatalf("expected v_radiation on line 17, got %d (%v)", st.Line, err)
	}

	if err := f.Remove("v_patient_demographics"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(f.String(), "patient_access") || strings.Contains(f.String(), "/* demographics */") {
		t.Fatalf("expected view and its comments removed:\n%s", f.String())
	}
	if err := f.Remove("v_patient_demographics"); !errors.Is(err, ErrViewNotFound) {
		t.Fatalf("expected ErrViewNotFound, got %v", err)
	}
}

func TestFileSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "views.sql")
	if err := os.WriteFile(path, []byte(viewsSQL), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := f.Remove("v_imaging"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := f.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected permissions preserved, got %v", info.Mode().Perm())
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(again.Views()) != 1 {
		t.Fatalf("expected one view after save, got %v", again.Views())
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("expected temp file cleaned up, found %d entries", len(entries))
	}
}

type fakeRunner struct {
	execs    []string
	verifies []string
	failOn   string
}

func (f *fakeRunner) Exec(_ context.Context, q athena.Query) (*athena.Execution, error) {
	f.execs = append(f.execs, q.SQL)
	if f.failOn != "" && strings.Contains(q.SQL, f.failOn) {
		return &athena.Execution{ID: "q", State: "FAILED"}, athena.ErrQueryFailed
	}
	return &athena.Execution{ID: "q", State: "SUCCEEDED"}, nil
}

func (f *fakeRunner) Execute(_ context.Context, q athena.Query) (*athena.Result, error) {
	f.verifies = append(f.verifies, q.SQL)
	return &athena.Result{}, nil
}

func TestDeployInOrderWithVerify(t *testing.T) {
	runner := &fakeRunner{}
	results, err := NewDeployer(runner, zerolog.Nop()).Deploy(context.Background(), Split(viewsSQL), DeployOptions{Verify: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 || len(runner.execs) != 3 {
		t.Fatalf("expected three statements executed, got %d results, %d execs", len(results), len(runner.execs))
	}
	if strings.HasSuffix(runner.execs[0], ";") {
		t.Fatalf("statements must be submitted without terminator: %q", runner.execs[0])
	}
	if runner.verifies[0] != `SELECT * FROM "fhir_prd_db"."v_patient_demographics" LIMIT 1` {
		t.Fatalf("unexpected verify query %q", runner.verifies[0])
	}
	if len(runner.verifies) != 2 || !results[1].Verified || results[2].Verified {
		t.Fatalf("expected only views verified, got %v", runner.verifies)
	}
}

func TestDeployStopsOnFailure(t *testing.T) {
	runner := &fakeRunner{failOn: "v_imaging"}
	results, err := NewDeployer(runner, zerolog.Nop()).Deploy(context.Background(), Split(viewsSQL), DeployOptions{})
	if !errors.Is(err, athena.ErrQueryFailed) {
		t.Fatalf("expected ErrQueryFailed, got %v", err)
	}
	if len(results) != 2 || len(runner.execs) != 2 {
		t.Fatalf("expected deployment to stop after second statement, got %d", len(results))
	}

	runner = &fakeRunner{failOn: "v_imaging"}
	results, err = NewDeployer(runner, zerolog.Nop()).Deploy(context.Background(), Split(viewsSQL), DeployOptions{ContinueOnError: true})
	if err == nil || len(results) != 3 {
		t.Fatalf("expected all statements attempted with joined error, got %d, %v", len(results), err)
	}
}

func TestDeployOnlyAndDryRun(t *testing.T) {
	runner := &fakeRunner{}
	results, err := NewDeployer(runner, zerolog.Nop()).Deploy(context.Background(), Split(viewsSQL), DeployOptions{Only: []string{"V_IMAGING"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runner.execs) != 1 || !strings.Contains(runner.execs[0], "diagnostic_report") {
		t.Fatalf("expected only v_imaging executed, got %v", runner.execs)
	}
	if !results[0].Skipped || results[1].Skipped || !results[2].Skipped {
		t.Fatalf("unexpected skip flags %+v", results)
	}

	runner = &fakeRunner{}
	results, err = NewDeployer(runner, zerolog.Nop()).Deploy(context.Background(), Split(viewsSQL), DeployOptions{DryRun: true})
	if err != nil || len(runner.execs) != 0 || len(results) != 3 {
		t.Fatalf("dry run must not execute, got %d execs", len(runner.execs))
	}
}
