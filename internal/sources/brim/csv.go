package brim

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/samber/lo"
)

// ProjectHeader is the column layout BRIM expects for project notes.
var ProjectHeader = []string{"NOTE_ID", "PERSON_ID", "NOTE_DATETIME", "NOTE_TEXT", "NOTE_TITLE"}

// ProjectRow is one clinical note in a project upload.
type ProjectRow struct {
	NoteID   string
	PersonID string
	Date     time.Time
	Text     string
	Title    string
}

// WriteProject writes notes as a BRIM project CSV. Rows must have unique
// note ids and a person id.
func WriteProject(w io.Writer, rows []ProjectRow) error {
	var problems []Problem
	seen := map[string]int{}
	for i, r := range rows {
		line := i + 2
		if strings.TrimSpace(r.NoteID) == "" {
			problems = append(problems, Problem{Line: line, Field: "NOTE_ID", Msg: "empty"})
		} else if prev, dup := seen[r.NoteID]; dup {
			problems = append(problems, Problem{Line: line, Field: "NOTE_ID", Msg: fmt.Sprintf("duplicate of line %d", prev)})
		} else {
			seen[r.NoteID] = line
		}
		if strings.TrimSpace(r.PersonID) == "" {
			problems = append(problems, Problem{Line: line, Field: "PERSON_ID", Msg: "empty"})
		}
	}
	if len(problems) > 0 {
		return &ValidationError{File: "project", Problems: problems}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(ProjectHeader); err != nil {
		return err
	}
	for _, r := range rows {
		date := ""
		if !r.Date.IsZero() {
			date = r.Date.UTC().Format(time.RFC3339)
		}
		if err := cw.Write([]string{r.NoteID, r.PersonID, date, r.Text, r.Title}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Problem is one validation finding. Line is the 1-based CSV line.
type Problem struct {
	Line  int
	Field string
	Msg   string
}

func (p Problem) String() string {
	if p.Line == 0 {
		return fmt.Sprintf("%s: %s", p.Field, p.Msg)
	}
	return fmt.Sprintf("line %d: %s: %s", p.Line, p.Field, p.Msg)
}

// ValidationError lists every problem found in a file.
type ValidationError struct {
	File     string
	Problems []Problem
}

func (e *ValidationError) Error() string {
	lines := lo.Map(e.Problems, func(p Problem, _ int) string { return "  - " + p.String() })
	return fmt.Sprintf("%s: %d problem(s):\n%s", e.File, len(e.Problems), strings.Join(lines, "\n"))
}

var (
	variableColumns = []string{"variable_name", "instruction", "variable_type", "scope"}
	decisionColumns = []string{"decision_name", "instruction", "decision_type", "variables"}

	valueTypes = []string{"text", "boolean", "integer", "float"}
	scopes     = []string{"one_per_note", "many_per_note", "one_per_patient"}
)

// Variable is one row of a variables CSV.
type Variable struct {
	Name        string
	Instruction string
	Type        string
	Scope       string
	Options     map[string]string
	Default     string
}

// Decision is one row of a decisions CSV.
type Decision struct {
	Name        string
	Instruction string
	Type        string
	Variables   []string
}

// ValidateVariables parses a variables CSV and checks required columns,
// non-empty unique names, known types and scopes, and that
// option_definitions is a JSON object when given.
func ValidateVariables(r io.Reader) ([]Variable, error) {
	tbl, err := readTable(r, "variables", variableColumns)
	if err != nil {
		return nil, err
	}

	var out []Variable
	var problems []Problem
	seen := map[string]int{}
	for i, rec := range tbl.rows {
		line := i + 2
		v := Variable{
			Name:        strings.TrimSpace(tbl.get(rec, "variable_name")),
			Instruction: tbl.get(rec, "instruction"),
			Type:        strings.ToLower(strings.TrimSpace(tbl.get(rec, "variable_type"))),
			Scope:       strings.ToLower(strings.TrimSpace(tbl.get(rec, "scope"))),
			Default:     tbl.get(rec, "default_value_for_empty_response"),
		}
		problems = append(problems, checkName(line, "variable_name", v.Name, seen)...)
		if strings.TrimSpace(v.Instruction) == "" {
			problems = append(problems, Problem{Line: line, Field: "instruction", Msg: "empty"})
		}
		if !lo.Contains(valueTypes, v.Type) {
			problems = append(problems, Problem{Line: line, Field: "variable_type", Msg: fmt.Sprintf("unknown type %q", v.Type)})
		}
		if !lo.Contains(scopes, v.Scope) {
			problems = append(problems, Problem{Line: line, Field: "scope", Msg: fmt.Sprintf("unknown scope %q", v.Scope)})
		}
		if raw := strings.TrimSpace(tbl.get(rec, "option_definitions")); raw != "" {
			if err := json.Unmarshal([]byte(raw), &v.Options); err != nil {
				problems = append(problems, Problem{Line: line, Field: "option_definitions", Msg: "not a JSON object of strings"})
			}
		}
		out = append(out, v)
	}

	if len(problems) > 0 {
		return out, &ValidationError{File: "variables", Problems: problems}
	}
	return out, nil
}

// ValidateDecisions parses a decisions CSV and checks required columns,
// non-empty unique names, known types, and that every referenced variable
// exists in variables.
func ValidateDecisions(r io.Reader, variables []Variable) ([]Decision, error) {
	tbl, err := readTable(r, "decisions", decisionColumns)
	if err != nil {
		return nil, err
	}
	known := lo.SliceToMap(variables, func(v Variable) (string, struct{}) { return v.Name, struct{}{} })

	var out []Decision
	var problems []Problem
	seen := map[string]int{}
	for i, rec := range tbl.rows {
		line := i + 2
		d := Decision{
			Name:        strings.TrimSpace(tbl.get(rec, "decision_name")),
			Instruction: tbl.get(rec, "instruction"),
			Type:        strings.ToLower(strings.TrimSpace(tbl.get(rec, "decision_type"))),
		}
		problems = append(problems, checkName(line, "decision_name", d.Name, seen)...)
		if !lo.Contains(valueTypes, d.Type) {
			problems = append(problems, Problem{Line: line, Field: "decision_type", Msg: fmt.Sprintf("unknown type %q", d.Type)})
		}

		refs, err := parseNameList(tbl.get(rec, "variables"))
		switch {
		case err != nil:
			problems = append(problems, Problem{Line: line, Field: "variables", Msg: err.Error()})
		case len(refs) == 0:
			problems = append(problems, Problem{Line: line, Field: "variables", Msg: "no variables referenced"})
		}
		for _, ref := range refs {
			if _, ok := known[ref]; !ok {
				problems = append(problems, Problem{Line: line, Field: "variables", Msg: fmt.Sprintf("unknown variable %q", ref)})
			}
		}
		d.Variables = refs
		out = append(out, d)
	}

	if len(problems) > 0 {
		return out, &ValidationError{File: "decisions", Problems: problems}
	}
	return out, nil
}

func checkName(line int, field, name string, seen map[string]int) []Problem {
	if name == "" {
		return []Problem{{Line: line, Field: field, Msg: "empty"}}
	}
	if prev, dup := seen[name]; dup {
		return []Problem{{Line: line, Field: field, Msg: fmt.Sprintf("duplicate of line %d", prev)}}
	}
	seen[name] = line
	return nil
}

// parseNameList accepts a JSON array or a comma/semicolon separated list.
func parseNameList(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var names []string
		if err := json.Unmarshal([]byte(raw), &names); err != nil {
			return nil, errors.New("not a JSON list of names")
		}
		return lo.Compact(lo.Map(names, func(s string, _ int) string { return strings.TrimSpace(s) })), nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' })
	return lo.Compact(lo.Map(parts, func(s string, _ int) string { return strings.TrimSpace(s) })), nil
}

type table struct {
	index map[string]int
	rows  [][]string
}

func (t *table) get(rec []string, col string) string {
	i, ok := t.index[col]
	if !ok || i >= len(rec) {
		return ""
	}
	return rec[i]
}

// readTable reads a CSV with a header row and checks required columns.
// Header names are matched case-insensitively.
func readTable(r io.Reader, file string, required []string) (*table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s csv: %w", file, err)
	}
	if len(records) == 0 {
		return nil, &ValidationError{File: file, Problems: []Problem{{Field: "header", Msg: "file is empty"}}}
	}

	t := &table{index: map[string]int{}, rows: records[1:]}
	for i, h := range records[0] {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := t.index[h]; !dup {
			t.index[h] = i
		}
	}

	var problems []Problem
	for _, col := range required {
		if _, ok := t.index[col]; !ok {
			problems = append(problems, Problem{Line: 1, Field: col, Msg: "missing column"})
		}
	}
	if len(problems) > 0 {
		return nil, &ValidationError{File: file, Problems: problems}
	}
	return t, nil
}
