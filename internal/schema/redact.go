package schema

import (
	"strings"

	"github.com/samber/lo"

	"github.com/mkoziy/radiant/pipeline/internal/athena"
)

// Redacted replaces PHI values in samples.
const Redacted = "[REDACTED]"

// RedactMode controls how PHI columns are handled.
type RedactMode string

const (
	RedactMask RedactMode = "mask"
	RedactOmit RedactMode = "omit"
)

// Redactor masks or drops columns that may carry PHI. Column names match
// case-insensitively: Columns exactly, Suffixes exactly or after a "_"
// prefix ("patient_mrn"). Generic words such as "name" or "text" are exact
// only, so "medication_name" stays visible.
type Redactor struct {
	Columns  map[string]struct{}
	Suffixes []string
	Mode     RedactMode
}

// DefaultPHIColumns lists column names treated as PHI in samples.
func DefaultPHIColumns() []string {
	return []string{
		"name", "birthdate", "identifier", "identifier_value", "medical_record_number",
		"address_line", "street", "city", "postal_code", "zip", "telecom",
		"text", "text_div", "content", "comment", "description",
	}
}

// DefaultPHISuffixes lists column names that are PHI whatever they are
// prefixed with.
func DefaultPHISuffixes() []string {
	return []string{
		"patient_name", "given_name", "family_name", "first_name", "last_name", "full_name",
		"birth_date", "date_of_birth", "dob", "mrn", "ssn",
		"address", "phone", "telephone", "telecom_value", "email", "note_text",
	}
}

// NewRedactor builds a redactor. With no columns the default PHI lists are
// used; explicit columns match exactly.
func NewRedactor(mode RedactMode, columns ...string) *Redactor {
	var suffixes []string
	if len(columns) == 0 {
		columns = DefaultPHIColumns()
		suffixes = DefaultPHISuffixes()
	}
	if mode == "" {
		mode = RedactMask
	}
	set := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		set[strings.ToLower(c)] = struct{}{}
	}
	return &Redactor{Columns: set, Suffixes: suffixes, Mode: mode}
}

// Matches reports whether a column is considered PHI.
func (r *Redactor) Matches(column string) bool {
	col := strings.ToLower(column)
	if _, ok := r.Columns[col]; ok {
		return true
	}
	for _, sfx := range r.Suffixes {
		if col == sfx || strings.HasSuffix(col, "_"+sfx) {
			return true
		}
	}
	return false
}

// Apply returns a copy of res with PHI columns masked or removed.
func (r *Redactor) Apply(res *athena.Result) *athena.Result {
	phi := make([]bool, len(res.Columns))
	for i, c := range res.Columns {
		phi[i] = r.Matches(c.Name)
	}

	out := &athena.Result{Execution: res.Execution}
	if r.Mode == RedactOmit {
		out.Columns = lo.Filter(res.Columns, func(_ athena.Column, i int) bool { return !phi[i] })
	} else {
		out.Columns = append([]athena.Column(nil), res.Columns...)
	}

	out.Rows = make([][]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		next := make([]string, 0, len(out.Columns))
		for i, v := range row {
			switch {
			case i >= len(phi) || !phi[i]:
				next = append(next, v)
			case r.Mode == RedactOmit:
			case v == "":
				next = append(next, v)
			default:
				next = append(next, Redacted)
			}
		}
		out.Rows = append(out.Rows, next)
	}
	return out
}
