package validation

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/samber/lo"

	"github.com/mkoziy/radiant/pipeline/internal/sources/fhir"
)

type Outcome string

const (
	OutcomeMatch    Outcome = "match"
	OutcomeMismatch Outcome = "mismatch"
	OutcomeMissing  Outcome = "missing"
)

// Comparison is the score of one patient variable.
type Comparison struct {
	Patient  string   `json:"patient"`
	Variable string   `json:"variable"`
	Expected []string `json:"expected"`
	Actual   []string `json:"actual,omitempty"`
	Outcome  Outcome  `json:"outcome"`
}

// Stats counts outcomes.
type Stats struct {
	Total      int     `json:"total"`
	Matched    int     `json:"matched"`
	Mismatched int     `json:"mismatched"`
	Missing    int     `json:"missing"`
	Accuracy   float64 `json:"accuracy"`
}

func (s *Stats) add(o Outcome) {
	s.Total++
	switch o {
	case OutcomeMatch:
		s.Matched++
	case OutcomeMismatch:
		s.Mismatched++
	case OutcomeMissing:
		s.Missing++
	}
	s.Accuracy = float64(s.Matched) / float64(s.Total)
}

// Report is the result of scoring a dataset.
type Report struct {
	Stats
	ByVariable  map[string]*Stats `json:"by_variable"`
	Comparisons []Comparison      `json:"comparisons"`
}

// Passed reports whether accuracy reaches threshold. An empty report never
// passes.
func (r *Report) Passed(threshold float64) bool {
	return r.Total > 0 && r.Accuracy >= threshold
}

// Compare scores every gold variable against actual. Values present in
// actual but absent from gold are not scored.
func Compare(gold Dataset, actual Dataset) *Report {
	rep := &Report{ByVariable: map[string]*Stats{}}

	for _, patient := range lo.Keys(gold) {
		vars := gold[patient]
		for _, variable := range lo.Keys(vars) {
			expected := vars[variable]
			got, ok := actual[patient][variable]

			c := Comparison{Patient: patient, Variable: variable, Expected: expected, Actual: got}
			switch {
			case !ok || len(got) == 0:
				c.Outcome = OutcomeMissing
			case sameValues(expected, got):
				c.Outcome = OutcomeMatch
			default:
				c.Outcome = OutcomeMismatch
			}

			rep.Comparisons = append(rep.Comparisons, c)
			rep.add(c.Outcome)
			st, ok := rep.ByVariable[variable]
			if !ok {
				st = &Stats{}
				rep.ByVariable[variable] = st
			}
			st.add(c.Outcome)
		}
	}

	sort.Slice(rep.Comparisons, func(i, j int) bool {
		a, b := rep.Comparisons[i], rep.Comparisons[j]
		if a.Patient != b.Patient {
			return a.Patient < b.Patient
		}
		return a.Variable < b.Variable
	})
	return rep
}

// sameValues compares normalized value sets ignoring order and duplicates.
func sameValues(expected, actual []string) bool {
	norm := func(vs []string) []string {
		out := lo.Uniq(lo.FilterMap(vs, func(v string, _ int) (string, bool) {
			n := Normalize(v)
			return n, n != ""
		}))
		sort.Strings(out)
		return out
	}
	e, a := norm(expected), norm(actual)
	if len(e) == 0 {
		return len(a) == 0
	}
	return strings.Join(e, "\x00") == strings.Join(a, "\x00")
}

var extraDateLayouts = []string{"01/02/2006", "1/2/2006", "January 2, 2006", "Jan 2, 2006", "2 January 2006"}

// Normalize folds case, whitespace and punctuation, and rewrites dates as
// 2006-01-02.
func Normalize(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if t := parseDate(v); t != nil {
		return t.Format("2006-01-02")
	}

	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(v) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case r == '.' && b.Len() > 0 && lastIsDigit(b.String()):
			// keep decimal points in numbers
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return strings.TrimRight(b.String(), ".")
}

func lastIsDigit(s string) bool {
	return s != "" && s[len(s)-1] >= '0' && s[len(s)-1] <= '9'
}

func parseDate(v string) *time.Time {
	// bare years and months are values, not dates to rewrite
	if len(v) < 8 {
		return nil
	}
	if t := fhir.ParseDate(v); t != nil {
		return t
	}
	for _, layout := range extraDateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return &t
		}
	}
	return nil
}

// WriteJSON writes the full report.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteText writes a human-readable summary with per-variable accuracy and
// every non-matching comparison.
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall: %d/%d matched (%.1f%%), %d mismatched, %d missing\n",
		r.Matched, r.Total, r.Accuracy*100, r.Mismatched, r.Missing)

	b.WriteString("\nBy variable:\n")
	vars := lo.Keys(r.ByVariable)
	sort.Strings(vars)
	for _, name := range vars {
		st := r.ByVariable[name]
		fmt.Fprintf(&b, "  %-32s %3d/%-3d %6.1f%%\n", name, st.Matched, st.Total, st.Accuracy*100)
	}

	misses := lo.Filter(r.Comparisons, func(c Comparison, _ int) bool { return c.Outcome != OutcomeMatch })
	if len(misses) > 0 {
		b.WriteString("\nDifferences:\n")
		for _, c := range misses {
			fmt.Fprintf(&b, "  [%s] %s %s: expected %q, got %q\n",
				c.Outcome, c.Patient, c.Variable, strings.Join(c.Expected, "; "), strings.Join(c.Actual, "; "))
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
