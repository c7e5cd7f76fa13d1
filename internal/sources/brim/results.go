package brim

import (
	"fmt"
	"io"
	"strings"

	"github.com/samber/lo"
)

// ResultRow is one row of a BRIM results export.
type ResultRow struct {
	Name       string            `json:"name"`
	Value      string            `json:"value"`
	PatientID  string            `json:"patient_id"`
	DocumentID string            `json:"document_id,omitempty"`
	Scope      string            `json:"scope,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

var resultColumns = map[string]string{
	"name":        "name",
	"variable":    "name",
	"value":       "value",
	"patient id":  "patient",
	"patient_id":  "patient",
	"person_id":   "patient",
	"document id": "document",
	"document_id": "document",
	"note_id":     "document",
	"scope":       "scope",
}

// ParseResults reads a results export CSV. Columns other than name,
// value, patient, document and scope are kept in Extra.
func ParseResults(r io.Reader) ([]ResultRow, error) {
	tbl, err := readTable(r, "results", nil)
	if err != nil {
		return nil, err
	}

	fields := map[string]int{}
	var extras []string
	for header, i := range tbl.index {
		if f, ok := resultColumns[header]; ok {
			if _, dup := fields[f]; !dup {
				fields[f] = i
			}
			continue
		}
		extras = append(extras, header)
	}
	for _, need := range []string{"name", "value", "patient"} {
		if _, ok := fields[need]; !ok {
			return nil, fmt.Errorf("results csv: missing %s column", need)
		}
	}

	get := func(rec []string, field string) string {
		i, ok := fields[field]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	rows := make([]ResultRow, 0, len(tbl.rows))
	for _, rec := range tbl.rows {
		row := ResultRow{
			Name:       get(rec, "name"),
			Value:      get(rec, "value"),
			PatientID:  get(rec, "patient"),
			DocumentID: get(rec, "document"),
			Scope:      get(rec, "scope"),
		}
		if row.Name == "" && row.PatientID == "" {
			continue
		}
		for _, h := range extras {
			if v := tbl.get(rec, h); v != "" {
				if row.Extra == nil {
					row.Extra = map[string]string{}
				}
				row.Extra[h] = v
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Aggregate groups non-empty values by patient and variable, keeping the
// first occurrence order and dropping duplicates.
func Aggregate(rows []ResultRow) map[string]map[string][]string {
	out := map[string]map[string][]string{}
	for _, r := range rows {
		if r.Value == "" {
			continue
		}
		vars, ok := out[r.PatientID]
		if !ok {
			vars = map[string][]string{}
			out[r.PatientID] = vars
		}
		if !lo.Contains(vars[r.Name], r.Value) {
			vars[r.Name] = append(vars[r.Name], r.Value)
		}
	}
	return out
}
