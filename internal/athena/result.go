package athena

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Column is one result column as reported by Athena.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Result holds all rows of a finished query. NULL values are empty strings.
type Result struct {
	Execution Execution  `json:"-"`
	Columns   []Column   `json:"columns"`
	Rows      [][]string `json:"rows"`
}

// Len returns the number of data rows.
func (r *Result) Len() int {
	return len(r.Rows)
}

// Index returns the position of a column by case-insensitive name, or -1.
func (r *Result) Index(name string) int {
	for i, c := range r.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// Value returns the named column of row i, or "" when absent.
func (r *Result) Value(i int, name string) string {
	idx := r.Index(name)
	if idx < 0 || i < 0 || i >= len(r.Rows) || idx >= len(r.Rows[i]) {
		return ""
	}
	return r.Rows[i][idx]
}

// Column returns every value of the named column.
func (r *Result) Column(name string) []string {
	idx := r.Index(name)
	if idx < 0 {
		return nil
	}
	values := make([]string, 0, len(r.Rows))
	for _, row := range r.Rows {
		if idx < len(row) {
			values = append(values, row[idx])
		} else {
			values = append(values, "")
		}
	}
	return values
}

// Records returns rows keyed by column name.
func (r *Result) Records() []map[string]string {
	records := make([]map[string]string, 0, len(r.Rows))
	for _, row := range r.Rows {
		rec := make(map[string]string, len(r.Columns))
		for i, c := range r.Columns {
			if i < len(row) {
				rec[c.Name] = row[i]
			}
		}
		records = append(records, rec)
	}
	return records
}

// WriteCSV writes a header line followed by every row.
func (r *Result) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		header[i] = c.Name
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	if err := cw.WriteAll(r.Rows); err != nil {
		return err
	}
	return cw.Error()
}

// WriteJSON writes the rows as a JSON array of objects.
func (r *Result) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r.Records())
}

// Params converts Go values into Athena execution parameter literals.
// Strings are single-quoted with embedded quotes doubled; times become DATE
// or TIMESTAMP literals.
func Params(values ...any) []string {
	params := make([]string, 0, len(values))
	for _, v := range values {
		params = append(params, literal(v))
	}
	return params
}

func literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return "DATE '" + x.Format("2006-01-02") + "'"
		}
		return "TIMESTAMP '" + x.UTC().Format("2006-01-02 15:04:05.000") + "'"
	case fmt.Stringer:
		return literal(x.String())
	default:
		return literal(fmt.Sprint(x))
	}
}
