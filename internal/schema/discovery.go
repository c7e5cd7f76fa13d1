// Package schema inspects the Athena catalog: tables, columns and
// PHI-redacted samples.
package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/mkoziy/radiant/pipeline/internal/athena"
)

var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrTableNotFound     = errors.New("table not found")
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Executor runs a query and returns all rows.
type Executor interface {
	Execute(ctx context.Context, q athena.Query) (*athena.Result, error)
}

// Column describes one table column.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Ordinal  int    `json:"ordinal"`
	Nullable bool   `json:"nullable"`
}

// Table is a table or view with its columns.
type Table struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Columns []Column `json:"columns"`
}

// Catalog is the described contents of a database.
type Catalog struct {
	Database string  `json:"database"`
	Tables   []Table `json:"tables"`
}

// Discoverer queries information_schema for one database.
type Discoverer struct {
	exec     Executor
	database string
	logger   zerolog.Logger
}

// NewDiscoverer creates a Discoverer.
func NewDiscoverer(exec Executor, database string, logger zerolog.Logger) *Discoverer {
	return &Discoverer{
		exec:     exec,
		database: database,
		logger:   logger.With().Str("component", "schema").Logger(),
	}
}

// ValidIdentifier reports whether name is safe to splice into SQL.
func ValidIdentifier(name string) bool {
	return identifier.MatchString(name)
}

// ListTables returns table names matching a LIKE pattern, sorted. An empty
// pattern matches everything.
func (d *Discoverer) ListTables(ctx context.Context, pattern string) ([]Table, error) {
	if pattern == "" {
		pattern = "%"
	}

	res, err := d.exec.Execute(ctx, athena.NewQuery(
		"SELECT table_name, table_type FROM information_schema.tables WHERE table_schema = ? AND table_name LIKE ?",
		d.database, pattern,
	))
	if err != nil {
		return nil, fmt.Errorf("list tables %q: %w", pattern, err)
	}

	tables := make([]Table, 0, res.Len())
	for i := range res.Rows {
		tables = append(tables, Table{Name: res.Value(i, "table_name"), Type: res.Value(i, "table_type")})
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })
	return tables, nil
}

// Describe returns the columns of a table in ordinal order.
func (d *Discoverer) Describe(ctx context.Context, table string) ([]Column, error) {
	if !ValidIdentifier(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, table)
	}

	res, err := d.exec.Execute(ctx, athena.NewQuery(
		"SELECT column_name, data_type, ordinal_position, is_nullable FROM information_schema.columns WHERE table_schema = ? AND table_name = ? ORDER BY ordinal_position",
		d.database, strings.ToLower(table),
	))
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	if res.Len() == 0 {
		return nil, fmt.Errorf("%w: %s.%s", ErrTableNotFound, d.database, table)
	}

	cols := make([]Column, 0, res.Len())
	for i := range res.Rows {
		ord, _ := strconv.Atoi(res.Value(i, "ordinal_position"))
		cols = append(cols, Column{
			Name:     res.Value(i, "column_name"),
			Type:     res.Value(i, "data_type"),
			Ordinal:  ord,
			Nullable: !strings.EqualFold(res.Value(i, "is_nullable"), "NO"),
		})
	}
	sort.SliceStable(cols, func(i, j int) bool { return cols[i].Ordinal < cols[j].Ordinal })
	return cols, nil
}

// Sample selects up to limit rows from a table and passes them through
// the redactor.
func (d *Discoverer) Sample(ctx context.Context, table string, limit int, r *Redactor) (*athena.Result, error) {
	if !ValidIdentifier(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, table)
	}
	if limit <= 0 {
		limit = 10
	}

	sql := fmt.Sprintf("SELECT * FROM %s LIMIT %d", table, limit)
	res, err := d.exec.Execute(ctx, athena.Query{SQL: sql})
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", table, err)
	}
	if r == nil {
		return res, nil
	}
	return r.Apply(res), nil
}

// Catalog lists tables matching pattern and describes each of them.
func (d *Discoverer) Catalog(ctx context.Context, pattern string) (*Catalog, error) {
	tables, err := d.ListTables(ctx, pattern)
	if err != nil {
		return nil, err
	}

	cat := &Catalog{Database: d.database, Tables: make([]Table, 0, len(tables))}
	for _, t := range tables {
		if !ValidIdentifier(t.Name) {
			d.logger.Warn().Str("table", t.Name).Msg("skipping table with unsupported name")
			continue
		}
		cols, err := d.Describe(ctx, t.Name)
		if err != nil {
			return nil, err
		}
		t.Columns = cols
		cat.Tables = append(cat.Tables, t)
	}

	d.logger.Info().Int("tables", len(cat.Tables)).Str("pattern", pattern).Msg("catalog built")
	return cat, nil
}

// Table returns the named table from the catalog.
func (c *Catalog) Table(name string) (Table, bool) {
	return lo.Find(c.Tables, func(t Table) bool { return strings.EqualFold(t.Name, name) })
}

// WriteJSON writes the catalog as indented JSON.
func (c *Catalog) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}

// WriteMarkdown writes one section per table with a column table.
func (c *Catalog) WriteMarkdown(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", c.Database)
	for _, t := range c.Tables {
		fmt.Fprintf(&b, "## %s\n\n", t.Name)
		if t.Type != "" {
			fmt.Fprintf(&b, "_%s_, %d columns\n\n", strings.ToLower(t.Type), len(t.Columns))
		}
		b.WriteString("| # | Column | Type | Nullable |\n|---|---|---|---|\n")
		for _, col := range t.Columns {
			fmt.Fprintf(&b, "| %d | %s | %s | %s |\n", col.Ordinal, col.Name, col.Type, lo.Ternary(col.Nullable, "yes", "no"))
		}
		b.WriteString("\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}
