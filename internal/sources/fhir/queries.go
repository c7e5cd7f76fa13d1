package fhir

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mkoziy/radiant/pipeline/internal/athena"
)

var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrParamCount        = errors.New("placeholder count does not match arguments")
)

var (
	qualifiedIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)
	orderTerm      = regexp.MustCompile(`(?i)^[A-Za-z_][A-Za-z0-9_]*(\s+(ASC|DESC))?(\s+NULLS\s+(FIRST|LAST))?$`)
)

// QueryBuilder builds parameterized SELECT statements over a single view.
// Values only ever travel as execution parameters.
type QueryBuilder struct {
	view    string
	columns []string
	where   []string
	args    []any
	orderBy []string
	limit   int
}

// NewQueryBuilder creates a new query builder.
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{}
}

// From sets the view or table to read.
func (qb *QueryBuilder) From(view string) *QueryBuilder {
	qb.view = view
	return qb
}

// Columns sets the selected columns. None selects all.
func (qb *QueryBuilder) Columns(columns ...string) *QueryBuilder {
	qb.columns = append(qb.columns, columns...)
	return qb
}

// Where adds a condition joined with AND. Each ? in cond binds one arg.
func (qb *QueryBuilder) Where(cond string, args ...any) *QueryBuilder {
	qb.where = append(qb.where, cond)
	qb.args = append(qb.args, args...)
	return qb
}

// WhereIn adds "column IN (?, ...)" for the given values.
func (qb *QueryBuilder) WhereIn(column string, values ...string) *QueryBuilder {
	if len(values) == 0 {
		qb.where = append(qb.where, "1 = 0")
		return qb
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	qb.where = append(qb.where, fmt.Sprintf("%s IN (%s)", column, marks))
	for _, v := range values {
		qb.args = append(qb.args, v)
	}
	return qb
}

// OrderBy adds ordering terms such as "onset_date DESC".
func (qb *QueryBuilder) OrderBy(terms ...string) *QueryBuilder {
	qb.orderBy = append(qb.orderBy, terms...)
	return qb
}

// Limit caps the number of rows.
func (qb *QueryBuilder) Limit(n int) *QueryBuilder {
	qb.limit = n
	return qb
}

// Build constructs the final query.
func (qb *QueryBuilder) Build() (athena.Query, error) {
	if !qualifiedIdent.MatchString(qb.view) {
		return athena.Query{}, fmt.Errorf("%w: view %q", ErrInvalidIdentifier, qb.view)
	}
	for _, c := range qb.columns {
		if !qualifiedIdent.MatchString(c) {
			return athena.Query{}, fmt.Errorf("%w: column %q", ErrInvalidIdentifier, c)
		}
	}
	for _, o := range qb.orderBy {
		if !orderTerm.MatchString(strings.TrimSpace(o)) {
			return athena.Query{}, fmt.Errorf("%w: order term %q", ErrInvalidIdentifier, o)
		}
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	if len(qb.columns) == 0 {
		b.WriteString("*")
	} else {
		b.WriteString(strings.Join(qb.columns, ", "))
	}
	b.WriteString(" FROM ")
	b.WriteString(qb.view)

	if len(qb.where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(qb.where, " AND "))
	}
	if len(qb.orderBy) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(qb.orderBy, ", "))
	}
	if qb.limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", qb.limit)
	}

	sql := b.String()
	if n := strings.Count(strings.Join(qb.where, " "), "?"); n != len(qb.args) {
		return athena.Query{}, fmt.Errorf("%w: %d placeholders, %d args", ErrParamCount, n, len(qb.args))
	}
	return athena.NewQuery(sql, qb.args...), nil
}
