// Package sqlfile splits SQL scripts into statements and edits view
// definitions in place without disturbing the surrounding text.
package sqlfile

import (
	"regexp"
	"strings"
)

// Kind classifies a statement.
type Kind string

const (
	KindEmpty       Kind = "empty"
	KindCreateView  Kind = "create_view"
	KindDropView    Kind = "drop_view"
	KindCreateTable Kind = "create_table"
	KindDropTable   Kind = "drop_table"
	KindOther       Kind = "other"
)

// Statement is one SQL statement together with the comments and
// whitespace that precede it. Concatenating Leading, Text and the
// terminator of every statement reproduces the source exactly.
type Statement struct {
	Leading    string
	Text       string
	Terminated bool
	Line       int
	Kind       Kind
	Name       string
	Qualified  string
}

// String returns the statement as it appears in the file.
func (s Statement) String() string {
	if s.Terminated {
		return s.Leading + s.Text + ";"
	}
	return s.Leading + s.Text
}

// SQL returns the statement text without surrounding whitespace, ready to
// submit.
func (s Statement) SQL() string {
	return strings.TrimSpace(s.Text)
}

// IsView reports whether the statement creates or drops a view.
func (s Statement) IsView() bool {
	return s.Kind == KindCreateView || s.Kind == KindDropView
}

const namePattern = "((?:\"[^\"]+\"|`[^`]+`|[A-Za-z0-9_]+)(?:\\s*\\.\\s*(?:\"[^\"]+\"|`[^`]+`|[A-Za-z0-9_]+))*)"

var classifiers = []struct {
	kind Kind
	re   *regexp.Regexp
}{
	{KindCreateView, regexp.MustCompile(`(?is)^CREATE\s+(?:OR\s+REPLACE\s+)?VIEW\s+(?:IF\s+NOT\s+EXISTS\s+)?` + namePattern)},
	{KindDropView, regexp.MustCompile(`(?is)^DROP\s+VIEW\s+(?:IF\s+EXISTS\s+)?` + namePattern)},
	{KindCreateTable, regexp.MustCompile(`(?is)^CREATE\s+(?:EXTERNAL\s+)?TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?` + namePattern)},
	{KindDropTable, regexp.MustCompile(`(?is)^DROP\s+TABLE\s+(?:IF\s+EXISTS\s+)?` + namePattern)},
}

// Split breaks src into statements on semicolons outside string literals,
// quoted identifiers and comments. Trailing whitespace or comments after
// the last statement come back as a final KindEmpty statement.
func Split(src string) []Statement {
	var stmts []Statement
	line := 1

	for pos := 0; pos < len(src); {
		start := skipTrivia(src, pos)
		leading := src[pos:start]

		if start >= len(src) {
			stmts = append(stmts, Statement{Leading: leading, Line: line + strings.Count(leading, "\n"), Kind: KindEmpty})
			break
		}

		end, terminated := scanStatement(src, start)
		st := Statement{
			Leading:    leading,
			Text:       src[start:end],
			Terminated: terminated,
			Line:       line + strings.Count(leading, "\n"),
		}
		classify(&st)
		stmts = append(stmts, st)

		line += strings.Count(src[pos:end], "\n")
		pos = end
		if terminated {
			pos++
		}
	}
	return stmts
}

func classify(st *Statement) {
	text := strings.TrimSpace(st.Text)
	if text == "" {
		st.Kind = KindEmpty
		return
	}
	for _, c := range classifiers {
		if m := c.re.FindStringSubmatch(text); m != nil {
			st.Kind = c.kind
			st.Qualified, st.Name = normalizeName(m[1])
			return
		}
	}
	st.Kind = KindOther
}

// normalizeName strips quoting and whitespace and lower-cases a possibly
// qualified name, returning it with and without the qualifier.
func normalizeName(raw string) (qualified, bare string) {
	parts := strings.Split(raw, ".")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, "\"`")
		parts[i] = strings.ToLower(p)
	}
	return strings.Join(parts, "."), parts[len(parts)-1]
}

// skipTrivia returns the index of the first character at or after pos that
// is not whitespace or part of a comment.
func skipTrivia(src string, pos int) int {
	for pos < len(src) {
		switch {
		case isSpace(src[pos]):
			pos++
		case strings.HasPrefix(src[pos:], "--"):
			nl := strings.IndexByte(src[pos:], '\n')
			if nl < 0 {
				return len(src)
			}
			pos += nl + 1
		case strings.HasPrefix(src[pos:], "/*"):
			end := strings.Index(src[pos+2:], "*/")
			if end < 0 {
				return len(src)
			}
			pos += 2 + end + 2
		default:
			return pos
		}
	}
	return pos
}

// scanStatement returns the index of the terminating semicolon, or
// len(src) when the statement runs to the end of input.
func scanStatement(src string, pos int) (int, bool) {
	for pos < len(src) {
		c := src[pos]
		switch {
		case c == ';':
			return pos, true
		case c == '\'' || c == '"' || c == '`':
			pos = skipQuoted(src, pos, c)
		case strings.HasPrefix(src[pos:], "--"):
			nl := strings.IndexByte(src[pos:], '\n')
			if nl < 0 {
				return len(src), false
			}
			pos += nl + 1
		case strings.HasPrefix(src[pos:], "/*"):
			end := strings.Index(src[pos+2:], "*/")
			if end < 0 {
				return len(src), false
			}
			pos += 2 + end + 2
		default:
			pos++
		}
	}
	return len(src), false
}

// skipQuoted returns the index just past a quoted run starting at pos. A
// doubled quote character is an escape.
func skipQuoted(src string, pos int, quote byte) int {
	for i := pos + 1; i < len(src); i++ {
		if src[i] != quote {
			continue
		}
		if i+1 < len(src) && src[i+1] == quote {
			i++
			continue
		}
		return i + 1
	}
	return len(src)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}
