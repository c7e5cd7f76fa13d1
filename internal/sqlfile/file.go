package sqlfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrViewNotFound = errors.New("view not found")
	ErrNotAView     = errors.New("statement is not a single CREATE VIEW")
	ErrNameMismatch = errors.New("view name does not match")
)

// File is a parsed SQL script. Edits touch only the statements they name;
// everything else is written back byte for byte.
type File struct {
	stmts []Statement
}

// Parse splits src into a File.
func Parse(src string) *File {
	return &File{stmts: Split(src)}
}

// Load reads and parses a SQL file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(string(data)), nil
}

// Save writes the file atomically through a temp file in the same
// directory.
func (f *File) Save(path string) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(f.String()); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// String renders the file.
func (f *File) String() string {
	var b strings.Builder
	for _, st := range f.stmts {
		b.WriteString(st.String())
	}
	return b.String()
}

// Statements returns a copy of the parsed statements.
func (f *File) Statements() []Statement {
	return append([]Statement(nil), f.stmts...)
}

// Views returns the names of created views in file order, once each.
func (f *File) Views() []string {
	seen := make(map[string]bool)
	var names []string
	for _, st := range f.stmts {
		if st.Kind == KindCreateView && !seen[st.Name] {
			seen[st.Name] = true
			names = append(names, st.Name)
		}
	}
	return names
}

// Get returns the definition of a view. When a view is defined more than
// once the last definition wins, as it would when the file is deployed.
func (f *File) Get(name string) (Statement, error) {
	idx := f.find(name)
	if idx < 0 {
		return Statement{}, fmt.Errorf("%w: %s", ErrViewNotFound, name)
	}
	return f.stmts[idx], nil
}

// Replace swaps the definition of an existing view for sql, which must be
// a single CREATE VIEW of the same name. Leading comments are kept.
func (f *File) Replace(name, sql string) error {
	idx := f.find(name)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrViewNotFound, name)
	}
	text, err := viewText(name, sql)
	if err != nil {
		return err
	}

	st := f.stmts[idx]
	st.Text = text
	st.Terminated = true
	classify(&st)
	f.stmts[idx] = st
	return nil
}

// Upsert replaces a view or appends it when absent. It reports whether an
// existing definition was replaced.
func (f *File) Upsert(name, sql string) (bool, error) {
	if f.find(name) >= 0 {
		return true, f.Replace(name, sql)
	}
	text, err := viewText(name, sql)
	if err != nil {
		return false, err
	}

	st := Statement{Text: text, Terminated: true}
	classify(&st)

	at := len(f.stmts)
	if at > 0 && f.stmts[at-1].Kind == KindEmpty && !f.stmts[at-1].Terminated {
		at--
	}
	if at > 0 {
		st.Leading = "\n\n"
		if prev := f.stmts[at-1]; !prev.Terminated {
			f.stmts[at-1].Terminated = true
		}
	}

	f.stmts = append(f.stmts[:at], append([]Statement{st}, f.stmts[at:]...)...)
	f.renumber()
	return false, nil
}

// Remove deletes every definition of a view along with its leading
// comments.
func (f *File) Remove(name string) error {
	name = bareName(name)
	kept := f.stmts[:0]
	removed := 0
	for _, st := range f.stmts {
		if st.Kind == KindCreateView && st.Name == name {
			removed++
			continue
		}
		kept = append(kept, st)
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s", ErrViewNotFound, name)
	}
	f.stmts = kept
	f.renumber()
	return nil
}

func (f *File) find(name string) int {
	name = bareName(name)
	for i := len(f.stmts) - 1; i >= 0; i-- {
		if f.stmts[i].Kind == KindCreateView && f.stmts[i].Name == name {
			return i
		}
	}
	return -1
}

func (f *File) renumber() {
	line := 1
	for i := range f.stmts {
		f.stmts[i].Line = line + strings.Count(f.stmts[i].Leading, "\n")
		line += strings.Count(f.stmts[i].String(), "\n")
	}
}

// viewText validates a replacement definition and returns its text
// without the terminator.
func viewText(name, sql string) (string, error) {
	stmts := Split(sql)
	var views []Statement
	for _, st := range stmts {
		switch st.Kind {
		case KindEmpty:
		case KindCreateView:
			views = append(views, st)
		default:
			return "", fmt.Errorf("%w: found %s at line %d", ErrNotAView, st.Kind, st.Line)
		}
	}
	if len(views) != 1 {
		return "", fmt.Errorf("%w: found %d views", ErrNotAView, len(views))
	}
	if views[0].Name != bareName(name) {
		return "", fmt.Errorf("%w: want %s, got %s", ErrNameMismatch, bareName(name), views[0].Name)
	}
	return strings.TrimSpace(views[0].Text), nil
}

func bareName(name string) string {
	_, bare := normalizeName(name)
	return bare
}
