// Package fetcher reads tabular files (CSV, XLSX) into header-keyed tables
// for the roster and legacy history loaders.
package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// Table is a parsed file whose first row names the columns.
type Table struct {
	Header []string
	Rows   [][]string
	index  map[string]int
}

// NewTable splits rows into a header and data rows. Header names are matched
// case-insensitively with surrounding space and a UTF-8 BOM ignored. Blank
// rows are dropped.
func NewTable(rows [][]string) (*Table, error) {
	if len(rows) == 0 {
		return nil, eris.New("fetcher: table has no header row")
	}
	t := &Table{Header: rows[0], index: make(map[string]int, len(rows[0]))}
	for i, name := range rows[0] {
		key := headerKey(name)
		if key == "" {
			continue
		}
		if _, dup := t.index[key]; !dup {
			t.index[key] = i
		}
	}
	for _, row := range rows[1:] {
		if blank(row) {
			continue
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// Col returns the index of the first header matching any of names, or -1.
func (t *Table) Col(names ...string) int {
	for _, n := range names {
		if i, ok := t.index[headerKey(n)]; ok {
			return i
		}
	}
	return -1
}

// Require is Col that errors when no alias matches.
func (t *Table) Require(names ...string) (int, error) {
	if i := t.Col(names...); i >= 0 {
		return i, nil
	}
	return -1, eris.Errorf("fetcher: missing column %q", names[0])
}

// Get returns the trimmed cell at col, or "" when col is -1 or out of range.
func Get(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col])
}

// ReadFile parses a .csv or .xlsx file into a Table.
func ReadFile(ctx context.Context, path string) (*Table, error) {
	var (
		rows [][]string
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv", ".tsv":
		f, openErr := os.Open(path)
		if openErr != nil {
			return nil, eris.Wrapf(openErr, "fetcher: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		opts := CSVOptions{TrimSpace: true, Comment: '#'}
		if ext == ".tsv" {
			opts.Delimiter = '\t'
		}
		rows, err = ReadCSV(ctx, f, opts)
	case ".xlsx":
		rows, err = ReadXLSX(path, XLSXOptions{})
	default:
		return nil, eris.Errorf("fetcher: unsupported file type %q", ext)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: read %s", path)
	}
	return NewTable(rows)
}

func headerKey(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	return strings.ToLower(strings.TrimSpace(s))
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
