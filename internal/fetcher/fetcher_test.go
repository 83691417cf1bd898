package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTable(t *testing.T) {
	tbl, err := NewTable([][]string{
		{"\ufeffID", " Name ", "Dept"},
		{"p1", "Ana", "Ops"},
		{"", " ", ""},
		{"p2", "Ben"},
	})
	require.NoError(t, err)
	require.Len(t, tbl.Rows, 2)

	assert.Equal(t, 0, tbl.Col("id"))
	assert.Equal(t, 1, tbl.Col("NAME"))
	assert.Equal(t, 2, tbl.Col("department", "dept"))
	assert.Equal(t, -1, tbl.Col("role"))

	assert.Equal(t, "Ops", Get(tbl.Rows[0], 2))
	assert.Equal(t, "", Get(tbl.Rows[1], 2))
	assert.Equal(t, "", Get(tbl.Rows[1], -1))
}

func TestNewTable_Empty(t *testing.T) {
	_, err := NewTable(nil)
	require.Error(t, err)
}

func TestTable_Require(t *testing.T) {
	tbl, err := NewTable([][]string{{"person_id"}})
	require.NoError(t, err)

	i, err := tbl.Require("id", "person_id")
	require.NoError(t, err)
	assert.Equal(t, 0, i)

	_, err = tbl.Require("course_id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing column "course_id"`)
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "people.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("id,name\np1,Ana\n"), 0o644))

	tbl, err := ReadFile(context.Background(), csvPath)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"p1", "Ana"}}, tbl.Rows)

	tsvPath := filepath.Join(dir, "people.tsv")
	require.NoError(t, os.WriteFile(tsvPath, []byte("id\tname\np2\tBen\n"), 0o644))
	tbl, err = ReadFile(context.Background(), tsvPath)
	require.NoError(t, err)
	assert.Equal(t, "Ben", Get(tbl.Rows[0], tbl.Col("name")))

	xlsxPath := createTestXLSX(t, map[string][][]string{"Sheet1": {{"id"}, {"p3"}}})
	tbl, err = ReadFile(context.Background(), xlsxPath)
	require.NoError(t, err)
	assert.Equal(t, "p3", Get(tbl.Rows[0], 0))

	_, err = ReadFile(context.Background(), filepath.Join(dir, "people.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type")
}
