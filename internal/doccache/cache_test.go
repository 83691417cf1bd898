package doccache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/course-cli/internal/model"
	"github.com/sells-group/course-cli/internal/store"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	c := New(st)
	c.Now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return c
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"collapses whitespace", "  Wear   gloves\n\tat all\r\ntimes ", "wear gloves at all times"},
		{"case folds", "LOCKOUT Tagout", "lockout tagout"},
		{"compatibility forms", "ｆｕｌｌwidth ﬁre", "fullwidth fire"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestFingerprint_CosmeticChangesCollide(t *testing.T) {
	a := FingerprintText("Handle solvents   with gloves.")
	b := FingerprintText("handle SOLVENTS with\ngloves.")
	c := FingerprintText("Handle solvents without gloves.")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestCache_RecordAndLookup(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	miss, err := c.Lookup(ctx, "Protocol A")
	require.NoError(t, err)
	assert.Nil(t, miss)

	fp, err := c.Record(ctx, "Protocol A", "Solvents", []model.PersonOutcome{
		{PersonID: "E1", Assigned: []string{"HAZCOM"}},
	})
	require.NoError(t, err)

	hit, err := c.Lookup(ctx, "  protocol a ")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, fp, hit.Fingerprint)
	assert.Equal(t, "Solvents", hit.Title)
	assert.Equal(t, "Protocol A", hit.Text)

	byFP, err := c.Get(ctx, fp)
	require.NoError(t, err)
	require.NotNil(t, byFP)
	assert.Equal(t, hit.Outcomes, byFP.Outcomes)
}

func TestCache_RecordTwice(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_, err := c.Record(ctx, "Protocol A", "first", nil)
	require.NoError(t, err)

	_, err = c.Record(ctx, "PROTOCOL   A", "second", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyRecorded))

	doc, err := c.Lookup(ctx, "Protocol A")
	require.NoError(t, err)
	assert.Equal(t, "first", doc.Title)
	assert.NotNil(t, doc.Outcomes)
}

func TestCache_PersonCoursesAndList(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_, err := c.Record(ctx, "Protocol A", "A", []model.PersonOutcome{
		{PersonID: "E1", Assigned: []string{"HAZCOM"}},
	})
	require.NoError(t, err)
	_, err = c.Record(ctx, "Protocol B", "B", []model.PersonOutcome{
		{PersonID: "E1", Renewed: []string{"LOTO"}, Skipped: []model.SkippedCourse{{CourseID: "PPE", Reason: model.ReasonAlreadyAssigned}}},
	})
	require.NoError(t, err)

	courses, err := c.PersonCourses(ctx, "E1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"HAZCOM", "LOTO"}, courses)

	docs, err := c.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}
