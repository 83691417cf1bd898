package reconcile

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/course-cli/internal/doccache"
	"github.com/sells-group/course-cli/internal/ledger"
	"github.com/sells-group/course-cli/internal/model"
	"github.com/sells-group/course-cli/internal/policy"
	"github.com/sells-group/course-cli/internal/store"
)

var t0 = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	rec      *Reconciler
	ledger   *ledger.Ledger
	cache    *doccache.Cache
	policies *policy.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "reconcile.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	f := &fixture{
		ledger:   ledger.New(st, 30),
		cache:    doccache.New(st),
		policies: policy.New(st),
	}
	f.rec = New(f.ledger, f.cache, f.policies, 30)
	return f
}

func hazcom() model.Recommendation {
	return model.Recommendation{
		CourseID:      "HAZCOM",
		Priority:      model.PriorityHigh,
		RenewalMonths: 12,
		DeadlineDays:  30,
		Reason:        "Handles solvents",
	}
}

func (f *fixture) events(t *testing.T) []model.LedgerEntry {
	t.Helper()
	entries, err := f.ledger.ForPerson(context.Background(), "E1")
	require.NoError(t, err)
	return entries
}

func TestReconcile_NewPairAssigns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.rec.Reconcile(ctx, "E1", hazcom(), "fp1", t0)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionAssign, d.Kind)
	assert.Equal(t, "HAZCOM", d.Label())
	require.NotNil(t, d.Event)
	assert.False(t, d.Event.Renewal)
	assert.Equal(t, model.AssignerAI, d.Event.AssignedBy)
	assert.Equal(t, "fp1", d.Event.Fingerprint)

	require.Len(t, f.events(t), 1)

	p, found, err := f.policies.Get(ctx, "HAZCOM")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.PriorityHigh, p.Priority)
	assert.Equal(t, "fp1", p.SourceFingerprint)
}

func TestReconcile_SameProtocolSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rec.Reconcile(ctx, "E1", hazcom(), "fp1", t0)
	require.NoError(t, err)

	// Even past the renewal window, one protocol yields one event per pair.
	d, err := f.rec.Reconcile(ctx, "E1", hazcom(), "fp1", t0.AddDate(2, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionSkip, d.Kind)
	assert.Equal(t, model.ReasonAlreadyAssigned, d.Reason)
	assert.Nil(t, d.Event)
	assert.Len(t, f.events(t), 1)
}

func TestReconcile_NotDueSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rec.Reconcile(ctx, "E1", hazcom(), "fp1", t0)
	require.NoError(t, err)

	// 10 months in: warning date is day 330, not reached.
	d, err := f.rec.Reconcile(ctx, "E1", hazcom(), "fp2", t0.AddDate(0, 0, 300))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionSkip, d.Kind)
	assert.Len(t, f.events(t), 1)
}

func TestReconcile_DueRenews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rec.Reconcile(ctx, "E1", hazcom(), "fp1", t0)
	require.NoError(t, err)

	renewal := hazcom()
	renewal.RenewalMonths = 24
	d, err := f.rec.Reconcile(ctx, "E1", renewal, "fp2", t0.AddDate(0, 0, 335))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionRenew, d.Kind)
	assert.Equal(t, "HAZCOM (update)", d.Label())
	require.NotNil(t, d.Event)
	assert.True(t, d.Event.Renewal)

	entries := f.events(t)
	require.Len(t, entries, 2)
	assert.Equal(t, 24, entries[1].Assignment.RenewalMonths)

	// The renewed assignment restarts the clock.
	st, err := f.ledger.Status(ctx, "E1", "HAZCOM", t0.AddDate(0, 0, 340))
	require.NoError(t, err)
	assert.False(t, st.RenewalDue)
}

func TestReconcile_CacheHistoryWithoutLedgerSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.cache.Record(ctx, "legacy protocol", "legacy", []model.PersonOutcome{
		{PersonID: "E1", Assigned: []string{"HAZCOM"}},
	})
	require.NoError(t, err)

	d, err := f.rec.Reconcile(ctx, "E1", hazcom(), "fp9", t0.AddDate(5, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionSkip, d.Kind)
	assert.Empty(t, f.events(t))

	_, found, err := f.policies.Get(ctx, "HAZCOM")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReconcile_ConcurrentSamePair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	kinds := make([]model.DecisionKind, 16)
	for i := range kinds {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := f.rec.Reconcile(ctx, "E1", hazcom(), "fp1", t0)
			assert.NoError(t, err)
			kinds[i] = d.Kind
		}(i)
	}
	wg.Wait()

	assigned := 0
	for _, k := range kinds {
		if k == model.DecisionAssign {
			assigned++
		}
	}
	assert.Equal(t, 1, assigned)
	assert.Len(t, f.events(t), 1)
}

func TestKeyedLocks_SameKeySerializes(t *testing.T) {
	k := newKeyedLocks()

	unlock := k.lock("a")
	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		k.lock("a")()
	}()

	other := k.lock("b")
	other()

	select {
	case <-acquired:
		t.Fatal("second lock on the same key acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired
}
