package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sells-group/course-cli/internal/classifier"
	"github.com/sells-group/course-cli/internal/doccache"
	"github.com/sells-group/course-cli/internal/extract"
	"github.com/sells-group/course-cli/internal/ledger"
	"github.com/sells-group/course-cli/internal/model"
	"github.com/sells-group/course-cli/internal/policy"
	"github.com/sells-group/course-cli/internal/recommend"
	"github.com/sells-group/course-cli/internal/reconcile"
	"github.com/sells-group/course-cli/internal/roster"
	"github.com/sells-group/course-cli/internal/store"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

const chemicalProtocol = "Solvent handling: wear nitrile gloves and read the SDS before decanting."

const hazcomResponse = `Here you go:
{"recommendations":[{"course_id":"HAZCOM-1910.1200","priority":"critical","renewal_months":12,"deadline_days":7}],
 "reason":"Handles solvents daily"}`

var testCatalog = model.Catalog{
	{ID: "HAZCOM-1910.1200", Title: "Hazard Communication"},
	{ID: "LOTO-1910.147", Title: "Lockout/Tagout"},
	{ID: "SAFETY-GENERAL-101", Title: "General safety awareness"},
}

type fixture struct {
	driver *Driver
	ledger *ledger.Ledger
	cache  *doccache.Cache
	calls  atomic.Int32
}

// newFixture wires a driver over a real SQLite store. respond answers the
// classifier per person.
func newFixture(t *testing.T, opts Options, respond func(ctx context.Context, p model.Person) (string, error)) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "batch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	dir, err := roster.NewDirectory([]model.Person{
		{ID: "A", Name: "Ana", Role: "Chemical technician"},
		{ID: "B", Name: "Ben", Role: "Accountant"},
		{ID: "C", Name: "Cy", Role: "Forklift operator"},
	})
	require.NoError(t, err)

	f := &fixture{
		ledger: ledger.New(st, 30),
		cache:  doccache.New(st),
	}
	f.ledger.Now = func() time.Time { return t0 }
	f.cache.Now = func() time.Time { return t0 }

	f.driver = New(Deps{
		Extractor: extract.PlainText{},
		Documents: f.cache,
		Directory: dir,
		Classifier: classifier.Func(func(ctx context.Context, req classifier.Request) (string, error) {
			f.calls.Add(1)
			return respond(ctx, req.Person)
		}),
		Normalizer: recommend.NewNormalizer(testCatalog, true, nil),
		Reconciler: reconcile.New(f.ledger, f.cache, policy.New(st), 30),
		Catalog:    testCatalog,
	}, opts)
	f.driver.Now = func() time.Time { return t0 }
	f.driver.NewRunID = func() string { return "run-1" }
	return f
}

func onlyA(_ context.Context, p model.Person) (string, error) {
	if p.ID == "A" {
		return hazcomResponse, nil
	}
	return `{"recommendations": []}`, nil
}

func (f *fixture) count(t *testing.T) int64 {
	t.Helper()
	n, err := f.ledger.Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestProcess_EndToEnd(t *testing.T) {
	f := newFixture(t, Options{CohortLimit: 25}, onlyA)
	ctx := context.Background()

	rep, err := f.driver.Process(ctx, "Solvents SOP", chemicalProtocol, []string{"A", "B"})
	require.NoError(t, err)

	assert.False(t, rep.Duplicate)
	assert.Equal(t, "run-1", rep.RunID)
	assert.Equal(t, doccache.FingerprintText(chemicalProtocol), rep.Fingerprint)
	require.Len(t, rep.Assignments, 1)
	assert.Equal(t, "A", rep.Assignments[0].PersonID)
	assert.Equal(t, []string{"HAZCOM-1910.1200"}, rep.Assignments[0].Courses)
	assert.Equal(t, "Handles solvents daily", rep.Assignments[0].Reason)
	assert.Empty(t, rep.SkippedDuplicates)
	assert.Empty(t, rep.Errors)
	assert.Equal(t, int64(1), f.count(t))

	ev, err := f.ledger.LatestAssignment(ctx, "A", "HAZCOM-1910.1200")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, model.PriorityCritical, ev.Priority)
	assert.Equal(t, 7, ev.DeadlineDays)

	doc, err := f.cache.Get(ctx, rep.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "Solvents SOP", doc.Title)
	assert.Len(t, doc.Outcomes, 2)
}

func TestProcess_IdempotentResubmission(t *testing.T) {
	f := newFixture(t, Options{}, onlyA)
	ctx := context.Background()

	first, err := f.driver.Process(ctx, "Solvents SOP", chemicalProtocol, []string{"A", "B"})
	require.NoError(t, err)
	before := f.count(t)
	calls := f.calls.Load()

	// Whitespace and case differences normalize to the same fingerprint.
	second, err := f.driver.Process(ctx, "again", "  SOLVENT handling: wear nitrile gloves   and read the SDS before decanting.", []string{"A", "B", "C"})
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, first.Assignments, second.Assignments)
	assert.Equal(t, "Solvents SOP", second.Title)
	assert.Equal(t, before, f.count(t))
	assert.Equal(t, calls, f.calls.Load())
}

func TestProcess_SameCourseFromNewProtocolSkips(t *testing.T) {
	f := newFixture(t, Options{}, onlyA)
	ctx := context.Background()

	_, err := f.driver.Process(ctx, "v1", chemicalProtocol, []string{"A"})
	require.NoError(t, err)

	rep, err := f.driver.Process(ctx, "v2", chemicalProtocol+" Revised.", []string{"A"})
	require.NoError(t, err)
	assert.False(t, rep.Duplicate)
	assert.Empty(t, rep.Assignments)
	require.Len(t, rep.SkippedDuplicates, 1)
	assert.Equal(t, []string{"HAZCOM-1910.1200"}, rep.SkippedDuplicates[0].Courses)
	assert.Equal(t, model.ReasonAlreadyAssigned, rep.SkippedDuplicates[0].Reason)
	assert.Equal(t, int64(1), f.count(t))
}

func TestProcess_UnknownPersonIsReported(t *testing.T) {
	f := newFixture(t, Options{}, onlyA)

	rep, err := f.driver.Process(context.Background(), "t", chemicalProtocol, []string{"ghost", "A"})
	require.NoError(t, err)

	require.Len(t, rep.Errors, 1)
	assert.Equal(t, "ghost", rep.Errors[0].PersonID)
	assert.Contains(t, rep.Errors[0].Error, "person not found")
	require.Len(t, rep.Assignments, 1)
	assert.Equal(t, "A", rep.Assignments[0].PersonID)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestProcess_MalformedClassifierFallsBack(t *testing.T) {
	f := newFixture(t, Options{}, func(context.Context, model.Person) (string, error) {
		return "I am unable to answer in JSON today.", nil
	})

	rep, err := f.driver.Process(context.Background(), "t", chemicalProtocol, []string{"B"})
	require.NoError(t, err)

	require.Len(t, rep.Assignments, 1)
	assert.Equal(t, []string{recommend.FallbackCourseID}, rep.Assignments[0].Courses)
	assert.Equal(t, recommend.FallbackReason, rep.Assignments[0].Reason)
	assert.Empty(t, rep.Errors)

	doc, err := f.cache.Get(context.Background(), rep.Fingerprint)
	require.NoError(t, err)
	assert.True(t, doc.Outcomes[0].Fallback)
}

func TestProcess_EmptyClassifierReplyFallsBack(t *testing.T) {
	f := newFixture(t, Options{}, func(context.Context, model.Person) (string, error) {
		return "", nil
	})

	rep, err := f.driver.Process(context.Background(), "t", chemicalProtocol, []string{"B"})
	require.NoError(t, err)

	assert.Empty(t, rep.Errors)
	require.Len(t, rep.Assignments, 1)
	assert.Equal(t, []string{recommend.FallbackCourseID}, rep.Assignments[0].Courses)

	doc, err := f.cache.Get(context.Background(), rep.Fingerprint)
	require.NoError(t, err)
	assert.True(t, doc.Outcomes[0].Fallback)
	assert.Empty(t, doc.Outcomes[0].Error)
}

func TestProcess_OversizedWindowsDoNotReopenAssignment(t *testing.T) {
	f := newFixture(t, Options{}, func(context.Context, model.Person) (string, error) {
		return `{"recommendations":[{"course_id":"HAZCOM-1910.1200","renewal_months":5000,"deadline_days":200000}]}`, nil
	})
	ctx := context.Background()

	_, err := f.driver.Process(ctx, "v1", chemicalProtocol, []string{"A"})
	require.NoError(t, err)

	ev, err := f.ledger.LatestAssignment(ctx, "A", "HAZCOM-1910.1200")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, model.MaxRenewalMonths, ev.RenewalMonths)
	assert.Equal(t, model.MaxDeadlineDays, ev.DeadlineDays)

	rep, err := f.driver.Process(ctx, "v2", chemicalProtocol+" Revised.", []string{"A"})
	require.NoError(t, err)
	assert.Empty(t, rep.Assignments)
	require.Len(t, rep.SkippedDuplicates, 1)
	assert.Equal(t, int64(1), f.count(t))

	st, err := f.ledger.Status(ctx, "A", "HAZCOM-1910.1200", t0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, st.Derived)
	assert.False(t, st.RenewalDue)
}

func TestProcess_ConcurrentIdenticalSubmissions(t *testing.T) {
	f := newFixture(t, Options{}, func(ctx context.Context, p model.Person) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return onlyA(ctx, p)
	})

	var wg sync.WaitGroup
	reports := make([]*model.BatchReport, 2)
	errs := make([]error, 2)
	for i := range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], errs[i] = f.driver.Process(context.Background(), "t", chemicalProtocol, []string{"A"})
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, int64(1), f.count(t))
	assert.NotEqual(t, reports[0].Duplicate, reports[1].Duplicate)
	assert.Equal(t, reports[0].Assignments, reports[1].Assignments)
}

// racingDocs behaves as if another process records the document between
// this driver's lookup and its record.
type racingDocs struct {
	memDocs
	lookups int
}

func (r *racingDocs) Lookup(ctx context.Context, text string) (*model.ProcessedDocument, error) {
	r.lookups++
	if r.lookups == 1 {
		return nil, nil
	}
	return r.memDocs.Lookup(ctx, text)
}

func (r *racingDocs) Record(ctx context.Context, text, _ string, outcomes []model.PersonOutcome) (string, error) {
	fp, _ := r.memDocs.Record(ctx, text, "other run", outcomes)
	return fp, fmt.Errorf("fingerprint %s: %w", fp, doccache.ErrAlreadyRecorded)
}

func TestProcess_RecordRaceReturnsStoredReport(t *testing.T) {
	dir, err := roster.NewDirectory([]model.Person{{ID: "A"}})
	require.NoError(t, err)

	docs := &racingDocs{memDocs: memDocs{docs: map[string]*model.ProcessedDocument{}}}
	d := New(Deps{
		Documents: docs,
		Directory: dir,
		Classifier: classifier.Func(func(context.Context, classifier.Request) (string, error) {
			return hazcomResponse, nil
		}),
		Normalizer: recommend.NewNormalizer(testCatalog, true, nil),
		Reconciler: &countingReconciler{},
		Catalog:    testCatalog,
	}, Options{})

	rep, err := d.Process(context.Background(), "t", chemicalProtocol, []string{"A"})
	require.NoError(t, err)
	assert.True(t, rep.Duplicate)
	assert.Equal(t, "other run", rep.Title)
	assert.Equal(t, 2, docs.lookups)
}

func TestProcess_ClassifierErrorIsPerPerson(t *testing.T) {
	f := newFixture(t, Options{}, func(ctx context.Context, p model.Person) (string, error) {
		if p.ID == "B" {
			return "", errors.New("anthropic: 529 overloaded")
		}
		return onlyA(ctx, p)
	})

	rep, err := f.driver.Process(context.Background(), "t", chemicalProtocol, []string{"A", "B"})
	require.NoError(t, err)

	require.Len(t, rep.Errors, 1)
	assert.Equal(t, "B", rep.Errors[0].PersonID)
	assert.Contains(t, rep.Errors[0].Error, "overloaded")
	require.Len(t, rep.Assignments, 1)

	doc, err := f.cache.Get(context.Background(), rep.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, doc)
}

func TestProcess_CohortLimitAndDedupe(t *testing.T) {
	var seen sync.Map
	f := newFixture(t, Options{CohortLimit: 2}, func(_ context.Context, p model.Person) (string, error) {
		seen.Store(p.ID, true)
		return `{"recommendations": []}`, nil
	})

	_, err := f.driver.Process(context.Background(), "t", chemicalProtocol, []string{"A", " A ", "", "B", "C"})
	require.NoError(t, err)

	assert.Equal(t, int32(2), f.calls.Load())
	_, sawC := seen.Load("C")
	assert.False(t, sawC)
}

func TestProcess_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, Options{Concurrency: 1}, func(ctx context.Context, _ model.Person) (string, error) {
		cancel()
		return "", ctx.Err()
	})

	_, err := f.driver.Process(ctx, "t", chemicalProtocol, []string{"A", "B", "C"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, int32(1), f.calls.Load())

	doc, err := f.cache.Lookup(context.Background(), chemicalProtocol)
	require.NoError(t, err)
	assert.Nil(t, doc)
	assert.Equal(t, int64(0), f.count(t))
}

func TestProcess_RejectsEmptyInput(t *testing.T) {
	f := newFixture(t, Options{}, onlyA)

	_, err := f.driver.Process(context.Background(), "t", " \n\t", []string{"A"})
	assert.ErrorContains(t, err, "protocol text is empty")

	_, err = f.driver.Process(context.Background(), "t", chemicalProtocol, []string{" "})
	assert.ErrorContains(t, err, "cohort is empty")
	assert.Equal(t, int32(0), f.calls.Load())
}

func TestSubmit(t *testing.T) {
	f := newFixture(t, Options{}, onlyA)

	rep, err := f.driver.Submit(context.Background(), Submission{
		Document: []byte(chemicalProtocol),
		Filename: "solvents.md",
		Cohort:   []string{"A"},
	})
	require.NoError(t, err)
	assert.Equal(t, "solvents.md", rep.Title)
	require.Len(t, rep.Assignments, 1)
}

func TestSubmit_ExtractionFailureWritesNothing(t *testing.T) {
	f := newFixture(t, Options{}, onlyA)

	_, err := f.driver.Submit(context.Background(), Submission{
		Document: []byte{0xff, 0xfe, 0xfd},
		Filename: "broken.txt",
		Cohort:   []string{"A"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, extract.ErrExtractionFailed))
	assert.Equal(t, int32(0), f.calls.Load())
	assert.Equal(t, int64(0), f.count(t))
}

// memDocs and countingReconciler keep the concurrency test free of database
// goroutines so goleak sees only the worker pool.
type memDocs struct {
	mu   sync.Mutex
	docs map[string]*model.ProcessedDocument
}

func (m *memDocs) Lookup(_ context.Context, text string) (*model.ProcessedDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[doccache.FingerprintText(text)], nil
}

func (m *memDocs) Record(_ context.Context, text, title string, outcomes []model.PersonOutcome) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fp := doccache.FingerprintText(text)
	m.docs[fp] = &model.ProcessedDocument{Fingerprint: fp, Title: title, Outcomes: outcomes}
	return fp, nil
}

type countingReconciler struct {
	n atomic.Int32
}

func (c *countingReconciler) Reconcile(_ context.Context, _ string, rec model.Recommendation, _ string, _ time.Time) (model.Decision, error) {
	c.n.Add(1)
	return model.Decision{Kind: model.DecisionAssign, CourseID: rec.CourseID}, nil
}

func TestProcess_WorkerPoolPreservesOrderAndLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	people := make([]model.Person, 12)
	ids := make([]string, 12)
	for i := range people {
		ids[i] = fmt.Sprintf("P%02d", i)
		people[i] = model.Person{ID: ids[i]}
	}
	dir, err := roster.NewDirectory(people)
	require.NoError(t, err)

	var inFlight, peak atomic.Int32
	rec := &countingReconciler{}
	d := New(Deps{
		Documents: &memDocs{docs: map[string]*model.ProcessedDocument{}},
		Directory: dir,
		Classifier: classifier.Func(func(context.Context, classifier.Request) (string, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return hazcomResponse, nil
		}),
		Normalizer: recommend.NewNormalizer(testCatalog, true, nil),
		Reconciler: rec,
		Catalog:    testCatalog,
	}, Options{Concurrency: 4})

	rep, err := d.Process(context.Background(), "t", chemicalProtocol, ids)
	require.NoError(t, err)

	require.Len(t, rep.Assignments, 12)
	for i, row := range rep.Assignments {
		assert.Equal(t, ids[i], row.PersonID)
	}
	assert.Equal(t, int32(12), rec.n.Load())
	assert.LessOrEqual(t, peak.Load(), int32(4))
}

func TestNew_DefaultsConcurrency(t *testing.T) {
	d := New(Deps{}, Options{})
	assert.Equal(t, 1, d.opts.Concurrency)
	assert.NotEmpty(t, d.NewRunID())
}
