// Package batch runs one protocol submission end to end: extract, look up the
// document cache, classify each cohort member, reconcile, record.
package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/course-cli/internal/classifier"
	"github.com/sells-group/course-cli/internal/config"
	"github.com/sells-group/course-cli/internal/doccache"
	"github.com/sells-group/course-cli/internal/extract"
	"github.com/sells-group/course-cli/internal/model"
	"github.com/sells-group/course-cli/internal/recommend"
)

// Input errors returned by Process before any work is done.
var (
	ErrEmptyProtocol = eris.New("batch: protocol text is empty")
	ErrEmptyCohort   = eris.New("batch: cohort is empty")
)

// Directory resolves cohort ids to people.
type Directory interface {
	Lookup(ctx context.Context, id string) (model.Person, error)
}

// Documents is the document cache as seen by the driver.
type Documents interface {
	Lookup(ctx context.Context, text string) (*model.ProcessedDocument, error)
	Record(ctx context.Context, text, title string, outcomes []model.PersonOutcome) (string, error)
}

// Reconciler decides and records one recommendation.
type Reconciler interface {
	Reconcile(ctx context.Context, personID string, rec model.Recommendation, fingerprint string, now time.Time) (model.Decision, error)
}

// Options bounds a batch.
type Options struct {
	// CohortLimit caps how many cohort ids are processed. 0 means no cap.
	CohortLimit int
	// Concurrency is the number of classifier calls in flight. 1 is sequential.
	Concurrency int
}

// OptionsFromConfig reads batch options from config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{CohortLimit: cfg.Batch.CohortLimit, Concurrency: cfg.Batch.Concurrency}
}

// Deps are the collaborators a Driver needs.
type Deps struct {
	Extractor  extract.Extractor
	Documents  Documents
	Directory  Directory
	Classifier classifier.Classifier
	Normalizer *recommend.Normalizer
	Reconciler Reconciler
	Catalog    model.Catalog
}

// Submission is one protocol upload for a cohort.
type Submission struct {
	Title    string
	Document []byte
	Filename string
	Cohort   []string
}

// Driver processes protocol submissions.
type Driver struct {
	deps Deps
	opts Options

	// Now and NewRunID are replaceable in tests.
	Now      func() time.Time
	NewRunID func() string

	inflight *fingerprintLocks
}

// New creates a Driver.
func New(deps Deps, opts Options) *Driver {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Driver{
		deps:     deps,
		opts:     opts,
		Now:      time.Now,
		NewRunID: uuid.NewString,
		inflight: newFingerprintLocks(),
	}
}

// Submit extracts text from the uploaded document and processes it. An
// extraction failure aborts the submission before anything is written.
func (d *Driver) Submit(ctx context.Context, sub Submission) (*model.BatchReport, error) {
	if d.deps.Extractor == nil {
		return nil, eris.New("batch: no extractor configured")
	}
	text, err := d.deps.Extractor.ExtractText(ctx, sub.Document, sub.Filename)
	if err != nil {
		return nil, eris.Wrapf(err, "batch: extract %s", sub.Filename)
	}
	title := sub.Title
	if title == "" {
		title = sub.Filename
	}
	return d.Process(ctx, title, text, sub.Cohort)
}

// Process runs a protocol text against a cohort. Resubmitting text that
// normalizes to a known fingerprint returns the cached outcome with
// Duplicate set and touches nothing else. Concurrent calls for the same
// fingerprint run one at a time.
func (d *Driver) Process(ctx context.Context, title, text string, cohort []string) (*model.BatchReport, error) {
	runID := d.NewRunID()
	log := zap.L().With(zap.String("run_id", runID))

	if doccache.Normalize(text) == "" {
		return nil, ErrEmptyProtocol
	}

	fp := doccache.FingerprintText(text)
	unlock := d.inflight.lock(fp)
	defer unlock()

	if rep, err := d.cached(ctx, log, runID, text); rep != nil || err != nil {
		return rep, err
	}

	ids := d.cohort(cohort)
	if len(ids) == 0 {
		return nil, ErrEmptyCohort
	}

	now := d.Now()
	log = log.With(zap.String("fingerprint", fp))
	log.Info("batch: processing protocol", zap.String("title", title), zap.Int("cohort", len(ids)))

	outcomes := make([]model.PersonOutcome, len(ids))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)

	var mu sync.Mutex
	var assigned, renewed, skipped int

	for i, id := range ids {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			out, err := d.processPerson(gCtx, log.With(zap.String("person_id", id)), fp, text, id, now)
			if err != nil {
				return err
			}
			outcomes[i] = out

			mu.Lock()
			assigned += len(out.Assigned)
			renewed += len(out.Renewed)
			skipped += len(out.Skipped)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "batch: process cohort")
	}
	// The loop may stop early without any worker reporting it.
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "batch: process cohort")
	}

	recorded, err := d.deps.Documents.Record(ctx, text, title, outcomes)
	if errors.Is(err, doccache.ErrAlreadyRecorded) {
		// Another process sharing the store recorded it first.
		log.Warn("batch: protocol recorded concurrently", zap.Error(err))
		if rep, lerr := d.cached(ctx, log, runID, text); rep != nil || lerr != nil {
			return rep, lerr
		}
	}
	if err != nil {
		return nil, eris.Wrap(err, "batch: record document")
	}

	log.Info("batch: protocol processed",
		zap.Int("assigned", assigned),
		zap.Int("renewed", renewed),
		zap.Int("skipped", skipped),
	)
	return report(runID, recorded, title, false, outcomes, now), nil
}

// cached returns the duplicate report for text, or nil when it has not been
// processed.
func (d *Driver) cached(ctx context.Context, log *zap.Logger, runID, text string) (*model.BatchReport, error) {
	doc, err := d.deps.Documents.Lookup(ctx, text)
	if err != nil {
		return nil, eris.Wrap(err, "batch: document lookup")
	}
	if doc == nil {
		return nil, nil
	}
	log.Info("batch: protocol already processed",
		zap.String("fingerprint", doc.Fingerprint),
		zap.Time("processed_at", doc.ProcessedAt),
	)
	return report(runID, doc.Fingerprint, doc.Title, true, doc.Outcomes, doc.ProcessedAt), nil
}

// cohort trims, dedupes and caps the requested ids, keeping order.
func (d *Driver) cohort(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		if d.opts.CohortLimit > 0 && len(out) == d.opts.CohortLimit {
			break
		}
	}
	return out
}

// processPerson classifies and reconciles one cohort member. Lookup and
// classifier failures end up in the outcome; store failures are returned.
func (d *Driver) processPerson(ctx context.Context, log *zap.Logger, fp, text, id string, now time.Time) (model.PersonOutcome, error) {
	out := model.PersonOutcome{PersonID: id}

	person, err := d.deps.Directory.Lookup(ctx, id)
	if err != nil {
		log.Warn("batch: person lookup failed", zap.Error(err))
		out.Error = err.Error()
		return out, nil
	}
	out.Name = person.Name

	raw, err := d.deps.Classifier.Classify(ctx, classifier.Request{
		Protocol: text,
		Person:   person,
		Catalog:  d.deps.Catalog,
	})
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		log.Warn("batch: classifier failed", zap.Error(err))
		out.Error = err.Error()
		return out, nil
	}

	res := d.deps.Normalizer.Normalize(raw)
	out.Fallback = res.Fallback
	out.Reason = outcomeReason(res)

	for _, rec := range res.Recommendations {
		dec, err := d.deps.Reconciler.Reconcile(ctx, id, rec, fp, now)
		if err != nil {
			return out, eris.Wrapf(err, "batch: reconcile %s for %s", rec.CourseID, id)
		}
		switch dec.Kind {
		case model.DecisionAssign:
			out.Assigned = append(out.Assigned, dec.CourseID)
		case model.DecisionRenew:
			out.Renewed = append(out.Renewed, dec.CourseID)
		case model.DecisionSkip:
			out.Skipped = append(out.Skipped, model.SkippedCourse{CourseID: dec.CourseID, Reason: dec.Reason})
		}
		log.Debug("batch: reconciled",
			zap.String("course_id", dec.CourseID),
			zap.String("decision", string(dec.Kind)),
		)
	}
	return out, nil
}

func outcomeReason(res recommend.Result) string {
	if res.Reason != "" {
		return res.Reason
	}
	for _, rec := range res.Recommendations {
		if rec.Reason != "" {
			return rec.Reason
		}
	}
	return recommend.GenericReason
}

func report(runID, fp, title string, duplicate bool, outcomes []model.PersonOutcome, at time.Time) *model.BatchReport {
	assignments, skipped, errs := model.ReportFromOutcomes(outcomes)
	return &model.BatchReport{
		RunID:             runID,
		Fingerprint:       fp,
		Title:             title,
		Duplicate:         duplicate,
		Assignments:       assignments,
		SkippedDuplicates: skipped,
		Errors:            errs,
		ProcessedAt:       at,
	}
}
