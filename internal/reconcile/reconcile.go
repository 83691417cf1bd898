// Package reconcile decides, for one person and one recommended course,
// whether to assign, renew, or skip, and writes the result.
package reconcile

import (
	"context"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/course-cli/internal/clock"
	"github.com/sells-group/course-cli/internal/model"
)

// Ledger is the part of the audit ledger the reconciler reads and appends to.
type Ledger interface {
	LatestAssignment(ctx context.Context, personID, courseID string) (*model.AssignmentEvent, error)
	HasAssignmentFor(ctx context.Context, personID, courseID, fingerprint string) (bool, error)
	IndexedCourses(ctx context.Context, personID string) ([]string, error)
	RecordAssignment(ctx context.Context, ev model.AssignmentEvent) (model.LedgerEntry, error)
}

// DocumentHistory lists courses earlier protocols gave a person.
type DocumentHistory interface {
	PersonCourses(ctx context.Context, personID string) ([]string, error)
}

// PolicyWriter overwrites the course-level policy.
type PolicyWriter interface {
	Apply(ctx context.Context, ev model.AssignmentEvent) error
}

// Reconciler applies the assignment decision table.
type Reconciler struct {
	ledger     Ledger
	docs       DocumentHistory
	policies   PolicyWriter
	bufferDays int

	pairs   *keyedLocks
	courses *keyedLocks
}

// New creates a Reconciler.
func New(l Ledger, docs DocumentHistory, policies PolicyWriter, bufferDays int) *Reconciler {
	return &Reconciler{
		ledger:     l,
		docs:       docs,
		policies:   policies,
		bufferDays: bufferDays,
		pairs:      newKeyedLocks(),
		courses:    newKeyedLocks(),
	}
}

// Reconcile decides what to do with rec for personID. Assign and renew
// decisions append one assignment event and update the course policy; skip
// writes nothing.
func (r *Reconciler) Reconcile(ctx context.Context, personID string, rec model.Recommendation, fingerprint string, now time.Time) (model.Decision, error) {
	courseID := rec.CourseID
	unlock := r.pairs.lock(personID + "\x00" + courseID)
	defer unlock()

	skip := model.Decision{Kind: model.DecisionSkip, CourseID: courseID, Reason: model.ReasonAlreadyAssigned}

	if fingerprint != "" {
		dup, err := r.ledger.HasAssignmentFor(ctx, personID, courseID, fingerprint)
		if err != nil {
			return model.Decision{}, eris.Wrap(err, "reconcile: check protocol history")
		}
		if dup {
			return skip, nil
		}
	}

	latest, err := r.ledger.LatestAssignment(ctx, personID, courseID)
	if err != nil {
		return model.Decision{}, eris.Wrap(err, "reconcile: latest assignment")
	}
	already := latest != nil
	if !already {
		already, err = r.inHistory(ctx, personID, courseID)
		if err != nil {
			return model.Decision{}, err
		}
	}
	due := latest != nil && clock.RenewalDue(*latest, now, r.bufferDays)

	if already && !due {
		return skip, nil
	}

	ev := model.AssignmentEvent{
		PersonID:      personID,
		CourseID:      courseID,
		AssignedAt:    now,
		Priority:      rec.Priority,
		RenewalMonths: rec.RenewalMonths,
		DeadlineDays:  rec.DeadlineDays,
		Fingerprint:   fingerprint,
		AssignedBy:    model.AssignerAI,
		Renewal:       already,
		Reason:        rec.Reason,
	}
	kind := model.DecisionAssign
	if already {
		kind = model.DecisionRenew
	}

	entry, err := r.ledger.RecordAssignment(ctx, ev)
	if err != nil {
		return model.Decision{}, eris.Wrap(err, "reconcile: record assignment")
	}

	unlockCourse := r.courses.lock(courseID)
	err = r.policies.Apply(ctx, ev)
	unlockCourse()
	if err != nil {
		return model.Decision{}, eris.Wrap(err, "reconcile: apply policy")
	}

	zap.L().Debug("reconcile: decision",
		zap.String("person_id", personID),
		zap.String("course_id", courseID),
		zap.String("kind", string(kind)),
		zap.Int64("seq", entry.Seq),
	)
	return model.Decision{Kind: kind, CourseID: courseID, Reason: rec.Reason, Event: entry.Assignment}, nil
}

// inHistory checks the document cache and the per-person index for a prior
// assignment that has no ledger event.
func (r *Reconciler) inHistory(ctx context.Context, personID, courseID string) (bool, error) {
	cached, err := r.docs.PersonCourses(ctx, personID)
	if err != nil {
		return false, eris.Wrap(err, "reconcile: document history")
	}
	if slices.Contains(cached, courseID) {
		return true, nil
	}
	indexed, err := r.ledger.IndexedCourses(ctx, personID)
	if err != nil {
		return false, eris.Wrap(err, "reconcile: person index")
	}
	return slices.Contains(indexed, courseID), nil
}
