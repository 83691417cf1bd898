// Package clock turns an assignment and a point in time into deadline and
// renewal signals. Everything here is pure: no I/O, no shared state.
package clock

import (
	"math"
	"time"

	"github.com/sells-group/course-cli/internal/model"
)

const (
	// DueSoonDays is the window before the deadline in which an assignment
	// is reported as due soon.
	DueSoonDays = 7

	// DefaultBufferDays opens the renewal window this many days before the
	// nominal renewal date.
	DefaultBufferDays = 30

	// daysPerMonth is the fixed month length used for renewal arithmetic.
	daysPerMonth = 30
)

// DeadlineDate is the assignment time plus the deadline window. Calendar
// arithmetic keeps very large windows from wrapping around.
func DeadlineDate(ev model.AssignmentEvent) time.Time {
	return ev.AssignedAt.AddDate(0, 0, ev.DeadlineDays)
}

// DaysLeft returns whole days until the deadline, floored, so a deadline
// later today counts as zero days left.
func DaysLeft(ev model.AssignmentEvent, now time.Time) int {
	return int(math.Floor(DeadlineDate(ev).Sub(now).Hours() / 24))
}

// DeadlineStatus classifies an assignment against its deadline only.
func DeadlineStatus(ev model.AssignmentEvent, now time.Time) model.DeadlineStatus {
	left := DaysLeft(ev, now)
	switch {
	case left <= 0:
		return model.DeadlineOverdue
	case left <= DueSoonDays:
		return model.DeadlineDueSoon
	default:
		return model.DeadlineActive
	}
}

// RenewalWarningDate is the nominal renewal date minus the buffer.
func RenewalWarningDate(ev model.AssignmentEvent, bufferDays int) time.Time {
	return ev.AssignedAt.AddDate(0, 0, ev.RenewalMonths*daysPerMonth-bufferDays)
}

// RenewalDue reports whether the renewal window is open. This is a warning
// signal, not a hard lapse; it also gates reassignment.
func RenewalDue(ev model.AssignmentEvent, now time.Time, bufferDays int) bool {
	return !now.Before(RenewalWarningDate(ev, bufferDays))
}

// Status carries both temporal signals for one (person, course) pair together
// with the folded DerivedStatus.
type Status struct {
	PersonID       string               `json:"person_id"`
	CourseID       string               `json:"course_id"`
	Derived        model.DerivedStatus  `json:"status"`
	Deadline       model.DeadlineStatus `json:"deadline,omitempty"`
	DaysLeft       int                  `json:"days_left"`
	RenewalDue     bool                 `json:"renewal_due"`
	Completed      bool                 `json:"completed"`
	AssignedAt     *time.Time           `json:"assigned_at,omitempty"`
	DeadlineAt     *time.Time           `json:"deadline_at,omitempty"`
	RenewalWarning *time.Time           `json:"renewal_warning_at,omitempty"`
}

// Evaluate computes the deadline and renewal signals independently and folds
// them. latest is the most recent assignment (nil when there is none);
// completion is the most recent completion (nil when there is none).
func Evaluate(latest *model.AssignmentEvent, completion *model.CompletionEvent, now time.Time, bufferDays int) Status {
	if latest == nil {
		return Status{Derived: model.StatusNoHistory}
	}

	deadline := DeadlineDate(*latest)
	warning := RenewalWarningDate(*latest, bufferDays)
	assigned := latest.AssignedAt

	st := Status{
		PersonID:       latest.PersonID,
		CourseID:       latest.CourseID,
		Deadline:       DeadlineStatus(*latest, now),
		DaysLeft:       DaysLeft(*latest, now),
		RenewalDue:     RenewalDue(*latest, now, bufferDays),
		Completed:      completion != nil && !completion.CompletedAt.Before(latest.AssignedAt),
		AssignedAt:     &assigned,
		DeadlineAt:     &deadline,
		RenewalWarning: &warning,
	}
	st.Derived = Derive(st)
	return st
}

// Derive folds the signals. Precedence is RenewalDue, then Completed, then
// the deadline states: an open renewal window outranks a completion because
// it is what re-opens the pair for assignment, so a completed course whose
// window has opened reads as renewal_due.
func Derive(st Status) model.DerivedStatus {
	switch {
	case st.AssignedAt == nil:
		return model.StatusNoHistory
	case st.RenewalDue:
		return model.StatusRenewalDue
	case st.Completed:
		return model.StatusCompleted
	}
	switch st.Deadline {
	case model.DeadlineOverdue:
		return model.StatusOverdue
	case model.DeadlineDueSoon:
		return model.StatusDueSoon
	default:
		return model.StatusActive
	}
}
