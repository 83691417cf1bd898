package model

import "time"

// Assigner tags who created an assignment.
type Assigner string

const (
	AssignerAI     Assigner = "AI"
	AssignerManual Assigner = "manual"
)

// CompletionMethod records how a completion was captured.
type CompletionMethod string

const (
	CompletionManual    CompletionMethod = "manual"
	CompletionAutomatic CompletionMethod = "automatic"
)

// EventKind discriminates ledger entries.
type EventKind string

const (
	EventAssignment EventKind = "assignment"
	EventCompletion EventKind = "completion"
)

// AssignmentEvent records that a person was assigned a course. It carries its
// own copy of the policy values in force at assignment time.
type AssignmentEvent struct {
	PersonID      string    `json:"person_id"`
	CourseID      string    `json:"course_id"`
	AssignedAt    time.Time `json:"assigned_at"`
	Priority      Priority  `json:"priority"`
	RenewalMonths int       `json:"renewal_months"`
	DeadlineDays  int       `json:"deadline_days"`
	Fingerprint   string    `json:"fingerprint,omitempty"`
	AssignedBy    Assigner  `json:"assigned_by"`
	Renewal       bool      `json:"renewal,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// CompletionEvent records that a person finished a course.
type CompletionEvent struct {
	PersonID    string           `json:"person_id"`
	CourseID    string           `json:"course_id"`
	CompletedAt time.Time        `json:"completed_at"`
	Method      CompletionMethod `json:"method"`
}

// LedgerEntry is one append-only row of the audit ledger. Exactly one of
// Assignment and Completion is set, matching Kind.
type LedgerEntry struct {
	Seq        int64            `json:"seq"`
	Kind       EventKind        `json:"kind"`
	PersonID   string           `json:"person_id"`
	CourseID   string           `json:"course_id"`
	Assignment *AssignmentEvent `json:"assignment,omitempty"`
	Completion *CompletionEvent `json:"completion,omitempty"`
	RecordedAt time.Time        `json:"recorded_at"`
	Digest     string           `json:"digest,omitempty"`
}

// OccurredAt returns the business timestamp of the entry.
func (e LedgerEntry) OccurredAt() time.Time {
	switch {
	case e.Assignment != nil:
		return e.Assignment.AssignedAt
	case e.Completion != nil:
		return e.Completion.CompletedAt
	}
	return e.RecordedAt
}

// NewAssignmentEntry wraps an assignment event for appending.
func NewAssignmentEntry(ev AssignmentEvent) LedgerEntry {
	return LedgerEntry{
		Kind:       EventAssignment,
		PersonID:   ev.PersonID,
		CourseID:   ev.CourseID,
		Assignment: &ev,
	}
}

// NewCompletionEntry wraps a completion event for appending.
func NewCompletionEntry(ev CompletionEvent) LedgerEntry {
	return LedgerEntry{
		Kind:       EventCompletion,
		PersonID:   ev.PersonID,
		CourseID:   ev.CourseID,
		Completion: &ev,
	}
}
