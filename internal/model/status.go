package model

// DeadlineStatus is the deadline-only view of an assignment.
type DeadlineStatus string

const (
	DeadlineActive  DeadlineStatus = "active"
	DeadlineDueSoon DeadlineStatus = "due_soon"
	DeadlineOverdue DeadlineStatus = "overdue"
)

// DerivedStatus folds ledger history and the clock into one value for a
// (person, course) pair. It is computed on read and never stored.
type DerivedStatus string

const (
	StatusNoHistory  DerivedStatus = "no_history"
	StatusActive     DerivedStatus = "active"
	StatusDueSoon    DerivedStatus = "due_soon"
	StatusOverdue    DerivedStatus = "overdue"
	StatusRenewalDue DerivedStatus = "renewal_due"
	StatusCompleted  DerivedStatus = "completed"
)
