package model

import "strings"

// Priority ranks how urgently a course must be taken.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Defaults applied when the classifier omits a field or returns a bare course id.
const (
	DefaultPriority      = PriorityNormal
	DefaultRenewalMonths = 12
	DefaultDeadlineDays  = 30
)

// Ceilings for classifier-supplied windows. Larger values are clamped.
const (
	MaxRenewalMonths = 1200
	MaxDeadlineDays  = 3650
)

// ParsePriority maps free-form classifier text onto a Priority. Unknown values
// fall back to DefaultPriority.
func ParsePriority(s string) Priority {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return p
	default:
		return DefaultPriority
	}
}

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Recommendation is the canonical, fully populated form of one classifier
// suggestion for one person.
type Recommendation struct {
	CourseID      string   `json:"course_id"`
	Priority      Priority `json:"priority"`
	RenewalMonths int      `json:"renewal_months"`
	DeadlineDays  int      `json:"deadline_days"`
	Reason        string   `json:"reason,omitempty"`
}

// Policy returns the policy triple carried by the recommendation.
func (r Recommendation) Policy() CoursePolicy {
	return CoursePolicy{
		CourseID:      r.CourseID,
		Priority:      r.Priority,
		RenewalMonths: r.RenewalMonths,
		DeadlineDays:  r.DeadlineDays,
	}
}
