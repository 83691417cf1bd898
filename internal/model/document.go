package model

import "time"

// SkippedCourse is a recommendation the reconciler declined, with its reason.
type SkippedCourse struct {
	CourseID string `json:"course_id"`
	Reason   string `json:"reason"`
}

// PersonOutcome is what happened to one cohort member when a protocol was
// processed.
type PersonOutcome struct {
	PersonID string          `json:"person_id"`
	Name     string          `json:"name,omitempty"`
	Assigned []string        `json:"assigned,omitempty"`
	Renewed  []string        `json:"renewed,omitempty"`
	Skipped  []SkippedCourse `json:"skipped,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Fallback bool            `json:"fallback,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Courses returns assigned and renewed course ids in report order.
func (o PersonOutcome) Courses() []string {
	out := make([]string, 0, len(o.Assigned)+len(o.Renewed))
	out = append(out, o.Assigned...)
	return append(out, o.Renewed...)
}

// ProcessedDocument is the cached outcome of one distinct protocol text.
type ProcessedDocument struct {
	Fingerprint string          `json:"fingerprint"`
	Title       string          `json:"title"`
	ProcessedAt time.Time       `json:"processed_at"`
	Outcomes    []PersonOutcome `json:"outcomes"`
	Text        string          `json:"text,omitempty"`
}
