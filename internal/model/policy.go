package model

import "time"

// CoursePolicy is the shared, course-level policy row. It is overwritten by the
// most recent assignment for the course regardless of person, so it is only
// read by reporting views; status computations use the copy stored on each
// AssignmentEvent.
type CoursePolicy struct {
	CourseID          string    `json:"course_id"`
	Priority          Priority  `json:"priority"`
	RenewalMonths     int       `json:"renewal_months"`
	DeadlineDays      int       `json:"deadline_days"`
	SourceFingerprint string    `json:"source_fingerprint,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}
