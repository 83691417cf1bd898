package model

import "time"

// PersonCourses is one row of a batch report.
type PersonCourses struct {
	PersonID string   `json:"person_id"`
	Name     string   `json:"name,omitempty"`
	Courses  []string `json:"courses"`
	Renewals []string `json:"renewals,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// PersonError records a per-person failure that did not abort the batch.
type PersonError struct {
	PersonID string `json:"person_id"`
	Error    string `json:"error"`
}

// BatchReport is the aggregate result of processing one protocol.
type BatchReport struct {
	RunID             string          `json:"run_id,omitempty"`
	Fingerprint       string          `json:"fingerprint"`
	Title             string          `json:"title,omitempty"`
	Duplicate         bool            `json:"duplicate"`
	Assignments       []PersonCourses `json:"assignments"`
	SkippedDuplicates []PersonCourses `json:"skipped_duplicates"`
	Errors            []PersonError   `json:"errors,omitempty"`
	ProcessedAt       time.Time       `json:"processed_at"`
}

// ReportFromOutcomes aggregates per-person outcomes into report rows. People
// with at least one assign or renew land in Assignments; people with at least
// one skip land in SkippedDuplicates; both lists may contain the same person.
func ReportFromOutcomes(outcomes []PersonOutcome) (assignments, skipped []PersonCourses, errs []PersonError) {
	assignments = []PersonCourses{}
	skipped = []PersonCourses{}
	for _, o := range outcomes {
		if o.Error != "" {
			errs = append(errs, PersonError{PersonID: o.PersonID, Error: o.Error})
			continue
		}
		if courses := o.Courses(); len(courses) > 0 {
			assignments = append(assignments, PersonCourses{
				PersonID: o.PersonID,
				Name:     o.Name,
				Courses:  courses,
				Renewals: o.Renewed,
				Reason:   o.Reason,
			})
		}
		if len(o.Skipped) > 0 {
			row := PersonCourses{PersonID: o.PersonID, Name: o.Name}
			for _, s := range o.Skipped {
				row.Courses = append(row.Courses, s.CourseID)
				row.Reason = s.Reason
			}
			skipped = append(skipped, row)
		}
	}
	return assignments, skipped, errs
}
