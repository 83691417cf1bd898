package model

// DecisionKind is the reconciler's verdict for one recommended course.
type DecisionKind string

const (
	DecisionSkip   DecisionKind = "skip"
	DecisionAssign DecisionKind = "assign"
	DecisionRenew  DecisionKind = "renew"
)

// Reasons reported on skipped recommendations.
const (
	ReasonAlreadyAssigned = "already assigned"
)

// Decision is the result of reconciling one recommendation. Event is set for
// assign and renew decisions and holds the ledger entry that was written.
type Decision struct {
	Kind     DecisionKind     `json:"kind"`
	CourseID string           `json:"course_id"`
	Reason   string           `json:"reason,omitempty"`
	Event    *AssignmentEvent `json:"event,omitempty"`
}

// Label renders the course id the way reports show it; renewals are tagged.
func (d Decision) Label() string {
	if d.Kind == DecisionRenew {
		return d.CourseID + " (update)"
	}
	return d.CourseID
}
