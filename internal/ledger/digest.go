package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/rotisserie/eris"

	"github.com/sells-group/course-cli/internal/model"
)

// digestBody is the part of an entry covered by its digest. Seq is assigned
// by the store after hashing, so it is excluded.
type digestBody struct {
	Kind       model.EventKind        `json:"kind"`
	PersonID   string                 `json:"person_id"`
	CourseID   string                 `json:"course_id"`
	Assignment *model.AssignmentEvent `json:"assignment,omitempty"`
	Completion *model.CompletionEvent `json:"completion,omitempty"`
	RecordedAt time.Time              `json:"recorded_at"`
}

// Digest returns the hex SHA-256 of the entry's RFC 8785 canonical JSON.
// Timestamps are hashed in UTC so the value survives a store round trip.
func Digest(e model.LedgerEntry) (string, error) {
	body := digestBody{
		Kind:       e.Kind,
		PersonID:   e.PersonID,
		CourseID:   e.CourseID,
		RecordedAt: e.RecordedAt.UTC(),
	}
	if e.Assignment != nil {
		a := *e.Assignment
		a.AssignedAt = a.AssignedAt.UTC()
		body.Assignment = &a
	}
	if e.Completion != nil {
		c := *e.Completion
		c.CompletedAt = c.CompletedAt.UTC()
		body.Completion = &c
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", eris.Wrap(err, "ledger: marshal digest body")
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", eris.Wrap(err, "ledger: canonicalize entry")
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Mismatch is an entry whose stored digest no longer matches its content.
type Mismatch struct {
	Seq      int64  `json:"seq"`
	PersonID string `json:"person_id"`
	CourseID string `json:"course_id"`
	Stored   string `json:"stored"`
	Computed string `json:"computed"`
}
