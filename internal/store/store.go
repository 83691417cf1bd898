package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/course-cli/internal/model"
)

// ErrDocumentExists is returned by InsertDocument when the fingerprint is
// already recorded.
var ErrDocumentExists = eris.New("store: document already recorded")

// EventFilter specifies criteria for listing ledger entries.
type EventFilter struct {
	PersonID    string          `json:"person_id,omitempty"`
	CourseID    string          `json:"course_id,omitempty"`
	Kind        model.EventKind `json:"kind,omitempty"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Desc        bool            `json:"desc,omitempty"`
	Limit       int             `json:"limit,omitempty"`
}

// Store defines the persistence interface for the assignment engine. The
// ledger is append-only: there is no update or delete for events.
type Store interface {
	// Audit ledger
	AppendEvent(ctx context.Context, entry model.LedgerEntry) (model.LedgerEntry, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]model.LedgerEntry, error)
	CountEvents(ctx context.Context) (int64, error)

	// Per-person course index, maintained from assignment events
	IndexedCourses(ctx context.Context, personID string) ([]string, error)
	RebuildIndex(ctx context.Context) (int64, error)

	// Document cache
	GetDocument(ctx context.Context, fingerprint string) (*model.ProcessedDocument, error)
	InsertDocument(ctx context.Context, doc model.ProcessedDocument) error
	ListDocuments(ctx context.Context, limit int) ([]model.ProcessedDocument, error)
	DocumentCourses(ctx context.Context, personID string) ([]string, error)

	// Course policies
	UpsertPolicy(ctx context.Context, p model.CoursePolicy) error
	GetPolicy(ctx context.Context, courseID string) (*model.CoursePolicy, error)
	ListPolicies(ctx context.Context) ([]model.CoursePolicy, error)

	// Legacy import
	ImportEvents(ctx context.Context, entries []model.LedgerEntry) (int64, error)
	ImportPolicies(ctx context.Context, policies []model.CoursePolicy) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// eventPayload is the JSON body stored for a ledger entry.
func eventPayload(entry model.LedgerEntry) (any, string, error) {
	switch entry.Kind {
	case model.EventAssignment:
		if entry.Assignment == nil {
			return nil, "", eris.New("store: assignment entry without event")
		}
		return entry.Assignment, entry.Assignment.Fingerprint, nil
	case model.EventCompletion:
		if entry.Completion == nil {
			return nil, "", eris.New("store: completion entry without event")
		}
		return entry.Completion, "", nil
	default:
		return nil, "", eris.Errorf("store: unknown event kind %q", entry.Kind)
	}
}

// documentRows flattens outcomes into (person, course, outcome) rows used to
// answer DocumentCourses without decoding every stored document.
func documentRows(doc model.ProcessedDocument) [][3]string {
	var rows [][3]string
	seen := make(map[[3]string]bool)
	add := func(person, course, outcome string) {
		r := [3]string{person, course, outcome}
		if !seen[r] {
			seen[r] = true
			rows = append(rows, r)
		}
	}
	for _, o := range doc.Outcomes {
		for _, c := range o.Assigned {
			add(o.PersonID, c, "assigned")
		}
		for _, c := range o.Renewed {
			add(o.PersonID, c, "renewed")
		}
		for _, s := range o.Skipped {
			add(o.PersonID, s.CourseID, "skipped")
		}
	}
	return rows
}
