// Package policy keeps the shared, course-level renewal policy. Each
// assignment overwrites its course's row; the latest writer wins.
package policy

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/course-cli/internal/model"
	"github.com/sells-group/course-cli/internal/store"
)

// Store reads and writes course policies.
type Store struct {
	store store.Store
}

// New creates a policy Store.
func New(st store.Store) *Store {
	return &Store{store: st}
}

// Apply overwrites the course's policy with the values of ev.
func (s *Store) Apply(ctx context.Context, ev model.AssignmentEvent) error {
	return s.Put(ctx, model.CoursePolicy{
		CourseID:          ev.CourseID,
		Priority:          ev.Priority,
		RenewalMonths:     ev.RenewalMonths,
		DeadlineDays:      ev.DeadlineDays,
		SourceFingerprint: ev.Fingerprint,
		UpdatedAt:         ev.AssignedAt,
	})
}

// Put writes p as the course's policy.
func (s *Store) Put(ctx context.Context, p model.CoursePolicy) error {
	if p.CourseID == "" {
		return eris.New("policy: course id is required")
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	return eris.Wrapf(s.store.UpsertPolicy(ctx, p), "policy: put %s", p.CourseID)
}

// Get returns the course's policy. A course with no row gets the default
// policy; found reports which case applied.
func (s *Store) Get(ctx context.Context, courseID string) (p model.CoursePolicy, found bool, err error) {
	stored, err := s.store.GetPolicy(ctx, courseID)
	if err != nil {
		return model.CoursePolicy{}, false, eris.Wrapf(err, "policy: get %s", courseID)
	}
	if stored == nil {
		return Default(courseID), false, nil
	}
	return *stored, true, nil
}

// List returns every stored policy ordered by course id.
func (s *Store) List(ctx context.Context) ([]model.CoursePolicy, error) {
	out, err := s.store.ListPolicies(ctx)
	return out, eris.Wrap(err, "policy: list")
}

// Import merges policy rows in bulk.
func (s *Store) Import(ctx context.Context, policies []model.CoursePolicy) (int64, error) {
	n, err := s.store.ImportPolicies(ctx, policies)
	return n, eris.Wrap(err, "policy: import")
}

// Default is the policy applied to a course never assigned.
func Default(courseID string) model.CoursePolicy {
	return model.CoursePolicy{
		CourseID:      courseID,
		Priority:      model.DefaultPriority,
		RenewalMonths: model.DefaultRenewalMonths,
		DeadlineDays:  model.DefaultDeadlineDays,
	}
}
