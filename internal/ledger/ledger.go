// Package ledger is the append-only audit log of assignment and completion
// events. It is the authoritative history for renewal timing; the read API
// hands out copies only.
package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/course-cli/internal/clock"
	"github.com/sells-group/course-cli/internal/model"
	"github.com/sells-group/course-cli/internal/store"
)

// Ledger records and queries events through a store.Store.
type Ledger struct {
	store      store.Store
	bufferDays int

	// Now stamps RecordedAt. Tests replace it.
	Now func() time.Time
}

// New creates a Ledger. bufferDays is the renewal buffer used by Status.
func New(st store.Store, bufferDays int) *Ledger {
	return &Ledger{
		store:      st,
		bufferDays: bufferDays,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// BufferDays returns the renewal buffer in effect.
func (l *Ledger) BufferDays() int { return l.bufferDays }

func (l *Ledger) append(ctx context.Context, entry model.LedgerEntry) (model.LedgerEntry, error) {
	// Postgres keeps microseconds; truncate so the digest verifies after a round trip.
	entry.RecordedAt = l.Now().UTC().Truncate(time.Microsecond)
	digest, err := Digest(entry)
	if err != nil {
		return entry, err
	}
	entry.Digest = digest

	out, err := l.store.AppendEvent(ctx, entry)
	if err != nil {
		return entry, eris.Wrapf(err, "ledger: append %s %s/%s", entry.Kind, entry.PersonID, entry.CourseID)
	}
	zap.L().Debug("ledger: appended",
		zap.Int64("seq", out.Seq),
		zap.String("kind", string(out.Kind)),
		zap.String("person_id", out.PersonID),
		zap.String("course_id", out.CourseID),
	)
	return out, nil
}

// RecordAssignment appends an assignment event.
func (l *Ledger) RecordAssignment(ctx context.Context, ev model.AssignmentEvent) (model.LedgerEntry, error) {
	if ev.PersonID == "" || ev.CourseID == "" {
		return model.LedgerEntry{}, eris.New("ledger: assignment requires person and course")
	}
	if ev.AssignedBy == "" {
		ev.AssignedBy = model.AssignerAI
	}
	return l.append(ctx, model.NewAssignmentEntry(ev))
}

// RecordCompletion appends a completion event.
func (l *Ledger) RecordCompletion(ctx context.Context, ev model.CompletionEvent) (model.LedgerEntry, error) {
	if ev.PersonID == "" || ev.CourseID == "" {
		return model.LedgerEntry{}, eris.New("ledger: completion requires person and course")
	}
	if ev.Method == "" {
		ev.Method = model.CompletionManual
	}
	if ev.CompletedAt.IsZero() {
		ev.CompletedAt = l.Now().UTC()
	}
	return l.append(ctx, model.NewCompletionEntry(ev))
}

// LatestAssignment returns the most recent assignment for the pair, or nil.
func (l *Ledger) LatestAssignment(ctx context.Context, personID, courseID string) (*model.AssignmentEvent, error) {
	entries, err := l.store.ListEvents(ctx, store.EventFilter{
		PersonID: personID, CourseID: courseID, Kind: model.EventAssignment, Desc: true, Limit: 1,
	})
	if err != nil {
		return nil, eris.Wrap(err, "ledger: latest assignment")
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0].Assignment, nil
}

// LatestCompletion returns the most recent completion for the pair, or nil.
func (l *Ledger) LatestCompletion(ctx context.Context, personID, courseID string) (*model.CompletionEvent, error) {
	entries, err := l.store.ListEvents(ctx, store.EventFilter{
		PersonID: personID, CourseID: courseID, Kind: model.EventCompletion, Desc: true, Limit: 1,
	})
	if err != nil {
		return nil, eris.Wrap(err, "ledger: latest completion")
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0].Completion, nil
}

// HasAssignment reports whether any assignment exists for the pair.
func (l *Ledger) HasAssignment(ctx context.Context, personID, courseID string) (bool, error) {
	ev, err := l.LatestAssignment(ctx, personID, courseID)
	return ev != nil, err
}

// HasAssignmentFor reports whether the pair was already assigned from the
// protocol with the given fingerprint.
func (l *Ledger) HasAssignmentFor(ctx context.Context, personID, courseID, fingerprint string) (bool, error) {
	entries, err := l.store.ListEvents(ctx, store.EventFilter{
		PersonID: personID, CourseID: courseID, Kind: model.EventAssignment, Fingerprint: fingerprint, Limit: 1,
	})
	if err != nil {
		return false, eris.Wrap(err, "ledger: assignment for fingerprint")
	}
	return len(entries) > 0, nil
}

// ForPerson returns every entry for a person in append order.
func (l *Ledger) ForPerson(ctx context.Context, personID string) ([]model.LedgerEntry, error) {
	entries, err := l.store.ListEvents(ctx, store.EventFilter{PersonID: personID})
	return entries, eris.Wrap(err, "ledger: events for person")
}

// ForCourse returns every entry for a course in append order.
func (l *Ledger) ForCourse(ctx context.Context, courseID string) ([]model.LedgerEntry, error) {
	entries, err := l.store.ListEvents(ctx, store.EventFilter{CourseID: courseID})
	return entries, eris.Wrap(err, "ledger: events for course")
}

// Count returns the number of entries.
func (l *Ledger) Count(ctx context.Context) (int64, error) {
	n, err := l.store.CountEvents(ctx)
	return n, eris.Wrap(err, "ledger: count")
}

// IndexedCourses returns the courses ever assigned to a person according to
// the per-person index.
func (l *Ledger) IndexedCourses(ctx context.Context, personID string) ([]string, error) {
	courses, err := l.store.IndexedCourses(ctx, personID)
	return courses, eris.Wrap(err, "ledger: indexed courses")
}

// RebuildIndex repopulates the per-person index from the ledger.
func (l *Ledger) RebuildIndex(ctx context.Context) (int64, error) {
	n, err := l.store.RebuildIndex(ctx)
	return n, eris.Wrap(err, "ledger: rebuild index")
}

// Status evaluates one (person, course) pair at now.
func (l *Ledger) Status(ctx context.Context, personID, courseID string, now time.Time) (clock.Status, error) {
	latest, err := l.LatestAssignment(ctx, personID, courseID)
	if err != nil {
		return clock.Status{}, err
	}
	completion, err := l.LatestCompletion(ctx, personID, courseID)
	if err != nil {
		return clock.Status{}, err
	}
	st := clock.Evaluate(latest, completion, now, l.bufferDays)
	st.PersonID = personID
	st.CourseID = courseID
	return st, nil
}

// Statuses evaluates every pair touched by the person's history (when
// personID is set) or the course's history (when only courseID is set).
// Results are ordered by person then course.
func (l *Ledger) Statuses(ctx context.Context, personID, courseID string, now time.Time) ([]clock.Status, error) {
	if personID == "" && courseID == "" {
		return nil, eris.New("ledger: statuses requires a person or a course")
	}
	entries, err := l.store.ListEvents(ctx, store.EventFilter{PersonID: personID, CourseID: courseID})
	if err != nil {
		return nil, eris.Wrap(err, "ledger: statuses")
	}
	return Fold(entries, now, l.bufferDays), nil
}

type pairKey struct{ person, course string }

// Fold reduces entries in append order into one Status per pair. Pairs
// with only completions report NoHistory with Completed unset.
func Fold(entries []model.LedgerEntry, now time.Time, bufferDays int) []clock.Status {
	type latest struct {
		assignment *model.AssignmentEvent
		completion *model.CompletionEvent
	}
	byPair := make(map[pairKey]*latest)
	for _, e := range entries {
		k := pairKey{e.PersonID, e.CourseID}
		cur, ok := byPair[k]
		if !ok {
			cur = &latest{}
			byPair[k] = cur
		}
		switch e.Kind {
		case model.EventAssignment:
			cur.assignment = e.Assignment
		case model.EventCompletion:
			cur.completion = e.Completion
		}
	}

	out := make([]clock.Status, 0, len(byPair))
	for k, v := range byPair {
		st := clock.Evaluate(v.assignment, v.completion, now, bufferDays)
		st.PersonID = k.person
		st.CourseID = k.course
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PersonID != out[j].PersonID {
			return out[i].PersonID < out[j].PersonID
		}
		return out[i].CourseID < out[j].CourseID
	})
	return out
}

// Verify recomputes every entry's digest and returns the entries that do not
// match. Entries imported without a digest are skipped.
func (l *Ledger) Verify(ctx context.Context) ([]Mismatch, error) {
	entries, err := l.store.ListEvents(ctx, store.EventFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "ledger: verify")
	}
	var bad []Mismatch
	for _, e := range entries {
		if e.Digest == "" {
			continue
		}
		got, err := Digest(e)
		if err != nil {
			return nil, err
		}
		if got != e.Digest {
			bad = append(bad, Mismatch{Seq: e.Seq, PersonID: e.PersonID, CourseID: e.CourseID, Stored: e.Digest, Computed: got})
		}
	}
	return bad, nil
}

// Stamp fills RecordedAt and Digest for entries loaded in bulk, so imported
// history verifies like live appends.
func (l *Ledger) Stamp(entries []model.LedgerEntry) error {
	now := l.Now().UTC().Truncate(time.Microsecond)
	for i := range entries {
		if entries[i].RecordedAt.IsZero() {
			entries[i].RecordedAt = now
		}
		entries[i].RecordedAt = entries[i].RecordedAt.UTC().Truncate(time.Microsecond)
		d, err := Digest(entries[i])
		if err != nil {
			return err
		}
		entries[i].Digest = d
	}
	return nil
}

// Import stamps and bulk-loads legacy entries. The store leaves the
// per-person index consistent with the loaded history.
func (l *Ledger) Import(ctx context.Context, entries []model.LedgerEntry) (int64, error) {
	if err := l.Stamp(entries); err != nil {
		return 0, err
	}
	n, err := l.store.ImportEvents(ctx, entries)
	return n, eris.Wrap(err, "ledger: import")
}
