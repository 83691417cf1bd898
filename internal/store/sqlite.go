package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/course-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// One writer keeps append order equal to seq order.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS ledger_events (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind        TEXT NOT NULL,
	person_id   TEXT NOT NULL,
	course_id   TEXT NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	occurred_at DATETIME NOT NULL,
	payload     TEXT NOT NULL,
	recorded_at DATETIME NOT NULL DEFAULT (datetime('now')),
	digest      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS person_courses (
	person_id     TEXT NOT NULL,
	course_id     TEXT NOT NULL,
	first_seq     INTEGER NOT NULL,
	PRIMARY KEY (person_id, course_id)
);

CREATE TABLE IF NOT EXISTS documents (
	fingerprint  TEXT PRIMARY KEY,
	title        TEXT NOT NULL DEFAULT '',
	processed_at DATETIME NOT NULL,
	outcomes     TEXT NOT NULL,
	body         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS document_outcomes (
	fingerprint TEXT NOT NULL REFERENCES documents(fingerprint),
	person_id   TEXT NOT NULL,
	course_id   TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	PRIMARY KEY (fingerprint, person_id, course_id, outcome)
);

CREATE TABLE IF NOT EXISTS course_policies (
	course_id          TEXT PRIMARY KEY,
	priority           TEXT NOT NULL,
	renewal_months     INTEGER NOT NULL,
	deadline_days      INTEGER NOT NULL,
	source_fingerprint TEXT NOT NULL DEFAULT '',
	updated_at         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_person_course ON ledger_events(person_id, course_id, seq);
CREATE INDEX IF NOT EXISTS idx_ledger_course ON ledger_events(course_id, seq);
CREATE INDEX IF NOT EXISTS idx_ledger_fingerprint ON ledger_events(fingerprint);
CREATE INDEX IF NOT EXISTS idx_document_outcomes_person ON document_outcomes(person_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Ledger ---

func (s *SQLiteStore) AppendEvent(ctx context.Context, entry model.LedgerEntry) (model.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return entry, eris.Wrap(err, "sqlite: begin append")
	}
	defer tx.Rollback() //nolint:errcheck

	entry, err = s.appendTx(ctx, tx, entry)
	if err != nil {
		return entry, err
	}
	return entry, eris.Wrap(tx.Commit(), "sqlite: commit append")
}

func (s *SQLiteStore) appendTx(ctx context.Context, tx *sql.Tx, entry model.LedgerEntry) (model.LedgerEntry, error) {
	payload, fingerprint, err := eventPayload(entry)
	if err != nil {
		return entry, err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return entry, eris.Wrap(err, "sqlite: marshal event")
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_events (kind, person_id, course_id, fingerprint, occurred_at, payload, recorded_at, digest)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(entry.Kind), entry.PersonID, entry.CourseID, fingerprint,
		entry.OccurredAt().UTC(), string(payloadJSON), entry.RecordedAt, entry.Digest,
	)
	if err != nil {
		return entry, eris.Wrap(err, "sqlite: insert event")
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return entry, eris.Wrap(err, "sqlite: event seq")
	}
	entry.Seq = seq

	if entry.Kind == model.EventAssignment {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO person_courses (person_id, course_id, first_seq) VALUES (?, ?, ?)
			 ON CONFLICT (person_id, course_id) DO NOTHING`,
			entry.PersonID, entry.CourseID, seq,
		); err != nil {
			return entry, eris.Wrap(err, "sqlite: index person course")
		}
	}
	return entry, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]model.LedgerEntry, error) {
	query := `SELECT seq, kind, person_id, course_id, payload, recorded_at, digest FROM ledger_events WHERE 1=1`
	var args []any

	if filter.PersonID != "" {
		query += ` AND person_id = ?`
		args = append(args, filter.PersonID)
	}
	if filter.CourseID != "" {
		query += ` AND course_id = ?`
		args = append(args, filter.CourseID)
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.Fingerprint != "" {
		query += ` AND fingerprint = ?`
		args = append(args, filter.Fingerprint)
	}
	if filter.Desc {
		query += ` ORDER BY seq DESC`
	} else {
		query += ` ORDER BY seq ASC`
	}
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list events")
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var (
			e       model.LedgerEntry
			kind    string
			payload string
		)
		if err := rows.Scan(&e.Seq, &kind, &e.PersonID, &e.CourseID, &payload, &e.RecordedAt, &e.Digest); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		e.Kind = model.EventKind(kind)
		if err := decodePayload(&e, []byte(payload)); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

func (s *SQLiteStore) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_events`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count events")
}

func (s *SQLiteStore) IndexedCourses(ctx context.Context, personID string) ([]string, error) {
	return s.queryStrings(ctx, "sqlite: indexed courses",
		`SELECT course_id FROM person_courses WHERE person_id = ? ORDER BY first_seq`, personID)
}

func (s *SQLiteStore) RebuildIndex(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO person_courses (person_id, course_id, first_seq)
		 SELECT person_id, course_id, MIN(seq) FROM ledger_events WHERE kind = ?
		 GROUP BY person_id, course_id
		 ON CONFLICT (person_id, course_id) DO NOTHING`,
		string(model.EventAssignment),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rebuild index")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

// --- Documents ---

func (s *SQLiteStore) GetDocument(ctx context.Context, fingerprint string) (*model.ProcessedDocument, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, title, processed_at, outcomes, body FROM documents WHERE fingerprint = ?`,
		fingerprint,
	)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get document")
	}
	return doc, nil
}

func (s *SQLiteStore) InsertDocument(ctx context.Context, doc model.ProcessedDocument) error {
	outcomesJSON, err := json.Marshal(doc.Outcomes)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal outcomes")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin insert document")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO documents (fingerprint, title, processed_at, outcomes, body) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (fingerprint) DO NOTHING`,
		doc.Fingerprint, doc.Title, doc.ProcessedAt.UTC(), string(outcomesJSON), doc.Text,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert document")
	}
	if n, err := res.RowsAffected(); err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	} else if n == 0 {
		return eris.Wrapf(ErrDocumentExists, "fingerprint %s", doc.Fingerprint)
	}

	for _, r := range documentRows(doc) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO document_outcomes (fingerprint, person_id, course_id, outcome) VALUES (?, ?, ?, ?)`,
			doc.Fingerprint, r[0], r[1], r[2],
		); err != nil {
			return eris.Wrap(err, "sqlite: insert document outcome")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit document")
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, limit int) ([]model.ProcessedDocument, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, title, processed_at, outcomes, '' FROM documents ORDER BY processed_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list documents")
	}
	defer rows.Close()

	var docs []model.ProcessedDocument
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan document")
		}
		docs = append(docs, *doc)
	}
	return docs, eris.Wrap(rows.Err(), "sqlite: list documents iterate")
}

func (s *SQLiteStore) DocumentCourses(ctx context.Context, personID string) ([]string, error) {
	return s.queryStrings(ctx, "sqlite: document courses",
		`SELECT DISTINCT course_id FROM document_outcomes
		 WHERE person_id = ? AND outcome IN ('assigned', 'renewed') ORDER BY course_id`, personID)
}

// --- Policies ---

func (s *SQLiteStore) UpsertPolicy(ctx context.Context, p model.CoursePolicy) error {
	return s.upsertPolicy(ctx, s.db, p)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) upsertPolicy(ctx context.Context, ex sqlExecer, p model.CoursePolicy) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO course_policies (course_id, priority, renewal_months, deadline_days, source_fingerprint, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (course_id) DO UPDATE SET
		   priority = excluded.priority,
		   renewal_months = excluded.renewal_months,
		   deadline_days = excluded.deadline_days,
		   source_fingerprint = excluded.source_fingerprint,
		   updated_at = excluded.updated_at`,
		p.CourseID, string(p.Priority), p.RenewalMonths, p.DeadlineDays, p.SourceFingerprint, p.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert policy %s", p.CourseID)
}

func (s *SQLiteStore) GetPolicy(ctx context.Context, courseID string) (*model.CoursePolicy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT course_id, priority, renewal_months, deadline_days, source_fingerprint, updated_at
		 FROM course_policies WHERE course_id = ?`, courseID)
	p, err := scanPolicy(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get policy")
	}
	return p, nil
}

func (s *SQLiteStore) ListPolicies(ctx context.Context) ([]model.CoursePolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT course_id, priority, renewal_months, deadline_days, source_fingerprint, updated_at
		 FROM course_policies ORDER BY course_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list policies")
	}
	defer rows.Close()

	var out []model.CoursePolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan policy")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list policies iterate")
}

// --- Import ---

func (s *SQLiteStore) ImportEvents(ctx context.Context, entries []model.LedgerEntry) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin import")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, e := range entries {
		if _, err := s.appendTx(ctx, tx, e); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit import")
	}
	return int64(len(entries)), nil
}

func (s *SQLiteStore) ImportPolicies(ctx context.Context, policies []model.CoursePolicy) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin policy import")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, p := range policies {
		if err := s.upsertPolicy(ctx, tx, p); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit policy import")
	}
	return int64(len(policies)), nil
}

// helpers

func (s *SQLiteStore) queryStrings(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, op)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, op)
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), op)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDocument(row scannable) (*model.ProcessedDocument, error) {
	var (
		doc      model.ProcessedDocument
		outcomes string
	)
	if err := row.Scan(&doc.Fingerprint, &doc.Title, &doc.ProcessedAt, &outcomes, &doc.Text); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(outcomes), &doc.Outcomes); err != nil {
		return nil, eris.Wrap(err, "unmarshal outcomes")
	}
	return &doc, nil
}

func scanPolicy(row scannable) (*model.CoursePolicy, error) {
	var (
		p        model.CoursePolicy
		priority string
	)
	if err := row.Scan(&p.CourseID, &priority, &p.RenewalMonths, &p.DeadlineDays, &p.SourceFingerprint, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Priority = model.Priority(priority)
	return &p, nil
}

func decodePayload(e *model.LedgerEntry, payload []byte) error {
	switch e.Kind {
	case model.EventAssignment:
		e.Assignment = &model.AssignmentEvent{}
		return eris.Wrap(json.Unmarshal(payload, e.Assignment), "decode assignment payload")
	case model.EventCompletion:
		e.Completion = &model.CompletionEvent{}
		return eris.Wrap(json.Unmarshal(payload, e.Completion), "decode completion payload")
	default:
		return eris.Errorf("unknown event kind %q", e.Kind)
	}
}
