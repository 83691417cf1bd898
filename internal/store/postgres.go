package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/course-cli/internal/db"
	"github.com/sells-group/course-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS ledger_events (
	seq         BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	kind        TEXT NOT NULL,
	person_id   TEXT NOT NULL,
	course_id   TEXT NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL,
	payload     JSONB NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	digest      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS person_courses (
	person_id TEXT NOT NULL,
	course_id TEXT NOT NULL,
	first_seq BIGINT NOT NULL,
	PRIMARY KEY (person_id, course_id)
);

CREATE TABLE IF NOT EXISTS documents (
	fingerprint  TEXT PRIMARY KEY,
	title        TEXT NOT NULL DEFAULT '',
	processed_at TIMESTAMPTZ NOT NULL,
	outcomes     JSONB NOT NULL,
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
	updated_at         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_person_course ON ledger_events(person_id, course_id, seq);
CREATE INDEX IF NOT EXISTS idx_ledger_course ON ledger_events(course_id, seq);
CREATE INDEX IF NOT EXISTS idx_ledger_fingerprint ON ledger_events(fingerprint);
CREATE INDEX IF NOT EXISTS idx_document_outcomes_person ON document_outcomes(person_id);
`

// ledgerColumns are the columns written on append and import; seq is generated.
var ledgerColumns = []string{"kind", "person_id", "course_id", "fingerprint", "occurred_at", "payload", "recorded_at", "digest"}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Ledger ---

func ledgerRow(entry model.LedgerEntry) ([]any, error) {
	payload, fingerprint, err := eventPayload(entry)
	if err != nil {
		return nil, err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal event")
	}
	return []any{
		string(entry.Kind), entry.PersonID, entry.CourseID, fingerprint,
		entry.OccurredAt().UTC(), payloadJSON, entry.RecordedAt, entry.Digest,
	}, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, entry model.LedgerEntry) (model.LedgerEntry, error) {
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	row, err := ledgerRow(entry)
	if err != nil {
		return entry, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return entry, eris.Wrap(err, "postgres: begin append")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	err = tx.QueryRow(ctx,
		`INSERT INTO ledger_events (kind, person_id, course_id, fingerprint, occurred_at, payload, recorded_at, digest)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING seq`,
		row...,
	).Scan(&entry.Seq)
	if err != nil {
		return entry, eris.Wrap(err, "postgres: insert event")
	}

	if entry.Kind == model.EventAssignment {
		if _, err := tx.Exec(ctx,
			`INSERT INTO person_courses (person_id, course_id, first_seq) VALUES ($1, $2, $3)
			 ON CONFLICT (person_id, course_id) DO NOTHING`,
			entry.PersonID, entry.CourseID, entry.Seq,
		); err != nil {
			return entry, eris.Wrap(err, "postgres: index person course")
		}
	}

	return entry, eris.Wrap(tx.Commit(ctx), "postgres: commit append")
}

func (s *PostgresStore) ListEvents(ctx context.Context, filter EventFilter) ([]model.LedgerEntry, error) {
	query := `SELECT seq, kind, person_id, course_id, payload, recorded_at, digest FROM ledger_events WHERE true`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + itoa(len(args))
	}

	if filter.PersonID != "" {
		query += ` AND person_id = ` + arg(filter.PersonID)
	}
	if filter.CourseID != "" {
		query += ` AND course_id = ` + arg(filter.CourseID)
	}
	if filter.Kind != "" {
		query += ` AND kind = ` + arg(string(filter.Kind))
	}
	if filter.Fingerprint != "" {
		query += ` AND fingerprint = ` + arg(filter.Fingerprint)
	}
	if filter.Desc {
		query += ` ORDER BY seq DESC`
	} else {
		query += ` ORDER BY seq ASC`
	}
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list events")
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var (
			e       model.LedgerEntry
			kind    string
			payload []byte
		)
		if err := rows.Scan(&e.Seq, &kind, &e.PersonID, &e.CourseID, &payload, &e.RecordedAt, &e.Digest); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		e.Kind = model.EventKind(kind)
		if err := decodePayload(&e, payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

func (s *PostgresStore) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_events`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count events")
}

func (s *PostgresStore) IndexedCourses(ctx context.Context, personID string) ([]string, error) {
	return s.queryStrings(ctx, "postgres: indexed courses",
		`SELECT course_id FROM person_courses WHERE person_id = $1 ORDER BY first_seq`, personID)
}

func (s *PostgresStore) RebuildIndex(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO person_courses (person_id, course_id, first_seq)
		 SELECT person_id, course_id, MIN(seq) FROM ledger_events WHERE kind = $1
		 GROUP BY person_id, course_id
		 ON CONFLICT (person_id, course_id) DO NOTHING`,
		string(model.EventAssignment),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: rebuild index")
	}
	return tag.RowsAffected(), nil
}

// --- Documents ---

func (s *PostgresStore) GetDocument(ctx context.Context, fingerprint string) (*model.ProcessedDocument, error) {
	var (
		doc      model.ProcessedDocument
		outcomes []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT fingerprint, title, processed_at, outcomes, body FROM documents WHERE fingerprint = $1`,
		fingerprint,
	).Scan(&doc.Fingerprint, &doc.Title, &doc.ProcessedAt, &outcomes, &doc.Text)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get document")
	}
	if err := json.Unmarshal(outcomes, &doc.Outcomes); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal outcomes")
	}
	return &doc, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc model.ProcessedDocument) error {
	outcomesJSON, err := json.Marshal(doc.Outcomes)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal outcomes")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin insert document")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO documents (fingerprint, title, processed_at, outcomes, body) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (fingerprint) DO NOTHING`,
		doc.Fingerprint, doc.Title, doc.ProcessedAt.UTC(), outcomesJSON, doc.Text,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert document")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrDocumentExists, "fingerprint %s", doc.Fingerprint)
	}

	for _, r := range documentRows(doc) {
		if _, err := tx.Exec(ctx,
			`INSERT INTO document_outcomes (fingerprint, person_id, course_id, outcome) VALUES ($1, $2, $3, $4)`,
			doc.Fingerprint, r[0], r[1], r[2],
		); err != nil {
			return eris.Wrap(err, "postgres: insert document outcome")
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit document")
}

func (s *PostgresStore) ListDocuments(ctx context.Context, limit int) ([]model.ProcessedDocument, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT fingerprint, title, processed_at, outcomes FROM documents ORDER BY processed_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list documents")
	}
	defer rows.Close()

	var docs []model.ProcessedDocument
	for rows.Next() {
		var (
			doc      model.ProcessedDocument
			outcomes []byte
		)
		if err := rows.Scan(&doc.Fingerprint, &doc.Title, &doc.ProcessedAt, &outcomes); err != nil {
			return nil, eris.Wrap(err, "postgres: scan document")
		}
		if err := json.Unmarshal(outcomes, &doc.Outcomes); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal outcomes")
		}
		docs = append(docs, doc)
	}
	return docs, eris.Wrap(rows.Err(), "postgres: list documents iterate")
}

func (s *PostgresStore) DocumentCourses(ctx context.Context, personID string) ([]string, error) {
	return s.queryStrings(ctx, "postgres: document courses",
		`SELECT DISTINCT course_id FROM document_outcomes
		 WHERE person_id = $1 AND outcome IN ('assigned', 'renewed') ORDER BY course_id`, personID)
}

// --- Policies ---

const upsertPolicySQL = `INSERT INTO course_policies (course_id, priority, renewal_months, deadline_days, source_fingerprint, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (course_id) DO UPDATE SET
	  priority = EXCLUDED.priority,
	  renewal_months = EXCLUDED.renewal_months,
	  deadline_days = EXCLUDED.deadline_days,
	  source_fingerprint = EXCLUDED.source_fingerprint,
	  updated_at = EXCLUDED.updated_at`

var policyColumns = []string{"course_id", "priority", "renewal_months", "deadline_days", "source_fingerprint", "updated_at"}

func policyRow(p model.CoursePolicy) []any {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	return []any{p.CourseID, string(p.Priority), p.RenewalMonths, p.DeadlineDays, p.SourceFingerprint, p.UpdatedAt.UTC()}
}

func (s *PostgresStore) UpsertPolicy(ctx context.Context, p model.CoursePolicy) error {
	_, err := s.pool.Exec(ctx, upsertPolicySQL, policyRow(p)...)
	return eris.Wrapf(err, "postgres: upsert policy %s", p.CourseID)
}

func (s *PostgresStore) GetPolicy(ctx context.Context, courseID string) (*model.CoursePolicy, error) {
	var (
		p        model.CoursePolicy
		priority string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT course_id, priority, renewal_months, deadline_days, source_fingerprint, updated_at
		 FROM course_policies WHERE course_id = $1`, courseID,
	).Scan(&p.CourseID, &priority, &p.RenewalMonths, &p.DeadlineDays, &p.SourceFingerprint, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get policy")
	}
	p.Priority = model.Priority(priority)
	return &p, nil
}

func (s *PostgresStore) ListPolicies(ctx context.Context) ([]model.CoursePolicy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT course_id, priority, renewal_months, deadline_days, source_fingerprint, updated_at
		 FROM course_policies ORDER BY course_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list policies")
	}
	defer rows.Close()

	var out []model.CoursePolicy
	for rows.Next() {
		var (
			p        model.CoursePolicy
			priority string
		)
		if err := rows.Scan(&p.CourseID, &priority, &p.RenewalMonths, &p.DeadlineDays, &p.SourceFingerprint, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan policy")
		}
		p.Priority = model.Priority(priority)
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list policies iterate")
}

// --- Import ---

// ImportEvents bulk-loads legacy history with COPY, then refreshes the
// per-person index from the ledger.
func (s *PostgresStore) ImportEvents(ctx context.Context, entries []model.LedgerEntry) (int64, error) {
	rows := make([][]any, 0, len(entries))
	now := time.Now().UTC()
	for _, e := range entries {
		if e.RecordedAt.IsZero() {
			e.RecordedAt = now
		}
		row, err := ledgerRow(e)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}

	n, err := db.CopyFrom(ctx, s.pool, "ledger_events", ledgerColumns, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: import events")
	}
	if _, err := s.RebuildIndex(ctx); err != nil {
		return n, err
	}
	return n, nil
}

// ImportPolicies merges legacy policy rows; the last row per course wins.
func (s *PostgresStore) ImportPolicies(ctx context.Context, policies []model.CoursePolicy) (int64, error) {
	rows := make([][]any, len(policies))
	for i, p := range policies {
		rows[i] = policyRow(p)
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "course_policies",
		Columns:      policyColumns,
		ConflictKeys: []string{"course_id"},
	}, rows)
	return n, eris.Wrap(err, "postgres: import policies")
}

// helpers

func (s *PostgresStore) queryStrings(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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

func itoa(n int) string {
	return strconv.Itoa(n)
}
