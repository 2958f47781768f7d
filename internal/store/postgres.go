package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nomeentregaron/medbot/internal/model/session"
)

// schema is applied on startup. The partial unique index is what enforces
// "at most one open session per (channel, user)" at the storage layer.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id               UUID PRIMARY KEY,
    channel          TEXT NOT NULL,
    user_id          TEXT NOT NULL,
    state            TEXT NOT NULL,
    consent_given    BOOLEAN NOT NULL DEFAULT FALSE,
    consent_at       TIMESTAMPTZ,
    patient_data     JSONB,
    transcript       JSONB,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    closed_at        TIMESTAMPTZ,
    close_reason     TEXT,
    last_event_id    TEXT,
    last_directive   JSONB
);
CREATE UNIQUE INDEX IF NOT EXISTS sessions_open_pair
    ON sessions (channel, user_id) WHERE state <> 'closed';

CREATE TABLE IF NOT EXISTS patient_records (
    session_id       UUID PRIMARY KEY,
    channel          TEXT NOT NULL,
    user_id          TEXT NOT NULL,
    consent_given    BOOLEAN NOT NULL,
    consent_at       TIMESTAMPTZ,
    patient_data     JSONB,
    transcript       JSONB,
    created_at       TIMESTAMPTZ NOT NULL,
    closed_at        TIMESTAMPTZ,
    close_reason     TEXT,
    last_event_id    TEXT,
    last_directive   JSONB,
    archived_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS patient_records_pair
    ON patient_records (channel, user_id, archived_at DESC);
`

// Migrate applies the session schema. Idempotent, run at startup.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply session schema: %w", err)
	}
	return nil
}

// PostgresStore persists sessions in Postgres via database/sql and lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing connection pool. The caller owns the
// pool's lifecycle.
func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

const sessionColumns = `id, channel, user_id, state, consent_given, consent_at,
    patient_data, transcript, created_at, last_activity_at, closed_at,
    close_reason, last_event_id, last_directive`

// FindOpen returns the open session for the pair, or ErrNotFound.
func (p *PostgresStore) FindOpen(ctx context.Context, channel session.Channel, userID string) (*session.Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+`
         FROM sessions
         WHERE channel = $1 AND user_id = $2 AND state <> 'closed'`,
		channel, userID,
	)
	return scanSession(row)
}

// Create inserts a fresh session for the pair. The partial unique index makes
// the insert race-safe: a concurrent duplicate hits DO NOTHING and the loser
// re-reads the winner's row.
func (p *PostgresStore) Create(ctx context.Context, channel session.Channel, userID string) (*session.Session, error) {
	s := newSession(channel, userID)
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO sessions (id, channel, user_id, state, created_at, last_activity_at)
         VALUES ($1, $2, $3, $4, $5, $5)
         ON CONFLICT (channel, user_id) WHERE state <> 'closed' DO NOTHING`,
		s.ID, s.Channel, s.UserID, s.State, s.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: insert session: %v", ErrUnavailable, err)
	}
	// Either our row or the concurrent winner's.
	return p.FindOpen(ctx, channel, userID)
}

// Get returns a session by identifier from the open set or the archive.
func (p *PostgresStore) Get(ctx context.Context, id string) (*session.Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	row = p.db.QueryRowContext(ctx,
		`SELECT `+archivedColumns+`
         FROM patient_records WHERE session_id = $1`, id)
	return scanSession(row)
}

const archivedColumns = `session_id, channel, user_id, 'closed', consent_given,
    consent_at, patient_data, transcript, created_at, closed_at, closed_at,
    close_reason, last_event_id, last_directive`

// FindLatestArchived returns the pair's most recently archived session, or
// ErrNotFound.
func (p *PostgresStore) FindLatestArchived(ctx context.Context, channel session.Channel, userID string) (*session.Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+archivedColumns+`
         FROM patient_records
         WHERE channel = $1 AND user_id = $2
         ORDER BY archived_at DESC
         LIMIT 1`, channel, userID)
	return scanSession(row)
}

// Update persists the session's current state, refusing to touch a record
// that is already closed in storage.
func (p *PostgresStore) Update(ctx context.Context, s *session.Session) error {
	patientData, transcript, lastDirective, err := marshalJSONFields(s)
	if err != nil {
		return err
	}

	res, err := p.db.ExecContext(ctx,
		`UPDATE sessions
         SET state = $2, consent_given = $3, consent_at = $4, patient_data = $5,
             transcript = $6, last_activity_at = $7, closed_at = $8,
             close_reason = $9, last_event_id = $10, last_directive = $11
         WHERE id = $1 AND state <> 'closed'`,
		s.ID, s.State, s.ConsentGiven, s.ConsentAt, patientData,
		transcript, s.LastActivityAt, s.ClosedAt,
		nullString(s.CloseReason), nullString(s.LastEventID), lastDirective,
	)
	if err != nil {
		return fmt.Errorf("%w: update session %s: %v", ErrUnavailable, s.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: update session %s: %v", ErrUnavailable, s.ID, err)
	}
	if affected == 0 {
		var state string
		err := p.db.QueryRowContext(ctx, `SELECT state FROM sessions WHERE id = $1`, s.ID).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: inspect session %s: %v", ErrUnavailable, s.ID, err)
		}
		return ErrClosed
	}
	return nil
}

// Archive moves the session row into patient_records in one transaction.
func (p *PostgresStore) Archive(ctx context.Context, s *session.Session) error {
	patientData, transcript, lastDirective, err := marshalJSONFields(s)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin archive: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO patient_records (session_id, channel, user_id, consent_given,
             consent_at, patient_data, transcript, created_at, closed_at,
             close_reason, last_event_id, last_directive)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
         ON CONFLICT (session_id) DO NOTHING`,
		s.ID, s.Channel, s.UserID, s.ConsentGiven, s.ConsentAt,
		patientData, transcript, s.CreatedAt, s.ClosedAt,
		nullString(s.CloseReason), nullString(s.LastEventID), lastDirective,
	)
	if err != nil {
		return fmt.Errorf("%w: archive session %s: %v", ErrUnavailable, s.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, s.ID); err != nil {
		return fmt.Errorf("%w: remove open session %s: %v", ErrUnavailable, s.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit archive: %v", ErrUnavailable, err)
	}
	return nil
}

// ListInactive returns open sessions with no activity since the cutoff.
func (p *PostgresStore) ListInactive(ctx context.Context, before time.Time) ([]*session.Session, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+sessionColumns+`
         FROM sessions
         WHERE state <> 'closed' AND last_activity_at < $1`, before)
	if err != nil {
		return nil, fmt.Errorf("%w: list inactive: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var (
		s             session.Session
		consentAt     sql.NullTime
		patientData   []byte
		transcript    []byte
		closedAt      sql.NullTime
		closeReason   sql.NullString
		lastEventID   sql.NullString
		lastDirective []byte
	)
	err := row.Scan(&s.ID, &s.Channel, &s.UserID, &s.State, &s.ConsentGiven,
		&consentAt, &patientData, &transcript, &s.CreatedAt, &s.LastActivityAt,
		&closedAt, &closeReason, &lastEventID, &lastDirective)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan session: %v", ErrUnavailable, err)
	}

	if consentAt.Valid {
		s.ConsentAt = &consentAt.Time
	}
	if closedAt.Valid {
		s.ClosedAt = &closedAt.Time
	}
	s.CloseReason = closeReason.String
	s.LastEventID = lastEventID.String
	if len(patientData) > 0 {
		s.PatientData = session.PatientData(patientData)
	}
	if len(transcript) > 0 {
		if err := json.Unmarshal(transcript, &s.Transcript); err != nil {
			return nil, fmt.Errorf("decode transcript for session %s: %w", s.ID, err)
		}
	}
	if len(lastDirective) > 0 {
		var d session.Directive
		if err := json.Unmarshal(lastDirective, &d); err != nil {
			return nil, fmt.Errorf("decode directive for session %s: %w", s.ID, err)
		}
		s.LastDirective = &d
	}
	return &s, nil
}

func marshalJSONFields(s *session.Session) (patientData, transcript, lastDirective []byte, err error) {
	if !s.PatientData.Empty() {
		patientData = []byte(s.PatientData)
	}
	if len(s.Transcript) > 0 {
		transcript, err = json.Marshal(s.Transcript)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode transcript: %w", err)
		}
	}
	if s.LastDirective != nil {
		lastDirective, err = json.Marshal(s.LastDirective)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode directive: %w", err)
		}
	}
	return patientData, transcript, lastDirective, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
