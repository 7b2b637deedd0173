package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/veridian-labs/aria/internal/turn"
)

// Schema is the SQL DDL for the session tables. Execute it via
// [Postgres.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS live_sessions (
    id         UUID PRIMARY KEY,
    model      TEXT NOT NULL DEFAULT '',
    voice      TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    ended_at   TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS audio_blobs (
    id          UUID PRIMARY KEY,
    sample_rate INTEGER NOT NULL,
    pcm         BYTEA NOT NULL
);
CREATE TABLE IF NOT EXISTS live_messages (
    id          UUID PRIMARY KEY,
    session_id  UUID NOT NULL REFERENCES live_sessions(id) ON DELETE CASCADE,
    role        TEXT NOT NULL,
    audio_id    UUID NOT NULL REFERENCES audio_blobs(id) ON DELETE CASCADE,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    transcript  TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_live_messages_session ON live_messages(session_id, created_at);
`

// DB is the database interface used by [Postgres]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres is a [Store] backed by a PostgreSQL database.
type Postgres struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*Postgres)(nil)

// NewPostgres creates a [Postgres] using the given connection or pool. The
// caller is responsible for calling [Postgres.Migrate] before issuing
// queries.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate executes the [Schema] DDL, creating the session tables and index
// if they do not already exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// CreateSession implements [Store.CreateSession].
func (s *Postgres) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = newID()
	}

	const query = `
		INSERT INTO live_sessions (id, model, voice, started_at)
		VALUES ($1, $2, $3, $4)
		RETURNING started_at`

	err := s.db.QueryRow(ctx, query,
		sess.ID, sess.Model, sess.Voice, orNow(sess.StartedAt),
	).Scan(&sess.StartedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: session %q: %w", sess.ID, ErrDuplicateID)
		}
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// EndSession implements [Store.EndSession].
func (s *Postgres) EndSession(ctx context.Context, id string) error {
	const query = `UPDATE live_sessions SET ended_at = now() WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("store: end session %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: end session %q: %w", id, ErrNotFound)
	}
	return nil
}

// AppendMessage implements [Store.AppendMessage].
func (s *Postgres) AppendMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = newID()
	}

	const query = `
		INSERT INTO live_messages (id, session_id, role, audio_id, duration_ms, transcript, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	err := s.db.QueryRow(ctx, query,
		m.ID, m.SessionID, string(m.Role), m.AudioID, m.DurationMs, m.Transcript, orNow(m.CreatedAt),
	).Scan(&m.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: message %q: %w", m.ID, ErrDuplicateID)
		}
		return fmt.Errorf("store: append message: %w", err)
	}
	return nil
}

// SaveAudio implements [Store.SaveAudio].
func (s *Postgres) SaveAudio(ctx context.Context, b *AudioBlob) error {
	if b.ID == "" {
		b.ID = newID()
	}

	const query = `INSERT INTO audio_blobs (id, sample_rate, pcm) VALUES ($1, $2, $3)`
	if _, err := s.db.Exec(ctx, query, b.ID, b.SampleRate, b.PCM); err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: blob %q: %w", b.ID, ErrDuplicateID)
		}
		return fmt.Errorf("store: save audio: %w", err)
	}
	return nil
}

// Messages implements [Store.Messages].
func (s *Postgres) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	const query = `
		SELECT id, session_id, role, audio_id, duration_ms, transcript, created_at
		FROM live_messages
		WHERE session_id = $1
		ORDER BY created_at, id`

	rows, err := s.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.AudioID, &m.DurationMs, &m.Transcript, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: list messages scan: %w", err)
		}
		m.Role = turn.Role(role)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	return msgs, nil
}

// Audio implements [Store.Audio].
func (s *Postgres) Audio(ctx context.Context, id string) (*AudioBlob, error) {
	const query = `SELECT id, sample_rate, pcm FROM audio_blobs WHERE id = $1`

	var b AudioBlob
	err := s.db.QueryRow(ctx, query, id).Scan(&b.ID, &b.SampleRate, &b.PCM)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: audio %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get audio %q: %w", id, err)
	}
	return &b, nil
}

// orNow substitutes the current time for an unset timestamp.
func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
