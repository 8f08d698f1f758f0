// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/kernitus/neoai.nvim-sub001/internal/store"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// Compile-time interface check.
var _ store.SessionStore = (*SessionStore)(nil)

// SessionStore implements store.SessionStore backed by SQLite.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore opens (or creates) a SQLite database at dbPath and
// initialises the sessions and turns tables.
func NewSessionStore(dbPath string) (*SessionStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating sqlite db: %w", err)
	}

	return &SessionStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	last_activity_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity_at DESC);

CREATE TABLE IF NOT EXISTS turns (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	kind        TEXT NOT NULL,
	body        TEXT NOT NULL DEFAULT '{}',
	created_at  TEXT NOT NULL,
	UNIQUE (session_id, seq),
	FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
`
	_, err := db.Exec(ddl)
	return err
}

// Close closes the underlying database connection.
func (s *SessionStore) Close() error {
	return s.db.Close()
}

func (s *SessionStore) CreateSession(ctx context.Context, session *store.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	last := session.LastActivityAt
	if last.IsZero() {
		last = session.CreatedAt
	}

	const q = `INSERT INTO sessions (id, title, created_at, last_activity_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, session.ID, session.Title, formatTime(session.CreatedAt), formatTime(last))
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
			return neoerr.Wrap(err, neoerr.CodeStoreSessionCreateConflict, "session already exists",
				neoerr.FieldSessionID(session.ID))
		}
		return neoerr.Wrapf(err, neoerr.CodeStoreDatabaseFailure, "creating session %s", session.ID)
	}
	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (*store.Session, error) {
	const q = `SELECT id, title, created_at, last_activity_at FROM sessions WHERE id = ?`

	sess, err := scanSession(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, neoerr.Wrapf(err, neoerr.CodeStoreDatabaseFailure, "getting session %s", id)
	}
	return sess, nil
}

func (s *SessionStore) UpdateSession(ctx context.Context, session *store.Session) error {
	// last_activity_at only moves forward.
	const q = `UPDATE sessions SET title = ?,
last_activity_at = CASE WHEN ? > last_activity_at THEN ? ELSE last_activity_at END
WHERE id = ?`

	last := formatTime(session.LastActivityAt)
	result, err := s.db.ExecContext(ctx, q, session.Title, last, last, session.ID)
	if err != nil {
		return neoerr.Wrapf(err, neoerr.CodeStoreDatabaseFailure, "updating session %s", session.ID)
	}
	return expectOneRow(result, session.ID)
}

func (s *SessionStore) ListSessions(ctx context.Context, opts store.ListOpts) ([]*store.Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}

	const q = `SELECT id, title, created_at, last_activity_at FROM sessions
ORDER BY last_activity_at DESC, created_at DESC, id ASC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, q, limit, opts.Offset)
	if err != nil {
		return nil, neoerr.Wrap(err, neoerr.CodeStoreDatabaseFailure, "listing sessions")
	}
	defer rows.Close()

	sessions := []*store.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, neoerr.Wrap(err, neoerr.CodeStoreDatabaseFailure, "scanning session row")
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return neoerr.Wrapf(err, neoerr.CodeStoreDatabaseFailure, "deleting session %s", id)
	}
	return expectOneRow(result, id)
}

// AppendTurn inserts the turn and bumps the session's last activity in one
// transaction so a crash never leaves a half-written turn.
func (s *SessionStore) AppendTurn(ctx context.Context, turn *store.Turn) (err error) {
	if err := turn.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(turn.Body())
	if err != nil {
		return neoerr.Wrap(err, neoerr.CodeStoreTurnAppendInvalid, "marshalling turn body",
			neoerr.FieldSessionID(turn.SessionID))
	}

	id := turn.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return neoerr.Wrap(err, neoerr.CodeStoreDatabaseFailure, "beginning append")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const bump = `UPDATE sessions SET last_activity_at = CASE WHEN ? > last_activity_at THEN ? ELSE last_activity_at END
WHERE id = ?`
	ts := formatTime(createdAt)
	result, err := tx.ExecContext(ctx, bump, ts, ts, turn.SessionID)
	if err != nil {
		return neoerr.Wrapf(err, neoerr.CodeStoreDatabaseFailure, "touching session %s", turn.SessionID)
	}
	if err = expectOneRow(result, turn.SessionID); err != nil {
		return err
	}

	var seq int64
	if err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE session_id = ?`,
		turn.SessionID).Scan(&seq); err != nil {
		return neoerr.Wrap(err, neoerr.CodeStoreDatabaseFailure, "allocating turn sequence")
	}

	const insert = `INSERT INTO turns (id, session_id, seq, kind, body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err = tx.ExecContext(ctx, insert, id, turn.SessionID, seq, string(turn.Kind), string(body), ts); err != nil {
		return neoerr.Wrapf(err, neoerr.CodeStoreDatabaseFailure, "appending turn to session %s", turn.SessionID)
	}

	if err = tx.Commit(); err != nil {
		return neoerr.Wrap(err, neoerr.CodeStoreDatabaseFailure, "committing append")
	}

	turn.ID = id
	turn.CreatedAt = createdAt
	turn.Seq = seq
	return nil
}

func (s *SessionStore) ListTurns(ctx context.Context, sessionID string) ([]*store.Turn, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	const q = `SELECT id, session_id, seq, kind, body, created_at FROM turns WHERE session_id = ? ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, neoerr.Wrapf(err, neoerr.CodeStoreDatabaseFailure, "listing turns for session %s", sessionID)
	}
	defer rows.Close()

	turns := []*store.Turn{}
	for rows.Next() {
		var t store.Turn
		var kind, body, createdAt string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Seq, &kind, &body, &createdAt); err != nil {
			return nil, neoerr.Wrap(err, neoerr.CodeStoreDatabaseFailure, "scanning turn row")
		}
		t.Kind = store.TurnKind(kind)
		t.CreatedAt = parseTime(createdAt)

		var b store.TurnBody
		if err := json.Unmarshal([]byte(body), &b); err != nil {
			return nil, neoerr.Wrap(err, neoerr.CodeStoreDatabaseFailure, "unmarshalling turn body")
		}
		b.Apply(&t)
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*store.Session, error) {
	var sess store.Session
	var createdAt, lastActivity string
	if err := row.Scan(&sess.ID, &sess.Title, &createdAt, &lastActivity); err != nil {
		return nil, err
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.LastActivityAt = parseTime(lastActivity)
	return &sess, nil
}

func expectOneRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return neoerr.Wrapf(err, neoerr.CodeStoreDatabaseFailure, "checking rows affected for session %s", id)
	}
	if rows == 0 {
		return notFound(id)
	}
	return nil
}

func notFound(id string) error {
	return neoerr.New(neoerr.CodeStoreSessionGetNotFound, "session not found", neoerr.FieldSessionID(id))
}

// timeLayout is fixed width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeLayout, s)
	return t
}
