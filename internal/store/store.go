// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package store

import "context"

// SessionStore persists sessions and their ordered turns.
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	// UpdateSession rewrites session metadata (title, last activity) in place.
	UpdateSession(ctx context.Context, session *Session) error
	// ListSessions returns sessions ordered by last activity, newest first.
	ListSessions(ctx context.Context, opts ListOpts) ([]*Session, error)
	// DeleteSession removes the session and all of its turns.
	DeleteSession(ctx context.Context, id string) error

	// AppendTurn atomically appends a completed turn, assigns its Seq and
	// bumps the session's last activity. ID and CreatedAt are filled in
	// when empty.
	AppendTurn(ctx context.Context, turn *Turn) error
	// ListTurns returns every turn of the session in append order.
	ListTurns(ctx context.Context, sessionID string) ([]*Turn, error)

	Close() error
}
