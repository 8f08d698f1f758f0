// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// Compile-time interface check.
var _ SessionStore = (*MemoryStore)(nil)

// MemoryStore is an in-process SessionStore. Nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	turns    map[string][]*Turn
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		turns:    make(map[string][]*Turn),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, session *Session) error {
	if err := session.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; ok {
		return neoerr.New(neoerr.CodeStoreSessionCreateConflict, "session already exists",
			neoerr.FieldSessionID(session.ID))
	}
	cp := *session
	if cp.LastActivityAt.IsZero() {
		cp.LastActivityAt = cp.CreatedAt
	}
	m.sessions[session.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[session.ID]
	if !ok {
		return notFound(session.ID)
	}
	s.Title = session.Title
	if !session.LastActivityAt.IsZero() {
		s.LastActivityAt = session.LastActivityAt
	}
	return nil
}

func (m *MemoryStore) ListSessions(_ context.Context, opts ListOpts) ([]*Session, error) {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	SortByActivity(out)
	return paginate(out, opts), nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return notFound(id)
	}
	delete(m.sessions, id)
	delete(m.turns, id)
	return nil
}

func (m *MemoryStore) AppendTurn(_ context.Context, turn *Turn) error {
	if err := turn.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[turn.SessionID]
	if !ok {
		return notFound(turn.SessionID)
	}

	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	turn.Seq = int64(len(m.turns[turn.SessionID]) + 1)

	cp := *turn
	m.turns[turn.SessionID] = append(m.turns[turn.SessionID], &cp)
	if turn.CreatedAt.After(s.LastActivityAt) {
		s.LastActivityAt = turn.CreatedAt
	}
	return nil
}

func (m *MemoryStore) ListTurns(_ context.Context, sessionID string) ([]*Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, notFound(sessionID)
	}
	out := make([]*Turn, 0, len(m.turns[sessionID]))
	for _, t := range m.turns[sessionID] {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

// SortByActivity orders sessions by last activity, newest first. Ties are
// broken by creation time and then id so the order is stable.
func SortByActivity(sessions []*Session) {
	slices.SortStableFunc(sessions, func(a, b *Session) int {
		if c := b.LastActivityAt.Compare(a.LastActivityAt); c != 0 {
			return c
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

func paginate(sessions []*Session, opts ListOpts) []*Session {
	if opts.Offset > 0 {
		if opts.Offset >= len(sessions) {
			return []*Session{}
		}
		sessions = sessions[opts.Offset:]
	}
	if opts.Limit > 0 && len(sessions) > opts.Limit {
		sessions = sessions[:opts.Limit]
	}
	return sessions
}

func notFound(id string) error {
	return neoerr.New(neoerr.CodeStoreSessionGetNotFound, "session not found", neoerr.FieldSessionID(id))
}
