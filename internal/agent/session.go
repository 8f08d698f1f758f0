// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kernitus/neoai.nvim-sub001/internal/store"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

const (
	defaultSessionTitle = "New session"
	autoTitleRunes      = 48
)

// SessionSummary is the listing view of a session.
type SessionSummary struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Running        bool      `json:"running"`
	Active         bool      `json:"active"`
}

// SessionManagerConfig holds dependencies for SessionManager.
type SessionManagerConfig struct {
	Store       store.SessionStore
	Loop        *Loop
	Diagnostics *DiagnosticsController
	Sink        *Sink
	// Forget drops transport state for a deleted session.
	Forget func(sessionID string)
	Logger *slog.Logger
	Now    func() time.Time
}

// SessionManager provides high-level operations on sessions. Operations on
// one session are serialized through its Lane; sessions are independent.
type SessionManager struct {
	ss          store.SessionStore
	loop        *Loop
	diagnostics *DiagnosticsController
	sink        *Sink
	forget      func(string)
	lanes       *LanePool
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	active string
}

// NewSessionManager returns a SessionManager backed by the given store.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if cfg.Store == nil {
		return nil, neoerr.New(neoerr.CodeAgentLoopInvalidInput, "Store is required")
	}
	if cfg.Loop == nil {
		return nil, neoerr.New(neoerr.CodeAgentLoopInvalidInput, "Loop is required")
	}
	m := &SessionManager{
		ss:          cfg.Store,
		loop:        cfg.Loop,
		diagnostics: cfg.Diagnostics,
		sink:        cfg.Sink,
		forget:      cfg.Forget,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.lanes = NewLanePool(m.logger)
	return m, nil
}

// Create persists a new session and makes it the active one.
func (m *SessionManager) Create(ctx context.Context, title string) (*store.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultSessionTitle
	}
	now := m.now()
	session := &store.Session{
		ID:             uuid.New().String(),
		Title:          title,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := m.ss.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active = session.ID
	m.mu.Unlock()

	m.logger.Info("session created", "session_id", session.ID)
	return session, nil
}

// Get retrieves a session by ID.
func (m *SessionManager) Get(ctx context.Context, id string) (*store.Session, error) {
	return m.ss.GetSession(ctx, id)
}

// Switch makes an existing session the active one.
func (m *SessionManager) Switch(ctx context.Context, id string) (*store.Session, error) {
	session, err := m.ss.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.active = id
	m.mu.Unlock()
	return session, nil
}

// Active returns the id of the active session, or "" when there is none.
func (m *SessionManager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Rename updates the session title in place.
func (m *SessionManager) Rename(ctx context.Context, id, title string) (*store.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, neoerr.New(neoerr.CodeStoreSessionInvalid, "title must not be empty", neoerr.FieldSessionID(id))
	}

	var session *store.Session
	err := m.lanes.Get(id).Submit(ctx, func(ctx context.Context) error {
		s, err := m.ss.GetSession(ctx, id)
		if err != nil {
			return err
		}
		s.Title = title
		if err := m.ss.UpdateSession(ctx, s); err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Delete cancels any running turn, waits for it to end and then removes the
// session with all of its turns.
func (m *SessionManager) Delete(ctx context.Context, id string) error {
	if _, err := m.ss.GetSession(ctx, id); err != nil {
		return err
	}

	// Turns queued behind the delete are refused by the loop.
	reopen, running := m.loop.Close(id)
	defer reopen()
	if running {
		m.logger.Info("cancelling running turn before delete", "session_id", id)
	}
	if err := m.loop.Wait(ctx, id); err != nil {
		return err
	}
	if m.diagnostics != nil {
		m.diagnostics.DiscardSession(id)
	}

	err := m.lanes.Get(id).Submit(ctx, func(ctx context.Context) error {
		return m.ss.DeleteSession(ctx, id)
	})
	if err != nil {
		return err
	}
	m.lanes.Remove(id)
	if m.sink != nil {
		_ = m.sink.Flush(ctx, id)
	}
	if m.forget != nil {
		m.forget(id)
	}

	m.mu.Lock()
	if m.active == id {
		m.active = ""
	}
	m.mu.Unlock()

	m.logger.Info("session deleted", "session_id", id)
	return nil
}

// List returns session summaries, most recently active first.
func (m *SessionManager) List(ctx context.Context, opts store.ListOpts) ([]SessionSummary, error) {
	sessions, err := m.ss.ListSessions(ctx, opts)
	if err != nil {
		return nil, err
	}
	active := m.Active()
	out := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, m.summary(s, active))
	}
	return out, nil
}

// Summary returns the listing view of one session.
func (m *SessionManager) Summary(ctx context.Context, id string) (SessionSummary, error) {
	s, err := m.ss.GetSession(ctx, id)
	if err != nil {
		return SessionSummary{}, err
	}
	return m.summary(s, m.Active()), nil
}

func (m *SessionManager) summary(s *store.Session, active string) SessionSummary {
	return SessionSummary{
		ID:             s.ID,
		Title:          s.Title,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		Running:        m.loop.Running(s.ID),
		Active:         s.ID == active,
	}
}

// History returns every persisted turn of the session in order.
func (m *SessionManager) History(ctx context.Context, id string) ([]*store.Turn, error) {
	return m.ss.ListTurns(ctx, id)
}

// Chat runs one user turn. An empty id targets the active session; when no
// session is active a new one is created, titled after the message.
// Deltas emitted by the turn are delivered before Chat returns.
func (m *SessionManager) Chat(ctx context.Context, id, text string) (*TurnOutcome, error) {
	if strings.TrimSpace(text) == "" {
		return nil, neoerr.New(neoerr.CodeAgentLoopInvalidInput, "message is empty")
	}
	if id == "" {
		id = m.Active()
	}
	if id == "" {
		session, err := m.Create(ctx, autoTitle(text))
		if err != nil {
			return nil, err
		}
		id = session.ID
	} else if _, err := m.ss.GetSession(ctx, id); err != nil {
		return nil, err
	}

	var outcome *TurnOutcome
	err := m.lanes.Get(id).Submit(ctx, func(ctx context.Context) error {
		out, err := m.loop.Run(ctx, id, text)
		if neoerr.HasCode(err, neoerr.CodeAgentSessionClosed) {
			return err
		}
		outcome = out
		return err
	})

	if m.sink != nil {
		if ferr := m.sink.Flush(ctx, id); ferr != nil {
			m.logger.Debug("stream flush interrupted", "session_id", id, "error", ferr)
		}
	}
	return outcome, err
}

// Cancel stops the running turn of a session, if any.
func (m *SessionManager) Cancel(id string) bool {
	return m.loop.Cancel(id)
}

// Close releases all session lanes.
func (m *SessionManager) Close() {
	m.lanes.Close()
}

func autoTitle(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(title) <= autoTitleRunes {
		return title
	}
	runes := []rune(title)
	return string(runes[:autoTitleRunes]) + "..."
}
