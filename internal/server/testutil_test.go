// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kernitus/neoai.nvim-sub001/internal/agent"
	"github.com/kernitus/neoai.nvim-sub001/internal/server"
	"github.com/kernitus/neoai.nvim-sub001/internal/store"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// fakeSessions is a SessionService over the in-memory store. Chat replies
// with an echo unless chatErr or chatOutcome is set.
type fakeSessions struct {
	st *store.MemoryStore

	mu          sync.Mutex
	seq         int
	chatErr     error
	chatOutcome *agent.TurnOutcome
	cancelled   []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{st: store.NewMemoryStore()}
}

func (f *fakeSessions) Create(ctx context.Context, title string) (*store.Session, error) {
	f.mu.Lock()
	f.seq++
	id := fmt.Sprintf("s%d", f.seq)
	f.mu.Unlock()
	if title == "" {
		title = "New session"
	}
	now := time.Now().UTC()
	s := &store.Session{ID: id, Title: title, CreatedAt: now, LastActivityAt: now}
	if err := f.st.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (f *fakeSessions) Summary(ctx context.Context, id string) (agent.SessionSummary, error) {
	s, err := f.st.GetSession(ctx, id)
	if err != nil {
		return agent.SessionSummary{}, err
	}
	return agent.SessionSummary{ID: s.ID, Title: s.Title, CreatedAt: s.CreatedAt, LastActivityAt: s.LastActivityAt}, nil
}

func (f *fakeSessions) List(ctx context.Context, opts store.ListOpts) ([]agent.SessionSummary, error) {
	sessions, err := f.st.ListSessions(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := make([]agent.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, agent.SessionSummary{ID: s.ID, Title: s.Title})
	}
	return out, nil
}

func (f *fakeSessions) Rename(ctx context.Context, id, title string) (*store.Session, error) {
	s, err := f.st.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Title = title
	return s, f.st.UpdateSession(ctx, s)
}

func (f *fakeSessions) Delete(ctx context.Context, id string) error {
	return f.st.DeleteSession(ctx, id)
}

func (f *fakeSessions) History(ctx context.Context, id string) ([]*store.Turn, error) {
	if _, err := f.st.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return f.st.ListTurns(ctx, id)
}

func (f *fakeSessions) Chat(ctx context.Context, id, text string) (*agent.TurnOutcome, error) {
	f.mu.Lock()
	chatErr, outcome := f.chatErr, f.chatOutcome
	f.mu.Unlock()
	if chatErr != nil {
		return outcome, chatErr
	}
	if _, err := f.st.GetSession(ctx, id); err != nil {
		return nil, err
	}
	for _, turn := range []*store.Turn{
		{SessionID: id, Kind: store.TurnUserMessage, Text: text},
		{SessionID: id, Kind: store.TurnAssistantMessage, Text: "echo: " + text},
	} {
		if err := f.st.AppendTurn(ctx, turn); err != nil {
			return nil, err
		}
	}
	return &agent.TurnOutcome{SessionID: id, State: agent.StateDone, Text: "echo: " + text, Iterations: 1}, nil
}

func (f *fakeSessions) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return id == "running"
}

func (f *fakeSessions) setChat(outcome *agent.TurnOutcome, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatOutcome, f.chatErr = outcome, err
}

var _ server.SessionService = (*fakeSessions)(nil)

var errBusy = neoerr.New(neoerr.CodeAgentSessionBusy, "a turn is already running")

func newServer(t *testing.T, cfg server.Config, svc server.Services) *server.Server {
	t.Helper()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	if svc.Sessions == nil {
		svc.Sessions = newFakeSessions()
	}
	srv, err := server.New(cfg, svc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

// do sends a request through the handler and returns the recorder.
func do(t *testing.T, h http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}
