// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/kernitus/neoai.nvim-sub001/internal/agent"
	"github.com/kernitus/neoai.nvim-sub001/internal/store"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "api-health",
		Method:      http.MethodGet,
		Path:        "/api/v1/health",
		Summary:     "Orchestrator health",
		Tags:        []string{"system"},
	}, s.handleHealth)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions",
		Summary:     "List sessions, most recently active first",
		Tags:        []string{"sessions"},
	}, s.handleListSessions)

	huma.Register(s.api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/api/v1/sessions",
		Summary:       "Create a session and make it active",
		Tags:          []string{"sessions"},
		DefaultStatus: http.StatusCreated,
	}, s.handleCreateSession)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions/{id}",
		Summary:     "Get a session",
		Tags:        []string{"sessions"},
	}, s.handleGetSession)

	huma.Register(s.api, huma.Operation{
		OperationID: "rename-session",
		Method:      http.MethodPatch,
		Path:        "/api/v1/sessions/{id}",
		Summary:     "Rename a session",
		Tags:        []string{"sessions"},
	}, s.handleRenameSession)

	huma.Register(s.api, huma.Operation{
		OperationID:   "delete-session",
		Method:        http.MethodDelete,
		Path:          "/api/v1/sessions/{id}",
		Summary:       "Delete a session, cancelling any running turn",
		Tags:          []string{"sessions"},
		DefaultStatus: http.StatusNoContent,
	}, s.handleDeleteSession)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-turns",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions/{id}/turns",
		Summary:     "Session history in order",
		Tags:        []string{"sessions"},
	}, s.handleListTurns)

	huma.Register(s.api, huma.Operation{
		OperationID: "send-message",
		Method:      http.MethodPost,
		Path:        "/api/v1/sessions/{id}/messages",
		Summary:     "Run one user turn to completion",
		Description: "Blocks until the turn reaches Done or Errored. Subscribe to the events stream to watch it progress.",
		Tags:        []string{"turns"},
	}, s.handleSendMessage)

	huma.Register(s.api, huma.Operation{
		OperationID: "cancel-turn",
		Method:      http.MethodPost,
		Path:        "/api/v1/sessions/{id}/cancel",
		Summary:     "Cancel the running turn",
		Tags:        []string{"turns"},
	}, s.handleCancel)
}

// --- Request/Response types for huma ---

type healthOutput struct {
	Body struct {
		Status        string           `json:"status" example:"ok"`
		HostConnected bool             `json:"host_connected" doc:"Whether a capability host is attached"`
		Providers     []ProviderHealth `json:"providers"`
	}
}

type listSessionsInput struct {
	Limit  int `query:"limit" minimum:"0" maximum:"500" doc:"Maximum sessions to return; 0 means all"`
	Offset int `query:"offset" minimum:"0"`
}

type listSessionsOutput struct {
	Body struct {
		Sessions []agent.SessionSummary `json:"sessions"`
	}
}

type createSessionInput struct {
	Body struct {
		Title string `json:"title,omitempty" maxLength:"200" doc:"Defaults to \"New session\""`
	}
}

type sessionIDInput struct {
	ID string `path:"id" minLength:"1"`
}

type sessionOutput struct {
	Body agent.SessionSummary
}

type renameSessionInput struct {
	ID   string `path:"id" minLength:"1"`
	Body struct {
		Title string `json:"title" minLength:"1" maxLength:"200"`
	}
}

type listTurnsOutput struct {
	Body struct {
		Turns []*store.Turn `json:"turns"`
	}
}

type sendMessageInput struct {
	ID   string `path:"id" minLength:"1"`
	Body struct {
		Content string `json:"content" minLength:"1" doc:"User message"`
	}
}

type sendMessageOutput struct {
	Body *agent.TurnOutcome
}

type cancelOutput struct {
	Body struct {
		Cancelled bool `json:"cancelled" doc:"False when no turn was running"`
	}
}

// --- Handlers ---

func (s *Server) handleHealth(ctx context.Context, _ *struct{}) (*healthOutput, error) {
	out := &healthOutput{}
	out.Body.Status = "ok"
	if s.svc.HostConnected != nil {
		out.Body.HostConnected = s.svc.HostConnected()
	}
	out.Body.Providers = []ProviderHealth{}
	if s.svc.Providers != nil {
		out.Body.Providers = s.svc.Providers.Health(ctx)
	}
	return out, nil
}

func (s *Server) handleListSessions(ctx context.Context, input *listSessionsInput) (*listSessionsOutput, error) {
	sessions, err := s.svc.Sessions.List(ctx, store.ListOpts{Limit: input.Limit, Offset: input.Offset})
	if err != nil {
		return nil, s.httpError("listing sessions", err)
	}
	out := &listSessionsOutput{}
	out.Body.Sessions = sessions
	if out.Body.Sessions == nil {
		out.Body.Sessions = []agent.SessionSummary{}
	}
	return out, nil
}

func (s *Server) handleCreateSession(ctx context.Context, input *createSessionInput) (*sessionOutput, error) {
	created, err := s.svc.Sessions.Create(ctx, input.Body.Title)
	if err != nil {
		return nil, s.httpError("creating session", err)
	}
	return s.summary(ctx, created.ID)
}

func (s *Server) handleGetSession(ctx context.Context, input *sessionIDInput) (*sessionOutput, error) {
	return s.summary(ctx, input.ID)
}

func (s *Server) handleRenameSession(ctx context.Context, input *renameSessionInput) (*sessionOutput, error) {
	if _, err := s.svc.Sessions.Rename(ctx, input.ID, input.Body.Title); err != nil {
		return nil, s.httpError("renaming session", err)
	}
	return s.summary(ctx, input.ID)
}

func (s *Server) handleDeleteSession(ctx context.Context, input *sessionIDInput) (*struct{}, error) {
	if err := s.svc.Sessions.Delete(ctx, input.ID); err != nil {
		return nil, s.httpError("deleting session", err)
	}
	return nil, nil
}

func (s *Server) handleListTurns(ctx context.Context, input *sessionIDInput) (*listTurnsOutput, error) {
	turns, err := s.svc.Sessions.History(ctx, input.ID)
	if err != nil {
		return nil, s.httpError("listing turns", err)
	}
	out := &listTurnsOutput{}
	out.Body.Turns = turns
	if out.Body.Turns == nil {
		out.Body.Turns = []*store.Turn{}
	}
	return out, nil
}

func (s *Server) handleSendMessage(ctx context.Context, input *sendMessageInput) (*sendMessageOutput, error) {
	outcome, err := s.svc.Sessions.Chat(ctx, input.ID, input.Body.Content)
	if outcome != nil {
		// A turn that ended in Errored is still a complete answer.
		return &sendMessageOutput{Body: outcome}, nil
	}
	return nil, s.httpError("running turn", err)
}

func (s *Server) handleCancel(_ context.Context, input *sessionIDInput) (*cancelOutput, error) {
	out := &cancelOutput{}
	out.Body.Cancelled = s.svc.Sessions.Cancel(input.ID)
	return out, nil
}

func (s *Server) summary(ctx context.Context, id string) (*sessionOutput, error) {
	sum, err := s.svc.Sessions.Summary(ctx, id)
	if err != nil {
		return nil, s.httpError("loading session", err)
	}
	return &sessionOutput{Body: sum}, nil
}

// httpError maps a coded error onto an HTTP error.
func (s *Server) httpError(op string, err error) error {
	return huma.NewError(s.problem(op, err))
}

// problem maps a coded error onto a status and detail. Server-side failures
// are logged and their detail withheld.
func (s *Server) problem(op string, err error) (int, string) {
	status := neoerr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", "error", err, "code", neoerr.CodeOf(err))
		return status, op + " failed"
	}
	return status, err.Error()
}
