// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package agent

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/kernitus/neoai.nvim-sub001/internal/envelope"
	"github.com/kernitus/neoai.nvim-sub001/internal/store"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// HostHandler answers requests and notifications from the capability host.
type HostHandler struct {
	sessions    *SessionManager
	registry    *Registry
	diagnostics *DiagnosticsController
	logger      *slog.Logger
}

// NewHostHandler creates a HostHandler. diagnostics may be nil.
func NewHostHandler(sessions *SessionManager, registry *Registry, diagnostics *DiagnosticsController, logger *slog.Logger) *HostHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostHandler{
		sessions:    sessions,
		registry:    registry,
		diagnostics: diagnostics,
		logger:      logger,
	}
}

type chatParams struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type sessionParams struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
}

type listParams struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type registerParams struct {
	Tools []ToolSpec `json:"tools"`
}

// HandleRequest dispatches one request envelope by method. The envelope's
// session id is used when params leave it out.
func (h *HostHandler) HandleRequest(ctx context.Context, env envelope.Envelope, req envelope.Request) (any, error) {
	logger := h.logger.With("method", req.Method, "correlation_id", env.CorrelationID)
	logger.Debug("host request")

	switch req.Method {
	case envelope.MethodChat:
		var p chatParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		id := firstNonEmpty(p.SessionID, env.SessionID)
		outcome, err := h.sessions.Chat(WithCorrelationID(ctx, env.CorrelationID), id, p.Message)
		if err != nil {
			return nil, err
		}
		return outcome, nil

	case envelope.MethodCancel:
		var p sessionParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		id := firstNonEmpty(p.SessionID, env.SessionID, h.sessions.Active())
		return map[string]bool{"cancelled": h.sessions.Cancel(id)}, nil

	case envelope.MethodSessionCreate:
		var p sessionParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		s, err := h.sessions.Create(ctx, p.Title)
		if err != nil {
			return nil, err
		}
		return h.sessions.Summary(ctx, s.ID)

	case envelope.MethodSessionSwitch:
		id, err := h.sessionID(env, req)
		if err != nil {
			return nil, err
		}
		if _, err := h.sessions.Switch(ctx, id); err != nil {
			return nil, err
		}
		return h.sessions.Summary(ctx, id)

	case envelope.MethodSessionRename:
		var p sessionParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		id := firstNonEmpty(p.SessionID, env.SessionID)
		if _, err := h.sessions.Rename(ctx, id, p.Title); err != nil {
			return nil, err
		}
		return h.sessions.Summary(ctx, id)

	case envelope.MethodSessionDelete:
		id, err := h.sessionID(env, req)
		if err != nil {
			return nil, err
		}
		if err := h.sessions.Delete(ctx, id); err != nil {
			return nil, err
		}
		return map[string]string{"deleted": id}, nil

	case envelope.MethodSessionList:
		var p listParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		return h.sessions.List(ctx, store.ListOpts{Limit: p.Limit, Offset: p.Offset})

	case envelope.MethodSessionHistory:
		id, err := h.sessionID(env, req)
		if err != nil {
			return nil, err
		}
		return h.sessions.History(ctx, id)

	case envelope.MethodToolsRegister:
		var p registerParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		if err := h.registry.RegisterAll(p.Tools); err != nil {
			return nil, err
		}
		logger.Info("host registered tools", "count", len(p.Tools))
		return map[string]int{"registered": len(p.Tools)}, nil

	default:
		return nil, neoerr.Errorf(neoerr.CodeHostMethodNotFound, "unknown method %q", req.Method)
	}
}

// HandleNotification reacts to unsolicited host events.
func (h *HostHandler) HandleNotification(sessionID string, n envelope.Notification) {
	switch n.Event {
	case envelope.EventFileDeleted:
		if h.diagnostics != nil && n.Path != "" {
			h.diagnostics.DiscardPath(n.Path)
		}
		h.logger.Debug("file deleted", "path", n.Path, "session_id", sessionID)
	default:
		h.logger.Debug("ignoring host notification", "event", n.Event, "path", n.Path)
	}
}

func (h *HostHandler) sessionID(env envelope.Envelope, req envelope.Request) (string, error) {
	var p sessionParams
	if err := decodeParams(req, &p); err != nil {
		return "", err
	}
	id := firstNonEmpty(p.SessionID, env.SessionID)
	if id == "" {
		return "", neoerr.Errorf(neoerr.CodeHostRequestInvalid, "%s requires a session_id", req.Method)
	}
	return id, nil
}

func decodeParams(req envelope.Request, v any) error {
	if len(req.Params) == 0 || string(req.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return neoerr.Wrapf(err, neoerr.CodeHostRequestInvalid, "decoding %s params", req.Method)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
