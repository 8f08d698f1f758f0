// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/kernitus/neoai.nvim-sub001/internal/envelope"
	"github.com/kernitus/neoai.nvim-sub001/internal/host"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// HostSocket accepts capability host connections over websocket. Each text
// message carries newline-terminated envelope frames, the same framing as
// the stdio transport. At most one host is attached at a time.
type HostSocket struct {
	link          *host.Link
	requests      host.RequestHandler
	notifications host.NotificationHandler
	origins       []string
	logger        *slog.Logger

	// ctx bounds the life of every accepted connection.
	ctx context.Context
}

// HostSocketConfig configures a HostSocket.
type HostSocketConfig struct {
	Link          *host.Link
	Requests      host.RequestHandler
	Notifications host.NotificationHandler
	// OriginPatterns lists extra origins allowed to connect. Same-host
	// origins and non-browser clients are always accepted.
	OriginPatterns []string
	Logger         *slog.Logger
}

// NewHostSocket returns a handler that attaches hosts to cfg.Link. ctx ends
// every connection it accepted when cancelled.
func NewHostSocket(ctx context.Context, cfg HostSocketConfig) (*HostSocket, error) {
	if cfg.Link == nil {
		return nil, neoerr.New(neoerr.CodeServerConfigInvalid, "host link is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HostSocket{
		link:          cfg.Link,
		requests:      cfg.Requests,
		notifications: cfg.Notifications,
		origins:       cfg.OriginPatterns,
		logger:        cfg.Logger,
		ctx:           ctx,
	}, nil
}

// ServeHTTP upgrades the request and serves the host until either side
// hangs up.
func (h *HostSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if cur := h.link.Current(); cur != nil {
		select {
		case <-cur.Done():
		default:
			writeProblem(w, http.StatusConflict, "a capability host is already attached")
			return
		}
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("host websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(int64(envelope.MaxFrameSize) + 1)

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	opts := []host.Option{host.WithLogger(h.logger.With("remote", r.RemoteAddr))}
	if h.requests != nil {
		opts = append(opts, host.WithRequestHandler(h.requests))
	}
	if h.notifications != nil {
		opts = append(opts, host.WithNotificationHandler(h.notifications))
	}
	conn := host.NewConn(websocket.NetConn(ctx, ws, websocket.MessageText), opts...)

	if err := h.link.Attach(conn); err != nil {
		// Lost a race with another host.
		_ = ws.Close(websocket.StatusPolicyViolation, "a capability host is already attached")
		return
	}
	defer h.link.Detach(conn)

	h.logger.Info("capability host attached", "remote", r.RemoteAddr)
	if err := conn.Serve(ctx); err != nil {
		h.logger.Warn("capability host connection ended", "remote", r.RemoteAddr, "error", err)
		return
	}
	h.logger.Info("capability host detached", "remote", r.RemoteAddr)
}
