// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package host

import (
	"context"
	"sync"

	"github.com/kernitus/neoai.nvim-sub001/internal/envelope"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// Link points at the capability host currently attached, if any. The agent
// holds a Link rather than a Conn so a host can reconnect without rebuilding
// the dispatcher.
type Link struct {
	mu   sync.RWMutex
	conn *Conn
}

// NewLink returns a Link with no host attached.
func NewLink() *Link {
	return &Link{}
}

// Attach makes c the current host. Only one host may be attached at a time.
func (l *Link) Attach(c *Conn) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		select {
		case <-l.conn.Done():
		default:
			return neoerr.New(neoerr.CodeHostAlreadyConnected, "a capability host is already attached")
		}
	}
	l.conn = c
	return nil
}

// Detach clears the current host if it is c.
func (l *Link) Detach(c *Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == c {
		l.conn = nil
	}
}

// Current returns the attached host or nil.
func (l *Link) Current() *Conn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conn
}

// BeginToolCall forwards to the attached host.
func (l *Link) BeginToolCall(ctx context.Context, sessionID string, req envelope.ToolCallRequest) (Waiter, error) {
	c := l.Current()
	if c == nil {
		return nil, ErrClosed
	}
	return c.BeginToolCall(ctx, sessionID, req)
}

// SendChunk forwards to the attached host.
func (l *Link) SendChunk(sessionID, correlationID string, chunk envelope.StreamChunk) error {
	c := l.Current()
	if c == nil {
		return ErrClosed
	}
	return c.SendChunk(sessionID, correlationID, chunk)
}

// Forget forwards to the attached host.
func (l *Link) Forget(sessionID string) {
	if c := l.Current(); c != nil {
		c.Forget(sessionID)
	}
}
