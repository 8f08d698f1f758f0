// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

// Package host manages the connection to the capability host: the editor
// process that executes tools and renders streamed output.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/kernitus/neoai.nvim-sub001/internal/envelope"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// ErrClosed is returned for calls that cannot complete because the host
// connection went away.
var ErrClosed = neoerr.New(neoerr.CodeHostConnClosed, "host connection closed")

// RequestHandler serves one inbound request. The returned value is marshalled
// into the Done payload; a non-nil error is sent as an Error envelope. Both
// carry the request's correlation id.
type RequestHandler func(ctx context.Context, env envelope.Envelope, req envelope.Request) (any, error)

// NotificationHandler receives unsolicited host events.
type NotificationHandler func(sessionID string, n envelope.Notification)

// Waiter resolves to the result of a dispatched tool call.
type Waiter interface {
	Wait(ctx context.Context) (envelope.ToolCallResult, error)
}

// Conn is a bidirectional envelope connection to the capability host.
type Conn struct {
	rw      io.ReadWriteCloser
	reader  *envelope.Reader
	writer  *envelope.Writer
	seq     *envelope.Sequencer
	tracker *envelope.SeqTracker
	logger  *slog.Logger

	onRequest RequestHandler
	onNotify  NotificationHandler

	mu      sync.Mutex
	pending map[string]chan envelope.ToolCallResult
	closed  bool

	// sendMu keeps sequence numbers in wire order.
	sendMu sync.Mutex

	handlers  sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger; slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// WithRequestHandler installs the handler for inbound requests.
func WithRequestHandler(h RequestHandler) Option {
	return func(c *Conn) { c.onRequest = h }
}

// WithNotificationHandler installs the handler for host notifications.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(c *Conn) { c.onNotify = h }
}

// NewConn wraps rw. Call Serve to start reading.
func NewConn(rw io.ReadWriteCloser, opts ...Option) *Conn {
	c := &Conn{
		rw:      rw,
		reader:  envelope.NewReader(rw),
		writer:  envelope.NewWriter(rw),
		seq:     envelope.NewSequencer(),
		tracker: envelope.NewSeqTracker(),
		logger:  slog.Default(),
		pending: make(map[string]chan envelope.ToolCallResult),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Serve reads envelopes until the stream ends or ctx is cancelled. Request
// handlers run concurrently; Serve waits for them before returning. The
// connection is closed on return.
func (c *Conn) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.done:
		}
	}()

	var serveErr error
	for {
		env, err := c.reader.Read()
		if err != nil {
			if neoerr.IsProtocol(err) && !errors.Is(err, io.ErrUnexpectedEOF) {
				c.logger.Warn("dropping bad frame from host", "error", err, "code", neoerr.CodeOf(err))
				continue
			}
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				serveErr = err
			}
			break
		}
		if err := c.tracker.Observe(env); err != nil {
			c.logger.Warn("host sequence anomaly", "error", err, "fields", neoerr.FieldsOf(err))
		}
		c.route(ctx, env)
	}

	_ = c.Close()
	c.handlers.Wait()
	return serveErr
}

func (c *Conn) route(ctx context.Context, env envelope.Envelope) {
	switch env.Kind {
	case envelope.KindToolCallResult:
		var res envelope.ToolCallResult
		if err := env.Decode(&res); err != nil {
			c.logger.Warn("undecodable tool result", "error", err, "correlation_id", env.CorrelationID)
			res = envelope.ToolCallResult{Error: "undecodable tool result: " + err.Error()}
		}
		c.resolve(env.CorrelationID, res)

	case envelope.KindError:
		// The host may refuse a tool call outright.
		var p envelope.ErrorPayload
		_ = env.Decode(&p)
		c.resolve(env.CorrelationID, envelope.ToolCallResult{Error: p.Message})

	case envelope.KindRequest:
		c.handlers.Add(1)
		go c.serveRequest(ctx, env)

	case envelope.KindNotification:
		var n envelope.Notification
		if err := env.Decode(&n); err != nil {
			c.logger.Warn("undecodable notification", "error", err)
			return
		}
		if c.onNotify != nil {
			c.onNotify(env.SessionID, n)
		}

	default:
		c.logger.Debug("ignoring envelope from host", "kind", env.Kind, "correlation_id", env.CorrelationID)
	}
}

func (c *Conn) serveRequest(ctx context.Context, env envelope.Envelope) {
	defer c.handlers.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in request handler",
				"correlation_id", env.CorrelationID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			c.replyError(env, neoerr.Errorf(neoerr.CodeServerInternalFailure, "request handler panic: %v", r))
		}
	}()

	var req envelope.Request
	if err := env.Decode(&req); err != nil {
		c.replyError(env, err)
		return
	}
	if c.onRequest == nil {
		c.replyError(env, neoerr.New(neoerr.CodeHostMethodNotFound, "no request handler configured"))
		return
	}

	result, err := c.onRequest(ctx, env, req)
	if err != nil {
		c.replyError(env, err)
		return
	}
	reply, err := envelope.New(envelope.KindDone, env.SessionID, env.CorrelationID, envelope.Done{Result: mustRaw(result)})
	if err != nil {
		c.replyError(env, err)
		return
	}
	if err := c.Send(reply); err != nil {
		c.logger.Warn("failed to reply", "error", err, "correlation_id", env.CorrelationID)
	}
}

func (c *Conn) replyError(req envelope.Envelope, err error) {
	code := neoerr.CodeOf(err)
	if code == "" {
		code = neoerr.CodeServerInternalFailure
	}
	reply, encErr := envelope.New(envelope.KindError, req.SessionID, req.CorrelationID,
		envelope.ErrorPayload{Code: string(code), Message: err.Error()})
	if encErr != nil {
		c.logger.Error("encoding error reply", "error", encErr)
		return
	}
	if sendErr := c.Send(reply); sendErr != nil {
		c.logger.Warn("failed to send error reply", "error", sendErr, "correlation_id", req.CorrelationID)
	}
}

func (c *Conn) resolve(correlationID string, res envelope.ToolCallResult) {
	c.mu.Lock()
	ch := c.pending[correlationID]
	delete(c.pending, correlationID)
	c.mu.Unlock()

	if ch == nil {
		c.logger.Warn("tool result with no pending call", "correlation_id", correlationID)
		return
	}
	ch <- res
}

// Send stamps env with the next sequence number of its session and writes it.
func (c *Conn) Send(env envelope.Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.writer.Write(c.seq.Stamp(env))
}

// SendChunk streams one incremental update for the request identified by
// correlationID.
func (c *Conn) SendChunk(sessionID, correlationID string, chunk envelope.StreamChunk) error {
	env, err := envelope.New(envelope.KindStreamChunk, sessionID, correlationID, chunk)
	if err != nil {
		return err
	}
	return c.Send(env)
}

// BeginToolCall writes a tool call request and returns a Waiter for its
// result. The request is on the wire when BeginToolCall returns.
func (c *Conn) BeginToolCall(ctx context.Context, sessionID string, req envelope.ToolCallRequest) (Waiter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	correlationID := uuid.New().String()
	env, err := envelope.New(envelope.KindToolCallRequest, sessionID, correlationID, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan envelope.ToolCallResult, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[correlationID] = ch
	c.mu.Unlock()

	if err := c.Send(env); err != nil {
		c.forget(correlationID)
		return nil, err
	}
	return &pendingCall{conn: c, correlationID: correlationID, ch: ch}, nil
}

func (c *Conn) forget(correlationID string) {
	c.mu.Lock()
	delete(c.pending, correlationID)
	c.mu.Unlock()
}

// Forget drops per-session sequence state after a session is deleted.
func (c *Conn) Forget(sessionID string) {
	c.seq.Forget(sessionID)
}

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the transport and fails every pending call with ErrClosed.
// It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		pending := c.pending
		c.pending = make(map[string]chan envelope.ToolCallResult)
		c.mu.Unlock()

		for _, ch := range pending {
			close(ch)
		}
		err = c.rw.Close()
		close(c.done)
	})
	return err
}

type pendingCall struct {
	conn          *Conn
	correlationID string
	ch            chan envelope.ToolCallResult
}

// Wait blocks until the host answers, the connection closes, or ctx ends.
// On ctx expiry the pending entry is dropped; a late answer is logged and
// discarded.
func (p *pendingCall) Wait(ctx context.Context) (envelope.ToolCallResult, error) {
	select {
	case res, ok := <-p.ch:
		if !ok {
			return envelope.ToolCallResult{}, ErrClosed
		}
		return res, nil
	case <-ctx.Done():
		p.conn.forget(p.correlationID)
		return envelope.ToolCallResult{}, ctx.Err()
	}
}

func mustRaw(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
