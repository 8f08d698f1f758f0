// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package agent_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kernitus/neoai.nvim-sub001/internal/agent"
	"github.com/kernitus/neoai.nvim-sub001/internal/envelope"
	"github.com/kernitus/neoai.nvim-sub001/internal/host"
	"github.com/kernitus/neoai.nvim-sub001/internal/provider"
	"github.com/kernitus/neoai.nvim-sub001/internal/store"
)

// --- capability host ---

type hostCall struct {
	SessionID string
	Req       envelope.ToolCallRequest
}

// fakeHost answers tool calls through respond. Calls for which hold returns
// a channel are answered only once that channel is closed.
type fakeHost struct {
	mu      sync.Mutex
	calls   []hostCall
	respond func(sessionID string, req envelope.ToolCallRequest) envelope.ToolCallResult
	hold    func(req envelope.ToolCallRequest) <-chan struct{}
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		respond: func(_ string, req envelope.ToolCallRequest) envelope.ToolCallResult {
			if req.Name == agent.DiagnosticsTool {
				return envelope.ToolCallResult{CallID: req.CallID, OK: true, Output: json.RawMessage(`[]`)}
			}
			return envelope.ToolCallResult{CallID: req.CallID, OK: true, Output: json.RawMessage(`"ok"`)}
		},
	}
}

func (h *fakeHost) BeginToolCall(ctx context.Context, sessionID string, req envelope.ToolCallRequest) (host.Waiter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.calls = append(h.calls, hostCall{SessionID: sessionID, Req: req})
	respond, hold := h.respond, h.hold
	h.mu.Unlock()

	ch := make(chan envelope.ToolCallResult, 1)
	go func() {
		if hold != nil {
			if gate := hold(req); gate != nil {
				<-gate
			}
		}
		ch <- respond(sessionID, req)
	}()
	return fakeWaiter(ch), nil
}

func (h *fakeHost) Calls() []hostCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hostCall(nil), h.calls...)
}

func (h *fakeHost) CallsNamed(name string) []hostCall {
	var out []hostCall
	for _, c := range h.Calls() {
		if c.Req.Name == name {
			out = append(out, c)
		}
	}
	return out
}

type fakeWaiter chan envelope.ToolCallResult

func (w fakeWaiter) Wait(ctx context.Context) (envelope.ToolCallResult, error) {
	select {
	case res := <-w:
		return res, nil
	case <-ctx.Done():
		return envelope.ToolCallResult{}, ctx.Err()
	}
}

// --- model provider ---

// scriptedProvider replies to the n-th Chat call (1-based) with the events
// returned by script.
type scriptedProvider struct {
	mu       sync.Mutex
	script   func(n int, req provider.ChatRequest) []provider.ChatEvent
	requests []provider.ChatRequest
}

func newScriptedProvider(script func(n int, req provider.ChatRequest) []provider.ChatEvent) *scriptedProvider {
	return &scriptedProvider{script: script}
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Available(context.Context) bool { return true }

func (p *scriptedProvider) Close() error { return nil }

func (p *scriptedProvider) Chat(_ context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	n := len(p.requests)
	p.mu.Unlock()

	events := p.script(n, req)
	ch := make(chan provider.ChatEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Requests() []provider.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.ChatRequest(nil), p.requests...)
}

type staticRouter struct {
	p provider.Provider
}

func (r staticRouter) Route(context.Context, string) (provider.Provider, string, error) {
	return r.p, "test-model", nil
}

func (r staticRouter) RegisterProvider(string, provider.Provider) error { return nil }

func (r staticRouter) Close() error { return nil }

func textReply(text string) []provider.ChatEvent {
	return []provider.ChatEvent{
		{Type: provider.EventTypeTextDelta, Text: text},
		{Type: provider.EventTypeDone, Usage: &provider.Usage{InputTokens: 10, OutputTokens: 5}},
	}
}

func toolReply(calls ...provider.ToolCall) []provider.ChatEvent {
	var events []provider.ChatEvent
	for i := range calls {
		tc := calls[i]
		events = append(events, provider.ChatEvent{
			Type:     provider.EventTypeToolCallStart,
			ToolCall: &provider.ToolCall{ID: tc.ID, Name: tc.Name},
		})
		events = append(events, provider.ChatEvent{Type: provider.EventTypeToolCall, ToolCall: &tc})
	}
	return append(events, provider.ChatEvent{Type: provider.EventTypeDone})
}

func call(id, name, args string) provider.ToolCall {
	return provider.ToolCall{ID: id, Name: name, Arguments: args}
}

// --- clock ---

// fakeClock only moves on Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	resets int
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) agent.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, ch: make(chan time.Time, 1), deadline: c.now.Add(d), armed: true}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	for _, t := range c.timers {
		if t.armed && !t.deadline.After(c.now) {
			t.armed = false
			select {
			case t.ch <- c.now:
			default:
			}
		}
	}
}

// ArmedAt reports whether some timer will fire at deadline.
func (c *fakeClock) ArmedAt(deadline time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.timers {
		if t.armed && t.deadline.Equal(deadline) {
			return true
		}
	}
	return false
}

// Timers reports how many timers were created.
func (c *fakeClock) Timers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Resets counts Timer.Reset calls so tests can tell when a waiter re-armed.
func (c *fakeClock) Resets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

type fakeTimer struct {
	clock    *fakeClock
	ch       chan time.Time
	deadline time.Time
	armed    bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.armed
	t.armed = false
	select {
	case <-t.ch:
	default:
	}
	return was
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.armed
	select {
	case <-t.ch:
	default:
	}
	t.deadline = t.clock.now.Add(d)
	t.armed = true
	t.clock.resets++
	return was
}

// --- sink ---

type recordedDelta struct {
	SessionID string
	Delta     agent.Delta
}

type recordingDelivery struct {
	mu     sync.Mutex
	deltas []recordedDelta
}

func (r *recordingDelivery) Deliver(sessionID string, d agent.Delta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, recordedDelta{SessionID: sessionID, Delta: d})
}

func (r *recordingDelivery) States(sessionID string) []agent.LoopState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []agent.LoopState
	for _, d := range r.deltas {
		if d.SessionID == sessionID && d.Delta.Type == agent.DeltaState {
			out = append(out, d.Delta.State)
		}
	}
	return out
}

func (r *recordingDelivery) Of(sessionID string, typ agent.DeltaType) []agent.Delta {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []agent.Delta
	for _, d := range r.deltas {
		if d.SessionID == sessionID && d.Delta.Type == typ {
			out = append(out, d.Delta)
		}
	}
	return out
}

// --- harness ---

type harness struct {
	store       store.SessionStore
	host        *fakeHost
	provider    *scriptedProvider
	registry    *agent.Registry
	dispatcher  *agent.Dispatcher
	diagnostics *agent.DiagnosticsController
	sink        *agent.Sink
	deltas      *recordingDelivery
	loop        *agent.Loop
	sessions    *agent.SessionManager
}

type harnessOpts struct {
	maxIterations int
	toolTimeout   time.Duration
	debounce      time.Duration
	retry         provider.RetryPolicy
	// store defaults to a MemoryStore.
	store store.SessionStore
}

func newHarness(t *testing.T, script func(n int, req provider.ChatRequest) []provider.ChatEvent, opts harnessOpts) *harness {
	t.Helper()

	h := &harness{
		store:    opts.store,
		host:     newFakeHost(),
		provider: newScriptedProvider(script),
		registry: agent.NewRegistry(),
		deltas:   &recordingDelivery{},
	}
	if h.store == nil {
		h.store = store.NewMemoryStore()
	}
	require.NoError(t, h.registry.RegisterAll(agent.BuiltinTools()))

	var err error
	h.dispatcher, err = agent.NewDispatcher(agent.DispatcherConfig{
		Registry:       h.registry,
		Host:           h.host,
		DefaultTimeout: opts.toolTimeout,
	})
	require.NoError(t, err)

	debounce := opts.debounce
	if debounce == 0 {
		debounce = 10 * time.Millisecond
	}
	h.diagnostics = agent.NewDiagnosticsController(agent.DiagnosticsConfig{
		Dispatcher: h.dispatcher,
		Debounce:   debounce,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.diagnostics.Run(ctx)

	h.sink = agent.NewSink(nil, h.deltas)
	h.loop, err = agent.NewLoop(agent.LoopConfig{
		Store:         h.store,
		Router:        staticRouter{p: h.provider},
		Dispatcher:    h.dispatcher,
		Diagnostics:   h.diagnostics,
		Sink:          h.sink,
		MaxIterations: opts.maxIterations,
		Retry:         opts.retry,
	})
	require.NoError(t, err)

	h.sessions, err = agent.NewSessionManager(agent.SessionManagerConfig{
		Store:       h.store,
		Loop:        h.loop,
		Diagnostics: h.diagnostics,
		Sink:        h.sink,
	})
	require.NoError(t, err)
	t.Cleanup(h.sessions.Close)
	return h
}

func (h *harness) newSession(t *testing.T, title string) string {
	t.Helper()
	s, err := h.sessions.Create(context.Background(), title)
	require.NoError(t, err)
	return s.ID
}

func (h *harness) history(t *testing.T, sessionID string) []*store.Turn {
	t.Helper()
	turns, err := h.store.ListTurns(context.Background(), sessionID)
	require.NoError(t, err)
	return turns
}

func kinds(turns []*store.Turn) []store.TurnKind {
	out := make([]store.TurnKind, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.Kind)
	}
	return out
}

func results(turns []*store.Turn) []store.ToolResult {
	var out []store.ToolResult
	for _, t := range turns {
		if t.Kind == store.TurnToolResult {
			out = append(out, *t.Result)
		}
	}
	return out
}
