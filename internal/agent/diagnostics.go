// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kernitus/neoai.nvim-sub001/internal/store"
)

// DefaultDebounce is the settle window between the last edit of a file and
// the diagnostics pull for it.
const DefaultDebounce = 300 * time.Millisecond

// Clock abstracts time for the diagnostics controller.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is the subset of *time.Timer the controller uses.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) Timer { return realTimer{time.NewTimer(d)} }

type realTimer struct{ t *time.Timer }

func (t realTimer) C() <-chan time.Time { return t.t.C }

func (t realTimer) Stop() bool { return t.t.Stop() }

func (t realTimer) Reset(d time.Duration) bool { return t.t.Reset(d) }

// DiagnosticFeedbackRequest is a pending diagnostics pull for one file.
type DiagnosticFeedbackRequest struct {
	SessionID string
	Path      string
	Deadline  time.Time
	// CallID is the mutating call whose result the feedback augments.
	CallID string
}

type feedbackKey struct {
	sessionID string
	path      string
}

// feedbackSlot is reserved when a request fires so collected feedback keeps
// firing order even though pulls complete concurrently.
type feedbackSlot struct {
	result store.ToolResult
	filled bool
}

// DiagnosticsConfig holds dependencies for DiagnosticsController.
type DiagnosticsConfig struct {
	Dispatcher *Dispatcher
	Tool       string
	Debounce   time.Duration
	Clock      Clock
	Logger     *slog.Logger
}

// DiagnosticsController coalesces diagnostics pulls after edits. A single
// goroutine started by Run owns one timer set to the earliest pending
// deadline.
type DiagnosticsController struct {
	dispatcher *Dispatcher
	tool       string
	debounce   time.Duration
	clock      Clock
	logger     *slog.Logger

	mu       sync.Mutex
	pending  map[feedbackKey]DiagnosticFeedbackRequest
	inflight map[string]int
	feedback map[string][]*feedbackSlot
	gen      map[string]uint64
	changed  chan struct{}
	wake     chan struct{}
}

// NewDiagnosticsController creates a controller. Call Run to start firing.
func NewDiagnosticsController(cfg DiagnosticsConfig) *DiagnosticsController {
	c := &DiagnosticsController{
		dispatcher: cfg.Dispatcher,
		tool:       cfg.Tool,
		debounce:   cfg.Debounce,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		pending:    make(map[feedbackKey]DiagnosticFeedbackRequest),
		inflight:   make(map[string]int),
		feedback:   make(map[string][]*feedbackSlot),
		gen:        make(map[string]uint64),
		changed:    make(chan struct{}),
		wake:       make(chan struct{}, 1),
	}
	if c.tool == "" {
		c.tool = DiagnosticsTool
	}
	if c.debounce <= 0 {
		c.debounce = DefaultDebounce
	}
	if c.clock == nil {
		c.clock = realClock{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Schedule requests diagnostics for path once the debounce window passes
// without another edit of the same file in the same session. A newer request
// replaces the pending one, including its call id.
func (c *DiagnosticsController) Schedule(sessionID, path, callID string) DiagnosticFeedbackRequest {
	req := DiagnosticFeedbackRequest{
		SessionID: sessionID,
		Path:      path,
		Deadline:  c.clock.Now().Add(c.debounce),
		CallID:    callID,
	}

	c.mu.Lock()
	c.pending[feedbackKey{sessionID, path}] = req
	c.notifyLocked()
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return req
}

// Pending returns the requests waiting for their deadline, earliest first.
func (c *DiagnosticsController) Pending() []DiagnosticFeedbackRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DiagnosticFeedbackRequest, 0, len(c.pending))
	for _, req := range c.pending {
		out = append(out, req)
	}
	sortRequests(out)
	return out
}

// Run fires due requests until ctx is cancelled.
func (c *DiagnosticsController) Run(ctx context.Context) {
	timer := c.clock.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		var timerC <-chan time.Time
		if next, ok := c.nextDeadline(); ok {
			wait := next.Sub(c.clock.Now())
			if wait <= 0 {
				c.fireDue(ctx)
				continue
			}
			timer.Reset(wait)
			timerC = timer.C()
		}

		select {
		case <-ctx.Done():
			return
		case <-c.wake:
			timer.Stop()
		case <-timerC:
			c.fireDue(ctx)
		}
	}
}

func (c *DiagnosticsController) nextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var next time.Time
	found := false
	for _, req := range c.pending {
		if !found || req.Deadline.Before(next) {
			next = req.Deadline
			found = true
		}
	}
	return next, found
}

func (c *DiagnosticsController) fireDue(ctx context.Context) {
	now := c.clock.Now()

	c.mu.Lock()
	var due []DiagnosticFeedbackRequest
	for key, req := range c.pending {
		if !req.Deadline.After(now) {
			due = append(due, req)
			delete(c.pending, key)
		}
	}
	sortRequests(due)

	type job struct {
		req  DiagnosticFeedbackRequest
		slot *feedbackSlot
		gen  uint64
	}
	jobs := make([]job, 0, len(due))
	for _, req := range due {
		slot := &feedbackSlot{}
		c.feedback[req.SessionID] = append(c.feedback[req.SessionID], slot)
		c.inflight[req.SessionID]++
		jobs = append(jobs, job{req: req, slot: slot, gen: c.gen[req.SessionID]})
	}
	c.mu.Unlock()

	for _, j := range jobs {
		go c.pull(ctx, j.req, j.slot, j.gen)
	}
}

func (c *DiagnosticsController) pull(ctx context.Context, req DiagnosticFeedbackRequest, slot *feedbackSlot, gen uint64) {
	args, _ := json.Marshal(map[string]string{"file_path": req.Path})
	call := store.ToolCall{ID: "diag_" + uuid.NewString(), Name: c.tool, Arguments: args}

	c.logger.Debug("pulling diagnostics", "session_id", req.SessionID, "path", req.Path, "call_id", req.CallID)
	res, err := c.dispatcher.Invoke(ctx, req.SessionID, call).Wait(ctx)
	if err != nil {
		res = failedResult(store.ResultCancelled, err.Error(), 0)
	}
	res.CallID = req.CallID
	res.ToolName = c.tool

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight[req.SessionID]--
	if c.inflight[req.SessionID] <= 0 {
		delete(c.inflight, req.SessionID)
	}
	if c.gen[req.SessionID] == gen {
		slot.result = res
		slot.filled = true
	}
	if _, busy := c.inflight[req.SessionID]; !busy {
		delete(c.gen, req.SessionID)
	}
	c.notifyLocked()
}

// Drain waits until the session has no pending or in-flight requests and
// returns the feedback collected since the last Drain, in firing order.
func (c *DiagnosticsController) Drain(ctx context.Context, sessionID string) ([]store.ToolResult, error) {
	for {
		c.mu.Lock()
		if !c.busyLocked(sessionID) {
			slots := c.feedback[sessionID]
			delete(c.feedback, sessionID)
			c.mu.Unlock()

			out := make([]store.ToolResult, 0, len(slots))
			for _, s := range slots {
				if s.filled {
					out = append(out, s.result)
				}
			}
			return out, nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *DiagnosticsController) busyLocked(sessionID string) bool {
	if c.inflight[sessionID] > 0 {
		return true
	}
	for key := range c.pending {
		if key.sessionID == sessionID {
			return true
		}
	}
	return false
}

// DiscardPath drops pending requests for a deleted file in every session.
func (c *DiagnosticsController) DiscardPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.pending {
		if key.path == path {
			delete(c.pending, key)
		}
	}
	c.notifyLocked()
}

// DiscardSession drops everything queued for a session. Pulls already in
// flight finish but their results are thrown away.
func (c *DiagnosticsController) DiscardSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.pending {
		if key.sessionID == sessionID {
			delete(c.pending, key)
		}
	}
	delete(c.feedback, sessionID)
	// A generation only matters while pulls are in flight; the last one to
	// finish removes the entry.
	if c.inflight[sessionID] > 0 {
		c.gen[sessionID]++
	}
	c.notifyLocked()
}

// notifyLocked wakes every Drain waiter.
func (c *DiagnosticsController) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func sortRequests(reqs []DiagnosticFeedbackRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].Deadline.Equal(reqs[j].Deadline) {
			return reqs[i].Deadline.Before(reqs[j].Deadline)
		}
		if reqs[i].SessionID != reqs[j].SessionID {
			return reqs[i].SessionID < reqs[j].SessionID
		}
		return reqs[i].Path < reqs[j].Path
	})
}
