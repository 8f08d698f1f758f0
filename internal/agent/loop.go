// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kernitus/neoai.nvim-sub001/internal/provider"
	"github.com/kernitus/neoai.nvim-sub001/internal/store"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

const (
	// DefaultMaxIterations bounds model invocations per user turn.
	DefaultMaxIterations = 10
	// DefaultModelTimeout bounds a single model invocation.
	DefaultModelTimeout = 5 * time.Minute
)

type correlationKey struct{}

// WithCorrelationID tags ctx with the id of the host request driving a turn,
// so streamed deltas can be attributed to it.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id set by WithCorrelationID.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// LoopConfig holds dependencies for the Loop.
type LoopConfig struct {
	Store       store.SessionStore
	Router      provider.Router
	Dispatcher  *Dispatcher
	Diagnostics *DiagnosticsController
	Sink        *Sink

	// Model is a "provider/model" ref; empty routes to the default.
	Model         string
	SystemPrompt  string
	MaxIterations int
	ModelTimeout  time.Duration
	Retry         provider.RetryPolicy

	Logger *slog.Logger
	Now    func() time.Time
}

// TurnOutcome describes how a user turn ended.
type TurnOutcome struct {
	SessionID  string         `json:"session_id"`
	State      LoopState      `json:"state"`
	ErrorKind  ErrorKind      `json:"error_kind,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Text       string         `json:"text,omitempty"`
	Iterations int            `json:"iterations"`
	Usage      provider.Usage `json:"usage"`
}

// turnControl is the handle Cancel uses to reach a running turn.
type turnControl struct {
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (c *turnControl) cancel() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Loop drives user turns: it alternates between asking the model and running
// the tools it requests until the model answers without tool calls, the
// iteration limit is hit, or the turn fails.
type Loop struct {
	store         store.SessionStore
	router        provider.Router
	dispatcher    *Dispatcher
	diagnostics   *DiagnosticsController
	sink          *Sink
	model         string
	systemPrompt  string
	maxIterations int
	modelTimeout  time.Duration
	retry         provider.RetryPolicy
	logger        *slog.Logger
	now           func() time.Time

	mu     sync.Mutex
	active map[string]*turnControl
	// closing counts outstanding Close calls per session.
	closing map[string]int
}

// NewLoop creates a Loop with the given dependencies.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Store == nil {
		return nil, neoerr.New(neoerr.CodeAgentLoopInvalidInput, "Store is required")
	}
	if cfg.Router == nil {
		return nil, neoerr.New(neoerr.CodeAgentLoopInvalidInput, "Router is required")
	}
	if cfg.Dispatcher == nil {
		return nil, neoerr.New(neoerr.CodeAgentLoopInvalidInput, "Dispatcher is required")
	}

	l := &Loop{
		store:         cfg.Store,
		router:        cfg.Router,
		dispatcher:    cfg.Dispatcher,
		diagnostics:   cfg.Diagnostics,
		sink:          cfg.Sink,
		model:         cfg.Model,
		systemPrompt:  cfg.SystemPrompt,
		maxIterations: cfg.MaxIterations,
		modelTimeout:  cfg.ModelTimeout,
		retry:         cfg.Retry,
		logger:        cfg.Logger,
		now:           cfg.Now,
		active:        make(map[string]*turnControl),
		closing:       make(map[string]int),
	}
	if l.maxIterations <= 0 {
		l.maxIterations = DefaultMaxIterations
	}
	if l.modelTimeout <= 0 {
		l.modelTimeout = DefaultModelTimeout
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l, nil
}

// MaxIterations returns the configured iteration limit.
func (l *Loop) MaxIterations() int { return l.maxIterations }

// Cancel asks the running turn of a session to stop. No further tool calls
// are dispatched, in-flight calls drain, and the turn ends in StateErrored
// with ErrorKindCancelled. It reports whether a turn was running.
func (l *Loop) Cancel(sessionID string) bool {
	l.mu.Lock()
	ctl, ok := l.active[sessionID]
	l.mu.Unlock()
	if ok {
		ctl.cancel()
	}
	return ok
}

// Close refuses new turns for the session and cancels the running one, if
// any, in one step. Turns are refused until reopen is called. It reports
// whether a turn was running.
func (l *Loop) Close(sessionID string) (reopen func(), running bool) {
	l.mu.Lock()
	l.closing[sessionID]++
	ctl, running := l.active[sessionID]
	l.mu.Unlock()
	if running {
		ctl.cancel()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.closing[sessionID]--; l.closing[sessionID] <= 0 {
				delete(l.closing, sessionID)
			}
		})
	}, running
}

// Running reports whether a turn is in progress for the session.
func (l *Loop) Running(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.active[sessionID]
	return ok
}

// Wait blocks until the session has no running turn.
func (l *Loop) Wait(ctx context.Context, sessionID string) error {
	l.mu.Lock()
	ctl, ok := l.active[sessionID]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ctl.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) begin(sessionID string) (*turnControl, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing[sessionID] > 0 {
		return nil, neoerr.New(neoerr.CodeAgentSessionClosed, "session is being deleted",
			neoerr.FieldSessionID(sessionID))
	}
	if _, busy := l.active[sessionID]; busy {
		return nil, neoerr.New(neoerr.CodeAgentSessionBusy, "a turn is already running for this session",
			neoerr.FieldSessionID(sessionID))
	}
	ctl := &turnControl{stop: make(chan struct{}), done: make(chan struct{})}
	l.active[sessionID] = ctl
	return ctl, nil
}

func (l *Loop) end(sessionID string, ctl *turnControl) {
	l.mu.Lock()
	delete(l.active, sessionID)
	l.mu.Unlock()
	close(ctl.done)
}

// turn carries the state of one Run call.
type turn struct {
	sessionID     string
	correlationID string
	ctl           *turnControl
	sm            *stateMachine
	history       []*store.Turn
	outcome       *TurnOutcome
	logger        *slog.Logger
}

// Run processes one user message. The returned outcome is never nil; the
// error is non-nil exactly when the turn ended in StateErrored and carries a
// code matching the outcome's ErrorKind.
func (l *Loop) Run(ctx context.Context, sessionID, userText string) (*TurnOutcome, error) {
	outcome := &TurnOutcome{SessionID: sessionID, State: StateIdle}
	if strings.TrimSpace(userText) == "" {
		return outcome, neoerr.New(neoerr.CodeAgentLoopInvalidInput, "message is empty", neoerr.FieldSessionID(sessionID))
	}

	ctl, err := l.begin(sessionID)
	if err != nil {
		return outcome, err
	}
	defer l.end(sessionID, ctl)

	t := &turn{
		sessionID:     sessionID,
		correlationID: CorrelationID(ctx),
		ctl:           ctl,
		outcome:       outcome,
		logger:        l.logger.With("session_id", sessionID),
	}
	t.sm = newStateMachine(func(_, to LoopState) {
		if to != StateIdle {
			outcome.State = to
		}
		l.emit(t, Delta{Type: DeltaState, State: to})
	})
	// The session accepts a new user turn once this one has ended.
	defer func() {
		if t.sm.State().Terminal() {
			_ = t.sm.Transition(StateIdle)
		}
	}()

	if err := t.sm.Transition(StateAwaitingModel); err != nil {
		return outcome, err
	}
	return l.drive(ctx, t, userText)
}

func (l *Loop) drive(ctx context.Context, t *turn, userText string) (*TurnOutcome, error) {
	history, err := l.store.ListTurns(ctx, t.sessionID)
	if err != nil {
		return l.fail(t, ErrorKindStorage, err)
	}
	t.history = history

	if err := l.persist(ctx, t, &store.Turn{Kind: store.TurnUserMessage, Text: userText}); err != nil {
		return l.fail(t, ErrorKindStorage, err)
	}

	// Model calls and diagnostics waits are abandoned on Cancel; tool calls
	// already on the wire are not.
	stopCtx, cancelStop := context.WithCancel(ctx)
	defer cancelStop()
	go func() {
		select {
		case <-t.ctl.stop:
			cancelStop()
		case <-stopCtx.Done():
		}
	}()

	for iteration := 1; ; iteration++ {
		if iteration > 1 {
			if err := t.sm.Transition(StateAwaitingModel); err != nil {
				return l.fail(t, ErrorKindInternal, err)
			}
		}
		if isClosed(t.ctl.stop) {
			return l.cancelled(t)
		}

		t.outcome.Iterations = iteration
		reply, err := l.invokeModel(stopCtx, t)
		if err != nil {
			if isClosed(t.ctl.stop) {
				return l.cancelled(t)
			}
			return l.fail(t, ErrorKindModelTransport, err)
		}

		assistant := &store.Turn{
			Kind:      store.TurnAssistantMessage,
			Text:      reply.text,
			Reasoning: reply.reasoning,
			ToolCalls: reply.calls,
		}
		if err := l.persist(ctx, t, assistant); err != nil {
			return l.fail(t, ErrorKindStorage, err)
		}

		if len(reply.calls) == 0 {
			t.outcome.Text = reply.text
			if err := t.sm.Transition(StateDone); err != nil {
				return l.fail(t, ErrorKindInternal, err)
			}
			return t.outcome, nil
		}

		if kind, err := l.runTools(ctx, stopCtx, t, reply.calls); err != nil {
			if ctx.Err() != nil {
				return l.cancelled(t)
			}
			return l.fail(t, kind, err)
		}
		if isClosed(t.ctl.stop) {
			return l.cancelled(t)
		}

		if iteration >= l.maxIterations {
			return l.fail(t, ErrorKindLoopLimitExceeded, neoerr.Errorf(neoerr.CodeAgentLoopLimitExceeded,
				"stopped after %d model invocations: the model kept requesting tools", iteration))
		}
	}
}

// runTools dispatches one assistant message's calls, records every result and
// then the diagnostic feedback triggered by successful edits.
func (l *Loop) runTools(ctx, stopCtx context.Context, t *turn, calls []store.ToolCall) (ErrorKind, error) {
	if err := t.sm.Transition(StateDispatchingTools); err != nil {
		return ErrorKindInternal, err
	}
	pending := l.dispatcher.Start(ctx, t.sessionID, calls, t.ctl.stop)
	if err := t.sm.Transition(StateAwaitingToolResults); err != nil {
		return ErrorKindInternal, err
	}

	// The assistant message naming these calls is already stored, so their
	// results are recorded even when the caller has gone away.
	recordCtx := context.WithoutCancel(ctx)

	results := Collect(pending)
	for i := range results {
		res := results[i]
		l.emit(t, Delta{Type: DeltaTiming, CallID: res.CallID, ToolName: res.ToolName, Elapsed: res.Elapsed})
		if err := l.persist(recordCtx, t, &store.Turn{Kind: store.TurnToolResult, Result: &res}); err != nil {
			return ErrorKindStorage, err
		}
	}

	if l.diagnostics == nil {
		return ErrorKindNone, ctx.Err()
	}
	if isClosed(t.ctl.stop) || ctx.Err() != nil {
		l.diagnostics.DiscardSession(t.sessionID)
		return ErrorKindNone, ctx.Err()
	}
	for i, res := range results {
		if !res.OK {
			continue
		}
		if path, ok := l.dispatcher.Registry().Target(calls[i]); ok {
			l.diagnostics.Schedule(t.sessionID, path, res.CallID)
		}
	}

	feedback, err := l.diagnostics.Drain(stopCtx, t.sessionID)
	if err != nil {
		l.diagnostics.DiscardSession(t.sessionID)
		if isClosed(t.ctl.stop) {
			return ErrorKindNone, nil
		}
		return ErrorKindInternal, neoerr.Wrap(err, neoerr.CodeAgentDiagnosticsUnavailable, "waiting for diagnostics")
	}
	for i := range feedback {
		fb := feedback[i]
		if err := l.persist(recordCtx, t, &store.Turn{Kind: store.TurnToolResult, Result: &fb}); err != nil {
			return ErrorKindStorage, err
		}
	}
	return ErrorKindNone, nil
}

type modelReply struct {
	text      string
	reasoning string
	calls     []store.ToolCall
	usage     provider.Usage
}

// invokeModel calls the model with the full history. Failures are retried
// only while nothing has been streamed to the host.
func (l *Loop) invokeModel(ctx context.Context, t *turn) (modelReply, error) {
	messages := BuildMessages(t.history)
	emitted := false

	policy := l.retry
	onRetry := policy.OnRetry
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		t.logger.Warn("retrying model invocation", "error", err, "attempt", attempt, "delay", delay)
		if onRetry != nil {
			onRetry(err, attempt, delay)
		}
	}
	retryable := func(err error) bool {
		return !emitted && provider.IsRetryable(err)
	}

	start := l.now()
	reply, err := provider.Retry(ctx, policy, retryable, func(ctx context.Context) (modelReply, error) {
		return l.streamOnce(ctx, t, messages, &emitted)
	})
	if err != nil {
		return reply, err
	}
	l.emit(t, Delta{Type: DeltaTiming, Elapsed: l.now().Sub(start)})

	t.outcome.Usage.InputTokens += reply.usage.InputTokens
	t.outcome.Usage.OutputTokens += reply.usage.OutputTokens
	t.outcome.Usage.CacheReadTokens += reply.usage.CacheReadTokens
	t.outcome.Usage.CacheWriteTokens += reply.usage.CacheWriteTokens
	return reply, nil
}

func (l *Loop) streamOnce(ctx context.Context, t *turn, messages []provider.Message, emitted *bool) (modelReply, error) {
	var reply modelReply

	prov, model, err := l.router.Route(ctx, l.model)
	if err != nil {
		return reply, err
	}

	callCtx, cancel := context.WithTimeout(ctx, l.modelTimeout)
	defer cancel()

	events, err := prov.Chat(callCtx, provider.ChatRequest{
		Model:        model,
		Messages:     messages,
		Tools:        l.dispatcher.Registry().Definitions(),
		SystemPrompt: l.systemPrompt,
	})
	if err != nil {
		return reply, neoerr.Wrapf(err, neoerr.CodeProviderUpstreamFailure, "chat call to %s", prov.Name())
	}

	startStreaming := func() {
		if !*emitted {
			*emitted = true
			if t.sm.State() == StateAwaitingModel {
				_ = t.sm.Transition(StateStreaming)
			}
		}
	}

	var text, reasoning strings.Builder
	var streamErr error
	completed := false
	for ev := range events {
		switch ev.Type {
		case provider.EventTypeTextDelta:
			startStreaming()
			text.WriteString(ev.Text)
			l.emit(t, Delta{Type: DeltaTextDelta, Text: ev.Text})
		case provider.EventTypeReasoningDelta:
			startStreaming()
			reasoning.WriteString(ev.Text)
		case provider.EventTypeToolCallStart:
			if ev.ToolCall != nil {
				startStreaming()
				l.emit(t, Delta{Type: DeltaToolCallDelta, CallID: ev.ToolCall.ID, ToolName: ev.ToolCall.Name})
			}
		case provider.EventTypeToolCall:
			if ev.ToolCall != nil {
				startStreaming()
				reply.calls = append(reply.calls, toStoreCall(*ev.ToolCall))
			}
		case provider.EventTypeUsage:
			if ev.Usage != nil {
				mergeUsage(&reply.usage, *ev.Usage)
			}
		case provider.EventTypeDone:
			completed = true
			if ev.Usage != nil {
				mergeUsage(&reply.usage, *ev.Usage)
			}
		case provider.EventTypeError:
			streamErr = neoerr.New(neoerr.CodeProviderUpstreamFailure, ev.Error, neoerr.FieldProvider(prov.Name()))
		}
	}

	switch {
	case streamErr != nil:
		return reply, streamErr
	case callCtx.Err() != nil && ctx.Err() == nil:
		return reply, neoerr.Wrapf(callCtx.Err(), neoerr.CodeProviderUpstreamFailure,
			"model invocation exceeded %s", l.modelTimeout)
	case ctx.Err() != nil:
		return reply, ctx.Err()
	case !completed:
		return reply, neoerr.New(neoerr.CodeProviderUpstreamFailure, "model stream ended without completing",
			neoerr.FieldProvider(prov.Name()))
	}

	reply.text = text.String()
	reply.reasoning = reasoning.String()
	return reply, nil
}

func toStoreCall(tc provider.ToolCall) store.ToolCall {
	id := tc.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	args := json.RawMessage(tc.Arguments)
	switch {
	case len(strings.TrimSpace(tc.Arguments)) == 0:
		args = json.RawMessage(`{}`)
	case !json.Valid(args):
		// Keep the raw text so validation can report it back to the model.
		args, _ = json.Marshal(tc.Arguments)
	}
	return store.ToolCall{ID: id, Name: tc.Name, Arguments: args}
}

func mergeUsage(dst *provider.Usage, u provider.Usage) {
	dst.InputTokens = max(dst.InputTokens, u.InputTokens)
	dst.OutputTokens = max(dst.OutputTokens, u.OutputTokens)
	dst.CacheReadTokens = max(dst.CacheReadTokens, u.CacheReadTokens)
	dst.CacheWriteTokens = max(dst.CacheWriteTokens, u.CacheWriteTokens)
}

func (l *Loop) persist(ctx context.Context, t *turn, st *store.Turn) error {
	st.SessionID = t.sessionID
	if st.CreatedAt.IsZero() {
		st.CreatedAt = l.now()
	}
	if err := l.store.AppendTurn(ctx, st); err != nil {
		return neoerr.Wrapf(err, neoerr.CodeAgentLoopFailure, "persisting %s turn", st.Kind)
	}
	t.history = append(t.history, st)
	return nil
}

func (l *Loop) cancelled(t *turn) (*TurnOutcome, error) {
	return l.fail(t, ErrorKindCancelled, neoerr.New(neoerr.CodeAgentLoopCancelled, "turn cancelled",
		neoerr.FieldSessionID(t.sessionID)))
}

// fail moves the turn to StateErrored. Persisted turns are left as they are.
func (l *Loop) fail(t *turn, kind ErrorKind, cause error) (*TurnOutcome, error) {
	err := cause
	if !neoerr.HasCode(err, kind.Code()) {
		err = neoerr.Wrap(cause, kind.Code(), fmt.Sprintf("turn failed (%s)", kind), neoerr.FieldSessionID(t.sessionID))
	}
	if !t.sm.State().Terminal() {
		if terr := t.sm.Transition(StateErrored); terr != nil {
			t.logger.Error("cannot enter errored state", "error", terr)
		}
	}
	t.outcome.ErrorKind = kind
	t.outcome.Reason = err.Error()
	t.logger.Warn("turn ended with error", "kind", kind, "error", err, "iterations", t.outcome.Iterations)
	return t.outcome, err
}

func (l *Loop) emit(t *turn, d Delta) {
	if l.sink == nil {
		return
	}
	d.CorrelationID = t.correlationID
	l.sink.Emit(t.sessionID, d)
}

// BuildMessages converts persisted history into model messages. Several
// results for one call id, such as an edit and its diagnostic feedback, are
// merged into one tool message because providers accept exactly one answer
// per call. A call left without any recorded result gets a failed one before
// the next user or assistant message.
func BuildMessages(history []*store.Turn) []provider.Message {
	out := make([]provider.Message, 0, len(history))
	resultAt := make(map[string]int)
	var open []provider.ToolCall

	closeRound := func() {
		for _, tc := range open {
			if _, ok := resultAt[tc.ID]; ok {
				continue
			}
			resultAt[tc.ID] = len(out)
			out = append(out, provider.Message{
				Role:       provider.MessageRoleTool,
				Content:    fmt.Sprintf("%s: %s", store.ResultCancelled, unansweredCall),
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				IsError:    true,
			})
		}
		open = nil
	}

	for _, turn := range history {
		switch turn.Kind {
		case store.TurnUserMessage:
			closeRound()
			out = append(out, provider.Message{Role: provider.MessageRoleUser, Content: turn.Text})
		case store.TurnAssistantMessage:
			closeRound()
			msg := provider.Message{Role: provider.MessageRoleAssistant, Content: turn.Text}
			for _, tc := range turn.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, provider.ToolCall{
					ID: tc.ID, Name: tc.Name, Arguments: provider.ObjectArguments(string(tc.Arguments)),
				})
			}
			if msg.Content == "" && len(msg.ToolCalls) == 0 {
				continue
			}
			open = msg.ToolCalls
			out = append(out, msg)
		case store.TurnToolResult:
			if turn.Result == nil {
				continue
			}
			content := renderResult(*turn.Result)
			if i, ok := resultAt[turn.Result.CallID]; ok {
				out[i].Content += "\n\n" + content
				continue
			}
			resultAt[turn.Result.CallID] = len(out)
			out = append(out, provider.Message{
				Role:       provider.MessageRoleTool,
				Content:    content,
				ToolCallID: turn.Result.CallID,
				ToolName:   turn.Result.ToolName,
				IsError:    !turn.Result.OK,
			})
		}
	}
	closeRound()
	return out
}

const unansweredCall = "the turn ended before this call produced a result"

func renderResult(res store.ToolResult) string {
	var body string
	if res.OK {
		body = renderOutput(res.Output)
	} else {
		body = fmt.Sprintf("%s: %s", res.Kind, res.Error)
	}
	if res.ToolName == DiagnosticsTool {
		return "diagnostics: " + body
	}
	return body
}

func renderOutput(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "ok"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
