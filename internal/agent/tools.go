// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/kernitus/neoai.nvim-sub001/internal/envelope"
	"github.com/kernitus/neoai.nvim-sub001/internal/host"
	"github.com/kernitus/neoai.nvim-sub001/internal/provider"
	"github.com/kernitus/neoai.nvim-sub001/internal/store"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// DefaultToolTimeout applies to tools that declare no timeout of their own.
const DefaultToolTimeout = 30 * time.Second

// ToolSpec is the call contract of one tool executed by the capability host.
type ToolSpec struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description,omitempty"`
	Schema      map[string]any `yaml:"schema" json:"schema,omitempty"`
	// Mutating tools change source text. Calls against the same target are
	// serialized and successful calls schedule diagnostic feedback.
	Mutating bool `yaml:"mutating" json:"mutating,omitempty"`
	// TargetArg names the argument holding the resource a mutating call
	// modifies, usually a file path.
	TargetArg string        `yaml:"target_arg" json:"target_arg,omitempty"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

type registeredTool struct {
	spec   ToolSpec
	schema *huma.Schema
}

// Registry maps tool names to their call contracts. Argument schemas are
// compiled once at registration.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*registeredTool
	order   []string
	schemas huma.Registry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*registeredTool),
		schemas: huma.NewMapRegistry("#/components/schemas/", huma.DefaultSchemaNamer),
	}
}

// Register adds or replaces a tool. A nil schema accepts any JSON object.
func (r *Registry) Register(spec ToolSpec) error {
	if spec.Name == "" {
		return neoerr.New(neoerr.CodeAgentToolRegisterInvalid, "tool name is required")
	}
	if spec.Mutating && spec.TargetArg == "" {
		spec.TargetArg = "file_path"
	}

	schema, err := compileSchema(spec.Schema)
	if err != nil {
		return neoerr.Wrap(err, neoerr.CodeAgentToolRegisterInvalid, "compiling argument schema",
			neoerr.FieldTool(spec.Name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; !exists {
		r.order = append(r.order, spec.Name)
	}
	r.tools[spec.Name] = &registeredTool{spec: spec, schema: schema}
	return nil
}

func compileSchema(raw map[string]any) (*huma.Schema, error) {
	if raw == nil {
		raw = map[string]any{"type": "object"}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var schema huma.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	if schema.Type != "" && schema.Type != huma.TypeObject {
		return nil, fmt.Errorf("argument schema must describe an object, got %q", schema.Type)
	}
	schema.PrecomputeMessages()
	return &schema, nil
}

// Get returns the spec registered under name.
func (r *Registry) Get(name string) (ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return ToolSpec{}, false
	}
	return t.spec, true
}

// List returns all specs in registration order.
func (r *Registry) List() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].spec)
	}
	return out
}

// Definitions returns the tools in the form sent to the model.
func (r *Registry) Definitions() []provider.ToolDefinition {
	specs := r.List()
	defs := make([]provider.ToolDefinition, 0, len(specs))
	for _, s := range specs {
		schema := s.Schema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, provider.ToolDefinition{
			Name:        s.Name,
			Description: s.Description,
			InputSchema: schema,
		})
	}
	return defs
}

// Validate checks call arguments against the tool's schema and returns the
// spec together with the decoded arguments.
func (r *Registry) Validate(name string, args json.RawMessage) (ToolSpec, map[string]any, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return ToolSpec{}, nil, neoerr.New(neoerr.CodeAgentToolInvalidArguments,
			"unknown tool "+name, neoerr.FieldTool(name))
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var value any
	if err := json.Unmarshal(args, &value); err != nil {
		return t.spec, nil, neoerr.Wrap(err, neoerr.CodeAgentToolInvalidArguments,
			"arguments are not valid JSON", neoerr.FieldTool(name))
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return t.spec, nil, neoerr.New(neoerr.CodeAgentToolInvalidArguments,
			"arguments must be a JSON object", neoerr.FieldTool(name))
	}

	res := &huma.ValidateResult{}
	huma.Validate(r.schemas, t.schema, huma.NewPathBuffer([]byte(""), 0), huma.ModeWriteToServer, obj, res)
	if len(res.Errors) > 0 {
		msgs := make([]string, 0, len(res.Errors))
		for _, e := range res.Errors {
			msgs = append(msgs, e.Error())
		}
		return t.spec, nil, neoerr.New(neoerr.CodeAgentToolInvalidArguments,
			"invalid arguments: "+strings.Join(msgs, "; "), neoerr.FieldTool(name))
	}
	return t.spec, obj, nil
}

// Target returns the resource a successful call to a mutating tool touched.
func (r *Registry) Target(call store.ToolCall) (string, bool) {
	spec, ok := r.Get(call.Name)
	if !ok || !spec.Mutating {
		return "", false
	}
	var args map[string]any
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return "", false
	}
	target, _ := args[spec.TargetArg].(string)
	return target, target != ""
}

// HostCaller writes tool call requests to the capability host.
type HostCaller interface {
	BeginToolCall(ctx context.Context, sessionID string, req envelope.ToolCallRequest) (host.Waiter, error)
}

// PendingCall is the future for one dispatched tool call. It resolves
// exactly once.
type PendingCall struct {
	call   store.ToolCall
	done   chan struct{}
	result store.ToolResult
}

func newPendingCall(call store.ToolCall) *PendingCall {
	return &PendingCall{call: call, done: make(chan struct{})}
}

func (p *PendingCall) complete(res store.ToolResult) {
	res.CallID = p.call.ID
	res.ToolName = p.call.Name
	p.result = res
	close(p.done)
}

// CallID returns the id of the call this future belongs to.
func (p *PendingCall) CallID() string { return p.call.ID }

// Done is closed when the result is available.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Wait blocks until the call resolves or ctx ends. Giving up on the wait
// does not cancel the call itself.
func (p *PendingCall) Wait(ctx context.Context) (store.ToolResult, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return store.ToolResult{}, ctx.Err()
	}
}

// DispatcherConfig holds dependencies for Dispatcher.
type DispatcherConfig struct {
	Registry       *Registry
	Host           HostCaller
	DefaultTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// Dispatcher validates tool calls, sends them to the capability host and
// correlates their results.
type Dispatcher struct {
	registry       *Registry
	host           HostCaller
	defaultTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
	targets        *targetLocks
}

// NewDispatcher creates a Dispatcher with the given configuration.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, neoerr.New(neoerr.CodeAgentLoopInvalidInput, "Registry is required")
	}
	if cfg.Host == nil {
		return nil, neoerr.New(neoerr.CodeAgentLoopInvalidInput, "Host is required")
	}
	d := &Dispatcher{
		registry:       cfg.Registry,
		host:           cfg.Host,
		defaultTimeout: cfg.DefaultTimeout,
		logger:         cfg.Logger,
		now:            cfg.Now,
		targets:        newTargetLocks(),
	}
	if d.defaultTimeout <= 0 {
		d.defaultTimeout = DefaultToolTimeout
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d, nil
}

// Registry returns the tool registry the dispatcher validates against.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Invoke dispatches one call. Invalid calls resolve immediately with an
// InvalidArguments result and never reach the host. For mutating tools,
// Invoke first waits for any earlier call on the same session and target to
// finish. The request is on the wire when Invoke returns.
func (d *Dispatcher) Invoke(ctx context.Context, sessionID string, call store.ToolCall) *PendingCall {
	return d.invoke(ctx, sessionID, call, nil)
}

func (d *Dispatcher) invoke(ctx context.Context, sessionID string, call store.ToolCall, stop <-chan struct{}) *PendingCall {
	p := newPendingCall(call)
	logger := d.logger.With("session_id", sessionID, "call_id", call.ID, "tool", call.Name)

	spec, args, err := d.registry.Validate(call.Name, call.Arguments)
	if err != nil {
		logger.Debug("rejecting tool call", "error", err)
		p.complete(failedResult(store.ResultInvalidArguments, err.Error(), 0))
		return p
	}

	release := func() {}
	if spec.Mutating {
		target, _ := args[spec.TargetArg].(string)
		release, err = d.targets.acquire(ctx, stop, sessionID+"\x00"+target)
		if err != nil {
			p.complete(failedResult(store.ResultCancelled, "cancelled before dispatch", 0))
			return p
		}
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)

	start := d.now()
	waiter, err := d.host.BeginToolCall(callCtx, sessionID, envelope.ToolCallRequest{
		CallID:    call.ID,
		Name:      call.Name,
		Arguments: call.Arguments,
	})
	if err != nil {
		cancel()
		release()
		logger.Warn("tool dispatch failed", "error", err)
		p.complete(failedResult(store.ResultToolFailed, err.Error(), 0))
		return p
	}

	go func() {
		defer cancel()
		defer release()

		res, err := waiter.Wait(callCtx)
		elapsed := d.now().Sub(start)
		switch {
		case err == nil && res.OK:
			p.complete(store.ToolResult{OK: true, Kind: store.ResultOK, Output: res.Output, Elapsed: elapsed})
		case err == nil:
			out := failedResult(store.ResultToolFailed, res.Error, elapsed)
			out.Output = res.Output
			p.complete(out)
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			logger.Warn("tool call timed out", "timeout", timeout)
			p.complete(failedResult(store.ResultToolTimeout,
				neoerr.Errorf(neoerr.CodeAgentToolTimeout, "tool %q timed out after %s", call.Name, timeout).Error(),
				elapsed))
		case ctx.Err() != nil:
			p.complete(failedResult(store.ResultCancelled, ctx.Err().Error(), elapsed))
		default:
			p.complete(failedResult(store.ResultToolFailed, err.Error(), elapsed))
		}
	}()
	return p
}

// Start dispatches calls in declaration order and returns one future per
// call. Once stop is closed no further calls are sent; the remaining ones
// resolve with a Cancelled result.
func (d *Dispatcher) Start(ctx context.Context, sessionID string, calls []store.ToolCall, stop <-chan struct{}) []*PendingCall {
	pending := make([]*PendingCall, len(calls))
	for i, call := range calls {
		if isClosed(stop) {
			p := newPendingCall(call)
			p.complete(failedResult(store.ResultCancelled, "cancelled before dispatch", 0))
			pending[i] = p
			continue
		}
		pending[i] = d.invoke(ctx, sessionID, call, stop)
	}
	return pending
}

// Collect waits for every future. Futures always resolve because each
// dispatched call carries a deadline.
func Collect(pending []*PendingCall) []store.ToolResult {
	results := make([]store.ToolResult, len(pending))
	for i, p := range pending {
		<-p.done
		results[i] = p.result
	}
	return results
}

// DispatchAll dispatches calls and returns their results in declaration
// order. Every call gets exactly one result.
func (d *Dispatcher) DispatchAll(ctx context.Context, sessionID string, calls []store.ToolCall, stop <-chan struct{}) []store.ToolResult {
	return Collect(d.Start(ctx, sessionID, calls, stop))
}

func failedResult(kind store.ResultKind, msg string, elapsed time.Duration) store.ToolResult {
	return store.ToolResult{OK: false, Kind: kind, Error: msg, Elapsed: elapsed}
}

func isClosed(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// targetLocks serializes mutating calls per (session, target).
type targetLocks struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newTargetLocks() *targetLocks {
	return &targetLocks{held: make(map[string]chan struct{})}
}

func (l *targetLocks) acquire(ctx context.Context, stop <-chan struct{}, key string) (func(), error) {
	for {
		l.mu.Lock()
		ch, busy := l.held[key]
		if !busy {
			released := make(chan struct{})
			l.held[key] = released
			l.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, key)
					l.mu.Unlock()
					close(released)
				})
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-ch:
		case <-stop:
			return nil, neoerr.New(neoerr.CodeAgentLoopCancelled, "cancelled while waiting for target")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
