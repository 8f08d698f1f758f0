// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package store

import (
	"encoding/json"
	"time"

	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// --- Session types ---

// Session is one persisted conversation. Turns are stored separately and
// only ever appended; the metadata here is updated in place.
type Session struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Validate checks that the Session has all required fields set.
func (s Session) Validate() error {
	if s.ID == "" {
		return neoerr.New(neoerr.CodeStoreSessionInvalid, "session: ID is required")
	}
	if s.CreatedAt.IsZero() {
		return neoerr.New(neoerr.CodeStoreSessionInvalid, "session: CreatedAt is required",
			neoerr.FieldSessionID(s.ID))
	}
	return nil
}

// --- Turn types ---

// TurnKind identifies what a Turn records.
type TurnKind string

const (
	TurnUserMessage      TurnKind = "user_message"
	TurnAssistantMessage TurnKind = "assistant_message"
	TurnToolCall         TurnKind = "tool_call"
	TurnToolResult       TurnKind = "tool_result"
)

// Valid reports whether k is a known turn kind.
func (k TurnKind) Valid() bool {
	switch k {
	case TurnUserMessage, TurnAssistantMessage, TurnToolCall, TurnToolResult:
		return true
	default:
		return false
	}
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ResultKind classifies a failed tool result. Successful results carry
// ResultOK.
type ResultKind string

const (
	ResultOK               ResultKind = "ok"
	ResultInvalidArguments ResultKind = "invalid_arguments"
	ResultToolTimeout      ResultKind = "tool_timeout"
	ResultToolFailed       ResultKind = "tool_failed"
	ResultCancelled        ResultKind = "cancelled"
)

// ToolResult is the outcome of one ToolCall. Diagnostic feedback is recorded
// as an additional ToolResult carrying the originating mutating call's id.
type ToolResult struct {
	CallID   string          `json:"call_id"`
	ToolName string          `json:"tool_name"`
	OK       bool            `json:"ok"`
	Kind     ResultKind      `json:"kind"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Elapsed  time.Duration   `json:"elapsed"`
}

// Turn is one persisted unit of conversation history.
type Turn struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	// Seq orders turns within a session. Assigned by the store on append.
	Seq       int64     `json:"seq"`
	Kind      TurnKind  `json:"kind"`
	CreatedAt time.Time `json:"created_at"`

	// Text is the user message or the assistant reply.
	Text string `json:"text,omitempty"`
	// Reasoning and Effort are optional assistant metadata.
	Reasoning string `json:"reasoning,omitempty"`
	Effort    string `json:"effort,omitempty"`
	// ToolCalls are embedded in an assistant message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// Call is set for TurnToolCall.
	Call *ToolCall `json:"call,omitempty"`
	// Result is set for TurnToolResult.
	Result *ToolResult `json:"result,omitempty"`
}

// Validate checks the kind-specific fields of a turn before it is appended.
func (t Turn) Validate() error {
	if t.SessionID == "" {
		return neoerr.New(neoerr.CodeStoreTurnAppendInvalid, "turn: SessionID is required")
	}
	switch t.Kind {
	case TurnUserMessage, TurnAssistantMessage:
		return nil
	case TurnToolCall:
		if t.Call == nil || t.Call.ID == "" {
			return neoerr.New(neoerr.CodeStoreTurnAppendInvalid, "turn: tool call requires a call id",
				neoerr.FieldSessionID(t.SessionID))
		}
	case TurnToolResult:
		if t.Result == nil || t.Result.CallID == "" {
			return neoerr.New(neoerr.CodeStoreTurnAppendInvalid, "turn: tool result requires a call id",
				neoerr.FieldSessionID(t.SessionID))
		}
	default:
		return neoerr.Errorf(neoerr.CodeStoreTurnAppendInvalid, "turn: invalid kind %q", t.Kind)
	}
	return nil
}

// TurnBody is the kind-specific part of a Turn as persisted by backends that
// store it as a document.
type TurnBody struct {
	Text      string      `json:"text,omitempty"`
	Reasoning string      `json:"reasoning,omitempty"`
	Effort    string      `json:"effort,omitempty"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
	Call      *ToolCall   `json:"call,omitempty"`
	Result    *ToolResult `json:"result,omitempty"`
}

// Body extracts the kind-specific fields of t.
func (t Turn) Body() TurnBody {
	return TurnBody{
		Text:      t.Text,
		Reasoning: t.Reasoning,
		Effort:    t.Effort,
		ToolCalls: t.ToolCalls,
		Call:      t.Call,
		Result:    t.Result,
	}
}

// Apply copies b into t.
func (b TurnBody) Apply(t *Turn) {
	t.Text = b.Text
	t.Reasoning = b.Reasoning
	t.Effort = b.Effort
	t.ToolCalls = b.ToolCalls
	t.Call = b.Call
	t.Result = b.Result
}

// --- Query options ---

// ListOpts provides pagination parameters for list operations.
type ListOpts struct {
	Limit  int
	Offset int
}
