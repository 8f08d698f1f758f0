// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package envelope

import "encoding/json"

// Request methods carried by KindRequest envelopes.
const (
	MethodChat           = "chat"
	MethodCancel         = "cancel"
	MethodSessionCreate  = "session.create"
	MethodSessionSwitch  = "session.switch"
	MethodSessionRename  = "session.rename"
	MethodSessionDelete  = "session.delete"
	MethodSessionList    = "session.list"
	MethodSessionHistory = "session.history"
	MethodToolsRegister  = "tools.register"
)

// Request is the payload of a KindRequest envelope.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ToolCallRequest asks the host to execute one tool.
type ToolCallRequest struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallResult is the host's answer to a ToolCallRequest.
type ToolCallResult struct {
	CallID string          `json:"call_id"`
	OK     bool            `json:"ok"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Stream chunk types.
const (
	ChunkTextDelta     = "text_delta"
	ChunkToolCallDelta = "tool_call_delta"
	ChunkTiming        = "timing"
	ChunkState         = "state"
)

// StreamChunk carries one incremental update for the host to render.
type StreamChunk struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	State     string `json:"state,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
}

// ErrorPayload is the payload of a KindError envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Done is the payload of a KindDone envelope.
type Done struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// Notification events pushed by the host.
const (
	EventFileDeleted = "file_deleted"
	EventFileChanged = "file_changed"
)

// Notification is the payload of a KindNotification envelope.
type Notification struct {
	Event string `json:"event"`
	Path  string `json:"path,omitempty"`
}
