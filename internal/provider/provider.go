// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package provider

import (
	"bytes"
	"context"
	"encoding/json"
)

// Provider is the core interface for model providers.
type Provider interface {
	Name() string
	Available(ctx context.Context) bool
	// Chat streams the model's answer. Transport or auth failures that occur
	// after the stream has started arrive as an EventTypeError event; the
	// stream is never terminated silently.
	Chat(ctx context.Context, req ChatRequest) (<-chan ChatEvent, error)
	Close() error
}

// Router selects the provider and model for a request.
type Router interface {
	Route(ctx context.Context, modelRef string) (Provider, string, error)
	RegisterProvider(name string, provider Provider) error
	Close() error
}

// ChatRequest represents a request to the model.
type ChatRequest struct {
	Model        string
	Messages     []Message
	Tools        []ToolDefinition
	SystemPrompt string
	Options      ChatOptions
}

// ChatOptions contains model configuration.
type ChatOptions struct {
	Temperature   *float32
	MaxTokens     int
	StopSequences []string
}

// Message represents a conversation message.
type Message struct {
	Role    MessageRole
	Content string
	// ToolCalls are the calls requested by an assistant message.
	ToolCalls []ToolCall
	// ToolCallID and ToolName identify the call a tool message answers.
	ToolCallID string
	ToolName   string
	IsError    bool
}

// MessageRole defines the role of a message sender.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
	MessageRoleTool      MessageRole = "tool"
)

// ToolDefinition describes a tool available to the agent.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ChatEvent is a streaming response event.
type ChatEvent struct {
	Type     EventType
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
	Error    string
}

// EventType defines the type of chat event.
type EventType string

const (
	EventTypeTextDelta      EventType = "text_delta"
	EventTypeReasoningDelta EventType = "reasoning_delta"
	// EventTypeToolCallStart announces a tool call whose arguments are still
	// streaming. Only ID and Name are set.
	EventTypeToolCallStart EventType = "tool_call_start"
	EventTypeToolCall      EventType = "tool_call"
	EventTypeUsage         EventType = "usage"
	EventTypeDone          EventType = "done"
	EventTypeError         EventType = "error"
)

// ToolCall represents a tool invocation by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// ObjectArguments returns args when it is a JSON object and "{}" otherwise.
// Vendors reject replayed tool calls whose input is not an object, so a
// malformed call the model once produced must not poison later requests.
func ObjectArguments(args string) string {
	trimmed := bytes.TrimSpace([]byte(args))
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return "{}"
	}
	return args
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
}
