// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package openai_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernitus/neoai.nvim-sub001/internal/provider"
	"github.com/kernitus/neoai.nvim-sub001/internal/provider/openai"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

func TestOpenAIProvider_Name(t *testing.T) {
	p := mustNewProvider(t, "")
	assert.Equal(t, "openai", p.Name())
	assert.True(t, p.Available(context.Background()))
	assert.NoError(t, p.Close())
}

func TestOpenAIProvider_MissingAPIKey(t *testing.T) {
	_, err := openai.New(openai.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
	assert.True(t, neoerr.HasCode(err, neoerr.CodeProviderRequestInvalid))
}

func TestConvertMessages_CarriesToolCalls(t *testing.T) {
	msgs := []provider.Message{
		{Role: provider.MessageRoleUser, Content: "rename foo"},
		{Role: provider.MessageRoleAssistant, Content: "editing", ToolCalls: []provider.ToolCall{
			{ID: "c1", Name: "edit", Arguments: `{"file_path":"a.go"}`},
		}},
		{Role: provider.MessageRoleTool, ToolCallID: "c1", Content: "no such file", IsError: true},
	}

	got, err := openai.ConvertMessages(msgs, "be terse")
	require.NoError(t, err)
	require.Len(t, got, 4)

	require.NotNil(t, got[0].OfSystem)
	require.NotNil(t, got[1].OfUser)

	require.NotNil(t, got[2].OfAssistant)
	require.Len(t, got[2].OfAssistant.ToolCalls, 1)
	assert.Equal(t, "c1", got[2].OfAssistant.ToolCalls[0].ID)
	assert.Equal(t, "edit", got[2].OfAssistant.ToolCalls[0].Function.Name)
	assert.Equal(t, "editing", got[2].OfAssistant.Content.OfString.Value)

	require.NotNil(t, got[3].OfTool)
	assert.Equal(t, "c1", got[3].OfTool.ToolCallID)
	assert.Equal(t, "error: no such file", got[3].OfTool.Content.OfString.Value)
}

func TestConvertMessages_NonObjectArgumentsReplayAsEmptyObject(t *testing.T) {
	got, err := openai.ConvertMessages([]provider.Message{{
		Role: provider.MessageRoleAssistant,
		ToolCalls: []provider.ToolCall{
			{ID: "c1", Name: "edit", Arguments: `"{\"file_path\": \"a.go"`},
			{ID: "c2", Name: "grep", Arguments: ""},
			{ID: "c3", Name: "grep", Arguments: `{"pattern":"foo"}`},
		},
	}}, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].OfAssistant)

	calls := got[0].OfAssistant.ToolCalls
	require.Len(t, calls, 3)
	assert.Equal(t, "{}", calls[0].Function.Arguments)
	assert.Equal(t, "{}", calls[1].Function.Arguments)
	assert.Equal(t, `{"pattern":"foo"}`, calls[2].Function.Arguments)
}

func TestConvertMessages_UnknownRole(t *testing.T) {
	_, err := openai.ConvertMessages([]provider.Message{{Role: "narrator"}}, "")
	require.Error(t, err)
	assert.True(t, neoerr.IsInvalidInput(err))
}

func TestBuildParams_Options(t *testing.T) {
	temp := float32(0.2)
	params, err := openai.BuildParams(provider.ChatRequest{
		Model:   "gpt-4.1",
		Tools:   []provider.ToolDefinition{{Name: "edit", InputSchema: map[string]any{"type": "object"}}},
		Options: provider.ChatOptions{Temperature: &temp, MaxTokens: 256},
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4.1", string(params.Model))
	assert.Equal(t, int64(256), params.MaxCompletionTokens.Value)
	assert.InDelta(t, 0.2, params.Temperature.Value, 0.0001)
	require.Len(t, params.Tools, 1)
	assert.Equal(t, "edit", params.Tools[0].Function.Name)
}

func TestOpenAIProvider_ChatStreamsToolCallsInOrder(t *testing.T) {
	chunks := []string{
		`{"id":"x","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":"ok "}}]}`,
		`{"id":"x","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"c1","type":"function","function":{"name":"read_file","arguments":"{\"path\":"}}]}}]}`,
		`{"id":"x","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"c2","type":"function","function":{"name":"edit","arguments":"{}"}}]}}]}`,
		`{"id":"x","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"a.go\"}"}}]}}]}`,
		`{"id":"x","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", c)
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := mustNewProvider(t, srv.URL)
	ch, err := p.Chat(context.Background(), provider.ChatRequest{
		Model:    "m",
		Messages: []provider.Message{{Role: provider.MessageRoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	var text string
	var calls []*provider.ToolCall
	var starts int
	var last provider.EventType
	for ev := range ch {
		switch ev.Type {
		case provider.EventTypeTextDelta:
			text += ev.Text
		case provider.EventTypeToolCallStart:
			starts++
		case provider.EventTypeToolCall:
			calls = append(calls, ev.ToolCall)
		case provider.EventTypeError:
			t.Fatalf("unexpected error event: %s", ev.Error)
		}
		last = ev.Type
	}

	assert.Equal(t, "ok ", text)
	assert.Equal(t, 2, starts)
	require.Len(t, calls, 2)
	assert.Equal(t, "c1", calls[0].ID)
	assert.JSONEq(t, `{"path":"a.go"}`, calls[0].Arguments)
	assert.Equal(t, "c2", calls[1].ID)
	assert.Equal(t, provider.EventTypeDone, last)
}

func mustNewProvider(t *testing.T, baseURL string) *openai.Provider {
	t.Helper()
	p, err := openai.New(openai.Config{APIKey: "test-key-not-real", BaseURL: baseURL})
	require.NoError(t, err)
	return p
}
