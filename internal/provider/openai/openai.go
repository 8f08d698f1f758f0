// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package openai

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/kernitus/neoai.nvim-sub001/internal/provider"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// Config holds OpenAI provider configuration.
type Config struct {
	APIKey         string
	BaseURL        string // optional; also selects OpenAI-compatible servers
	HealthCooldown time.Duration
}

// Provider implements provider.Provider using the OpenAI Chat Completions API.
type Provider struct {
	client openaisdk.Client
	health *provider.HealthTracker
}

var _ provider.Provider = (*Provider)(nil)

// New creates a new OpenAI provider. Returns an error if the API key is missing.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, neoerr.New(neoerr.CodeProviderRequestInvalid, "openai: missing api_key in config",
			neoerr.FieldProvider("openai"))
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{
		client: openaisdk.NewClient(opts...),
		health: provider.NewHealthTracker(cfg.HealthCooldown),
	}, nil
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Available(_ context.Context) bool {
	return p.health.IsHealthy()
}

// HealthMetrics reports the provider's health for the doctor command.
func (p *Provider) HealthMetrics() provider.HealthMetrics { return p.health.HealthMetrics() }

func (p *Provider) Chat(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}

	eventCh := make(chan provider.ChatEvent, 100)

	go func() {
		defer close(eventCh)
		p.streamChat(ctx, params, eventCh)
	}()

	return eventCh, nil
}

func (p *Provider) Close() error { return nil }

// buildParams converts a provider.ChatRequest into OpenAI SDK ChatCompletionNewParams.
func buildParams(req provider.ChatRequest) (openaisdk.ChatCompletionNewParams, error) {
	msgs, err := convertMessages(req.Messages, req.SystemPrompt)
	if err != nil {
		return openaisdk.ChatCompletionNewParams{}, err
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: msgs,
		StreamOptions: openaisdk.ChatCompletionStreamOptionsParam{
			IncludeUsage: param.NewOpt(true),
		},
	}

	if req.Options.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.Options.MaxTokens))
	}
	if req.Options.Temperature != nil {
		params.Temperature = param.NewOpt(float64(*req.Options.Temperature))
	}
	if len(req.Options.StopSequences) > 0 {
		params.Stop = openaisdk.ChatCompletionNewParamsStopUnion{
			OfStringArray: req.Options.StopSequences,
		}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	return params, nil
}

// convertMessages transforms provider messages into OpenAI message params.
// The system prompt is prepended as a system message if present.
func convertMessages(msgs []provider.Message, systemPrompt string) ([]openaisdk.ChatCompletionMessageParamUnion, error) {
	var result []openaisdk.ChatCompletionMessageParamUnion

	if systemPrompt != "" {
		result = append(result, openaisdk.SystemMessage(systemPrompt))
	}

	for _, msg := range msgs {
		switch msg.Role {
		case provider.MessageRoleUser:
			result = append(result, openaisdk.UserMessage(msg.Content))
		case provider.MessageRoleAssistant:
			result = append(result, assistantMessage(msg))
		case provider.MessageRoleTool:
			content := msg.Content
			if msg.IsError {
				content = "error: " + content
			}
			result = append(result, openaisdk.ToolMessage(content, msg.ToolCallID))
		case provider.MessageRoleSystem:
			result = append(result, openaisdk.SystemMessage(msg.Content))
		default:
			return nil, neoerr.Errorf(neoerr.CodeProviderRequestInvalid,
				"openai: unsupported message role %q", msg.Role)
		}
	}

	return result, nil
}

func assistantMessage(msg provider.Message) openaisdk.ChatCompletionMessageParamUnion {
	if len(msg.ToolCalls) == 0 {
		return openaisdk.AssistantMessage(msg.Content)
	}
	am := openaisdk.ChatCompletionAssistantMessageParam{}
	if msg.Content != "" {
		am.Content.OfString = param.NewOpt(msg.Content)
	}
	for _, tc := range msg.ToolCalls {
		am.ToolCalls = append(am.ToolCalls, openaisdk.ChatCompletionMessageToolCallParam{
			ID: tc.ID,
			Function: openaisdk.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: provider.ObjectArguments(tc.Arguments),
			},
		})
	}
	return openaisdk.ChatCompletionMessageParamUnion{OfAssistant: &am}
}

// convertTools transforms provider.ToolDefinition slices into OpenAI SDK tool params.
func convertTools(tools []provider.ToolDefinition) []openaisdk.ChatCompletionToolParam {
	result := make([]openaisdk.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		result = append(result, openaisdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  shared.FunctionParameters(t.InputSchema),
			},
		})
	}
	return result
}

type toolAccum struct {
	id          string
	name        string
	partialArgs string
}

// streamChat runs the streaming loop, converting SDK events into provider.ChatEvent values.
func (p *Provider) streamChat(ctx context.Context, params openaisdk.ChatCompletionNewParams, ch chan<- provider.ChatEvent) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	send := func(ev provider.ChatEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	toolCalls := make(map[int64]*toolAccum)

	// flush emits accumulated calls in index order, which is the order the
	// model declared them.
	flush := func() bool {
		indexes := make([]int64, 0, len(toolCalls))
		for idx := range toolCalls {
			indexes = append(indexes, idx)
		}
		slices.Sort(indexes)
		for _, idx := range indexes {
			acc := toolCalls[idx]
			delete(toolCalls, idx)
			if !json.Valid([]byte(acc.partialArgs)) {
				acc.partialArgs = "{}"
			}
			if !send(provider.ChatEvent{
				Type:     provider.EventTypeToolCall,
				ToolCall: &provider.ToolCall{ID: acc.id, Name: acc.name, Arguments: acc.partialArgs},
			}) {
				return false
			}
		}
		return true
	}

	for stream.Next() {
		chunk := stream.Current()

		for _, choice := range chunk.Choices {
			delta := choice.Delta

			if delta.Content != "" {
				if !send(provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: delta.Content}) {
					return
				}
			}

			for _, tc := range delta.ToolCalls {
				acc, ok := toolCalls[tc.Index]
				if !ok {
					acc = &toolAccum{}
					toolCalls[tc.Index] = acc
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				acc.partialArgs += tc.Function.Arguments
				if !ok && !send(provider.ChatEvent{
					Type:     provider.EventTypeToolCallStart,
					ToolCall: &provider.ToolCall{ID: acc.id, Name: acc.name},
				}) {
					return
				}
			}

			if choice.FinishReason == "tool_calls" && !flush() {
				return
			}
		}

		// Usage arrives on the last chunk when include_usage is set.
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			send(provider.ChatEvent{
				Type: provider.EventTypeUsage,
				Usage: &provider.Usage{
					InputTokens:     int(chunk.Usage.PromptTokens),
					OutputTokens:    int(chunk.Usage.CompletionTokens),
					CacheReadTokens: int(chunk.Usage.PromptTokensDetails.CachedTokens),
				},
			})
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() == nil {
			p.health.RecordFailure()
		}
		send(provider.ChatEvent{Type: provider.EventTypeError, Error: err.Error()})
		return
	}

	// Some compatible servers omit finish_reason.
	if !flush() {
		return
	}
	p.health.RecordSuccess()
	send(provider.ChatEvent{Type: provider.EventTypeDone})
}
