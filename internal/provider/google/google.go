// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package google

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/kernitus/neoai.nvim-sub001/internal/provider"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// Config holds Google provider configuration.
type Config struct {
	APIKey         string
	BaseURL        string
	HealthCooldown time.Duration
}

// Provider implements provider.Provider using the Google Gemini API.
type Provider struct {
	client *genai.Client
	health *provider.HealthTracker
}

var _ provider.Provider = (*Provider)(nil)

// New creates a new Google provider. Returns an error if the API key is missing.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, neoerr.New(neoerr.CodeProviderRequestInvalid, "google: missing api_key in config",
			neoerr.FieldProvider("google"))
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, neoerr.Wrapf(err, neoerr.CodeProviderUpstreamFailure, "google: creating client")
	}

	return &Provider{
		client: client,
		health: provider.NewHealthTracker(cfg.HealthCooldown),
	}, nil
}

func (p *Provider) Name() string { return "google" }

func (p *Provider) Available(_ context.Context) bool {
	return p.health.IsHealthy()
}

// HealthMetrics reports the provider's health for the doctor command.
func (p *Provider) HealthMetrics() provider.HealthMetrics { return p.health.HealthMetrics() }

func (p *Provider) Chat(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	contents, err := convertMessages(req.Messages)
	if err != nil {
		return nil, neoerr.Wrapf(err, neoerr.CodeProviderRequestInvalid, "google: converting messages")
	}

	config := buildConfig(req)

	eventCh := make(chan provider.ChatEvent, 100)

	go func() {
		defer close(eventCh)
		p.streamChat(ctx, req.Model, contents, config, eventCh)
	}()

	return eventCh, nil
}

func (p *Provider) Close() error { return nil }

// buildConfig converts a provider.ChatRequest into a genai.GenerateContentConfig.
func buildConfig(req provider.ChatRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	if req.Options.Temperature != nil {
		cfg.Temperature = genai.Ptr(*req.Options.Temperature)
	}
	if req.Options.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.Options.MaxTokens)
	}
	if len(req.Options.StopSequences) > 0 {
		cfg.StopSequences = req.Options.StopSequences
	}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}
	if len(req.Tools) > 0 {
		cfg.Tools = convertTools(req.Tools)
	}

	return cfg
}

// convertMessages transforms provider messages into genai contents. Gemini
// expects every function response for a model turn in the same user content,
// so consecutive tool messages are grouped.
func convertMessages(msgs []provider.Message) ([]*genai.Content, error) {
	var result []*genai.Content
	var responses []*genai.Part

	flush := func() {
		if len(responses) > 0 {
			result = append(result, &genai.Content{Role: "user", Parts: responses})
			responses = nil
		}
	}

	for _, msg := range msgs {
		if msg.Role == provider.MessageRoleTool {
			key := "output"
			if msg.IsError {
				key = "error"
			}
			responses = append(responses, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     msg.ToolName,
					Response: map[string]any{key: msg.Content},
				},
			})
			continue
		}
		flush()

		switch msg.Role {
		case provider.MessageRoleUser:
			result = append(result, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		case provider.MessageRoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				args := map[string]any{}
				if err := json.Unmarshal([]byte(provider.ObjectArguments(tc.Arguments)), &args); err != nil {
					return nil, neoerr.Wrapf(err, neoerr.CodeProviderRequestInvalid,
						"google: decoding arguments of tool call %s", tc.ID)
				}
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
				})
			}
			if len(parts) == 0 {
				continue
			}
			result = append(result, &genai.Content{Role: "model", Parts: parts})
		case provider.MessageRoleSystem:
			// Carried by SystemInstruction.
			continue
		default:
			return nil, neoerr.Errorf(neoerr.CodeProviderRequestInvalid, "google: unsupported message role %q", msg.Role)
		}
	}
	flush()

	return result, nil
}

// convertTools transforms provider.ToolDefinition slices into genai.Tool slices.
func convertTools(tools []provider.ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: t.InputSchema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// streamChat runs the streaming loop, converting SDK responses into provider.ChatEvent values.
func (p *Provider) streamChat(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	config *genai.GenerateContentConfig,
	ch chan<- provider.ChatEvent,
) {
	send := func(ev provider.ChatEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for result, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			if ctx.Err() == nil {
				p.health.RecordFailure()
			}
			send(provider.ChatEvent{Type: provider.EventTypeError, Error: err.Error()})
			return
		}

		for _, candidate := range result.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if !p.emitPart(part, send) {
					return
				}
			}
		}

		if result.UsageMetadata != nil {
			send(provider.ChatEvent{
				Type: provider.EventTypeUsage,
				Usage: &provider.Usage{
					InputTokens:     int(result.UsageMetadata.PromptTokenCount),
					OutputTokens:    int(result.UsageMetadata.CandidatesTokenCount),
					CacheReadTokens: int(result.UsageMetadata.CachedContentTokenCount),
				},
			})
		}
	}

	p.health.RecordSuccess()
	send(provider.ChatEvent{Type: provider.EventTypeDone})
}

func (p *Provider) emitPart(part *genai.Part, send func(provider.ChatEvent) bool) bool {
	if part.Text != "" {
		typ := provider.EventTypeTextDelta
		if part.Thought {
			typ = provider.EventTypeReasoningDelta
		}
		if !send(provider.ChatEvent{Type: typ, Text: part.Text}) {
			return false
		}
	}
	if part.FunctionCall == nil {
		return true
	}

	fc := part.FunctionCall
	args, err := json.Marshal(fc.Args)
	if err != nil {
		p.health.RecordFailure()
		slog.Error("failed to marshal tool call arguments", "function", fc.Name, "error", err)
		send(provider.ChatEvent{
			Type: provider.EventTypeError,
			Error: neoerr.Wrapf(err, neoerr.CodeProviderUpstreamFailure,
				"google: marshaling tool call arguments for %q", fc.Name).Error(),
		})
		return false
	}
	// Gemini does not always assign call ids.
	id := fc.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	call := &provider.ToolCall{ID: id, Name: fc.Name, Arguments: string(args)}
	if !send(provider.ChatEvent{Type: provider.EventTypeToolCallStart, ToolCall: &provider.ToolCall{ID: id, Name: fc.Name}}) {
		return false
	}
	return send(provider.ChatEvent{Type: provider.EventTypeToolCall, ToolCall: call})
}
