// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package server

import (
	"context"

	"github.com/kernitus/neoai.nvim-sub001/internal/agent"
	"github.com/kernitus/neoai.nvim-sub001/internal/provider"
	"github.com/kernitus/neoai.nvim-sub001/internal/store"
)

// Services are the dependencies behind the HTTP routes.
type Services struct {
	Sessions  SessionService
	Providers ProviderService
	Events    *Broadcaster
	// HostConnected reports whether a capability host is attached.
	HostConnected func() bool
}

// SessionService is the session manager as seen by the HTTP API.
type SessionService interface {
	Create(ctx context.Context, title string) (*store.Session, error)
	Summary(ctx context.Context, id string) (agent.SessionSummary, error)
	List(ctx context.Context, opts store.ListOpts) ([]agent.SessionSummary, error)
	Rename(ctx context.Context, id, title string) (*store.Session, error)
	Delete(ctx context.Context, id string) error
	History(ctx context.Context, id string) ([]*store.Turn, error)
	Chat(ctx context.Context, id, text string) (*agent.TurnOutcome, error)
	Cancel(id string) bool
}

var _ SessionService = (*agent.SessionManager)(nil)

// ProviderService reports model provider health.
type ProviderService interface {
	Health(ctx context.Context) []ProviderHealth
}

// ProviderHealth is one provider's health as reported by the API.
type ProviderHealth struct {
	Name string `json:"name"`
	provider.HealthMetrics
}

// RegistryHealth adapts a provider registry to ProviderService.
type RegistryHealth struct {
	Registry *provider.Registry
}

// Health implements ProviderService.
func (r RegistryHealth) Health(ctx context.Context) []ProviderHealth {
	names := r.Registry.Names()
	out := make([]ProviderHealth, 0, len(names))
	for _, name := range names {
		p, err := r.Registry.Get(name)
		if err != nil {
			continue
		}
		h := ProviderHealth{Name: name}
		if reporter, ok := p.(provider.HealthReporter); ok {
			h.HealthMetrics = reporter.HealthMetrics()
		} else {
			h.Available = p.Available(ctx)
		}
		out = append(out, h)
	}
	return out
}
