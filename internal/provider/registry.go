// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package provider

import (
	"context"
	"slices"
	"strings"
	"sync"

	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// Registry manages provider registration, lookup, and routing with
// failover. It implements the Router interface.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider

	defaultRef string   // "provider/model" format
	failover   []string // ordered list of "provider/model" refs
}

// Compile-time check that Registry implements Router.
var _ Router = (*Registry)(nil)

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// RegisterProvider adds a provider to the registry.
func (r *Registry) RegisterProvider(name string, p Provider) error {
	if name == "" || p == nil {
		return neoerr.New(neoerr.CodeProviderRequestInvalid, "provider name and instance are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, neoerr.New(neoerr.CodeProviderNotFound, "provider not found: "+name, neoerr.FieldProvider(name))
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// SetDefault sets the default "provider/model" reference. Returns an error
// if the provider portion of the ref is not registered.
func (r *Registry) SetDefault(ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRegisteredLocked(ref, "SetDefault"); err != nil {
		return err
	}
	r.defaultRef = ref
	return nil
}

// SetFailover sets the ordered failover chain of "provider/model" refs.
func (r *Registry) SetFailover(chain []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ref := range chain {
		if err := r.checkRegisteredLocked(ref, "SetFailover"); err != nil {
			return err
		}
	}
	r.failover = append([]string(nil), chain...)
	return nil
}

// MaxAttempts returns 1 (primary) + len(failover chain).
func (r *Registry) MaxAttempts() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return 1 + len(r.failover)
}

// Route selects a provider for modelRef. An empty ref (or "default") uses the
// configured default. Unavailable providers are skipped in favour of the
// failover chain.
func (r *Registry) Route(ctx context.Context, modelRef string) (Provider, string, error) {
	return r.RouteExcluding(ctx, modelRef, nil)
}

// RouteExcluding is like Route but skips the named providers, so a caller
// retrying after a failure progresses through the failover chain.
func (r *Registry) RouteExcluding(ctx context.Context, modelRef string, exclude []string) (Provider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ref, err := r.resolveRef(modelRef)
	if err != nil {
		return nil, "", err
	}
	if ref == "" {
		return nil, "", neoerr.New(neoerr.CodeProviderNoDefault, "no default provider configured")
	}

	for _, candidate := range append([]string{ref}, r.failover...) {
		provName, _ := parseRef(candidate)
		if slices.Contains(exclude, provName) {
			continue
		}
		if p, model, err := r.tryRef(ctx, candidate); err == nil {
			return p, model, nil
		}
	}

	return nil, "", neoerr.New(neoerr.CodeProviderAllUnavailable,
		"all providers unavailable: no healthy provider found")
}

// Close shuts down all registered providers.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return neoerr.Join(errs...)
	}
	return nil
}

func (r *Registry) checkRegisteredLocked(ref, op string) error {
	provName, _ := parseRef(ref)
	if _, ok := r.providers[provName]; !ok {
		return neoerr.New(neoerr.CodeProviderNotFound, op+": provider not registered: "+provName,
			neoerr.FieldProvider(provName))
	}
	return nil
}

// resolveRef determines which "provider/model" ref to use.
// Caller must hold r.mu (at least RLock).
func (r *Registry) resolveRef(modelRef string) (string, error) {
	if modelRef != "" && modelRef != "default" {
		if !strings.Contains(modelRef, "/") {
			return "", neoerr.Errorf(neoerr.CodeProviderInvalidModelRef,
				"model name %q must use provider/model format", modelRef)
		}
		return modelRef, nil
	}
	return r.defaultRef, nil
}

// tryRef looks up the provider for ref and checks availability.
// Caller must hold r.mu (at least RLock).
func (r *Registry) tryRef(ctx context.Context, ref string) (Provider, string, error) {
	providerName, model := parseRef(ref)

	p, ok := r.providers[providerName]
	if !ok {
		return nil, "", neoerr.New(neoerr.CodeProviderNotFound, "provider not found: "+providerName,
			neoerr.FieldProvider(providerName))
	}
	if !p.Available(ctx) {
		return nil, "", neoerr.New(neoerr.CodeProviderUpstreamFailure, "provider unavailable: "+providerName,
			neoerr.FieldProvider(providerName))
	}
	return p, model, nil
}

// parseRef splits a "provider/model" reference on the first "/".
func parseRef(ref string) (providerName, model string) {
	idx := strings.Index(ref, "/")
	if idx < 0 {
		return ref, ""
	}
	return ref[:idx], ref[idx+1:]
}
