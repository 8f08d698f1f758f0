// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package provider_test

import (
	"context"

	"github.com/kernitus/neoai.nvim-sub001/internal/provider"
)

type mockProvider struct {
	name      string
	available bool
	closed    bool
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Available(context.Context) bool { return m.available }
func (m *mockProvider) Close() error { m.closed = true; return nil }
func (m *mockProvider) Chat(context.Context, provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	ch := make(chan provider.ChatEvent, 1)
	ch <- provider.ChatEvent{Type: provider.EventTypeDone}
	close(ch)
	return ch, nil
}
