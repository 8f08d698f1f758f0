// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package server_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kernitus/neoai.nvim-sub001/internal/server"
)

func TestAuth_TokenGuardsAPIRoutes(t *testing.T) {
	srv := newServer(t, server.Config{Token: "s3cret"}, server.Services{})
	h := srv.Handler()

	tests := []struct {
		name   string
		path   string
		header []string
		want   int
	}{
		{"liveness is open", "/health", nil, http.StatusOK},
		{"openapi is open", "/openapi.json", nil, http.StatusOK},
		{"missing token", "/api/v1/sessions", nil, http.StatusUnauthorized},
		{"wrong scheme", "/api/v1/sessions", []string{"Authorization", "Basic s3cret"}, http.StatusUnauthorized},
		{"wrong token", "/api/v1/sessions", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"valid token", "/api/v1/sessions", []string{"Authorization", "Bearer s3cret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodGet, tt.path, nil, tt.header...)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
				assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
			}
		})
	}
}

func TestAuth_NoTokenLeavesAPIOpen(t *testing.T) {
	srv := newServer(t, server.Config{}, server.Services{})

	w := do(t, srv.Handler(), http.MethodGet, "/api/v1/sessions", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
