// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package server_test

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernitus/neoai.nvim-sub001/internal/provider"
	"github.com/kernitus/neoai.nvim-sub001/internal/server"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

func TestServer_New_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  server.Config
		svc  server.Services
		want string
	}{
		{"missing listen address", server.Config{}, server.Services{Sessions: newFakeSessions()}, "listen address is required"},
		{"missing sessions", server.Config{ListenAddr: "127.0.0.1:0"}, server.Services{}, "session service is required"},
		{
			"negative rate",
			server.Config{ListenAddr: "127.0.0.1:0", RateLimit: server.RateLimitConfig{RequestsPerSecond: -1}},
			server.Services{Sessions: newFakeSessions()},
			"must not be negative",
		},
		{
			"rate without burst",
			server.Config{ListenAddr: "127.0.0.1:0", RateLimit: server.RateLimitConfig{RequestsPerSecond: 5}},
			server.Services{Sessions: newFakeSessions()},
			"burst must be positive",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := server.New(tt.cfg, tt.svc)
			require.Error(t, err)
			assert.True(t, neoerr.HasCode(err, neoerr.CodeServerConfigInvalid), "got %s", neoerr.CodeOf(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestServer_LivenessEndpoint(t *testing.T) {
	srv := newServer(t, server.Config{}, server.Services{})

	w := do(t, srv.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[server.LivenessBody](t, w).Status)
}

type staticProviders []server.ProviderHealth

func (s staticProviders) Health(context.Context) []server.ProviderHealth { return s }

func TestServer_HealthReportsHostAndProviders(t *testing.T) {
	srv := newServer(t, server.Config{}, server.Services{
		Providers: staticProviders{
			{Name: "anthropic", HealthMetrics: provider.HealthMetrics{Available: true}},
			{Name: "openai", HealthMetrics: provider.HealthMetrics{Available: false, FailureCount: 3}},
		},
		HostConnected: func() bool { return true },
	})

	w := do(t, srv.Handler(), http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode[struct {
		Status        string `json:"status"`
		HostConnected bool   `json:"host_connected"`
		Providers     []struct {
			Name         string `json:"name"`
			Available    bool   `json:"available"`
			FailureCount int    `json:"failure_count"`
		} `json:"providers"`
	}](t, w)
	assert.Equal(t, "ok", body.Status)
	assert.True(t, body.HostConnected)
	require.Len(t, body.Providers, 2)
	assert.Equal(t, "openai", body.Providers[1].Name)
	assert.False(t, body.Providers[1].Available)
	assert.Equal(t, 3, body.Providers[1].FailureCount)
}

func TestServer_HealthWithoutOptionalServices(t *testing.T) {
	srv := newServer(t, server.Config{}, server.Services{})

	w := do(t, srv.Handler(), http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, false, body["host_connected"])
	assert.Equal(t, []any{}, body["providers"])
}

func TestServer_OpenAPIDocument(t *testing.T) {
	srv := newServer(t, server.Config{}, server.Services{})

	w := do(t, srv.Handler(), http.MethodGet, "/openapi.json", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	for _, path := range []string{
		"/api/v1/sessions",
		"/api/v1/sessions/{id}",
		"/api/v1/sessions/{id}/turns",
		"/api/v1/sessions/{id}/messages",
		"/api/v1/sessions/{id}/cancel",
		"/api/v1/sessions/{id}/events",
	} {
		assert.Contains(t, body, `"`+path+`"`)
	}
	assert.Contains(t, body, "text/event-stream")
}

func TestServer_CloseIsIdempotent(t *testing.T) {
	srv := newServer(t, server.Config{}, server.Services{})
	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
}

func TestServeListener_ShutsDownOnCancel(t *testing.T) {
	srv := newServer(t, server.Config{}, server.Services{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.ServeListener(ctx, ln, srv.Handler(), time.Second, nil) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ServeListener did not return after cancel")
	}
}

func TestServe_ListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	err = server.Serve(context.Background(), ln.Addr().String(), http.NotFoundHandler(), time.Second, nil)
	require.Error(t, err)
	assert.True(t, neoerr.HasCode(err, neoerr.CodeServerStartFailure))
}
