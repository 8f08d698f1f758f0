// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kernitus/neoai.nvim-sub001/internal/config"
	"github.com/kernitus/neoai.nvim-sub001/internal/secrets"
	"github.com/kernitus/neoai.nvim-sub001/internal/store"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// mockSecretStore is an in-memory secrets.Store for testing.
type mockSecretStore struct {
	data map[string]string
}

func newMockSecretStore() *mockSecretStore {
	return &mockSecretStore{data: make(map[string]string)}
}

func (m *mockSecretStore) Set(service, key, value string) error {
	m.data[service+"/"+key] = value
	return nil
}

func (m *mockSecretStore) Get(service, key string) (string, error) {
	v, ok := m.data[service+"/"+key]
	if !ok {
		return "", neoerr.New(neoerr.CodeSecretNotFound, "secret not found")
	}
	return v, nil
}

func (m *mockSecretStore) Delete(service, key string) error {
	if _, ok := m.data[service+"/"+key]; !ok {
		return neoerr.New(neoerr.CodeSecretNotFound, "secret not found")
	}
	delete(m.data, service+"/"+key)
	return nil
}

// cliEnv isolates a test from the user's config, data and keyring.
type cliEnv struct {
	configDir string
	secrets   *mockSecretStore
	store     *store.MemoryStore
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	for _, key := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY"} {
		t.Setenv(key, "")
	}
	t.Chdir(dir)

	env := &cliEnv{
		configDir: filepath.Join(dir, "config", "neoai"),
		secrets:   newMockSecretStore(),
		store:     store.NewMemoryStore(),
	}

	prevSecrets, prevStore := secretStoreFactory, openStore
	secretStoreFactory = func() secrets.Store { return env.secrets }
	openStore = func(*config.Config) (store.SessionStore, error) { return nopCloseStore{env.store}, nil }
	t.Cleanup(func() {
		secretStoreFactory, openStore = prevSecrets, prevStore
	})
	return env
}

// nopCloseStore keeps the shared memory store alive across commands.
type nopCloseStore struct {
	*store.MemoryStore
}

func (nopCloseStore) Close() error { return nil }

// run executes the root command and returns its stdout.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, "", args...)
	require.NoError(t, err)
	return out
}
