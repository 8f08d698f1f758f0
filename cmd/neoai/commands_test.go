// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernitus/neoai.nvim-sub001/internal/store"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

func TestRootCommand_Help(t *testing.T) {
	out := mustRun(t, "--help")
	for _, sub := range []string{"init", "serve", "session", "secret", "doctor", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestVersionCommand(t *testing.T) {
	out := mustRun(t, "version")
	assert.Contains(t, out, "neoai dev")
}

func TestInitCommand(t *testing.T) {
	env := newCLIEnv(t)

	out := mustRun(t, "init")
	assert.Contains(t, out, "Wrote")
	path := filepath.Join(env.configDir, "neoai.yaml")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	out = mustRun(t, "init")
	assert.Contains(t, out, "already exists")
}

func TestLoadConfig_BootstrapsDefaultAndHonoursDataDir(t *testing.T) {
	env := newCLIEnv(t)
	dataDir := t.TempDir()

	root := NewRootCmd()
	root.SetArgs([]string{"--data-dir", dataDir, "version"})
	require.NoError(t, root.Execute())
	cmd, _, err := root.Find([]string{"version"})
	require.NoError(t, err)

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, dataDir, cfg.Storage.DataDir)
	assert.FileExists(t, filepath.Join(env.configDir, "neoai.yaml"))
}

func TestLoadConfig_ExplicitMissingFile(t *testing.T) {
	newCLIEnv(t)
	_, err := run(t, "", "--config", "/nonexistent/neoai.yaml", "session", "list")
	require.Error(t, err)
	assert.True(t, neoerr.HasCode(err, neoerr.CodeConfigLoadReadFailure), "got %s", neoerr.CodeOf(err))
}

func TestLoadConfig_ReadsDotEnv(t *testing.T) {
	newCLIEnv(t)
	require.NoError(t, os.WriteFile(".env", []byte("ANTHROPIC_API_KEY=sk-from-dotenv\n"), 0o600))
	// t.Setenv above left the variable empty; godotenv only fills unset ones.
	require.NoError(t, os.Unsetenv("ANTHROPIC_API_KEY"))
	t.Cleanup(func() { _ = os.Unsetenv("ANTHROPIC_API_KEY") })

	out := mustRun(t, "doctor")
	assert.Contains(t, out, "keys for anthropic")
}

func TestSessionCommands(t *testing.T) {
	env := newCLIEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, env.store.CreateSession(ctx, &store.Session{ID: "s1", Title: "first", CreatedAt: now, LastActivityAt: now}))
	require.NoError(t, env.store.AppendTurn(ctx, &store.Turn{SessionID: "s1", Kind: store.TurnUserMessage, Text: "hello"}))
	require.NoError(t, env.store.AppendTurn(ctx, &store.Turn{SessionID: "s1", Kind: store.TurnAssistantMessage, Text: "hi there"}))

	out := mustRun(t, "session", "list")
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "first")

	out = mustRun(t, "session", "show", "s1")
	assert.Contains(t, out, "user> hello")
	assert.Contains(t, out, "assistant> hi there")

	out = mustRun(t, "session", "rename", "s1", "renamed", "title")
	assert.Contains(t, out, `"renamed title"`)
	got, err := env.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "renamed title", got.Title)

	mustRun(t, "session", "delete", "s1")
	out = mustRun(t, "session", "list")
	assert.Contains(t, out, "No sessions found")

	_, err = run(t, "", "session", "show", "s1")
	assert.True(t, neoerr.IsNotFound(err))
}

func TestSessionList_NegativeLimit(t *testing.T) {
	newCLIEnv(t)
	_, err := run(t, "", "session", "list", "--limit", "-1")
	assert.True(t, neoerr.HasCode(err, neoerr.CodeCLIInputInvalid))
}

func TestSecretCommands(t *testing.T) {
	env := newCLIEnv(t)

	out, err := run(t, "sk-ant-123\n", "secret", "set", "anthropic")
	require.NoError(t, err)
	assert.Contains(t, out, "keyring://neoai/anthropic")
	assert.Equal(t, "sk-ant-123", env.secrets.data["neoai/anthropic"])

	mustRun(t, "secret", "set", "openai", "--value", "sk-oa")
	assert.Equal(t, "sk-oa", env.secrets.data["neoai/openai"])

	_, err = run(t, "\n", "secret", "set", "google")
	assert.True(t, neoerr.HasCode(err, neoerr.CodeCLIInputInvalid))

	mustRun(t, "secret", "delete", "anthropic")
	assert.NotContains(t, env.secrets.data, "neoai/anthropic")

	_, err = run(t, "", "secret", "delete", "anthropic")
	assert.True(t, neoerr.HasCode(err, neoerr.CodeSecretNotFound))
}

func TestConfig_ResolvesKeyringReference(t *testing.T) {
	env := newCLIEnv(t)
	env.secrets.data["neoai/anthropic"] = "sk-from-keyring"
	cfgPath := filepath.Join(t.TempDir(), "neoai.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("providers:\n  anthropic:\n    api_key: keyring://neoai/anthropic\n"), 0o600))

	out := mustRun(t, "--config", cfgPath, "doctor")
	assert.Contains(t, out, "keys for anthropic")
}

func TestDoctorCommand(t *testing.T) {
	newCLIEnv(t)

	out := mustRun(t, "doctor")
	assert.Contains(t, out, "Binary:")
	assert.Contains(t, out, "Config:")
	assert.Contains(t, out, "no API keys configured")
	assert.Contains(t, out, "built-in")
	assert.Contains(t, out, "0 session(s)")
	assert.Contains(t, out, "Disk Space:")
}

func TestDoctorCommand_InvalidConfig(t *testing.T) {
	newCLIEnv(t)
	cfgPath := filepath.Join(t.TempDir(), "neoai.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("agent:\n  max_iterations: 0\n"), 0o600))

	out := mustRun(t, "--config", cfgPath, "doctor")
	assert.Contains(t, out, "invalid:")
	assert.NotContains(t, out, "Storage:")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 bytes", formatBytes(512))
	assert.Equal(t, "1.5 MB", formatBytes(3*1024*1024/2))
	assert.Equal(t, "2.0 GB", formatBytes(2*1024*1024*1024))
}
