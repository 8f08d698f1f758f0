// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package config

import (
	_ "embed"
	"log/slog"
	"os"
	"path/filepath"

	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

//go:embed neoai.yaml.default
var DefaultConfigYAML []byte

// DefaultConfigPath returns ~/.config/neoai/neoai.yaml, honouring
// XDG_CONFIG_HOME.
func DefaultConfigPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "neoai", "neoai.yaml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", neoerr.Wrapf(err, neoerr.CodeConfigLoadReadFailure, "resolving home directory")
	}
	return filepath.Join(home, ".config", "neoai", "neoai.yaml"), nil
}

// Bootstrap writes the commented default config to path unless a file is
// already there. It returns true when a file was written. Failures are
// logged and skipped; a missing config file only means defaults apply.
func Bootstrap(path string) bool {
	if _, err := os.Stat(path); err == nil {
		return false
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		slog.Debug("skipping config bootstrap: cannot create directory", "path", dir, "error", err)
		return false
	}
	if err := os.WriteFile(path, DefaultConfigYAML, 0o600); err != nil {
		slog.Debug("skipping config bootstrap: cannot write config", "path", path, "error", err)
		return false
	}
	slog.Info("created default config", "path", path)
	return true
}
