// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

//go:build !windows

package config

import (
	"io/fs"
	"log/slog"
	"os"
)

// WarnInsecurePermissions logs a warning when the config file is readable by
// group or others. The file may hold API keys. It never fails startup and
// reports whether a warning was logged.
func WarnInsecurePermissions(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		slog.Debug("could not stat config file for permission check", "path", path, "error", err)
		return false
	}

	const groupOrOtherRead fs.FileMode = 0o044
	mode := info.Mode()
	if mode.Perm()&groupOrOtherRead == 0 {
		return false
	}
	slog.Warn("config file has insecure permissions; api keys may be readable by other users",
		"path", path,
		"mode", mode,
		"recommended", "0600",
	)
	return true
}
