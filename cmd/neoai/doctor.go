// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kernitus/neoai.nvim-sub001/internal/agent"
	"github.com/kernitus/neoai.nvim-sub001/internal/config"
	"github.com/kernitus/neoai.nvim-sub001/internal/store"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostics",
		Long:  "Check the binary, configuration, provider API keys, tool declarations, session store and disk space.",
		Args:  cobra.NoArgs,
		RunE:  runDoctor,
	}
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	w := cmd.OutOrStdout()

	cfg, cfgErr := loadConfig(cmd)
	checks := []struct {
		name string
		fn   func() string
	}{
		{"Binary", checkBinary},
		{"Config", func() string { return checkConfig(cmd, cfgErr) }},
	}
	if cfgErr == nil {
		checks = append(checks, []struct {
			name string
			fn   func() string
		}{
			{"Providers", func() string { return checkProviders(cfg) }},
			{"Tools", func() string { return checkTools(cfg) }},
			{"Storage", func() string { return checkStorage(cmd, cfg) }},
			{"Disk Space", func() string { return checkDiskSpace(cfg.Storage.DataDir) }},
		}...)
	}

	for _, c := range checks {
		if _, err := fmt.Fprintf(w, "%-20s %s\n", c.name+":", c.fn()); err != nil {
			return err
		}
	}
	return nil
}

func checkBinary() string {
	return fmt.Sprintf("neoai %s (%s/%s, %s)", version, runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func checkConfig(cmd *cobra.Command, loadErr error) string {
	path, err := configPath(cmd)
	if err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	if loadErr != nil {
		return fmt.Sprintf("invalid: %s", loadErr)
	}
	if _, err := os.Stat(path); err != nil {
		return "using defaults (no config file found)"
	}
	return fmt.Sprintf("loaded from %s", path)
}

func checkProviders(cfg *config.Config) string {
	configured := cfg.ConfiguredProviders()
	if len(configured) == 0 {
		return "no API keys configured (run 'neoai secret set <provider>')"
	}
	msg := "keys for " + strings.Join(configured, ", ")
	defaultProvider, _, _ := strings.Cut(cfg.Models.Default, "/")
	for _, name := range configured {
		if name == defaultProvider {
			return msg
		}
	}
	return msg + fmt.Sprintf("; default model %s has no key", cfg.Models.Default)
}

func checkTools(cfg *config.Config) string {
	builtin := len(agent.BuiltinTools())
	if cfg.Tools.File == "" {
		return fmt.Sprintf("%d built-in", builtin)
	}
	specs, err := agent.LoadToolFile(cfg.Tools.File)
	if err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	return fmt.Sprintf("%d built-in, %d from %s", builtin, len(specs), cfg.Tools.File)
}

func checkStorage(cmd *cobra.Command, cfg *config.Config) string {
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	defer func() { _ = st.Close() }()
	sessions, err := st.ListSessions(cmd.Context(), store.ListOpts{})
	if err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	return fmt.Sprintf("%s in %s, %d session(s)", cfg.Storage.Backend, cfg.Storage.DataDir, len(sessions))
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b uint64) string {
	const (
		gb = 1024 * 1024 * 1024
		mb = 1024 * 1024
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	default:
		return fmt.Sprintf("%d bytes", b)
	}
}
