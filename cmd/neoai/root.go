// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kernitus/neoai.nvim-sub001/internal/config"
	"github.com/kernitus/neoai.nvim-sub001/internal/secrets"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// secretStoreFactory creates a secrets.Store. Tests substitute a mock.
var secretStoreFactory = func() secrets.Store {
	return secrets.NewKeyringStore()
}

// NewRootCmd creates the root neoai command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "neoai",
		Short: "neoai agent orchestrator",
		Long: "neoai runs the agent loop behind the neoai.nvim editor plugin. The editor connects as the " +
			"capability host over stdio or websocket and executes the tools the model asks for.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")
			slog.SetDefault(newLogger(cmd.ErrOrStderr(), verbose))
			loadDotEnv(cmd)
			return nil
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file (default $XDG_CONFIG_HOME/neoai/neoai.yaml)")
	root.PersistentFlags().String("data-dir", "", "path to data directory")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newInitCmd(),
		newServeCmd(),
		newSessionCmd(),
		newSecretCmd(),
		newDoctorCmd(),
		newVersionCmd(),
	)

	return root
}

// newLogger writes structured logs to w. stdout belongs to the stdio
// transport, so logs always go to stderr.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadDotEnv reads .env from the working directory and from next to the
// config file. Variables already set in the environment win.
func loadDotEnv(cmd *cobra.Command) {
	candidates := []string{".env"}
	if path, err := configPath(cmd); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(path), ".env"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			slog.Warn("ignoring unreadable .env file", "path", path, "error", err)
		}
	}
}

// configPath returns the --config flag or the default location.
func configPath(cmd *cobra.Command) (string, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path, nil
	}
	path, err := config.DefaultConfigPath()
	if err != nil {
		return "", neoerr.Wrapf(err, neoerr.CodeCLISetupFailure, "locating config file")
	}
	return path, nil
}

// loadConfig resolves, bootstraps and loads the configuration. An explicit
// --config must exist; the default location is created on first run.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := configPath(cmd)
	if err != nil {
		return nil, err
	}
	explicit, _ := cmd.Flags().GetString("config")
	if explicit == "" {
		config.Bootstrap(path)
		if _, err := os.Stat(path); err != nil {
			// Bootstrap failed, typically a read-only home. Run on defaults.
			path = ""
		}
	}
	if path != "" {
		config.WarnInsecurePermissions(path)
	}

	cfg, err := config.Load(path, config.WithSecrets(secretStoreFactory()))
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	return cfg, nil
}
