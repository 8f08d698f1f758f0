// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kernitus/neoai.nvim-sub001/internal/config"
	"github.com/kernitus/neoai.nvim-sub001/internal/store"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// openStore opens the configured session store. Tests substitute it.
var openStore = func(cfg *config.Config) (store.SessionStore, error) {
	return store.Open(store.StorageConfig{Backend: cfg.Storage.Backend}, cfg.Storage.DataDir)
}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage stored sessions",
		Long: "Inspect and edit the session store directly. Use the host connection or the HTTP API " +
			"to affect sessions with a turn in progress.",
	}

	cmd.AddCommand(
		newSessionListCmd(),
		newSessionShowCmd(),
		newSessionRenameCmd(),
		newSessionDeleteCmd(),
	)

	return cmd
}

func newSessionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		Args:  cobra.NoArgs,
		RunE:  runSessionList,
	}
	cmd.Flags().Int("limit", 0, "maximum sessions to list (0 for all)")
	return cmd
}

func newSessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a session's history",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionShow,
	}
}

func newSessionRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a session",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runSessionRename,
	}
}

func newSessionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session and its history",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionDelete,
	}
}

// withStore loads config, opens the store and runs fn against it.
func withStore(cmd *cobra.Command, fn func(st store.SessionStore) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	return fn(st)
}

func runSessionList(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	if limit < 0 {
		return neoerr.New(neoerr.CodeCLIInputInvalid, "--limit must not be negative")
	}
	return withStore(cmd, func(st store.SessionStore) error {
		sessions, err := st.ListSessions(cmd.Context(), store.ListOpts{Limit: limit})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(sessions) == 0 {
			_, _ = fmt.Fprintln(out, "No sessions found")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tTITLE\tLAST ACTIVE")
		for _, s := range sessions {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, s.Title, s.LastActivityAt.Local().Format(time.DateTime))
		}
		return tw.Flush()
	})
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(st store.SessionStore) error {
		s, err := st.GetSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		turns, err := st.ListTurns(cmd.Context(), s.ID)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "%s  %s\n\n", s.ID, s.Title)
		for _, t := range turns {
			_, _ = fmt.Fprintln(out, formatTurn(t))
		}
		return nil
	})
}

func formatTurn(t *store.Turn) string {
	switch t.Kind {
	case store.TurnUserMessage:
		return "user> " + t.Text
	case store.TurnAssistantMessage:
		line := "assistant> " + t.Text
		for _, c := range t.ToolCalls {
			line += fmt.Sprintf("\n  call %s %s", c.Name, c.Arguments)
		}
		return line
	case store.TurnToolCall:
		if t.Call != nil {
			return fmt.Sprintf("tool call %s %s", t.Call.Name, t.Call.Arguments)
		}
	case store.TurnToolResult:
		if t.Result != nil {
			return fmt.Sprintf("tool result %s: %s", t.Result.CallID, t.Result.Kind)
		}
	}
	return string(t.Kind)
}

func runSessionRename(cmd *cobra.Command, args []string) error {
	title := strings.TrimSpace(strings.Join(args[1:], " "))
	if title == "" {
		return neoerr.New(neoerr.CodeCLIInputInvalid, "title must not be empty")
	}
	return withStore(cmd, func(st store.SessionStore) error {
		s, err := st.GetSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		s.Title = title
		if err := st.UpdateSession(cmd.Context(), s); err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %q\n", s.ID, title)
		return err
	})
}

func runSessionDelete(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(st store.SessionStore) error {
		if err := st.DeleteSession(cmd.Context(), args[0]); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
		return err
	})
}
