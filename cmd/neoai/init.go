// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kernitus/neoai.nvim-sub001/internal/config"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long:  "Write the commented default configuration to the config path. An existing file is left untouched.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := configPath(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !config.Bootstrap(path) {
				_, err = fmt.Fprintf(out, "Config not written: %s already exists or is not writable.\n", path)
				return err
			}
			_, err = fmt.Fprintf(out, "Wrote %s\nStore a provider key with: neoai secret set anthropic\n", path)
			return err
		},
	}
}
