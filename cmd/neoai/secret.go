// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kernitus/neoai.nvim-sub001/internal/secrets"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets stored in the OS keyring",
		Long: "Store and delete secrets under the neoai service in the operating system keyring. " +
			"Reference a stored secret from the config file as keyring://neoai/<name>.",
	}

	cmd.AddCommand(
		newSecretSetCmd(),
		newSecretDeleteCmd(),
	)

	return cmd
}

func newSecretSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret, read from --value or the first line of stdin",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretSet,
	}
	cmd.Flags().String("value", "", "secret value (visible in shell history; prefer stdin)")
	return cmd
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a secret by name",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretDelete,
	}
}

func runSecretSet(cmd *cobra.Command, args []string) error {
	name := args[0]
	value, _ := cmd.Flags().GetString("value")
	if !cmd.Flags().Changed("value") {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Enter value for %s: ", name)
		line, err := readLine(cmd.InOrStdin())
		if err != nil {
			return neoerr.Wrapf(err, neoerr.CodeCLIInputInvalid, "reading secret value")
		}
		value = line
	}
	if value == "" {
		return neoerr.New(neoerr.CodeCLIInputInvalid, "secret value must not be empty")
	}

	if err := secretStoreFactory().Set(secrets.DefaultService, name, value); err != nil {
		return err
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "Stored %s. Reference it in the config as:\n  api_key: %s\n",
		name, secrets.URI(secrets.DefaultService, name))
	return err
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func runSecretDelete(cmd *cobra.Command, args []string) error {
	name := args[0]
	if err := secretStoreFactory().Delete(secrets.DefaultService, name); err != nil {
		if neoerr.HasCode(err, neoerr.CodeSecretNotFound) {
			return neoerr.Errorf(neoerr.CodeSecretNotFound, "secret %q not found", name)
		}
		return err
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", name)
	return err
}
