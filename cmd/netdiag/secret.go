// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/netdiag/netdiag/internal/secrets"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets stored in the OS keyring",
		Long: "Store provider API keys in the operating system keyring. Reference them from the config " +
			"as keyring://netdiag/<name>, for example keyring://netdiag/openai-api-key.",
	}

	cmd.PersistentFlags().String("service", secrets.DefaultService, "keyring service name")

	cmd.AddCommand(
		newSecretSetCmd(),
		newSecretGetCmd(),
		newSecretListCmd(),
		newSecretDeleteCmd(),
	)

	return cmd
}

func newSecretSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret; the value is read from stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runSecretSet,
	}
	cmd.Flags().Bool("provider", false, "treat <name> as a provider and store its conventional api key name")
	return cmd
}

func runSecretSet(cmd *cobra.Command, args []string) error {
	service, _ := cmd.Flags().GetString("service")
	name := args[0]
	if isProvider, _ := cmd.Flags().GetBool("provider"); isProvider {
		name = secrets.ProviderKey(name)
	}

	var value string
	if len(args) == 2 {
		value = args[1]
	} else {
		sc := bufio.NewScanner(cmd.InOrStdin())
		if sc.Scan() {
			value = sc.Text()
		}
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nderr.New(nderr.CodeCLIInputInvalid, "secret value must not be empty")
	}

	if err := secretStoreFactory().Put(service, name, value); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Stored secret: %s (use keyring://%s/%s)\n", name, service, name)
	return nil
}

func newSecretGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Print a secret, masked unless --reveal is set",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretGet,
	}
	cmd.Flags().Bool("reveal", false, "print the full secret value")
	return cmd
}

func runSecretGet(cmd *cobra.Command, args []string) error {
	service, _ := cmd.Flags().GetString("service")
	value, err := secretStoreFactory().Lookup(service, args[0])
	if err != nil {
		return err
	}
	if reveal, _ := cmd.Flags().GetBool("reveal"); !reveal {
		value = mask(value)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

// mask keeps the last four characters of secrets long enough to spare them.
func mask(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}

func newSecretListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all stored secret names",
		RunE:  runSecretList,
	}
}

func runSecretList(cmd *cobra.Command, _ []string) error {
	service, _ := cmd.Flags().GetString("service")
	keys, err := secretStoreFactory().Keys(service)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(keys) == 0 {
		_, _ = fmt.Fprintln(out, "No secrets stored.")
		return nil
	}
	for _, k := range keys {
		_, _ = fmt.Fprintln(out, k)
	}
	return nil
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a secret by name",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretDelete,
	}
}

func runSecretDelete(cmd *cobra.Command, args []string) error {
	service, _ := cmd.Flags().GetString("service")
	name := args[0]

	if err := secretStoreFactory().Delete(service, name); err != nil {
		if nderr.HasCode(err, nderr.CodeSecretNotFound) {
			return nderr.Errorf(nderr.CodeSecretNotFound, "secret %q not found", name)
		}
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted secret: %s\n", name)
	return nil
}
