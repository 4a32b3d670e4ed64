// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/netdiag/netdiag/internal/config"
	"github.com/netdiag/netdiag/internal/secrets"
)

// secretStoreFactory creates the secret store used by the secret commands
// and by config resolution. Tests substitute an in-memory store.
var secretStoreFactory = func() secrets.Store {
	return secrets.NewKeyring()
}

// NewRootCmd creates the root netdiag command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "netdiag",
		Short:         "netdiag: LLM-driven network fault diagnosis",
		Long:          "netdiag triages connectivity problems by letting a reasoning model run network probes and report the root cause.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			slog.SetDefault(newLogger(cmd))
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file (default ~/.config/netdiag/netdiag.yaml)")
	root.PersistentFlags().String("data-dir", "", "directory for the session store (default ~/.local/share/netdiag)")
	root.PersistentFlags().StringSlice("env-file", []string{".env"}, ".env files to load before reading the environment")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(),
		newDiagnoseCmd(),
		newSessionCmd(),
		newStatusCmd(),
		newSecretCmd(),
		newVersionCmd(),
	)

	return root
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// loadConfig resolves the config file, bootstrapping the default one on
// first use, and loads it with keyring references resolved.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		if def, err := config.DefaultConfigPath(); err == nil {
			config.Bootstrap(def)
			if _, err := os.Stat(def); err == nil {
				path = def
			}
		}
	}
	envFiles, _ := cmd.Flags().GetStringSlice("env-file")

	return config.Load(config.Options{
		Path:     path,
		EnvFiles: envFiles,
		Secrets:  secretStoreFactory(),
		Logger:   slog.Default(),
	})
}

// dataDir returns the --data-dir flag or the default data directory.
func dataDir(cmd *cobra.Command) (string, error) {
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		return dir, nil
	}
	return config.DefaultDataDir()
}
