// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package config

import (
	_ "embed"
	"log/slog"
	"os"
	"path/filepath"

	nderr "github.com/netdiag/netdiag/pkg/errors"
)

//go:embed netdiag.yaml.default
var DefaultConfigYAML []byte

// DefaultConfigPath returns ~/.config/netdiag/netdiag.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", nderr.Errorf(nderr.CodeConfigLoadReadFailure, "resolving home directory: %v", err)
	}
	return filepath.Join(home, ".config", "netdiag", "netdiag.yaml"), nil
}

// DefaultDataDir returns ~/.local/share/netdiag, where the session store
// lives unless storage.path says otherwise.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", nderr.Errorf(nderr.CodeConfigLoadReadFailure, "resolving home directory: %v", err)
	}
	return filepath.Join(home, ".local", "share", "netdiag"), nil
}

// Bootstrap writes the commented default config to path unless a file is
// already there. It returns true when a file was written. Failures are
// logged at Debug and reported as false.
func Bootstrap(path string) bool {
	if _, err := os.Stat(path); err == nil {
		return false
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		slog.Debug("skipping config bootstrap", slog.String("path", dir), slog.Any("error", err))
		return false
	}
	if err := os.WriteFile(path, DefaultConfigYAML, 0o600); err != nil {
		slog.Debug("skipping config bootstrap", slog.String("path", path), slog.Any("error", err))
		return false
	}

	slog.Info("created default config", slog.String("path", path))
	return true
}
