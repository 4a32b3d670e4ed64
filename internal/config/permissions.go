// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

//go:build !windows

package config

import (
	"io/fs"
	"log/slog"
	"os"
)

// WarnInsecurePermissions logs a warning when the config file is readable by
// group or others. Provider API keys may be stored inline. It never fails.
func WarnInsecurePermissions(path string) bool {
	if path == "" {
		return false
	}

	info, err := os.Stat(path)
	if err != nil {
		slog.Debug("config permission check skipped", slog.String("path", path), slog.Any("error", err))
		return false
	}

	const readableByOthers fs.FileMode = 0o044
	if info.Mode().Perm()&readableByOthers == 0 {
		return false
	}
	slog.Warn("config file has insecure permissions, api keys may be exposed",
		slog.String("path", path),
		slog.String("mode", info.Mode().Perm().String()),
		slog.String("recommended", "0600"),
	)
	return true
}
