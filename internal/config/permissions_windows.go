// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

//go:build windows

package config

import "log/slog"

// WarnInsecurePermissions is a no-op on Windows, which uses ACLs instead of
// mode bits.
func WarnInsecurePermissions(path string) bool {
	if path != "" {
		slog.Debug("config permission check unsupported on windows", slog.String("path", path))
	}
	return false
}
