// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package oracle

import "github.com/netdiag/netdiag/internal/provider"

// Decode exposes decode for tests.
func Decode(call *provider.ToolCall, text string) (Decision, error) {
	return decode(call, text)
}
