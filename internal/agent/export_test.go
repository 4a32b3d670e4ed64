// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package agent

// LaneQueued reports how many tasks wait on l.
func LaneQueued(l *Lane) int { return len(l.tasks) }
