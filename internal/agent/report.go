// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/netdiag/netdiag/internal/oracle"
	"github.com/netdiag/netdiag/internal/store"
)

const (
	// needHumanBelow is the confidence under which a report asks for a human.
	needHumanBelow = 0.7
	evidenceLimit  = 200

	budgetEvidence = "step budget exhausted"
)

// invocations returns the action invocations of log in step order.
func invocations(log []*store.Message) []store.ActionInvocation {
	var out []store.ActionInvocation
	for _, m := range log {
		if m.Kind == store.MessageKindAction && m.Invocation != nil {
			out = append(out, *m.Invocation)
		}
	}
	return out
}

// buildReport turns a final answer into the session report, filling in
// evidence and suggestions the oracle left empty.
func buildReport(task store.DiagnosticTask, log []*store.Message, fa oracle.FinalAnswer, now time.Time) *store.DiagnosticReport {
	invs := invocations(log)

	confidence := clamp(fa.Confidence)
	evidence := fa.Evidence
	if len(evidence) == 0 {
		evidence = synthesizeEvidence(invs)
	}
	suggestions := fa.Suggestions
	if len(suggestions) == 0 {
		suggestions = synthesizeSuggestions(task, fa.RootCause)
	}

	return &store.DiagnosticReport{
		TaskID:        task.ID,
		RootCause:     fa.RootCause,
		Confidence:    confidence,
		Evidence:      evidence,
		Suggestions:   suggestions,
		NeedHuman:     confidence < needHumanBelow,
		Invocations:   invs,
		TotalDuration: totalDuration(invs),
		CreatedAt:     now,
	}
}

// budgetReport is the report of a session that ran out of steps.
func budgetReport(task store.DiagnosticTask, log []*store.Message, maxSteps int, now time.Time) *store.DiagnosticReport {
	invs := invocations(log)
	evidence := append([]string{fmt.Sprintf("%s after %d steps", budgetEvidence, maxSteps)}, synthesizeEvidence(invs)...)

	return &store.DiagnosticReport{
		TaskID:        task.ID,
		RootCause:     fmt.Sprintf("no conclusion reached within %d steps", maxSteps),
		Confidence:    0,
		Evidence:      evidence,
		Suggestions:   []string{"Review the executed steps and continue the diagnosis manually"},
		NeedHuman:     true,
		Invocations:   invs,
		TotalDuration: totalDuration(invs),
		CreatedAt:     now,
	}
}

func synthesizeEvidence(invs []store.ActionInvocation) []string {
	out := make([]string, 0, len(invs))
	for _, inv := range invs {
		r := inv.Result
		if r.Success {
			out = append(out, fmt.Sprintf("%s: %s...", inv.Action, head(r.Output, evidenceLimit)))
		} else {
			out = append(out, fmt.Sprintf("%s: failed - %s", inv.Action, head(r.ErrorOutput, evidenceLimit)))
		}
	}
	return out
}

func synthesizeSuggestions(task store.DiagnosticTask, rootCause string) []string {
	rc := strings.ToLower(rootCause)
	target := orUnknown(task.Target, "the target host")
	port := "the affected port"
	if task.Port != nil {
		port = fmt.Sprintf("port %d", *task.Port)
	}

	var out []string
	if strings.Contains(rc, "refused") {
		out = append(out,
			fmt.Sprintf("Check that the service on %s is started", target),
			fmt.Sprintf("Confirm the service is configured to listen on %s", port),
		)
	}
	if strings.Contains(rc, "timeout") || strings.Contains(rc, "timed out") {
		out = append(out,
			fmt.Sprintf("Check network connectivity from %s to %s", orUnknown(task.Source, "the source host"), target),
			"Check firewall rules along the path",
		)
	}
	if strings.Contains(rc, "firewall") || strings.Contains(rc, "iptables") {
		out = append(out, fmt.Sprintf("Adjust the firewall rules to allow %s", port))
	}
	if len(out) == 0 {
		out = append(out, "Investigate further based on the diagnostic results")
	}
	return out
}

func totalDuration(invs []store.ActionInvocation) time.Duration {
	var d time.Duration
	for _, inv := range invs {
		d += inv.Result.Duration
	}
	return d
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func orUnknown(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
