// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/netdiag/netdiag/internal/oracle"
	"github.com/netdiag/netdiag/internal/store"
)

func actionMsg(name string, r store.ActionResult) *store.Message {
	return &store.Message{
		Kind:       store.MessageKindAction,
		Invocation: &store.ActionInvocation{Action: name, Result: r},
	}
}

func TestBuildReport_Synthesizes(t *testing.T) {
	port := 5432
	tk := store.DiagnosticTask{ID: "t1", Source: "app-01", Target: "db-01", Port: &port}
	log := []*store.Message{
		{Kind: store.MessageKindTask},
		actionMsg("probe_port", store.ActionResult{ErrorOutput: "i/o timeout", Duration: 3 * time.Second}),
		actionMsg("resolve_host", store.ActionResult{Success: true, Output: strings.Repeat("x", 300), Duration: time.Second}),
	}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	r := buildReport(tk, log, oracle.FinalAnswer{RootCause: "Connection timed out behind firewall", Confidence: 1.4}, now)

	assert.Equal(t, "t1", r.TaskID)
	assert.Equal(t, 1.0, r.Confidence)
	assert.False(t, r.NeedHuman)
	assert.Equal(t, 4*time.Second, r.TotalDuration)
	assert.Equal(t, now, r.CreatedAt)
	assert.Len(t, r.Invocations, 2)
	assert.Equal(t, []string{
		"probe_port: failed - i/o timeout",
		"resolve_host: " + strings.Repeat("x", evidenceLimit) + "...",
	}, r.Evidence)
	assert.Equal(t, []string{
		"Check network connectivity from app-01 to db-01",
		"Check firewall rules along the path",
		"Adjust the firewall rules to allow port 5432",
	}, r.Suggestions)
}

func TestBuildReport_KeepsOracleContent(t *testing.T) {
	fa := oracle.FinalAnswer{
		RootCause:   "dns",
		Confidence:  -0.5,
		Evidence:    []string{"NXDOMAIN"},
		Suggestions: []string{"fix the zone"},
	}
	r := buildReport(store.DiagnosticTask{}, nil, fa, time.Now())
	assert.Zero(t, r.Confidence)
	assert.True(t, r.NeedHuman)
	assert.Equal(t, []string{"NXDOMAIN"}, r.Evidence)
	assert.Equal(t, []string{"fix the zone"}, r.Suggestions)
	assert.Empty(t, r.Invocations)
}

func TestSynthesizeSuggestions(t *testing.T) {
	port := 80
	tk := store.DiagnosticTask{Target: "10.0.2.20", Port: &port}

	assert.Equal(t, []string{
		"Check that the service on 10.0.2.20 is started",
		"Confirm the service is configured to listen on port 80",
	}, synthesizeSuggestions(tk, "Connection REFUSED"))
	assert.Equal(t, []string{"Adjust the firewall rules to allow port 80"},
		synthesizeSuggestions(tk, "iptables drop rule"))
	assert.Equal(t, []string{"Investigate further based on the diagnostic results"},
		synthesizeSuggestions(tk, "unclear"))
	assert.Equal(t, []string{
		"Check network connectivity from the source host to the target host",
		"Check firewall rules along the path",
	}, synthesizeSuggestions(store.DiagnosticTask{}, "timeout"))
}

func TestBudgetReport(t *testing.T) {
	log := []*store.Message{actionMsg("resolve_host", store.ActionResult{Success: true, Output: "ok"})}
	r := budgetReport(store.DiagnosticTask{ID: "t"}, log, 10, time.Now())
	assert.Equal(t, "no conclusion reached within 10 steps", r.RootCause)
	assert.Zero(t, r.Confidence)
	assert.True(t, r.NeedHuman)
	assert.Equal(t, []string{"step budget exhausted after 10 steps", "resolve_host: ok..."}, r.Evidence)
}
