// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package oracle

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/netdiag/netdiag/internal/store"
)

const (
	outputFullLimit = 1000
	outputHeadLimit = 800
	stderrLimit     = 500
)

const systemPromptTemplate = `You are a network fault diagnosis agent.

Your job is to find the root cause of a connectivity problem. Useful strategy:

1. Test connectivity from the source towards the target (probe_port, http_check).
2. Tell "timeout" (traffic is dropped on the path) apart from "refused" (nothing listens on the port).
3. On refused, check what the target host runs and listens on (query_inventory).
4. Look for firewall rules on the source or target host.
5. Resolve names when DNS may be involved (resolve_host).
6. Call ask_user when you need information only the user has, such as firewall changes or business context.

Principles:
- Narrow the problem down step by step.
- Choose the next step from the result of the previous one.
- Stop as soon as the root cause is found and call submit_report.
- You have at most %d steps.

Respond with exactly one tool call per turn.`

// SystemPrompt returns the system instructions for a session.
func SystemPrompt(maxSteps int) string {
	return fmt.Sprintf(systemPromptTemplate, maxSteps)
}

// BuildPrompt renders the task and the session history as the user turn.
func BuildPrompt(req Request) string {
	var b strings.Builder
	t := req.Task

	b.WriteString("Current diagnostic task:\n")
	fmt.Fprintf(&b, "Source: %s\n", orNA(t.Source))
	fmt.Fprintf(&b, "Target: %s\n", orNA(t.Target))
	fmt.Fprintf(&b, "Protocol: %s\n", orNA(string(t.Protocol)))
	if t.Port != nil {
		fmt.Fprintf(&b, "Port: %d\n", *t.Port)
	} else {
		b.WriteString("Port: N/A\n")
	}
	fmt.Fprintf(&b, "Fault type: %s\n", orNA(string(t.FaultType)))
	fmt.Fprintf(&b, "User description: %s\n", t.UserInput)
	if len(t.Context) > 0 {
		if raw, err := json.Marshal(t.Context); err == nil {
			fmt.Fprintf(&b, "Additional context: %s\n", raw)
		}
	}
	b.WriteString("\n")

	history := historyEntries(req.Log)
	if len(history) > 0 {
		b.WriteString("Diagnostic steps and conversation so far:\n")
		for _, h := range history {
			b.WriteString(h)
		}
	}

	b.WriteString("\nAnalyse the current situation and decide the next step. ")
	b.WriteString("If the root cause is found, call submit_report instead of another action.")
	return b.String()
}

func historyEntries(log []*store.Message) []string {
	var out []string
	for _, m := range log {
		switch {
		case m.Kind == store.MessageKindAnswer:
			out = append(out, fmt.Sprintf("\n[user answer]\n  Content: %s\n", m.Content))
		case m.Kind == store.MessageKindQuestion:
			out = append(out, fmt.Sprintf("\n[question to user]\n  %s\n", m.Content))
		case m.Kind == store.MessageKindNote:
			out = append(out, fmt.Sprintf("\n[note] %s\n", m.Content))
		case m.Kind == store.MessageKindAction && m.Invocation != nil:
			out = append(out, renderInvocation(m.Invocation))
		}
	}
	return out
}

func renderInvocation(inv *store.ActionInvocation) string {
	var b strings.Builder
	r := inv.Result

	fmt.Fprintf(&b, "\nStep %d: %s\n", inv.Step, inv.Action)
	args, err := json.Marshal(inv.Args)
	if err != nil || inv.Args == nil {
		args = []byte("{}")
	}
	fmt.Fprintf(&b, "  Arguments: %s\n", args)
	fmt.Fprintf(&b, "  Success: %t\n", r.Success)

	if r.Output != "" {
		if len(r.Output) <= outputFullLimit {
			fmt.Fprintf(&b, "  Output:\n%s\n", r.Output)
		} else {
			fmt.Fprintf(&b, "  Output (first %d chars):\n%s\n", outputHeadLimit, r.Output[:outputHeadLimit])
			fmt.Fprintf(&b, "  ... (output is %d chars, truncated)\n", len(r.Output))
		}
	}
	if r.ErrorOutput != "" {
		if len(r.ErrorOutput) <= stderrLimit {
			fmt.Fprintf(&b, "  Error:\n%s\n", r.ErrorOutput)
		} else {
			fmt.Fprintf(&b, "  Error (first %d chars):\n%s\n", stderrLimit, r.ErrorOutput[:stderrLimit])
			fmt.Fprintf(&b, "  ... (error output is %d chars, truncated)\n", len(r.ErrorOutput))
		}
	}
	if r.ErrorKind != "" {
		fmt.Fprintf(&b, "  Failure kind: %s\n", r.ErrorKind)
	}

	exit := "N/A"
	if r.ExitCode != nil {
		exit = strconv.Itoa(*r.ExitCode)
	}
	fmt.Fprintf(&b, "  Exit code: %s\n", exit)
	fmt.Fprintf(&b, "  Duration: %.2fs\n", r.Duration.Seconds())
	return b.String()
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
