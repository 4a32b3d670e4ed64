// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/netdiag/netdiag/internal/agent"
	"github.com/netdiag/netdiag/internal/store"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

// extraWireOptions are appended to every in-process Wire call. Tests use it
// to replace the oracle.
var extraWireOptions []WireOption

func newDiagnoseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagnose <problem description>",
		Short: "Diagnose a network problem in-process",
		Long: "Run one diagnosis without a server. Questions from the model are asked on stdin; " +
			"the final report is printed when the session ends.",
		Args: cobra.MinimumNArgs(1),
		RunE: runDiagnose,
	}

	cmd.Flags().String("source", "", "host the problem is observed from")
	cmd.Flags().String("target", "", "host or address that cannot be reached")
	cmd.Flags().String("protocol", "", "protocol involved (icmp, tcp, udp)")
	cmd.Flags().Int("port", 0, "destination port")
	cmd.Flags().String("fault-type", "", "fault category (connectivity, port_unreachable, slow, dns)")
	cmd.Flags().String("title", "", "session title")
	cmd.Flags().String("provider", "", "override the oracle provider")
	cmd.Flags().String("model", "", "override the oracle model")
	cmd.Flags().Bool("json", false, "print the final session as JSON")
	cmd.Flags().Bool("no-input", false, "do not answer questions; leave the session waiting")

	return cmd
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dir, err := dataDir(cmd)
	if err != nil {
		return err
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	noInput, _ := cmd.Flags().GetBool("no-input")
	out := cmd.OutOrStdout()

	opts := append([]WireOption(nil), extraWireOptions...)
	if !asJSON {
		opts = append(opts, withSink(progressSink(cmd.ErrOrStderr())))
	}
	app, err := Wire(cfg, dir, slog.Default(), opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			slog.Warn("shutdown incomplete", slog.Any("error", err))
		}
	}()

	req, err := startRequest(cmd, strings.Join(args, " "))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, runErr := app.Engine.Start(ctx, req)
	if sess == nil {
		return runErr
	}

	in := bufio.NewScanner(cmd.InOrStdin())
	for runErr == nil && sess.Status == store.SessionStatusWaitingUser && !noInput {
		answer, ok := ask(cmd.ErrOrStderr(), in, sess.PendingQuestion)
		if !ok {
			break
		}
		sess, runErr = app.Engine.Resume(ctx, sess.ID, answer)
		if sess == nil {
			return runErr
		}
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sessionJSON(sess)); err != nil {
			return err
		}
	} else {
		renderSession(out, sess)
	}

	if runErr != nil {
		return runErr
	}
	if sess.Status == store.SessionStatusError && sess.Failure != nil {
		return nderr.Errorf(nderr.CodeCLIRequestFailure, "diagnosis failed: %s", sess.Failure.Message)
	}
	return nil
}

func startRequest(cmd *cobra.Command, problem string) (agent.StartRequest, error) {
	flags := cmd.Flags()
	source, _ := flags.GetString("source")
	target, _ := flags.GetString("target")
	protocol, _ := flags.GetString("protocol")
	port, _ := flags.GetInt("port")
	faultType, _ := flags.GetString("fault-type")
	title, _ := flags.GetString("title")
	providerName, _ := flags.GetString("provider")
	model, _ := flags.GetString("model")

	if port < 0 || port > 65535 {
		return agent.StartRequest{}, nderr.Errorf(nderr.CodeCLIInputInvalid, "--port must be between 1 and 65535, got %d", port)
	}

	req := agent.StartRequest{
		Title: title,
		Task: store.DiagnosticTask{
			UserInput: problem,
			Source:    source,
			Target:    target,
			Protocol:  store.Protocol(protocol),
			FaultType: store.FaultType(faultType),
		},
		Oracle: store.OracleConfig{Provider: providerName, Model: model},
	}
	if port > 0 {
		req.Task.Port = &port
	}
	return req, nil
}

// ask prints question and reads one non-empty answer line.
func ask(w io.Writer, in *bufio.Scanner, question string) (string, bool) {
	q := color.New(color.FgYellow, color.Bold)
	for {
		_, _ = q.Fprintf(w, "? %s\n> ", question)
		if !in.Scan() {
			_, _ = fmt.Fprintln(w)
			return "", false
		}
		if answer := strings.TrimSpace(in.Text()); answer != "" {
			return answer, true
		}
	}
}

// progressSink prints one line per step to w.
func progressSink(w io.Writer) agent.EventSink {
	dim := color.New(color.Faint)
	ok := color.New(color.FgGreen)
	bad := color.New(color.FgRed)

	return agent.EventSinkFunc(func(_ context.Context, ev agent.Event) error {
		switch ev.Type {
		case agent.EventStepStart:
			_, _ = dim.Fprintf(w, "step %d\n", ev.Step)
		case agent.EventActionResult:
			name, _ := ev.Payload["action"].(string)
			secs, _ := ev.Payload["duration"].(float64)
			if success, _ := ev.Payload["success"].(bool); success {
				_, _ = ok.Fprintf(w, "  %s ok (%.2fs)\n", name, secs)
			} else {
				_, _ = bad.Fprintf(w, "  %s failed (%.2fs)\n", name, secs)
			}
		}
		return nil
	})
}

func renderSession(w io.Writer, sess *store.Session) {
	bold := color.New(color.Bold)
	_, _ = fmt.Fprintf(w, "session %s (%s, %d steps)\n", sess.ID, sess.Status, sess.Step)

	switch sess.Status {
	case store.SessionStatusWaitingUser:
		_, _ = fmt.Fprintf(w, "waiting for an answer: %s\n", sess.PendingQuestion)
		return
	case store.SessionStatusError:
		if sess.Failure != nil {
			_, _ = color.New(color.FgRed).Fprintf(w, "%s: %s\n", sess.Failure.Kind, sess.Failure.Message)
		}
		return
	case store.SessionStatusCancelled:
		_, _ = fmt.Fprintln(w, "cancelled")
		return
	}

	r := sess.Report
	if r == nil {
		return
	}
	_, _ = bold.Fprintln(w, "\nRoot cause")
	_, _ = fmt.Fprintf(w, "  %s\n", r.RootCause)
	_, _ = fmt.Fprintf(w, "  confidence %.0f%%\n", r.Confidence*100)
	if r.NeedHuman {
		_, _ = color.New(color.FgYellow).Fprintln(w, "  needs human follow-up")
	}
	if len(r.Evidence) > 0 {
		_, _ = bold.Fprintln(w, "\nEvidence")
		for _, e := range r.Evidence {
			_, _ = fmt.Fprintf(w, "  - %s\n", e)
		}
	}
	if len(r.Suggestions) > 0 {
		_, _ = bold.Fprintln(w, "\nSuggested fixes")
		for i, s := range r.Suggestions {
			_, _ = fmt.Fprintf(w, "  %d. %s\n", i+1, s)
		}
	}
}

// sessionJSON is the --json view, matching the API's session detail.
func sessionJSON(sess *store.Session) map[string]any {
	out := map[string]any{
		"session_id": sess.ID,
		"title":      sess.Title,
		"status":     sess.Status,
		"step":       sess.Step,
		"task":       sess.Task,
		"created_at": sess.CreatedAt,
		"updated_at": sess.UpdatedAt,
	}
	if sess.PendingQuestion != "" {
		out["pending_question"] = sess.PendingQuestion
	}
	if sess.Report != nil {
		out["report"] = sess.Report
	}
	if sess.Failure != nil {
		out["failure"] = sess.Failure
	}
	return out
}
