// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/netdiag/netdiag/internal/store"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

// sessionView mirrors the API's session detail.
type sessionView struct {
	ID              string                  `json:"session_id"`
	Title           string                  `json:"title"`
	Status          store.SessionStatus     `json:"status"`
	Step            int                     `json:"step"`
	PendingQuestion string                  `json:"pending_question,omitempty"`
	Task            store.DiagnosticTask    `json:"task"`
	Report          *store.DiagnosticReport `json:"report,omitempty"`
	Failure         *store.Failure          `json:"failure,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

func (v sessionView) session() *store.Session {
	return &store.Session{
		ID:              v.ID,
		Title:           v.Title,
		Status:          v.Status,
		Step:            v.Step,
		PendingQuestion: v.PendingQuestion,
		Task:            v.Task,
		Report:          v.Report,
		Failure:         v.Failure,
		CreatedAt:       v.CreatedAt,
		UpdatedAt:       v.UpdatedAt,
	}
}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage diagnosis sessions on a running server",
	}

	cmd.PersistentFlags().String("address", defaultAddress, "server address")

	cmd.AddCommand(
		newSessionListCmd(),
		newSessionShowCmd(),
		newSessionAnswerCmd(),
		newSessionCancelCmd(),
		newSessionRenameCmd(),
		newSessionDeleteCmd(),
		newSessionWatchCmd(),
	)

	return cmd
}

func clientFor(cmd *cobra.Command) (*apiClient, string) {
	addr, _ := cmd.Flags().GetString("address")
	return newAPIClient(addr), addr
}

func newSessionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE:  runSessionList,
	}
	cmd.Flags().String("status", "", "only sessions in this status")
	cmd.Flags().Int("limit", 0, "maximum number of sessions")
	return cmd
}

func runSessionList(cmd *cobra.Command, _ []string) error {
	c, addr := clientFor(cmd)
	out := cmd.OutOrStdout()

	q := url.Values{}
	if status, _ := cmd.Flags().GetString("status"); status != "" {
		q.Set("status", status)
	}
	if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var body struct {
		Sessions []store.SessionSummary `json:"sessions"`
	}
	if err := c.do(cmd.Context(), "GET", path, nil, &body); err != nil {
		if notRunning(out, addr, err) {
			return nil
		}
		return nderr.Wrapf(err, nderr.CodeCLIRequestFailure, "listing sessions")
	}

	if len(body.Sessions) == 0 {
		_, _ = fmt.Fprintln(out, "No sessions found")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSTATUS\tSTEP\tUPDATED\tTITLE")
	for _, s := range body.Sessions {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			s.ID, s.Status, s.Step, s.UpdatedAt.Local().Format(time.DateTime), s.Title)
	}
	return tw.Flush()
}

func newSessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session and its report",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionShow,
	}
	cmd.Flags().Bool("messages", false, "also print the message log")
	cmd.Flags().Bool("json", false, "print raw JSON")
	return cmd
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	c, addr := clientFor(cmd)
	out := cmd.OutOrStdout()
	id := url.PathEscape(args[0])

	var view sessionView
	if err := c.do(cmd.Context(), "GET", "/api/v1/sessions/"+id, nil, &view); err != nil {
		if notRunning(out, addr, err) {
			return nil
		}
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	if view.Title != "" {
		_, _ = fmt.Fprintf(out, "%s\n", view.Title)
	}
	renderSession(out, view.session())

	if withMessages, _ := cmd.Flags().GetBool("messages"); withMessages {
		var body struct {
			Messages []struct {
				Seq     int    `json:"seq"`
				Role    string `json:"role"`
				Kind    string `json:"kind"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := c.do(cmd.Context(), "GET", "/api/v1/sessions/"+id+"/messages", nil, &body); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(out, "\nMessages")
		for _, m := range body.Messages {
			_, _ = fmt.Fprintf(out, "  %3d %-9s %-8s %s\n", m.Seq, m.Role, m.Kind, firstLine(m.Content))
		}
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func newSessionAnswerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "answer <id> <answer>",
		Short: "Answer the pending question of a waiting session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"answer": strings.Join(args[1:], " ")}
			return sessionAction(cmd, "POST", "/api/v1/sessions/"+url.PathEscape(args[0])+"/answer", body, "Answered")
		},
	}
}

func newSessionCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sessionAction(cmd, "POST", "/api/v1/sessions/"+url.PathEscape(args[0])+"/cancel", nil, "Cancelled")
		},
	}
}

func newSessionRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"title": strings.Join(args[1:], " ")}
			return sessionAction(cmd, "PATCH", "/api/v1/sessions/"+url.PathEscape(args[0]), body, "Renamed")
		},
	}
}

func newSessionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session and its log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, addr := clientFor(cmd)
			out := cmd.OutOrStdout()
			if err := c.do(cmd.Context(), "DELETE", "/api/v1/sessions/"+url.PathEscape(args[0]), nil, nil); err != nil {
				if notRunning(out, addr, err) {
					return nil
				}
				return err
			}
			_, _ = fmt.Fprintf(out, "Deleted session: %s\n", args[0])
			return nil
		},
	}
}

func sessionAction(cmd *cobra.Command, method, path string, body any, verb string) error {
	c, addr := clientFor(cmd)
	out := cmd.OutOrStdout()
	var view sessionView
	if err := c.do(cmd.Context(), method, path, body, &view); err != nil {
		if notRunning(out, addr, err) {
			return nil
		}
		return err
	}
	_, _ = fmt.Fprintf(out, "%s session %s (%s)\n", verb, view.ID, view.Status)
	return nil
}

func newSessionWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <id>",
		Short: "Follow a session's progress until it ends",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionWatch,
	}
}

func runSessionWatch(cmd *cobra.Command, args []string) error {
	c, addr := clientFor(cmd)
	out := cmd.OutOrStdout()

	body, err := c.stream(cmd.Context(), "/api/v1/sessions/"+url.PathEscape(args[0])+"/events")
	if err != nil {
		if notRunning(out, addr, err) {
			return nil
		}
		return err
	}
	defer func() { _ = body.Close() }()
	return printEvents(out, body)
}

// printEvents renders an SSE stream, one line per event, until it ends.
func printEvents(w io.Writer, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	var event string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var ev struct {
				Step    int            `json:"step"`
				Payload map[string]any `json:"payload"`
			}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				return nderr.Errorf(nderr.CodeCLIResponseInvalid, "invalid event: %v", err)
			}
			_, _ = fmt.Fprintf(w, "[%d] %s%s\n", ev.Step, event, eventDetail(event, ev.Payload))
		}
	}
	return sc.Err()
}

func eventDetail(event string, p map[string]any) string {
	switch event {
	case "action_result":
		return fmt.Sprintf(" %v success=%v", p["action"], p["success"])
	case "ask_user":
		return fmt.Sprintf(" %v", p["question"])
	case "complete":
		if r, ok := p["report"].(map[string]any); ok {
			return fmt.Sprintf(" %v", r["root_cause"])
		}
	case "error":
		return fmt.Sprintf(" %v: %v", p["kind"], p["message"])
	case "cancelled":
		if reason, ok := p["reason"]; ok {
			return fmt.Sprintf(" %v", reason)
		}
	}
	return ""
}
