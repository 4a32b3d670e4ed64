// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/netdiag/netdiag/internal/agent"
	"github.com/netdiag/netdiag/internal/store"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

const eventsPath = "/api/v1/sessions/{id}/events"

func (s *Server) registerEventsRoute() {
	s.router.Get(eventsPath, s.handleEvents)

	// The stream needs the raw ResponseWriter, so it is served by chi and only
	// documented through huma.
	s.api.OpenAPI().AddOperation(&huma.Operation{
		OperationID: "stream-session-events",
		Method:      http.MethodGet,
		Path:        eventsPath,
		Summary:     "Stream session progress via SSE",
		Description: "Emits start, step_start, action_result, ask_user and a final complete, error or cancelled event, then closes. A finished session yields its terminal event immediately.",
		Tags:        []string{"sessions"},
		Parameters: []*huma.Param{{
			Name:     "id",
			In:       "path",
			Required: true,
			Schema:   &huma.Schema{Type: "string"},
		}},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Server-sent event stream",
				Content: map[string]*huma.MediaType{
					"text/event-stream": {Schema: &huma.Schema{Type: "string"}},
				},
			},
			"404": {Description: "Session not found"},
		},
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	// Subscribe before reading the session so no terminal event slips
	// between the two.
	sub := s.services.events.Subscribe(id)
	defer sub.Close()

	sess, err := s.services.engine.Session(ctx, id)
	if err != nil {
		status := nderr.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.ErrorContext(ctx, "event stream lookup failed", slog.String("session_id", id), slog.Any("error", err))
		}
		writeJSONError(w, status, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, nderr.New(nderr.CodeServerInternalFailure, "streaming not supported"))
		return
	}
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.DebugContext(ctx, "clearing write deadline failed", slog.Any("error", err))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if sess.Status.Terminal() {
		// The store is authoritative when the broker no longer retains the
		// event, for example after a restart.
		select {
		case ev, ok := <-sub.C:
			if ok {
				s.writeEvent(w, ev)
				flusher.Flush()
				return
			}
		default:
		}
		s.writeEvent(w, terminalEvent(sess))
		flusher.Flush()
		return
	}

	keepAlive := time.NewTicker(s.cfg.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := s.writeEvent(w, ev); err != nil {
				s.logger.DebugContext(ctx, "event stream write failed", slog.String("session_id", id), slog.Any("error", err))
				return
			}
			flusher.Flush()
			if ev.Type.Terminal() {
				return
			}
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeEvent(w io.Writer, ev agent.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("encoding event failed", slog.String("event", string(ev.Type)), slog.Any("error", err))
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// terminalEvent reconstructs the final event of a finished session.
func terminalEvent(sess *store.Session) agent.Event {
	ev := agent.Event{SessionID: sess.ID, Step: sess.Step, Timestamp: sess.UpdatedAt}
	switch sess.Status {
	case store.SessionStatusCompleted:
		ev.Type = agent.EventComplete
		ev.Payload = map[string]any{"report": sess.Report}
	case store.SessionStatusError:
		ev.Type = agent.EventError
		if sess.Failure != nil {
			ev.Payload = map[string]any{"kind": sess.Failure.Kind, "message": sess.Failure.Message}
		}
	default:
		ev.Type = agent.EventCancelled
	}
	return ev
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"title":  http.StatusText(status),
		"detail": msg,
	})
}
