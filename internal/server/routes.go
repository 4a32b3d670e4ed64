// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/netdiag/netdiag/internal/agent"
	"github.com/netdiag/netdiag/internal/store"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID:   "start-diagnosis",
		Method:        http.MethodPost,
		Path:          "/api/v1/diagnoses",
		Summary:       "Start a diagnosis",
		Description:   "Creates a session and runs the diagnosis in the background. Follow progress on the session's event stream.",
		Tags:          []string{"diagnoses"},
		DefaultStatus: http.StatusAccepted,
	}, s.handleStartDiagnosis)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions",
		Summary:     "List sessions",
		Tags:        []string{"sessions"},
	}, s.handleListSessions)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions/{id}",
		Summary:     "Get session details",
		Tags:        []string{"sessions"},
	}, s.handleGetSession)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-session-messages",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions/{id}/messages",
		Summary:     "Get the message log of a session",
		Tags:        []string{"sessions"},
	}, s.handleListMessages)

	huma.Register(s.api, huma.Operation{
		OperationID:   "answer-session",
		Method:        http.MethodPost,
		Path:          "/api/v1/sessions/{id}/answer",
		Summary:       "Answer the pending question of a waiting session",
		Tags:          []string{"sessions"},
		DefaultStatus: http.StatusAccepted,
	}, s.handleAnswer)

	huma.Register(s.api, huma.Operation{
		OperationID: "cancel-session",
		Method:      http.MethodPost,
		Path:        "/api/v1/sessions/{id}/cancel",
		Summary:     "Cancel a session",
		Tags:        []string{"sessions"},
	}, s.handleCancel)

	huma.Register(s.api, huma.Operation{
		OperationID: "rename-session",
		Method:      http.MethodPatch,
		Path:        "/api/v1/sessions/{id}",
		Summary:     "Rename a session",
		Tags:        []string{"sessions"},
	}, s.handleRename)

	huma.Register(s.api, huma.Operation{
		OperationID:   "delete-session",
		Method:        http.MethodDelete,
		Path:          "/api/v1/sessions/{id}",
		Summary:       "Delete a session",
		Tags:          []string{"sessions"},
		DefaultStatus: http.StatusNoContent,
	}, s.handleDelete)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-providers",
		Method:      http.MethodGet,
		Path:        "/api/v1/providers",
		Summary:     "Oracle provider health",
		Tags:        []string{"system"},
	}, s.handleListProviders)
}

// --- Request/Response types for huma ---

// TaskBody describes the problem to diagnose.
type TaskBody struct {
	UserInput string          `json:"user_input" minLength:"1" doc:"Problem statement in the user's words"`
	Source    string          `json:"source,omitempty" maxLength:"255" doc:"Host the problem is observed from"`
	Target    string          `json:"target,omitempty" maxLength:"255" doc:"Host or address that cannot be reached"`
	Protocol  store.Protocol  `json:"protocol,omitempty" enum:"icmp,tcp,udp"`
	Port      *int            `json:"port,omitempty" minimum:"1" maximum:"65535"`
	FaultType store.FaultType `json:"fault_type,omitempty" enum:"connectivity,port_unreachable,slow,dns"`
	Context   map[string]any  `json:"context,omitempty" doc:"Free-form extra facts"`
}

// OracleBody overrides the default oracle of a session.
type OracleBody struct {
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty" minimum:"0" maximum:"2"`
	MaxTokens   int      `json:"max_tokens,omitempty" minimum:"0"`
}

type startDiagnosisInput struct {
	Body struct {
		Task   TaskBody    `json:"task"`
		Title  string      `json:"title,omitempty" maxLength:"200"`
		Oracle *OracleBody `json:"oracle,omitempty"`
	}
}

type sessionOutput struct {
	Body SessionDetail
}

type sessionIDInput struct {
	ID string `path:"id"`
}

type listSessionsInput struct {
	Status string `query:"status" enum:"active,waiting_user,completed,error,cancelled" doc:"Only sessions in this status"`
	Limit  int    `query:"limit" minimum:"0" maximum:"500" doc:"Page size; 0 returns all"`
	Offset int    `query:"offset" minimum:"0"`
}

type listSessionsOutput struct {
	Body struct {
		Sessions []*store.SessionSummary `json:"sessions"`
	}
}

type listMessagesOutput struct {
	Body struct {
		Messages []MessageView `json:"messages"`
	}
}

type answerInput struct {
	ID   string `path:"id"`
	Body struct {
		Answer string `json:"answer" minLength:"1" doc:"Answer to the pending question"`
	}
}

type renameInput struct {
	ID   string `path:"id"`
	Body struct {
		Title string `json:"title" minLength:"1" maxLength:"200"`
	}
}

type listProvidersOutput struct {
	Body struct {
		Providers []ProviderView `json:"providers"`
	}
}

// SessionDetail is the API view of a session.
type SessionDetail struct {
	ID              string                  `json:"session_id"`
	Title           string                  `json:"title"`
	Status          store.SessionStatus     `json:"status"`
	Step            int                     `json:"step"`
	PendingQuestion string                  `json:"pending_question,omitempty"`
	Task            store.DiagnosticTask    `json:"task"`
	Oracle          store.OracleConfig      `json:"oracle"`
	Report          *store.DiagnosticReport `json:"report,omitempty"`
	Failure         *store.Failure          `json:"failure,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

// MessageView is the API view of a log entry.
type MessageView struct {
	ID         string                  `json:"id"`
	Seq        int                     `json:"seq"`
	Role       store.MessageRole       `json:"role"`
	Kind       store.MessageKind       `json:"kind"`
	Content    string                  `json:"content"`
	Invocation *store.ActionInvocation `json:"invocation,omitempty"`
	Report     *store.DiagnosticReport `json:"report,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
}

// ProviderView is the API view of a provider's health.
type ProviderView struct {
	Provider  string `json:"provider"`
	Available bool   `json:"available"`
	Message   string `json:"message,omitempty"`
}

func sessionDetail(s *store.Session) SessionDetail {
	return SessionDetail{
		ID:              s.ID,
		Title:           s.Title,
		Status:          s.Status,
		Step:            s.Step,
		PendingQuestion: s.PendingQuestion,
		Task:            s.Task,
		Oracle:          s.OracleConfig,
		Report:          s.Report,
		Failure:         s.Failure,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

// --- Handlers ---

func (s *Server) handleStartDiagnosis(ctx context.Context, input *startDiagnosisInput) (*sessionOutput, error) {
	t := input.Body.Task
	req := agent.StartRequest{
		Title: input.Body.Title,
		Task: store.DiagnosticTask{
			UserInput: t.UserInput,
			Source:    t.Source,
			Target:    t.Target,
			Protocol:  t.Protocol,
			Port:      t.Port,
			FaultType: t.FaultType,
			Context:   t.Context,
		},
	}
	if o := input.Body.Oracle; o != nil {
		req.Oracle = store.OracleConfig{Provider: o.Provider, Model: o.Model, MaxTokens: o.MaxTokens}
		if o.Temperature != nil {
			req.Oracle.Temperature = *o.Temperature
		}
	}

	sess, err := s.services.engine.StartAsync(ctx, req)
	if err != nil {
		return nil, s.apiError(ctx, "starting diagnosis", err)
	}
	return &sessionOutput{Body: sessionDetail(sess)}, nil
}

func (s *Server) handleListSessions(ctx context.Context, input *listSessionsInput) (*listSessionsOutput, error) {
	sums, err := s.services.engine.List(ctx, store.ListFilter{
		Status: store.SessionStatus(input.Status),
		Limit:  input.Limit,
		Offset: input.Offset,
	})
	if err != nil {
		return nil, s.apiError(ctx, "listing sessions", err)
	}
	out := &listSessionsOutput{}
	out.Body.Sessions = sums
	if out.Body.Sessions == nil {
		out.Body.Sessions = []*store.SessionSummary{}
	}
	return out, nil
}

func (s *Server) handleGetSession(ctx context.Context, input *sessionIDInput) (*sessionOutput, error) {
	sess, err := s.services.engine.Session(ctx, input.ID)
	if err != nil {
		return nil, s.apiError(ctx, "getting session", err)
	}
	return &sessionOutput{Body: sessionDetail(sess)}, nil
}

func (s *Server) handleListMessages(ctx context.Context, input *sessionIDInput) (*listMessagesOutput, error) {
	msgs, err := s.services.engine.Messages(ctx, input.ID)
	if err != nil {
		return nil, s.apiError(ctx, "listing messages", err)
	}
	out := &listMessagesOutput{}
	out.Body.Messages = make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		out.Body.Messages = append(out.Body.Messages, MessageView{
			ID:         m.ID,
			Seq:        m.Seq,
			Role:       m.Role,
			Kind:       m.Kind,
			Content:    m.Content,
			Invocation: m.Invocation,
			Report:     m.Report,
			CreatedAt:  m.CreatedAt,
		})
	}
	return out, nil
}

func (s *Server) handleAnswer(ctx context.Context, input *answerInput) (*sessionOutput, error) {
	sess, err := s.services.engine.ResumeAsync(ctx, input.ID, input.Body.Answer)
	if err != nil {
		return nil, s.apiError(ctx, "answering session", err)
	}
	return &sessionOutput{Body: sessionDetail(sess)}, nil
}

func (s *Server) handleCancel(ctx context.Context, input *sessionIDInput) (*sessionOutput, error) {
	sess, err := s.services.engine.Cancel(ctx, input.ID)
	if err != nil {
		return nil, s.apiError(ctx, "cancelling session", err)
	}
	return &sessionOutput{Body: sessionDetail(sess)}, nil
}

func (s *Server) handleRename(ctx context.Context, input *renameInput) (*sessionOutput, error) {
	sess, err := s.services.engine.Rename(ctx, input.ID, input.Body.Title)
	if err != nil {
		return nil, s.apiError(ctx, "renaming session", err)
	}
	return &sessionOutput{Body: sessionDetail(sess)}, nil
}

func (s *Server) handleDelete(ctx context.Context, input *sessionIDInput) (*struct{}, error) {
	if err := s.services.engine.Delete(ctx, input.ID); err != nil {
		return nil, s.apiError(ctx, "deleting session", err)
	}
	s.services.events.Forget(input.ID)
	return nil, nil
}

func (s *Server) handleListProviders(ctx context.Context, _ *struct{}) (*listProvidersOutput, error) {
	if s.services.providers == nil {
		return nil, huma.Error503ServiceUnavailable("provider health not configured")
	}
	out := &listProvidersOutput{}
	out.Body.Providers = []ProviderView{}
	for _, st := range s.services.providers.Statuses(ctx) {
		out.Body.Providers = append(out.Body.Providers, ProviderView{
			Provider:  st.Provider,
			Available: st.Available,
			Message:   st.Message,
		})
	}
	return out, nil
}

// apiError maps a coded error onto an HTTP status. Internal failures are
// logged and their detail hidden from the client.
func (s *Server) apiError(ctx context.Context, op string, err error) error {
	status := nderr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(ctx, op+" failed", slog.Any("error", err))
		return huma.NewError(status, op+" failed")
	}
	return huma.NewError(status, err.Error())
}
