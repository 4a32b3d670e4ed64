// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package store

import (
	"time"
)

// --- Session types ---

// SessionStatus represents the lifecycle state of a diagnosis session.
type SessionStatus string

const (
	SessionStatusActive      SessionStatus = "active"
	SessionStatusWaitingUser SessionStatus = "waiting_user"
	SessionStatusCompleted   SessionStatus = "completed"
	SessionStatusError       SessionStatus = "error"
	SessionStatusCancelled   SessionStatus = "cancelled"
)

// Terminal reports whether no further transition may leave this status.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusError, SessionStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusActive, SessionStatusWaitingUser, SessionStatusCompleted,
		SessionStatusError, SessionStatusCancelled:
		return true
	default:
		return false
	}
}

// Protocol is the transport protocol a task is about.
type Protocol string

const (
	ProtocolICMP Protocol = "icmp"
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
)

// FaultType is the reported symptom class of a task.
type FaultType string

const (
	FaultConnectivity    FaultType = "connectivity"
	FaultPortUnreachable FaultType = "port_unreachable"
	FaultSlow            FaultType = "slow"
	FaultDNS             FaultType = "dns"
)

// DiagnosticTask is the immutable description of the problem to diagnose.
type DiagnosticTask struct {
	ID        string         `json:"task_id" validate:"required,max=128"`
	UserInput string         `json:"user_input" validate:"required"`
	Source    string         `json:"source,omitempty" validate:"omitempty,max=255"`
	Target    string         `json:"target,omitempty" validate:"omitempty,max=255"`
	Protocol  Protocol       `json:"protocol,omitempty" validate:"omitempty,oneof=icmp tcp udp"`
	Port      *int           `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	FaultType FaultType      `json:"fault_type,omitempty" validate:"omitempty,oneof=connectivity port_unreachable slow dns"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// FailureKind names an entry of the engine's error taxonomy.
type FailureKind string

const (
	FailureValidation          FailureKind = "ValidationError"
	FailureActionNotFound      FailureKind = "ActionNotFound"
	FailureActionTimeout       FailureKind = "ActionTimeout"
	FailureOracleTransient     FailureKind = "OracleTransient"
	FailureOracleFatal         FailureKind = "OracleFatal"
	FailureRepeatedFailureLoop FailureKind = "RepeatedFailureLoop"
	FailurePersistence         FailureKind = "PersistenceFailure"
	FailureStepBudgetExhausted FailureKind = "StepBudgetExhausted"
)

// Failure records why a session ended in the error status.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// ActionResult is the outcome of one action invocation. ErrorKind is empty
// for ordinary successes and failures reported by the action itself.
type ActionResult struct {
	Success     bool          `json:"success"`
	Output      string        `json:"output"`
	ErrorOutput string        `json:"error_output,omitempty"`
	ExitCode    *int          `json:"exit_code,omitempty"`
	Duration    time.Duration `json:"duration"`
	ErrorKind   FailureKind   `json:"error_kind,omitempty"`
}

// ActionInvocation is one executed step of a session.
type ActionInvocation struct {
	Step      int            `json:"step"`
	CallID    string         `json:"call_id,omitempty"`
	Action    string         `json:"action"`
	Args      map[string]any `json:"args"`
	Result    ActionResult   `json:"result"`
	StartedAt time.Time      `json:"started_at"`
}

// DiagnosticReport is the final output of a session.
type DiagnosticReport struct {
	TaskID        string             `json:"task_id"`
	RootCause     string             `json:"root_cause"`
	Confidence    float64            `json:"confidence"`
	Evidence      []string           `json:"evidence"`
	Suggestions   []string           `json:"fix_suggestions"`
	NeedHuman     bool               `json:"need_human"`
	Invocations   []ActionInvocation `json:"executed_steps"`
	TotalDuration time.Duration      `json:"total_time"`
	CreatedAt     time.Time          `json:"created_at"`
}

// OracleConfig selects and tunes the reasoning oracle of a session. It
// never carries credentials.
type OracleConfig struct {
	Provider    string        `json:"provider"`
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Timeout     time.Duration `json:"timeout"`
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
}

// Session is the persisted state of one diagnosis. The message log is kept
// alongside it and read with SessionStore.Messages.
type Session struct {
	ID              string
	Title           string
	Task            DiagnosticTask
	Status          SessionStatus
	PendingQuestion string
	Step            int
	OracleConfig    OracleConfig
	Report          *DiagnosticReport
	Failure         *Failure
	// Version is incremented by the store on every successful update.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// --- Message types ---

// MessageRole identifies the sender of a message in a session.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// MessageKind classifies a log entry.
type MessageKind string

const (
	MessageKindTask     MessageKind = "task"
	MessageKindAction   MessageKind = "action"
	MessageKindQuestion MessageKind = "question"
	MessageKindAnswer   MessageKind = "answer"
	MessageKindReport   MessageKind = "report"
	MessageKindNote     MessageKind = "note"
)

// Message is a single append-only entry of a session log.
type Message struct {
	ID         string
	SessionID  string
	Seq        int
	Role       MessageRole
	Kind       MessageKind
	Content    string
	Invocation *ActionInvocation
	Report     *DiagnosticReport
	CreatedAt  time.Time
}

// SessionSummary is the listing view of a session.
type SessionSummary struct {
	ID           string        `json:"session_id"`
	Title        string        `json:"title"`
	Status       SessionStatus `json:"status"`
	Step         int           `json:"step"`
	MessageCount int           `json:"message_count"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// --- Query options ---

// ListFilter narrows ListSessions. Zero values match everything.
type ListFilter struct {
	Status        SessionStatus
	UpdatedBefore time.Time
	Limit         int
	Offset        int
}

// Matches reports whether a session passes the status and age criteria.
func (f ListFilter) Matches(s *Session) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !s.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}
