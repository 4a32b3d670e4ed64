// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/netdiag/netdiag/internal/store"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

// Compile-time interface check.
var _ store.SessionStore = (*SessionStore)(nil)

// SessionStore implements store.SessionStore backed by SQLite.
type SessionStore struct {
	db    *sql.DB
	locks store.KeyedMutex
	now   func() time.Time
}

// NewSessionStore opens (or creates) a SQLite database at dbPath and
// initialises the sessions and messages tables.
func NewSessionStore(dbPath string) (*SessionStore, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_synchronous=FULL&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, nderr.Wrapf(err, nderr.CodeStoreDatabaseFailure, "opening sqlite db")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nderr.Wrapf(err, nderr.CodeStoreDatabaseFailure, "pinging sqlite db")
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, nderr.Wrapf(err, nderr.CodeStoreDatabaseFailure, "migrating sqlite db")
	}

	return &SessionStore{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL DEFAULT '',
	task             TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'active',
	pending_question TEXT NOT NULL DEFAULT '',
	step             INTEGER NOT NULL DEFAULT 0,
	oracle_config    TEXT NOT NULL DEFAULT '{}',
	report           TEXT NOT NULL DEFAULT '',
	failure          TEXT NOT NULL DEFAULT '',
	version          INTEGER NOT NULL DEFAULT 1,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, updated_at);

CREATE TABLE IF NOT EXISTS messages (
	session_id  TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	id          TEXT NOT NULL,
	role        TEXT NOT NULL,
	kind        TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL DEFAULT '',
	invocation  TEXT NOT NULL DEFAULT '',
	report      TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	PRIMARY KEY (session_id, seq),
	FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
`
	_, err := db.Exec(ddl)
	return err
}

// Close closes the underlying database connection.
func (s *SessionStore) Close() error {
	return s.db.Close()
}

const sessionColumns = `id, title, task, status, pending_question, step, oracle_config, report, failure, version, created_at, updated_at`

func (s *SessionStore) CreateSession(ctx context.Context, session *store.Session) error {
	if session == nil || session.ID == "" {
		return store.Invalid("session id is required")
	}

	unlock := s.locks.Lock(session.ID)
	defer unlock()

	stored := store.CloneSession(session)
	now := s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	if stored.Version == 0 {
		stored.Version = 1
	}

	row, err := encodeSession(stored)
	if err != nil {
		return err
	}

	const q = `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, row.args()...); err != nil {
		if isUniqueViolation(err) {
			return store.Exists(session.ID)
		}
		return nderr.Wrapf(err, nderr.CodeStoreDatabaseFailure, "creating session %s", session.ID)
	}

	*session = *stored
	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (*store.Session, error) {
	return getSession(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSession(ctx context.Context, q queryer, id string) (*store.Session, error) {
	var row sessionRow
	err := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id).Scan(row.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound(id)
	}
	if err != nil {
		return nil, nderr.Wrapf(err, nderr.CodeStoreDatabaseFailure, "getting session %s", id)
	}
	return row.decode()
}

// UpdateSession runs the read-modify-write inside an immediate transaction
// while holding the per-id lock. The version predicate on the UPDATE turns
// any interleaving writer from another process into a conflict.
func (s *SessionStore) UpdateSession(ctx context.Context, id string, mutate store.MutateFunc) (*store.Session, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nderr.Wrapf(err, nderr.CodeStoreDatabaseFailure, "beginning update of session %s", id)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := getSession(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	next := store.CloneSession(current)
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = id
	next.Version = current.Version + 1
	next.UpdatedAt = s.now()

	row, err := encodeSession(next)
	if err != nil {
		return nil, err
	}

	const q = `UPDATE sessions SET title = ?, task = ?, status = ?, pending_question = ?, step = ?,
oracle_config = ?, report = ?, failure = ?, version = ?, updated_at = ?
WHERE id = ? AND version = ?`
	result, err := tx.ExecContext(ctx, q,
		row.Title, row.Task, row.Status, row.PendingQuestion, row.Step,
		row.OracleConfig, row.Report, row.Failure, row.Version, row.UpdatedAt,
		id, current.Version,
	)
	if err != nil {
		return nil, nderr.Wrapf(err, nderr.CodeStoreDatabaseFailure, "updating session %s", id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, nderr.Wrapf(err, nderr.CodeStoreDatabaseFailure, "checking rows affected for session %s", id)
	}
	if rows == 0 {
		return nil, store.Conflict(id)
	}

	if err := tx.Commit(); err != nil {
		return nil, nderr.Wrapf(err, nderr.CodeStoreDatabaseFailure, "committing session %s", id)
	}
	return next, nil
}

func (s *SessionStore) DeleteSession(ctx context.Context, id string, guard store.MutateFunc) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nderr.Wrapf(err, nderr.CodeStoreDatabaseFailure, "beginning delete of session %s", id)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := getSession(ctx, tx, id)
	if err != nil {
		return err
	}
	if guard != nil {
		if err := guard(current); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return nderr.Wrapf(err, nderr.CodeStoreDatabaseFailure, "deleting session %s", id)
	}
	if err := tx.Commit(); err != nil {
		return nderr.Wrapf(err, nderr.CodeStoreDatabaseFailure, "committing delete of session %s", id)
	}
	return nil
}

func (s *SessionStore) ListSessions(ctx context.Context, filter store.ListFilter) ([]*store.SessionSummary, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "s.status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "s.updated_at < ?")
		args = append(args, formatTime(filter.UpdatedBefore))
	}

	q := `SELECT s.id, s.title, s.status, s.step, s.created_at, s.updated_at,
	(SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
FROM sessions s`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY s.updated_at DESC, s.id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, nderr.Wrapf(err, nderr.CodeStoreDatabaseFailure, "listing sessions")
	}
	defer rows.Close()

	summaries := []*store.SessionSummary{}
	for rows.Next() {
		var sum store.SessionSummary
		var createdAt, updatedAt string
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.Status, &sum.Step, &createdAt, &updatedAt, &sum.MessageCount); err != nil {
			return nil, nderr.Wrapf(err, nderr.CodeStoreDatabaseFailure, "scanning session row")
		}
		sum.CreatedAt = parseTime(createdAt)
		sum.UpdatedAt = parseTime(updatedAt)
		summaries = append(summaries, &sum)
	}

	return summaries, rows.Err()
}

func (s *SessionStore) AppendMessage(ctx context.Context, sessionID string, msg *store.Message) error {
	if msg == nil {
		return store.Invalid("message is required")
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nderr.Wrapf(err, nderr.CodeStoreDatabaseFailure, "beginning append to session %s", sessionID)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int
	err = tx.QueryRowContext(ctx, `SELECT COALESCE((SELECT MAX(seq) FROM messages WHERE session_id = ?), 0)
FROM sessions WHERE id = ?`, sessionID, sessionID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return store.NotFound(sessionID)
	}
	if err != nil {
		return nderr.Wrapf(err, nderr.CodeStoreDatabaseFailure, "reading log position of session %s", sessionID)
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	invocation, err := encodeJSON(msg.Invocation)
	if err != nil {
		return err
	}
	report, err := encodeJSON(msg.Report)
	if err != nil {
		return err
	}

	const q = `INSERT INTO messages (session_id, seq, id, role, kind, content, invocation, report, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, q,
		sessionID, seq+1, msg.ID, string(msg.Role), string(msg.Kind), msg.Content,
		invocation, report, formatTime(msg.CreatedAt),
	); err != nil {
		return nderr.Wrapf(err, nderr.CodeStoreDatabaseFailure, "appending message %s to session %s", msg.ID, sessionID)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`,
		formatTime(msg.CreatedAt), sessionID); err != nil {
		return nderr.Wrapf(err, nderr.CodeStoreDatabaseFailure, "touching session %s", sessionID)
	}
	if err := tx.Commit(); err != nil {
		return nderr.Wrapf(err, nderr.CodeStoreDatabaseFailure, "committing message %s", msg.ID)
	}

	msg.SessionID = sessionID
	msg.Seq = seq + 1
	return nil
}

func (s *SessionStore) Messages(ctx context.Context, sessionID string) ([]*store.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	const q = `SELECT session_id, seq, id, role, kind, content, invocation, report, created_at
FROM messages WHERE session_id = ? ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, nderr.Wrapf(err, nderr.CodeStoreDatabaseFailure, "reading log of session %s", sessionID)
	}
	defer rows.Close()

	msgs := []*store.Message{}
	for rows.Next() {
		var msg store.Message
		var invocation, report, createdAt string
		if err := rows.Scan(&msg.SessionID, &msg.Seq, &msg.ID, &msg.Role, &msg.Kind, &msg.Content,
			&invocation, &report, &createdAt); err != nil {
			return nil, nderr.Wrapf(err, nderr.CodeStoreDatabaseFailure, "scanning message row")
		}
		msg.CreatedAt = parseTime(createdAt)
		if err := decodeJSON(invocation, &msg.Invocation); err != nil {
			return nil, err
		}
		if err := decodeJSON(report, &msg.Report); err != nil {
			return nil, err
		}
		msgs = append(msgs, &msg)
	}

	return msgs, rows.Err()
}

// sessionRow is the column-level encoding of a session.
type sessionRow struct {
	ID              string
	Title           string
	Task            string
	Status          string
	PendingQuestion string
	Step            int
	OracleConfig    string
	Report          string
	Failure         string
	Version         int64
	CreatedAt       string
	UpdatedAt       string
}

func (r *sessionRow) args() []any {
	return []any{r.ID, r.Title, r.Task, r.Status, r.PendingQuestion, r.Step,
		r.OracleConfig, r.Report, r.Failure, r.Version, r.CreatedAt, r.UpdatedAt}
}

func (r *sessionRow) dest() []any {
	return []any{&r.ID, &r.Title, &r.Task, &r.Status, &r.PendingQuestion, &r.Step,
		&r.OracleConfig, &r.Report, &r.Failure, &r.Version, &r.CreatedAt, &r.UpdatedAt}
}

func encodeSession(s *store.Session) (*sessionRow, error) {
	task, err := encodeJSON(&s.Task)
	if err != nil {
		return nil, err
	}
	oracle, err := encodeJSON(&s.OracleConfig)
	if err != nil {
		return nil, err
	}
	report, err := encodeJSON(s.Report)
	if err != nil {
		return nil, err
	}
	failure, err := encodeJSON(s.Failure)
	if err != nil {
		return nil, err
	}
	return &sessionRow{
		ID:              s.ID,
		Title:           s.Title,
		Task:            task,
		Status:          string(s.Status),
		PendingQuestion: s.PendingQuestion,
		Step:            s.Step,
		OracleConfig:    oracle,
		Report:          report,
		Failure:         failure,
		Version:         s.Version,
		CreatedAt:       formatTime(s.CreatedAt),
		UpdatedAt:       formatTime(s.UpdatedAt),
	}, nil
}

func (r *sessionRow) decode() (*store.Session, error) {
	sess := &store.Session{
		ID:              r.ID,
		Title:           r.Title,
		Status:          store.SessionStatus(r.Status),
		PendingQuestion: r.PendingQuestion,
		Step:            r.Step,
		Version:         r.Version,
		CreatedAt:       parseTime(r.CreatedAt),
		UpdatedAt:       parseTime(r.UpdatedAt),
	}
	if err := decodeJSON(r.Task, &sess.Task); err != nil {
		return nil, err
	}
	if err := decodeJSON(r.OracleConfig, &sess.OracleConfig); err != nil {
		return nil, err
	}
	if err := decodeJSON(r.Report, &sess.Report); err != nil {
		return nil, err
	}
	if err := decodeJSON(r.Failure, &sess.Failure); err != nil {
		return nil, err
	}
	return sess, nil
}

// encodeJSON stores nil pointers as the empty string.
func encodeJSON[T any](v *T) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", nderr.Wrapf(err, nderr.CodeStoreEncodeFailure, "encoding %T", v)
	}
	return string(b), nil
}

func decodeJSON(raw string, dst any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return nderr.Wrapf(err, nderr.CodeStoreEncodeFailure, "decoding %T", dst)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime serialises a time.Time in UTC with nanosecond precision.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// parseTime deserialises a time string stored in the database.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
