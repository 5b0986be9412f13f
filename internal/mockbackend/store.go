// Package mockbackend is a self-contained stand-in for the assessment
// backend, backed by SQLite. The simulator and integration tests run the
// client against it.
package mockbackend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"proctor/internal/api"
)

var (
	ErrNotFound         = errors.New("mockbackend: not found")
	ErrAlreadyUsed      = errors.New("mockbackend: invitation already used")
	ErrAlreadyCompleted = errors.New("mockbackend: session already completed")
)

const schema = `
CREATE TABLE IF NOT EXISTS tests (
    id               TEXT PRIMARY KEY,
    title            TEXT NOT NULL,
    description      TEXT NOT NULL DEFAULT '',
    duration_minutes INTEGER NOT NULL,
    published        INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS questions (
    id            TEXT PRIMARY KEY,
    test_id       TEXT NOT NULL REFERENCES tests(id),
    ordinal       INTEGER NOT NULL,
    question_type TEXT NOT NULL,
    content       TEXT NOT NULL,
    marks         INTEGER NOT NULL DEFAULT 0,
    options       TEXT NOT NULL DEFAULT '[]',
    language      TEXT NOT NULL DEFAULT '',
    starter_code  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_questions_test ON questions(test_id, ordinal);

CREATE TABLE IF NOT EXISTS invitations (
    token       TEXT PRIMARY KEY,
    test_id     TEXT NOT NULL REFERENCES tests(id),
    expires_at  INTEGER NOT NULL,
    used_at     INTEGER
);

CREATE TABLE IF NOT EXISTS sessions (
    token            TEXT PRIMARY KEY,
    invitation_token TEXT NOT NULL UNIQUE REFERENCES invitations(token),
    status           TEXT NOT NULL,
    started_at       INTEGER NOT NULL,
    completed_at     INTEGER
);

CREATE TABLE IF NOT EXISTS answers (
    session_token  TEXT NOT NULL REFERENCES sessions(token),
    question_id    TEXT NOT NULL,
    payload        TEXT NOT NULL,
    submitted_at   INTEGER NOT NULL,
    PRIMARY KEY (session_token, question_id)
);

CREATE TABLE IF NOT EXISTS activities (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    session_token  TEXT NOT NULL REFERENCES sessions(token),
    activity_type  TEXT NOT NULL,
    activity_data  TEXT NOT NULL,
    created_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS clips (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    session_token   TEXT NOT NULL REFERENCES sessions(token),
    file_name       TEXT NOT NULL,
    violation_type  TEXT NOT NULL,
    description     TEXT NOT NULL,
    occurred_at     TEXT NOT NULL,
    digest          TEXT NOT NULL,
    size            INTEGER NOT NULL,
    data            BLOB,
    created_at      INTEGER NOT NULL
);
`

// Test is a stored assessment.
type Test struct {
	ID              string
	Title           string
	Description     string
	DurationMinutes int
	Published       bool
}

// Invitation is a stored invitation.
type Invitation struct {
	Token     string
	TestID    string
	ExpiresAt time.Time
	UsedAt    time.Time
}

// Used reports whether a session was started with the invitation.
func (i Invitation) Used() bool { return !i.UsedAt.IsZero() }

// Session is a stored session.
type Session struct {
	Token       string
	Invitation  string
	Status      string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Clip is a stored violation clip.
type Clip struct {
	SessionToken  string
	FileName      string
	ViolationType string
	Description   string
	OccurredAt    string
	Digest        string
	Data          []byte
}

// Activity is a stored activity record.
type Activity struct {
	Type string
	Data map[string]any
}

// Store is the SQLite store behind the mock backend.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" keeps it in
// memory on a single connection.
func Open(path string) (*Store, error) {
	dsn := path
	if path == ":memory:" {
		dsn = ":memory:?_foreign_keys=on"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = path + "?_foreign_keys=on&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateTest stores t and its questions in order. Empty IDs are generated.
func (s *Store) CreateTest(ctx context.Context, t Test, questions []api.Question) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tests (id, title, description, duration_minutes, published)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.DurationMinutes, t.Published,
	); err != nil {
		return "", fmt.Errorf("insert test: %w", err)
	}

	for i, q := range questions {
		if q.ID == "" {
			q.ID = uuid.NewString()
		}
		opts, err := json.Marshal(q.Options)
		if err != nil {
			return "", fmt.Errorf("encode options: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO questions (id, test_id, ordinal, question_type, content, marks, options, language, starter_code)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			q.ID, t.ID, i, string(q.Type), q.Content, q.Marks, string(opts), q.Language, q.StarterCode,
		); err != nil {
			return "", fmt.Errorf("insert question: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return t.ID, nil
}

// Test returns a stored test.
func (s *Store) Test(ctx context.Context, id string) (Test, error) {
	var t Test
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, duration_minutes, published FROM tests WHERE id = ?`, id,
	).Scan(&t.ID, &t.Title, &t.Description, &t.DurationMinutes, &t.Published)
	if errors.Is(err, sql.ErrNoRows) {
		return Test{}, ErrNotFound
	}
	if err != nil {
		return Test{}, fmt.Errorf("query test: %w", err)
	}
	return t, nil
}

// Questions returns the questions of a test in order.
func (s *Store) Questions(ctx context.Context, testID string) ([]api.Question, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, question_type, content, marks, options, language, starter_code
		FROM questions WHERE test_id = ? ORDER BY ordinal`, testID)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	var out []api.Question
	for rows.Next() {
		var q api.Question
		var kind, opts string
		if err := rows.Scan(&q.ID, &kind, &q.Content, &q.Marks, &opts, &q.Language, &q.StarterCode); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		q.Type = api.QuestionType(kind)
		if err := json.Unmarshal([]byte(opts), &q.Options); err != nil {
			return nil, fmt.Errorf("decode options: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// CreateInvitation issues an invitation for a test.
func (s *Store) CreateInvitation(ctx context.Context, testID string, expiresAt time.Time) (string, error) {
	token := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO invitations (token, test_id, expires_at) VALUES (?, ?, ?)`,
		token, testID, expiresAt.UnixNano(),
	); err != nil {
		return "", fmt.Errorf("insert invitation: %w", err)
	}
	return token, nil
}

// Invitation returns a stored invitation.
func (s *Store) Invitation(ctx context.Context, token string) (Invitation, error) {
	var inv Invitation
	var expires int64
	var used sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT token, test_id, expires_at, used_at FROM invitations WHERE token = ?`, token,
	).Scan(&inv.Token, &inv.TestID, &expires, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return Invitation{}, ErrNotFound
	}
	if err != nil {
		return Invitation{}, fmt.Errorf("query invitation: %w", err)
	}
	inv.ExpiresAt = time.Unix(0, expires).UTC()
	if used.Valid {
		inv.UsedAt = time.Unix(0, used.Int64).UTC()
	}
	return inv, nil
}

// StartSession consumes the invitation and creates a session.
func (s *Store) StartSession(ctx context.Context, invitation string, now time.Time) (Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE invitations SET used_at = ? WHERE token = ? AND used_at IS NULL`,
		now.UnixNano(), invitation)
	if err != nil {
		return Session{}, fmt.Errorf("mark invitation used: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Session{}, ErrAlreadyUsed
	}

	sess := Session{
		Token:      uuid.NewString(),
		Invitation: invitation,
		Status:     api.StatusInProgress,
		StartedAt:  now.UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (token, invitation_token, status, started_at) VALUES (?, ?, ?, ?)`,
		sess.Token, sess.Invitation, sess.Status, now.UnixNano(),
	); err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("commit: %w", err)
	}
	return sess, nil
}

// Session returns a session by token.
func (s *Store) Session(ctx context.Context, token string) (Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx, `
		SELECT token, invitation_token, status, started_at, completed_at FROM sessions WHERE token = ?`, token))
}

// SessionForInvitation returns the session started with an invitation.
func (s *Store) SessionForInvitation(ctx context.Context, invitation string) (Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx, `
		SELECT token, invitation_token, status, started_at, completed_at FROM sessions WHERE invitation_token = ?`, invitation))
}

func (s *Store) scanSession(row *sql.Row) (Session, error) {
	var sess Session
	var started int64
	var completed sql.NullInt64
	err := row.Scan(&sess.Token, &sess.Invitation, &sess.Status, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("query session: %w", err)
	}
	sess.StartedAt = time.Unix(0, started).UTC()
	if completed.Valid {
		sess.CompletedAt = time.Unix(0, completed.Int64).UTC()
	}
	return sess, nil
}

// CompleteSession marks a session completed.
func (s *Store) CompleteSession(ctx context.Context, token string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, completed_at = ? WHERE token = ? AND status != ?`,
		api.StatusCompleted, now.UnixNano(), token, api.StatusCompleted)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Session(ctx, token); err != nil {
			return err
		}
		return ErrAlreadyCompleted
	}
	return nil
}

// SaveAnswer stores the latest answer to a question.
func (s *Store) SaveAnswer(ctx context.Context, token string, sub api.Submission, now time.Time) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO answers (session_token, question_id, payload, submitted_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (session_token, question_id) DO UPDATE SET payload = excluded.payload, submitted_at = excluded.submitted_at`,
		token, sub.QuestionID, string(payload), now.UnixNano(),
	); err != nil {
		return fmt.Errorf("save answer: %w", err)
	}
	return nil
}

// Answers returns the stored answers of a session keyed by question.
func (s *Store) Answers(ctx context.Context, token string) (map[string]api.Submission, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM answers WHERE session_token = ?`, token)
	if err != nil {
		return nil, fmt.Errorf("query answers: %w", err)
	}
	defer rows.Close()

	out := make(map[string]api.Submission)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		var sub api.Submission
		if err := json.Unmarshal([]byte(payload), &sub); err != nil {
			return nil, fmt.Errorf("decode answer: %w", err)
		}
		out[sub.QuestionID] = sub
	}
	return out, rows.Err()
}

// AddActivity stores an activity record.
func (s *Store) AddActivity(ctx context.Context, token string, act api.Activity, now time.Time) error {
	data, err := json.Marshal(act.Data)
	if err != nil {
		return fmt.Errorf("encode activity: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (session_token, activity_type, activity_data, created_at) VALUES (?, ?, ?, ?)`,
		token, act.Type, string(data), now.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// Activities returns a session's activity records in order.
func (s *Store) Activities(ctx context.Context, token string) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT activity_type, activity_data FROM activities WHERE session_token = ? ORDER BY id`, token)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		var data string
		if err := rows.Scan(&a.Type, &data); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &a.Data); err != nil {
			return nil, fmt.Errorf("decode activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AddClip stores an uploaded clip.
func (s *Store) AddClip(ctx context.Context, c Clip, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO clips (session_token, file_name, violation_type, description, occurred_at, digest, size, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SessionToken, c.FileName, c.ViolationType, c.Description, c.OccurredAt, c.Digest, len(c.Data), c.Data, now.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert clip: %w", err)
	}
	return nil
}

// Clips returns a session's clips in upload order.
func (s *Store) Clips(ctx context.Context, token string) ([]Clip, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_token, file_name, violation_type, description, occurred_at, digest, data
		FROM clips WHERE session_token = ? ORDER BY id`, token)
	if err != nil {
		return nil, fmt.Errorf("query clips: %w", err)
	}
	defer rows.Close()

	var out []Clip
	for rows.Next() {
		var c Clip
		if err := rows.Scan(&c.SessionToken, &c.FileName, &c.ViolationType, &c.Description, &c.OccurredAt, &c.Digest, &c.Data); err != nil {
			return nil, fmt.Errorf("scan clip: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
