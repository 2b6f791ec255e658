// Package session stores the web interview state: who is interviewing which patient,
// the conversation so far, and the submitted diagnosis. Grading results are never stored.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"osce/pkg/grading"
	"osce/pkg/logx"
)

// CurrentSchemaVersion is the schema version written by this package.
const CurrentSchemaVersion = 1

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Diagnosis is what the student submits at the end of the interview. Nil fields were
// never submitted.
type Diagnosis struct {
	Diagnosis             *string `json:"diagnosis,omitempty"`
	DifferentialDiagnosis *string `json:"differential_diagnosis,omitempty"`
	TreatmentPlan         *string `json:"treatment_plan,omitempty"`
}

// Session is one interview.
type Session struct {
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	ID        string         `json:"id"`
	Username  string         `json:"username"`
	PatientID string         `json:"patient_id"`
	Messages  []grading.Turn `json:"messages"`
	Diagnosis Diagnosis      `json:"diagnosis"`
}

// Store is a SQLite-backed session store.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &Store{db: db, logger: logx.NewLogger("session")}
	s.logger.Info("📦 Session store opened: %s", path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close() //nolint:wrapcheck
}

func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			patient_id TEXT NOT NULL,
			diagnosis TEXT,
			differential_diagnosis TEXT,
			treatment_plan TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", firstLine(stmt), err)
		}
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// Create starts a new session with an empty conversation.
func (s *Store) Create(ctx context.Context, username, patientID string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		Username:  username,
		PatientID: patientID,
		Messages:  []grading.Turn{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, username, patient_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Username, sess.PatientID, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// Get loads a session with its messages in order.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	sess := &Session{ID: id}
	var diag, diff, plan sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT username, patient_id, diagnosis, differential_diagnosis, treatment_plan, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&sess.Username, &sess.PatientID, &diag, &diff, &plan, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	sess.Diagnosis = Diagnosis{
		Diagnosis:             nullable(diag),
		DifferentialDiagnosis: nullable(diff),
		TreatmentPlan:         nullable(plan),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM messages WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages for %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	sess.Messages = []grading.Turn{}
	for rows.Next() {
		var t grading.Turn
		if err := rows.Scan(&t.Role, &t.Content); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		sess.Messages = append(sess.Messages, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return sess, nil
}

// AppendMessages adds turns to the end of the conversation.
func (s *Store) AppendMessages(ctx context.Context, id string, turns ...grading.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touch(ctx, tx, id); err != nil {
			return err
		}
		var next int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`, id).Scan(&next); err != nil {
			return fmt.Errorf("failed to read message sequence: %w", err)
		}
		for i, t := range turns {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO messages (session_id, seq, role, content) VALUES (?, ?, ?, ?)`,
				id, next+i, t.Role, t.Content); err != nil {
				return fmt.Errorf("failed to insert message: %w", err)
			}
		}
		return nil
	})
}

// SetDiagnosis replaces the submitted diagnosis fields.
func (s *Store) SetDiagnosis(ctx context.Context, id string, d Diagnosis) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touch(ctx, tx, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE sessions SET diagnosis = ?, differential_diagnosis = ?, treatment_plan = ? WHERE id = ?`,
			nullString(d.Diagnosis), nullString(d.DifferentialDiagnosis), nullString(d.TreatmentPlan), id)
		if err != nil {
			return fmt.Errorf("failed to store diagnosis: %w", err)
		}
		return nil
	})
}

// Delete removes a session and its messages. Deleting a missing session is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// PurgeIdle deletes sessions not updated within maxAge and returns how many were removed.
func (s *Store) PurgeIdle(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("purged %d idle sessions", n)
	}
	return n, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func touch(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func firstLine(stmt string) string {
	for i, c := range stmt {
		if c == '\n' {
			return stmt[:i]
		}
	}
	return stmt
}
