// Package store provides SQLite-backed history for autom8 runs: one row
// per agent invocation and one row per terminal run outcome. The durable
// run state itself lives in state.json; this database is bookkeeping for
// reporting and cost analysis.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store wraps the history database.
type Store struct {
	db *sql.DB
}

// Invocation is one recorded agent subprocess run.
type Invocation struct {
	ID           string
	SessionID    string
	Project      string
	Branch       string
	Phase        string
	StoryID      string
	Iteration    int
	ExitCode     int
	Completed    bool
	Cancelled    bool
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	DurationS    float64
	StartedAt    time.Time
}

// RunOutcome is the terminal record for a whole run.
type RunOutcome struct {
	ID           string
	SessionID    string
	Project      string
	Branch       string
	Status       string // completed, failed
	Failure      string
	Stories      int
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	FinishedAt   time.Time
}

// Totals aggregates token and cost columns.
type Totals struct {
	Invocations  int
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Open opens (and migrates) the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history db %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS invocations (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	project TEXT NOT NULL,
	branch TEXT NOT NULL,
	phase TEXT NOT NULL,
	story_id TEXT,
	iteration INTEGER NOT NULL DEFAULT 0,
	exit_code INTEGER NOT NULL DEFAULT 0,
	completed INTEGER NOT NULL DEFAULT 0,
	cancelled INTEGER NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	duration_s REAL NOT NULL DEFAULT 0,
	started_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invocations_session ON invocations(session_id);
CREATE INDEX IF NOT EXISTS idx_invocations_story ON invocations(story_id);

CREATE TABLE IF NOT EXISTS run_outcomes (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	project TEXT NOT NULL,
	branch TEXT NOT NULL,
	status TEXT NOT NULL,
	failure TEXT,
	stories INTEGER NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	finished_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_outcomes_project ON run_outcomes(project);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate history db: %w", err)
	}
	return nil
}

// RecordInvocation inserts an invocation row, assigning its id.
func (s *Store) RecordInvocation(inv *Invocation) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.StartedAt.IsZero() {
		inv.StartedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
INSERT INTO invocations (id, session_id, project, branch, phase, story_id, iteration,
	exit_code, completed, cancelled, input_tokens, output_tokens, cost_usd, duration_s, started_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.SessionID, inv.Project, inv.Branch, inv.Phase, inv.StoryID, inv.Iteration,
		inv.ExitCode, boolToInt(inv.Completed), boolToInt(inv.Cancelled),
		inv.InputTokens, inv.OutputTokens, inv.CostUSD, inv.DurationS, inv.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to record invocation: %w", err)
	}
	return nil
}

// RecordOutcome inserts the terminal outcome row for a run.
func (s *Store) RecordOutcome(out *RunOutcome) error {
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.FinishedAt.IsZero() {
		out.FinishedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
INSERT INTO run_outcomes (id, session_id, project, branch, status, failure, stories,
	input_tokens, output_tokens, cost_usd, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.SessionID, out.Project, out.Branch, out.Status, out.Failure, out.Stories,
		out.InputTokens, out.OutputTokens, out.CostUSD, out.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to record run outcome: %w", err)
	}
	return nil
}

// RecentInvocations returns the most recent invocations for a session,
// newest first.
func (s *Store) RecentInvocations(sessionID string, limit int) ([]Invocation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
SELECT id, session_id, project, branch, phase, story_id, iteration, exit_code,
	completed, cancelled, input_tokens, output_tokens, cost_usd, duration_s, started_at
FROM invocations WHERE session_id = ? ORDER BY started_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query invocations: %w", err)
	}
	defer rows.Close()

	var out []Invocation
	for rows.Next() {
		var inv Invocation
		var completed, cancelled int
		var storyID sql.NullString
		if err := rows.Scan(&inv.ID, &inv.SessionID, &inv.Project, &inv.Branch, &inv.Phase,
			&storyID, &inv.Iteration, &inv.ExitCode, &completed, &cancelled,
			&inv.InputTokens, &inv.OutputTokens, &inv.CostUSD, &inv.DurationS, &inv.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan invocation: %w", err)
		}
		inv.StoryID = storyID.String
		inv.Completed = completed != 0
		inv.Cancelled = cancelled != 0
		out = append(out, inv)
	}
	return out, rows.Err()
}

// SessionTotals aggregates tokens and cost across a session's invocations.
func (s *Store) SessionTotals(sessionID string) (Totals, error) {
	var t Totals
	err := s.db.QueryRow(`
SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
FROM invocations WHERE session_id = ?`, sessionID).
		Scan(&t.Invocations, &t.InputTokens, &t.OutputTokens, &t.CostUSD)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to aggregate session totals: %w", err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
