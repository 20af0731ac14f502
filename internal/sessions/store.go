// Package sessions persists agent session history to a local SQLite
// database so usage and outcomes survive orchestrator restarts.
package sessions

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/tasks"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Session is one persisted agent session row.
type Session struct {
	ID              int64
	AgentID         string
	TasksAgentID    string
	SessionRef      string
	Role            string
	TaskID          string
	Project         string
	Status          string
	Model           string
	ContextWindow   int
	CompactionCount int
	StartedAt       time.Time
	EndedAt         *time.Time
}

// Store wraps the sessions database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sessions database under stateDir and
// applies pending migrations.
func Open(stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("sessions: state dir: %w", err)
	}
	path := filepath.Join(stateDir, "sessions.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sessions: open db: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug(log.CatSession, "sessions db ready", "path", path)
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("sessions: migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("sessions: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("sessions: migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sessions: migrate: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordStart inserts a session row for a freshly spawned agent and returns
// its row id.
func (s *Store) RecordStart(sess Session) (int64, error) {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	result, err := s.db.Exec(
		`INSERT INTO sessions (agent_id, tasks_agent_id, session_ref, role, task_id, project, status, model, context_window, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.AgentID, sess.TasksAgentID, sess.SessionRef, sess.Role, sess.TaskID,
		sess.Project, sess.Status, sess.Model, sess.ContextWindow, sess.StartedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("sessions: insert: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sessions: last insert id: %w", err)
	}
	return id, nil
}

// UpdateRuntime records the agent's self-reported session ref, model, and
// context window once known.
func (s *Store) UpdateRuntime(id int64, sessionRef, model string, contextWindow int) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET session_ref = ?, model = ?, context_window = ? WHERE id = ?`,
		sessionRef, model, contextWindow, id,
	)
	if err != nil {
		return fmt.Errorf("sessions: update runtime: %w", err)
	}
	return nil
}

// RecordEnd finalizes a session row with its terminal status and compaction
// count.
func (s *Store) RecordEnd(id int64, status string, compactions int) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET status = ?, compaction_count = ?, ended_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, compactions, id,
	)
	if err != nil {
		return fmt.Errorf("sessions: record end: %w", err)
	}
	return nil
}

// RecordUsage appends a cumulative usage snapshot for the session.
func (s *Store) RecordUsage(id int64, usage tasks.UsageSnapshot) error {
	_, err := s.db.Exec(
		`INSERT INTO usage_snapshots (session_id, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, total_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, usage.InputTokens, usage.OutputTokens, usage.CacheReadTokens,
		usage.CacheWriteTokens, usage.TotalTokens, usage.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("sessions: record usage: %w", err)
	}
	return nil
}

// ListByTask returns sessions for a task, newest first.
func (s *Store) ListByTask(taskID string) ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT id, agent_id, tasks_agent_id, session_ref, role, task_id, project, status, model, context_window, compaction_count, started_at, ended_at
		 FROM sessions WHERE task_id = ? ORDER BY started_at DESC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("sessions: list by task: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return scanSessions(rows)
}

// Prune deletes sessions (and their usage snapshots) that ended before the
// cutoff. Returns how many sessions were removed.
func (s *Store) Prune(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	if _, err := s.db.Exec(
		`DELETE FROM usage_snapshots WHERE session_id IN (SELECT id FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?)`,
		cutoff,
	); err != nil {
		return 0, fmt.Errorf("sessions: prune snapshots: %w", err)
	}
	result, err := s.db.Exec(
		`DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("sessions: prune: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// Clear removes all session history.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM usage_snapshots`); err != nil {
		return fmt.Errorf("sessions: clear snapshots: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM sessions`); err != nil {
		return fmt.Errorf("sessions: clear: %w", err)
	}
	return nil
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	var out []Session
	for rows.Next() {
		var sess Session
		var ended sql.NullTime
		if err := rows.Scan(
			&sess.ID, &sess.AgentID, &sess.TasksAgentID, &sess.SessionRef,
			&sess.Role, &sess.TaskID, &sess.Project, &sess.Status, &sess.Model,
			&sess.ContextWindow, &sess.CompactionCount, &sess.StartedAt, &ended,
		); err != nil {
			return nil, fmt.Errorf("sessions: scan: %w", err)
		}
		if ended.Valid {
			sess.EndedAt = &ended.Time
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
