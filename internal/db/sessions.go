package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrActiveSessionExists is returned when creating a session that would duplicate
// an active session for the same agent+project combination.
var ErrActiveSessionExists = errors.New("active session already exists for this agent and project")

// ErrSessionNotFound is returned when a session is not found.
var ErrSessionNotFound = errors.New("session not found")

// Session is one agent run against a project. Audit entries reference it by
// ID; ending a session never touches the entries recorded under it.
type Session struct {
	ID           string     `json:"id"`
	AgentName    string     `json:"agent_name"`
	ProjectPath  string     `json:"project_path"`
	StartedAt    time.Time  `json:"started_at"`
	LastActiveAt time.Time  `json:"last_active_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	// YoloMode records whether the session ever entered bypass mode.
	YoloMode bool `json:"yolo_mode"`
}

// CreateSession creates a new session.
// Returns ErrActiveSessionExists if an active session already exists for the
// agent+project pair.
func (db *DB) CreateSession(s *Session) error {
	if s.AgentName == "" {
		return fmt.Errorf("agent_name is required")
	}
	if s.ProjectPath == "" {
		return fmt.Errorf("project_path is required")
	}

	if s.ID == "" {
		s.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	s.StartedAt = now
	s.LastActiveAt = now
	s.EndedAt = nil

	_, err := db.Exec(`
		INSERT INTO sessions (id, agent_name, project_path, started_at, last_active_at, ended_at, yolo_mode)
		VALUES (?, ?, ?, ?, ?, NULL, ?)
	`, s.ID, s.AgentName, s.ProjectPath,
		s.StartedAt.Format(time.RFC3339), s.LastActiveAt.Format(time.RFC3339),
		boolToInt(s.YoloMode))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrActiveSessionExists
		}
		return fmt.Errorf("creating session: %w", err)
	}

	return nil
}

// GetSession retrieves a session by ID.
func (db *DB) GetSession(id string) (*Session, error) {
	row := db.QueryRow(`
		SELECT id, agent_name, project_path, started_at, last_active_at, ended_at, yolo_mode
		FROM sessions WHERE id = ?
	`, id)

	return scanSession(row)
}

// GetActiveSession retrieves the active session for an agent and project.
// Returns ErrSessionNotFound if no active session exists.
func (db *DB) GetActiveSession(agentName, projectPath string) (*Session, error) {
	row := db.QueryRow(`
		SELECT id, agent_name, project_path, started_at, last_active_at, ended_at, yolo_mode
		FROM sessions
		WHERE agent_name = ? AND project_path = ? AND ended_at IS NULL
	`, agentName, projectPath)

	return scanSession(row)
}

// ListActiveSessions returns all active sessions for a project.
func (db *DB) ListActiveSessions(projectPath string) ([]*Session, error) {
	rows, err := db.Query(`
		SELECT id, agent_name, project_path, started_at, last_active_at, ended_at, yolo_mode
		FROM sessions
		WHERE project_path = ? AND ended_at IS NULL
		ORDER BY last_active_at DESC
	`, projectPath)
	if err != nil {
		return nil, fmt.Errorf("querying active sessions: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// UpdateSessionHeartbeat refreshes last_active_at for an active session.
func (db *DB) UpdateSessionHeartbeat(id string) error {
	result, err := db.Exec(`
		UPDATE sessions SET last_active_at = ? WHERE id = ? AND ended_at IS NULL
	`, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating session heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// MarkSessionYolo records that a session entered bypass mode. The flag is
// sticky for the life of the row.
func (db *DB) MarkSessionYolo(id string) error {
	result, err := db.Exec(`
		UPDATE sessions SET yolo_mode = 1 WHERE id = ? AND ended_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("marking session yolo: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// EndSession marks a session as ended.
func (db *DB) EndSession(id string) error {
	result, err := db.Exec(`
		UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL
	`, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("ending session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// FindStaleSessions returns active sessions whose heartbeat is older than the
// threshold.
func (db *DB) FindStaleSessions(threshold time.Duration) ([]*Session, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := db.Query(`
		SELECT id, agent_name, project_path, started_at, last_active_at, ended_at, yolo_mode
		FROM sessions
		WHERE ended_at IS NULL AND last_active_at < ?
		ORDER BY last_active_at ASC
	`, cutoff.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("querying stale sessions: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

type sessionScanner interface {
	Scan(dest ...any) error
}

func scanSessionFields(sc sessionScanner) (*Session, error) {
	var s Session
	var startedAt, lastActiveAt string
	var endedAt sql.NullString
	var yolo int

	err := sc.Scan(&s.ID, &s.AgentName, &s.ProjectPath, &startedAt, &lastActiveAt, &endedAt, &yolo)
	if err != nil {
		return nil, err
	}

	if s.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if s.LastActiveAt, err = time.Parse(time.RFC3339, lastActiveAt); err != nil {
		return nil, fmt.Errorf("parsing last_active_at: %w", err)
	}
	if endedAt.Valid {
		t, err := time.Parse(time.RFC3339, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
		s.EndedAt = &t
	}
	s.YoloMode = yolo != 0

	return &s, nil
}

func scanSession(row *sql.Row) (*Session, error) {
	s, err := scanSessionFields(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return s, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		s, err := scanSessionFields(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
