package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// validPersistedLevels are the autonomy levels the store accepts. L5 is
// session-only and must never reach disk; rejecting it here keeps the
// volatile-bypass boundary enforced even if a caller slips.
var validPersistedLevels = map[string]bool{
	"L1": true,
	"L2": true,
	"L3": true,
	"L4": true,
}

// GetProjectLevel returns the persisted autonomy level for a project path.
func (db *DB) GetProjectLevel(projectPath string) (string, bool, error) {
	var level string
	err := db.QueryRow(`
		SELECT level FROM autonomy_levels WHERE project_path = ?
	`, projectPath).Scan(&level)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading autonomy level: %w", err)
	}
	return level, true, nil
}

// SetProjectLevel stores the autonomy level for a project path.
func (db *DB) SetProjectLevel(projectPath, level string) error {
	if projectPath == "" {
		return fmt.Errorf("project path is required")
	}
	if !validPersistedLevels[level] {
		return fmt.Errorf("level %q cannot be persisted", level)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.Exec(`
		INSERT INTO autonomy_levels (project_path, level, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(project_path) DO UPDATE SET level = excluded.level, updated_at = excluded.updated_at
	`, projectPath, level, now)
	if err != nil {
		return fmt.Errorf("storing autonomy level: %w", err)
	}
	return nil
}

// DeleteProjectLevel removes the stored level, reverting the project to the
// global default.
func (db *DB) DeleteProjectLevel(projectPath string) error {
	_, err := db.Exec(`DELETE FROM autonomy_levels WHERE project_path = ?`, projectPath)
	if err != nil {
		return fmt.Errorf("deleting autonomy level: %w", err)
	}
	return nil
}

// ListProjectLevels returns all persisted project levels.
func (db *DB) ListProjectLevels() (map[string]string, error) {
	rows, err := db.Query(`SELECT project_path, level FROM autonomy_levels`)
	if err != nil {
		return nil, fmt.Errorf("listing autonomy levels: %w", err)
	}
	defer rows.Close()

	levels := make(map[string]string)
	for rows.Next() {
		var path, level string
		if err := rows.Scan(&path, &level); err != nil {
			return nil, fmt.Errorf("scanning autonomy level: %w", err)
		}
		levels[path] = level
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating autonomy levels: %w", err)
	}
	return levels, nil
}
