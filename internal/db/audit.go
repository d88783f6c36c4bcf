package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrEntryNotFound is returned when an audit entry is not found.
var ErrEntryNotFound = errors.New("audit entry not found")

// AuditEntry is one row of the append-only audit trail. Entries are immutable
// once written; they are only ever queried or pruned by age.
type AuditEntry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	StepID    string    `json:"step_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	ToolName  string    `json:"tool_name"`
	// Parameters is the size-capped JSON serialization of the call params.
	Parameters string `json:"parameters,omitempty"`
	// FullParameters is the uncapped serialization, stored only for
	// bypass-mode entries.
	FullParameters   string `json:"full_parameters,omitempty"`
	Result           string `json:"result,omitempty"`
	Error            string `json:"error,omitempty"`
	DurationMS       int64  `json:"duration_ms"`
	RiskLevel        string `json:"risk_level"`
	ApprovalRequired bool   `json:"approval_required"`
	ApprovalDecision string `json:"approval_decision,omitempty"`
	ApprovedBy       string `json:"approved_by,omitempty"`
	ApprovalTimeMS   int64  `json:"approval_time_ms,omitempty"`
	Success          bool   `json:"success"`
	ParentPlanID     string `json:"parent_plan_id,omitempty"`
	YoloMode         bool   `json:"yolo_mode"`
}

const auditColumns = `id, session_id, step_id, timestamp, tool_name, parameters, full_parameters,
	result, error, duration_ms, risk_level, approval_required, approval_decision,
	approved_by, approval_time_ms, success, parent_plan_id, yolo_mode`

// timestampLayout is RFC3339 with fixed-width nanoseconds. Timestamps are
// compared as text in SQL, so the fractional part must never vary in width:
// RFC3339Nano drops trailing zeros, and "…00.5Z" sorts after "…00.51Z".
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// InsertAuditEntry appends one entry. It never overwrites or merges.
func (db *DB) InsertAuditEntry(e *AuditEntry) error {
	if e.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if e.ToolName == "" {
		return fmt.Errorf("tool_name is required")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var fullParams sql.NullString
	if e.FullParameters != "" {
		fullParams = sql.NullString{String: e.FullParameters, Valid: true}
	}

	_, err := db.Exec(`
		INSERT INTO audit_entries (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.SessionID, e.StepID, e.Timestamp.UTC().Format(timestampLayout),
		e.ToolName, e.Parameters, fullParams, e.Result, e.Error, e.DurationMS,
		e.RiskLevel, boolToInt(e.ApprovalRequired), e.ApprovalDecision,
		e.ApprovedBy, e.ApprovalTimeMS, boolToInt(e.Success), e.ParentPlanID,
		boolToInt(e.YoloMode))
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// AuditFilter selects audit entries. Zero-valued fields are ignored.
type AuditFilter struct {
	SessionID string
	RiskLevel string
	ToolName  string
	Since     time.Time
	Until     time.Time
	// Success filters on the success flag when non-nil.
	Success *bool
	Limit   int
	Offset  int
}

// QueryAuditEntries returns matching entries, newest first.
func (db *DB) QueryAuditEntries(f AuditFilter) ([]*AuditEntry, error) {
	var conditions []string
	var args []any

	if f.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.RiskLevel != "" {
		conditions = append(conditions, "risk_level = ?")
		args = append(args, f.RiskLevel)
	}
	if f.ToolName != "" {
		conditions = append(conditions, "tool_name = ?")
		args = append(args, f.ToolName)
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, f.Since.UTC().Format(timestampLayout))
	}
	if !f.Until.IsZero() {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, f.Until.UTC().Format(timestampLayout))
	}
	if f.Success != nil {
		conditions = append(conditions, "success = ?")
		args = append(args, boolToInt(*f.Success))
	}

	query := "SELECT " + auditColumns + " FROM audit_entries"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
		if f.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", f.Offset)
		}
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	return scanAuditEntries(rows)
}

// GetAuditEntry retrieves one entry by id.
func (db *DB) GetAuditEntry(id string) (*AuditEntry, error) {
	row := db.QueryRow("SELECT "+auditColumns+" FROM audit_entries WHERE id = ?", id)
	e, err := scanAuditEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return e, nil
}

// SessionSummary aggregates one session's audit trail.
type SessionSummary struct {
	SessionID       string         `json:"session_id"`
	TotalActions    int            `json:"total_actions"`
	ByRisk          map[string]int `json:"by_risk"`
	Approved        int            `json:"approved"`
	Rejected        int            `json:"rejected"`
	TimedOut        int            `json:"timed_out"`
	Succeeded       int            `json:"succeeded"`
	Failed          int            `json:"failed"`
	TotalDurationMS int64          `json:"total_duration_ms"`
}

// GetSessionSummary computes the aggregate view of a session. Computed per
// call, not cached.
func (db *DB) GetSessionSummary(sessionID string) (*SessionSummary, error) {
	rows, err := db.Query(`
		SELECT risk_level, approval_decision, success, duration_ms
		FROM audit_entries WHERE session_id = ?
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying session summary: %w", err)
	}
	defer rows.Close()

	summary := &SessionSummary{
		SessionID: sessionID,
		ByRisk:    make(map[string]int),
	}

	for rows.Next() {
		var risk, decision string
		var success int
		var durationMS int64
		if err := rows.Scan(&risk, &decision, &success, &durationMS); err != nil {
			return nil, fmt.Errorf("scanning summary row: %w", err)
		}

		summary.TotalActions++
		summary.ByRisk[risk]++
		summary.TotalDurationMS += durationMS

		switch decision {
		case "approved":
			summary.Approved++
		case "rejected":
			summary.Rejected++
		case "timeout":
			summary.TimedOut++
		}

		if success != 0 {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating summary rows: %w", err)
	}

	return summary, nil
}

// CleanupOldEntries deletes entries older than the retention cutoff. Entries
// logged in bypass mode use retentionDays * yoloMultiplier: the actions least
// likely to have had human review are retained longest.
// Returns the number of deleted rows.
func (db *DB) CleanupOldEntries(now time.Time, retentionDays, yoloMultiplier int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be positive")
	}
	if yoloMultiplier < 1 {
		yoloMultiplier = 1
	}

	cutoff := now.UTC().AddDate(0, 0, -retentionDays).Format(timestampLayout)
	yoloCutoff := now.UTC().AddDate(0, 0, -retentionDays*yoloMultiplier).Format(timestampLayout)

	result, err := db.Exec(`
		DELETE FROM audit_entries
		WHERE (yolo_mode = 0 AND timestamp < ?)
		   OR (yolo_mode = 1 AND timestamp < ?)
	`, cutoff, yoloCutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up audit entries: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return deleted, nil
}

// CountAuditEntries returns the total number of entries, for diagnostics.
func (db *DB) CountAuditEntries() (int, error) {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM audit_entries").Scan(&count); err != nil {
		return 0, fmt.Errorf("counting audit entries: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuditEntry(row rowScanner) (*AuditEntry, error) {
	e := &AuditEntry{}
	var timestamp string
	var fullParams sql.NullString
	var approvalRequired, success, yoloMode int

	err := row.Scan(&e.ID, &e.SessionID, &e.StepID, &timestamp, &e.ToolName,
		&e.Parameters, &fullParams, &e.Result, &e.Error, &e.DurationMS,
		&e.RiskLevel, &approvalRequired, &e.ApprovalDecision, &e.ApprovedBy,
		&e.ApprovalTimeMS, &success, &e.ParentPlanID, &yoloMode)
	if err != nil {
		return nil, err
	}

	e.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	if fullParams.Valid {
		e.FullParameters = fullParams.String
	}
	e.ApprovalRequired = approvalRequired != 0
	e.Success = success != 0
	e.YoloMode = yoloMode != 0

	return e, nil
}

func scanAuditEntries(rows *sql.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
