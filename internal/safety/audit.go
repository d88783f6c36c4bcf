package safety

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/toolgate/toolgate/internal/db"
)

// DefaultParamByteCeiling caps serialized parameters in normal audit entries.
const DefaultParamByteCeiling = 2048

// DefaultRetentionDays is the standard audit retention window.
const DefaultRetentionDays = 30

// YoloRetentionMultiplier extends retention for bypass-mode entries: the
// actions least likely to have had human review are kept longest.
const YoloRetentionMultiplier = 3

// ActionRecord is the input to AuditStore.Log. The store handles parameter
// serialization and capping.
type ActionRecord struct {
	SessionID      string
	StepID         string
	Classification Classification
	Result         string
	Err            error
	Duration       time.Duration
	ApprovalResult *ApprovalResult
	ApprovalTime   time.Duration
	Success        bool
	ParentPlanID   string
	// YoloMode marks entries logged under an active bypass session.
	YoloMode bool
}

// AuditStore writes and reads the append-only audit trail.
type AuditStore struct {
	db             *db.DB
	logger         *log.Logger
	paramCap       int
	yoloMultiplier int
	clock          func() time.Time
}

// AuditOption configures an AuditStore.
type AuditOption func(*AuditStore)

// WithParamByteCeiling overrides the serialized-parameter cap.
func WithParamByteCeiling(n int) AuditOption {
	return func(s *AuditStore) {
		if n > 0 {
			s.paramCap = n
		}
	}
}

// WithAuditLogger sets the logger.
func WithAuditLogger(l *log.Logger) AuditOption {
	return func(s *AuditStore) {
		s.logger = l
	}
}

// WithYoloRetentionMultiplier overrides how much longer bypass-mode entries
// are retained.
func WithYoloRetentionMultiplier(n int) AuditOption {
	return func(s *AuditStore) {
		if n >= 1 {
			s.yoloMultiplier = n
		}
	}
}

// WithClock overrides the time source, for retention tests.
func WithClock(fn func() time.Time) AuditOption {
	return func(s *AuditStore) {
		s.clock = fn
	}
}

// NewAuditStore creates an audit store over the given database.
func NewAuditStore(database *db.DB, opts ...AuditOption) *AuditStore {
	s := &AuditStore{
		db:             database,
		logger:         log.Default().WithPrefix("audit"),
		paramCap:       DefaultParamByteCeiling,
		yoloMultiplier: YoloRetentionMultiplier,
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Log appends one entry and returns it. Parameters are size-capped; when the
// record is flagged YoloMode the uncapped serialization is stored alongside,
// since bypass actions are the ones most likely to need forensic replay.
func (s *AuditStore) Log(record ActionRecord) (*db.AuditEntry, error) {
	params := serializeParams(record.Classification.Parameters)

	entry := &db.AuditEntry{
		SessionID:        record.SessionID,
		StepID:           record.StepID,
		Timestamp:        s.clock().UTC(),
		ToolName:         record.Classification.ToolName,
		Parameters:       capString(params, s.paramCap),
		Result:           capString(record.Result, s.paramCap),
		DurationMS:       record.Duration.Milliseconds(),
		RiskLevel:        string(record.Classification.RiskLevel),
		ApprovalRequired: record.Classification.RequiresApproval,
		Success:          record.Success,
		ParentPlanID:     record.ParentPlanID,
		YoloMode:         record.YoloMode,
	}

	if record.Err != nil {
		entry.Error = record.Err.Error()
	}
	if record.ApprovalResult != nil {
		entry.ApprovalDecision = string(record.ApprovalResult.Decision)
		entry.ApprovedBy = string(record.ApprovalResult.DecidedBy)
		entry.ApprovalTimeMS = record.ApprovalTime.Milliseconds()
	}
	if record.YoloMode {
		entry.FullParameters = params
	}

	if err := s.db.InsertAuditEntry(entry); err != nil {
		return nil, fmt.Errorf("logging audit entry: %w", err)
	}
	return entry, nil
}

// LogBestEffort logs and swallows failures: losing an audit record is less
// harmful than blocking the agent's tool call.
func (s *AuditStore) LogBestEffort(record ActionRecord) {
	if _, err := s.Log(record); err != nil {
		s.logger.Error("audit write failed", "tool", record.Classification.ToolName, "error", err)
	}
}

// Query returns matching entries, newest first.
func (s *AuditStore) Query(filter db.AuditFilter) ([]*db.AuditEntry, error) {
	return s.db.QueryAuditEntries(filter)
}

// SessionSummary aggregates one session's trail.
func (s *AuditStore) SessionSummary(sessionID string) (*db.SessionSummary, error) {
	return s.db.GetSessionSummary(sessionID)
}

// CleanupOldEntries prunes entries past retention, applying the yolo
// multiplier to bypass-mode entries. Returns the number of deleted rows.
func (s *AuditStore) CleanupOldEntries(retentionDays int) (int64, error) {
	return s.db.CleanupOldEntries(s.clock(), retentionDays, s.yoloMultiplier)
}

// ExportJSON writes a session's entries as indented JSON.
func (s *AuditStore) ExportJSON(w io.Writer, sessionID string) error {
	entries, err := s.Query(db.AuditFilter{SessionID: sessionID})
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []*db.AuditEntry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

// csvHeader lists the exported columns, in order. It carries every entry
// field the JSON export carries, including the uncapped bypass parameters.
var csvHeader = []string{
	"id", "session_id", "step_id", "timestamp", "tool_name", "parameters",
	"full_parameters", "result", "error", "duration_ms", "risk_level",
	"approval_required", "approval_decision", "approved_by", "approval_time_ms",
	"success", "parent_plan_id", "yolo_mode",
}

// ExportCSV writes a session's entries as CSV. encoding/csv quotes embedded
// commas and newlines in free-text fields.
func (s *AuditStore) ExportCSV(w io.Writer, sessionID string) error {
	entries, err := s.Query(db.AuditFilter{SessionID: sessionID})
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for _, e := range entries {
		row := []string{
			e.ID, e.SessionID, e.StepID, e.Timestamp.Format(time.RFC3339),
			e.ToolName, e.Parameters, e.FullParameters, e.Result, e.Error,
			strconv.FormatInt(e.DurationMS, 10), e.RiskLevel,
			strconv.FormatBool(e.ApprovalRequired), e.ApprovalDecision,
			e.ApprovedBy, strconv.FormatInt(e.ApprovalTimeMS, 10),
			strconv.FormatBool(e.Success), e.ParentPlanID,
			strconv.FormatBool(e.YoloMode),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// serializeParams renders call parameters deterministically enough for audit.
func serializeParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprintf("%v", params)
	}
	return string(data)
}

// capString truncates s to max bytes, marking the cut.
func capString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
