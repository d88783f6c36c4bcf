package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/db"
)

// EntryOption customizes a test audit entry.
type EntryOption func(*db.AuditEntry)

// MakeEntry creates and inserts an audit entry.
func MakeEntry(t *testing.T, database *db.DB, opts ...EntryOption) *db.AuditEntry {
	t.Helper()

	e := &db.AuditEntry{
		ID:         "entry-" + randHex(6),
		SessionID:  "sess-" + randHex(4),
		Timestamp:  time.Now().UTC(),
		ToolName:   "file_read",
		Parameters: `{"path":"README.md"}`,
		RiskLevel:  "safe",
		DurationMS: 5,
		Success:    true,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := database.InsertAuditEntry(e); err != nil {
		t.Fatalf("insert audit entry: %v", err)
	}
	return e
}

// WithSession sets the session ID.
func WithSession(id string) EntryOption {
	return func(e *db.AuditEntry) { e.SessionID = id }
}

// WithTool sets the tool name.
func WithTool(name string) EntryOption {
	return func(e *db.AuditEntry) { e.ToolName = name }
}

// WithRisk sets the risk level.
func WithRisk(level string) EntryOption {
	return func(e *db.AuditEntry) { e.RiskLevel = level }
}

// WithTimestamp overrides the entry timestamp.
func WithTimestamp(ts time.Time) EntryOption {
	return func(e *db.AuditEntry) { e.Timestamp = ts }
}

// WithSuccess sets the success flag.
func WithSuccess(ok bool) EntryOption {
	return func(e *db.AuditEntry) { e.Success = ok }
}

// WithDecision marks the entry as approval-gated with the given outcome.
func WithDecision(decision, by string, tookMS int64) EntryOption {
	return func(e *db.AuditEntry) {
		e.ApprovalRequired = true
		e.ApprovalDecision = decision
		e.ApprovedBy = by
		e.ApprovalTimeMS = tookMS
	}
}

// WithYolo marks the entry as recorded under bypass mode.
func WithYolo(fullParams string) EntryOption {
	return func(e *db.AuditEntry) {
		e.YoloMode = true
		e.FullParameters = fullParams
	}
}

// WithError records a failed call.
func WithError(msg string) EntryOption {
	return func(e *db.AuditEntry) {
		e.Success = false
		e.Error = msg
	}
}

// randHex returns a cryptographically random hex string for unique test IDs.
func randHex(n int) string {
	b := make([]byte, (n+1)/2) // Each byte produces 2 hex chars
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)[:n]
}
