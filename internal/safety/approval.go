package safety

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Decision is the outcome of an approval request.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	// DecisionTimeout is equivalent to rejection for execution purposes but
	// recorded distinctly for audit.
	DecisionTimeout Decision = "timeout"
)

// DecidedBy records who (or what) resolved a request.
type DecidedBy string

const (
	DecidedByUser    DecidedBy = "user"
	DecidedBySimilar DecidedBy = "similar_match"
)

// DefaultApprovalTimeout bounds how long a request waits for a human.
const DefaultApprovalTimeout = 60 * time.Second

// ErrRequestNotFound is returned when resolving an unknown or already
// resolved request.
var ErrRequestNotFound = errors.New("approval request not found")

// ApprovalResult is the resolution of one approval request.
type ApprovalResult struct {
	Decision       Decision       `json:"decision"`
	ApproveSimilar bool           `json:"approve_similar"`
	ModifiedParams map[string]any `json:"modified_params,omitempty"`
	DecidedAt      time.Time      `json:"decided_at"`
	DecidedBy      DecidedBy      `json:"decided_by"`
}

// Approved reports whether the action may execute.
func (r ApprovalResult) Approved() bool {
	return r.Decision == DecisionApproved
}

// ApprovalRequest is an in-flight ask for human sign-off on one tool call.
type ApprovalRequest struct {
	ID             string         `json:"id"`
	Classification Classification `json:"classification"`
	StepID         string         `json:"step_id"`
	SessionID      string         `json:"session_id"`
	CreatedAt      time.Time      `json:"created_at"`

	// done carries the resolution exactly once. Buffered so resolvers
	// never block on a waiter that has already left.
	done chan ApprovalResult
}

// similarityKey identifies a class of near-duplicate tool calls within a
// session.
type similarityKey struct {
	tool    string
	pattern string
}

// ApprovalManager tracks pending approval requests and the session-scoped
// similarity cache.
//
// Requests move created → waiting → {approved | rejected | timeout} and are
// removed from the pending set on resolution. Each request is independently
// resolvable; resolving one never affects others except through the shared
// similarity cache.
type ApprovalManager struct {
	logger         *log.Logger
	defaultTimeout time.Duration

	mu        sync.Mutex
	sessionID string
	pending   map[string]*ApprovalRequest
	similar   map[similarityKey]bool
}

// ApprovalOption configures an ApprovalManager.
type ApprovalOption func(*ApprovalManager)

// WithApprovalTimeout sets the default wait timeout.
func WithApprovalTimeout(d time.Duration) ApprovalOption {
	return func(m *ApprovalManager) {
		if d > 0 {
			m.defaultTimeout = d
		}
	}
}

// WithApprovalLogger sets the logger.
func WithApprovalLogger(l *log.Logger) ApprovalOption {
	return func(m *ApprovalManager) {
		m.logger = l
	}
}

// NewApprovalManager creates an approval manager.
func NewApprovalManager(opts ...ApprovalOption) *ApprovalManager {
	m := &ApprovalManager{
		logger:         log.Default().WithPrefix("approval"),
		defaultTimeout: DefaultApprovalTimeout,
		pending:        make(map[string]*ApprovalRequest),
		similar:        make(map[similarityKey]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartSession begins a new approval session, clearing the pending set and
// the similarity cache. Requests still waiting are rejected so their callers
// unblock.
func (m *ApprovalManager) StartSession(sessionID string) {
	m.rejectAllPending("session started")
	m.mu.Lock()
	m.sessionID = sessionID
	m.similar = make(map[similarityKey]bool)
	m.mu.Unlock()
	m.logger.Info("approval session started", "session_id", sessionID)
}

// EndSession ends the current session, clearing pending requests and cache.
func (m *ApprovalManager) EndSession() {
	m.rejectAllPending("session ended")
	m.mu.Lock()
	sessionID := m.sessionID
	m.sessionID = ""
	m.similar = make(map[similarityKey]bool)
	m.mu.Unlock()
	m.logger.Info("approval session ended", "session_id", sessionID)
}

// SessionID returns the current session id.
func (m *ApprovalManager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// RequestApproval asks for a decision on a classified action and blocks until
// one arrives or the timeout elapses.
//
// A similarity-cache hit resolves immediately as approved with
// DecidedBy=similar_match and never creates a pending request. A timeout
// resolves to DecisionTimeout exactly once and removes the request.
func (m *ApprovalManager) RequestApproval(ctx context.Context, classification Classification, stepID string, timeout time.Duration) (ApprovalResult, error) {
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	key := keyFor(classification)

	m.mu.Lock()
	if m.similar[key] {
		m.mu.Unlock()
		m.logger.Debug("approval short-circuited by similarity cache",
			"tool", classification.ToolName, "pattern", key.pattern)
		return ApprovalResult{
			Decision:  DecisionApproved,
			DecidedAt: time.Now().UTC(),
			DecidedBy: DecidedBySimilar,
		}, nil
	}

	req := &ApprovalRequest{
		ID:             uuid.New().String(),
		Classification: classification,
		StepID:         stepID,
		SessionID:      m.sessionID,
		CreatedAt:      time.Now().UTC(),
		done:           make(chan ApprovalResult, 1),
	}
	m.pending[req.ID] = req
	m.mu.Unlock()

	m.logger.Info("approval requested",
		"request_id", req.ID,
		"tool", classification.ToolName,
		"risk", classification.RiskLevel,
		"timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-req.done:
		return result, nil
	case <-timer.C:
		timeoutResult := ApprovalResult{
			Decision:  DecisionTimeout,
			DecidedAt: time.Now().UTC(),
			DecidedBy: DecidedByUser,
		}
		if err := m.Resolve(req.ID, timeoutResult); err != nil {
			// A resolver won the race; its result is already buffered.
			return <-req.done, nil
		}
		m.logger.Warn("approval request timed out", "request_id", req.ID, "tool", classification.ToolName)
		return <-req.done, nil
	case <-ctx.Done():
		if removed := m.Cancel(req.ID); !removed {
			// Resolved concurrently with cancellation; honor the decision.
			return <-req.done, nil
		}
		return ApprovalResult{}, ctx.Err()
	}
}

// Approve resolves a pending request as approved. With approveSimilar, future
// structurally-similar requests in this session short-circuit via the cache.
func (m *ApprovalManager) Approve(requestID string, approveSimilar bool) error {
	return m.Resolve(requestID, ApprovalResult{
		Decision:       DecisionApproved,
		ApproveSimilar: approveSimilar,
		DecidedAt:      time.Now().UTC(),
		DecidedBy:      DecidedByUser,
	})
}

// Reject resolves a pending request as rejected.
func (m *ApprovalManager) Reject(requestID string) error {
	return m.Resolve(requestID, ApprovalResult{
		Decision:  DecisionRejected,
		DecidedAt: time.Now().UTC(),
		DecidedBy: DecidedByUser,
	})
}

// Resolve delivers a result to a pending request. Each request resolves
// exactly once; resolving an unknown or already resolved request returns
// ErrRequestNotFound.
func (m *ApprovalManager) Resolve(requestID string, result ApprovalResult) error {
	m.mu.Lock()
	req, ok := m.pending[requestID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	delete(m.pending, requestID)

	if result.Decision == DecisionApproved && result.ApproveSimilar {
		m.similar[keyFor(req.Classification)] = true
	}
	m.mu.Unlock()

	if result.DecidedAt.IsZero() {
		result.DecidedAt = time.Now().UTC()
	}
	req.done <- result

	m.logger.Info("approval resolved",
		"request_id", requestID,
		"decision", result.Decision,
		"approve_similar", result.ApproveSimilar)
	return nil
}

// Cancel removes a pending request without resolving it. Returns whether a
// request was removed.
func (m *ApprovalManager) Cancel(requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[requestID]; !ok {
		return false
	}
	delete(m.pending, requestID)
	return true
}

// Pending returns a snapshot of pending requests, oldest first.
func (m *ApprovalManager) Pending() []*ApprovalRequest {
	m.mu.Lock()
	requests := make([]*ApprovalRequest, 0, len(m.pending))
	for _, req := range m.pending {
		requests = append(requests, req)
	}
	m.mu.Unlock()

	sort.Slice(requests, func(i, j int) bool {
		return requests[i].CreatedAt.Before(requests[j].CreatedAt)
	})
	return requests
}

// Get returns a pending request by id.
func (m *ApprovalManager) Get(requestID string) (*ApprovalRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.pending[requestID]
	return req, ok
}

// rejectAllPending resolves every pending request as rejected so waiters
// unblock when a session boundary clears the set.
func (m *ApprovalManager) rejectAllPending(reason string) {
	m.mu.Lock()
	drained := make([]*ApprovalRequest, 0, len(m.pending))
	for _, req := range m.pending {
		drained = append(drained, req)
	}
	m.pending = make(map[string]*ApprovalRequest)
	m.mu.Unlock()

	now := time.Now().UTC()
	for _, req := range drained {
		req.done <- ApprovalResult{
			Decision:  DecisionRejected,
			DecidedAt: now,
			DecidedBy: DecidedByUser,
		}
		m.logger.Warn("pending approval rejected", "request_id", req.ID, "reason", reason)
	}
}

// keyFor computes the similarity key for a classification: the parent
// directory for filesystem-ish tools, the bare tool name otherwise.
func keyFor(c Classification) similarityKey {
	key := similarityKey{tool: c.ToolName}
	if isFilesystemTool(c.ToolName) {
		if path := pathParam(c.Parameters); path != "" {
			key.pattern = filepath.Dir(path)
		}
	}
	return key
}

// AreSimilar reports whether two classifications describe near-duplicate
// actions. Same tool name is always required; filesystem-ish tools also need
// their paths to share a parent directory, or one path to be a descendant of
// the other's parent.
func AreSimilar(a, b Classification) bool {
	if a.ToolName != b.ToolName {
		return false
	}
	if !isFilesystemTool(a.ToolName) {
		return true
	}

	pathA := pathParam(a.Parameters)
	pathB := pathParam(b.Parameters)
	if pathA == "" || pathB == "" {
		return pathA == pathB
	}

	dirA := filepath.Dir(pathA)
	dirB := filepath.Dir(pathB)
	if dirA == dirB {
		return true
	}
	return isDescendant(pathA, dirB) || isDescendant(pathB, dirA)
}

func isFilesystemTool(toolName string) bool {
	return strings.HasPrefix(toolName, "file_")
}

func isDescendant(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
