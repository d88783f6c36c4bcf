package safety

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// AutonomyLevel is the per-project dial controlling how much risk the agent
// may take without asking a human. L1 cautious, L5 full bypass.
type AutonomyLevel string

const (
	LevelL1 AutonomyLevel = "L1"
	LevelL2 AutonomyLevel = "L2"
	LevelL3 AutonomyLevel = "L3"
	LevelL4 AutonomyLevel = "L4"
	LevelL5 AutonomyLevel = "L5"
)

// DefaultLevel is the global default used when a project has no stored level.
const DefaultLevel = LevelL2

// Ordinal returns the numeric position of the level (1..5), 0 if invalid.
func (l AutonomyLevel) Ordinal() int {
	switch l {
	case LevelL1:
		return 1
	case LevelL2:
		return 2
	case LevelL3:
		return 3
	case LevelL4:
		return 4
	case LevelL5:
		return 5
	default:
		return 0
	}
}

// Valid reports whether l is one of L1..L5.
func (l AutonomyLevel) Valid() bool {
	return l.Ordinal() != 0
}

// ParseAutonomyLevel parses an autonomy level string.
func ParseAutonomyLevel(s string) (AutonomyLevel, error) {
	l := AutonomyLevel(strings.ToUpper(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("invalid autonomy level %q", s)
	}
	return l, nil
}

// autonomyThresholds maps each level to the set of risk levels that
// auto-execute without approval. The sets are monotonic: each level contains
// everything the level below it contains.
var autonomyThresholds = map[AutonomyLevel][]RiskLevel{
	LevelL1: {},
	LevelL2: {RiskSafe},
	LevelL3: {RiskSafe, RiskModerate},
	LevelL4: {RiskSafe, RiskModerate, RiskDestructive},
	LevelL5: {RiskSafe, RiskModerate, RiskDestructive, RiskCritical},
}

// Thresholds returns the auto-execute risk set for a level.
func Thresholds(level AutonomyLevel) []RiskLevel {
	return autonomyThresholds[level]
}

// AutoExecutes reports whether risk auto-executes at the given level.
func AutoExecutes(level AutonomyLevel, risk RiskLevel) bool {
	for _, r := range autonomyThresholds[level] {
		if r == risk {
			return true
		}
	}
	return false
}

// AutonomySettings is the effective governance configuration for one project.
type AutonomySettings struct {
	Level     AutonomyLevel
	Allowlist []*AutonomyRule
	Blocklist []*AutonomyRule
}

// LevelStore persists per-project autonomy levels as strings. Implemented by
// the db package; L5 is never stored (the store rejects it).
type LevelStore interface {
	GetProjectLevel(projectPath string) (level string, found bool, err error)
	SetProjectLevel(projectPath, level string) error
	DeleteProjectLevel(projectPath string) error
}

// LevelListener is notified on every level change, upgrade or downgrade.
type LevelListener func(projectPath string, oldLevel, newLevel AutonomyLevel, isDowngrade bool)

// LevelService tracks the autonomy level per project path.
//
// L1–L4 persist through the LevelStore. L5 is session-only: it lives in an
// in-memory set and does not survive a process restart. Keeping the two in
// separate stores makes the "bypass mode is volatile" boundary explicit.
type LevelService struct {
	store        LevelStore
	logger       *log.Logger
	defaultLevel AutonomyLevel

	mu           sync.Mutex
	yoloSessions map[string]bool
	allowlist    []*AutonomyRule
	blocklist    []*AutonomyRule
	listeners    map[int]LevelListener
	nextListener int
}

// LevelOption configures a LevelService.
type LevelOption func(*LevelService)

// WithDefaultLevel overrides the fallback level used when a project has no
// stored level. L5 is refused: bypass is opt-in per session, never a default.
func WithDefaultLevel(level AutonomyLevel) LevelOption {
	return func(s *LevelService) {
		if level.Valid() && level != LevelL5 {
			s.defaultLevel = level
		}
	}
}

// NewLevelService creates a level service backed by the given store.
func NewLevelService(store LevelStore, logger *log.Logger, opts ...LevelOption) *LevelService {
	if logger == nil {
		logger = log.Default().WithPrefix("autonomy")
	}
	s := &LevelService{
		store:        store,
		logger:       logger,
		defaultLevel: DefaultLevel,
		yoloSessions: make(map[string]bool),
		listeners:    make(map[int]LevelListener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetRules replaces the configured allow/block rule sets.
func (s *LevelService) SetRules(allowlist, blocklist []*AutonomyRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowlist = allowlist
	s.blocklist = blocklist
}

// Settings returns the effective settings for a project. An empty project
// path returns the global default level.
func (s *LevelService) Settings(projectPath string) AutonomySettings {
	s.mu.Lock()
	allowlist := s.allowlist
	blocklist := s.blocklist
	s.mu.Unlock()

	return AutonomySettings{
		Level:     s.Level(projectPath),
		Allowlist: allowlist,
		Blocklist: blocklist,
	}
}

// Level returns the current level for a project path.
func (s *LevelService) Level(projectPath string) AutonomyLevel {
	if projectPath == "" {
		return s.defaultLevel
	}
	key := normalizeProjectPath(projectPath)

	s.mu.Lock()
	yolo := s.yoloSessions[key]
	s.mu.Unlock()
	if yolo {
		return LevelL5
	}

	stored, found, err := s.store.GetProjectLevel(key)
	if err != nil {
		s.logger.Error("reading autonomy level, using default", "project", key, "error", err)
		return s.defaultLevel
	}
	if !found {
		return s.defaultLevel
	}
	level, err := ParseAutonomyLevel(stored)
	if err != nil || level == LevelL5 {
		// A persisted L5 should be impossible; treat it as corrupt data.
		s.logger.Error("invalid persisted autonomy level, using default", "project", key, "level", stored)
		return s.defaultLevel
	}
	return level
}

// SetLevel changes the level for a project. L1–L4 persist; L5 only marks the
// in-memory session set. Every change fires the registered listeners.
func (s *LevelService) SetLevel(projectPath string, level AutonomyLevel) error {
	if !level.Valid() {
		return fmt.Errorf("invalid autonomy level %q", level)
	}
	if projectPath == "" {
		return fmt.Errorf("project path is required")
	}
	key := normalizeProjectPath(projectPath)

	oldLevel := s.Level(key)

	if level == LevelL5 {
		s.mu.Lock()
		s.yoloSessions[key] = true
		s.mu.Unlock()
	} else {
		s.mu.Lock()
		delete(s.yoloSessions, key)
		s.mu.Unlock()

		if err := s.store.SetProjectLevel(key, string(level)); err != nil {
			return fmt.Errorf("persisting autonomy level: %w", err)
		}
	}

	if oldLevel == level {
		return nil
	}

	isDowngrade := level.Ordinal() < oldLevel.Ordinal()
	if isDowngrade {
		s.logger.Warn("autonomy level downgraded", "project", key, "from", oldLevel, "to", level)
	} else {
		s.logger.Info("autonomy level changed", "project", key, "from", oldLevel, "to", level)
	}

	s.notify(key, oldLevel, level, isDowngrade)
	return nil
}

// ClearSession drops the session-only L5 flag for a project without touching
// the persisted level.
func (s *LevelService) ClearSession(projectPath string) {
	key := normalizeProjectPath(projectPath)
	s.mu.Lock()
	delete(s.yoloSessions, key)
	s.mu.Unlock()
}

// YoloActive reports whether the project is in session-only bypass mode.
func (s *LevelService) YoloActive(projectPath string) bool {
	key := normalizeProjectPath(projectPath)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.yoloSessions[key]
}

// AddListener registers a level-change listener and returns a handle for
// RemoveListener.
func (s *LevelService) AddListener(fn LevelListener) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	return id
}

// RemoveListener removes a previously registered listener.
func (s *LevelService) RemoveListener(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, id)
}

func (s *LevelService) notify(projectPath string, oldLevel, newLevel AutonomyLevel, isDowngrade bool) {
	s.mu.Lock()
	listeners := make([]LevelListener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(projectPath, oldLevel, newLevel, isDowngrade)
	}
}

// normalizeProjectPath canonicalizes a project path for use as a store key.
func normalizeProjectPath(projectPath string) string {
	cleaned := filepath.Clean(strings.TrimSpace(projectPath))
	if abs, err := filepath.Abs(cleaned); err == nil {
		return abs
	}
	return cleaned
}
