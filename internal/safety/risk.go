// Package safety implements the tool-call governance engine: risk
// classification, allow/block rule matching, autonomy levels, and the
// human-in-the-loop approval flow.
package safety

import (
	"fmt"
	"regexp"
	"strings"

	shellwords "github.com/mattn/go-shellwords"
)

// RiskLevel classifies how much damage a tool call could cause if wrong.
type RiskLevel string

const (
	RiskSafe        RiskLevel = "safe"
	RiskModerate    RiskLevel = "moderate"
	RiskDestructive RiskLevel = "destructive"
	RiskCritical    RiskLevel = "critical"
)

// Severity returns the ordinal position of the level, safe lowest.
func (r RiskLevel) Severity() int {
	switch r {
	case RiskSafe:
		return 0
	case RiskModerate:
		return 1
	case RiskDestructive:
		return 2
	case RiskCritical:
		return 3
	default:
		// Unknown levels sort alongside moderate, matching the
		// unknown-tool default.
		return 1
	}
}

// Valid reports whether r is one of the four defined levels.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskSafe, RiskModerate, RiskDestructive, RiskCritical:
		return true
	}
	return false
}

// ParseRiskLevel parses a risk level string.
func ParseRiskLevel(s string) (RiskLevel, error) {
	r := RiskLevel(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("invalid risk level %q", s)
	}
	return r, nil
}

// defaultRiskTable maps known tool names to their baseline risk.
var defaultRiskTable = map[string]RiskLevel{
	// Filesystem
	"file_read":   RiskSafe,
	"file_list":   RiskSafe,
	"file_search": RiskSafe,
	"file_write":  RiskModerate,
	"file_create": RiskModerate,
	"file_move":   RiskDestructive,
	"file_chmod":  RiskDestructive,
	"file_delete": RiskCritical,

	// Web
	"web_search": RiskSafe,
	"web_fetch":  RiskSafe,

	// Browser automation
	"browser_navigate":   RiskModerate,
	"browser_click":      RiskModerate,
	"browser_screenshot": RiskSafe,
	"browser_submit":     RiskDestructive,

	// GitHub
	"github_get_file":      RiskSafe,
	"github_search":        RiskSafe,
	"github_create_issue":  RiskModerate,
	"github_comment":       RiskModerate,
	"github_push":          RiskDestructive,
	"github_merge_pr":      RiskDestructive,
	"github_force_push":    RiskCritical,
	"github_delete_branch": RiskCritical,

	// Execution
	"shell_exec": RiskDestructive,
	"code_exec":  RiskDestructive,

	// Memory
	"memory_get": RiskSafe,
	"memory_set": RiskModerate,
}

// execTools are tools whose risk depends on the command they carry.
var execTools = map[string]bool{
	"shell_exec": true,
	"code_exec":  true,
}

// criticalCommandPatterns escalate an exec tool call to critical.
var criticalCommandPatterns = compileCommandPatterns([]string{
	`^rm\s+(-[rf]+\s+)+/(boot|dev|etc|home|lib|lib64|media|mnt|opt|proc|root|run|sbin|srv|sys|usr|var)`,
	`^rm\s+(-[rf]+\s+)+/($|\s)`,
	`^rm\s+(-[rf]+\s+)+/\*`,
	`^rm\s+(-[rf]+\s+)+~`,
	`DROP\s+DATABASE`,
	`DROP\s+SCHEMA`,
	`TRUNCATE\s+TABLE`,
	`^git\s+push\s+.*--force($|\s)`,
	`^git\s+push\s+.*-f($|\s)`,
	`\bdd\b.*of=/dev/`,
	`^mkfs`,
	`^fdisk`,
	`^terraform\s+destroy`,
	`^kubectl\s+delete\s+(node|nodes|namespace|namespaces|pv|pvc)\b`,
})

func compileCommandPatterns(patterns []string) []*regexp.Regexp {
	result := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		result = append(result, regexp.MustCompile("(?i)"+p))
	}
	return result
}

// Classifier maps tool calls to risk levels. It is a total function: unknown
// tools degrade to a conservative default instead of failing.
type Classifier struct {
	table        map[string]RiskLevel
	owned        map[string]RiskLevel
	defaultLevel RiskLevel
}

// NewClassifier creates a classifier with the builtin risk table and the
// moderate default for unknown tools.
func NewClassifier() *Classifier {
	return &Classifier{
		table:        defaultRiskTable,
		defaultLevel: RiskModerate,
	}
}

// ClassifyRisk returns the baseline risk for a tool name.
// Tools absent from the table get the moderate default: unknown third-party
// tools are riskier than known-safe ones but do not auto-escalate to critical.
func (c *Classifier) ClassifyRisk(toolName string) RiskLevel {
	if level, ok := c.table[toolName]; ok {
		return level
	}
	return c.defaultLevel
}

// ClassifyCall returns the risk for a concrete call, including command-based
// escalation for exec-style tools. Never fails; unparseable commands upgrade
// one step rather than erroring.
func (c *Classifier) ClassifyCall(toolName string, params map[string]any) RiskLevel {
	level := c.ClassifyRisk(toolName)
	if !execTools[toolName] {
		return level
	}

	command, _ := params["command"].(string)
	if command == "" {
		return level
	}

	for _, re := range criticalCommandPatterns {
		if re.MatchString(command) {
			return RiskCritical
		}
	}

	// Tokenize to detect commands hidden behind quoting. A parse failure
	// means we cannot reason about the command, so upgrade one step.
	if _, err := shellwords.Parse(command); err != nil {
		return upgradeRisk(level)
	}

	return level
}

// SetRisk overrides or adds a tool's baseline risk. Intended for
// configuration-driven adjustments. The builtin table is copied on first
// write so classifiers never affect each other.
func (c *Classifier) SetRisk(toolName string, level RiskLevel) {
	if c.owned == nil {
		c.owned = make(map[string]RiskLevel, len(c.table)+1)
		for name, l := range c.table {
			c.owned[name] = l
		}
		c.table = c.owned
	}
	c.table[toolName] = level
}

func upgradeRisk(r RiskLevel) RiskLevel {
	switch r {
	case RiskSafe:
		return RiskModerate
	case RiskModerate:
		return RiskDestructive
	default:
		return RiskCritical
	}
}

// toolCategory buckets a tool name for generic reason strings.
func toolCategory(toolName string) string {
	switch {
	case strings.HasPrefix(toolName, "file_"):
		return "filesystem"
	case strings.HasPrefix(toolName, "browser_"):
		return "browser"
	case strings.HasPrefix(toolName, "github_"):
		return "github"
	case strings.HasPrefix(toolName, "web_"):
		return "web"
	case execTools[toolName]:
		return "execution"
	case strings.HasPrefix(toolName, "memory_"):
		return "memory"
	default:
		return "tool"
	}
}
