package safety

import (
	"fmt"

	"github.com/gobwas/glob"
)

// RuleType distinguishes allowlist from blocklist rules.
type RuleType string

const (
	RuleAllow RuleType = "allow"
	RuleBlock RuleType = "block"
)

// RuleScope selects what a rule's pattern matches against.
type RuleScope string

const (
	// ScopeTool matches the pattern against the tool name.
	ScopeTool RuleScope = "tool"
	// ScopePath matches the pattern against the call's path parameter.
	ScopePath RuleScope = "path"
)

// AutonomyRule is a single allow or block pattern. Immutable after creation;
// the glob is compiled once in NewRule.
type AutonomyRule struct {
	Type    RuleType
	Scope   RuleScope
	Pattern string
	// ToolName optionally restricts a path-scoped rule to one tool.
	ToolName string

	compiled glob.Glob
}

// NewRule creates a rule, compiling its glob pattern. Rules come from
// human-edited configuration, so invalid patterns are rejected here rather
// than silently never matching.
func NewRule(ruleType RuleType, scope RuleScope, pattern, toolName string) (*AutonomyRule, error) {
	switch ruleType {
	case RuleAllow, RuleBlock:
	default:
		return nil, fmt.Errorf("invalid rule type %q", ruleType)
	}
	switch scope {
	case ScopeTool, ScopePath:
	default:
		return nil, fmt.Errorf("invalid rule scope %q", scope)
	}
	if pattern == "" {
		return nil, fmt.Errorf("rule pattern is required")
	}

	compiled, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("compiling rule pattern %q: %w", pattern, err)
	}

	return &AutonomyRule{
		Type:     ruleType,
		Scope:    scope,
		Pattern:  pattern,
		ToolName: toolName,
		compiled: compiled,
	}, nil
}

// Matches reports whether the rule fires for a tool call.
//
// A path-scoped rule with no path parameter present never matches: ambiguous
// input must not auto-allow (and must not auto-block either — the autonomy
// threshold decides instead).
func (r *AutonomyRule) Matches(toolName string, params map[string]any) bool {
	switch r.Scope {
	case ScopeTool:
		return r.compiled.Match(toolName)
	case ScopePath:
		if r.ToolName != "" && r.ToolName != toolName {
			return false
		}
		path := pathParam(params)
		if path == "" {
			return false
		}
		return r.compiled.Match(path)
	}
	return false
}

// pathParam extracts the path-like parameter from a call, if any.
func pathParam(params map[string]any) string {
	for _, key := range []string{"path", "file_path"} {
		if v, ok := params[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// RuleMatcher evaluates allow/block rule sets against tool calls. It is the
// single authoritative rule-evaluation entry point.
type RuleMatcher struct{}

// NewRuleMatcher creates a rule matcher.
func NewRuleMatcher() *RuleMatcher {
	return &RuleMatcher{}
}

// Match returns nil when no rule fires (defer to the autonomy threshold),
// a false pointer when blocked, and a true pointer when allowed.
//
// The blocklist is checked first and any match wins immediately, so a call
// matching both an allow and a block rule is always blocked.
func (m *RuleMatcher) Match(toolName string, params map[string]any, allowlist, blocklist []*AutonomyRule) *bool {
	for _, rule := range blocklist {
		if rule.Matches(toolName, params) {
			return boolPtr(false)
		}
	}
	for _, rule := range allowlist {
		if rule.Matches(toolName, params) {
			return boolPtr(true)
		}
	}
	return nil
}

func boolPtr(b bool) *bool {
	return &b
}
