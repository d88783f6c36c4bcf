package safety

import "testing"

func mustRule(t *testing.T, ruleType RuleType, scope RuleScope, pattern, tool string) *AutonomyRule {
	t.Helper()
	rule, err := NewRule(ruleType, scope, pattern, tool)
	if err != nil {
		t.Fatalf("NewRule(%s, %s, %q): %v", ruleType, scope, pattern, err)
	}
	return rule
}

func TestNewRule_Validation(t *testing.T) {
	if _, err := NewRule("maybe", ScopeTool, "*", ""); err == nil {
		t.Error("expected error for invalid rule type")
	}
	if _, err := NewRule(RuleAllow, "project", "*", ""); err == nil {
		t.Error("expected error for invalid scope")
	}
	if _, err := NewRule(RuleAllow, ScopeTool, "", ""); err == nil {
		t.Error("expected error for empty pattern")
	}
	if _, err := NewRule(RuleAllow, ScopeTool, "[", ""); err == nil {
		t.Error("expected error for malformed glob")
	}
}

func TestRuleMatches_ToolScope(t *testing.T) {
	rule := mustRule(t, RuleBlock, ScopeTool, "github_*", "")

	if !rule.Matches("github_push", nil) {
		t.Error("github_* should match github_push")
	}
	if rule.Matches("file_read", nil) {
		t.Error("github_* should not match file_read")
	}
}

func TestRuleMatches_PathScope(t *testing.T) {
	rule := mustRule(t, RuleAllow, ScopePath, "docs/**", "")

	if !rule.Matches("file_write", map[string]any{"path": "docs/guide/intro.md"}) {
		t.Error("docs/** should match a nested docs path")
	}
	if rule.Matches("file_write", map[string]any{"path": "src/main.go"}) {
		t.Error("docs/** should not match src paths")
	}
	// file_path is accepted as the path parameter too.
	if !rule.Matches("file_write", map[string]any{"file_path": "docs/readme.md"}) {
		t.Error("file_path param should be honored")
	}
}

func TestRuleMatches_PathScopeFailsClosed(t *testing.T) {
	allow := mustRule(t, RuleAllow, ScopePath, "**", "")
	block := mustRule(t, RuleBlock, ScopePath, "**", "")

	// No path parameter at all: neither allow nor block may fire.
	for _, rule := range []*AutonomyRule{allow, block} {
		if rule.Matches("file_write", nil) {
			t.Errorf("%s path rule fired with no path param", rule.Type)
		}
		if rule.Matches("file_write", map[string]any{"content": "x"}) {
			t.Errorf("%s path rule fired with unrelated params", rule.Type)
		}
		if rule.Matches("file_write", map[string]any{"path": ""}) {
			t.Errorf("%s path rule fired on empty path", rule.Type)
		}
	}
}

func TestRuleMatches_PathScopeToolRestriction(t *testing.T) {
	rule := mustRule(t, RuleAllow, ScopePath, "docs/**", "file_write")

	if !rule.Matches("file_write", map[string]any{"path": "docs/a.md"}) {
		t.Error("restricted rule should match its tool")
	}
	if rule.Matches("file_delete", map[string]any{"path": "docs/a.md"}) {
		t.Error("restricted rule should not match other tools")
	}
}

func TestRuleMatcher_NoOpinionWhenNothingMatches(t *testing.T) {
	m := NewRuleMatcher()
	allow := []*AutonomyRule{mustRule(t, RuleAllow, ScopeTool, "web_*", "")}
	block := []*AutonomyRule{mustRule(t, RuleBlock, ScopeTool, "github_*", "")}

	if got := m.Match("file_read", nil, allow, block); got != nil {
		t.Errorf("expected nil (no opinion), got %v", *got)
	}
}

func TestRuleMatcher_BlockWins(t *testing.T) {
	m := NewRuleMatcher()
	// Same pattern on both lists: block must win.
	allow := []*AutonomyRule{mustRule(t, RuleAllow, ScopeTool, "shell_exec", "")}
	block := []*AutonomyRule{mustRule(t, RuleBlock, ScopeTool, "shell_*", "")}

	got := m.Match("shell_exec", nil, allow, block)
	if got == nil {
		t.Fatal("expected a decision")
	}
	if *got {
		t.Error("block rule must win over allow rule")
	}
}

func TestRuleMatcher_AllowWhenOnlyAllowMatches(t *testing.T) {
	m := NewRuleMatcher()
	allow := []*AutonomyRule{mustRule(t, RuleAllow, ScopePath, "tmp/**", "")}

	got := m.Match("file_write", map[string]any{"path": "tmp/scratch.txt"}, allow, nil)
	if got == nil || !*got {
		t.Errorf("expected allow, got %v", got)
	}
}
