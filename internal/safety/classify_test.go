package safety

import (
	"strings"
	"testing"
)

func newTestClassifier(t *testing.T, level AutonomyLevel, allow, block []*AutonomyRule) (*ActionClassifier, string) {
	t.Helper()

	svc := NewLevelService(newFakeLevelStore(), testLogger(t))
	project := testProject(t)
	if level != DefaultLevel {
		if err := svc.SetLevel(project, level); err != nil {
			t.Fatalf("SetLevel: %v", err)
		}
	}
	svc.SetRules(allow, block)

	return NewActionClassifier(NewClassifier(), svc, NewRuleMatcher()), project
}

func TestClassify_ThresholdDecision(t *testing.T) {
	tests := []struct {
		level        AutonomyLevel
		tool         string
		wantApproval bool
	}{
		{LevelL1, "file_read", true},
		{LevelL2, "file_read", false},
		{LevelL2, "file_write", true},
		{LevelL3, "file_write", false},
		{LevelL3, "shell_exec", true},
		{LevelL4, "shell_exec", false},
		{LevelL4, "file_delete", true},
	}
	for _, tt := range tests {
		classifier, project := newTestClassifier(t, tt.level, nil, nil)
		result := classifier.Classify(tt.tool, nil, project)
		if result.RequiresApproval != tt.wantApproval {
			t.Errorf("%s %s: RequiresApproval = %v, want %v",
				tt.level, tt.tool, result.RequiresApproval, tt.wantApproval)
		}
	}
}

func TestClassify_L2CriticalRequiresApproval(t *testing.T) {
	classifier, project := newTestClassifier(t, LevelL2, nil, nil)

	result := classifier.Classify("shell_exec", map[string]any{"command": "terraform destroy"}, project)
	if result.RiskLevel != RiskCritical {
		t.Errorf("risk = %s, want critical", result.RiskLevel)
	}
	if !result.RequiresApproval {
		t.Error("critical at L2 must require approval")
	}
}

func TestClassify_L5BypassesEverything(t *testing.T) {
	// Block rule that would otherwise catch everything: at L5 rules are not
	// even consulted.
	block := []*AutonomyRule{mustRule(t, RuleBlock, ScopeTool, "*", "")}
	classifier, project := newTestClassifier(t, LevelL5, nil, block)

	result := classifier.Classify("file_delete", map[string]any{"path": "/etc/passwd"}, project)
	if result.RequiresApproval {
		t.Error("L5 must bypass approval entirely")
	}
	if !strings.Contains(result.Reason, "bypass") {
		t.Errorf("reason %q should mention bypass", result.Reason)
	}
	if result.RiskLevel != RiskCritical {
		t.Errorf("risk is still classified at L5, got %s", result.RiskLevel)
	}
}

func TestClassify_AllowRuleOverridesL1(t *testing.T) {
	allow := []*AutonomyRule{mustRule(t, RuleAllow, ScopePath, "docs/**", "")}
	classifier, project := newTestClassifier(t, LevelL1, allow, nil)

	// L1 would hold everything, but the allowlist wins for matching paths.
	result := classifier.Classify("file_write", map[string]any{"path": "docs/notes.md"}, project)
	if result.RequiresApproval {
		t.Error("allowlisted path must auto-execute even at L1")
	}

	// Non-matching path falls back to the L1 threshold.
	result = classifier.Classify("file_write", map[string]any{"path": "src/main.go"}, project)
	if !result.RequiresApproval {
		t.Error("non-allowlisted path at L1 must require approval")
	}
}

func TestClassify_BlockRuleOverridesL4(t *testing.T) {
	block := []*AutonomyRule{mustRule(t, RuleBlock, ScopeTool, "github_*", "")}
	classifier, project := newTestClassifier(t, LevelL4, nil, block)

	result := classifier.Classify("github_push", nil, project)
	if !result.RequiresApproval {
		t.Error("blocked tool must require approval even at L4")
	}

	// Unblocked destructive tool still auto-executes at L4.
	result = classifier.Classify("shell_exec", map[string]any{"command": "make build"}, project)
	if result.RequiresApproval {
		t.Error("unblocked destructive tool should auto-execute at L4")
	}
}

func TestClassify_PathRuleWithoutPathFallsToThreshold(t *testing.T) {
	allow := []*AutonomyRule{mustRule(t, RuleAllow, ScopePath, "**", "")}
	classifier, project := newTestClassifier(t, LevelL2, allow, nil)

	// file_write carries no path: the catch-all allow rule must not fire,
	// so the L2 threshold holds the moderate call.
	result := classifier.Classify("file_write", map[string]any{"content": "x"}, project)
	if !result.RequiresApproval {
		t.Error("path rule without a path param must not auto-allow")
	}
}

func TestClassify_ReasonTemplates(t *testing.T) {
	classifier, project := newTestClassifier(t, LevelL2, nil, nil)

	result := classifier.Classify("file_write", map[string]any{"path": "a/b.txt"}, project)
	if !strings.Contains(result.Reason, "a/b.txt") {
		t.Errorf("path reason = %q", result.Reason)
	}

	result = classifier.Classify("web_fetch", map[string]any{"url": "https://example.com"}, project)
	if !strings.Contains(result.Reason, "https://example.com") {
		t.Errorf("url reason = %q", result.Reason)
	}

	long := strings.Repeat("x", 200)
	result = classifier.Classify("shell_exec", map[string]any{"command": long}, project)
	if len(result.Reason) > 150 {
		t.Errorf("command reason not truncated: %d chars", len(result.Reason))
	}

	result = classifier.Classify("memory_get", nil, project)
	if !strings.Contains(result.Reason, "memory") {
		t.Errorf("category reason = %q", result.Reason)
	}
}

func TestClassify_PopulatesMetadata(t *testing.T) {
	classifier, project := newTestClassifier(t, LevelL2, nil, nil)

	params := map[string]any{"path": "x"}
	result := classifier.Classify("file_read", params, project)

	if result.ToolName != "file_read" {
		t.Errorf("ToolName = %q", result.ToolName)
	}
	if result.ProjectPath != project {
		t.Errorf("ProjectPath = %q, want %q", result.ProjectPath, project)
	}
	if result.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}
