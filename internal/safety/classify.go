package safety

import (
	"fmt"
	"time"
)

// Classification is the decision for one tool call: does it require approval,
// and why. Created fresh per Classify call; never mutated.
type Classification struct {
	ToolName         string         `json:"tool_name"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	RiskLevel        RiskLevel      `json:"risk_level"`
	RequiresApproval bool           `json:"requires_approval"`
	Reason           string         `json:"reason"`
	ProjectPath      string         `json:"project_path,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
}

// ActionClassifier composes the risk classifier, the autonomy level service
// and the rule matcher into one decision.
type ActionClassifier struct {
	risk    *Classifier
	levels  *LevelService
	matcher *RuleMatcher
}

// NewActionClassifier creates an action classifier.
func NewActionClassifier(risk *Classifier, levels *LevelService, matcher *RuleMatcher) *ActionClassifier {
	if risk == nil {
		risk = NewClassifier()
	}
	if matcher == nil {
		matcher = NewRuleMatcher()
	}
	return &ActionClassifier{
		risk:    risk,
		levels:  levels,
		matcher: matcher,
	}
}

// Classify decides whether a tool call needs human approval.
//
// It is a total function: unknown tools degrade to the moderate default and
// no code path returns an error. At L5 the decision is an unconditional
// bypass — rules are not even consulted.
func (c *ActionClassifier) Classify(toolName string, params map[string]any, projectPath string) Classification {
	risk := c.risk.ClassifyCall(toolName, params)
	settings := c.levels.Settings(projectPath)

	result := Classification{
		ToolName:    toolName,
		Parameters:  params,
		RiskLevel:   risk,
		ProjectPath: projectPath,
		Timestamp:   time.Now().UTC(),
	}

	if settings.Level == LevelL5 {
		result.RequiresApproval = false
		result.Reason = fmt.Sprintf("%s: bypass mode active (L5), executing without review", risk)
		return result
	}

	if ruleResult := c.matcher.Match(toolName, params, settings.Allowlist, settings.Blocklist); ruleResult != nil {
		result.RequiresApproval = !*ruleResult
		if *ruleResult {
			result.Reason = fmt.Sprintf("%s: allowed by rule", risk)
		} else {
			result.Reason = fmt.Sprintf("%s: blocked by rule, approval required", risk)
		}
		return result
	}

	result.RequiresApproval = !AutoExecutes(settings.Level, risk)
	result.Reason = reasonFor(toolName, params, risk)
	return result
}

// reasonFor builds a human-readable explanation, tool-specific where a
// parameter template exists.
func reasonFor(toolName string, params map[string]any, risk RiskLevel) string {
	if path := pathParam(params); path != "" {
		return fmt.Sprintf("%s: %s on %s", risk, toolName, path)
	}
	if url, ok := params["url"].(string); ok && url != "" {
		return fmt.Sprintf("%s: %s to %s", risk, toolName, url)
	}
	if command, ok := params["command"].(string); ok && command != "" {
		return fmt.Sprintf("%s: %s running %q", risk, toolName, truncate(command, 80))
	}
	return fmt.Sprintf("%s: %s operation", risk, toolCategory(toolName))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
