package safety

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/db"
)

// Engine bundles the governance components wired from one loaded Config, so
// every configured knob takes effect instead of silently falling back to a
// builtin default.
type Engine struct {
	Levels     *LevelService
	Classifier *ActionClassifier
	Approvals  *ApprovalManager
	Audit      *AuditStore
}

// NewEngine builds the governance engine from configuration. The config is
// assumed validated; rule compilation can still fail on malformed patterns.
func NewEngine(cfg config.Config, database *db.DB, logger *log.Logger) (*Engine, error) {
	if logger == nil {
		logger = log.Default()
	}

	defaultLevel, err := ParseAutonomyLevel(cfg.General.DefaultAutonomyLevel)
	if err != nil {
		return nil, fmt.Errorf("general.default_autonomy_level: %w", err)
	}

	allow, err := CompileRuleSpecs(RuleAllow, cfg.Rules.Allow)
	if err != nil {
		return nil, fmt.Errorf("allow rules: %w", err)
	}
	block, err := CompileRuleSpecs(RuleBlock, cfg.Rules.Block)
	if err != nil {
		return nil, fmt.Errorf("block rules: %w", err)
	}

	levels := NewLevelService(database, logger.WithPrefix("autonomy"),
		WithDefaultLevel(defaultLevel))
	levels.SetRules(allow, block)

	return &Engine{
		Levels:     levels,
		Classifier: NewActionClassifier(NewClassifier(), levels, NewRuleMatcher()),
		Approvals: NewApprovalManager(
			WithApprovalLogger(logger.WithPrefix("approval")),
			WithApprovalTimeout(time.Duration(cfg.General.ApprovalTimeoutSecs)*time.Second)),
		Audit: NewAuditStore(database,
			WithAuditLogger(logger.WithPrefix("audit")),
			WithParamByteCeiling(cfg.General.ParamByteCeiling),
			WithYoloRetentionMultiplier(cfg.Audit.YoloRetentionMultiplier)),
	}, nil
}

// CompileRuleSpecs converts configured rule specs into matchable rules.
func CompileRuleSpecs(ruleType RuleType, specs []config.RuleSpec) ([]*AutonomyRule, error) {
	rules := make([]*AutonomyRule, 0, len(specs))
	for _, spec := range specs {
		rule, err := NewRule(ruleType, RuleScope(spec.Scope), spec.Pattern, spec.Tool)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", spec.Pattern, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
