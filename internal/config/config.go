// Package config implements layered configuration loading for toolgate.
// Precedence, lowest to highest: defaults, user config, project config,
// environment, flag overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// RuleSpec is the on-disk form of an allow/block rule.
type RuleSpec struct {
	Scope   string `mapstructure:"scope" toml:"scope" json:"scope"`
	Pattern string `mapstructure:"pattern" toml:"pattern" json:"pattern"`
	Tool    string `mapstructure:"tool" toml:"tool,omitempty" json:"tool,omitempty"`
}

// GeneralConfig holds governance-wide settings.
type GeneralConfig struct {
	// DefaultAutonomyLevel applies to projects with no stored level.
	DefaultAutonomyLevel string `mapstructure:"default_autonomy_level" json:"default_autonomy_level"`
	// ApprovalTimeoutSecs bounds how long a request waits for a human.
	ApprovalTimeoutSecs int `mapstructure:"approval_timeout_secs" json:"approval_timeout_secs"`
	// ParamByteCeiling caps serialized parameters in normal audit entries.
	ParamByteCeiling int `mapstructure:"param_byte_ceiling" json:"param_byte_ceiling"`
	// DBPath locates the state database, relative to the project root.
	DBPath string `mapstructure:"db_path" json:"db_path"`
}

// AuditConfig holds retention settings.
type AuditConfig struct {
	RetentionDays           int `mapstructure:"retention_days" json:"retention_days"`
	YoloRetentionMultiplier int `mapstructure:"yolo_retention_multiplier" json:"yolo_retention_multiplier"`
}

// MCPConfig holds connection lifecycle settings.
type MCPConfig struct {
	GraceWindowSecs      int `mapstructure:"grace_window_secs" json:"grace_window_secs"`
	BackoffBaseMS        int `mapstructure:"backoff_base_ms" json:"backoff_base_ms"`
	BackoffCapSecs       int `mapstructure:"backoff_cap_secs" json:"backoff_cap_secs"`
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts" json:"max_reconnect_attempts"`
}

// RulesConfig holds the configured allow/block rules.
type RulesConfig struct {
	Allow []RuleSpec `mapstructure:"allow" json:"allow"`
	Block []RuleSpec `mapstructure:"block" json:"block"`
}

// Config is the full toolgate configuration.
type Config struct {
	General GeneralConfig `mapstructure:"general" json:"general"`
	Audit   AuditConfig   `mapstructure:"audit" json:"audit"`
	MCP     MCPConfig     `mapstructure:"mcp" json:"mcp"`
	Rules   RulesConfig   `mapstructure:"rules" json:"rules"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		General: GeneralConfig{
			DefaultAutonomyLevel: "L2",
			ApprovalTimeoutSecs:  60,
			ParamByteCeiling:     2048,
			DBPath:               filepath.Join(".toolgate", "state.db"),
		},
		Audit: AuditConfig{
			RetentionDays:           30,
			YoloRetentionMultiplier: 3,
		},
		MCP: MCPConfig{
			GraceWindowSecs:      5,
			BackoffBaseMS:        1000,
			BackoffCapSecs:       60,
			MaxReconnectAttempts: 5,
		},
	}
}

// envBindings maps config keys to environment variables.
var envBindings = map[string]string{
	"general.default_autonomy_level": "TOOLGATE_AUTONOMY_LEVEL",
	"general.approval_timeout_secs":  "TOOLGATE_APPROVAL_TIMEOUT",
	"general.db_path":                "TOOLGATE_DB_PATH",
	"audit.retention_days":           "TOOLGATE_RETENTION_DAYS",
}

func setDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault("general.default_autonomy_level", def.General.DefaultAutonomyLevel)
	v.SetDefault("general.approval_timeout_secs", def.General.ApprovalTimeoutSecs)
	v.SetDefault("general.param_byte_ceiling", def.General.ParamByteCeiling)
	v.SetDefault("general.db_path", def.General.DBPath)
	v.SetDefault("audit.retention_days", def.Audit.RetentionDays)
	v.SetDefault("audit.yolo_retention_multiplier", def.Audit.YoloRetentionMultiplier)
	v.SetDefault("mcp.grace_window_secs", def.MCP.GraceWindowSecs)
	v.SetDefault("mcp.backoff_base_ms", def.MCP.BackoffBaseMS)
	v.SetDefault("mcp.backoff_cap_secs", def.MCP.BackoffCapSecs)
	v.SetDefault("mcp.max_reconnect_attempts", def.MCP.MaxReconnectAttempts)
}

// LoadOptions controls where Load looks for configuration.
type LoadOptions struct {
	// ProjectDir is the project root; empty means the current directory.
	ProjectDir string
	// ConfigPath overrides the project config file location.
	ConfigPath string
	// FlagOverrides apply last, keyed by dotted config key.
	FlagOverrides map[string]any
}

// Load reads configuration with full precedence and validates the result.
func Load(opts LoadOptions) (Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)

	userPath, projectPath := ConfigPaths(opts.ProjectDir, opts.ConfigPath)
	if err := mergeConfigFile(v, userPath); err != nil {
		return Config{}, fmt.Errorf("loading user config: %w", err)
	}
	if err := mergeConfigFile(v, projectPath); err != nil {
		return Config{}, fmt.Errorf("loading project config: %w", err)
	}

	for key, env := range envBindings {
		if raw, ok := os.LookupEnv(env); ok {
			parsed, err := ParseValue(key, raw)
			if err != nil {
				return Config{}, fmt.Errorf("parsing %s: %w", env, err)
			}
			v.Set(key, parsed)
		}
	}

	for key, value := range opts.FlagOverrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// mergeConfigFile merges one TOML file into the viper instance. A missing
// file is a no-op.
func mergeConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, not a config file", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	if err := v.MergeConfig(f); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// ConfigPaths returns the user and project config file paths.
func ConfigPaths(projectDir, override string) (userPath, projectPath string) {
	if home, err := os.UserHomeDir(); err == nil {
		userPath = filepath.Join(home, ".toolgate", "config.toml")
	}
	projectPath = projectConfigPath(projectDir, override)
	return userPath, projectPath
}

func projectConfigPath(projectDir, override string) string {
	if override != "" {
		return override
	}
	return filepath.Join(projectDir, ".toolgate", "config.toml")
}

// Validate checks all config values, aggregating every violation.
func Validate(cfg Config) error {
	var problems []string

	switch cfg.General.DefaultAutonomyLevel {
	case "L1", "L2", "L3", "L4":
		// L5 is deliberately excluded: bypass mode is session-only and can
		// never be the configured default.
	default:
		problems = append(problems, fmt.Sprintf("general.default_autonomy_level: %q is not a persistable level", cfg.General.DefaultAutonomyLevel))
	}
	if cfg.General.ApprovalTimeoutSecs <= 0 {
		problems = append(problems, "general.approval_timeout_secs must be positive")
	}
	if cfg.General.ParamByteCeiling <= 0 {
		problems = append(problems, "general.param_byte_ceiling must be positive")
	}
	if cfg.Audit.RetentionDays <= 0 {
		problems = append(problems, "audit.retention_days must be positive")
	}
	if cfg.Audit.YoloRetentionMultiplier < 1 {
		problems = append(problems, "audit.yolo_retention_multiplier must be at least 1")
	}
	if cfg.MCP.GraceWindowSecs < 0 {
		problems = append(problems, "mcp.grace_window_secs must not be negative")
	}
	if cfg.MCP.BackoffBaseMS <= 0 {
		problems = append(problems, "mcp.backoff_base_ms must be positive")
	}
	if cfg.MCP.BackoffCapSecs <= 0 {
		problems = append(problems, "mcp.backoff_cap_secs must be positive")
	}
	if cfg.MCP.MaxReconnectAttempts <= 0 {
		problems = append(problems, "mcp.max_reconnect_attempts must be positive")
	}

	for i, rule := range append(append([]RuleSpec{}, cfg.Rules.Allow...), cfg.Rules.Block...) {
		if rule.Pattern == "" {
			problems = append(problems, fmt.Sprintf("rules[%d]: pattern is required", i))
		}
		switch rule.Scope {
		case "tool", "path":
		default:
			problems = append(problems, fmt.Sprintf("rules[%d]: invalid scope %q", i, rule.Scope))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// GetValue returns the value for a dotted config key.
func GetValue(cfg Config, key string) (any, bool) {
	switch key {
	case "general.default_autonomy_level":
		return cfg.General.DefaultAutonomyLevel, true
	case "general.approval_timeout_secs":
		return cfg.General.ApprovalTimeoutSecs, true
	case "general.param_byte_ceiling":
		return cfg.General.ParamByteCeiling, true
	case "general.db_path":
		return cfg.General.DBPath, true
	case "audit.retention_days":
		return cfg.Audit.RetentionDays, true
	case "audit.yolo_retention_multiplier":
		return cfg.Audit.YoloRetentionMultiplier, true
	case "mcp.grace_window_secs":
		return cfg.MCP.GraceWindowSecs, true
	case "mcp.backoff_base_ms":
		return cfg.MCP.BackoffBaseMS, true
	case "mcp.backoff_cap_secs":
		return cfg.MCP.BackoffCapSecs, true
	case "mcp.max_reconnect_attempts":
		return cfg.MCP.MaxReconnectAttempts, true
	default:
		return nil, false
	}
}

// intKeys are config keys parsed as integers by ParseValue.
var intKeys = map[string]bool{
	"general.approval_timeout_secs":   true,
	"general.param_byte_ceiling":      true,
	"audit.retention_days":            true,
	"audit.yolo_retention_multiplier": true,
	"mcp.grace_window_secs":           true,
	"mcp.backoff_base_ms":             true,
	"mcp.backoff_cap_secs":            true,
	"mcp.max_reconnect_attempts":      true,
}

// ParseValue converts a raw string into the right type for a config key.
func ParseValue(key, raw string) (any, error) {
	if intKeys[key] {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("key %s expects an integer: %w", key, err)
		}
		return n, nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return strings.TrimSpace(raw), nil
}

// WriteValue sets one dotted key in a TOML config file, creating the file and
// its directory as needed. Existing content is preserved.
func WriteValue(path, key string, value any) error {
	if path == "" {
		return fmt.Errorf("config path is required")
	}

	doc := make(map[string]any)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &doc); err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
	}

	parts := strings.Split(key, ".")
	node := doc
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(doc); err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return nil
}
