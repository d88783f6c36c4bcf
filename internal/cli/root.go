// Package cli implements the Cobra command-line interface for toolgate.
package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/db"
	"github.com/toolgate/toolgate/internal/output"
)

// Version information set by goreleaser
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flag values
var (
	flagConfig    string
	flagOutput    string
	flagJSON      bool
	flagVerbose   bool
	flagDB        string
	flagActor     string
	flagSessionID string
	flagProject   string
)

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "Tool execution governance for LLM agents",
	Long: `Toolgate classifies every tool call an agent wants to make, decides
whether it may run on its own, and records what happened.

Calls are classified by risk level:
  critical     - never auto-executed, a human must approve
  destructive  - auto-executed only at high autonomy levels
  moderate     - auto-executed at normal autonomy levels
  safe         - auto-executed everywhere except supervised mode

A project's autonomy level (L1-L5) sets the auto-execution threshold,
and allow/block rules override it per tool or path.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if flagProject == "" {
			return nil
		}
		if err := os.Chdir(flagProject); err != nil {
			return fmt.Errorf("changing directory to %s: %w", flagProject, err)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := flagConfig
		if configPath == "" {
			home, _ := os.UserHomeDir()
			configPath = filepath.Join(home, ".toolgate", "config.toml")
		}
		projectPath, _ := os.Getwd()

		payload := map[string]any{
			"version":      version,
			"commit":       commit,
			"build_date":   date,
			"go_version":   runtime.Version(),
			"config_path":  configPath,
			"db_path":      GetDB(),
			"project_path": projectPath,
		}

		switch GetOutput() {
		case "json", "yaml":
			return newWriter().Write(payload)
		case "text":
			fmt.Printf("toolgate %s\n", version)
			fmt.Printf("  commit:  %s\n", commit)
			fmt.Printf("  built:   %s\n", date)
			fmt.Printf("  go:      %s\n", runtime.Version())
			fmt.Printf("  config:  %s\n", configPath)
			fmt.Printf("  db:      %s\n", GetDB())
			fmt.Printf("  project: %s\n", projectPath)
			return nil
		default:
			return fmt.Errorf("unsupported format: %s", GetOutput())
		}
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetOutput returns the configured output format.
// Precedence: CLI flags > TOOLGATE_OUTPUT_FORMAT env > default.
func GetOutput() string {
	if flagJSON {
		return "json"
	}
	if flagOutput != "text" {
		return flagOutput
	}
	if envFormat := os.Getenv("TOOLGATE_OUTPUT_FORMAT"); envFormat != "" {
		switch envFormat {
		case "json", "yaml", "text":
			return envFormat
		}
	}
	return flagOutput
}

// GetDB returns the database path.
func GetDB() string {
	if flagDB != "" {
		return flagDB
	}
	project, err := os.Getwd()
	if err == nil && project != "" {
		return filepath.Join(project, ".toolgate", "state.db")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".toolgate", "state.db")
}

// GetActor returns the identity recorded on approval decisions.
func GetActor() string {
	if flagActor != "" {
		return flagActor
	}
	if actor := os.Getenv("TOOLGATE_ACTOR"); actor != "" {
		return actor
	}
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "localhost"
	}
	return user + "@" + host
}

func newWriter() *output.Writer {
	return output.New(output.Format(GetOutput()))
}

func newLogger(prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	level := log.WarnLevel
	if flagVerbose {
		level = log.DebugLevel
	}
	return log.NewWithOptions(out, log.Options{
		Level:  level,
		Prefix: prefix,
	})
}

func loadConfig() (config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return config.Config{}, fmt.Errorf("getting working directory: %w", err)
	}
	return config.Load(config.LoadOptions{
		ProjectDir: cwd,
		ConfigPath: flagConfig,
	})
}

func openDB() (*db.DB, error) {
	database, err := db.OpenAndMigrate(GetDB())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return database, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "text", "output format: text, json, yaml (env: TOOLGATE_OUTPUT_FORMAT)")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "shorthand for --output=json")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "database path")
	rootCmd.PersistentFlags().StringVar(&flagActor, "actor", "", "actor identifier")
	rootCmd.PersistentFlags().StringVarP(&flagSessionID, "session-id", "s", "", "session ID")
	rootCmd.PersistentFlags().StringVarP(&flagProject, "project", "C", "", "project directory")

	rootCmd.AddCommand(versionCmd)
}
