package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/toolgate/toolgate/internal/db"
	"github.com/toolgate/toolgate/internal/safety"
)

// configuredDefaultLevel reads the fallback level from the loaded config so
// projects without a stored level honor general.default_autonomy_level.
func configuredDefaultLevel() (safety.AutonomyLevel, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	level, err := safety.ParseAutonomyLevel(cfg.General.DefaultAutonomyLevel)
	if err != nil {
		return "", fmt.Errorf("general.default_autonomy_level: %w", err)
	}
	return level, nil
}

func newLevelService(database *db.DB) (*safety.LevelService, error) {
	fallback, err := configuredDefaultLevel()
	if err != nil {
		return nil, err
	}
	return safety.NewLevelService(database, newLogger("autonomy"),
		safety.WithDefaultLevel(fallback)), nil
}

func init() {
	autonomyCmd.AddCommand(autonomyGetCmd)
	autonomyCmd.AddCommand(autonomySetCmd)
	autonomyCmd.AddCommand(autonomyClearCmd)
	autonomyCmd.AddCommand(autonomyListCmd)

	rootCmd.AddCommand(autonomyCmd)
}

var autonomyCmd = &cobra.Command{
	Use:   "autonomy",
	Short: "Inspect and set per-project autonomy levels",
	Long: `Autonomy levels control which risk tiers auto-execute:

  L1  supervised   - every call needs approval
  L2  cautious     - safe calls run unattended (default)
  L3  standard     - safe and moderate calls run unattended
  L4  trusted      - everything except critical runs unattended
  L5  bypass       - everything runs; session-only, never persisted`,
}

var autonomyGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the effective autonomy level for this project",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		levels, err := newLevelService(database)
		if err != nil {
			return err
		}
		projectPath, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}

		level := levels.Level(projectPath)
		payload := map[string]any{
			"project_path": projectPath,
			"level":        string(level),
			"thresholds":   safety.Thresholds(level),
		}

		out := newWriter()
		if GetOutput() == "text" {
			out.Textf("%s: %s", projectPath, level)
			return nil
		}
		return out.Write(payload)
	},
}

var autonomySetCmd = &cobra.Command{
	Use:   "set <level>",
	Short: "Set the autonomy level for this project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := safety.ParseAutonomyLevel(args[0])
		if err != nil {
			return err
		}
		if level == safety.LevelL5 {
			return fmt.Errorf("bypass mode is session-only and cannot be set from the CLI; an embedding agent enables it per session")
		}

		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		levels, err := newLevelService(database)
		if err != nil {
			return err
		}
		projectPath, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}

		if err := levels.SetLevel(projectPath, level); err != nil {
			return err
		}

		newWriter().Success(fmt.Sprintf("autonomy level set to %s for %s", level, projectPath))
		return nil
	},
}

var autonomyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the stored level so the project falls back to the default",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		projectPath, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}

		if err := database.DeleteProjectLevel(projectPath); err != nil {
			return err
		}

		fallback, err := configuredDefaultLevel()
		if err != nil {
			return err
		}
		newWriter().Success(fmt.Sprintf("autonomy level cleared for %s (default %s applies)", projectPath, fallback))
		return nil
	},
}

var autonomyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored autonomy levels for all projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		stored, err := database.ListProjectLevels()
		if err != nil {
			return err
		}

		out := newWriter()
		if GetOutput() == "text" {
			if len(stored) == 0 {
				out.Textf("no stored autonomy levels")
				return nil
			}
			for path, level := range stored {
				out.Textf("%s\t%s", level, path)
			}
			return nil
		}
		return out.Write(stored)
	},
}
