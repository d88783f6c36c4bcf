package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/toolgate/toolgate/internal/safety"
)

var flagClassifyParams string

func init() {
	classifyCmd.Flags().StringVarP(&flagClassifyParams, "params", "p", "", "tool call parameters as JSON")

	rootCmd.AddCommand(classifyCmd)
}

var classifyCmd = &cobra.Command{
	Use:   "classify <tool-name>",
	Short: "Classify a tool call and report whether it would auto-execute",
	Long: `Classify runs a tool call through the full governance decision:
risk classification, allow/block rules, and the project's autonomy level.

The result says whether the call would run unattended or would be held
for approval, and why.

Examples:
  toolgate classify file_read --params '{"path":"README.md"}'
  toolgate classify shell_exec --params '{"command":"rm -rf /tmp/scratch"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		toolName := args[0]

		var params map[string]any
		if flagClassifyParams != "" {
			if err := json.Unmarshal([]byte(flagClassifyParams), &params); err != nil {
				return fmt.Errorf("parsing --params: %w", err)
			}
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		engine, err := safety.NewEngine(cfg, database, newLogger(""))
		if err != nil {
			return err
		}

		projectPath, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}

		result := engine.Classifier.Classify(toolName, params, projectPath)

		out := newWriter()
		if GetOutput() == "text" {
			verdict := "auto-execute"
			if result.RequiresApproval {
				verdict = "requires approval"
			}
			out.Textf("%s [%s] %s: %s", toolName, result.RiskLevel, verdict, result.Reason)
			return nil
		}
		return out.Write(result)
	},
}
