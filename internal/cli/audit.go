package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/toolgate/toolgate/internal/db"
	"github.com/toolgate/toolgate/internal/safety"
	"golang.org/x/term"
)

var (
	flagAuditRisk    string
	flagAuditTool    string
	flagAuditSince   time.Duration
	flagAuditLimit   int
	flagAuditFailed  bool
	flagExportFormat string
	flagCleanupDays  int
	flagCleanupYes   bool
)

func init() {
	auditListCmd.Flags().StringVar(&flagAuditRisk, "risk", "", "filter by risk level")
	auditListCmd.Flags().StringVar(&flagAuditTool, "tool", "", "filter by tool name")
	auditListCmd.Flags().DurationVar(&flagAuditSince, "since", 0, "only entries newer than this age (e.g. 24h)")
	auditListCmd.Flags().IntVar(&flagAuditLimit, "limit", 50, "maximum entries to return")
	auditListCmd.Flags().BoolVar(&flagAuditFailed, "failed", false, "only failed calls")

	auditExportCmd.Flags().StringVar(&flagExportFormat, "format", "json", "export format: json or csv")

	auditCleanupCmd.Flags().IntVar(&flagCleanupDays, "retention-days", 0, "override configured retention window")
	auditCleanupCmd.Flags().BoolVar(&flagCleanupYes, "yes", false, "skip the confirmation prompt")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditSummaryCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditCleanupCmd)

	rootCmd.AddCommand(auditCmd)
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and maintain the audit trail",
}

func newAuditStore() (*safety.AuditStore, *db.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	database, err := openDB()
	if err != nil {
		return nil, nil, err
	}
	store := safety.NewAuditStore(database,
		safety.WithParamByteCeiling(cfg.General.ParamByteCeiling),
		safety.WithYoloRetentionMultiplier(cfg.Audit.YoloRetentionMultiplier),
		safety.WithAuditLogger(newLogger("audit")))
	return store, database, nil
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, database, err := newAuditStore()
		if err != nil {
			return err
		}
		defer database.Close()

		filter := db.AuditFilter{
			SessionID: flagSessionID,
			RiskLevel: flagAuditRisk,
			ToolName:  flagAuditTool,
			Limit:     flagAuditLimit,
		}
		if flagAuditSince > 0 {
			filter.Since = time.Now().UTC().Add(-flagAuditSince)
		}
		if flagAuditFailed {
			failed := false
			filter.Success = &failed
		}

		entries, err := store.Query(filter)
		if err != nil {
			return err
		}

		out := newWriter()
		if GetOutput() == "text" {
			if len(entries) == 0 {
				out.Textf("no audit entries")
				return nil
			}
			for _, e := range entries {
				status := "ok"
				if !e.Success {
					status = "failed"
				}
				out.Textf("%s  %-12s %-11s %-6s %s",
					e.Timestamp.Format(time.RFC3339), e.ToolName, e.RiskLevel, status, e.SessionID)
			}
			return nil
		}
		return out.Write(entries)
	},
}

var auditSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize a session's activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagSessionID == "" {
			return fmt.Errorf("--session-id is required")
		}

		store, database, err := newAuditStore()
		if err != nil {
			return err
		}
		defer database.Close()

		summary, err := store.SessionSummary(flagSessionID)
		if err != nil {
			return err
		}

		out := newWriter()
		if GetOutput() == "text" {
			out.Textf("session %s: %d actions (%d ok, %d failed)",
				flagSessionID, summary.TotalActions, summary.Succeeded, summary.Failed)
			out.Textf("approvals: %d approved, %d rejected, %d timed out",
				summary.Approved, summary.Rejected, summary.TimedOut)
			for risk, n := range summary.ByRisk {
				out.Textf("  %-11s %d", risk, n)
			}
			return nil
		}
		return out.Write(summary)
	},
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a session's audit trail to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagSessionID == "" {
			return fmt.Errorf("--session-id is required")
		}

		store, database, err := newAuditStore()
		if err != nil {
			return err
		}
		defer database.Close()

		switch flagExportFormat {
		case "json":
			return store.ExportJSON(os.Stdout, flagSessionID)
		case "csv":
			return store.ExportCSV(os.Stdout, flagSessionID)
		default:
			return fmt.Errorf("unsupported export format: %s", flagExportFormat)
		}
	},
}

var auditCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete audit entries past the retention window",
	Long: `Cleanup deletes entries older than the retention window. Entries
recorded under bypass mode are kept three times as long.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		retention := cfg.Audit.RetentionDays
		if flagCleanupDays > 0 {
			retention = flagCleanupDays
		}

		if !flagCleanupYes {
			ok, err := confirm(fmt.Sprintf("Delete audit entries older than %d days?", retention))
			if err != nil {
				return err
			}
			if !ok {
				newWriter().Textf("aborted")
				return nil
			}
		}

		store, database, err := newAuditStore()
		if err != nil {
			return err
		}
		defer database.Close()

		deleted, err := store.CleanupOldEntries(retention)
		if err != nil {
			return err
		}

		newWriter().Success(fmt.Sprintf("deleted %d audit entries", deleted))
		return nil
	},
}

// confirm prompts on the terminal. A non-interactive stdin refuses rather
// than silently proceeding.
func confirm(prompt string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, fmt.Errorf("refusing to proceed without a terminal; pass --yes to confirm")
	}
	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("reading confirmation: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
