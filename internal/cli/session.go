package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/toolgate/toolgate/internal/db"
)

var flagSessionStale time.Duration

func init() {
	sessionListCmd.Flags().DurationVar(&flagSessionStale, "stale", 0, "only sessions inactive longer than this")

	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionEndCmd)
	sessionCmd.AddCommand(sessionListCmd)

	rootCmd.AddCommand(sessionCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Track agent sessions",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a session for this agent and project",
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

		session := &db.Session{
			ID:          flagSessionID,
			AgentName:   GetActor(),
			ProjectPath: projectPath,
		}
		if err := database.CreateSession(session); err != nil {
			return err
		}

		out := newWriter()
		if GetOutput() == "text" {
			out.Textf("session %s started", session.ID)
			return nil
		}
		return out.Write(session)
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end [session-id]",
	Short: "End a session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		id := flagSessionID
		if len(args) == 1 {
			id = args[0]
		}
		if id == "" {
			projectPath, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getting working directory: %w", err)
			}
			session, err := database.GetActiveSession(GetActor(), projectPath)
			if err != nil {
				return err
			}
			id = session.ID
		}

		if err := database.EndSession(id); err != nil {
			return err
		}

		newWriter().Success(fmt.Sprintf("session %s ended", id))
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active sessions for this project",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		var sessions []*db.Session
		if flagSessionStale > 0 {
			sessions, err = database.FindStaleSessions(flagSessionStale)
		} else {
			projectPath, werr := os.Getwd()
			if werr != nil {
				return fmt.Errorf("getting working directory: %w", werr)
			}
			sessions, err = database.ListActiveSessions(projectPath)
		}
		if err != nil {
			return err
		}

		out := newWriter()
		if GetOutput() == "text" {
			if len(sessions) == 0 {
				out.Textf("no active sessions")
				return nil
			}
			for _, s := range sessions {
				mode := ""
				if s.YoloMode {
					mode = " [yolo]"
				}
				out.Textf("%s  %-20s last active %s%s",
					s.ID, s.AgentName, s.LastActiveAt.Format(time.RFC3339), mode)
			}
			return nil
		}
		return out.Write(sessions)
	},
}
