package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/toolgate/toolgate/internal/mcp"
)

var (
	flagMCPCommand string
	flagMCPArgs    []string
	flagMCPEnv     []string
	flagMCPURL     string
	flagMCPTimeout time.Duration
	flagMCPParams  string
)

func init() {
	for _, cmd := range []*cobra.Command{mcpToolsCmd, mcpCallCmd} {
		cmd.Flags().StringVar(&flagMCPCommand, "command", "", "stdio server command")
		cmd.Flags().StringSliceVar(&flagMCPArgs, "arg", nil, "stdio server argument (repeatable)")
		cmd.Flags().StringSliceVar(&flagMCPEnv, "env", nil, "stdio server environment entry KEY=VALUE (repeatable)")
		cmd.Flags().StringVar(&flagMCPURL, "url", "", "streamable HTTP server URL")
		cmd.Flags().DurationVar(&flagMCPTimeout, "timeout", 30*time.Second, "operation timeout")
	}
	mcpCallCmd.Flags().StringVarP(&flagMCPParams, "params", "p", "", "tool arguments as JSON")

	mcpCmd.AddCommand(mcpToolsCmd)
	mcpCmd.AddCommand(mcpCallCmd)

	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Talk to MCP tool servers",
}

func newMCPManager() (*mcp.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return mcp.NewManagerFromConfig(cfg.MCP, mcp.WithManagerLogger(newLogger("mcp"))), nil
}

func mcpServerConfig() (mcp.ServerConfig, error) {
	cfg := mcp.ServerConfig{
		ID:      "cli",
		Name:    "cli",
		Enabled: true,
	}
	switch {
	case flagMCPCommand != "":
		cfg.Transport = mcp.TransportStdio
		cfg.Command = flagMCPCommand
		cfg.Args = flagMCPArgs
		cfg.Env = flagMCPEnv
	case flagMCPURL != "":
		cfg.Transport = mcp.TransportHTTP
		cfg.URL = flagMCPURL
	default:
		return cfg, fmt.Errorf("either --command or --url is required")
	}
	return cfg, nil
}

var mcpToolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools a server exposes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := mcpServerConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), flagMCPTimeout)
		defer cancel()

		manager, err := newMCPManager()
		if err != nil {
			return err
		}
		if _, err := manager.Connect(ctx, cfg); err != nil {
			return err
		}
		defer manager.DisconnectAll()

		tools, err := manager.ListTools(ctx, cfg.ID)
		if err != nil {
			return err
		}

		out := newWriter()
		if GetOutput() == "text" {
			for _, tool := range tools {
				out.Textf("%-24s %s", tool.Name, tool.Description)
			}
			return nil
		}
		views := make([]map[string]any, 0, len(tools))
		for _, tool := range tools {
			views = append(views, map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
			})
		}
		return out.Write(views)
	},
}

var mcpCallCmd = &cobra.Command{
	Use:   "call <tool-name>",
	Short: "Invoke one tool on a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := mcpServerConfig()
		if err != nil {
			return err
		}

		var params map[string]any
		if flagMCPParams != "" {
			if err := json.Unmarshal([]byte(flagMCPParams), &params); err != nil {
				return fmt.Errorf("parsing --params: %w", err)
			}
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), flagMCPTimeout)
		defer cancel()

		manager, err := newMCPManager()
		if err != nil {
			return err
		}
		if _, err := manager.Connect(ctx, cfg); err != nil {
			return err
		}
		defer manager.DisconnectAll()

		result, err := manager.CallTool(ctx, cfg.ID, args[0], params)
		if err != nil {
			return err
		}
		return newWriter().Write(result)
	},
}
