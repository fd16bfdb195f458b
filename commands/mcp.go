package commands

import (
	"github.com/ByteMirror/agentfactory/log"
	"github.com/ByteMirror/agentfactory/mcp"
	"github.com/spf13/cobra"
)

// Version is set by main for the MCP handshake.
var Version = "dev"

// MCPCmd serves read-only MCP tools over stdio.
var MCPCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve read-only agentfactory tools over MCP (stdio)",
	Args:  usage(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		mcp.SetLogger(log.InfoLog)
		return mcp.NewServer(e.cfg, e.store, e.metrics, Version).Serve()
	},
}
