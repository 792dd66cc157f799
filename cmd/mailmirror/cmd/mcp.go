package cmd

import (
	"github.com/spf13/cobra"
	mcpserver "github.com/wesm/mailmirror/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run an MCP server over stdio",
	Long: `Start an MCP (Model Context Protocol) server over stdio.

MCP clients can list and read mirrored messages, apply operations like
mark-read or archive, and trigger a refresh. The active account keeps
refreshing in the background while the server runs.

Add to an MCP client config:
  {
    "mcpServers": {
      "mailmirror": {
        "command": "mailmirror",
        "args": ["mcp"]
      }
    }
  }`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, _, cleanup, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer cleanup()

		return mcpserver.Serve(ctx, a)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
