package mcp

import (
	"github.com/spf13/cobra"
)

func NewMCPCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve ag1_list, ag1_describe and ag1_delegate as MCP tools over stdio",
		Example: `  aetherbridge mcp
  goose session --with-extension "aetherbridge mcp"`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return mcpCmd(debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (to stderr)")

	return cmd
}
