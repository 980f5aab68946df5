package bridge

import (
	"github.com/spf13/cobra"
)

func NewBridgeCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "bridge",
		Aliases: []string{"b"},
		Short:   "Serve the goose inbox: one goose session per reply address",
		Example: `  aetherbridge bridge
  GOOSE_BIN=/opt/goose/bin/goose aetherbridge bridge --debug`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return bridgeCmd(debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}
