package chat

import (
	"github.com/spf13/cobra"
)

func NewChatCommand() *cobra.Command {
	var (
		timeoutMS int
		debug     bool
	)

	cmd := &cobra.Command{
		Use:   "chat <agent>",
		Short: "Interactive conversation with an agent",
		Example: `  aetherbridge chat GooseAgent
  aetherbridge chat Echo --timeout-ms 5000`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return chatCmd(args[0], timeoutMS, debug)
		},
	}

	cmd.Flags().IntVar(&timeoutMS, "timeout-ms", 0, "Reply timeout per turn (default from config)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}
