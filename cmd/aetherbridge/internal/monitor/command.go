package monitor

import (
	"github.com/spf13/cobra"
)

func NewMonitorCommand() *cobra.Command {
	var (
		fromStart bool
		noColor   bool
	)

	cmd := &cobra.Command{
		Use:   "monitor [stream...]",
		Short: "Follow streams and print one line per envelope",
		Example: `  aetherbridge monitor
  aetherbridge monitor AG1:agent:GooseAgent:inbox AG1:agent:TestClient:inbox
  aetherbridge monitor --from-start --no-color`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return monitorCmd(cmd.OutOrStdout(), args, fromStart, noColor)
		},
	}

	cmd.Flags().BoolVar(&fromStart, "from-start", false, "Replay existing entries instead of only new ones")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	return cmd
}
