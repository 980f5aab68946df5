package delegate

import (
	"github.com/spf13/cobra"
)

type options struct {
	inbox     string
	role      string
	envType   string
	meta      map[string]string
	timeoutMS int
	textOnly  bool
	debug     bool
}

func NewDelegateCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "delegate <agent> <text>",
		Short: "Send one request to an agent and print its reply",
		Example: `  aetherbridge delegate GooseAgent "list the files in /tmp"
  aetherbridge delegate Echo hello --text
  aetherbridge delegate --inbox AG1:agent:Custom:inbox Custom "skip the registry"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return delegateCmd(cmd.OutOrStdout(), args[0], args[1], opts)
		},
	}

	cmd.Flags().StringVar(&opts.inbox, "inbox", "", "Publish to this stream instead of resolving the agent")
	cmd.Flags().StringVar(&opts.role, "role", "user", "Envelope role")
	cmd.Flags().StringVar(&opts.envType, "type", "message", "Envelope type")
	cmd.Flags().StringToStringVar(&opts.meta, "meta", nil, "Metadata key=value pairs")
	cmd.Flags().IntVar(&opts.timeoutMS, "timeout-ms", 0, "Reply timeout (default from config)")
	cmd.Flags().BoolVar(&opts.textOnly, "text", false, "Print only the reply text")
	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	return cmd
}
