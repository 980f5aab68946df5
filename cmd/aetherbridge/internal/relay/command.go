package relay

import (
	"github.com/spf13/cobra"
)

type options struct {
	addr    string
	channel string
	debug   bool
}

func NewRelayCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "WebSocket relay between browser clients and agents",
		Example: `  aetherbridge relay
  aetherbridge relay --addr 127.0.0.1:4012 --channel web`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return relayCmd(opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "", "Listen address (default from config)")
	cmd.Flags().StringVar(&opts.channel, "channel", "", "Relay channel name used in response stream keys")
	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	return cmd
}
