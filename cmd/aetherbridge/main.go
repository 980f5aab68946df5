// Aetherbridge - goose sessions on the AetherBus
// Connects goose CLI sessions and other agents over Redis Streams
// License: MIT
//
// Copyright (c) 2026 Aetherbridge contributors

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/aetherbridge/cmd/aetherbridge/internal"
	"github.com/tinyland-inc/aetherbridge/cmd/aetherbridge/internal/agents"
	"github.com/tinyland-inc/aetherbridge/cmd/aetherbridge/internal/bridge"
	"github.com/tinyland-inc/aetherbridge/cmd/aetherbridge/internal/chat"
	"github.com/tinyland-inc/aetherbridge/cmd/aetherbridge/internal/delegate"
	"github.com/tinyland-inc/aetherbridge/cmd/aetherbridge/internal/mcp"
	"github.com/tinyland-inc/aetherbridge/cmd/aetherbridge/internal/monitor"
	"github.com/tinyland-inc/aetherbridge/cmd/aetherbridge/internal/relay"
	"github.com/tinyland-inc/aetherbridge/cmd/aetherbridge/internal/version"
)

func NewAetherbridgeCommand() *cobra.Command {
	short := fmt.Sprintf("%s aetherbridge - goose sessions on the AetherBus v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:          "aetherbridge",
		Short:        short,
		Example:      "aetherbridge bridge",
		SilenceUsage: true,
	}

	cmd.AddCommand(
		bridge.NewBridgeCommand(),
		delegate.NewDelegateCommand(),
		chat.NewChatCommand(),
		agents.NewAgentsCommand(),
		mcp.NewMCPCommand(),
		relay.NewRelayCommand(),
		monitor.NewMonitorCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewAetherbridgeCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
