package mcp

import (
	"fmt"
	"os"

	"github.com/tinyland-inc/aetherbridge/cmd/aetherbridge/internal"
	"github.com/tinyland-inc/aetherbridge/pkg/logger"
	"github.com/tinyland-inc/aetherbridge/pkg/mcpserver"
)

func mcpCmd(debug bool) error {
	// stdout carries the protocol.
	logger.SetOutput(os.Stderr)

	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := internal.SetupLogging(cfg, debug); err != nil {
		return err
	}

	ctx, cancel := internal.SignalContext()
	defer cancel()

	tr, err := internal.NewTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer tr.Close()

	reg, err := internal.LoadRegistry(cfg)
	if err != nil {
		return err
	}

	srv := mcpserver.New(reg, internal.NewDelegator(cfg, tr, reg), internal.GetVersion())
	logger.InfoCF("mcp", "MCP server ready", map[string]any{"agents": reg.Len()})
	return srv.ServeStdio(ctx)
}
