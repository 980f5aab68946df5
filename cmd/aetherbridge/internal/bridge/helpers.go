package bridge

import (
	"fmt"

	"github.com/tinyland-inc/aetherbridge/cmd/aetherbridge/internal"
	"github.com/tinyland-inc/aetherbridge/pkg/bridge"
	"github.com/tinyland-inc/aetherbridge/pkg/config"
	"github.com/tinyland-inc/aetherbridge/pkg/logger"
	"github.com/tinyland-inc/aetherbridge/pkg/session"
)

func bridgeCmd(debug bool) error {
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

	mgr := session.NewManager(sessionOptions(cfg))
	defer mgr.Close()

	b := bridge.New(tr, bridge.ManagerSource{Manager: mgr}, bridge.Options{
		Inbox:          cfg.Bridge.Inbox,
		AgentName:      cfg.Bridge.AgentName,
		DefaultReplyTo: cfg.Bridge.DefaultReplyTo,
		TurnTimeout:    cfg.Bridge.TurnTimeout(),
		ReadBlock:      cfg.Bridge.ReadBlock(),
	})

	fmt.Printf("%s Bridge listening on %s (Ctrl+C to stop)\n", internal.Logo, cfg.Bridge.Inbox)
	logger.InfoCF("bridge", "Starting", map[string]any{
		"inbox":       cfg.Bridge.Inbox,
		"goose":       cfg.Bridge.Executable,
		"session_dir": cfg.Bridge.SessionPath(),
	})

	err = b.Run(ctx)
	fmt.Println("\nShutting down...")
	return err
}

// sessionOptions passes the bus settings through to goose so its own
// extensions can reach the same streams.
func sessionOptions(cfg *config.Config) session.Options {
	return session.Options{
		Executable: cfg.Bridge.Executable,
		Builtins:   cfg.Bridge.Builtins,
		SessionDir: cfg.Bridge.SessionPath(),
		Env: map[string]string{
			"REDIS_URL":         cfg.Bus.RedisURL,
			"AG1_GOOSE_INBOX":   cfg.Bridge.Inbox,
			"AG1_REGISTRY_PATH": cfg.Registry.ResolvedPath(),
		},
		StartTimeout: cfg.Bridge.StartTimeout(),
		ReadyTimeout: cfg.Bridge.ReadyTimeout(),
		ReplyInbox:   cfg.Bridge.Inbox,
		AgentName:    cfg.Delegate.AgentName,
	}
}
