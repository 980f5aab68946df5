package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/tinyland-inc/aetherbridge/cmd/aetherbridge/internal"
	"github.com/tinyland-inc/aetherbridge/pkg/config"
	"github.com/tinyland-inc/aetherbridge/pkg/relay"
)

func relayCmd(opts options) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := internal.SetupLogging(cfg, opts.debug); err != nil {
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

	srv := relay.New(tr, reg, relayOptions(cfg, opts)...)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("%s Relay on ws://%s/chat/<agent> (Ctrl+C to stop)\n", internal.Logo, srv.Addr())
	<-ctx.Done()
	fmt.Println("\nShutting down...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	return srv.Stop(stopCtx)
}

func relayOptions(cfg *config.Config, opts options) []relay.Option {
	addr := cfg.Relay.Addr()
	if opts.addr != "" {
		addr = opts.addr
	}
	channel := cfg.Relay.Channel
	if opts.channel != "" {
		channel = opts.channel
	}

	out := []relay.Option{
		relay.WithAddr(addr),
		relay.WithChannel(channel),
		relay.WithNamespace(cfg.Bus.Namespace),
		relay.WithAllowAgents(cfg.Relay.AllowAgents...),
	}
	if t := cfg.Relay.Timeout(); t > 0 {
		out = append(out, relay.WithIdleTimeout(t))
	}
	return out
}
