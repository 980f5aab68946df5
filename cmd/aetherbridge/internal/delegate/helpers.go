package delegate

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/tinyland-inc/aetherbridge/cmd/aetherbridge/internal"
	"github.com/tinyland-inc/aetherbridge/pkg/bus"
	pkgdelegate "github.com/tinyland-inc/aetherbridge/pkg/delegate"
)

func delegateCmd(out io.Writer, agent, text string, opts options) error {
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
	d := internal.NewDelegator(cfg, tr, reg)

	req := buildRequest(agent, text, opts)

	var reply *bus.Envelope
	if opts.inbox != "" {
		reply, err = d.DelegateToInbox(ctx, opts.inbox, req)
	} else {
		reply, err = d.Delegate(ctx, req)
	}
	if err != nil {
		return err
	}
	return printReply(out, reply, opts.textOnly)
}

func buildRequest(agent, text string, opts options) pkgdelegate.Request {
	meta := make(map[string]any, len(opts.meta))
	for k, v := range opts.meta {
		meta[k] = v
	}
	return pkgdelegate.Request{
		Target:       agent,
		Content:      text,
		Meta:         meta,
		Role:         opts.role,
		EnvelopeType: opts.envType,
		Timeout:      time.Duration(opts.timeoutMS) * time.Millisecond,
	}
}

func printReply(out io.Writer, reply *bus.Envelope, textOnly bool) error {
	if textOnly {
		_, err := fmt.Fprintln(out, reply.Text())
		return err
	}
	data, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
