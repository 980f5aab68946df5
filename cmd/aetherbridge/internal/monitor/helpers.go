package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/tinyland-inc/aetherbridge/cmd/aetherbridge/internal"
	"github.com/tinyland-inc/aetherbridge/pkg/bus"
	"github.com/tinyland-inc/aetherbridge/pkg/config"
	"github.com/tinyland-inc/aetherbridge/pkg/logger"
	"github.com/tinyland-inc/aetherbridge/pkg/utils"
)

const previewLen = 40

type styles struct {
	time      lipgloss.Style
	stream    lipgloss.Style
	user      lipgloss.Style
	assistant lipgloss.Style
	other     lipgloss.Style
	dim       lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{plain, plain, plain, plain, plain, plain}
	}
	return styles{
		time:      lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		stream:    lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		user:      lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		assistant: lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true),
		other:     lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

func (s styles) role(role string) lipgloss.Style {
	switch role {
	case bus.RoleUser:
		return s.user
	case bus.RoleAssistant:
		return s.assistant
	default:
		return s.other
	}
}

func monitorCmd(out io.Writer, streams []string, fromStart, noColor bool) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := internal.SetupLogging(cfg, false); err != nil {
		return err
	}

	ctx, cancel := internal.SignalContext()
	defer cancel()

	tr, err := internal.NewTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer tr.Close()

	streams = defaultStreams(cfg, streams)
	start := bus.LatestID
	if fromStart {
		start = "0"
	}

	fmt.Fprintf(out, "%s Monitoring %s (Ctrl+C to stop)\n", internal.Logo, strings.Join(streams, ", "))
	follow(ctx, tr, out, streams, start, newStyles(!noColor), cfg.Bridge.ReadBlock())
	return nil
}

func defaultStreams(cfg *config.Config, streams []string) []string {
	if len(streams) > 0 {
		return streams
	}
	if cfg.Delegate.ReplyInbox == cfg.Bridge.Inbox {
		return []string{cfg.Bridge.Inbox}
	}
	return []string{cfg.Bridge.Inbox, cfg.Delegate.ReplyInbox}
}

// follow tails every stream until ctx ends, serializing output lines.
func follow(ctx context.Context, tr bus.Transport, out io.Writer, streams []string, start string, st styles, block time.Duration) {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, stream := range streams {
		wg.Add(1)
		go func(stream string) {
			defer wg.Done()
			lastID := start
			for ctx.Err() == nil {
				env, err := tr.ReadBlocking(ctx, stream, lastID, block)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					var se *bus.SerializationError
					if errors.As(err, &se) && se.EntryID != "" {
						lastID = se.EntryID
						mu.Lock()
						fmt.Fprintln(out, st.dim.Render(fmt.Sprintf("[%s] malformed entry %s", stream, se.EntryID)))
						mu.Unlock()
						continue
					}
					logger.WarnCF("monitor", "Read failed", map[string]any{"stream": stream, "error": err.Error()})
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Second):
					}
					continue
				}
				if env == nil {
					continue
				}
				lastID = env.EnvelopeID

				mu.Lock()
				fmt.Fprintln(out, formatEntry(stream, env, st))
				mu.Unlock()
			}
		}(stream)
	}
	wg.Wait()
}

// formatEntry renders "time [stream] role agent type: preview".
func formatEntry(stream string, env *bus.Envelope, st styles) string {
	ts := env.Timestamp
	if t, err := time.Parse(time.RFC3339Nano, env.Timestamp); err == nil {
		ts = t.Local().Format("15:04:05")
	}
	agent := env.AgentName
	if agent == "" {
		agent = "-"
	}
	envType := env.EnvelopeType
	if envType == "" {
		envType = "-"
	}
	preview := strings.Join(strings.Fields(env.Text()), " ")

	return fmt.Sprintf("%s %s %s %s %s: %s",
		st.time.Render(ts),
		st.stream.Render("["+stream+"]"),
		st.role(env.Role).Render(env.Role),
		agent,
		st.dim.Render(envType),
		utils.Truncate(preview, previewLen),
	)
}
