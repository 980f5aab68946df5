// Package bridge connects an agent inbox on the bus to interactive goose
// sessions: each inbound user turn is written to a session and the
// assistant's answer is published back to the sender.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinyland-inc/aetherbridge/pkg/bus"
	"github.com/tinyland-inc/aetherbridge/pkg/logger"
	"github.com/tinyland-inc/aetherbridge/pkg/session"
	"github.com/tinyland-inc/aetherbridge/pkg/utils"
	"github.com/tinyland-inc/aetherbridge/pkg/wait"
)

const (
	DefaultAgentName      = "GooseAgent"
	DefaultDefaultReplyTo = "AG1:agent:TestClient:inbox"
	DefaultTurnTimeout    = 120 * time.Second
	DefaultReadBlock      = 2 * time.Second

	backoffInitial = time.Second
	backoffMax     = 30 * time.Second
)

// Conversation is one running session as the bridge sees it.
type Conversation interface {
	Exchange(ctx context.Context, text string, timeout time.Duration) (string, error)
	IsRunning() bool
}

// SessionSource hands out the session for an id, starting it if needed.
type SessionSource interface {
	Session(ctx context.Context, id string) (Conversation, error)
}

// ManagerSource serves sessions from a session.Manager.
type ManagerSource struct {
	Manager *session.Manager
}

func (m ManagerSource) Session(ctx context.Context, id string) (Conversation, error) {
	s, err := m.Manager.GetOrStart(ctx, id)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type Options struct {
	Inbox          string
	AgentName      string
	DefaultReplyTo string
	TurnTimeout    time.Duration
	ReadBlock      time.Duration
	// StartID is where Run begins reading. Empty means new entries only.
	StartID string
}

// Bridge is the inbox loop. Envelopes are handled one at a time, so turns
// for a session are strictly ordered.
type Bridge struct {
	transport bus.Transport
	sessions  SessionSource
	opts      Options

	mu      sync.Mutex
	replyTo map[string]string
}

func New(transport bus.Transport, sessions SessionSource, opts Options) *Bridge {
	if opts.AgentName == "" {
		opts.AgentName = DefaultAgentName
	}
	if opts.DefaultReplyTo == "" {
		opts.DefaultReplyTo = DefaultDefaultReplyTo
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = DefaultTurnTimeout
	}
	if opts.ReadBlock <= 0 {
		opts.ReadBlock = DefaultReadBlock
	}
	if opts.StartID == "" {
		opts.StartID = bus.LatestID
	}
	return &Bridge{
		transport: transport,
		sessions:  sessions,
		opts:      opts,
		replyTo:   make(map[string]string),
	}
}

// resolveStart pins "$" to the current tail id so entries that arrive
// between reads or during a backoff sleep are not skipped. It only fails
// when ctx ends.
func (b *Bridge) resolveStart(ctx context.Context, backoff *wait.Backoff) (string, error) {
	if b.opts.StartID != bus.LatestID {
		return b.opts.StartID, nil
	}
	for {
		id, err := b.transport.TailID(ctx, b.opts.Inbox)
		if err == nil {
			backoff.Reset()
			return id, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		delay := backoff.Next()
		logger.ErrorCF("bridge", "Inbox tail lookup failed", map[string]any{
			"inbox":    b.opts.Inbox,
			"error":    err.Error(),
			"retry_ms": delay.Milliseconds(),
		})
		if err := wait.Sleep(ctx, delay); err != nil {
			return "", err
		}
	}
}

// Run reads the inbox until ctx is cancelled. Transport failures are retried
// with backoff; a malformed entry is skipped.
func (b *Bridge) Run(ctx context.Context) error {
	logger.InfoCF("bridge", "Bridge started", map[string]any{
		"inbox": b.opts.Inbox,
		"agent": b.opts.AgentName,
	})

	backoff := wait.NewBackoff(backoffInitial, backoffMax)
	lastID, err := b.resolveStart(ctx, backoff)
	if err != nil {
		logger.InfoCF("bridge", "Bridge stopped", map[string]any{"handled": 0})
		return nil
	}
	handled := 0

	for {
		if ctx.Err() != nil {
			logger.InfoCF("bridge", "Bridge stopped", map[string]any{"handled": handled})
			return nil
		}

		env, err := b.transport.ReadBlocking(ctx, b.opts.Inbox, lastID, b.opts.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			var se *bus.SerializationError
			if errors.As(err, &se) && se.EntryID != "" {
				logger.WarnCF("bridge", "Skipping malformed entry", map[string]any{
					"entry_id": se.EntryID,
					"error":    err.Error(),
				})
				lastID = se.EntryID
				backoff.Reset()
				continue
			}

			delay := backoff.Next()
			logger.ErrorCF("bridge", "Inbox read failed", map[string]any{
				"inbox":    b.opts.Inbox,
				"error":    err.Error(),
				"retry_ms": delay.Milliseconds(),
			})
			wait.Sleep(ctx, delay)
			continue
		}
		backoff.Reset()
		if env == nil {
			continue
		}

		lastID = env.EnvelopeID
		handled++

		start := time.Now()
		if err := b.HandleEnvelope(ctx, env); err != nil {
			logger.ErrorCF("bridge", "Failed handling envelope", map[string]any{
				"entry_id":       env.EnvelopeID,
				"correlation_id": env.CorrelationID,
				"error":          err.Error(),
			})
			continue
		}
		logger.DebugCF("bridge", "Envelope handled", map[string]any{
			"entry_id":   env.EnvelopeID,
			"elapsed_ms": time.Since(start).Milliseconds(),
		})
	}
}

// HandleEnvelope runs one turn. Only a failure to publish the reply is
// returned; session and turn failures are sent back as reply text.
func (b *Bridge) HandleEnvelope(ctx context.Context, env *bus.Envelope) error {
	if env.Role != bus.RoleUser {
		logger.DebugCF("bridge", "Skipping non-user envelope", map[string]any{"role": env.Role})
		return nil
	}

	replyTo := env.ReplyTo
	if replyTo == "" {
		logger.WarnCF("bridge", "No reply_to on envelope, using default", map[string]any{
			"default": b.opts.DefaultReplyTo,
		})
		replyTo = b.opts.DefaultReplyTo
	}

	sid := b.sessionFor(replyTo, env.SessionCode)
	cid := env.CorrelationID
	if cid == "" {
		cid = uuid.New().String()
	}

	text := env.Text()
	logger.InfoCF("bridge", "Processing turn", map[string]any{
		"session_id":     sid,
		"correlation_id": cid,
		"chars":          len(text),
	})

	response := b.converse(ctx, sid, text)

	reply := &bus.Envelope{
		Role: bus.RoleAssistant,
		Content: bus.NormalizeContent(map[string]any{
			"text":       response,
			"session_id": sid,
			"timestamp":  bus.Now(),
		}),
		SessionCode:   sid,
		AgentName:     b.opts.AgentName,
		ReplyTo:       replyTo,
		EnvelopeType:  bus.TypeMessageReply,
		Timestamp:     bus.Now(),
		Meta:          map[string]any{"x_stream_key": b.opts.Inbox},
		CorrelationID: cid,
		Trace:         append([]string(nil), env.Trace...),
	}
	reply.AddHop(b.opts.AgentName)

	if _, err := b.transport.Append(ctx, replyTo, reply); err != nil {
		return fmt.Errorf("publish reply to %s: %w", replyTo, err)
	}

	logger.InfoCF("bridge", "Reply sent", map[string]any{
		"session_id": sid,
		"reply_to":   replyTo,
		"chars":      len(response),
	})
	return nil
}

func (b *Bridge) converse(ctx context.Context, sid, text string) string {
	if strings.TrimSpace(text) == "" {
		return "Error getting response from Goose: no text content in message"
	}

	conv, err := b.sessions.Session(ctx, sid)
	if err != nil {
		logger.ErrorCF("bridge", "Session unavailable", map[string]any{
			"session_id": sid,
			"error":      err.Error(),
		})
		return fmt.Sprintf("Error starting Goose session: %v", err)
	}

	response, err := conv.Exchange(ctx, text, b.opts.TurnTimeout)
	if err != nil {
		logger.ErrorCF("bridge", "Turn failed", map[string]any{
			"session_id": sid,
			"running":    conv.IsRunning(),
			"error":      err.Error(),
		})
		return fmt.Sprintf("Error getting response from Goose: %v", err)
	}
	return response
}

// sessionFor returns the session bound to replyTo, binding a new one on
// first contact.
func (b *Bridge) sessionFor(replyTo, sessionCode string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sid, ok := b.replyTo[replyTo]; ok {
		return sid
	}

	sid := sessionCode
	if sid == "" || utils.ValidateIdentifier(sid) != nil {
		sid = NewSessionID()
		logger.InfoCF("bridge", "Generated session id", map[string]any{
			"session_id": sid,
			"reply_to":   replyTo,
		})
	}
	b.replyTo[replyTo] = sid
	return sid
}

// SessionFor reports the session bound to a reply address, if any.
func (b *Bridge) SessionFor(replyTo string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sid, ok := b.replyTo[replyTo]
	return sid, ok
}

// NewSessionID returns "sess_" followed by eight hex characters.
func NewSessionID() string {
	return "sess_" + strings.SplitN(uuid.New().String(), "-", 2)[0]
}
