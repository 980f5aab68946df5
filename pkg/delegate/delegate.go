// Package delegate sends an envelope to another agent and waits for the
// reply carrying the same correlation id.
package delegate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinyland-inc/aetherbridge/pkg/bus"
	"github.com/tinyland-inc/aetherbridge/pkg/logger"
	"github.com/tinyland-inc/aetherbridge/pkg/wait"
)

const (
	DefaultGroup        = "ag1_meta"
	DefaultAgentName    = "ag1goose"
	DefaultSlice        = 800 * time.Millisecond
	DefaultTimeout      = 30 * time.Second
	DefaultRole         = bus.RoleUser
	DefaultEnvelopeType = bus.TypeMessage
)

// Resolver maps an agent name to its inbox stream.
type Resolver interface {
	Resolve(name string) (string, error)
}

type Options struct {
	// ReplyInbox is where replies are expected unless a Request overrides it.
	ReplyInbox string
	Group      string
	AgentName  string
	Slice      time.Duration
	Timeout    time.Duration
}

// Request is one delegation. Zero fields take the Delegator's defaults.
type Request struct {
	Target       string
	Content      any
	Meta         map[string]any
	Role         string
	EnvelopeType string
	Timeout      time.Duration
	ReplyTo      string
	SessionCode  string
	UserID       string
}

// Delegator publishes requests and pulls correlated replies from a consumer
// group on the reply inbox. Requests sharing a reply inbox run one at a time;
// use distinct reply inboxes for concurrent delegations.
type Delegator struct {
	transport bus.Transport
	resolver  Resolver
	opts      Options
	newID     func() string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(transport bus.Transport, resolver Resolver, opts Options) *Delegator {
	if opts.Group == "" {
		opts.Group = DefaultGroup
	}
	if opts.AgentName == "" {
		opts.AgentName = DefaultAgentName
	}
	if opts.Slice <= 0 {
		opts.Slice = DefaultSlice
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Delegator{
		transport: transport,
		resolver:  resolver,
		opts:      opts,
		newID:     func() string { return uuid.New().String() },
		locks:     make(map[string]*sync.Mutex),
	}
}

// Delegate resolves req.Target through the registry and waits for the reply.
func (d *Delegator) Delegate(ctx context.Context, req Request) (*bus.Envelope, error) {
	inbox, err := d.resolver.Resolve(req.Target)
	if err != nil {
		return nil, err
	}
	return d.DelegateToInbox(ctx, inbox, req)
}

// DelegateToInbox skips resolution and publishes straight to inbox.
func (d *Delegator) DelegateToInbox(ctx context.Context, inbox string, req Request) (*bus.Envelope, error) {
	replyInbox := req.ReplyTo
	if replyInbox == "" {
		replyInbox = d.opts.ReplyInbox
	}
	if replyInbox == "" {
		return nil, errors.New("delegate: no reply inbox configured")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.opts.Timeout
	}

	lock := d.inboxLock(replyInbox)
	lock.Lock()
	defer lock.Unlock()

	cid := d.newID()
	consumer := d.newID()
	group := d.opts.Group

	if err := d.transport.EnsureGroup(ctx, replyInbox, group); err != nil {
		return nil, err
	}

	env := d.buildRequest(inbox, replyInbox, cid, req)
	if _, err := d.transport.Append(ctx, inbox, env); err != nil {
		return nil, err
	}

	logger.InfoCF("delegate", "Request sent", map[string]any{
		"target":         inbox,
		"reply_to":       replyInbox,
		"correlation_id": cid,
		"timeout_ms":     timeout.Milliseconds(),
	})

	// Malformed entries are acked and skipped; one is returned only when nothing
	// well formed arrived before the deadline.
	var (
		malformed *bus.SerializationError
		received  int
	)
	deadline := wait.NewDeadline(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if deadline.Expired() {
			if malformed != nil && received == 0 {
				return nil, malformed
			}
			return nil, &wait.TimeoutError{Op: "delegate", ID: "cid=" + cid, After: timeout}
		}

		reply, err := d.transport.ReadGroupBlocking(ctx, replyInbox, group, consumer, deadline.Slice(d.opts.Slice))
		if err != nil {
			var se *bus.SerializationError
			if errors.As(err, &se) {
				d.transport.Ack(ctx, replyInbox, group, se.EntryID)
				logger.WarnCF("delegate", "Skipped malformed reply", map[string]any{
					"correlation_id": cid,
					"entry_id":       se.EntryID,
					"error":          err.Error(),
				})
				malformed = se
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if reply == nil {
			continue
		}

		received++
		d.transport.Ack(ctx, replyInbox, group, reply.EnvelopeID)
		if reply.CorrelationID == cid {
			logger.InfoCF("delegate", "Reply received", map[string]any{
				"correlation_id": cid,
				"elapsed_ms":     deadline.Elapsed().Milliseconds(),
			})
			return reply, nil
		}

		logger.DebugCF("delegate", "Dropped uncorrelated reply", map[string]any{
			"want":     cid,
			"got":      reply.CorrelationID,
			"entry_id": reply.EnvelopeID,
		})
	}
}

func (d *Delegator) buildRequest(inbox, replyInbox, cid string, req Request) *bus.Envelope {
	role := req.Role
	if role == "" {
		role = DefaultRole
	}
	envType := req.EnvelopeType
	if envType == "" {
		envType = DefaultEnvelopeType
	}
	meta := req.Meta
	if meta == nil {
		meta = map[string]any{}
	}

	return &bus.Envelope{
		Role:          role,
		Content:       bus.NormalizeContent(req.Content),
		AgentName:     d.opts.AgentName,
		SessionCode:   req.SessionCode,
		UserID:        req.UserID,
		Target:        inbox,
		ReplyTo:       replyInbox,
		EnvelopeType:  envType,
		Timestamp:     bus.Now(),
		Meta:          meta,
		CorrelationID: cid,
	}
}

func (d *Delegator) inboxLock(inbox string) *sync.Mutex {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()
	l, ok := d.locks[inbox]
	if !ok {
		l = &sync.Mutex{}
		d.locks[inbox] = l
	}
	return l
}
