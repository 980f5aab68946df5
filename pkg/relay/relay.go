// Package relay bridges browser WebSocket clients to agents on the bus.
//
// A client connects to /chat/{agent}. Each JSON frame it sends is published
// to the agent's inbox with a per-user response stream as reply_to; every
// envelope arriving on that stream is sent back as a UI directive.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tinyland-inc/aetherbridge/pkg/bus"
	"github.com/tinyland-inc/aetherbridge/pkg/logger"
	"github.com/tinyland-inc/aetherbridge/pkg/utils"
)

const (
	DefaultAddr         = "0.0.0.0:4011"
	DefaultChannel      = "goose_relay"
	DefaultPingInterval = 15 * time.Second
	DefaultIdleTimeout  = 60 * time.Second
	DefaultReadBlock    = 2 * time.Second

	maxFrameSize = 10 << 20
	writeTimeout = 10 * time.Second
)

// Resolver maps an agent name to its inbox. Names it does not know fall
// back to the conventional inbox key.
type Resolver interface {
	Resolve(name string) (string, error)
}

// Option configures a Server.
type Option func(*Server)

func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

func WithChannel(name string) Option {
	return func(s *Server) { s.channel = name }
}

// WithAllowAgents restricts which agents clients may connect to. Empty allows all.
func WithAllowAgents(agents ...string) Option {
	return func(s *Server) { s.allowList = agents }
}

func WithNamespace(ns string) Option {
	return func(s *Server) { s.keys = bus.NewKeys(ns) }
}

func WithPingInterval(d time.Duration) Option {
	return func(s *Server) { s.pingInterval = d }
}

// WithIdleTimeout closes connections that send nothing (not even a pong) for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

func WithReadBlock(d time.Duration) Option {
	return func(s *Server) { s.readBlock = d }
}

// WithRateLimit caps inbound frames per connection.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(s *Server) {
		s.limit = limit
		s.burst = burst
	}
}

type Server struct {
	transport bus.Transport
	resolver  Resolver
	keys      bus.Keys

	addr         string
	channel      string
	allowList    []string
	pingInterval time.Duration
	idleTimeout  time.Duration
	readBlock    time.Duration
	limit        rate.Limit
	burst        int

	running  atomic.Bool
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards conns and stopping; wg.Add only happens under it.
	mu       sync.Mutex
	conns    map[*conn]struct{}
	stopping bool
	wg       sync.WaitGroup
}

// New builds a relay. resolver may be nil.
func New(transport bus.Transport, resolver Resolver, opts ...Option) *Server {
	s := &Server{
		transport:    transport,
		resolver:     resolver,
		keys:         bus.NewKeys(""),
		addr:         DefaultAddr,
		channel:      DefaultChannel,
		pingInterval: DefaultPingInterval,
		idleTimeout:  DefaultIdleTimeout,
		readBlock:    DefaultReadBlock,
		limit:        rate.Limit(10),
		burst:        20,
		conns:        make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Server) Name() string { return s.channel }

func (s *Server) IsRunning() bool { return s.running.Load() }

// IsAllowed reports whether clients may talk to agent.
func (s *Server) IsAllowed(agent string) bool {
	if len(s.allowList) == 0 {
		return true
	}
	for _, allowed := range s.allowList {
		if strings.EqualFold(strings.TrimSpace(allowed), agent) {
			return true
		}
	}
	return false
}

// Handler serves /chat/{agent} and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","channel":%q}`, s.channel)
	})
	mux.HandleFunc("GET /chat/{agent}", s.serveChat)
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("relay listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running.Store(true)

	logger.InfoCF("relay", "Relay listening", map[string]any{
		"addr":    ln.Addr().String(),
		"channel": s.channel,
	})

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("relay", "Relay server stopped", map[string]any{"error": err.Error()})
		}
		s.running.Store(false)
	}()
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every open connection.
func (s *Server) Stop(ctx context.Context) error {
	s.running.Store(false)
	s.cancel()

	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}

	s.mu.Lock()
	for c := range s.conns {
		c.ws.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Server) resolveInbox(agent string) string {
	if s.resolver != nil {
		if inbox, err := s.resolver.Resolve(agent); err == nil {
			return inbox
		}
	}
	return s.keys.AgentInbox(agent)
}

func (s *Server) serveChat(w http.ResponseWriter, r *http.Request) {
	agent := r.PathValue("agent")
	if err := utils.ValidateIdentifier(agent); err != nil {
		http.Error(w, "invalid agent name", http.StatusBadRequest)
		return
	}
	if !s.IsAllowed(agent) {
		http.Error(w, "agent not allowed", http.StatusForbidden)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "user_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	} else if err := utils.ValidateIdentifier(userID); err != nil {
		http.Error(w, "invalid user_id", http.StatusBadRequest)
		return
	}

	if s.isStopping() {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("relay", "WebSocket upgrade failed", map[string]any{"error": err.Error()})
		return
	}

	c := &conn{
		server:  s,
		ws:      ws,
		userID:  userID,
		agent:   agent,
		inbox:   s.resolveInbox(agent),
		replies: s.keys.EdgeResponse(s.channel, userID),
		limiter: rate.NewLimiter(s.limit, s.burst),
	}

	if !s.track(c) {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}
	defer s.untrack(c)

	c.run(s.ctx)
}

func (s *Server) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// track registers c for Stop to wait on. It refuses once Stop has begun.
func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// conn is one browser connection.
type conn struct {
	server  *Server
	ws      *websocket.Conn
	userID  string
	agent   string
	inbox   string
	replies string
	limiter *rate.Limiter

	writeMu sync.Mutex
}

func (c *conn) fields() map[string]any {
	return map[string]any{"user_id": c.userID, "agent": c.agent}
}

func (c *conn) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer c.ws.Close()

	logger.InfoCF("relay", "Client connected", map[string]any{
		"user_id": c.userID,
		"agent":   c.agent,
		"inbox":   c.inbox,
		"replies": c.replies,
	})

	// Replies published before the client connected are not replayed.
	from, err := c.server.transport.TailID(ctx, c.replies)
	if err != nil {
		logger.WarnCF("relay", "Could not read reply stream tail", map[string]any{
			"stream": c.replies,
			"error":  err.Error(),
		})
		from = bus.LatestID
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.forwardReplies(ctx, from)
	}()
	go func() {
		defer wg.Done()
		c.keepAlive(ctx)
	}()

	c.readLoop(ctx)
	cancel()
	wg.Wait()

	logger.InfoCF("relay", "Client disconnected", c.fields())
}

func (c *conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxFrameSize)
	idle := c.server.idleTimeout
	c.ws.SetReadDeadline(time.Now().Add(idle))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.DebugCF("relay", "Read ended", map[string]any{
					"user_id": c.userID,
					"error":   err.Error(),
				})
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(idle))

		if msgType != websocket.TextMessage {
			continue
		}
		if !c.limiter.Allow() {
			c.send(ErrorDirective("Rate limit exceeded"))
			continue
		}
		c.handleFrame(ctx, data)
	}
}

func (c *conn) handleFrame(ctx context.Context, data []byte) {
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		logger.WarnCF("relay", "Invalid JSON from client", c.fields())
		c.send(ErrorDirective("Invalid JSON received"))
		return
	}

	if m, ok := payload.(map[string]any); ok && m["type"] == "ping" {
		c.send(map[string]any{"type": "pong"})
		return
	}

	env := bus.NewEnvelope(bus.RoleUser, payload)
	env.UserID = c.userID
	env.Target = c.inbox
	env.ReplyTo = c.replies
	env.AgentName = "user_via_" + c.server.channel
	env.EnvelopeType = bus.TypeMessage
	env.CorrelationID = uuid.New().String()
	env.AddHop(c.server.channel)

	if _, err := c.server.transport.Append(ctx, c.inbox, env); err != nil {
		logger.ErrorCF("relay", "Forward to agent failed", map[string]any{
			"user_id": c.userID,
			"inbox":   c.inbox,
			"error":   err.Error(),
		})
		c.send(ErrorDirective("Failed to forward message to agent"))
		return
	}

	logger.DebugCF("relay", "Forwarded client message", map[string]any{
		"user_id":        c.userID,
		"inbox":          c.inbox,
		"correlation_id": env.CorrelationID,
	})
}

func (c *conn) forwardReplies(ctx context.Context, from string) {
	lastID := from
	for ctx.Err() == nil {
		env, err := c.server.transport.ReadBlocking(ctx, c.replies, lastID, c.server.readBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var se *bus.SerializationError
			if errors.As(err, &se) && se.EntryID != "" {
				lastID = se.EntryID
				continue
			}
			logger.WarnCF("relay", "Reply stream read failed", map[string]any{
				"stream": c.replies,
				"error":  err.Error(),
			})
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
		if err := c.send(ToDirective(env)); err != nil {
			return
		}
	}
}

func (c *conn) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(c.server.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				logger.DebugCF("relay", "Ping failed", map[string]any{"user_id": c.userID, "error": err.Error()})
				c.ws.Close()
				return
			}
		}
	}
}

// send writes one JSON frame. gorilla connections allow a single writer.
func (c *conn) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(v); err != nil {
		logger.DebugCF("relay", "Write failed", map[string]any{"user_id": c.userID, "error": err.Error()})
		return err
	}
	return nil
}
