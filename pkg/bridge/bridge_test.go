package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/aetherbridge/pkg/bus"
	"github.com/tinyland-inc/aetherbridge/pkg/session"
	"github.com/tinyland-inc/aetherbridge/pkg/tail"
)

const inbox = "AG1:agent:GooseAgent:inbox"

type fakeConversation struct {
	mu    sync.Mutex
	turns []string
	err   error
}

func (c *fakeConversation) Exchange(_ context.Context, text string, _ time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	c.turns = append(c.turns, text)
	return fmt.Sprintf("echo %d: %s", len(c.turns), text), nil
}

func (c *fakeConversation) IsRunning() bool { return true }

type fakeSource struct {
	mu       sync.Mutex
	sessions map[string]*fakeConversation
	startErr error
	turnErr  error
}

func newFakeSource() *fakeSource {
	return &fakeSource{sessions: make(map[string]*fakeConversation)}
}

func (f *fakeSource) Session(_ context.Context, id string) (Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	c, ok := f.sessions[id]
	if !ok {
		c = &fakeConversation{err: f.turnErr}
		f.sessions[id] = c
	}
	return c, nil
}

func (f *fakeSource) started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.sessions))
	for id := range f.sessions {
		ids = append(ids, id)
	}
	return ids
}

func newTransport(t *testing.T) (*bus.RedisTransport, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	tr, err := bus.NewRedisTransport("redis://" + m.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr, m
}

func userEnvelope(text, replyTo, cid string) *bus.Envelope {
	env := bus.NewEnvelope(bus.RoleUser, text)
	env.ReplyTo = replyTo
	env.CorrelationID = cid
	return env
}

func readReply(t *testing.T, tr bus.Transport, stream, after string) *bus.Envelope {
	t.Helper()
	got, err := tr.ReadBlocking(context.Background(), stream, after, 3*time.Second)
	require.NoError(t, err)
	require.NotNil(t, got, "no reply on %s", stream)
	return got
}

func TestHandleEnvelopePublishesReply(t *testing.T) {
	tr, _ := newTransport(t)
	src := newFakeSource()
	b := New(tr, src, Options{Inbox: inbox})

	env := userEnvelope("hello", "AG1:agent:Client:inbox", "cid-1")
	env.Trace = []string{"client:1"}
	require.NoError(t, b.HandleEnvelope(context.Background(), env))

	reply := readReply(t, tr, "AG1:agent:Client:inbox", "0")
	assert.Equal(t, bus.RoleAssistant, reply.Role)
	assert.Equal(t, "echo 1: hello", reply.Text())
	assert.Equal(t, "cid-1", reply.CorrelationID)
	assert.Equal(t, "AG1:agent:Client:inbox", reply.ReplyTo)
	assert.Equal(t, bus.TypeMessageReply, reply.EnvelopeType)
	assert.Equal(t, DefaultAgentName, reply.AgentName)
	assert.Equal(t, inbox, reply.MetaString("x_stream_key"))
	require.Len(t, reply.Trace, 2)
	assert.Equal(t, "client:1", reply.Trace[0])
	assert.True(t, strings.HasPrefix(reply.Trace[1], DefaultAgentName+":"))

	sid, ok := b.SessionFor("AG1:agent:Client:inbox")
	require.True(t, ok)
	assert.Equal(t, sid, reply.SessionCode)
	got, _ := reply.Content.Get("session_id")
	assert.Equal(t, sid, got)
	_, hasTS := reply.Content.Get("timestamp")
	assert.True(t, hasTS)
	assert.Regexp(t, `^sess_[0-9a-f]{8}$`, sid)
}

func TestHandleEnvelopeSkipsNonUser(t *testing.T) {
	tr, _ := newTransport(t)
	src := newFakeSource()
	b := New(tr, src, Options{Inbox: inbox})

	env := bus.NewEnvelope(bus.RoleAssistant, "not a question")
	env.ReplyTo = "AG1:agent:Client:inbox"
	require.NoError(t, b.HandleEnvelope(context.Background(), env))

	assert.Empty(t, src.started())
	last, err := tr.TailID(context.Background(), "AG1:agent:Client:inbox")
	require.NoError(t, err)
	assert.Equal(t, "0-0", last)
}

func TestSessionReusedPerReplyAddress(t *testing.T) {
	tr, _ := newTransport(t)
	src := newFakeSource()
	b := New(tr, src, Options{Inbox: inbox})
	ctx := context.Background()

	require.NoError(t, b.HandleEnvelope(ctx, userEnvelope("one", "A", "c1")))
	require.NoError(t, b.HandleEnvelope(ctx, userEnvelope("two", "A", "c2")))
	require.NoError(t, b.HandleEnvelope(ctx, userEnvelope("three", "B", "c3")))

	sidA, _ := b.SessionFor("A")
	sidB, _ := b.SessionFor("B")
	assert.NotEqual(t, sidA, sidB)
	assert.ElementsMatch(t, []string{sidA, sidB}, src.started())
	assert.Equal(t, []string{"one", "two"}, src.sessions[sidA].turns)

	first := readReply(t, tr, "A", "0")
	second := readReply(t, tr, "A", first.EnvelopeID)
	assert.Equal(t, "echo 2: two", second.Text())
	assert.Equal(t, "c2", second.CorrelationID)
}

func TestSessionCodeUsedWhenSafe(t *testing.T) {
	tr, _ := newTransport(t)
	b := New(tr, newFakeSource(), Options{Inbox: inbox})
	ctx := context.Background()

	env := userEnvelope("hi", "A", "c1")
	env.SessionCode = "sess_chosen"
	require.NoError(t, b.HandleEnvelope(ctx, env))
	sid, _ := b.SessionFor("A")
	assert.Equal(t, "sess_chosen", sid)

	env = userEnvelope("hi", "B", "c2")
	env.SessionCode = "../../etc/passwd"
	require.NoError(t, b.HandleEnvelope(ctx, env))
	sid, _ = b.SessionFor("B")
	assert.Regexp(t, `^sess_[0-9a-f]{8}$`, sid)
}

func TestMissingReplyToAndCorrelation(t *testing.T) {
	tr, _ := newTransport(t)
	b := New(tr, newFakeSource(), Options{Inbox: inbox, DefaultReplyTo: "AG1:agent:Fallback:inbox"})

	env := bus.NewEnvelope(bus.RoleUser, "hi")
	require.NoError(t, b.HandleEnvelope(context.Background(), env))

	reply := readReply(t, tr, "AG1:agent:Fallback:inbox", "0")
	assert.NotEmpty(t, reply.CorrelationID)
	assert.Equal(t, "AG1:agent:Fallback:inbox", reply.ReplyTo)
}

func TestTurnFailureBecomesReplyText(t *testing.T) {
	tr, _ := newTransport(t)
	src := newFakeSource()
	src.turnErr = errors.New("tail: no result within 100 ms (sess_x)")
	b := New(tr, src, Options{Inbox: inbox})

	require.NoError(t, b.HandleEnvelope(context.Background(), userEnvelope("hi", "A", "c1")))
	reply := readReply(t, tr, "A", "0")
	assert.Equal(t, "Error getting response from Goose: tail: no result within 100 ms (sess_x)", reply.Text())
	assert.Equal(t, "c1", reply.CorrelationID)
}

func TestSpawnFailureBecomesReplyText(t *testing.T) {
	tr, _ := newTransport(t)
	src := newFakeSource()
	src.startErr = &session.SpawnError{SessionID: "sess_x", Reason: "executable not found"}
	b := New(tr, src, Options{Inbox: inbox})

	require.NoError(t, b.HandleEnvelope(context.Background(), userEnvelope("hi", "A", "c1")))
	reply := readReply(t, tr, "A", "0")
	assert.Contains(t, reply.Text(), "executable not found")
}

func TestEmptyTextGetsErrorReply(t *testing.T) {
	tr, _ := newTransport(t)
	src := newFakeSource()
	b := New(tr, src, Options{Inbox: inbox})

	require.NoError(t, b.HandleEnvelope(context.Background(), userEnvelope("   ", "A", "c1")))
	reply := readReply(t, tr, "A", "0")
	assert.Contains(t, reply.Text(), "no text content")
	assert.Empty(t, src.started())
}

func TestRunSkipsMalformedAndStopsOnCancel(t *testing.T) {
	tr, m := newTransport(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer client.Close()
	_, err := client.XAdd(ctx, &redis.XAddArgs{Stream: inbox, Values: map[string]any{"data": "garbage"}}).Result()
	require.NoError(t, err)
	_, err = tr.Append(ctx, inbox, userEnvelope("after garbage", "A", "c1"))
	require.NoError(t, err)

	b := New(tr, newFakeSource(), Options{Inbox: inbox, StartID: "0", ReadBlock: 20 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	reply := readReply(t, tr, "A", "0")
	assert.Equal(t, "echo 1: after garbage", reply.Text())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// gapTransport hands out one empty read and appends an entry while that read
// is in flight, the way a request lands between two blocking reads.
type gapTransport struct {
	bus.Transport

	mu      sync.Mutex
	afterID []string
	inject  func()
}

func (g *gapTransport) ReadBlocking(ctx context.Context, stream, afterID string, block time.Duration) (*bus.Envelope, error) {
	g.mu.Lock()
	g.afterID = append(g.afterID, afterID)
	first := len(g.afterID) == 1
	g.mu.Unlock()

	if first {
		g.inject()
		return nil, nil
	}
	return g.Transport.ReadBlocking(ctx, stream, afterID, block)
}

func (g *gapTransport) reads() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.afterID...)
}

func TestRunDoesNotLoseEntriesBetweenReads(t *testing.T) {
	tr, _ := newTransport(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := tr.Append(ctx, inbox, userEnvelope("before start", "A", "c0"))
	require.NoError(t, err)

	gap := &gapTransport{Transport: tr}
	gap.inject = func() {
		if _, err := tr.Append(context.Background(), inbox, userEnvelope("arrived between reads", "A", "c1")); err != nil {
			t.Errorf("append: %v", err)
		}
	}

	b := New(gap, newFakeSource(), Options{Inbox: inbox, ReadBlock: 20 * time.Millisecond})
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	reply := readReply(t, tr, "A", "0")
	assert.Equal(t, "echo 1: arrived between reads", reply.Text())
	assert.Equal(t, "c1", reply.CorrelationID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.NotContains(t, gap.reads(), bus.LatestID)
}

func TestNewSessionID(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	assert.Regexp(t, `^sess_[0-9a-f]{8}$`, a)
	assert.NotEqual(t, a, b)
}

// gooseScript answers each stdin line with "pong N" in its session log.
const gooseScript = `#!/bin/sh
name=$(printf '%s' "$3" | tr 'A-Z' 'a-z')
log="__DIR__/$name.jsonl"
: >> "$log"
n=0
while IFS= read -r line; do
  n=$((n+1))
  printf '{"role":"assistant","content":[{"type":"text","text":"pong %s"}]}\n' "$n" >> "$log"
done
`

func TestBridgeWithRealSessions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell script as the goose binary")
	}
	dir := t.TempDir()
	exe := filepath.Join(dir, "goose")
	require.NoError(t, os.WriteFile(exe, []byte(strings.ReplaceAll(gooseScript, "__DIR__", dir)), 0o755))

	mgr := session.NewManager(session.Options{
		Executable:   exe,
		SessionDir:   dir,
		StartTimeout: 3 * time.Second,
		TailOptions:  []tail.Option{tail.WithPollInterval(5 * time.Millisecond)},
	})
	t.Cleanup(func() { mgr.Close() })

	tr, _ := newTransport(t)
	b := New(tr, ManagerSource{Manager: mgr}, Options{Inbox: inbox, TurnTimeout: 3 * time.Second})
	ctx := context.Background()

	env := userEnvelope("ping", "A", "c1")
	env.SessionCode = "sess_real"
	require.NoError(t, b.HandleEnvelope(ctx, env))
	require.NoError(t, b.HandleEnvelope(ctx, userEnvelope("ping", "A", "c2")))

	first := readReply(t, tr, "A", "0")
	second := readReply(t, tr, "A", first.EnvelopeID)
	assert.Equal(t, "pong 1", first.Text())
	assert.Equal(t, "pong 2", second.Text())
	assert.Equal(t, "sess_real", second.SessionCode)
	assert.Equal(t, []string{"sess_real"}, mgr.IDs())
}
