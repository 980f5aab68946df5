package delegate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/aetherbridge/pkg/bus"
	"github.com/tinyland-inc/aetherbridge/pkg/registry"
	"github.com/tinyland-inc/aetherbridge/pkg/wait"
)

const (
	targetInbox = "AG1:agent:Echo:inbox"
	replyInbox  = "AG1:agent:GooseAgent:inbox"
)

func setup(t *testing.T) (*bus.RedisTransport, *miniredis.Miniredis, *Delegator) {
	t.Helper()
	m := miniredis.RunT(t)
	tr, err := bus.NewRedisTransport("redis://" + m.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	reg := registry.New(registry.Agent{Name: "Echo", Inbox: targetInbox})
	d := New(tr, reg, Options{
		ReplyInbox: replyInbox,
		Slice:      50 * time.Millisecond,
		Timeout:    3 * time.Second,
	})
	return tr, m, d
}

// respond reads the next request from the target inbox after afterID and
// answers it with the correlated reply plus an unrelated one. matchFirst
// picks which of the two lands first.
func respond(t *testing.T, tr bus.Transport, afterID string, matchFirst bool, requests chan<- *bus.Envelope) {
	ctx := context.Background()
	req, err := tr.ReadBlocking(ctx, targetInbox, afterID, 2*time.Second)
	if err != nil || req == nil {
		t.Errorf("responder got no request: %v", err)
		close(requests)
		return
	}
	requests <- req

	noise := bus.NewEnvelope(bus.RoleAssistant, "not for you")
	noise.CorrelationID = "someone-else"
	reply := bus.NewEnvelope(bus.RoleAssistant, map[string]any{"text": "pong"})
	reply.CorrelationID = req.CorrelationID

	order := []*bus.Envelope{noise, reply}
	if matchFirst {
		order = []*bus.Envelope{reply, noise}
	}
	for _, env := range order {
		if _, err := tr.Append(ctx, req.ReplyTo, env); err != nil {
			t.Errorf("append %s: %v", env.CorrelationID, err)
		}
	}
}

func TestDelegateReturnsCorrelatedReply(t *testing.T) {
	tr, m, d := setup(t)

	requests := make(chan *bus.Envelope, 1)
	go respond(t, tr, "0", false, requests)

	got, err := d.Delegate(context.Background(), Request{
		Target:  "Echo",
		Content: "ping",
		Meta:    map[string]any{"trace": "t-1"},
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "pong", got.Text())

	req := <-requests
	require.NotNil(t, req)
	assert.Equal(t, req.CorrelationID, got.CorrelationID)
	assert.Equal(t, targetInbox, req.Target)
	assert.Equal(t, replyInbox, req.ReplyTo)
	assert.Equal(t, "ping", req.Text())
	assert.Equal(t, "t-1", req.MetaString("trace"))
	assert.Equal(t, DefaultAgentName, req.AgentName)
	assert.NotEmpty(t, req.Timestamp)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer client.Close()
	pending, err := client.XPending(context.Background(), replyInbox, DefaultGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count, "uncorrelated reply should be acked too")
}

func TestDelegateDefaultsRoleAndType(t *testing.T) {
	tr, _, d := setup(t)

	requests := make(chan *bus.Envelope, 1)
	go respond(t, tr, "0", false, requests)

	_, err := d.Delegate(context.Background(), Request{Target: "Echo", Content: "x"})
	require.NoError(t, err)

	req := <-requests
	require.NotNil(t, req)
	assert.Equal(t, bus.RoleUser, req.Role)
	assert.Equal(t, bus.TypeMessage, req.EnvelopeType)
}

func TestDelegateTimeout(t *testing.T) {
	_, _, d := setup(t)

	start := time.Now()
	_, err := d.Delegate(context.Background(), Request{
		Target:  "Echo",
		Content: "anyone?",
		Timeout: 100 * time.Millisecond,
	})
	elapsed := time.Since(start)

	var te *wait.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "delegate", te.Op)
	assert.Contains(t, te.ID, "cid=")
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 900*time.Millisecond)
}

func TestDelegateUnknownAgent(t *testing.T) {
	_, _, d := setup(t)

	_, err := d.Delegate(context.Background(), Request{Target: "Nobody", Content: "x"})
	var ue *registry.UnknownAgentError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "Nobody", ue.Name)
}

func TestDelegateCorrelatedReplyFirst(t *testing.T) {
	tr, m, d := setup(t)
	ctx := context.Background()

	requests := make(chan *bus.Envelope, 1)
	go respond(t, tr, "0", true, requests)

	got, err := d.Delegate(ctx, Request{Target: "Echo", Content: "first"})
	require.NoError(t, err)
	first := <-requests
	require.NotNil(t, first)
	assert.Equal(t, first.CorrelationID, got.CorrelationID)

	// the unrelated reply is still queued for the group; the next call drains it
	go respond(t, tr, first.EnvelopeID, true, requests)
	got, err = d.Delegate(ctx, Request{Target: "Echo", Content: "second"})
	require.NoError(t, err)
	second := <-requests
	require.NotNil(t, second)
	assert.Equal(t, second.CorrelationID, got.CorrelationID)
	assert.Equal(t, "pong", got.Text())

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer client.Close()
	pending, err := client.XPending(ctx, replyInbox, DefaultGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)

	// only the second call's unrelated reply is left undelivered
	leftover, err := tr.ReadGroupBlocking(ctx, replyInbox, DefaultGroup, "inspector", 20*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, leftover)
	assert.Equal(t, "someone-else", leftover.CorrelationID)
	tr.Ack(ctx, replyInbox, DefaultGroup, leftover.EnvelopeID)

	leftover, err = tr.ReadGroupBlocking(ctx, replyInbox, DefaultGroup, "inspector", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, leftover)
}

func TestDelegateMalformedReplySurfaces(t *testing.T) {
	_, m, d := setup(t)
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer client.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		client.XAdd(ctx, &redis.XAddArgs{Stream: replyInbox, Values: map[string]any{"data": "{broken"}})
	}()

	_, err := d.Delegate(ctx, Request{Target: "Echo", Content: "x", Timeout: 300 * time.Millisecond})
	var se *bus.SerializationError
	require.ErrorAs(t, err, &se)
	assert.False(t, wait.IsTimeout(err))

	pending, err := client.XPending(ctx, replyInbox, DefaultGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestDelegateSkipsMalformedBeforeReply(t *testing.T) {
	tr, m, d := setup(t)
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer client.Close()

	go func() {
		req, err := tr.ReadBlocking(ctx, targetInbox, "0", 2*time.Second)
		if err != nil || req == nil {
			t.Errorf("responder got no request: %v", err)
			return
		}
		client.XAdd(ctx, &redis.XAddArgs{Stream: replyInbox, Values: map[string]any{"data": "{broken"}})
		reply := bus.NewEnvelope(bus.RoleAssistant, "made it")
		reply.CorrelationID = req.CorrelationID
		if _, err := tr.Append(ctx, replyInbox, reply); err != nil {
			t.Errorf("append reply: %v", err)
		}
	}()

	got, err := d.Delegate(ctx, Request{Target: "Echo", Content: "x", Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "made it", got.Text())

	pending, err := client.XPending(ctx, replyInbox, DefaultGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestDelegateContextCancelled(t *testing.T) {
	_, _, d := setup(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := d.Delegate(ctx, Request{Target: "Echo", Content: "x", Timeout: 5 * time.Second})
	require.Error(t, err)
	assert.False(t, wait.IsTimeout(err))
}

func TestDelegateNeedsReplyInbox(t *testing.T) {
	_, _, d := setup(t)
	d.opts.ReplyInbox = ""

	_, err := d.DelegateToInbox(context.Background(), targetInbox, Request{Content: "x"})
	assert.Error(t, err)
}
