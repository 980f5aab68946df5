// Package bus carries envelopes over Redis Streams.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tinyland-inc/aetherbridge/pkg/logger"
)

const (
	// FieldData is the entry field envelopes are written under.
	FieldData = "data"
	// FieldEnv is preferred on read when a producer wrote it.
	FieldEnv = "env"

	// LatestID positions a blocking read after the current tail.
	LatestID = "$"

	minBlock = time.Millisecond
)

// Transport is the log-store surface the delegator, bridge and tools depend on.
type Transport interface {
	// Append writes env to stream and returns the assigned entry id.
	Append(ctx context.Context, stream string, env *Envelope) (string, error)
	// ReadBlocking returns the first entry after afterID, or nil when block
	// elapses with nothing new.
	ReadBlocking(ctx context.Context, stream, afterID string, block time.Duration) (*Envelope, error)
	// EnsureGroup creates group on stream (and the stream itself) if missing.
	EnsureGroup(ctx context.Context, stream, group string) error
	// ReadGroupBlocking claims at most one never-delivered entry for consumer.
	ReadGroupBlocking(ctx context.Context, stream, group, consumer string, block time.Duration) (*Envelope, error)
	// Ack marks id processed. Failures are logged, not returned.
	Ack(ctx context.Context, stream, group, id string)
	// TailID returns the id of the newest entry, or "0-0" for an empty stream.
	TailID(ctx context.Context, stream string) (string, error)
	Close() error
}

// RedisTransport implements Transport over a go-redis client.
type RedisTransport struct {
	client *redis.Client
	closed atomic.Bool
}

var _ Transport = (*RedisTransport)(nil)

// NewRedisTransport connects using a redis:// or rediss:// URL.
func NewRedisTransport(url string) (*RedisTransport, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.ContextTimeoutEnabled = true
	return NewRedisTransportFromClient(redis.NewClient(opts)), nil
}

func NewRedisTransportFromClient(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

// Ping checks connectivity.
func (t *RedisTransport) Ping(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return &TransportError{Op: "ping", Err: err}
	}
	return nil
}

func (t *RedisTransport) Append(ctx context.Context, stream string, env *Envelope) (string, error) {
	if t.closed.Load() {
		return "", ErrTransportClosed
	}

	payload, err := json.Marshal(env)
	if err != nil {
		// Matches both *TransportError and *SerializationError.
		return "", &TransportError{Op: "append", Stream: stream, Err: &SerializationError{Stream: stream, Err: err}}
	}

	id, err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{FieldData: string(payload)},
	}).Result()
	if err != nil {
		return "", &TransportError{Op: "append", Stream: stream, Err: err}
	}

	logger.DebugCF("bus", "Envelope appended", map[string]any{
		"stream":         stream,
		"id":             id,
		"correlation_id": env.CorrelationID,
	})
	return id, nil
}

func (t *RedisTransport) ReadBlocking(ctx context.Context, stream, afterID string, block time.Duration) (*Envelope, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}

	res, err := t.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, afterID},
		Count:   1,
		Block:   clampBlock(block),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, &TransportError{Op: "read", Stream: stream, Err: err}
	}

	msg, ok := firstMessage(res)
	if !ok {
		return nil, nil
	}
	return decodeMessage(stream, msg)
}

func (t *RedisTransport) EnsureGroup(ctx context.Context, stream, group string) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	err := t.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err == nil || strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil
	}
	return &TransportError{Op: "group create", Stream: stream, Err: err}
}

func (t *RedisTransport) ReadGroupBlocking(ctx context.Context, stream, group, consumer string, block time.Duration) (*Envelope, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}

	res, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    clampBlock(block),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, &TransportError{Op: "read group", Stream: stream, Err: err}
	}

	msg, ok := firstMessage(res)
	if !ok {
		return nil, nil
	}

	env, err := decodeMessage(stream, msg)
	if err != nil {
		return nil, err
	}
	env.ConsumerGroup = group
	env.ConsumerID = consumer

	pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  msg.ID,
		End:    msg.ID,
		Count:  1,
	}).Result()
	if err != nil {
		logger.DebugCF("bus", "Delivery count lookup failed", map[string]any{
			"stream": stream,
			"id":     msg.ID,
			"error":  err.Error(),
		})
	} else if len(pending) > 0 {
		env.DeliveryCount = int(pending[0].RetryCount)
	}
	return env, nil
}

func (t *RedisTransport) Ack(ctx context.Context, stream, group, id string) {
	if t.closed.Load() || id == "" {
		return
	}
	if err := t.client.XAck(ctx, stream, group, id).Err(); err != nil {
		logger.WarnCF("bus", "Ack failed", map[string]any{
			"stream": stream,
			"group":  group,
			"id":     id,
			"error":  err.Error(),
		})
	}
}

func (t *RedisTransport) TailID(ctx context.Context, stream string) (string, error) {
	if t.closed.Load() {
		return "", ErrTransportClosed
	}
	msgs, err := t.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return "", &TransportError{Op: "tail", Stream: stream, Err: err}
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

func (t *RedisTransport) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		return t.client.Close()
	}
	return nil
}

// A zero block means "forever" to Redis; every wait here is bounded.
func clampBlock(d time.Duration) time.Duration {
	if d < minBlock {
		return minBlock
	}
	return d
}

func firstMessage(res []redis.XStream) (redis.XMessage, bool) {
	for _, s := range res {
		if len(s.Messages) > 0 {
			return s.Messages[0], true
		}
	}
	return redis.XMessage{}, false
}

func decodeMessage(stream string, msg redis.XMessage) (*Envelope, error) {
	raw, ok := msg.Values[FieldEnv]
	if !ok {
		raw, ok = msg.Values[FieldData]
	}
	if !ok {
		return nil, &SerializationError{
			Stream:  stream,
			EntryID: msg.ID,
			Err:     fmt.Errorf("entry has neither %q nor %q field", FieldEnv, FieldData),
		}
	}

	var payload []byte
	switch v := raw.(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		return nil, &SerializationError{Stream: stream, EntryID: msg.ID, Err: fmt.Errorf("unexpected field type %T", raw)}
	}

	env, err := DecodeEnvelope(payload)
	if err != nil {
		return nil, &SerializationError{Stream: stream, EntryID: msg.ID, Err: err}
	}
	env.EnvelopeID = msg.ID
	return env, nil
}
