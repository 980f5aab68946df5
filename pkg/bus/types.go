package bus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

const (
	TypeMessage      = "message"
	TypeMessageReply = "message_reply"
)

// Envelope is the unit of exchange on every stream.
//
// EnvelopeID is owned by the transport and overwritten on read.
// ConsumerGroup, ConsumerID and DeliveryCount are only set on group reads.
type Envelope struct {
	Role          string            `json:"role"`
	Content       Content           `json:"content"`
	SessionCode   string            `json:"session_code,omitempty"`
	AgentName     string            `json:"agent_name,omitempty"`
	Usage         map[string]any    `json:"usage,omitempty"`
	BillingHint   string            `json:"billing_hint,omitempty"`
	Trace         []string          `json:"trace,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	TaskID        string            `json:"task_id,omitempty"`
	Target        string            `json:"target,omitempty"`
	ReplyTo       string            `json:"reply_to,omitempty"`
	EnvelopeType  string            `json:"envelope_type,omitempty"`
	ToolsUsed     []string          `json:"tools_used,omitempty"`
	AuthSignature string            `json:"auth_signature,omitempty"`
	Timestamp     string            `json:"timestamp,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Meta          map[string]any    `json:"meta,omitempty"`
	EnvelopeID    string            `json:"envelope_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ConsumerGroup string            `json:"consumer_group,omitempty"`
	ConsumerID    string            `json:"consumer_id,omitempty"`
	DeliveryCount int               `json:"delivery_count,omitempty"`
}

// NewEnvelope builds an envelope with normalized content and a current timestamp.
func NewEnvelope(role string, content any) *Envelope {
	return &Envelope{
		Role:      role,
		Content:   NormalizeContent(content),
		Timestamp: Now(),
	}
}

// Now is the timestamp format used on the wire.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Text is shorthand for the normalized content text.
func (e *Envelope) Text() string {
	return e.Content.Text
}

// AddHop records that who handled the envelope, as "who:<unix seconds>".
func (e *Envelope) AddHop(who string) {
	e.Trace = append(e.Trace, fmt.Sprintf("%s:%d", who, time.Now().Unix()))
}

// MetaString returns meta[key] when it is a string.
func (e *Envelope) MetaString(key string) string {
	if e.Meta == nil {
		return ""
	}
	s, _ := e.Meta[key].(string)
	return s
}

// DecodeEnvelope parses a wire payload. Numbers inside meta, usage and
// structured content are kept as json.Number so they survive a round trip.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// ContentKind tags which side of the Content union is populated.
type ContentKind int

const (
	ContentText ContentKind = iota
	ContentStructured
)

// Content is normalized envelope content. Whatever the sender supplied, it
// always presents as a mapping carrying a string "text" key.
type Content struct {
	Kind   ContentKind
	Text   string
	Fields map[string]any
}

// TextContent wraps plain text.
func TextContent(text string) Content {
	return Content{Kind: ContentText, Text: text}
}

// NormalizeContent converts an arbitrary value into Content:
// objects are kept (a missing "text" becomes ""), strings become the text,
// null becomes "", scalars become their JSON literal and anything else is
// serialized to compact JSON.
func NormalizeContent(v any) Content {
	switch val := v.(type) {
	case nil:
		return TextContent("")
	case Content:
		return val
	case *Content:
		if val == nil {
			return TextContent("")
		}
		return *val
	case string:
		return TextContent(val)
	case json.RawMessage:
		var c Content
		if err := c.UnmarshalJSON(val); err != nil {
			return TextContent(string(val))
		}
		return c
	case map[string]any:
		return structured(val)
	case bool, json.Number, float32, float64, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TextContent(literal(val))
	}

	data, err := json.Marshal(v)
	if err != nil {
		return TextContent(fmt.Sprint(v))
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&generic); err == nil {
		if m, ok := generic.(map[string]any); ok {
			return structured(m)
		}
	}
	return TextContent(string(data))
}

func structured(fields map[string]any) Content {
	out := make(map[string]any, len(fields)+1)
	maps.Copy(out, fields)

	var text string
	switch t := out["text"].(type) {
	case nil:
	case string:
		text = t
	default:
		text = literal(t)
	}
	out["text"] = text
	return Content{Kind: ContentStructured, Text: text, Fields: out}
}

func literal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// Get returns a field of structured content; "text" is always present.
func (c Content) Get(key string) (any, bool) {
	if key == "text" {
		return c.Text, true
	}
	v, ok := c.Fields[key]
	return v, ok
}

// Map returns the mapping form of the content.
func (c Content) Map() map[string]any {
	if c.Kind == ContentText || c.Fields == nil {
		return map[string]any{"text": c.Text}
	}
	out := maps.Clone(c.Fields)
	out["text"] = c.Text
	return out
}

func (c Content) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Map())
}

func (c *Content) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*c = NormalizeContent(raw)
	return nil
}
