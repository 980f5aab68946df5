package relay

import (
	"encoding/json"
	"maps"

	"github.com/tinyland-inc/aetherbridge/pkg/bus"
)

// Directive types understood by relay frontends.
const (
	DirectiveAppendToChat = "APPEND_TO_CHAT"
	DirectiveThinking     = "THINKING"
	DirectiveError        = "ERROR"
)

// Directive is a UI instruction sent to the browser as one JSON frame.
type Directive map[string]any

// ToDirective turns an agent reply into a directive:
// thinking notices become THINKING, content that already carries a
// directive_type passes through, text becomes APPEND_TO_CHAT and anything
// else is shown as a non-standard response.
func ToDirective(env *bus.Envelope) Directive {
	fields := contentFields(env.Content)

	if t, _ := fields["type"].(string); t == "thinking" {
		msg, _ := fields["message"].(string)
		if msg == "" {
			msg = "Thinking..."
		}
		return Directive{
			"directive_type": DirectiveThinking,
			"message":        msg,
			"is_transient":   true,
		}
	}

	if _, ok := fields["directive_type"]; ok {
		return Directive(fields)
	}

	if env.Content.Text != "" || env.Content.Kind == bus.ContentText {
		source := env.AgentName
		if source == "" {
			source = "Agent"
		}
		return Directive{
			"directive_type": DirectiveAppendToChat,
			"payload": map[string]any{
				"source": source,
				"text":   env.Content.Text,
			},
		}
	}

	raw, _ := json.Marshal(fields)
	return Directive{
		"directive_type": DirectiveAppendToChat,
		"payload": map[string]any{
			"source": "System",
			"text":   "(Received non-standard response: " + string(raw) + ")",
		},
	}
}

// ErrorDirective reports a relay-side problem to the browser.
func ErrorDirective(msg string) Directive {
	return Directive{
		"directive_type": DirectiveError,
		"payload":        map[string]any{"error": msg},
	}
}

// contentFields returns the sender's fields without the empty "text" that
// normalization adds to structured content.
func contentFields(c bus.Content) map[string]any {
	if c.Kind != bus.ContentStructured {
		return map[string]any{"text": c.Text}
	}
	out := maps.Clone(c.Fields)
	if c.Text == "" {
		delete(out, "text")
	}
	return out
}
