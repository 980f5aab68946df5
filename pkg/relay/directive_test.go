package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tinyland-inc/aetherbridge/pkg/bus"
)

func TestToDirective(t *testing.T) {
	tests := []struct {
		name    string
		agent   string
		content any
		want    Directive
	}{
		{
			name:    "text",
			agent:   "GooseAgent",
			content: map[string]any{"text": "hi", "session_id": "sess_1"},
			want: Directive{
				"directive_type": DirectiveAppendToChat,
				"payload":        map[string]any{"source": "GooseAgent", "text": "hi"},
			},
		},
		{
			name:    "plain string without agent",
			content: "hello",
			want: Directive{
				"directive_type": DirectiveAppendToChat,
				"payload":        map[string]any{"source": "Agent", "text": "hello"},
			},
		},
		{
			name:    "thinking",
			content: map[string]any{"type": "thinking"},
			want: Directive{
				"directive_type": DirectiveThinking,
				"message":        "Thinking...",
				"is_transient":   true,
			},
		},
		{
			name:    "thinking with message",
			content: map[string]any{"type": "thinking", "message": "reading files"},
			want: Directive{
				"directive_type": DirectiveThinking,
				"message":        "reading files",
				"is_transient":   true,
			},
		},
		{
			name:    "passthrough",
			content: map[string]any{"directive_type": "SHOW_CARD", "payload": map[string]any{"id": "c1"}},
			want: Directive{
				"directive_type": "SHOW_CARD",
				"payload":        map[string]any{"id": "c1"},
			},
		},
		{
			name:    "non-standard",
			content: map[string]any{"score": "high"},
			want: Directive{
				"directive_type": DirectiveAppendToChat,
				"payload": map[string]any{
					"source": "System",
					"text":   `(Received non-standard response: {"score":"high"})`,
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := bus.NewEnvelope(bus.RoleAssistant, tt.content)
			env.AgentName = tt.agent
			assert.Equal(t, tt.want, ToDirective(env))
		})
	}
}

func TestErrorDirective(t *testing.T) {
	assert.Equal(t, Directive{
		"directive_type": DirectiveError,
		"payload":        map[string]any{"error": "boom"},
	}, ErrorDirective("boom"))
}
