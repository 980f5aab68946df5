package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/aetherbridge/pkg/config"
)

func TestNewBridgeCommand(t *testing.T) {
	cmd := NewBridgeCommand()

	require.NotNil(t, cmd)

	assert.Equal(t, "bridge", cmd.Use)
	assert.Equal(t, []string{"b"}, cmd.Aliases)
	assert.True(t, cmd.HasExample())
	assert.False(t, cmd.HasSubCommands())

	assert.Nil(t, cmd.Run)
	assert.NotNil(t, cmd.RunE)

	assert.NotNil(t, cmd.Flags().Lookup("debug"))
}

func TestSessionOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Bus.RedisURL = "redis://bus:6379/1"
	cfg.Bridge.Builtins = config.FlexibleStringSlice{"developer", "memory"}

	opts := sessionOptions(cfg)
	assert.Equal(t, "goose", opts.Executable)
	assert.Equal(t, []string{"developer", "memory"}, opts.Builtins)
	assert.Equal(t, "redis://bus:6379/1", opts.Env["REDIS_URL"])
	assert.Equal(t, cfg.Bridge.Inbox, opts.Env["AG1_GOOSE_INBOX"])
	assert.Equal(t, cfg.Bridge.Inbox, opts.ReplyInbox)
	assert.Equal(t, "ag1goose", opts.AgentName)
	assert.Equal(t, cfg.Bridge.StartTimeout(), opts.StartTimeout)
	assert.Equal(t, cfg.Bridge.ReadyTimeout(), opts.ReadyTimeout)
	assert.NotZero(t, opts.ReadyTimeout)
	assert.NotContains(t, opts.SessionDir, "~")
}
