package relay

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/aetherbridge/pkg/bus"
	"github.com/tinyland-inc/aetherbridge/pkg/config"
	"github.com/tinyland-inc/aetherbridge/pkg/relay"
)

func TestNewRelayCommand(t *testing.T) {
	cmd := NewRelayCommand()

	require.NotNil(t, cmd)

	assert.Equal(t, "relay", cmd.Use)
	assert.True(t, cmd.HasExample())
	assert.NotNil(t, cmd.RunE)
	assert.NotNil(t, cmd.Flags().Lookup("addr"))
	assert.NotNil(t, cmd.Flags().Lookup("channel"))
	assert.NotNil(t, cmd.Flags().Lookup("debug"))
}

func TestRelayOptions(t *testing.T) {
	m := miniredis.RunT(t)
	tr, err := bus.NewRedisTransport("redis://" + m.Addr())
	require.NoError(t, err)
	defer tr.Close()

	cfg := config.DefaultConfig()
	cfg.Relay.AllowAgents = config.FlexibleStringSlice{"GooseAgent"}

	srv := relay.New(tr, nil, relayOptions(cfg, options{channel: "web"})...)
	assert.Equal(t, "web", srv.Name())
	assert.Equal(t, "0.0.0.0:4011", srv.Addr())
	assert.True(t, srv.IsAllowed("GooseAgent"))
	assert.False(t, srv.IsAllowed("Other"))

	srv = relay.New(tr, nil, relayOptions(cfg, options{addr: "127.0.0.1:0"})...)
	assert.Equal(t, cfg.Relay.Channel, srv.Name())
	require.NoError(t, srv.Start(context.Background()))
	assert.NotEqual(t, "127.0.0.1:0", srv.Addr())
	require.NoError(t, srv.Stop(context.Background()))
}
