package config

const (
	DefaultRedisURL       = "redis://localhost:6379/0"
	DefaultNamespace      = "AG1"
	DefaultGooseInbox     = "AG1:agent:GooseAgent:inbox"
	DefaultDefaultReplyTo = "AG1:agent:TestClient:inbox"
	DefaultDelegateGroup  = "ag1_meta"
	DefaultRegistryPath   = "config/orchestrator_registry.json"
)

func DefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			RedisURL:  DefaultRedisURL,
			Namespace: DefaultNamespace,
		},
		Bridge: BridgeConfig{
			Inbox:          DefaultGooseInbox,
			AgentName:      "GooseAgent",
			Executable:     "goose",
			Builtins:       FlexibleStringSlice{"developer"},
			SessionDir:     "~/.local/share/goose/sessions",
			TurnTimeoutMS:  120000,
			StartTimeoutMS: 10000,
			ReadyTimeoutMS: 2000,
			ReadBlockMS:    2000,
			DefaultReplyTo: DefaultDefaultReplyTo,
		},
		Delegate: DelegateConfig{
			ReplyInbox: DefaultGooseInbox,
			Group:      DefaultDelegateGroup,
			AgentName:  "ag1goose",
			SliceMS:    800,
			TimeoutMS:  30000,
		},
		Registry: RegistryConfig{
			Path: DefaultRegistryPath,
		},
		Relay: RelayConfig{
			Host:      "0.0.0.0",
			Port:      4011,
			Channel:   "goose_relay",
			TimeoutMS: 60000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
