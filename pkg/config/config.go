package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tidwall/jsonc"
)

// FlexibleStringSlice is a []string that also accepts a single
// comma-separated string, so "builtins": "developer,memory" works.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	result := make([]string, 0)
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	*f = result
	return nil
}

type Config struct {
	Bus      BusConfig      `json:"bus"`
	Bridge   BridgeConfig   `json:"bridge"`
	Delegate DelegateConfig `json:"delegate"`
	Registry RegistryConfig `json:"registry"`
	Relay    RelayConfig    `json:"relay"`
	Log      LogConfig      `json:"log"`
}

type BusConfig struct {
	RedisURL  string `env:"REDIS_URL"     json:"redis_url"`
	Namespace string `env:"AG1_NAMESPACE" json:"namespace"`
}

// BridgeConfig drives the goose bridge: which inbox it consumes and how it
// launches and waits on session processes.
type BridgeConfig struct {
	Inbox          string              `env:"AG1_GOOSE_INBOX"          json:"inbox"`
	AgentName      string              `env:"AG1_BRIDGE_AGENT_NAME"    json:"agent_name"`
	Executable     string              `env:"GOOSE_BIN"                json:"executable"`
	Builtins       FlexibleStringSlice `env:"GOOSE_BUILTINS"           json:"builtins"`
	SessionDir     string              `env:"GOOSE_SESSION_DIR"        json:"session_dir"`
	TurnTimeoutMS  int                 `env:"GOOSE_TURN_TIMEOUT_MS"    json:"turn_timeout_ms"`
	StartTimeoutMS int                 `env:"GOOSE_START_TIMEOUT_MS"   json:"start_timeout_ms"`
	ReadyTimeoutMS int                 `env:"GOOSE_READY_TIMEOUT_MS"   json:"ready_timeout_ms"`
	ReadBlockMS    int                 `env:"AG1_BRIDGE_READ_BLOCK_MS" json:"read_block_ms"`
	DefaultReplyTo string              `env:"AG1_DEFAULT_REPLY_TO"     json:"default_reply_to"`
}

type DelegateConfig struct {
	ReplyInbox string `env:"AG1_REPLY_INBOX"         json:"reply_inbox"`
	Group      string `env:"AG1_DELEGATE_GROUP"      json:"group"`
	AgentName  string `env:"AG1_AGENT_NAME"          json:"agent_name"`
	SliceMS    int    `env:"AG1_DELEGATE_SLICE_MS"   json:"slice_ms"`
	TimeoutMS  int    `env:"AG1_DELEGATE_TIMEOUT_MS" json:"timeout_ms"`
}

type RegistryConfig struct {
	Path string `env:"AG1_REGISTRY_PATH" json:"path"`
}

type RelayConfig struct {
	Host        string              `env:"RELAY_HOST"         json:"host"`
	Port        int                 `env:"WEBSOCKET_PORT"     json:"port"`
	Channel     string              `env:"RELAY_CHANNEL_NAME" json:"channel"`
	AllowAgents FlexibleStringSlice `env:"RELAY_ALLOW_AGENTS" json:"allow_agents"`
	TimeoutMS   int                 `env:"RELAY_TIMEOUT_MS"   json:"timeout_ms"`
}

type LogConfig struct {
	Level string `env:"AG1_LOG_LEVEL" json:"level"`
	File  string `env:"AG1_LOG_FILE"  json:"file,omitempty"`
}

// legacyRegistryEnv is still honoured when AG1_REGISTRY_PATH is unset.
const legacyRegistryEnv = "AG1_REGISTRY"

// LoadConfig builds the configuration from defaults, then the JSON (or JSONC)
// file at path if it exists, then environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if os.Getenv("AG1_REGISTRY_PATH") == "" {
		if legacy := os.Getenv(legacyRegistryEnv); legacy != "" {
			cfg.Registry.Path = legacy
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate reports the first setting that would leave a component unusable.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Bus.RedisURL) == "" {
		errs = append(errs, errors.New("bus.redis_url is required"))
	}
	if strings.TrimSpace(c.Bridge.Inbox) == "" {
		errs = append(errs, errors.New("bridge.inbox is required"))
	}
	if strings.TrimSpace(c.Bridge.Executable) == "" {
		errs = append(errs, errors.New("bridge.executable is required"))
	}
	if strings.TrimSpace(c.Delegate.ReplyInbox) == "" {
		errs = append(errs, errors.New("delegate.reply_inbox is required"))
	}
	if strings.TrimSpace(c.Delegate.Group) == "" {
		errs = append(errs, errors.New("delegate.group is required"))
	}
	positive := map[string]int{
		"bridge.turn_timeout_ms":  c.Bridge.TurnTimeoutMS,
		"bridge.start_timeout_ms": c.Bridge.StartTimeoutMS,
		"bridge.read_block_ms":    c.Bridge.ReadBlockMS,
		"delegate.slice_ms":       c.Delegate.SliceMS,
		"delegate.timeout_ms":     c.Delegate.TimeoutMS,
	}
	for _, name := range []string{
		"bridge.turn_timeout_ms", "bridge.start_timeout_ms", "bridge.read_block_ms",
		"delegate.slice_ms", "delegate.timeout_ms",
	} {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, positive[name]))
		}
	}
	return errors.Join(errs...)
}

func (b BridgeConfig) TurnTimeout() time.Duration  { return millis(b.TurnTimeoutMS) }
func (b BridgeConfig) StartTimeout() time.Duration { return millis(b.StartTimeoutMS) }
func (b BridgeConfig) ReadBlock() time.Duration    { return millis(b.ReadBlockMS) }
func (b BridgeConfig) ReadyTimeout() time.Duration { return millis(b.ReadyTimeoutMS) }

// SessionPath returns the expanded session log directory.
func (b BridgeConfig) SessionPath() string { return expandHome(b.SessionDir) }

func (d DelegateConfig) Slice() time.Duration   { return millis(d.SliceMS) }
func (d DelegateConfig) Timeout() time.Duration { return millis(d.TimeoutMS) }

func (r RelayConfig) Addr() string { return fmt.Sprintf("%s:%d", r.Host, r.Port) }

func (r RelayConfig) Timeout() time.Duration { return millis(r.TimeoutMS) }

func (r RegistryConfig) ResolvedPath() string { return expandHome(r.Path) }

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
