package internal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/tinyland-inc/aetherbridge/pkg/bus"
	"github.com/tinyland-inc/aetherbridge/pkg/config"
	"github.com/tinyland-inc/aetherbridge/pkg/delegate"
	"github.com/tinyland-inc/aetherbridge/pkg/logger"
	"github.com/tinyland-inc/aetherbridge/pkg/registry"
)

const Logo = "🪿"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

// GetConfigPath honours AG1_CONFIG, then ~/.aetherbridge/config.json.
func GetConfigPath() string {
	if p := os.Getenv("AG1_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".aetherbridge", "config.json")
}

func LoadConfig() (*config.Config, error) {
	return config.LoadConfig(GetConfigPath())
}

// SetupLogging applies the configured level and optional JSON log file.
// debug forces DEBUG regardless of config.
func SetupLogging(cfg *config.Config, debug bool) error {
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if debug {
		logger.SetLevel(logger.DEBUG)
	}
	if cfg.Log.File != "" {
		if err := logger.EnableFileLogging(cfg.Log.File); err != nil {
			return fmt.Errorf("error enabling file logging: %w", err)
		}
	}
	return nil
}

// NewTransport connects to the configured Redis and checks it answers.
func NewTransport(ctx context.Context, cfg *config.Config) (*bus.RedisTransport, error) {
	tr, err := bus.NewRedisTransport(cfg.Bus.RedisURL)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := tr.Ping(pingCtx); err != nil {
		tr.Close()
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}
	return tr, nil
}

// LoadRegistry reads the agent registry. A missing file yields an empty
// registry so raw-inbox commands still work.
func LoadRegistry(cfg *config.Config) (*registry.Registry, error) {
	path := cfg.Registry.ResolvedPath()
	reg, err := registry.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.WarnCF("registry", "Registry file not found", map[string]any{"path": path})
		return registry.New(), nil
	}
	return reg, err
}

func NewDelegator(cfg *config.Config, tr bus.Transport, reg *registry.Registry) *delegate.Delegator {
	return delegate.New(tr, reg, delegate.Options{
		ReplyInbox: cfg.Delegate.ReplyInbox,
		Group:      cfg.Delegate.Group,
		AgentName:  cfg.Delegate.AgentName,
		Slice:      cfg.Delegate.Slice(),
		Timeout:    cfg.Delegate.Timeout(),
	})
}

// SignalContext is cancelled on Ctrl+C or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

func GetVersion() string {
	return version
}
