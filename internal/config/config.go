// Package config loads the client configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/omochice/socket-chat-client/internal/prefs"
	"github.com/omochice/socket-chat-client/internal/supervisor"
)

// Transport names a socket implementation.
type Transport string

const (
	TransportNhooyr Transport = "nhooyr"
	TransportGobwas Transport = "gobwas"
)

// Config is the client configuration.
type Config struct {
	ServerURL    string        `env:"CHAT_SERVER_URL"    envDefault:"ws://localhost:8080/ws/chat"`
	Transport    Transport     `env:"CHAT_TRANSPORT"     envDefault:"nhooyr"`
	Username     string        `env:"CHAT_USERNAME"`
	Keepalive    time.Duration `env:"CHAT_KEEPALIVE"     envDefault:"30s"`
	WriteTimeout time.Duration `env:"CHAT_WRITE_TIMEOUT" envDefault:"10s"`

	Reconnect Reconnect `envPrefix:"CHAT_RECONNECT_"`

	LogLevel  string `env:"CHAT_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"CHAT_LOG_FORMAT" envDefault:"console"`

	PrefsBackend prefs.Backend `env:"CHAT_PREFS_BACKEND" envDefault:"pebble"`
	PrefsPath    string        `env:"CHAT_PREFS_PATH"`
	RedisAddr    string        `env:"CHAT_REDIS_ADDR"    envDefault:"localhost:6379"`
	RedisKey     string        `env:"CHAT_REDIS_KEY"`

	MetricsAddr string `env:"CHAT_METRICS_ADDR"`
}

// Reconnect mirrors supervisor.Policy.
type Reconnect struct {
	Strategy        string        `env:"STRATEGY"         envDefault:"exponential"`
	InitialInterval time.Duration `env:"INITIAL_INTERVAL" envDefault:"250ms"`
	MaxInterval     time.Duration `env:"MAX_INTERVAL"     envDefault:"30s"`
	Multiplier      float64       `env:"MULTIPLIER"       envDefault:"2"`
	Jitter          float64       `env:"JITTER"           envDefault:"0.5"`
	MaxAttempts     uint          `env:"MAX_ATTEMPTS"`
	MaxElapsed      time.Duration `env:"MAX_ELAPSED"`
}

// Policy converts r into a supervisor policy.
func (r Reconnect) Policy() supervisor.Policy {
	return supervisor.Policy{
		Strategy:        supervisor.Strategy(r.Strategy),
		InitialInterval: r.InitialInterval,
		MaxInterval:     r.MaxInterval,
		Multiplier:      r.Multiplier,
		Jitter:          r.Jitter,
		MaxAttempts:     r.MaxAttempts,
		MaxElapsed:      r.MaxElapsed,
	}
}

// Load reads dotenv files (".env" when none are given, skipped if absent)
// and then parses the environment. Variables already set win over the
// files.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			files = []string{".env"}
		}
	}
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load dotenv: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.PrefsPath == "" {
		cfg.PrefsPath = defaultPrefsPath()
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server url must use ws or wss, got %q", c.ServerURL)
	}
	switch c.Transport {
	case TransportNhooyr, TransportGobwas:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive, got %s", c.WriteTimeout)
	}
	if err := c.Reconnect.Policy().Validate(); err != nil {
		return fmt.Errorf("invalid reconnect policy: %w", err)
	}
	return nil
}

// PrefsOptions returns the options for prefs.Open.
func (c Config) PrefsOptions() prefs.Options {
	return prefs.Options{
		Backend:   c.PrefsBackend,
		Path:      c.PrefsPath,
		RedisAddr: c.RedisAddr,
		RedisKey:  c.RedisKey,
	}
}

func defaultPrefsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "socket-chat", "prefs")
}
