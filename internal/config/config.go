package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	Addr             string        `env:"RELAY_ADDR" default:"127.0.0.1:3030"`
	MaxConnections   int           `env:"RELAY_MAX_CONNECTIONS" default:"0"`
	OutboxSize       int           `env:"RELAY_OUTBOX_SIZE" default:"256"`
	SelfEcho         bool          `env:"RELAY_SELF_ECHO" default:"true"`
	HandshakeTimeout time.Duration `env:"RELAY_HANDSHAKE_TIMEOUT" default:"10s"`
	WriteTimeout     time.Duration `env:"RELAY_WRITE_TIMEOUT" default:"10s"`

	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"NATS_SUBJECT" default:"wsrelay.messages"`

	DebugAddr string `env:"DEBUG_ADDR"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

// Load reads the environment (and .env when present), then applies the
// positional arguments: a single optional bind address.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	switch len(args) {
	case 0:
	case 1:
		cfg.Addr = args[0]
	default:
		return nil, fmt.Errorf("expected at most one argument (bind address), got %d", len(args))
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		return fmt.Errorf("invalid bind address %q: %w", cfg.Addr, err)
	}
	if cfg.MaxConnections < 0 {
		return errors.New("RELAY_MAX_CONNECTIONS must not be negative")
	}
	if cfg.OutboxSize < 1 {
		return errors.New("RELAY_OUTBOX_SIZE must be at least 1")
	}
	if cfg.HandshakeTimeout < 0 || cfg.WriteTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if cfg.NATSURL != "" && cfg.NATSSubject == "" {
		return errors.New("NATS_SUBJECT is required when NATS_URL is set")
	}
	return nil
}
