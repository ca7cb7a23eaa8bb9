// Package config loads process configuration from the environment, with an
// optional dotenv file layered underneath.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config for the relay process. Defaults are provided via struct tags.
type Config struct {
	// Port to listen on. ENV: PORT
	Port int `env:"PORT,default=3000"`
	// Host interface to bind; empty binds all interfaces. ENV: HOST
	Host string `env:"HOST"`
	// LogLevel is one of debug, info, warn or error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
	// LogFormat is text or json. ENV: LOG_FORMAT
	LogFormat string `env:"LOG_FORMAT,default=text"`
	// ShutdownTimeout bounds graceful shutdown. ENV: SHUTDOWN_TIMEOUT
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	// SSEKeepAlive is the idle interval between keepalive comments; 0
	// disables them. ENV: SSE_KEEPALIVE
	SSEKeepAlive time.Duration `env:"SSE_KEEPALIVE,default=30s"`
	// SSEQueueSize bounds each session's outbound queue. ENV: SSE_QUEUE_SIZE
	SSEQueueSize int `env:"SSE_QUEUE_SIZE,default=64"`
}

// LoadDotEnv loads environment variables from path without overriding
// variables that are already set. A missing file is ignored.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load decodes Config from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q: want text or json", c.LogFormat)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid SHUTDOWN_TIMEOUT %s", c.ShutdownTimeout)
	}
	if c.SSEKeepAlive < 0 {
		return fmt.Errorf("invalid SSE_KEEPALIVE %s", c.SSEKeepAlive)
	}
	if c.SSEQueueSize <= 0 {
		return fmt.Errorf("invalid SSE_QUEUE_SIZE %d", c.SSEQueueSize)
	}
	return nil
}

// Addr is the listen address derived from Host and Port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// NewLogger builds the process logger writing to w in the configured format.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	lvl, err := c.Level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
