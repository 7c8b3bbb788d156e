package client

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the client's startup configuration. Every field can be set
// from the environment; zero values fall back to the documented
// defaults at validation time.
type Config struct {
	// URL is the ws:// or wss:// endpoint of the game server.
	URL string `env:"SKIRMISH_URL"`
	// ClientID identifies this client across reconnects.
	ClientID string `env:"SKIRMISH_CLIENT_ID"`

	DialTimeout       time.Duration `env:"SKIRMISH_DIAL_TIMEOUT" envDefault:"5s"`
	WriteTimeout      time.Duration `env:"SKIRMISH_WRITE_TIMEOUT" envDefault:"5s"`
	HeartbeatInterval time.Duration `env:"SKIRMISH_HEARTBEAT_INTERVAL" envDefault:"2s"`
	ResyncTimeout     time.Duration `env:"SKIRMISH_RESYNC_TIMEOUT" envDefault:"10s"`
	MaxFrameBytes     int64         `env:"SKIRMISH_MAX_FRAME_BYTES" envDefault:"1048576"`

	ResendTimeout time.Duration `env:"SKIRMISH_RESEND_TIMEOUT" envDefault:"500ms"`
	MaxRetries    int           `env:"SKIRMISH_MAX_RETRIES" envDefault:"5"`

	BackoffInitial time.Duration `env:"SKIRMISH_BACKOFF_INITIAL" envDefault:"250ms"`
	BackoffMax     time.Duration `env:"SKIRMISH_BACKOFF_MAX" envDefault:"10s"`

	// LogSinks names the enabled logging sinks; console by default.
	LogSinks []string `env:"SKIRMISH_LOG_SINKS" envSeparator:"," envDefault:"console"`
	// LogBuffer bounds the event queue between publishers and sinks.
	LogBuffer int `env:"SKIRMISH_LOG_BUFFER" envDefault:"256"`
}

// FromEnv reads configuration from the process environment.
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("client: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the client cannot run with.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("client: URL is required")
	}
	parsed, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("client: invalid URL %q: %w", c.URL, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("client: URL scheme must be ws or wss, got %q", parsed.Scheme)
	}
	if c.ClientID == "" {
		return errors.New("client: ClientID is required")
	}
	if c.DialTimeout < 0 || c.WriteTimeout < 0 || c.HeartbeatInterval < 0 ||
		c.ResyncTimeout < 0 || c.ResendTimeout < 0 || c.BackoffInitial < 0 || c.BackoffMax < 0 {
		return errors.New("client: durations must not be negative")
	}
	if c.MaxRetries < 0 {
		return errors.New("client: MaxRetries must not be negative")
	}
	if c.MaxFrameBytes < 0 {
		return errors.New("client: MaxFrameBytes must not be negative")
	}
	return nil
}
