package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"pushhub/internal/api"
	"pushhub/internal/hub"
	"pushhub/internal/logging"
	"pushhub/internal/router"
	"pushhub/internal/websocket"
	pkgdatabase "pushhub/pkg/database"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "PUSHHUB_"

// Config is the whole service configuration
type Config struct {
	Database  pkgdatabase.Config `yaml:"database"`
	HTTP      api.Config         `yaml:"http"`
	WebSocket websocket.Options  `yaml:"websocket"`
	Auth      AuthConfig         `yaml:"auth"`
	Presence  hub.Config         `yaml:"presence"`
	Router    router.Config      `yaml:"router"`
	Logging   logging.Config     `yaml:"logging"`
}

// AuthConfig controls token verification and the display name cache
type AuthConfig struct {
	Secret        string        `yaml:"secret" validate:"required,min=16"`
	Issuer        string        `yaml:"issuer"`
	Leeway        time.Duration `yaml:"leeway" validate:"gte=0"`
	TokenTTL      time.Duration `yaml:"token_ttl" validate:"gt=0"`
	NameCacheSize int           `yaml:"name_cache_size" validate:"gt=0"`
	NameCacheTTL  time.Duration `yaml:"name_cache_ttl" validate:"gt=0"`
}

// DefaultConfig has everything but the auth secret
func DefaultConfig() *Config {
	return &Config{
		Database:  *pkgdatabase.DefaultConfig(),
		HTTP:      api.DefaultConfig(),
		WebSocket: websocket.DefaultOptions(),
		Auth: AuthConfig{
			Issuer:        "pushhub",
			Leeway:        30 * time.Second,
			TokenTTL:      24 * time.Hour,
			NameCacheSize: 1024,
			NameCacheTTL:  5 * time.Minute,
		},
		Presence: hub.DefaultConfig(),
		Router:   router.DefaultConfig(),
		Logging:  logging.DefaultConfig(),
	}
}

// Validate checks struct tags and the relations between sections
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if c.Presence.StaleThreshold <= c.Presence.SweepInterval {
		return errors.New("presence: stale threshold must exceed sweep interval")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ReadTimeout {
		return errors.New("websocket: ping interval must be shorter than read timeout")
	}
	return nil
}

// envOverride applies one environment variable to the config
type envOverride struct {
	key   string
	apply func(c *Config, v string) error
}

func durationVar(target func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*target(c) = d
		return nil
	}
}

func intVar(target func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*target(c) = n
		return nil
	}
}

func stringVar(target func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*target(c) = v
		return nil
	}
}

func listVar(target func(*Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*target(c) = out
		return nil
	}
}

var envOverrides = []envOverride{
	{"DATABASE_PATH", stringVar(func(c *Config) *string { return &c.Database.DatabasePath })},
	{"DATABASE_MAX_CONNECTIONS", intVar(func(c *Config) *int { return &c.Database.MaxConnections })},
	{"HTTP_ADDR", stringVar(func(c *Config) *string { return &c.HTTP.Addr })},
	{"HTTP_READ_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.HTTP.ReadTimeout })},
	{"HTTP_WRITE_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.HTTP.WriteTimeout })},
	{"HTTP_ALLOWED_ORIGINS", listVar(func(c *Config) *[]string { return &c.HTTP.AllowedOrigins })},
	{"HTTP_NOTIFY_KEY", stringVar(func(c *Config) *string { return &c.HTTP.NotifyKey })},
	{"WEBSOCKET_PING_INTERVAL", durationVar(func(c *Config) *time.Duration { return &c.WebSocket.PingInterval })},
	{"WEBSOCKET_READ_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.WebSocket.ReadTimeout })},
	{"WEBSOCKET_WRITE_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.WebSocket.WriteTimeout })},
	{"WEBSOCKET_SEND_QUEUE_SIZE", intVar(func(c *Config) *int { return &c.WebSocket.SendQueueSize })},
	{"WEBSOCKET_ALLOWED_ORIGINS", listVar(func(c *Config) *[]string { return &c.WebSocket.AllowedOrigins })},
	{"AUTH_SECRET", stringVar(func(c *Config) *string { return &c.Auth.Secret })},
	{"AUTH_ISSUER", stringVar(func(c *Config) *string { return &c.Auth.Issuer })},
	{"PRESENCE_SWEEP_INTERVAL", durationVar(func(c *Config) *time.Duration { return &c.Presence.SweepInterval })},
	{"PRESENCE_STALE_THRESHOLD", durationVar(func(c *Config) *time.Duration { return &c.Presence.StaleThreshold })},
	{"PRESENCE_ACTIVE_WINDOW", durationVar(func(c *Config) *time.Duration { return &c.Presence.ActiveWindow })},
	{"ROUTER_CHAT_RATE_LIMIT", intVar(func(c *Config) *int { return &c.Router.ChatRateLimit })},
	{"LOG_LEVEL", stringVar(func(c *Config) *string { return (*string)(&c.Logging.Level) })},
	{"LOG_FORMAT", stringVar(func(c *Config) *string { return (*string)(&c.Logging.Format) })},
}

// ApplyEnv overrides fields from PUSHHUB_* variables
func (c *Config) ApplyEnv() error {
	for _, o := range envOverrides {
		v, ok := os.LookupEnv(EnvPrefix + o.key)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(c, v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, o.key, err)
		}
	}
	return nil
}

// ApplyFile overlays a YAML file; keys it omits keep their current value
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Load builds the config from defaults, then the environment, then the
// optional file, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
