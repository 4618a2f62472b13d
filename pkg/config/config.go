// Copyright 2024-2026 Aiku AI

// Package config loads the relay configuration from YAML, .env and the
// process environment.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/tg-relay/pkg/relay"
	"github.com/aiku/tg-relay/pkg/sink"
	"github.com/aiku/tg-relay/pkg/telegram"
)

//go:embed example-config.yaml
var ExampleConfig string

// ConfigError reports an invalid or missing setting.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Message)
}

type SessionConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type TelegramConfig struct {
	AppID       int           `yaml:"app_id"`
	AppHash     string        `yaml:"app_hash"`
	Session     SessionConfig `yaml:"session"`
	DialogLimit int           `yaml:"dialog_limit"`
}

type RelayConfig struct {
	RotationInterval  time.Duration `yaml:"rotation_interval"`
	DrainGrace        time.Duration `yaml:"drain_grace"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	CacheSize         int           `yaml:"cache_size"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	RestartDelay      time.Duration `yaml:"restart_delay"`
	SendAttempts      int           `yaml:"send_attempts"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
}

// Config is the whole relay configuration.
type Config struct {
	Telegram        TelegramConfig    `yaml:"telegram"`
	Sink            sink.Options      `yaml:"sink"`
	Relay           RelayConfig       `yaml:"relay"`
	IgnoredChannels []int64           `yaml:"ignored_channels"`
	AdminAPIAddr    string            `yaml:"admin_api_addr"`
	Logging         zeroconfig.Config `yaml:"logging"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Int, "telegram", "app_id")
	helper.Copy(up.Str, "telegram", "app_hash")
	helper.Copy(up.Str, "telegram", "session", "backend")
	helper.Copy(up.Str, "telegram", "session", "path")
	helper.Copy(up.Int, "telegram", "dialog_limit")

	helper.Copy(up.Str, "sink", "type")
	helper.Copy(up.Str, "sink", "url")
	helper.Copy(up.Str, "sink", "api_key")
	helper.Copy(up.Str, "sink", "ping_url")
	helper.Copy(up.Str, "sink", "timeout")
	helper.Copy(up.Bool, "sink", "insecure_skip_verify")
	helper.Copy(up.Str, "sink", "redis", "url")
	helper.Copy(up.Str, "sink", "redis", "stream")
	helper.Copy(up.List, "sink", "kafka", "brokers")
	helper.Copy(up.Str, "sink", "kafka", "topic")

	helper.Copy(up.Str, "relay", "rotation_interval")
	helper.Copy(up.Str, "relay", "drain_grace")
	helper.Copy(up.Str, "relay", "drain_timeout")
	helper.Copy(up.Int, "relay", "cache_size")
	helper.Copy(up.Str, "relay", "cache_ttl")
	helper.Copy(up.Str, "relay", "keepalive_interval")
	helper.Copy(up.Str, "relay", "restart_delay")
	helper.Copy(up.Int, "relay", "send_attempts")
	helper.Copy(up.Str, "relay", "retry_backoff")

	helper.Copy(up.List, "ignored_channels")
	helper.Copy(up.Str, "admin_api_addr")
	helper.Copy(up.Map, "logging")
}

// Load reads the config file at path, filling keys it lacks from the example
// config, then applies .env and environment overrides and validates the
// result. With save set, the completed file is written back.
func Load(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Base:           ExampleConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	return Parse(data, os.LookupEnv)
}

// LoadDotEnv loads a .env file into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Parse decodes data, applies overrides from lookup and validates.
func Parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides settings from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("TG_API_ID"); ok && v != "" {
		id, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return &ConfigError{Field: "TG_API_ID", Message: "must be an integer"}
		}
		c.Telegram.AppID = id
	}
	if v, ok := lookup("TG_API_HASH"); ok && v != "" {
		c.Telegram.AppHash = v
	}
	if v, ok := lookup("API_KEY"); ok && v != "" {
		c.Sink.APIKey = v
	}
	switch c.Sink.Type {
	case sink.TypeWebSocket, "":
		if v, ok := lookup("WS_URL"); ok && v != "" {
			c.Sink.URL = v
		}
	case sink.TypeHTTP:
		if v, ok := lookup("HTTP_URL"); ok && v != "" {
			c.Sink.URL = v
		}
	}
	if v, ok := lookup("REDIS_URL"); ok && v != "" {
		c.Sink.Redis.URL = v
	}
	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Sink.Kafka.Brokers = brokers
	}
	if v, ok := lookup("ADMIN_API_ADDR"); ok {
		c.AdminAPIAddr = v
	}
	return nil
}

// PostProcess fills defaults for unset values and validates the result.
func (c *Config) PostProcess() error {
	if c.Telegram.Session.Backend == "" {
		c.Telegram.Session.Backend = telegram.BackendSQLite
	}
	if c.Telegram.Session.Path == "" {
		if c.Telegram.Session.Backend == telegram.BackendFile {
			c.Telegram.Session.Path = "sessions"
		} else {
			c.Telegram.Session.Path = "sessions/sessions.db"
		}
	}
	if c.Telegram.DialogLimit <= 0 {
		c.Telegram.DialogLimit = telegram.DefaultDialogLimit
	}
	if c.Sink.Type == "" {
		c.Sink.Type = sink.TypeWebSocket
	}
	if c.Sink.Timeout <= 0 {
		c.Sink.Timeout = sink.DefaultTimeout
	}

	r := &c.Relay
	setDefault(&r.RotationInterval, relay.DefaultRotationInterval)
	setDefault(&r.DrainGrace, relay.DefaultDrainGrace)
	setDefault(&r.DrainTimeout, relay.DefaultDrainTimeout)
	setDefault(&r.CacheTTL, relay.DefaultCacheTTL)
	setDefault(&r.KeepAliveInterval, relay.DefaultKeepAliveInterval)
	setDefault(&r.RestartDelay, relay.DefaultRestartDelay)
	setDefault(&r.RetryBackoff, relay.DefaultRetryBackoff)
	if r.CacheSize <= 0 {
		r.CacheSize = relay.DefaultCacheSize
	}
	if r.SendAttempts <= 0 {
		r.SendAttempts = 1
	}
	return c.Validate()
}

func setDefault(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Validate checks that every required setting is present and consistent.
func (c *Config) Validate() error {
	if c.Telegram.AppID <= 0 {
		return &ConfigError{Field: "telegram.app_id", Message: "must be set (or TG_API_ID)"}
	}
	if c.Telegram.AppHash == "" {
		return &ConfigError{Field: "telegram.app_hash", Message: "must be set (or TG_API_HASH)"}
	}
	switch c.Telegram.Session.Backend {
	case telegram.BackendSQLite, telegram.BackendFile:
	default:
		return &ConfigError{Field: "telegram.session.backend", Message: fmt.Sprintf("unknown backend %q", c.Telegram.Session.Backend)}
	}

	switch c.Sink.Type {
	case sink.TypeWebSocket, sink.TypeHTTP:
		if c.Sink.URL == "" {
			return &ConfigError{Field: "sink.url", Message: "must be set"}
		}
		if c.Sink.APIKey == "" {
			return &ConfigError{Field: "sink.api_key", Message: "must be set (or API_KEY)"}
		}
	case sink.TypeRedis:
		if c.Sink.Redis.URL == "" || c.Sink.Redis.Stream == "" {
			return &ConfigError{Field: "sink.redis", Message: "url and stream must be set"}
		}
	case sink.TypeKafka:
		if len(c.Sink.Kafka.Brokers) == 0 || c.Sink.Kafka.Topic == "" {
			return &ConfigError{Field: "sink.kafka", Message: "brokers and topic must be set"}
		}
	case sink.TypeLog:
	default:
		return &ConfigError{Field: "sink.type", Message: fmt.Sprintf("unknown sink type %q", c.Sink.Type)}
	}

	if c.Relay.DrainGrace >= c.Relay.RotationInterval {
		return &ConfigError{Field: "relay.drain_grace", Message: "must be shorter than relay.rotation_interval"}
	}
	return nil
}

// RotatorOptions returns the rotator settings.
func (c *Config) RotatorOptions() relay.RotatorOptions {
	return relay.RotatorOptions{
		RotationInterval: c.Relay.RotationInterval,
		DrainGrace:       c.Relay.DrainGrace,
		DrainTimeout:     c.Relay.DrainTimeout,
	}
}

// PipelineOptions returns the settings of one pipeline attempt.
func (c *Config) PipelineOptions() relay.PipelineOptions {
	return relay.PipelineOptions{
		Rotator: c.RotatorOptions(),
		Sink: relay.SinkOptions{
			KeepAliveInterval: c.Relay.KeepAliveInterval,
			SendTimeout:       c.Sink.Timeout,
			SendAttempts:      c.Relay.SendAttempts,
			RetryBackoff:      c.Relay.RetryBackoff,
		},
		CacheSize: c.Relay.CacheSize,
		CacheTTL:  c.Relay.CacheTTL,
	}
}

// TelegramOptions returns the upstream client settings.
func (c *Config) TelegramOptions() telegram.Options {
	return telegram.Options{
		AppID:       c.Telegram.AppID,
		AppHash:     c.Telegram.AppHash,
		DialogLimit: c.Telegram.DialogLimit,
	}
}
