// Package config loads the runtime configuration.
//
// Values come, in increasing precedence, from built-in defaults, the YAML file
// named by SYNCQUEUE_CONFIG, a .env file in the working directory, and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tidepool-social/syncqueue/pkg/constants"
)

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	Submit   SubmitConfig   `yaml:"submit"`
	Sync     SyncConfig     `yaml:"sync"`
	Network  NetworkConfig  `yaml:"network"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Auth     AuthConfig     `yaml:"auth"`

	// StatusAddr is the listen address of the status API. Empty disables it.
	StatusAddr string `yaml:"status_addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Backend is slog, zerolog or zap.
	Backend string `yaml:"backend"`
}

type StoreConfig struct {
	// Backend is memory, file, sqlite, postgres or redis.
	Backend string `yaml:"backend"`
	// Path is the file of the file and sqlite backends.
	Path string `yaml:"path"`
	// URL is the connection URL of the postgres and redis backends.
	URL         string `yaml:"url"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type SubmitConfig struct {
	// Backend is http or kafka.
	Backend string        `yaml:"backend"`
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`

	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	KeyField string   `yaml:"key_field"`
}

type SyncConfig struct {
	UserID      string        `yaml:"user_id"`
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type NetworkConfig struct {
	// ProbeURL enables reachability probing. Empty means always online.
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

type RealtimeConfig struct {
	// URL enables the realtime subscription. Empty disables it.
	URL   string `yaml:"url"`
	Topic string `yaml:"topic"`
	Token string `yaml:"token"`
	// Transport is gorilla or gws.
	Transport  string        `yaml:"transport"`
	AckTimeout time.Duration `yaml:"ack_timeout"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	RetryMax   time.Duration `yaml:"retry_max"`
}

// AuthConfig enables per-user HS256 tokens for the write endpoint and the
// realtime channel. Static tokens in SubmitConfig and RealtimeConfig win.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Backend: "slog"},
		Store: StoreConfig{
			Backend:     "sqlite",
			Path:        "syncqueue.db",
			RedisPrefix: "syncqueue:",
		},
		Submit: SubmitConfig{
			Backend: "http",
			URL:     "http://localhost:8080/posts",
			Timeout: constants.DefaultSubmitTimeout,
			Topic:   "posts",
		},
		Sync: SyncConfig{Interval: constants.DefaultSyncInterval},
		Network: NetworkConfig{
			ProbeInterval: constants.DefaultProbeInterval,
		},
		Realtime: RealtimeConfig{
			Topic:      "posts",
			Transport:  "gorilla",
			AckTimeout: constants.DefaultAckTimeout,
			RetryDelay: time.Second,
			RetryMax:   30 * time.Second,
		},
		Auth: AuthConfig{Issuer: "syncqueue", TokenTTL: 15 * time.Minute},
	}
}

// Load builds the configuration from defaults, the optional YAML file, .env
// and the environment, then validates it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("SYNCQUEUE_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Log.Level = getEnv("SYNCQUEUE_LOG_LEVEL", c.Log.Level)
	c.Log.Backend = getEnv("SYNCQUEUE_LOG_BACKEND", c.Log.Backend)

	c.Store.Backend = getEnv("SYNCQUEUE_STORE", c.Store.Backend)
	c.Store.Path = getEnv("SYNCQUEUE_STORE_PATH", c.Store.Path)
	c.Store.URL = getEnv("SYNCQUEUE_STORE_URL", c.Store.URL)
	c.Store.RedisPrefix = getEnv("SYNCQUEUE_REDIS_PREFIX", c.Store.RedisPrefix)

	c.Submit.Backend = getEnv("SYNCQUEUE_SUBMIT", c.Submit.Backend)
	c.Submit.URL = getEnv("SYNCQUEUE_SUBMIT_URL", c.Submit.URL)
	c.Submit.Token = getEnv("SYNCQUEUE_SUBMIT_TOKEN", c.Submit.Token)
	c.Submit.Brokers = getEnvList("SYNCQUEUE_KAFKA_BROKERS", c.Submit.Brokers)
	c.Submit.Topic = getEnv("SYNCQUEUE_KAFKA_TOPIC", c.Submit.Topic)
	c.Submit.KeyField = getEnv("SYNCQUEUE_KAFKA_KEY_FIELD", c.Submit.KeyField)

	c.Sync.UserID = getEnv("SYNCQUEUE_USER_ID", c.Sync.UserID)
	c.Network.ProbeURL = getEnv("SYNCQUEUE_PROBE_URL", c.Network.ProbeURL)

	c.Realtime.URL = getEnv("SYNCQUEUE_REALTIME_URL", c.Realtime.URL)
	c.Realtime.Topic = getEnv("SYNCQUEUE_REALTIME_TOPIC", c.Realtime.Topic)
	c.Realtime.Token = getEnv("SYNCQUEUE_REALTIME_TOKEN", c.Realtime.Token)
	c.Realtime.Transport = getEnv("SYNCQUEUE_REALTIME_TRANSPORT", c.Realtime.Transport)

	c.Auth.JWTSecret = getEnv("SYNCQUEUE_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.Issuer = getEnv("SYNCQUEUE_JWT_ISSUER", c.Auth.Issuer)
	c.Auth.Audience = getEnv("SYNCQUEUE_JWT_AUDIENCE", c.Auth.Audience)

	c.StatusAddr = getEnv("SYNCQUEUE_STATUS_ADDR", c.StatusAddr)

	var err error
	if c.Sync.MaxAttempts, err = getEnvInt("SYNCQUEUE_MAX_ATTEMPTS", c.Sync.MaxAttempts); err != nil {
		return err
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SYNCQUEUE_SUBMIT_TIMEOUT", &c.Submit.Timeout},
		{"SYNCQUEUE_SYNC_INTERVAL", &c.Sync.Interval},
		{"SYNCQUEUE_PROBE_INTERVAL", &c.Network.ProbeInterval},
		{"SYNCQUEUE_REALTIME_ACK_TIMEOUT", &c.Realtime.AckTimeout},
		{"SYNCQUEUE_REALTIME_RETRY_DELAY", &c.Realtime.RetryDelay},
		{"SYNCQUEUE_REALTIME_RETRY_MAX", &c.Realtime.RetryMax},
		{"SYNCQUEUE_JWT_TTL", &c.Auth.TokenTTL},
	}
	for _, d := range durations {
		if *d.dst, err = getEnvDuration(d.key, *d.dst); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Log.Backend {
	case "slog", "zerolog", "zap":
	default:
		return fmt.Errorf("SYNCQUEUE_LOG_BACKEND must be slog, zerolog or zap, got %q", c.Log.Backend)
	}

	switch c.Store.Backend {
	case "memory":
	case "file", "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("SYNCQUEUE_STORE_PATH is required for the %s store", c.Store.Backend)
		}
	case "postgres", "redis":
		if c.Store.URL == "" {
			return fmt.Errorf("SYNCQUEUE_STORE_URL is required for the %s store", c.Store.Backend)
		}
	default:
		return fmt.Errorf("SYNCQUEUE_STORE must be memory, file, sqlite, postgres or redis, got %q", c.Store.Backend)
	}

	switch c.Submit.Backend {
	case "http":
		if c.Submit.URL == "" {
			return fmt.Errorf("SYNCQUEUE_SUBMIT_URL is required")
		}
		if err := checkScheme("SYNCQUEUE_SUBMIT_URL", c.Submit.URL, constants.HTTPScheme, constants.HTTPSecureScheme); err != nil {
			return err
		}
	case "kafka":
		if len(c.Submit.Brokers) == 0 {
			return fmt.Errorf("SYNCQUEUE_KAFKA_BROKERS is required")
		}
		if c.Submit.Topic == "" {
			return fmt.Errorf("SYNCQUEUE_KAFKA_TOPIC is required")
		}
	default:
		return fmt.Errorf("SYNCQUEUE_SUBMIT must be http or kafka, got %q", c.Submit.Backend)
	}

	if c.Sync.MaxAttempts < 0 {
		return fmt.Errorf("SYNCQUEUE_MAX_ATTEMPTS must not be negative")
	}

	if c.Network.ProbeURL != "" {
		if err := checkScheme("SYNCQUEUE_PROBE_URL", c.Network.ProbeURL, constants.HTTPScheme, constants.HTTPSecureScheme); err != nil {
			return err
		}
	}

	if c.Realtime.URL != "" {
		if err := checkScheme("SYNCQUEUE_REALTIME_URL", c.Realtime.URL, constants.WebsocketScheme, constants.WebsocketSecureScheme); err != nil {
			return err
		}
		switch c.Realtime.Transport {
		case "gorilla", "gws":
		default:
			return fmt.Errorf("SYNCQUEUE_REALTIME_TRANSPORT must be gorilla or gws, got %q", c.Realtime.Transport)
		}
		if c.Realtime.Topic == "" {
			return fmt.Errorf("SYNCQUEUE_REALTIME_TOPIC is required")
		}
	}

	if c.Auth.JWTSecret != "" && c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("SYNCQUEUE_JWT_TTL must be positive")
	}
	return nil
}

func checkScheme(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", key, err)
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be a %s URL, got %q", key, strings.Join(schemes, " or "), raw)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, value)
	}
	return i, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	return d, nil
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
