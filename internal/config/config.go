package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TransportPusher = "pusher"
	TransportRedis  = "redis"
	TransportNone   = "none"
)

type Config struct {
	HTTPPort  int    `yaml:"http_port"`
	Debug     bool   `yaml:"debug"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Backend  BackendConfig `yaml:"backend"`
	Services []string      `yaml:"services"`
	Push     PushConfig    `yaml:"push"`
	SpoolDir string        `yaml:"spool_dir"`
}

type BackendConfig struct {
	URL               string        `yaml:"url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Token             string        `yaml:"token"`
	Email             string        `yaml:"email"`
	Password          string        `yaml:"password"`
}

type PushConfig struct {
	Transport      string        `yaml:"transport"`
	URL            string        `yaml:"url"`
	Channel        string        `yaml:"channel"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisChannel  string `yaml:"redis_channel"`
}

func defaults() *Config {
	return &Config{
		HTTPPort:  8000,
		LogLevel:  "info",
		LogFormat: "text",
		Backend: BackendConfig{
			Timeout:           30 * time.Second,
			RequestsPerSecond: 10,
			Burst:             5,
		},
		Push: PushConfig{
			Transport:      TransportNone,
			Channel:        "private-jobs.admin",
			ReconnectDelay: 5 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (or $JOBSYNC_CONFIG), then the environment.
func Load(path string) (*Config, error) {
	c := defaults()

	if path == "" {
		path = os.Getenv("JOBSYNC_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, c); err != nil {
			return nil, err
		}
	}

	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse decodes a YAML document over c.
func Parse(data []byte, c *Config) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("yaml parse: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.Debug = getEnvBool("DEBUG", c.Debug)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	c.Backend.URL = getEnv("BACKEND_URL", c.Backend.URL)
	c.Backend.Timeout = getEnvDuration("BACKEND_TIMEOUT", c.Backend.Timeout)
	c.Backend.RequestsPerSecond = getEnvFloat("BACKEND_RPS", c.Backend.RequestsPerSecond)
	c.Backend.Burst = getEnvInt("BACKEND_BURST", c.Backend.Burst)
	c.Backend.Token = getEnv("BACKEND_TOKEN", c.Backend.Token)
	c.Backend.Email = getEnv("BACKEND_EMAIL", c.Backend.Email)
	c.Backend.Password = getEnv("BACKEND_PASSWORD", c.Backend.Password)

	if v := os.Getenv("JOBSYNC_SERVICES"); v != "" {
		c.Services = splitList(v)
	}

	c.Push.Transport = getEnv("PUSH_TRANSPORT", c.Push.Transport)
	c.Push.URL = getEnv("PUSHER_URL", c.Push.URL)
	c.Push.Channel = getEnv("PUSHER_CHANNEL", c.Push.Channel)
	c.Push.ReconnectDelay = getEnvDuration("PUSH_RECONNECT_DELAY", c.Push.ReconnectDelay)
	c.Push.RedisAddr = getEnv("REDIS_ADDR", c.Push.RedisAddr)
	c.Push.RedisPassword = getEnv("REDIS_PASSWORD", c.Push.RedisPassword)
	c.Push.RedisDB = getEnvInt("REDIS_DB", c.Push.RedisDB)
	c.Push.RedisChannel = getEnv("REDIS_CHANNEL", c.Push.RedisChannel)

	c.SpoolDir = getEnv("SPOOL_DIR", c.SpoolDir)
}

func (c *Config) Validate() error {
	var errs []error

	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid http_port: %d", c.HTTPPort))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("invalid log_format: %s", c.LogFormat))
	}

	if c.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	} else if u, err := url.Parse(c.Backend.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid backend.url: %s", c.Backend.URL))
	}
	if c.Backend.Token == "" && (c.Backend.Email == "") != (c.Backend.Password == "") {
		errs = append(errs, errors.New("backend.email and backend.password must be set together"))
	}
	if c.Backend.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("invalid backend.requests_per_second: %v", c.Backend.RequestsPerSecond))
	}

	for _, s := range c.Services {
		if strings.TrimSpace(s) == "" || strings.Contains(s, "/") {
			errs = append(errs, fmt.Errorf("invalid service slug: %q", s))
		}
	}

	switch c.Push.Transport {
	case TransportNone:
	case TransportPusher:
		if c.Push.URL == "" {
			errs = append(errs, errors.New("push.url is required for the pusher transport"))
		}
	case TransportRedis:
		if c.Push.RedisAddr == "" || c.Push.RedisChannel == "" {
			errs = append(errs, errors.New("push.redis_addr and push.redis_channel are required for the redis transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid push.transport: %s", c.Push.Transport))
	}

	return errors.Join(errs...)
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func (c *Config) Level() (slog.Level, error) {
	if c.Debug {
		return slog.LevelDebug, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}
	return lvl, nil
}

// Logger builds the process logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	lvl, _ := c.Level()
	opts := &slog.HandlerOptions{Level: lvl}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
