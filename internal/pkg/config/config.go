package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override the config file.
// APEX_UPSTREAM__BASE_URL sets upstream.base_url.
const EnvPrefix = "APEX_"

// DefaultPath is read when no path is given and the file exists.
const DefaultPath = "config.yaml"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Auth      AuthConfig      `koanf:"auth"`
	Storage   StorageConfig   `koanf:"storage"`
	Gateway   GatewayConfig   `koanf:"gateway"`
	Usage     UsageConfig     `koanf:"usage"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port              int           `koanf:"port"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	// WriteTimeout bounds the whole response. Zero keeps long streams alive.
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// UpstreamConfig locates the generation service.
type UpstreamConfig struct {
	BaseURL        string        `koanf:"base_url"`
	StreamPath     string        `koanf:"stream_path"`
	APIKey         string        `koanf:"api_key"`
	IdleTimeout    time.Duration `koanf:"idle_timeout"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	HeaderTimeout  time.Duration `koanf:"header_timeout"`
}

type AuthConfig struct {
	SessionCookie string `koanf:"session_cookie"`
}

type StorageConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres, memory
	DSN    string `koanf:"dsn"`    // Data source name / connection string
}

// GatewayConfig holds the chat-stream limits.
type GatewayConfig struct {
	MaxBodyBytes         int64         `koanf:"max_body_bytes"`
	MaxAttachmentBytes   int           `koanf:"max_attachment_bytes"`
	MaxConcurrentStreams int           `koanf:"max_concurrent_streams"`
	PersistTimeout       time.Duration `koanf:"persist_timeout"`
	MaxLineBytes         int           `koanf:"max_line_bytes"`
}

type UsageConfig struct {
	PricePer1KTokens  string `koanf:"price_per_1k_tokens"`
	TokenizerEncoding string `koanf:"tokenizer_encoding"`
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var defaults = map[string]any{
	"server.port":                    8080,
	"server.read_header_timeout":     "10s",
	"server.write_timeout":           "0s",
	"server.shutdown_timeout":        "15s",
	"upstream.stream_path":           "/chat/stream",
	"upstream.idle_timeout":          "60s",
	"upstream.connect_timeout":       "10s",
	"upstream.header_timeout":        "30s",
	"auth.session_cookie":            "session_token",
	"storage.driver":                 "sqlite",
	"storage.dsn":                    "file:apex.db",
	"gateway.max_body_bytes":         64 << 20,
	"gateway.max_attachment_bytes":   25 << 20,
	"gateway.max_concurrent_streams": 0,
	"gateway.persist_timeout":        "5s",
	"gateway.max_line_bytes":         8 << 20,
	"usage.tokenizer_encoding":       "cl100k_base",
	"log.level":                      "info",
	"log.format":                     "json",
	"telemetry.service_name":         "apex-gateway",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads defaults, then the YAML file at path, then APEX_ environment
// variables. An empty path reads DefaultPath if it exists.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return nil, err
		}
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// A missing default file is fine; env vars may carry everything.
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Substitute environment variables in secrets and connection strings
	cfg.Upstream.APIKey = substituteEnvVars(cfg.Upstream.APIKey)
	cfg.Upstream.BaseURL = substituteEnvVars(cfg.Upstream.BaseURL)
	cfg.Storage.DSN = substituteEnvVars(cfg.Storage.DSN)

	return &cfg, nil
}

// Validate reports configuration that cannot serve traffic.
func (c *Config) Validate() error {
	var errs []error

	if c.Upstream.BaseURL == "" {
		errs = append(errs, errors.New("upstream.base_url is required"))
	} else if u, err := url.Parse(c.Upstream.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("upstream.base_url %q is not an absolute URL", c.Upstream.BaseURL))
	}
	if c.Upstream.IdleTimeout <= 0 {
		errs = append(errs, errors.New("upstream.idle_timeout must be positive"))
	}

	switch strings.ToLower(c.Storage.Driver) {
	case "sqlite", "sqlite3", "postgres", "postgresql", "pgx", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver))
	}

	if c.Gateway.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("gateway.max_body_bytes must be positive"))
	}
	if c.Gateway.MaxConcurrentStreams < 0 {
		errs = append(errs, errors.New("gateway.max_concurrent_streams must not be negative"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ParseLevel maps a level name to slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
