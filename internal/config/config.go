package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var validLogLevels = []string{"debug", "info", "warn", "error"}

// tokenEnvVar overrides the configured GitLab credential when set.
const tokenEnvVar = "GITLAB_API_TOKEN"

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig
	GitLab    GitLabConfig
	Cache     CacheConfig
	Telemetry TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

// GitLabConfig configures upstream GitLab API interactions.
type GitLabConfig struct {
	// APIToken is the bearer credential. A missing token degrades to
	// unauthenticated requests rather than failing startup.
	APIToken       string
	RequestTimeout time.Duration
	MaxPages       int
	PageSize       int
}

// CacheConfig configures the timeline cache and its refresh coordination.
type CacheConfig struct {
	TTL                time.Duration
	LongTTL            time.Duration
	HotHitThreshold    int
	RefreshTimeout     time.Duration
	MaxEntries         int
	CleanupProbability float64

	Backend        string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisNamespace string
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

// Load reads configuration from YAML, applies defaults and the token
// environment override, and validates the result.
func Load(reader io.Reader) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyDefaults(cfg)

	if envToken := strings.TrimSpace(os.Getenv(tokenEnvVar)); envToken != "" {
		cfg.GitLab.APIToken = envToken
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}
	if c.Server.ListenAddr == "" {
		errs = append(errs, "server.listen_addr is required")
	}

	if c.GitLab.MaxPages <= 0 {
		errs = append(errs, "gitlab.max_pages must be > 0")
	}
	if c.GitLab.PageSize <= 0 || c.GitLab.PageSize > 100 {
		errs = append(errs, "gitlab.page_size must be in 1..100")
	}

	if c.Cache.LongTTL < c.Cache.TTL {
		errs = append(errs, "cache.long_ttl must not be shorter than cache.ttl")
	}
	if c.Cache.CleanupProbability < 0 || c.Cache.CleanupProbability > 1 {
		errs = append(errs, "cache.cleanup_probability must be in 0..1")
	}
	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		errs = append(errs, "cache.backend must be memory or redis")
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		errs = append(errs, "cache.redis_addr is required when cache.backend=redis")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.GitLab.RequestTimeout <= 0 {
		cfg.GitLab.RequestTimeout = 30 * time.Second
	}
	if cfg.GitLab.MaxPages == 0 {
		cfg.GitLab.MaxPages = 10
	}
	if cfg.GitLab.PageSize == 0 {
		cfg.GitLab.PageSize = 100
	}
	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = 30 * time.Minute
	}
	if cfg.Cache.LongTTL <= 0 {
		cfg.Cache.LongTTL = 2 * time.Hour
	}
	if cfg.Cache.HotHitThreshold <= 0 {
		cfg.Cache.HotHitThreshold = 5
	}
	if cfg.Cache.RefreshTimeout <= 0 {
		cfg.Cache.RefreshTimeout = time.Minute
	}
	if cfg.Cache.MaxEntries <= 0 {
		cfg.Cache.MaxEntries = 50
	}
	if cfg.Cache.CleanupProbability == 0 {
		cfg.Cache.CleanupProbability = 0.1
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.RedisNamespace == "" {
		cfg.Cache.RedisNamespace = "deploytrail"
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server    ServerConfig    `yaml:"server"`
	GitLab    rawGitLab       `yaml:"gitlab"`
	Cache     rawCache        `yaml:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type rawGitLab struct {
	APIToken       string   `yaml:"api_token"`
	RequestTimeout duration `yaml:"request_timeout"`
	MaxPages       int      `yaml:"max_pages"`
	PageSize       int      `yaml:"page_size"`
}

type rawCache struct {
	TTL                duration `yaml:"ttl"`
	LongTTL            duration `yaml:"long_ttl"`
	HotHitThreshold    int      `yaml:"hot_hit_threshold"`
	RefreshTimeout     duration `yaml:"refresh_timeout"`
	MaxEntries         int      `yaml:"max_entries"`
	CleanupProbability float64  `yaml:"cleanup_probability"`
	Backend            string   `yaml:"backend"`
	RedisAddr          string   `yaml:"redis_addr"`
	RedisPassword      string   `yaml:"redis_password"`
	RedisDB            int      `yaml:"redis_db"`
	RedisNamespace     string   `yaml:"redis_namespace"`
}

func (r rawConfig) toConfig() *Config {
	return &Config{
		Server: r.Server,
		GitLab: GitLabConfig{
			APIToken:       r.GitLab.APIToken,
			RequestTimeout: r.GitLab.RequestTimeout.Duration,
			MaxPages:       r.GitLab.MaxPages,
			PageSize:       r.GitLab.PageSize,
		},
		Cache: CacheConfig{
			TTL:                r.Cache.TTL.Duration,
			LongTTL:            r.Cache.LongTTL.Duration,
			HotHitThreshold:    r.Cache.HotHitThreshold,
			RefreshTimeout:     r.Cache.RefreshTimeout.Duration,
			MaxEntries:         r.Cache.MaxEntries,
			CleanupProbability: r.Cache.CleanupProbability,
			Backend:            r.Cache.Backend,
			RedisAddr:          r.Cache.RedisAddr,
			RedisPassword:      r.Cache.RedisPassword,
			RedisDB:            r.Cache.RedisDB,
			RedisNamespace:     r.Cache.RedisNamespace,
		},
		Telemetry: r.Telemetry,
	}
}
