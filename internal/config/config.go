package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"parcelgate/internal/boundary"
	"parcelgate/internal/cadastre"
)

type Config struct {
	Port          int    `mapstructure:"port"`
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	AllowedOrigin string `mapstructure:"allowed_origin"`

	CacheType            string        `mapstructure:"cache"`
	CacheMemoryBytes     int           `mapstructure:"cache_memory_bytes"`
	CacheFileDir         string        `mapstructure:"cache_file_dir"`
	CacheBoltPath        string        `mapstructure:"cache_bolt_path"`
	CacheTTL             time.Duration `mapstructure:"cache_ttl"`
	CacheCleanerInterval time.Duration `mapstructure:"cache_cleaner_interval"`
	CacheFlushOnStart    bool          `mapstructure:"cache_flush_on_start"`
	RedisAddr            string        `mapstructure:"redis_addr"`
	RedisPassword        string        `mapstructure:"redis_password"`
	RedisDB              int           `mapstructure:"redis_db"`

	FanoutConcurrency int `mapstructure:"fanout_concurrency"`

	UpstreamURL         string        `mapstructure:"upstream_url"`
	UpstreamLayer       int           `mapstructure:"upstream_layer"`
	UpstreamTimeout     time.Duration `mapstructure:"upstream_timeout"`
	UpstreamRetries     uint          `mapstructure:"upstream_retries"`
	UpstreamRPS         float64       `mapstructure:"upstream_rps"`
	UpstreamMaxInflight int64         `mapstructure:"upstream_max_inflight"`
	UpstreamCoalesce    bool          `mapstructure:"upstream_coalesce"`

	BoundaryURL       string  `mapstructure:"boundary_url"`
	BoundaryFile      string  `mapstructure:"boundary_file"`
	BoundaryPID       int64   `mapstructure:"boundary_pid"`
	BoundaryTolerance float64 `mapstructure:"boundary_tolerance"`
}

var defaults = map[string]any{
	"port":            8080,
	"log_level":       "info",
	"log_format":      "json",
	"public_base_url": "http://localhost:8080",
	"allowed_origin":  "",

	"cache":                  "memory",
	"cache_memory_bytes":     10 * 1024 * 1024,
	"cache_file_dir":         ".data/cache",
	"cache_bolt_path":        ".data/cache.db",
	"cache_ttl":              time.Hour,
	"cache_cleaner_interval": time.Minute,
	"cache_flush_on_start":   false,
	"redis_addr":             "localhost:6379",
	"redis_password":         "",
	"redis_db":               0,

	"fanout_concurrency": 3,

	"upstream_url":          cadastre.DefaultBaseURL,
	"upstream_layer":        cadastre.DefaultLayer,
	"upstream_timeout":      20 * time.Second,
	"upstream_retries":      2,
	"upstream_rps":          10.0,
	"upstream_max_inflight": 8,
	"upstream_coalesce":     true,

	"boundary_url":       boundary.DefaultURL,
	"boundary_file":      ".data/NSW.json",
	"boundary_pid":       boundary.DefaultPID,
	"boundary_tolerance": boundary.DefaultTolerance,
}

// Load reads configuration from the environment, optionally layered over
// configFile. Keys are the lower-case forms of the environment variables,
// e.g. CACHE_TTL is cache_ttl.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.WeaklyTypedInput = true
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port out of range: %d", c.Port))
	}
	if c.FanoutConcurrency < 1 {
		errs = append(errs, fmt.Errorf("fanout_concurrency must be at least 1, got %d", c.FanoutConcurrency))
	}
	if c.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("cache_ttl must not be negative, got %s", c.CacheTTL))
	}
	if c.UpstreamRPS < 0 {
		errs = append(errs, fmt.Errorf("upstream_rps must not be negative, got %g", c.UpstreamRPS))
	}
	if c.UpstreamMaxInflight < 0 {
		errs = append(errs, fmt.Errorf("upstream_max_inflight must not be negative, got %d", c.UpstreamMaxInflight))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
