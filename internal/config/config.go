// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/sitemap-crawler/internal/processor"
)

// EnvPrefix namespaces environment overrides, e.g. SITEMAPCRAWL_HTTP_TIMEOUT.
const EnvPrefix = "SITEMAPCRAWL"

// Config captures all knobs loaded via Viper.
type Config struct {
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// CrawlConfig governs which sitemaps are crawled and how many fetches run at once.
type CrawlConfig struct {
	Sitemaps []string `mapstructure:"sitemaps"`
	// MaxConcurrency is parsed leniently from the raw value; see ParseConcurrency.
	MaxConcurrency int  `mapstructure:"-"`
	PruneFailed    bool `mapstructure:"prune_failed"`
}

// HTTPConfig configures outbound requests.
type HTTPConfig struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// MetricsConfig controls the optional metrics server. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from v, layering an optional file and the environment
// over defaults. Flags should already be bound to v.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Crawl.Sitemaps = NormalizeSitemaps(v.GetStringSlice("crawl.sitemaps"))
	cfg.Crawl.MaxConcurrency = ParseConcurrency(v.GetString("crawl.max_concurrency"))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.sitemaps", []string{})
	v.SetDefault("crawl.max_concurrency", strconv.Itoa(processor.DefaultMaxConcurrency))
	v.SetDefault("crawl.prune_failed", false)
	v.SetDefault("http.user_agent", "sitemapcrawl/1.0")
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// ParseConcurrency converts a raw concurrency setting into a slot count.
// Empty, non-numeric and non-positive values fall back to the default of 10.
func ParseConcurrency(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 {
		return processor.DefaultMaxConcurrency
	}
	return n
}

// NormalizeSitemaps splits comma-separated entries, trims whitespace and
// drops empty values while preserving order.
func NormalizeSitemaps(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawl.MaxConcurrency <= 0 {
		return fmt.Errorf("crawl.max_concurrency must be > 0")
	}
	if c.HTTP.Timeout < 0 {
		return fmt.Errorf("http.timeout must be >= 0")
	}
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	return nil
}
