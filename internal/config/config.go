// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/regcrawler/internal/crawler"
)

// EnvPrefix prefixes every environment override, e.g.
// REGCRAWLER_CRAWLER_CONCURRENCY_LEVEL=5.
const EnvPrefix = "REGCRAWLER"

// Run modes.
const (
	ModeDryRun  = "dry-run"
	ModeFullRun = "full-run"
)

// Config captures every knob of a crawl run.
type Config struct {
	Mode    string        `mapstructure:"mode"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Circuit CircuitConfig `mapstructure:"circuit"`
	Output  OutputConfig  `mapstructure:"output"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Logging LoggingConfig `mapstructure:"logging"`
	Server  ServerConfig  `mapstructure:"server"`
}

// CrawlerConfig governs the frontier and worker pool.
type CrawlerConfig struct {
	StartURLs         []string `mapstructure:"start_urls"`
	FinalPagePatterns []string `mapstructure:"final_page_patterns"`
	ConcurrencyLevel  int      `mapstructure:"concurrency_level"`
	MaxDepth          int      `mapstructure:"max_depth"`
	AllowedHosts      []string `mapstructure:"allowed_hosts"`
	DeniedHosts       []string `mapstructure:"denied_hosts"`
	UserAgents        []string `mapstructure:"user_agents"`
}

// HTTPConfig configures the fetch pipeline.
type HTTPConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	BackoffFactor   float64       `mapstructure:"backoff_factor"`
	RequestTimeout  int           `mapstructure:"request_timeout"`
	MinHostInterval time.Duration `mapstructure:"min_host_interval"`
	MaxBodyBytes    int           `mapstructure:"max_body_bytes"`
}

// CircuitConfig tunes the per-host circuit breaker.
type CircuitConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// OutputConfig controls result files and optional record persistence.
type OutputConfig struct {
	Folder        string `mapstructure:"folder"`
	Format        string `mapstructure:"format"`
	SaveHTML      bool   `mapstructure:"save_html"`
	HTMLStore     string `mapstructure:"html_store"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	GCSPrefix     string `mapstructure:"gcs_prefix"`
	DatabaseURL   string `mapstructure:"database_url"`
	DatabaseTable string `mapstructure:"database_table"`
}

// PubSubConfig holds optional record notification settings.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
}

// ServerConfig controls the optional ops HTTP server.
type ServerConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Flag binds a CLI flag to a config key. The flag wins only when set.
type Flag struct {
	Key  string
	Flag *pflag.Flag
}

// Load builds a Config from defaults, an optional file, REGCRAWLER_*
// environment variables and the given flags, then validates it. Without an
// explicit path, config.yaml is looked up in the working directory,
// /etc/regcrawler and $HOME/.regcrawler; a missing file is not an error.
func Load(path string, flags ...Flag) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for _, f := range flags {
		if f.Flag == nil {
			continue
		}
		if err := v.BindPFlag(f.Key, f.Flag); err != nil {
			return Config{}, fmt.Errorf("bind flag %s: %w", f.Key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, crawler.NewConfigError("config", "read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/regcrawler/")
		v.AddConfigPath("$HOME/.regcrawler")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, crawler.NewConfigError("config", "read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, crawler.NewConfigError("config", "unmarshal: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeDryRun)
	v.SetDefault("crawler.start_urls", []string{})
	v.SetDefault("crawler.final_page_patterns", crawler.DefaultFinalPagePatterns)
	v.SetDefault("crawler.concurrency_level", 3)
	v.SetDefault("crawler.max_depth", 1)
	v.SetDefault("crawler.allowed_hosts", []string{})
	v.SetDefault("crawler.denied_hosts", []string{})
	v.SetDefault("crawler.user_agents", []string{})
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_factor", 1.0)
	v.SetDefault("http.request_timeout", 30)
	v.SetDefault("http.min_host_interval", "0s")
	v.SetDefault("http.max_body_bytes", 10*1024*1024)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.cooldown", "30s")
	v.SetDefault("output.folder", "data")
	v.SetDefault("output.format", "json")
	v.SetDefault("output.save_html", true)
	v.SetDefault("output.html_store", "local")
	v.SetDefault("output.gcs_bucket", "")
	v.SetDefault("output.gcs_prefix", "")
	v.SetDefault("output.database_url", "")
	v.SetDefault("output.database_table", "records")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.file", "")
	v.SetDefault("server.metrics_addr", "")
}

func (c *Config) normalize() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	c.Output.Format = strings.ToLower(strings.TrimSpace(c.Output.Format))
	c.Output.HTMLStore = strings.ToLower(strings.TrimSpace(c.Output.HTMLStore))
	c.Crawler.StartURLs = trimAll(c.Crawler.StartURLs)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate enforces required values and limits. Errors are *crawler.ConfigError.
func (c Config) Validate() error {
	switch {
	case c.Mode != ModeDryRun && c.Mode != ModeFullRun:
		return crawler.NewConfigError("mode", "must be %q or %q, got %q", ModeDryRun, ModeFullRun, c.Mode)
	case len(c.Crawler.StartURLs) == 0:
		return crawler.NewConfigError("crawler.start_urls", "at least one start URL is required")
	case c.Crawler.ConcurrencyLevel <= 0:
		return crawler.NewConfigError("crawler.concurrency_level", "must be > 0, got %d", c.Crawler.ConcurrencyLevel)
	case c.Crawler.MaxDepth < 0:
		return crawler.NewConfigError("crawler.max_depth", "must be >= 0, got %d", c.Crawler.MaxDepth)
	case c.HTTP.MaxRetries < 0:
		return crawler.NewConfigError("http.max_retries", "must be >= 0, got %d", c.HTTP.MaxRetries)
	case c.HTTP.BackoffFactor < 0:
		return crawler.NewConfigError("http.backoff_factor", "must be >= 0, got %v", c.HTTP.BackoffFactor)
	case c.HTTP.RequestTimeout <= 0:
		return crawler.NewConfigError("http.request_timeout", "must be > 0, got %d", c.HTTP.RequestTimeout)
	case c.HTTP.MinHostInterval < 0:
		return crawler.NewConfigError("http.min_host_interval", "must be >= 0, got %s", c.HTTP.MinHostInterval)
	case c.Circuit.FailureThreshold <= 0:
		return crawler.NewConfigError("circuit.failure_threshold", "must be > 0, got %d", c.Circuit.FailureThreshold)
	case c.Circuit.Cooldown <= 0:
		return crawler.NewConfigError("circuit.cooldown", "must be > 0, got %s", c.Circuit.Cooldown)
	}
	switch c.Output.Format {
	case "json", "csv", "both":
	default:
		return crawler.NewConfigError("output.format", "must be json, csv or both, got %q", c.Output.Format)
	}
	switch c.Output.HTMLStore {
	case "local":
	case "gcs":
		if c.Output.SaveHTML && c.Output.GCSBucket == "" {
			return crawler.NewConfigError("output.gcs_bucket", "is required when output.html_store is gcs")
		}
	default:
		return crawler.NewConfigError("output.html_store", "must be local or gcs, got %q", c.Output.HTMLStore)
	}
	if c.Mode == ModeFullRun && strings.TrimSpace(c.Output.Folder) == "" {
		return crawler.NewConfigError("output.folder", "is required for full runs")
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return crawler.NewConfigError("pubsub.project_id", "is required when pubsub.topic is set")
	}
	if _, err := crawler.NewPatternMatcher(c.Crawler.FinalPagePatterns); err != nil {
		return err
	}
	return nil
}

// DryRun reports whether the run must leave no files behind.
func (c Config) DryRun() bool {
	return c.Mode != ModeFullRun
}

// RequestTimeout returns the per-attempt HTTP timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.RequestTimeout) * time.Second
}

// BackoffFactor returns the base retry delay.
func (c Config) BackoffFactor() time.Duration {
	return time.Duration(c.HTTP.BackoffFactor * float64(time.Second))
}

// HostInterval returns the minimum spacing between requests to one host. When
// unset it is one second divided by the concurrency level.
func (c Config) HostInterval() time.Duration {
	if c.HTTP.MinHostInterval > 0 {
		return c.HTTP.MinHostInterval
	}
	if c.Crawler.ConcurrencyLevel <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(c.Crawler.ConcurrencyLevel)
}
