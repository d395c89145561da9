// Package config loads raid snapshot settings from defaults, an optional file,
// RAIDS_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Defaults shared with the command-line flags.
const (
	DefaultSourceURL  = "https://www.pokebattler.com/raids"
	DefaultOutputPath = "available_raids.json"
	DefaultUserAgent  = "Mozilla/5.0 (compatible; RaidFetcher/1.0; +https://www.pokebattler.com/)"
)

// Config is the full run configuration.
type Config struct {
	Source   SourceConfig   `mapstructure:"source"`
	Output   OutputConfig   `mapstructure:"output"`
	Window   WindowConfig   `mapstructure:"window"`
	Backfill BackfillConfig `mapstructure:"backfill"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Publish  PublishConfig  `mapstructure:"publish"`
}

// SourceConfig controls the primary page fetch.
type SourceConfig struct {
	URL             string        `mapstructure:"url"`
	UserAgent       string        `mapstructure:"user_agent"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	Headless        bool          `mapstructure:"headless"`
	HeadlessTimeout time.Duration `mapstructure:"headless_timeout"`
}

// OutputConfig names the snapshot file.
type OutputConfig struct {
	Path string `mapstructure:"path"`
}

// WindowConfig bounds how far ahead upcoming raids are listed.
type WindowConfig struct {
	Upcoming time.Duration `mapstructure:"upcoming"`
}

// BackfillConfig controls the image backfill pass.
type BackfillConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	Concurrency       int     `mapstructure:"concurrency"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// LoggingConfig selects the zap preset.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig selects where run metrics are exported. Both are optional.
type MetricsConfig struct {
	Textfile       string `mapstructure:"textfile"`
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

// PublishConfig enables the optional snapshot mirror and notification.
type PublishConfig struct {
	GCSBucket     string `mapstructure:"gcs_bucket"`
	GCSObject     string `mapstructure:"gcs_object"`
	PubSubProject string `mapstructure:"pubsub_project"`
	PubSubTopic   string `mapstructure:"pubsub_topic"`
}

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"url":    "source.url",
	"output": "output.path",
}

// Load reads configuration. path may be empty; flags may be nil. Precedence is
// flags, then environment, then file, then defaults.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RAIDS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.url", DefaultSourceURL)
	v.SetDefault("source.user_agent", DefaultUserAgent)
	v.SetDefault("source.timeout", 20*time.Second)
	v.SetDefault("source.max_attempts", 2)
	v.SetDefault("source.headless", false)
	v.SetDefault("source.headless_timeout", 45*time.Second)
	v.SetDefault("output.path", DefaultOutputPath)
	v.SetDefault("window.upcoming", 72*time.Hour)
	v.SetDefault("backfill.enabled", true)
	v.SetDefault("backfill.concurrency", 1)
	v.SetDefault("backfill.requests_per_second", 0)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", "raid_snapshot")
	v.SetDefault("publish.gcs_bucket", "")
	v.SetDefault("publish.gcs_object", "available_raids.json")
	v.SetDefault("publish.pubsub_project", "")
	v.SetDefault("publish.pubsub_topic", "")
}

// Validate ensures the config is usable.
func (c Config) Validate() error {
	u, err := url.Parse(c.Source.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("source.url must be an absolute http(s) URL, got %q", c.Source.URL)
	}
	if c.Source.Timeout <= 0 {
		return errors.New("source.timeout must be > 0")
	}
	if c.Source.MaxAttempts < 1 {
		return errors.New("source.max_attempts must be >= 1")
	}
	if c.Source.Headless && c.Source.HeadlessTimeout <= 0 {
		return errors.New("source.headless_timeout must be > 0 when headless is enabled")
	}
	if strings.TrimSpace(c.Output.Path) == "" {
		return errors.New("output.path is required")
	}
	if c.Window.Upcoming <= 0 {
		return errors.New("window.upcoming must be > 0")
	}
	if c.Backfill.Concurrency < 1 {
		return errors.New("backfill.concurrency must be >= 1")
	}
	if c.Backfill.RequestsPerSecond < 0 {
		return errors.New("backfill.requests_per_second must be >= 0")
	}
	if c.Metrics.PushgatewayURL != "" && c.Metrics.Job == "" {
		return errors.New("metrics.job is required when metrics.pushgateway_url is set")
	}
	if c.Publish.GCSBucket != "" && strings.TrimSpace(c.Publish.GCSObject) == "" {
		return errors.New("publish.gcs_object is required when publish.gcs_bucket is set")
	}
	if c.Publish.PubSubTopic != "" && c.Publish.PubSubProject == "" {
		return errors.New("publish.pubsub_project must be set when publish.pubsub_topic is set")
	}
	return nil
}
