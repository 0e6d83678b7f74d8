// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Capture CaptureConfig `mapstructure:"capture"`
	Icon    IconConfig    `mapstructure:"icon"`
	Render  RenderConfig  `mapstructure:"render"`
	Storage StorageConfig `mapstructure:"storage"`
	Edge    EdgeConfig    `mapstructure:"edge"`
	DB      DBConfig      `mapstructure:"db"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Workers WorkerConfig  `mapstructure:"workers"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CaptureConfig configures the headless preview capture subsystem.
type CaptureConfig struct {
	MaxParallel     int     `mapstructure:"max_parallel"`
	CeilingSec      int     `mapstructure:"ceiling_seconds"`
	NavTimeoutSec   int     `mapstructure:"nav_timeout_seconds"`
	SettleDelayMs   int     `mapstructure:"settle_delay_ms"`
	UserAgent       string  `mapstructure:"user_agent"`
	AcceptLanguage  string  `mapstructure:"accept_language"`
	DomainQPS       float64 `mapstructure:"domain_qps"`
	WideWidth       int     `mapstructure:"wide_width"`
	WideHeight      int     `mapstructure:"wide_height"`
	NarrowWidth     int     `mapstructure:"narrow_width"`
	NarrowHeight    int     `mapstructure:"narrow_height"`
	GracePeriodSec  int     `mapstructure:"grace_period_seconds"`
	StatusPollMs    int     `mapstructure:"status_poll_interval_ms"`
	StatusPollLimit int     `mapstructure:"status_poll_limit"`
}

// IconConfig configures site icon resolution.
type IconConfig struct {
	TimeoutSec int    `mapstructure:"timeout_seconds"`
	UserAgent  string `mapstructure:"user_agent"`
}

// RenderConfig configures artifact rendering.
type RenderConfig struct {
	DefaultLocale  string `mapstructure:"default_locale"`
	RedirectDelayS int    `mapstructure:"redirect_delay_seconds"`
}

// StorageConfig sets bucket and addressing for blob persistence.
type StorageConfig struct {
	GCSBucket   string `mapstructure:"gcs_bucket"`
	CDNBaseURL  string `mapstructure:"cdn_base_url"`
	ContentType string `mapstructure:"content_type"`
}

// EdgeConfig controls edge route registration and DNS verification.
type EdgeConfig struct {
	ExpectedCNAME string `mapstructure:"expected_cname"`
	OpTimeoutSec  int    `mapstructure:"op_timeout_seconds"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// WorkerConfig governs the publish worker pool.
type WorkerConfig struct {
	Count           int `mapstructure:"count"`
	QueueDepth      int `mapstructure:"queue_depth"`
	StageTimeoutSec int `mapstructure:"stage_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGEPRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("capture.max_parallel", 2)
	v.SetDefault("capture.ceiling_seconds", 60)
	v.SetDefault("capture.nav_timeout_seconds", 30)
	v.SetDefault("capture.settle_delay_ms", 1500)
	v.SetDefault("capture.user_agent",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("capture.accept_language", "en-US,en;q=0.9")
	v.SetDefault("capture.domain_qps", 1.0)
	v.SetDefault("capture.wide_width", 1440)
	v.SetDefault("capture.wide_height", 900)
	v.SetDefault("capture.narrow_width", 390)
	v.SetDefault("capture.narrow_height", 844)
	v.SetDefault("capture.grace_period_seconds", 10)
	v.SetDefault("capture.status_poll_interval_ms", 2000)
	v.SetDefault("capture.status_poll_limit", 35)
	v.SetDefault("icon.timeout_seconds", 10)
	v.SetDefault("render.default_locale", "en")
	v.SetDefault("render.redirect_delay_seconds", 4)
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("edge.op_timeout_seconds", 10)
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.queue_depth", 64)
	v.SetDefault("workers.stage_timeout_seconds", 30)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Capture.MaxParallel <= 0 {
		return fmt.Errorf("capture.max_parallel must be > 0")
	}
	if c.Capture.CeilingSec <= 0 {
		return fmt.Errorf("capture.ceiling_seconds must be > 0")
	}
	if c.Capture.NavTimeoutSec <= 0 || c.Capture.NavTimeoutSec > c.Capture.CeilingSec {
		return fmt.Errorf("capture.nav_timeout_seconds must be in (0, ceiling]")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	if c.Workers.QueueDepth <= 0 {
		return fmt.Errorf("workers.queue_depth must be > 0")
	}
	if c.Render.DefaultLocale == "" {
		return fmt.Errorf("render.default_locale must be set")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// CaptureCeiling returns the hard wall-clock deadline for one capture call.
func (c Config) CaptureCeiling() time.Duration {
	return time.Duration(c.Capture.CeilingSec) * time.Second
}

// NavTimeout returns the per-navigation timeout inside a capture.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Capture.NavTimeoutSec) * time.Second
}

// SettleDelay returns the fixed wait applied after content becomes visible.
func (c Config) SettleDelay() time.Duration {
	return time.Duration(c.Capture.SettleDelayMs) * time.Millisecond
}

// GracePeriod is the slack the status endpoint allows past the ceiling
// before it reports pending assets as failed.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.Capture.GracePeriodSec) * time.Second
}

// StageTimeout bounds render, storage publish, and edge registration.
func (c Config) StageTimeout() time.Duration {
	return time.Duration(c.Workers.StageTimeoutSec) * time.Second
}

// EdgeOpTimeout bounds a single edge route read-modify-write outside the
// retrying publish path.
func (c Config) EdgeOpTimeout() time.Duration {
	return time.Duration(c.Edge.OpTimeoutSec) * time.Second
}
