// Package config loads and validates scraper configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g. SCRAPER_DB_DSN.
const EnvPrefix = "SCRAPER"

// Archive backends.
const (
	ArchiveNone   = ""
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
	ArchiveMemory = "memory"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Sites     SitesConfig     `mapstructure:"sites"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SitesConfig points at the two site registries.
type SitesConfig struct {
	GovBRPath string `mapstructure:"govbr_path"`
	EBCPath   string `mapstructure:"ebc_path"`
}

// ScraperConfig governs the ingestion coordinator.
type ScraperConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	MaxPages       int           `mapstructure:"max_pages"`
	RunTimeout     time.Duration `mapstructure:"run_timeout"`
	StorageRetries int           `mapstructure:"storage_retries"`
	NotifyTimeout  time.Duration `mapstructure:"notify_timeout"`
}

// HTTPConfig configures the fetcher and its retry behavior.
type HTTPConfig struct {
	UserAgent      string        `mapstructure:"user_agent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	RetryAfterCap  time.Duration `mapstructure:"retry_after_cap"`
}

// RateLimitConfig sets the per-host politeness defaults.
type RateLimitConfig struct {
	DefaultInterval time.Duration `mapstructure:"default_interval"`
	Burst           int           `mapstructure:"burst"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds the "news scraped" topic settings.
type PubSubConfig struct {
	ProjectID        string `mapstructure:"project_id"`
	TopicNewsScraped string `mapstructure:"topic_news_scraped"`
}

// WebhookConfig enables the HTTP event transport when URL is set.
type WebhookConfig struct {
	URL     string            `mapstructure:"url"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Headers map[string]string `mapstructure:"headers"`
}

// ArchiveConfig selects where raw article HTML is kept.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// Load builds a Config from .env files, an optional config file and the environment.
func Load(path string) (Config, error) {
	if err := loadDotEnv(path); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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

// loadDotEnv reads .env from the working directory and next to the config file.
// Variables already present in the environment win.
func loadDotEnv(configPath string) error {
	candidates := []string{".env"}
	if configPath != "" {
		if dir := filepath.Dir(configPath); dir != "." {
			candidates = append(candidates, filepath.Join(dir, ".env"))
		}
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		if err := godotenv.Load(candidate); err != nil {
			return fmt.Errorf("load %s: %w", candidate, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("sites.govbr_path", "configs/site_urls.yaml")
	v.SetDefault("sites.ebc_path", "configs/ebc_urls.yaml")
	v.SetDefault("scraper.concurrency", 4)
	v.SetDefault("scraper.max_pages", 50)
	v.SetDefault("scraper.run_timeout", 14*time.Minute)
	v.SetDefault("scraper.storage_retries", 3)
	v.SetDefault("scraper.notify_timeout", 10*time.Second)
	v.SetDefault("http.user_agent", "DestaquesGovBr-Scraper/1.0 (+https://github.com/destaquesgovbr)")
	v.SetDefault("http.timeout", 20*time.Second)
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.backoff_initial", 250*time.Millisecond)
	v.SetDefault("http.backoff_max", 5*time.Second)
	v.SetDefault("http.retry_after_cap", 60*time.Second)
	v.SetDefault("rate_limit.default_interval", 500*time.Millisecond)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "news")
	v.SetDefault("db.max_conns", 0)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", 0)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_news_scraped", "")
	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("archive.prefix", "raw")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0"))
	}
	if c.Scraper.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("scraper.concurrency must be > 0"))
	}
	if c.Scraper.MaxPages <= 0 {
		errs = append(errs, fmt.Errorf("scraper.max_pages must be > 0"))
	}
	if c.Scraper.RunTimeout <= 0 {
		errs = append(errs, fmt.Errorf("scraper.run_timeout must be > 0"))
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("http.timeout must be > 0"))
	}
	if c.HTTP.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("http.max_attempts must be > 0"))
	}
	if c.RateLimit.DefaultInterval < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.default_interval must be >= 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, fmt.Errorf("auth.api_key must be set when auth is enabled"))
	}
	if c.Sites.GovBRPath == "" || c.Sites.EBCPath == "" {
		errs = append(errs, fmt.Errorf("sites.govbr_path and sites.ebc_path are required"))
	}
	if !validTableName.MatchString(c.DB.Table) {
		errs = append(errs, fmt.Errorf("db.table %q is not a valid table name", c.DB.Table))
	}
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveGCS:
		if c.Archive.Bucket == "" {
			errs = append(errs, fmt.Errorf("archive.bucket must be set for the gcs backend"))
		}
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			errs = append(errs, fmt.Errorf("archive.base_dir must be set for the local backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.backend %q is not one of local, gcs, memory", c.Archive.Backend))
	}
	return errors.Join(errs...)
}
