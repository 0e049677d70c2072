package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for gigradar.
type Config struct {
	Database       string
	Site           SiteConfig
	PollInterval   time.Duration
	FullScrapeSpec string
	FullScrape     cron.Schedule
	Scraper        ScraperConfig
	Enrichment     EnrichmentConfig
	Categories     []CategoryConfig
	Matching       MatchingConfig
	Delivery       DeliveryConfig
	Email          EmailConfig
	Telegram       TelegramConfig
	Metrics        MetricsConfig
}

// SiteConfig locates the job site.
type SiteConfig struct {
	BaseURL       string `yaml:"base_url"`
	ListingPath   string `yaml:"listing_path"`
	CategoryParam string `yaml:"category_param"`
}

// ScraperConfig controls request pacing and anti-ban behaviour.
type ScraperConfig struct {
	Timeout           time.Duration
	MaxPages          int
	MinDelay          time.Duration // lower bound of the randomized pre-request delay
	MaxDelay          time.Duration // upper bound of the randomized pre-request delay
	RequestsPerSecond float64
	MaxAttempts       int
	BaseBackoff       time.Duration
	BlockedCooldown   time.Duration
	UserAgents        []string
}

// EnrichmentConfig bounds the fixer-upper pass over jobs with no hiring rate.
type EnrichmentConfig struct {
	MaxAge    time.Duration
	BatchSize int
}

// CategoryConfig describes one category to watch.
type CategoryConfig struct {
	ID      int64  `yaml:"id"`
	Name    string `yaml:"name"`
	SiteRef string `yaml:"site_ref"`
	Enabled bool   `yaml:"enabled"`
}

// MatchingConfig holds the unknown hiring-rate policy: "include" or "withhold".
type MatchingConfig struct {
	UnknownRate string `yaml:"unknown_rate"`
}

// DeliveryConfig controls the notification worker.
type DeliveryConfig struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	ShutdownGrace  time.Duration
	RecoveryWindow time.Duration
}

// EmailConfig selects and configures the email dispatcher.
type EmailConfig struct {
	Provider      string `yaml:"provider"` // "smtp", "ses" or "log"
	From          string `yaml:"from"`
	FromName      string `yaml:"from_name"`
	SMTPHost      string `yaml:"smtp_host"`
	SMTPPort      int    `yaml:"smtp_port"`
	SMTPUsername  string `yaml:"smtp_username"`
	SMTPPassword  string `yaml:"smtp_password"`
	SESRegion     string `yaml:"ses_region"`
	PublicBaseURL string `yaml:"public_base_url"` // used for unsubscribe links
}

// TelegramConfig configures the chat-bot dispatcher. An empty token disables it.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	APIURL   string `yaml:"api_url"`
}

// MetricsConfig controls the Prometheus listener. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

const (
	defaultBaseURL       = "https://mostaql.com"
	defaultListingPath   = "/projects"
	defaultCategoryParam = "category"
	defaultTelegramAPI   = "https://api.telegram.org"
	defaultFullScrape    = "@every 30m"
)

// rawConfig is used for YAML unmarshaling (snake_case fields and durations as strings).
type rawConfig struct {
	Database     string            `yaml:"database"`
	Site         SiteConfig        `yaml:"site"`
	PollInterval string            `yaml:"poll_interval"`
	FullScrape   string            `yaml:"full_scrape"`
	Scraper      rawScraperConfig  `yaml:"scraper"`
	Enrichment   rawEnrichment     `yaml:"enrichment"`
	Categories   []CategoryConfig  `yaml:"categories"`
	Matching     MatchingConfig    `yaml:"matching"`
	Delivery     rawDeliveryConfig `yaml:"delivery"`
	Email        EmailConfig       `yaml:"email"`
	Telegram     TelegramConfig    `yaml:"telegram"`
	Metrics      MetricsConfig     `yaml:"metrics"`
}

type rawScraperConfig struct {
	Timeout           string   `yaml:"timeout"`
	MaxPages          int      `yaml:"max_pages"`
	MinDelay          string   `yaml:"min_delay"`
	MaxDelay          string   `yaml:"max_delay"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	MaxAttempts       int      `yaml:"max_attempts"`
	BaseBackoff       string   `yaml:"base_backoff"`
	BlockedCooldown   string   `yaml:"blocked_cooldown"`
	UserAgents        []string `yaml:"user_agents"`
}

type rawEnrichment struct {
	MaxAge    string `yaml:"max_age"`
	BatchSize int    `yaml:"batch_size"`
}

type rawDeliveryConfig struct {
	MaxAttempts    int    `yaml:"max_attempts"`
	BaseBackoff    string `yaml:"base_backoff"`
	ShutdownGrace  string `yaml:"shutdown_grace"`
	RecoveryWindow string `yaml:"recovery_window"`
}

// Load reads and parses the YAML config file at path, validates it, and returns Config.
// A .env file next to the config (if present) is loaded first so ${VAR}
// references can point at secrets kept out of the YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envPath, err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := &Config{
		Database:   raw.Database,
		Site:       raw.Site,
		Categories: raw.Categories,
		Matching:   raw.Matching,
		Email:      raw.Email,
		Telegram:   raw.Telegram,
		Metrics:    raw.Metrics,
	}
	if cfg.Database == "" {
		cfg.Database = "gigradar.db"
	}
	if cfg.Site.BaseURL == "" {
		cfg.Site.BaseURL = defaultBaseURL
	}
	cfg.Site.BaseURL = strings.TrimRight(cfg.Site.BaseURL, "/")
	if cfg.Site.ListingPath == "" {
		cfg.Site.ListingPath = defaultListingPath
	}
	if cfg.Site.CategoryParam == "" {
		cfg.Site.CategoryParam = defaultCategoryParam
	}
	if cfg.Matching.UnknownRate == "" {
		cfg.Matching.UnknownRate = "include"
	}
	if cfg.Telegram.APIURL == "" {
		cfg.Telegram.APIURL = defaultTelegramAPI
	}
	if cfg.Email.Provider == "" {
		cfg.Email.Provider = "log"
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = 587
	}

	if cfg.PollInterval, err = parseDuration("poll_interval", raw.PollInterval, time.Minute); err != nil {
		return nil, err
	}

	cfg.FullScrapeSpec = raw.FullScrape
	if cfg.FullScrapeSpec == "" {
		cfg.FullScrapeSpec = defaultFullScrape
	}
	cfg.FullScrape, err = cron.ParseStandard(cfg.FullScrapeSpec)
	if err != nil {
		return nil, fmt.Errorf("parse full_scrape %q: %w", cfg.FullScrapeSpec, err)
	}

	s := raw.Scraper
	cfg.Scraper = ScraperConfig{
		MaxPages:          orInt(s.MaxPages, 10),
		RequestsPerSecond: s.RequestsPerSecond,
		MaxAttempts:       orInt(s.MaxAttempts, 3),
		UserAgents:        s.UserAgents,
	}
	if cfg.Scraper.RequestsPerSecond == 0 {
		cfg.Scraper.RequestsPerSecond = 0.5
	}
	if cfg.Scraper.Timeout, err = parseDuration("scraper.timeout", s.Timeout, 20*time.Second); err != nil {
		return nil, err
	}
	if cfg.Scraper.MinDelay, err = parseDuration("scraper.min_delay", s.MinDelay, time.Second); err != nil {
		return nil, err
	}
	if cfg.Scraper.MaxDelay, err = parseDuration("scraper.max_delay", s.MaxDelay, 4*time.Second); err != nil {
		return nil, err
	}
	if cfg.Scraper.BaseBackoff, err = parseDuration("scraper.base_backoff", s.BaseBackoff, 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.Scraper.BlockedCooldown, err = parseDuration("scraper.blocked_cooldown", s.BlockedCooldown, 10*time.Minute); err != nil {
		return nil, err
	}

	cfg.Enrichment.BatchSize = orInt(raw.Enrichment.BatchSize, 20)
	if cfg.Enrichment.MaxAge, err = parseDuration("enrichment.max_age", raw.Enrichment.MaxAge, 24*time.Hour); err != nil {
		return nil, err
	}

	d := raw.Delivery
	cfg.Delivery.MaxAttempts = orInt(d.MaxAttempts, 5)
	if cfg.Delivery.BaseBackoff, err = parseDuration("delivery.base_backoff", d.BaseBackoff, 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.Delivery.ShutdownGrace, err = parseDuration("delivery.shutdown_grace", d.ShutdownGrace, 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Delivery.RecoveryWindow, err = parseDuration("delivery.recovery_window", d.RecoveryWindow, 6*time.Hour); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// EnabledCategories returns the categories with enabled: true, in config order.
func (c *Config) EnabledCategories() []CategoryConfig {
	var out []CategoryConfig
	for _, cat := range c.Categories {
		if cat.Enabled {
			out = append(out, cat)
		}
	}
	return out
}

func parseDuration(field, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", field, value, err)
	}
	return d, nil
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func validate(cfg *Config) error {
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", cfg.PollInterval)
	}
	if u, err := url.Parse(cfg.Site.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("site.base_url must be an absolute URL, got %q", cfg.Site.BaseURL)
	}

	seen := make(map[int64]bool)
	enabled := 0
	for _, c := range cfg.Categories {
		if c.ID <= 0 {
			return fmt.Errorf("category %q: id must be positive", c.Name)
		}
		if seen[c.ID] {
			return fmt.Errorf("category id %d is duplicated", c.ID)
		}
		seen[c.ID] = true
		if c.Name == "" {
			return fmt.Errorf("category %d: name is required", c.ID)
		}
		if c.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one category must be enabled")
	}

	if cfg.Scraper.MaxPages < 1 {
		return fmt.Errorf("scraper.max_pages must be at least 1, got %d", cfg.Scraper.MaxPages)
	}
	if cfg.Scraper.MaxDelay < cfg.Scraper.MinDelay {
		return fmt.Errorf("scraper.max_delay (%v) must not be below scraper.min_delay (%v)", cfg.Scraper.MaxDelay, cfg.Scraper.MinDelay)
	}
	if cfg.Scraper.MaxAttempts < 1 {
		return fmt.Errorf("scraper.max_attempts must be at least 1, got %d", cfg.Scraper.MaxAttempts)
	}
	if cfg.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery.max_attempts must be at least 1, got %d", cfg.Delivery.MaxAttempts)
	}

	switch cfg.Matching.UnknownRate {
	case "include", "withhold":
	default:
		return fmt.Errorf("matching.unknown_rate must be \"include\" or \"withhold\", got %q", cfg.Matching.UnknownRate)
	}

	switch cfg.Email.Provider {
	case "log":
	case "smtp":
		if cfg.Email.SMTPHost == "" || cfg.Email.From == "" {
			return fmt.Errorf("email.smtp_host and email.from are required when provider is \"smtp\"")
		}
	case "ses":
		if cfg.Email.SESRegion == "" || cfg.Email.From == "" {
			return fmt.Errorf("email.ses_region and email.from are required when provider is \"ses\"")
		}
	default:
		return fmt.Errorf("email.provider must be one of smtp, ses, log; got %q", cfg.Email.Provider)
	}

	return nil
}
