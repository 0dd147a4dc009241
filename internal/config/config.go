package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone  = "UTC"
	configPathEnv    = "STORY_RADAR_CONFIG"
	databaseDSNEnv   = "DATABASE_DSN"
	scoringAPIKeyEnv = "SCORING_API_KEY"
	scoringModelEnv  = "SCORING_MODEL"
	embedAPIKeyEnv   = "EMBEDDING_API_KEY"
	telegramTokenEnv = "TELEGRAM_BOT_TOKEN"
	telegramChatEnv  = "TELEGRAM_CHAT_ID"
)

// Config holds high-level settings required across the application.
type Config struct {
	Database      DatabaseConfig     `yaml:"database"`
	Engine        EngineConfig       `yaml:"engine"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	Embedding     EmbeddingConfig    `yaml:"embedding"`
	Scoring       ScoringConfig      `yaml:"scoring"`
	Notifications NotificationConfig `yaml:"notifications"`
	Logging       LoggingConfig      `yaml:"logging"`
	Sites         []SiteConfig       `yaml:"sites"`
}

// DatabaseConfig names the cluster store location. A postgres:// DSN selects
// the Postgres driver, any other non-empty value is a SQLite path, and an
// empty DSN runs on the in-memory store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// EngineConfig carries the clustering policy knobs.
type EngineConfig struct {
	WindowHours         int     `yaml:"windowHours"`
	KNeighbors          int     `yaml:"kNeighbors"`
	SimilarityThreshold float64 `yaml:"similarityThreshold"`
	TopK                int     `yaml:"topK"`
	TopKGraceHours      int     `yaml:"topKGraceHours"`
	Dimension           int     `yaml:"dimension"`
	Representative      string  `yaml:"representative"`
	Workers             int     `yaml:"workers"`
}

// Window returns the recency horizon as a duration.
func (e EngineConfig) Window() time.Duration {
	return time.Duration(e.WindowHours) * time.Hour
}

// TopKGrace returns how long CLOSED clusters stay visible to top-K.
func (e EngineConfig) TopKGrace() time.Duration {
	return time.Duration(e.TopKGraceHours) * time.Hour
}

// SchedulerConfig defines the ingestion and sweep cadence.
type SchedulerConfig struct {
	RunInterval   string         `yaml:"runInterval"`
	SweepInterval string         `yaml:"sweepInterval"`
	Timezone      string         `yaml:"timezone"`
	location      *time.Location `yaml:"-"`
}

// RunEvery parses the ingestion interval, defaulting to one hour.
func (s SchedulerConfig) RunEvery() time.Duration {
	return parseInterval(s.RunInterval, time.Hour)
}

// SweepEvery parses the sweep interval, defaulting to fifteen minutes.
func (s SchedulerConfig) SweepEvery() time.Duration {
	return parseInterval(s.SweepInterval, 15*time.Minute)
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

func parseInterval(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		log.Printf("config: invalid interval %q, using %s", value, fallback)
		return fallback
	}
	return d
}

// EmbeddingConfig describes the external embedding inference service.
type EmbeddingConfig struct {
	InferenceURL string `yaml:"inferenceUrl"`
	APIKey       string `yaml:"apiKey"`
}

// ScoringConfig defines how to contact the downstream hotness-scoring API.
type ScoringConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Model        string `yaml:"model"`
	APIKey       string `yaml:"apiKey"`
	SystemPrompt string `yaml:"systemPrompt"`
}

// NotificationConfig encapsulates outbound channels (Telegram, etc.).
type NotificationConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
}

// LoggingConfig selects the log verbosity.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SiteConfig describes a single site with its scanner strategy.
type SiteConfig struct {
	Name     string            `yaml:"name"`
	Scanner  string            `yaml:"scanner"`
	Sections []SectionConfig   `yaml:"sections"`
	Options  map[string]string `yaml:"options"`
}

// SectionConfig holds the concrete listing endpoints to crawl.
type SectionConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Load reads YAML configuration (if present) and applies environment overrides.
func Load() Config {
	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezone()

	if len(cfg.Sites) == 0 {
		cfg.Sites = defaultConfig().Sites
	}

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Notifications.Telegram.BotToken = v
	}

	if v := os.Getenv(telegramChatEnv); v != "" {
		c.Notifications.Telegram.ChatID = v
	}

	if v := os.Getenv(scoringAPIKeyEnv); v != "" {
		c.Scoring.APIKey = v
	}

	if v := os.Getenv(scoringModelEnv); v != "" {
		c.Scoring.Model = v
	}

	if v := os.Getenv(embedAPIKeyEnv); v != "" {
		c.Embedding.APIKey = v
	}
}

func (c *Config) bindTimezone() {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("config: unknown timezone %s, reverting to %s", tz, defaultTimezone)
		loc, _ = time.LoadLocation(defaultTimezone)
	}
	c.Scheduler.location = loc
}

func mergeConfig(base, override Config) Config {
	if override.Database.DSN != "" {
		base.Database = override.Database
	}

	if override.Engine.WindowHours > 0 {
		base.Engine.WindowHours = override.Engine.WindowHours
	}
	if override.Engine.KNeighbors > 0 {
		base.Engine.KNeighbors = override.Engine.KNeighbors
	}
	if override.Engine.SimilarityThreshold > 0 {
		base.Engine.SimilarityThreshold = override.Engine.SimilarityThreshold
	}
	if override.Engine.TopK > 0 {
		base.Engine.TopK = override.Engine.TopK
	}
	if override.Engine.TopKGraceHours > 0 {
		base.Engine.TopKGraceHours = override.Engine.TopKGraceHours
	}
	if override.Engine.Dimension > 0 {
		base.Engine.Dimension = override.Engine.Dimension
	}
	if override.Engine.Representative != "" {
		base.Engine.Representative = override.Engine.Representative
	}
	if override.Engine.Workers > 0 {
		base.Engine.Workers = override.Engine.Workers
	}

	if override.Scheduler.RunInterval != "" {
		base.Scheduler.RunInterval = override.Scheduler.RunInterval
	}
	if override.Scheduler.SweepInterval != "" {
		base.Scheduler.SweepInterval = override.Scheduler.SweepInterval
	}
	if override.Scheduler.Timezone != "" {
		base.Scheduler.Timezone = override.Scheduler.Timezone
	}

	if override.Embedding.InferenceURL != "" {
		base.Embedding.InferenceURL = override.Embedding.InferenceURL
	}
	if override.Embedding.APIKey != "" {
		base.Embedding.APIKey = override.Embedding.APIKey
	}

	if override.Scoring.Endpoint != "" {
		base.Scoring.Endpoint = override.Scoring.Endpoint
	}
	if override.Scoring.Model != "" {
		base.Scoring.Model = override.Scoring.Model
	}
	if override.Scoring.APIKey != "" {
		base.Scoring.APIKey = override.Scoring.APIKey
	}
	if override.Scoring.SystemPrompt != "" {
		base.Scoring.SystemPrompt = override.Scoring.SystemPrompt
	}

	if override.Notifications.Telegram.BotToken != "" {
		base.Notifications.Telegram.BotToken = override.Notifications.Telegram.BotToken
	}
	if override.Notifications.Telegram.ChatID != "" {
		base.Notifications.Telegram.ChatID = override.Notifications.Telegram.ChatID
	}

	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}

	if len(override.Sites) > 0 {
		base.Sites = override.Sites
	}

	return base
}

func defaultConfig() Config {
	tz, _ := time.LoadLocation(defaultTimezone)
	return Config{
		Database: DatabaseConfig{DSN: ""},
		Engine: EngineConfig{
			WindowHours:         48,
			KNeighbors:          30,
			SimilarityThreshold: 0.85,
			TopK:                10,
			TopKGraceHours:      0,
			Dimension:           384,
			Representative:      "mean",
			Workers:             4,
		},
		Scheduler: SchedulerConfig{
			RunInterval:   "1h",
			SweepInterval: "15m",
			Timezone:      defaultTimezone,
			location:      tz,
		},
		Embedding: EmbeddingConfig{InferenceURL: "https://ml.example.org/embed", APIKey: ""},
		Scoring: ScoringConfig{
			Endpoint: "https://api.openai.com/v1/chat/completions",
			Model:    "gpt-4o-mini",
			APIKey:   "",
			SystemPrompt: "You rate news story clusters by hotness from 0 to 1 " +
				"and answer with a JSON array of {cluster_id, hotness}.",
		},
		Logging: LoggingConfig{Level: "info"},
		Sites: []SiteConfig{
			{
				Name:    "example-news",
				Scanner: "listing",
				Sections: []SectionConfig{
					{Name: "markets", URL: "https://news.example.org/markets"},
				},
			},
		},
	}
}
