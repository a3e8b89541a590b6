// Package config loads settings from defaults, an optional YAML file and the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/deusflow/boroughnews/internal/classifier"
)

type Config struct {
	// Feeds and ledger
	FeedsConfigPath string
	LedgerDir       string

	// Row store
	DatabaseDriver     string // "postgres" or "sqlite"
	DatabaseURL        string
	DatabaseAutoSchema bool

	// Classifier settings
	ClassifierProvider    string // groq | openai | gemini
	GroqAPIKey            string
	GroqBaseURL           string
	GroqModel             string
	OpenAIAPIKey          string
	OpenAIModel           string
	GeminiAPIKey          string
	GeminiModel           string
	MaxClassifierRequests int // per run (0 = unlimited)
	ClassifierRPM         int
	RateLimitPause        time.Duration
	DefaultBorough        string
	CacheTTL              time.Duration

	// HTTP settings
	RequestTimeout time.Duration
	UserAgent      string
	RespectRobots  bool

	// Insert retries
	RetryAttempts int
	RetryDelay    time.Duration

	// Export settings
	ExportDir  string
	ExportDays int

	// App settings
	LogLevel             string
	EnableHTTPMonitoring bool
	MonitoringPort       string
}

var defaults = map[string]any{
	"FEEDS_CONFIG_PATH":       "configs/feeds.yaml",
	"LEDGER_DIR":              "id_storage",
	"DATABASE_DRIVER":         "postgres",
	"DATABASE_AUTO_SCHEMA":    false,
	"CLASSIFIER_PROVIDER":     "groq",
	"GROQ_BASE_URL":           classifier.GroqBaseURL,
	"GROQ_MODEL":              classifier.GroqModel,
	"OPENAI_MODEL":            "gpt-4o-mini",
	"GEMINI_MODEL":            classifier.GeminiModel,
	"MAX_CLASSIFIER_REQUESTS": 0,
	"CLASSIFIER_RPM":          30,
	"RATE_LIMIT_PAUSE":        "10s",
	"DEFAULT_BOROUGH":         classifier.DefaultBorough,
	"CACHE_TTL":               "24h",
	"REQUEST_TIMEOUT":         "30s",
	"USER_AGENT":              "boroughnews/1.0",
	"RESPECT_ROBOTS":          false,
	"RETRY_ATTEMPTS":          5,
	"RETRY_DELAY":             "1s",
	"EXPORT_DIR":              "website/public",
	"EXPORT_DAYS":             14,
	"LOG_LEVEL":               "info",
	"ENABLE_HTTP_MONITORING":  false,
	"MONITORING_PORT":         "8080",
}

// Load builds the configuration. path names an optional YAML file; when
// empty, CONFIG_FILE is consulted. Environment variables override the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, key := range []string{"DATABASE_URL", "GROQ_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY"} {
		v.SetDefault(key, "")
	}
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		FeedsConfigPath:       v.GetString("FEEDS_CONFIG_PATH"),
		LedgerDir:             v.GetString("LEDGER_DIR"),
		DatabaseDriver:        strings.ToLower(v.GetString("DATABASE_DRIVER")),
		DatabaseURL:           v.GetString("DATABASE_URL"),
		DatabaseAutoSchema:    v.GetBool("DATABASE_AUTO_SCHEMA"),
		ClassifierProvider:    strings.ToLower(v.GetString("CLASSIFIER_PROVIDER")),
		GroqAPIKey:            v.GetString("GROQ_API_KEY"),
		GroqBaseURL:           v.GetString("GROQ_BASE_URL"),
		GroqModel:             v.GetString("GROQ_MODEL"),
		OpenAIAPIKey:          v.GetString("OPENAI_API_KEY"),
		OpenAIModel:           v.GetString("OPENAI_MODEL"),
		GeminiAPIKey:          v.GetString("GEMINI_API_KEY"),
		GeminiModel:           v.GetString("GEMINI_MODEL"),
		MaxClassifierRequests: v.GetInt("MAX_CLASSIFIER_REQUESTS"),
		ClassifierRPM:         v.GetInt("CLASSIFIER_RPM"),
		RateLimitPause:        v.GetDuration("RATE_LIMIT_PAUSE"),
		DefaultBorough:        v.GetString("DEFAULT_BOROUGH"),
		CacheTTL:              v.GetDuration("CACHE_TTL"),
		RequestTimeout:        v.GetDuration("REQUEST_TIMEOUT"),
		UserAgent:             v.GetString("USER_AGENT"),
		RespectRobots:         v.GetBool("RESPECT_ROBOTS"),
		RetryAttempts:         v.GetInt("RETRY_ATTEMPTS"),
		RetryDelay:            v.GetDuration("RETRY_DELAY"),
		ExportDir:             v.GetString("EXPORT_DIR"),
		ExportDays:            v.GetInt("EXPORT_DAYS"),
		LogLevel:              v.GetString("LOG_LEVEL"),
		EnableHTTPMonitoring:  v.GetBool("ENABLE_HTTP_MONITORING"),
		MonitoringPort:        v.GetString("MONITORING_PORT"),
	}
	if v.GetBool("DEBUG") {
		cfg.LogLevel = "debug"
	}

	return cfg, nil
}

// ClassifierAPIKey returns the key for the selected provider.
func (c *Config) ClassifierAPIKey() string {
	switch c.ClassifierProvider {
	case "groq":
		return c.GroqAPIKey
	case "openai":
		return c.OpenAIAPIKey
	case "gemini":
		return c.GeminiAPIKey
	}
	return ""
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DatabaseDriver != "postgres" && c.DatabaseDriver != "sqlite" {
		return fmt.Errorf("DATABASE_DRIVER must be 'postgres' or 'sqlite', got %q", c.DatabaseDriver)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("RETRY_ATTEMPTS must be at least 1")
	}
	if c.ExportDays < 1 {
		return fmt.Errorf("EXPORT_DAYS must be at least 1")
	}
	return nil
}

// ValidateClassifier checks the settings the ingest command adds.
func (c *Config) ValidateClassifier() error {
	switch c.ClassifierProvider {
	case "groq", "openai", "gemini":
	default:
		return fmt.Errorf("CLASSIFIER_PROVIDER must be 'groq', 'openai' or 'gemini', got %q", c.ClassifierProvider)
	}
	if c.ClassifierAPIKey() == "" {
		return fmt.Errorf("%s_API_KEY is required", strings.ToUpper(c.ClassifierProvider))
	}
	if !classifier.IsBorough(c.DefaultBorough) {
		return fmt.Errorf("DEFAULT_BOROUGH %q is not a London borough", c.DefaultBorough)
	}
	if c.ClassifierRPM < 0 || c.MaxClassifierRequests < 0 {
		return fmt.Errorf("CLASSIFIER_RPM and MAX_CLASSIFIER_REQUESTS must not be negative")
	}
	return nil
}
