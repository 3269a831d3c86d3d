package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Host   string
	Port   int
	AppURL string

	// Database configuration
	DatabasePath string

	// Strava API configuration
	StravaClientID           string
	StravaClientSecret       string
	StravaWebhookVerifyToken string

	// Internal API configuration
	InternalAPIKey string

	// Logging configuration
	LogLevel string
	LogFile  string

	// Metrics configuration
	MetricsEnabled bool
	MetricsHost    string
	MetricsPort    int

	// Error reporting
	SentryDSN         string
	SentryEnvironment string

	// Pipeline configuration
	WebhookTimeout   time.Duration
	BackfillSchedule string
	BackfillLookback time.Duration
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads configuration from environment variables, seeded from a .env
// file in the working directory when one exists. Real environment variables
// take precedence over the file.
// It fails fast if required variables are missing
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}

	cfg := &Config{
		// Optional values with defaults
		Host:              getEnv("HOST", "localhost"),
		Port:              getEnvInt("PORT", 4101),
		AppURL:            strings.TrimSuffix(getEnv("APP_URL", "http://localhost:4101"), "/"),
		DatabasePath:      getEnv("DATABASE_PATH", "./data.db"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFile:           os.Getenv("LOG_FILE"),
		MetricsEnabled:    getEnvBool("METRICS_ENABLED", true),
		MetricsHost:       getEnv("METRICS_HOST", "localhost"),
		MetricsPort:       getEnvInt("METRICS_PORT", 4102),
		SentryDSN:         os.Getenv("SENTRY_DSN"),
		SentryEnvironment: getEnv("SENTRY_ENVIRONMENT", "development"),
		WebhookTimeout:    getEnvDuration("WEBHOOK_TIMEOUT", 25*time.Second),
		BackfillLookback:  getEnvDuration("BACKFILL_LOOKBACK", 7*24*time.Hour),
	}

	// An explicitly empty BACKFILL_SCHEDULE disables the periodic sweep
	if schedule, ok := os.LookupEnv("BACKFILL_SCHEDULE"); ok {
		cfg.BackfillSchedule = schedule
	} else {
		cfg.BackfillSchedule = "@every 6h"
	}

	// Required values
	var missingVars []string

	cfg.StravaClientID = os.Getenv("STRAVA_CLIENT_ID")
	if cfg.StravaClientID == "" {
		missingVars = append(missingVars, "STRAVA_CLIENT_ID")
	}

	cfg.StravaClientSecret = os.Getenv("STRAVA_CLIENT_SECRET")
	if cfg.StravaClientSecret == "" {
		missingVars = append(missingVars, "STRAVA_CLIENT_SECRET")
	}

	cfg.StravaWebhookVerifyToken = os.Getenv("STRAVA_WEBHOOK_VERIFY_TOKEN")
	if cfg.StravaWebhookVerifyToken == "" {
		missingVars = append(missingVars, "STRAVA_WEBHOOK_VERIFY_TOKEN")
	}

	cfg.InternalAPIKey = os.Getenv("INTERNAL_API_KEY")
	if cfg.InternalAPIKey == "" {
		missingVars = append(missingVars, "INTERNAL_API_KEY")
	}

	if len(missingVars) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missingVars)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	if c.MetricsEnabled && (c.MetricsPort < 1 || c.MetricsPort > 65535) {
		return fmt.Errorf("METRICS_PORT must be between 1 and 65535")
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error")
	}
	if u, err := url.Parse(c.AppURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("APP_URL must be an absolute URL")
	}
	if c.WebhookTimeout <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT must be positive")
	}
	return nil
}

// RedirectURL is the OAuth callback registered with Strava
func (c *Config) RedirectURL() string {
	return c.AppURL + "/oauth/callback"
}

// WebhookCallbackURL is the push subscription callback
func (c *Config) WebhookCallbackURL() string {
	return c.AppURL + "/webhook"
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvDuration accepts Go duration strings ("90s", "6h")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
