// Package config loads process configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Config holds every environment-sourced setting the process needs at startup.
type Config struct {
	Environment string // "development" | "production"
	Port        string

	DatabaseURL string
	RedisURL    string

	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string

	JWTSecret string

	OTELEndpoint string
	LogLevel     string

	SessionIdleTimeout   time.Duration
	HeartbeatInterval    time.Duration
	AnonCodeTTL          time.Duration
	AnchorCleanupPeriod  time.Duration
	ServiceCheckInterval time.Duration

	// Upstream base URLs for the gateway's route table (§6 "Gateway route
	// prefix table") and the VPS client. Empty means the registry entry
	// starts unhealthy until operators configure and it passes a probe.
	LocalizationServiceURL string
	MappingServiceURL      string
	NakamaServiceURL       string
}

var placeholderSecrets = map[string]bool{
	"":          true,
	"changeme":  true,
	"secret":    true,
	"dev-secret": true,
}

// Load reads Config from the environment and validates it. In production
// mode a placeholder JWT secret is a fatal configuration error.
func Load() (*Config, error) {
	c := &Config{
		Environment: getenv("ENVIRONMENT", "development"),
		Port:        getenv("PORT", "8080"),

		DatabaseURL: getenv("DATABASE_URL", ""),
		RedisURL:    getenv("REDIS_URL", ""),

		StorageEndpoint:  getenv("STORAGE_ENDPOINT", ""),
		StorageAccessKey: getenv("STORAGE_ACCESS_KEY", ""),
		StorageSecretKey: getenv("STORAGE_SECRET_KEY", ""),

		JWTSecret: getenv("JWT_SECRET", ""),

		OTELEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		LogLevel:     getenv("LOG_LEVEL", "info"),

		SessionIdleTimeout:   90 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		AnonCodeTTL:          getenvDuration("ANON_CODE_TTL_SECONDS", 3600*time.Second),
		AnchorCleanupPeriod:  5 * time.Minute,
		ServiceCheckInterval: 30 * time.Second,

		LocalizationServiceURL: getenv("LOCALIZATION_SERVICE_URL", ""),
		MappingServiceURL:      getenv("MAPPING_SERVICE_URL", ""),
		NakamaServiceURL:       getenv("NAKAMA_SERVICE_URL", ""),
	}

	if err := c.validate(); err != nil {
		return nil, errors.Wrap(err, "config")
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.Environment == "production" && placeholderSecrets[c.JWTSecret] {
		return errors.New("refusing to start in production with a placeholder JWT_SECRET")
	}
	return nil
}

func (c *Config) IsProduction() bool { return c.Environment == "production" }

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
