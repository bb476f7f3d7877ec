package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	Environment string
	StoreType   string

	MongoURI           string
	MongoDB            string
	PostgresDSN        string
	FirestoreProjectID string

	JWTSecret          string
	RateLimitPerSecond float64
	RateLimitBurst     int

	SettingsFile      string
	EventWebhookURL   string
	EventWebhookToken string
}

const devJWTSecret = "sx-engine-development-secret"

// Load reads configuration from the environment. Variables from a .env file in
// the working directory are applied first without overriding the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		Environment:        getEnv("ENVIRONMENT", "development"),
		StoreType:          getEnv("STORE_TYPE", "memory"),
		MongoURI:           getEnv("MONGO_URI", "mongodb://localhost:27017/?replicaSet=rs0"),
		MongoDB:            getEnv("MONGO_DB", "service_exchange"),
		PostgresDSN:        getEnv("POSTGRES_DSN", ""),
		FirestoreProjectID: getEnv("FIRESTORE_PROJECT_ID", ""),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		SettingsFile:       getEnv("SETTINGS_FILE", ""),
		EventWebhookURL:    getEnv("EVENT_WEBHOOK_URL", ""),
		EventWebhookToken:  getEnv("EVENT_WEBHOOK_TOKEN", ""),
	}

	var err error
	if cfg.RateLimitPerSecond, err = strconv.ParseFloat(getEnv("RATE_LIMIT_PER_SECOND", "20"), 64); err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_PER_SECOND: %w", err)
	}
	if cfg.RateLimitBurst, err = strconv.Atoi(getEnv("RATE_LIMIT_BURST", "40")); err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_BURST: %w", err)
	}

	switch cfg.StoreType {
	case "memory", "mongo":
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("POSTGRES_DSN is required with postgres store")
		}
	case "firestore":
		if cfg.FirestoreProjectID == "" {
			return nil, fmt.Errorf("FIRESTORE_PROJECT_ID is required with firestore store")
		}
	default:
		return nil, fmt.Errorf("unknown STORE_TYPE %q", cfg.StoreType)
	}

	if cfg.JWTSecret == "" {
		if cfg.Environment == "production" {
			return nil, fmt.Errorf("JWT_SECRET is required in production")
		}
		cfg.JWTSecret = devJWTSecret
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
