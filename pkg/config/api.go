package config

import (
	"log/slog"
	"time"
)

// Store drivers accepted by STORE_DRIVER.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment          string
	Addr                 string
	LogLevel             slog.Level
	StoreDriver          string
	DatabaseURL          string
	MigrationsDir        string
	JWTSecret            string
	AccountEncryptionKey string
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	TemplatesFile        string
	GitHubAPIURL         string
	GitHubRatePerSecond  float64
	GitHubRateBurst      int
	PagesPrivateRepos    bool
	HealthInterval       time.Duration
	HealthAttempts       int
	HealthTimeout        time.Duration
	RateLimitRedisAddr   string
	RateLimitRedisPass   string
	RateLimitRedisDB     int
	RateLimitPerMinute   int
	WSBuffer             int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:          GetString("APP_ENV", "development"),
		Addr:                 GetString("API_ADDR", ":4000"),
		LogLevel:             GetLevel("LOG_LEVEL", slog.LevelInfo),
		StoreDriver:          GetString("STORE_DRIVER", StoreDriverPostgres),
		DatabaseURL:          GetString("DATABASE_URL", "postgres://launchpad:launchpad@db:5432/launchpad?sslmode=disable"),
		MigrationsDir:        GetString("DB_MIGRATIONS_DIR", ""),
		JWTSecret:            GetString("JWT_SECRET", "supersecuresecret"),
		AccountEncryptionKey: GetString("ACCOUNT_ENCRYPTION_KEY", "supersecuresecret"),
		AccessTokenTTL:       GetDuration("ACCESS_TOKEN_TTL_MIN", time.Minute, 15*time.Minute),
		RefreshTokenTTL:      GetDuration("REFRESH_TOKEN_TTL_HOURS", time.Hour, 24*time.Hour),
		TemplatesFile:        GetString("TEMPLATES_FILE", "templates.yaml"),
		GitHubAPIURL:         GetString("GITHUB_API_URL", ""),
		GitHubRatePerSecond:  GetFloat("GITHUB_RATE_PER_SECOND", 5),
		GitHubRateBurst:      GetInt("GITHUB_RATE_BURST", 5),
		PagesPrivateRepos:    GetBool("GITHUB_PRIVATE_REPOS", false),
		HealthInterval:       GetDuration("HEALTH_CHECK_INTERVAL_SECONDS", time.Second, 5*time.Second),
		HealthAttempts:       GetInt("HEALTH_CHECK_ATTEMPTS", 20),
		HealthTimeout:        GetDuration("HEALTH_CHECK_TIMEOUT_SECONDS", time.Second, 5*time.Second),
		RateLimitRedisAddr:   GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:   GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:     GetInt("RATE_LIMIT_REDIS_DB", 0),
		RateLimitPerMinute:   GetInt("RATE_LIMIT_PER_MINUTE", 60),
		WSBuffer:             GetInt("WS_STATUS_BUFFER", 16),
	}
}
