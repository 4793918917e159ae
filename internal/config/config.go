// Package config loads runtime configuration from environment variables.
package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetInt64 retrieves an environment variable as int64 or returns fallback.
func GetInt64(key string, fallback int64) int64 {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// Config holds runtime configuration for the API service.
type Config struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	AccessTokenTTL     time.Duration
	MaxAttachmentBytes int64
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://control:control@db:5432/control?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		AccessTokenTTL:     time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 60)) * time.Minute,
		MaxAttachmentBytes: GetInt64("MAX_ATTACHMENT_BYTES", 50<<20),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
