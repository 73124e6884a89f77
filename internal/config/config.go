// config.go

// Environment variable loading and validation.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all env configuration for the auth service.
type Config struct {
	DatabaseURL string
	RedisURL    string // optional -- empty selects the in-memory caches
	Port        string
	Environment string // "production" or anything else (treated as development)
	LogLevel    slog.Level

	// JWTSecret signs session tokens. Required in production; auto-generated
	// with a loud warning otherwise.
	JWTSecret []byte

	// TTLs. Defaults: tokens 10m, OTP codes 10m, CSRF tokens 5m.
	TokenTTL time.Duration
	OtpTTL   time.Duration
	CsrfTTL  time.Duration

	// Global rate limit applied to every endpoint per client IP.
	// Defaults: 100 requests / 15m.
	RateGlobalMax    int
	RateGlobalWindow time.Duration

	// Stricter limit applied to the auth route group (register, login,
	// verify-otp). Defaults: 10 requests / 15m, successful requests counted.
	RateAuthMax            int
	RateAuthWindow         time.Duration
	RateAuthSkipSuccessful bool

	// SMTP configuration for outbound email. All optional -- empty Host
	// selects the dev mailer, which logs codes instead of sending.
	SMTPHost        string
	SMTPPort        string // defaults to 587
	SMTPUsername    string
	SMTPPassword    string
	SMTPFromAddress string
}

// IsProduction reports whether the process runs in a production posture.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// LoadConfig reads environment variables and returns a validated Config.
// DATABASE_URL is always required. JWT_SECRET is required in production; in
// any other posture a random secret is generated and a warning logged --
// tokens then die with the process.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "7960"
	}

	cfg.Environment = strings.ToLower(os.Getenv("ENVIRONMENT"))

	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	secret := os.Getenv("JWT_SECRET")
	switch {
	case secret != "":
		cfg.JWTSecret = []byte(secret)
	case cfg.IsProduction():
		return nil, fmt.Errorf("JWT_SECRET is required in production")
	default:
		generated := make([]byte, 64)
		if _, err := rand.Read(generated); err != nil {
			return nil, fmt.Errorf("generating development jwt secret: %w", err)
		}
		cfg.JWTSecret = []byte(base64.RawURLEncoding.EncodeToString(generated))
		slog.Warn("JWT_SECRET not set, using an auto-generated development secret; " +
			"all issued tokens become invalid on restart -- set JWT_SECRET for production")
	}

	cfg.TokenTTL = envDuration("SESSION_TOKEN_TTL", 10*time.Minute)
	cfg.OtpTTL = envDuration("OTP_TTL", 10*time.Minute)
	cfg.CsrfTTL = envDuration("CSRF_TTL", 5*time.Minute)

	cfg.RateGlobalMax = envInt("RATE_GLOBAL_MAX", 100)
	cfg.RateGlobalWindow = envDuration("RATE_GLOBAL_WINDOW", 15*time.Minute)

	cfg.RateAuthMax = envInt("RATE_AUTH_MAX", 10)
	cfg.RateAuthWindow = envDuration("RATE_AUTH_WINDOW", 15*time.Minute)
	cfg.RateAuthSkipSuccessful = os.Getenv("RATE_AUTH_SKIP_SUCCESSFUL") == "true"

	// SMTP -- all optional; empty Host means codes are logged, not mailed.
	cfg.SMTPHost = os.Getenv("SMTP_HOST")
	cfg.SMTPPort = os.Getenv("SMTP_PORT")
	if cfg.SMTPPort == "" {
		cfg.SMTPPort = "587"
	}
	cfg.SMTPUsername = os.Getenv("SMTP_USERNAME")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	cfg.SMTPFromAddress = os.Getenv("SMTP_FROM")

	if cfg.IsProduction() && cfg.SMTPHost == "" {
		return nil, fmt.Errorf("SMTP_HOST is required in production: login codes cannot be delivered by the dev mailer")
	}

	return cfg, nil
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
