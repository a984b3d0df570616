package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Env      string
	HTTPPort string
	LogLevel string

	DatabaseURL string
	RedisAddr   string

	CacheRefreshInterval time.Duration
	StoreTimeout         time.Duration
	NotFoundPolicy       string
	EvalCacheTTL         time.Duration

	EvalRateLimit  int
	EvalRateWindow time.Duration

	AdminJWTIssuer   string
	AdminJWTAudience string
	AdminJWTSecret   string
	AdminJWTTTL      time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Env:              getEnv("APP_ENV", "development"),
		HTTPPort:         getEnv("HTTP_PORT", "8080"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		NotFoundPolicy:   strings.ToLower(getEnv("FLAG_NOT_FOUND_POLICY", "fallback")),
		AdminJWTIssuer:   getEnv("ADMIN_JWT_ISSUER", "gatekeep-backend"),
		AdminJWTAudience: getEnv("ADMIN_JWT_AUDIENCE", "gatekeep-backend-admin"),
		AdminJWTSecret:   os.Getenv("ADMIN_JWT_SECRET"),
	}

	var err error
	if cfg.CacheRefreshInterval, err = getEnvDuration("FLAG_CACHE_REFRESH_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.StoreTimeout, err = getEnvDuration("FLAG_STORE_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.EvalCacheTTL, err = getEnvDuration("FLAG_EVAL_CACHE_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.AdminJWTTTL, err = getEnvDuration("ADMIN_JWT_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.EvalRateLimit, err = getEnvInt("EVAL_RATE_LIMIT", 120); err != nil {
		return nil, err
	}
	if cfg.EvalRateWindow, err = getEnvDuration("EVAL_RATE_WINDOW", time.Minute); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []string
	if c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if len(c.AdminJWTSecret) < 32 {
		errs = append(errs, "ADMIN_JWT_SECRET must be at least 32 chars")
	}
	if c.NotFoundPolicy != "fallback" && c.NotFoundPolicy != "error" {
		errs = append(errs, "FLAG_NOT_FOUND_POLICY must be fallback or error")
	}
	if c.CacheRefreshInterval <= 0 {
		errs = append(errs, "FLAG_CACHE_REFRESH_INTERVAL must be > 0")
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, "FLAG_STORE_TIMEOUT must be > 0")
	}
	if c.EvalCacheTTL < 0 {
		errs = append(errs, "FLAG_EVAL_CACHE_TTL must be >= 0")
	}
	if c.AdminJWTTTL <= 0 || c.AdminJWTTTL > 24*time.Hour {
		errs = append(errs, "ADMIN_JWT_TTL must be between 1s and 24h")
	}
	if c.EvalRateLimit < 0 {
		errs = append(errs, "EVAL_RATE_LIMIT must be >= 0")
	}
	if c.EvalRateWindow <= 0 {
		errs = append(errs, "EVAL_RATE_WINDOW must be > 0")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func getEnv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
