package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location relative to the binary.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"databaseURL"`
	LogLevel    string `yaml:"logLevel"`
	CORSOrigin  string `yaml:"corsOrigin"`

	JWTSecret string `yaml:"jwtSecret"`
	JWTExpiry string `yaml:"jwtExpiry"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	CacheTTL      string `yaml:"cacheTTL"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	// Per-identity send_message budget over a rolling window.
	MessageRateLimit  int    `yaml:"messageRateLimit"`
	MessageRateWindow string `yaml:"messageRateWindow"`

	// Fixed-window budget applied to mutating HTTP routes.
	HTTPRateLimit  int    `yaml:"httpRateLimit"`
	HTTPRateWindow string `yaml:"httpRateWindow"`

	DailyDigestCron   string `yaml:"dailyDigestCron"`
	WeeklyDigestCron  string `yaml:"weeklyDigestCron"`
	MonthlyDigestCron string `yaml:"monthlyDigestCron"`
}

// Load reads config from path (defaults to config.yaml) and applies
// environment variable overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *FileConfig) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("ACCESS_TOKEN_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("ACCESS_TOKEN_EXPIRY"); v != "" {
		cfg.JWTExpiry = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		cfg.CORSOrigin = v
	}
	if v := os.Getenv("MESSAGE_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MessageRateLimit = n
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.JWTExpiry == "" {
		cfg.JWTExpiry = "24h"
	}
	if cfg.CacheTTL == "" {
		cfg.CacheTTL = "5m"
	}
	if cfg.MessageRateLimit <= 0 {
		cfg.MessageRateLimit = 20
	}
	if cfg.MessageRateWindow == "" {
		cfg.MessageRateWindow = "10s"
	}
	if cfg.HTTPRateLimit <= 0 {
		cfg.HTTPRateLimit = 60
	}
	if cfg.HTTPRateWindow == "" {
		cfg.HTTPRateWindow = "1m"
	}
	// Digest cadence: daily 18:00, weekly Sunday 19:00, monthly 1st 20:00.
	if cfg.DailyDigestCron == "" {
		cfg.DailyDigestCron = "0 18 * * *"
	}
	if cfg.WeeklyDigestCron == "" {
		cfg.WeeklyDigestCron = "0 19 * * 0"
	}
	if cfg.MonthlyDigestCron == "" {
		cfg.MonthlyDigestCron = "0 20 1 * *"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: jwtSecret is required (set in config.yaml or ACCESS_TOKEN_SECRET)")
	}
	for _, d := range []struct{ name, raw string }{
		{"jwtExpiry", cfg.JWTExpiry},
		{"cacheTTL", cfg.CacheTTL},
		{"messageRateWindow", cfg.MessageRateWindow},
		{"httpRateWindow", cfg.HTTPRateWindow},
	} {
		if _, err := time.ParseDuration(d.raw); err != nil {
			return fmt.Errorf("config: %s is not a valid duration: %w", d.name, err)
		}
	}
	return nil
}

// Duration parses one of the duration-typed config fields. Callers validate
// via Load first, so parse errors collapse to the fallback.
func Duration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
