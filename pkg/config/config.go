// Package config loads gateway configuration from the environment with
// an optional YAML overlay. Precedence: defaults, then file, then
// environment.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds everything the serve path needs. Zero DatabaseURL selects
// lite mode: embedded SQLite plus the in-process KV.
type Config struct {
	Port       string
	AdminPort  string
	LogLevel   string
	GatewayURL string

	DatabaseURL string
	SQLitePath  string
	RedisAddr   string

	MasterSecret  string
	AdminPassword string

	RetentionDays int

	Archive ArchiveConfig

	OTLPEndpoint string
}

// ArchiveConfig selects the cold-storage backend for decision batches.
type ArchiveConfig struct {
	Backend  string
	Dir      string
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// Load reads the optional config file, then the environment, then fills
// defaults. The file path comes from PORTER_CONFIG, falling back to
// ./porter.yaml when present.
func Load() (*Config, error) {
	cfg := &Config{}

	path := os.Getenv("PORTER_CONFIG")
	if path == "" {
		if _, err := os.Stat("porter.yaml"); err == nil {
			path = "porter.yaml"
		}
	}
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.AdminPort, "ADMIN_PORT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.GatewayURL, "GATEWAY_URL")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.SQLitePath, "SQLITE_PATH")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.MasterSecret, "MASTER_SECRET")
	setString(&c.AdminPassword, "ADMIN_PASSWORD")
	setString(&c.Archive.Backend, "ARCHIVE_BACKEND")
	setString(&c.Archive.Dir, "ARCHIVE_DIR")
	setString(&c.Archive.Bucket, "ARCHIVE_BUCKET")
	setString(&c.Archive.Region, "ARCHIVE_REGION")
	setString(&c.Archive.Endpoint, "ARCHIVE_ENDPOINT")
	setString(&c.Archive.Prefix, "ARCHIVE_PREFIX")
	setString(&c.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	if raw := os.Getenv("RETENTION_DAYS"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("config: RETENTION_DAYS: %w", err)
		}
		c.RetentionDays = days
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) applyDefaults() {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.AdminPort == "" {
		c.AdminPort = "8081"
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.GatewayURL == "" {
		c.GatewayURL = "http://localhost:" + c.Port
	}
	if c.SQLitePath == "" {
		c.SQLitePath = "data/porter.db"
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 90
	}
	if c.Archive.Dir == "" {
		c.Archive.Dir = "data/archive"
	}
}

// LiteMode reports whether the gateway runs on embedded storage.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// Validate checks the fields serve cannot run without. Load does not
// call it; commands that only read config (keygen, doctor) skip it.
func (c *Config) Validate() error {
	if len(c.MasterSecret) < 16 {
		return fmt.Errorf("config: MASTER_SECRET must be set (at least 16 characters)")
	}
	u, err := url.Parse(c.GatewayURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("config: GATEWAY_URL must be an absolute http(s) URL")
	}
	if c.Port == c.AdminPort {
		return fmt.Errorf("config: PORT and ADMIN_PORT must differ")
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("config: RETENTION_DAYS must be at least 1")
	}
	return nil
}

// SlogLevel maps LogLevel onto slog's scale. Unknown values mean Info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
