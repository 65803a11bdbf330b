package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config with yaml tags. Only set fields override;
// the environment still wins over the file.
type fileConfig struct {
	Port       string `yaml:"port"`
	AdminPort  string `yaml:"adminPort"`
	LogLevel   string `yaml:"logLevel"`
	GatewayURL string `yaml:"gatewayUrl"`

	DatabaseURL string `yaml:"databaseUrl"`
	SQLitePath  string `yaml:"sqlitePath"`
	RedisAddr   string `yaml:"redisAddr"`

	MasterSecret  string `yaml:"masterSecret"`
	AdminPassword string `yaml:"adminPassword"`

	RetentionDays int `yaml:"retentionDays"`

	Archive struct {
		Backend  string `yaml:"backend"`
		Dir      string `yaml:"dir"`
		Bucket   string `yaml:"bucket"`
		Region   string `yaml:"region"`
		Endpoint string `yaml:"endpoint"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"archive"`

	OTLPEndpoint string `yaml:"otlpEndpoint"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	overlay(&c.Port, f.Port)
	overlay(&c.AdminPort, f.AdminPort)
	overlay(&c.LogLevel, f.LogLevel)
	overlay(&c.GatewayURL, f.GatewayURL)
	overlay(&c.DatabaseURL, f.DatabaseURL)
	overlay(&c.SQLitePath, f.SQLitePath)
	overlay(&c.RedisAddr, f.RedisAddr)
	overlay(&c.MasterSecret, f.MasterSecret)
	overlay(&c.AdminPassword, f.AdminPassword)
	overlay(&c.Archive.Backend, f.Archive.Backend)
	overlay(&c.Archive.Dir, f.Archive.Dir)
	overlay(&c.Archive.Bucket, f.Archive.Bucket)
	overlay(&c.Archive.Region, f.Archive.Region)
	overlay(&c.Archive.Endpoint, f.Archive.Endpoint)
	overlay(&c.Archive.Prefix, f.Archive.Prefix)
	overlay(&c.OTLPEndpoint, f.OTLPEndpoint)
	if f.RetentionDays != 0 {
		c.RetentionDays = f.RetentionDays
	}
	return nil
}

func overlay(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
