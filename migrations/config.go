package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

var (
	ErrDatabaseURLEmpty    = errors.New("DATABASE_URL cannot be empty")
	ErrMigrationTableEmpty = errors.New("MIGRATION_TABLE cannot be empty")
)

// Config holds the migration tool's configuration.
type Config struct {
	DatabaseURL    string
	MigrationTable string
}

// LoadConfig loads configuration from environment variables with defaults.
func LoadConfig() (*Config, error) {
	config := &Config{
		DatabaseURL:    getEnvOrDefault("DATABASE_URL", ""),
		MigrationTable: getEnvOrDefault("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURLEmpty
	}

	if c.MigrationTable == "" {
		return ErrMigrationTableEmpty
	}

	return nil
}

// String returns a log-safe representation of the configuration.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		maskDatabaseURL(c.DatabaseURL), c.MigrationTable)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

func maskDatabaseURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return urlStr
	}

	if u.User == nil {
		return urlStr
	}

	if password, hasPassword := u.User.Password(); hasPassword && password != "" {
		u.User = url.UserPassword(u.User.Username(), "***")
		result := u.String()

		return strings.Replace(result, "%2A%2A%2A", "***", 1)
	}

	return urlStr
}
