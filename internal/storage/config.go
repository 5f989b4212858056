// Package storage provides the durable store adapter: connection pooling,
// transaction scoping, and the processed_events/event_stats/audit_logs schema.
package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/aggregator-io/aggregator/internal/config"
)

const (
	defaultPoolSize     = 10
	defaultMaxOverflow  = 20
	defaultIsolationStr = "SERIALIZABLE"
	defaultConnLifetime = 30 * time.Minute
	defaultConnIdleTime = 10 * time.Minute
)

// ErrDatabaseURLEmpty is returned when the database url is an empty string.
var ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

// Config holds PostgreSQL connection configuration, read from the env vars
// spec.md names directly: DATABASE_URL, DB_POOL_SIZE, DB_MAX_OVERFLOW,
// DB_ISOLATION_LEVEL.
type Config struct {
	databaseURL string // private: never logged directly, use MaskDatabaseURL

	// PoolSize and MaxOverflow follow the SQLAlchemy QueuePool vocabulary the
	// original source configures: PoolSize is the baseline number of kept-open
	// connections, MaxOverflow is how many more the pool may open under load.
	// database/sql has no separate overflow concept, so PoolSize maps onto
	// SetMaxIdleConns and PoolSize+MaxOverflow maps onto SetMaxOpenConns.
	PoolSize        int
	MaxOverflow     int
	IsolationLevel  string
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfig loads PostgreSQL configuration from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		databaseURL:     config.GetEnvStr("DATABASE_URL", ""),
		PoolSize:        config.GetEnvInt("DB_POOL_SIZE", defaultPoolSize),
		MaxOverflow:     config.GetEnvInt("DB_MAX_OVERFLOW", defaultMaxOverflow),
		IsolationLevel:  config.GetEnvStr("DB_ISOLATION_LEVEL", defaultIsolationStr),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnIdleTime),
	}
}

// MaxOpenConns is the total number of connections database/sql may hold open,
// the sum of the baseline pool and its overflow allowance.
func (c *Config) MaxOpenConns() int {
	return c.PoolSize + c.MaxOverflow
}

// Validate checks if the PostgreSQL configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	return nil
}

// MaskDatabaseURL returns a masked databaseURL safe for logging.
func (c *Config) MaskDatabaseURL() string {
	if c.databaseURL == "" {
		return ""
	}

	schemeEnd := strings.Index(c.databaseURL, "://")
	if schemeEnd == -1 {
		return c.databaseURL
	}

	afterScheme := c.databaseURL[schemeEnd+3:]

	lastAtIndex := strings.LastIndex(afterScheme, "@")
	if lastAtIndex == -1 {
		return c.databaseURL
	}

	userInfo := afterScheme[:lastAtIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 {
		return c.databaseURL
	}

	username := userInfo[:colonIndex]
	password := userInfo[colonIndex+1:]

	if password == "" {
		return c.databaseURL
	}

	scheme := c.databaseURL[:schemeEnd]
	hostAndRest := afterScheme[lastAtIndex:]

	return scheme + "://" + username + ":***" + hostAndRest
}

// DatabaseURL returns the raw connection string for opening a *sql.DB. It is
// a method rather than an exported field so that callers reach for
// MaskDatabaseURL by default when logging.
func (c *Config) DatabaseURL() string {
	return c.databaseURL
}
