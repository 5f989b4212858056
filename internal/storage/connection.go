package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const (
	postgresDriver = "postgres"
	pingTimeout    = 5 * time.Second
)

// Connection wraps *sql.DB with the pool settings and isolation-level
// handling this domain needs.
type Connection struct {
	*sql.DB

	isolationLevel string
}

// NewConnection opens a pooled connection to PostgreSQL and verifies it
// with an immediate health check.
func NewConnection(cfg *Config) (*Connection, error) {
	db, err := sql.Open(postgresDriver, cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("storage: open connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns())
	db.SetMaxIdleConns(cfg.PoolSize)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("storage: health check failed: %w", err)
	}

	return &Connection{DB: db, isolationLevel: cfg.IsolationLevel}, nil
}

// NewConnectionForDB wraps an already-open *sql.DB, such as one a
// testcontainers-backed test fixture hands back after running migrations.
func NewConnectionForDB(db *sql.DB, isolationLevel string) *Connection {
	return &Connection{DB: db, isolationLevel: isolationLevel}
}

// HealthCheck verifies the connection is still usable.
func (c *Connection) HealthCheck(ctx context.Context) error { //nolint: contextcheck
	if ctx == nil {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(context.Background(), pingTimeout)

		defer cancel()
	}

	return c.PingContext(ctx)
}

// Close closes the pool. Safe to call multiple times.
func (c *Connection) Close() error {
	return c.DB.Close()
}

// Stats returns connection pool statistics for monitoring.
func (c *Connection) Stats() sql.DBStats {
	return c.DB.Stats()
}

// BeginEventTx starts a transaction whose isolation level is set on the
// transaction itself (via sql.TxOptions), so the whole dedup insert-and-lock
// sequence runs at DB_ISOLATION_LEVEL (SERIALIZABLE by default, and
// SERIALIZABLE for any unrecognized value).
func (c *Connection) BeginEventTx(ctx context.Context) (*sql.Tx, error) {
	level, ok := isolationLevelFromString(c.isolationLevel)
	if !ok {
		level = sql.LevelSerializable
	}

	tx, err := c.BeginTx(ctx, &sql.TxOptions{Isolation: level})
	if err != nil {
		return nil, fmt.Errorf("storage: begin transaction: %w", err)
	}

	return tx, nil
}

func isolationLevelFromString(s string) (sql.IsolationLevel, bool) {
	switch s {
	case "SERIALIZABLE":
		return sql.LevelSerializable, true
	case "REPEATABLE READ":
		return sql.LevelRepeatableRead, true
	case "READ COMMITTED":
		return sql.LevelReadCommitted, true
	case "READ UNCOMMITTED":
		return sql.LevelReadUncommitted, true
	default:
		return sql.LevelDefault, false
	}
}
