// Package storage persists round history and run artifacts of the coordinator
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Driver names a supported database
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// Config holds database configuration
type Config struct {
	Driver          Driver
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns default database configuration
func DefaultConfig() *Config {
	return &Config{
		Driver:          DriverPostgres,
		URL:             "postgres://localhost:5432/coordinator?sslmode=disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// DB wraps the database connection pool
type DB struct {
	*sql.DB
	driver Driver
	config *Config
}

// Open connects to the database and ensures the schema exists
func Open(ctx context.Context, config *Config) (*DB, error) {
	if config == nil {
		config = DefaultConfig()
	}

	switch config.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}

	db, err := sql.Open(string(config.Driver), config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if config.Driver == DriverSQLite {
		// Every connection to an in-memory database is a separate database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	out := &DB{DB: db, driver: config.Driver, config: config}
	if err := out.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("Connected to database",
		"driver", config.Driver,
		"url", maskConnectionString(config.URL),
	)

	return out, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	slog.Info("Closing database connection")
	return db.DB.Close()
}

// Health checks database health
func (db *DB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
}

const roundsSchema = `
CREATE TABLE IF NOT EXISTS fl_rounds (
	run_id        TEXT NOT NULL,
	round         INTEGER NOT NULL,
	mode          TEXT NOT NULL,
	selected      INTEGER NOT NULL,
	contributors  INTEGER NOT NULL,
	empty         BOOLEAN NOT NULL,
	estimate      DOUBLE PRECISION NOT NULL,
	loss          DOUBLE PRECISION NOT NULL,
	accuracy      DOUBLE PRECISION NOT NULL,
	duration_ms   BIGINT NOT NULL,
	report        TEXT NOT NULL,
	PRIMARY KEY (run_id, round)
)`

func (db *DB) ensureSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, roundsSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders into the $n form postgres expects
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// maskConnectionString hides credentials of a connection string for logging
func maskConnectionString(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword("***", "***")
	}
	return u.Redacted()
}
