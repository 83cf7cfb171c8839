// Package db provides a shared SQLite connection helper for ckanpackager's
// statistics store. The connection is opened through database/sql with a
// set of production-safe pragmas applied immediately after opening.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Config holds SQLite connection configuration.
type Config struct {
	// Path is the filesystem path to the database file, or ":memory:".
	Path string

	// BusyTimeout is applied as PRAGMA busy_timeout.
	BusyTimeout time.Duration

	// ForeignKeys toggles PRAGMA foreign_keys.
	ForeignKeys bool

	// MkdirAll creates the parent directory of Path before opening.
	MkdirAll bool

	// MaxOpenConns caps concurrent connections. SQLite serializes writers
	// regardless, but readers benefit from more than one connection.
	MaxOpenConns int
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Path:         "stats.db",
		BusyTimeout:  10 * time.Second,
		ForeignKeys:  true,
		MkdirAll:     true,
		MaxOpenConns: 8,
	}
}

// ConfigFromURL parses the STATS_DB connection URL, e.g.
// "sqlite:////var/lib/ckanpackager/stats.db" or "sqlite:///:memory:".
func ConfigFromURL(rawURL string) (*Config, error) {
	const prefix = "sqlite://"
	if !strings.HasPrefix(rawURL, prefix) {
		return nil, fmt.Errorf("db: unsupported STATS_DB scheme in %q (want sqlite://)", rawURL)
	}
	path := strings.TrimPrefix(rawURL, prefix)
	path = "/" + strings.TrimLeft(path, "/")
	if path == "/" {
		return nil, fmt.Errorf("db: STATS_DB is missing a path")
	}
	if path == "/:memory:" {
		path = ":memory:"
	}

	cfg := DefaultConfig()
	cfg.Path = path
	return cfg, nil
}

// Validate checks if the config has required fields set.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("db: path is required")
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 1
	}
	return nil
}

// Connect opens a SQLite database with the configured pragmas applied.
// The caller is responsible for calling Close when done.
func Connect(ctx context.Context, cfg *Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.MkdirAll && cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("db: mkdir: %w", err)
		}
	}

	database, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}

	database.SetMaxOpenConns(cfg.MaxOpenConns)

	if err := applyPragmas(ctx, database, cfg); err != nil {
		database.Close()
		return nil, err
	}

	if err := database.PingContext(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}

	return database, nil
}

func applyPragmas(ctx context.Context, database *sql.DB, cfg *Config) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	if cfg.ForeignKeys {
		pragmas = append(pragmas, "PRAGMA foreign_keys = ON")
	}
	for _, p := range pragmas {
		if _, err := database.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("db: pragma %q: %w", p, err)
		}
	}
	return nil
}

// ConnectWithRetry opens a database handle with retry logic, useful when
// the store directory may not be mounted yet at process start.
func ConnectWithRetry(ctx context.Context, cfg *Config, maxAttempts int, retryDelay time.Duration) (*sql.DB, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		database, err := Connect(ctx, cfg)
		if err == nil {
			return database, nil
		}
		lastErr = err

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", maxAttempts, lastErr)
}

// Close gracefully closes a database handle if it is not nil.
func Close(database *sql.DB) {
	if database != nil {
		database.Close()
	}
}
