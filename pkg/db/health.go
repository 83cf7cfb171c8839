package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// HealthStatus represents the health state of a database connection.
type HealthStatus struct {
	Healthy     bool
	Latency     time.Duration
	OpenConns   int
	InUseConns  int
	IdleConns   int
	Error       error
}

// Ping checks if the database is reachable.
func Ping(ctx context.Context, database *sql.DB) error {
	if database == nil {
		return fmt.Errorf("database handle is nil")
	}
	return database.PingContext(ctx)
}

// Check performs a comprehensive health check and returns detailed status.
func Check(ctx context.Context, database *sql.DB) *HealthStatus {
	status := &HealthStatus{}

	if database == nil {
		status.Error = fmt.Errorf("database handle is nil")
		return status
	}

	start := time.Now()
	err := database.PingContext(ctx)
	status.Latency = time.Since(start)

	if err != nil {
		status.Error = fmt.Errorf("ping failed: %w", err)
		return status
	}

	stats := database.Stats()
	status.Healthy = true
	status.OpenConns = stats.OpenConnections
	status.InUseConns = stats.InUse
	status.IdleConns = stats.Idle

	return status
}

// WaitForReady polls the database until it becomes available or context is cancelled.
func WaitForReady(ctx context.Context, database *sql.DB, pollInterval time.Duration) error {
	if database == nil {
		return fmt.Errorf("database handle is nil")
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	if err := database.PingContext(ctx); err == nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := database.PingContext(ctx); err == nil {
				return nil
			}
		}
	}
}
