package database

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus reports database reachability and pool statistics.
type HealthStatus struct {
	Reachable       bool          `json:"reachable"`
	Latency         time.Duration `json:"latency_ms"`
	OpenConnections int           `json:"open_connections"`
	InUse           int           `json:"in_use"`
	Error           string        `json:"error,omitempty"`
}

// Health pings the database and collects pool stats.
func Health(ctx context.Context, db *sql.DB) HealthStatus {
	start := time.Now()
	err := db.PingContext(ctx)
	stats := db.Stats()

	status := HealthStatus{
		Reachable:       err == nil,
		Latency:         time.Since(start),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}
