package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// Probe checks that a dependency is reachable.
type Probe func(ctx context.Context) error

// HealthHandler returns the handler for the database health endpoint. Extra
// probes (the key/value store, for instance) are reported alongside the pool.
func HealthHandler(pool *pgxpool.Pool, probes map[string]Probe) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		code, body := report(ctx, pool.Ping, GetPoolStats(pool), probes)
		return c.JSON(code, body)
	}
}

func report(ctx context.Context, ping Probe, stats *PoolStats, probes map[string]Probe) (int, map[string]interface{}) {
	body := map[string]interface{}{"pool": stats}
	healthy := true

	if err := ping(ctx); err != nil {
		stats.Healthy = false
		healthy = false
		body["error"] = err.Error()
	}

	if len(probes) > 0 {
		deps := make(map[string]string, len(probes))
		for name, probe := range probes {
			if err := probe(ctx); err != nil {
				deps[name] = err.Error()
				healthy = false
				continue
			}
			deps[name] = "ok"
		}
		body["dependencies"] = deps
	}

	if !healthy {
		body["status"] = "unhealthy"
		return http.StatusServiceUnavailable, body
	}
	body["status"] = "healthy"
	return http.StatusOK, body
}
