package db

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"
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

// Check is one dependency checked by the health endpoint, such as the Redis
// counter store or the maintenance lock backend.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type CheckResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RunChecks runs every check concurrently and reports whether all passed.
func RunChecks(ctx context.Context, checks []Check) ([]CheckResult, bool) {
	results := make([]CheckResult, len(checks))
	g, ctx := errgroup.WithContext(ctx)
	for i, chk := range checks {
		i, chk := i, chk
		g.Go(func() error {
			results[i] = CheckResult{Name: chk.Name, Status: "healthy"}
			if err := chk.Ping(ctx); err != nil {
				results[i].Status = "unhealthy"
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(a, b int) bool { return results[a].Name < results[b].Name })
	healthy := true
	for _, r := range results {
		if r.Status != "healthy" {
			healthy = false
		}
	}
	return results, healthy
}

// HealthHandler reports database and counter store health. pool may be nil
// when only the extra checks matter.
func HealthHandler(pool *pgxpool.Pool, extra ...Check) echo.HandlerFunc {
	checks := extra
	if pool != nil {
		checks = append([]Check{{Name: "postgres", Ping: pool.Ping}}, extra...)
	}

	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		results, healthy := RunChecks(ctx, checks)
		body := map[string]interface{}{
			"status": "healthy",
			"checks": results,
		}
		if pool != nil {
			stats := GetPoolStats(pool)
			stats.Healthy = stats.Healthy && healthy
			body["pool"] = stats
		}
		if !healthy {
			body["status"] = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		return c.JSON(http.StatusOK, body)
	}
}
