package health

import (
	"context"
	"fmt"
	"time"

	"github.com/saiset-co/sai-query-cache/types"
)

// Pool is the part of the executor the pool checker reads.
type Pool interface {
	Active() int
	Max() int
}

func StorageChecker(storage types.Storage) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		if err := storage.Ping(ctx); err != nil {
			return types.HealthCheck{Status: types.StatusUnhealthy, Message: err.Error()}
		}
		return types.HealthCheck{Status: types.StatusHealthy}
	}
}

// NetworkChecker reports an offline device as unknown rather than unhealthy:
// the cache keeps serving while offline.
func NetworkChecker(monitor types.NetworkMonitor) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		available := monitor.IsAvailable(ctx)
		check := types.HealthCheck{
			Status:  types.StatusHealthy,
			Details: map[string]interface{}{"available": available},
		}

		if checked, ok := monitor.(interface{ LastChecked() time.Time }); ok {
			check.Details["last_checked"] = checked.LastChecked()
		}

		if !available {
			check.Status = types.StatusUnknown
			check.Message = "network unavailable"
		}
		return check
	}
}

func ExecutorChecker(pool Pool) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		active, max := pool.Active(), pool.Max()
		check := types.HealthCheck{
			Status:  types.StatusHealthy,
			Details: map[string]interface{}{"active": active, "max": max},
		}

		if active >= max {
			check.Status = types.StatusUnhealthy
			check.Message = fmt.Sprintf("query pool saturated: %d of %d", active, max)
		}
		return check
	}
}
