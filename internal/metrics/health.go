package metrics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/pilot-net/healthmon/pkg/types"
)

// BufferStatsProvider reports result buffer statistics.
type BufferStatsProvider interface {
	Stats(ctx context.Context) types.BufferStats
}

// ProcessHealth reads the monitor's own runtime usage.
func ProcessHealth(ctx context.Context, start time.Time) types.MonitorHealth {
	health := types.MonitorHealth{
		Status:        "healthy",
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(start).Seconds()),
	}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err == nil {
		if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
			health.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
			health.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
		if memPct, err := proc.MemoryPercentWithContext(ctx); err == nil {
			health.MemoryPercent = float64(memPct)
		}
	}

	if health.MemoryPercent > 90 || health.CPUPercent > 90 {
		health.Status = "degraded"
	}
	return health
}

// BufferHealth summarises the result buffer. A nil provider means buffering
// is disabled.
func BufferHealth(ctx context.Context, p BufferStatsProvider) types.BufferHealth {
	if p == nil {
		return types.BufferHealth{}
	}
	stats := p.Stats(ctx)
	return types.BufferHealth{
		Enabled:    true,
		Connected:  stats.Connected,
		QueueDepth: stats.QueueDepth,
		FlushRate:  stats.FlushRate,
	}
}
