package types

import "time"

// InfrastructureHealth is the summary query served to operators.
type InfrastructureHealth struct {
	Timestamp     time.Time              `json:"timestamp"`
	Status        CheckStatus            `json:"status"` // worst latest status across checks
	Monitor       MonitorHealth          `json:"monitor"`
	Checks        CheckSummary           `json:"checks"`
	OpenIncidents int                    `json:"open_incidents"`
	FiringAlerts  int                    `json:"firing_alerts"`
	LatestMetrics *SystemMetricsSnapshot `json:"latest_metrics,omitempty"`
	Storage       StorageHealth          `json:"storage"`
	Buffer        BufferHealth           `json:"buffer"`
}

// MonitorHealth contains the monitor's own runtime metrics.
type MonitorHealth struct {
	Status        string  `json:"status"` // healthy, degraded
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	ScheduledRuns uint64  `json:"scheduled_runs"`
	DroppedEvents uint64  `json:"dropped_events"`
}

// StorageHealth describes the persistence backend.
type StorageHealth struct {
	Driver string     `json:"driver"`
	Status string     `json:"status"`
	Pool   *PoolStats `json:"pool,omitempty"`
}

// PoolStats contains pgxpool connection pool statistics.
type PoolStats struct {
	TotalConnections    int32 `json:"total_connections"`
	IdleConnections     int32 `json:"idle_connections"`
	AcquiredConnections int32 `json:"acquired_connections"`
	MaxConnections      int32 `json:"max_connections"`
}

// BufferHealth contains Redis result buffer metrics.
type BufferHealth struct {
	Enabled    bool    `json:"enabled"`
	Connected  bool    `json:"connected"`
	QueueDepth int64   `json:"queue_depth"`
	FlushRate  float64 `json:"flush_rate_per_second"`
}

// BufferStats represents buffer statistics for health reporting.
type BufferStats struct {
	QueueDepth int64
	FlushRate  float64
	Connected  bool
}
