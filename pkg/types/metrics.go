// Package types - System metrics snapshots and history queries
//
// # Metrics Design
//
// A SystemMetricsSnapshot is a periodic, immutable reading of host resource
// usage. Snapshots are stored for history and fed to the alert evaluator,
// where metric-threshold conditions address fields by dotted JSON path:
//
//   - "cpu.usage_percent"
//   - "memory.used_percent"
//   - "disk.0.used_percent"
//   - "process.goroutines"
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// SYSTEM METRICS SNAPSHOT
// =============================================================================

// SystemMetricsSnapshot is one reading of host resource usage.
type SystemMetricsSnapshot struct {
	Timestamp  time.Time          `json:"timestamp"`
	CPU        CPUMetrics         `json:"cpu"`
	Memory     MemoryMetrics      `json:"memory"`
	Disk       []DiskUsage        `json:"disk"`
	Network    NetworkMetrics     `json:"network"`
	Process    ProcessMetrics     `json:"process"`
	Containers []ContainerMetrics `json:"containers,omitempty"`
	Cluster    *ClusterMetrics    `json:"cluster,omitempty"`
}

// CPUMetrics contains host CPU usage.
type CPUMetrics struct {
	UsagePercent float64 `json:"usage_percent"`
	Cores        int     `json:"cores"`
	Load1        float64 `json:"load_1"`
	Load5        float64 `json:"load_5"`
	Load15       float64 `json:"load_15"`
}

// MemoryMetrics contains host memory usage.
type MemoryMetrics struct {
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// DiskUsage contains usage for one mount point.
type DiskUsage struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// NetworkMetrics contains cumulative interface counters.
type NetworkMetrics struct {
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
	Errors      uint64 `json:"errors"`
}

// ProcessMetrics contains the monitor's own runtime usage.
type ProcessMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// ContainerMetrics is an optional per-container reading.
type ContainerMetrics struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryBytes   uint64  `json:"memory_bytes"`
	MemoryPercent float64 `json:"memory_percent"`
}

// ClusterMetrics is an optional cluster-level reading.
type ClusterMetrics struct {
	Nodes       int `json:"nodes"`
	ReadyNodes  int `json:"ready_nodes"`
	Pods        int `json:"pods"`
	RunningPods int `json:"running_pods"`
}

// =============================================================================
// HISTORY QUERIES
// =============================================================================

// TimeRange specifies the time window for a history query.
type TimeRange struct {
	// Relative time range (takes precedence if set)
	// Examples: "1h", "24h", "7d", "30d"
	Window string `json:"window,omitempty"`

	// Absolute time range
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Bounds resolves the range against now. Zero times mean unbounded.
func (tr TimeRange) Bounds(now time.Time) (start, end time.Time, err error) {
	if tr.Window != "" {
		d, err := ParseDuration(tr.Window)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		return now.Add(-d), time.Time{}, nil
	}
	if tr.Start != nil {
		start = *tr.Start
	}
	if tr.End != nil {
		end = *tr.End
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end is before start")
	}
	return start, end, nil
}

// ParseDuration parses duration strings including days.
func ParseDuration(s string) (time.Duration, error) {
	// Handle day suffix
	if len(s) > 0 && s[len(s)-1] == 'd' {
		var days int
		_, err := fmt.Sscanf(s, "%dd", &days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration: %s", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	// Use standard parsing for hours/minutes/seconds
	return time.ParseDuration(s)
}

// ResultQuery selects stored check results, newest first.
type ResultQuery struct {
	CheckID string    `json:"check_id,omitempty"`
	Start   time.Time `json:"start,omitempty"`
	End     time.Time `json:"end,omitempty"`
	Limit   int       `json:"limit,omitempty"`
}

// Matches reports whether r satisfies the query (limit excluded).
func (q ResultQuery) Matches(r *HealthCheckResult) bool {
	if q.CheckID != "" && r.CheckID != q.CheckID {
		return false
	}
	if !q.Start.IsZero() && r.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && r.Timestamp.After(q.End) {
		return false
	}
	return true
}

// MetricsQuery selects stored snapshots, newest first.
type MetricsQuery struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
	Limit int       `json:"limit,omitempty"`
}

// Matches reports whether s satisfies the query (limit excluded).
func (q MetricsQuery) Matches(s *SystemMetricsSnapshot) bool {
	if !q.Start.IsZero() && s.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && s.Timestamp.After(q.End) {
		return false
	}
	return true
}

// UptimeStats aggregates stored results for one check over a window.
type UptimeStats struct {
	CheckID           string  `json:"check_id"`
	Total             int     `json:"total"`
	Successful        int     `json:"successful"`
	UptimePercent     float64 `json:"uptime_percent"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
}

// ComputeUptime aggregates results into UptimeStats.
func ComputeUptime(checkID string, results []*HealthCheckResult) UptimeStats {
	stats := UptimeStats{CheckID: checkID, Total: len(results)}
	if len(results) == 0 {
		return stats
	}
	var sum float64
	for _, r := range results {
		if r.Success {
			stats.Successful++
		}
		sum += r.ResponseTimeMs
	}
	stats.UptimePercent = float64(stats.Successful) / float64(stats.Total) * 100
	stats.AvgResponseTimeMs = sum / float64(stats.Total)
	return stats
}
