// Package metrics collects host resource snapshots and the monitor's own
// runtime health.
package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"

	"github.com/pilot-net/healthmon/internal/events"
	"github.com/pilot-net/healthmon/pkg/types"
)

// Store persists snapshots.
type Store interface {
	SaveMetrics(ctx context.Context, snap *types.SystemMetricsSnapshot) error
}

// Config holds collector settings.
type Config struct {
	// Interval between snapshots.
	Interval time.Duration

	// DiskPaths are the mount points reported in each snapshot.
	DiskPaths []string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:  60 * time.Second,
		DiskPaths: []string{"/"},
	}
}

// Collector takes a system snapshot every interval, stores it and publishes
// it for the alert evaluator.
type Collector struct {
	store     Store
	publisher events.Publisher
	config    Config
	logger    *slog.Logger
	startTime time.Time

	sample func(ctx context.Context) *types.SystemMetricsSnapshot

	mu     sync.RWMutex
	latest *types.SystemMetricsSnapshot

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector.
func NewCollector(store Store, config Config, logger *slog.Logger) *Collector {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if len(config.DiskPaths) == 0 {
		config.DiskPaths = DefaultConfig().DiskPaths
	}
	c := &Collector{
		store:     store,
		config:    config,
		logger:    logger.With("component", "metrics_collector"),
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
	}
	c.sample = c.snapshot
	return c
}

// SetPublisher sets where snapshots are announced.
func (c *Collector) SetPublisher(p events.Publisher) {
	c.publisher = p
}

// StartTime is when the collector was created.
func (c *Collector) StartTime() time.Time {
	return c.startTime
}

// Start begins periodic collection. The first snapshot is taken immediately.
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop stops the collector and waits for it to exit.
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) run(ctx context.Context) {
	defer c.wg.Done()
	c.logger.Info("metrics collector started", "interval", c.config.Interval, "disk_paths", c.config.DiskPaths)

	c.Collect(ctx)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			c.logger.Info("metrics collector stopped")
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect takes one snapshot, stores it and publishes it. A storage failure
// is logged and the snapshot is still published.
func (c *Collector) Collect(ctx context.Context) *types.SystemMetricsSnapshot {
	snap := c.sample(ctx)

	c.mu.Lock()
	c.latest = snap
	c.mu.Unlock()

	if err := c.store.SaveMetrics(ctx, snap); err != nil {
		c.logger.Error("failed to store metrics snapshot", "error", err)
	}
	if c.publisher != nil {
		c.publisher.Publish(events.Event{
			Type:      events.MetricsCollected,
			Timestamp: snap.Timestamp,
			Metrics:   cloneSnapshot(snap),
		})
	}

	c.logger.Debug("metrics collected",
		"cpu_percent", snap.CPU.UsagePercent,
		"memory_percent", snap.Memory.UsedPercent,
	)
	return snap
}

// Latest returns a copy of the most recent snapshot, or nil before the first.
func (c *Collector) Latest() *types.SystemMetricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.latest == nil {
		return nil
	}
	return cloneSnapshot(c.latest)
}

// snapshot reads every source it can. Sources that fail are left zero.
func (c *Collector) snapshot(ctx context.Context) *types.SystemMetricsSnapshot {
	snap := &types.SystemMetricsSnapshot{Timestamp: time.Now()}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.CPU.UsagePercent = pct[0]
	} else if err != nil {
		c.logger.Debug("cpu usage unavailable", "error", err)
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPU.Cores = n
	} else {
		snap.CPU.Cores = runtime.NumCPU()
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.CPU.Load1, snap.CPU.Load5, snap.CPU.Load15 = avg.Load1, avg.Load5, avg.Load15
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.Memory = types.MemoryMetrics{
			TotalBytes:  vm.Total,
			UsedBytes:   vm.Used,
			FreeBytes:   vm.Available,
			UsedPercent: vm.UsedPercent,
		}
	} else {
		c.logger.Debug("memory usage unavailable", "error", err)
	}

	for _, path := range c.config.DiskPaths {
		u, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			c.logger.Debug("disk usage unavailable", "path", path, "error", err)
			continue
		}
		snap.Disk = append(snap.Disk, types.DiskUsage{
			Path:        path,
			TotalBytes:  u.Total,
			UsedBytes:   u.Used,
			FreeBytes:   u.Free,
			UsedPercent: u.UsedPercent,
		})
	}

	if counters, err := net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		all := counters[0]
		snap.Network = types.NetworkMetrics{
			BytesSent:   all.BytesSent,
			BytesRecv:   all.BytesRecv,
			PacketsSent: all.PacketsSent,
			PacketsRecv: all.PacketsRecv,
			Errors:      all.Errin + all.Errout,
		}
	}

	proc := ProcessHealth(ctx, c.startTime)
	snap.Process = types.ProcessMetrics{
		CPUPercent:    proc.CPUPercent,
		MemoryMB:      proc.MemoryMB,
		MemoryPercent: proc.MemoryPercent,
		Goroutines:    proc.Goroutines,
		UptimeSeconds: proc.UptimeSeconds,
	}
	return snap
}

func cloneSnapshot(s *types.SystemMetricsSnapshot) *types.SystemMetricsSnapshot {
	cp := *s
	cp.Disk = append([]types.DiskUsage(nil), s.Disk...)
	cp.Containers = append([]types.ContainerMetrics(nil), s.Containers...)
	if s.Cluster != nil {
		cl := *s.Cluster
		cp.Cluster = &cl
	}
	return &cp
}
