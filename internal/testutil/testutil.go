// Package testutil provides testing utilities and fixtures for healthmon.
//
// This package contains:
//   - Test helper functions (loggers)
//   - Fixture factories for domain types (checks, results, incidents, rules, channels)
//
// # Usage
//
// Fixtures use functional options for customization:
//
//	check := testutil.FixtureCheck()
//	check := testutil.FixtureCheck(func(c *types.HealthCheck) {
//		c.Name = "custom-check"
//		c.Tags = []string{"db"}
//	})
package testutil

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/healthmon/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
// Use for tests where logging output is not needed.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewVerboseTestLogger returns a logger that writes to stderr.
// Use for debugging test failures.
func NewVerboseTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// =============================================================================
// CHECK FIXTURES
// =============================================================================

// FixtureCheck creates a test check with sensible defaults.
// Use overrides to customize specific fields.
func FixtureCheck(overrides ...func(*types.HealthCheck)) *types.HealthCheck {
	now := time.Now()
	check := &types.HealthCheck{
		ID:     uuid.New().String(),
		Name:   "test-check-" + uuid.New().String()[:8],
		Kind:   types.CheckKindHTTP,
		Target: "http://localhost:8080/health",
		Config: types.CheckConfig{
			IntervalMs: 60000,
			TimeoutMs:  1000,
		},
		Thresholds: types.Thresholds{
			ResponseTime: types.Threshold{Warning: 1000, Critical: 5000},
		},
		Enabled:   true,
		Tags:      []string{"test"},
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, override := range overrides {
		override(check)
	}

	return check
}

// =============================================================================
// RESULT FIXTURES
// =============================================================================

// FixtureResult creates a healthy result for checkID.
func FixtureResult(checkID string, overrides ...func(*types.HealthCheckResult)) *types.HealthCheckResult {
	result := &types.HealthCheckResult{
		ID:             uuid.New().String(),
		CheckID:        checkID,
		Timestamp:      time.Now(),
		Status:         types.StatusHealthy,
		ResponseTimeMs: 42,
		Success:        true,
		Message:        "ok",
	}

	for _, override := range overrides {
		override(result)
	}

	return result
}

// FixtureCriticalResult creates a failed, critical result for checkID.
func FixtureCriticalResult(checkID string, overrides ...func(*types.HealthCheckResult)) *types.HealthCheckResult {
	return FixtureResult(checkID, append([]func(*types.HealthCheckResult){
		func(r *types.HealthCheckResult) {
			r.Status = types.StatusCritical
			r.Success = false
			r.Message = "connection refused"
			r.Error = "connection refused"
		},
	}, overrides...)...)
}

// =============================================================================
// INCIDENT FIXTURES
// =============================================================================

// FixtureIncident creates an open incident referencing checkIDs.
func FixtureIncident(checkIDs []string, overrides ...func(*types.Incident)) *types.Incident {
	now := time.Now()
	inc := &types.Incident{
		ID:        uuid.New().String(),
		Title:     "test incident",
		Severity:  types.SeverityCritical,
		Status:    types.IncidentOpen,
		CheckIDs:  checkIDs,
		StartTime: now,
		Updates: []types.IncidentUpdate{{
			ID:        uuid.New().String(),
			Timestamp: now,
			Status:    types.IncidentOpen,
			Message:   "created",
			UpdatedBy: "test",
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, override := range overrides {
		override(inc)
	}

	return inc
}

// =============================================================================
// ALERTING FIXTURES
// =============================================================================

// FixtureRule creates an enabled check-failed rule with one webhook action.
func FixtureRule(overrides ...func(*types.AlertRule)) *types.AlertRule {
	now := time.Now()
	rule := &types.AlertRule{
		ID:         uuid.New().String(),
		Name:       "test-rule-" + uuid.New().String()[:8],
		Enabled:    true,
		Conditions: []types.AlertCondition{{Type: types.ConditionCheckFailed}},
		Actions:    []types.AlertAction{{Type: types.ChannelWebhook}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	for _, override := range overrides {
		override(rule)
	}

	return rule
}

// FixtureChannel creates an enabled webhook channel pointing at url.
func FixtureChannel(url string, overrides ...func(*types.NotificationChannel)) *types.NotificationChannel {
	now := time.Now()
	ch := &types.NotificationChannel{
		ID:        uuid.New().String(),
		Type:      types.ChannelWebhook,
		Name:      "test-webhook",
		Enabled:   true,
		Config:    map[string]any{"url": url},
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, override := range overrides {
		override(ch)
	}

	return ch
}

// FixtureSnapshot creates a metrics snapshot with the given CPU usage.
func FixtureSnapshot(cpuPercent float64) *types.SystemMetricsSnapshot {
	return &types.SystemMetricsSnapshot{
		Timestamp: time.Now(),
		CPU:       types.CPUMetrics{UsagePercent: cpuPercent, Cores: 4},
		Memory:    types.MemoryMetrics{TotalBytes: 8 << 30, UsedBytes: 4 << 30, UsedPercent: 50},
		Disk:      []types.DiskUsage{{Path: "/", TotalBytes: 100 << 30, UsedBytes: 40 << 30, UsedPercent: 40}},
	}
}
