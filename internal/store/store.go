// Package store provides persistence for checks, results, incidents, alert
// rules, alerts, notification channels and metrics snapshots.
//
// # Design
//
// Definitions and records are stored as JSON documents alongside the few
// columns that queries filter or sort on. This keeps the schema stable while
// the domain types evolve. Three backends implement Store:
//
//   - memory: default, single process, lost on restart
//   - postgres: raw SQL with pgx, schema from db/migrate
//   - sqlite: single node file database via modernc.org/sqlite
//
// All queries returning records order them newest first.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pilot-net/healthmon/pkg/types"
)

// Store is the persistence collaborator. Save* methods insert or replace by
// ID. Get* methods return types.ErrNotFound for unknown IDs.
type Store interface {
	// Checks
	SaveCheck(ctx context.Context, check *types.HealthCheck) error
	DeleteCheck(ctx context.Context, id string) error
	ListChecks(ctx context.Context) ([]*types.HealthCheck, error)

	// Results are append-only
	SaveResult(ctx context.Context, result *types.HealthCheckResult) error
	SaveResults(ctx context.Context, results []*types.HealthCheckResult) error
	QueryResults(ctx context.Context, q types.ResultQuery) ([]*types.HealthCheckResult, error)

	// Incidents
	SaveIncident(ctx context.Context, inc *types.Incident) error
	GetIncident(ctx context.Context, id string) (*types.Incident, error)
	ListIncidents(ctx context.Context, status types.IncidentStatus) ([]*types.Incident, error)

	// Alert rules
	SaveRule(ctx context.Context, rule *types.AlertRule) error
	DeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context) ([]*types.AlertRule, error)

	// Fired alerts
	SaveAlert(ctx context.Context, alert *types.Alert) error
	GetAlert(ctx context.Context, id string) (*types.Alert, error)
	ListAlerts(ctx context.Context, f types.AlertFilter) ([]*types.Alert, error)

	// Notification channels
	SaveChannel(ctx context.Context, ch *types.NotificationChannel) error
	DeleteChannel(ctx context.Context, id string) error
	ListChannels(ctx context.Context) ([]*types.NotificationChannel, error)

	// Metrics snapshots
	SaveMetrics(ctx context.Context, snap *types.SystemMetricsSnapshot) error
	QueryMetrics(ctx context.Context, q types.MetricsQuery) ([]*types.SystemMetricsSnapshot, error)

	// Cleanup deletes results, snapshots and resolved alerts older than maxAge.
	Cleanup(ctx context.Context, maxAge time.Duration) (CleanupStats, error)

	Ping(ctx context.Context) error
	Close() error
}

// CleanupStats reports rows removed by Cleanup.
type CleanupStats struct {
	Results int64
	Metrics int64
	Alerts  int64
}

// Open creates a store for the configured driver.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "postgres":
		return NewPostgresFromURL(ctx, dsn)
	case "sqlite":
		return NewSQLite(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
